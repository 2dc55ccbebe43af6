// Package policy implements spec section 4.6: composing federation metadata
// policies top-down along a trust chain and applying the composed policy to
// the leaf's self-asserted metadata. Grounded on the teacher's claims-merging
// style in pkg/resolver/resolver.go (map[string]interface{} manipulation),
// generalized into the closed seven-operator algebra the teacher never had
// to implement, and supplemented from original_source/src/ofcli/policy.py's
// cross-operator conflict checks (dropped by the distillation but material
// to correctness).
package policy

import (
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
)

// Operator is one of the seven federation metadata policy operators, a
// closed enum per spec section 4.6 (no open-ended operator registration).
type Operator string

const (
	OpValue      Operator = "value"
	OpAdd        Operator = "add"
	OpDefault    Operator = "default"
	OpOneOf      Operator = "one_of"
	OpSubsetOf   Operator = "subset_of"
	OpSupersetOf Operator = "superset_of"
	OpEssential  Operator = "essential"
)

var knownOperators = map[Operator]bool{
	OpValue: true, OpAdd: true, OpDefault: true, OpOneOf: true,
	OpSubsetOf: true, OpSupersetOf: true, OpEssential: true,
}

// applicationOrder is the fixed order policy operators are applied to a
// claim's value, per spec section 4.6: defaults populate absent claims
// before value/constraint rules fire, and value always wins over add.
var applicationOrder = []Operator{
	OpDefault, OpAdd, OpValue, OpOneOf, OpSubsetOf, OpSupersetOf, OpEssential,
}

func checkKnown(op Operator, claim string) error {
	if !knownOperators[op] {
		return ferrors.Newf(ferrors.KindUnknownOperator, "policy", claim, "unknown metadata policy operator %q", op)
	}
	return nil
}

// toSet coerces an operand into a slice for set algebra. A scalar becomes a
// one-element slice; nil becomes an empty slice.
func toSet(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

func containsValue(set []any, v any) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// unionSet returns the set union of a and b, preserving a's order then
// appending b's novel elements, used for `add` and `superset_of` composition.
func unionSet(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// intersectSet returns the set intersection of a and b, used for `one_of`
// and `subset_of` composition.
func intersectSet(a, b []any) []any {
	out := make([]any, 0, len(a))
	for _, v := range a {
		if containsValue(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// fromSet collapses a single-element set back to a scalar, mirroring
// toSet's scalar promotion so application doesn't turn scalar claims into
// one-element lists.
func fromSet(set []any, wasScalar bool) any {
	if wasScalar {
		if len(set) == 0 {
			return nil
		}
		return set[0]
	}
	return set
}

func isListOperand(v any) bool {
	_, ok := v.([]any)
	return ok
}
