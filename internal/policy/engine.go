package policy

import (
	"reflect"

	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// Compose builds the effective policy for entityType by merging every
// statement's metadata_policy along chain, top-down from anchor to leaf,
// per spec section 4.6. The leaf's own self-signed statement (index 0) never
// contributes a policy -- only superiors constrain a leaf's metadata.
func Compose(chain *graph.TrustChain, entityType string) (statement.TypePolicy, error) {
	composed := statement.TypePolicy{}
	stmts := chain.Statements
	for i := len(stmts) - 1; i >= 1; i-- {
		tp, ok := stmts[i].MetadataPolicy[entityType]
		if !ok {
			continue
		}
		merged, err := mergeTypePolicy(composed, tp)
		if err != nil {
			metrics.RecordPolicyComposition("conflict")
			return nil, err
		}
		composed = merged
	}
	metrics.RecordPolicyComposition("ok")
	return composed, nil
}

func mergeTypePolicy(super, sub statement.TypePolicy) (statement.TypePolicy, error) {
	claims := make(map[string]bool, len(super)+len(sub))
	for c := range super {
		claims[c] = true
	}
	for c := range sub {
		claims[c] = true
	}

	result := make(statement.TypePolicy, len(claims))
	for claim := range claims {
		merged, err := composeClaim(claim, super[claim], sub[claim])
		if err != nil {
			return nil, err
		}
		result[claim] = merged
	}
	return result, nil
}

// composeClaim merges one claim's operator set, where super is closer to the
// trust anchor and sub is closer to the leaf, per spec section 4.6's
// composition table.
func composeClaim(claim string, super, sub statement.ClaimPolicy) (statement.ClaimPolicy, error) {
	ops := make(map[Operator]bool, len(super)+len(sub))
	for opStr := range super {
		ops[Operator(opStr)] = true
	}
	for opStr := range sub {
		ops[Operator(opStr)] = true
	}

	result := statement.ClaimPolicy{}
	for op := range ops {
		if err := checkKnown(op, claim); err != nil {
			return nil, err
		}
		sVal, sOk := super[string(op)]
		bVal, bOk := sub[string(op)]

		switch op {
		case OpValue:
			switch {
			case sOk && bOk:
				if !equalOperand(sVal, bVal) {
					return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "conflicting value operators: %v vs %v", sVal, bVal)
				}
				result[string(op)] = sVal
			case sOk:
				result[string(op)] = sVal
			default:
				result[string(op)] = bVal
			}

		case OpDefault:
			if sOk {
				result[string(op)] = sVal
			} else {
				result[string(op)] = bVal
			}

		case OpAdd, OpSupersetOf:
			scalar := !(sOk && isListOperand(sVal)) && !(bOk && isListOperand(bVal))
			result[string(op)] = fromSet(unionSet(toSet(sVal), toSet(bVal)), scalar)

		case OpOneOf, OpSubsetOf:
			switch {
			case sOk && bOk:
				scalar := !isListOperand(sVal) && !isListOperand(bVal)
				merged := intersectSet(toSet(sVal), toSet(bVal))
				if len(merged) == 0 && op == OpOneOf {
					return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "one_of composition yields empty intersection")
				}
				result[string(op)] = fromSet(merged, scalar)
			case sOk:
				result[string(op)] = sVal
			default:
				result[string(op)] = bVal
			}

		case OpEssential:
			sb, _ := sVal.(bool)
			bb, _ := bVal.(bool)
			result[string(op)] = sb || bb
		}
	}

	return crossOperatorCheck(claim, result)
}

// crossOperatorCheck enforces the conflict rules supplemented from
// original_source/src/ofcli/policy.py (dropped by the distillation):
// one_of is incompatible with subset_of/superset_of on the same claim,
// superset_of must be a subset of subset_of when both are set, and a
// default value must lie within whatever one_of/subset_of constrains.
func crossOperatorCheck(claim string, cp statement.ClaimPolicy) (statement.ClaimPolicy, error) {
	_, hasOneOf := cp[string(OpOneOf)]
	_, hasSubset := cp[string(OpSubsetOf)]
	_, hasSuperset := cp[string(OpSupersetOf)]

	if hasOneOf && (hasSubset || hasSuperset) {
		return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "one_of cannot be combined with subset_of/superset_of")
	}
	if hasSubset && hasSuperset {
		subsetSet := toSet(cp[string(OpSubsetOf)])
		supersetSet := toSet(cp[string(OpSupersetOf)])
		if !isSubsetOfSet(supersetSet, subsetSet) {
			return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "superset_of is not a subset of subset_of")
		}
	}
	if defVal, hasDefault := cp[string(OpDefault)]; hasDefault {
		defSet := toSet(defVal)
		if hasOneOf && !isSubsetOfSet(defSet, toSet(cp[string(OpOneOf)])) {
			return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "default value does not lie within one_of set")
		}
		if hasSubset && !isSubsetOfSet(defSet, toSet(cp[string(OpSubsetOf)])) {
			return nil, ferrors.Newf(ferrors.KindPolicyConflict, "compose", claim, "default value does not lie within subset_of set")
		}
	}
	return cp, nil
}

func isSubsetOfSet(a, b []any) bool {
	for _, v := range a {
		if !containsValue(b, v) {
			return false
		}
	}
	return true
}

// equalOperand compares two decoded JSON operands (scalars, or []any for
// list-valued claims) for the value/value conflict check.
func equalOperand(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Apply applies composed to the leaf's self-asserted metadata for one entity
// type, in the fixed order default -> add -> value -> one_of -> subset_of ->
// superset_of -> essential, per spec section 4.6.
func Apply(composed statement.TypePolicy, metadata map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}

	for _, op := range applicationOrder {
		for claim, cp := range composed {
			operand, ok := cp[string(op)]
			if !ok {
				continue
			}
			if err := applyOperator(op, claim, operand, result); err != nil {
				metrics.RecordPolicyApplication("violation")
				return nil, err
			}
		}
	}

	metrics.RecordPolicyApplication("ok")
	return result, nil
}

func applyOperator(op Operator, claim string, operand any, result map[string]any) error {
	switch op {
	case OpDefault:
		if _, present := result[claim]; !present {
			result[claim] = operand
		}

	case OpAdd:
		if existing, present := result[claim]; present {
			scalar := !isListOperand(existing) && !isListOperand(operand)
			result[claim] = fromSet(unionSet(toSet(existing), toSet(operand)), scalar)
		} else {
			result[claim] = operand
		}

	case OpValue:
		result[claim] = operand

	case OpOneOf:
		if existing, present := result[claim]; present {
			allowed := toSet(operand)
			if isListOperand(existing) {
				filtered := intersectSet(toSet(existing), allowed)
				if len(filtered) == 0 {
					return ferrors.Newf(ferrors.KindPolicyViolation, "apply", claim, "none of %v among one_of set %v", existing, allowed)
				}
				result[claim] = filtered[0]
			} else if !containsValue(allowed, existing) {
				return ferrors.Newf(ferrors.KindPolicyViolation, "apply", claim, "value %v not in one_of set", existing)
			}
		}

	case OpSubsetOf:
		if existing, present := result[claim]; present {
			existingSet := toSet(existing)
			filtered := intersectSet(existingSet, toSet(operand))
			if len(filtered) == 0 && len(existingSet) > 0 {
				return ferrors.Newf(ferrors.KindPolicyViolation, "apply", claim, "value has no overlap with subset_of set")
			}
			result[claim] = fromSet(filtered, !isListOperand(existing))
		}

	case OpSupersetOf:
		existing, present := result[claim]
		if !present {
			return ferrors.Newf(ferrors.KindPolicyViolation, "apply", claim, "claim absent, required to be a superset")
		}
		existingSet := toSet(existing)
		for _, v := range toSet(operand) {
			if !containsValue(existingSet, v) {
				return ferrors.Newf(ferrors.KindPolicyViolation, "apply", claim, "value missing required superset element %v", v)
			}
		}

	case OpEssential:
		essential, _ := operand.(bool)
		if essential {
			if _, present := result[claim]; !present {
				return ferrors.Newf(ferrors.KindEssentialClaimMissing, "apply", claim, "essential claim %q is absent after policy application", claim)
			}
		}
	}
	return nil
}
