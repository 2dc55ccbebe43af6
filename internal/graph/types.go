// Package graph implements spec section 4.4: bounded upward traversal of
// authority_hints to enumerate trust chains, and bounded downward traversal
// via list/fetch for subtree discovery. Grounded on the teacher's
// pkg/resolver/trust_chain.go (authority-hint walk) and resolver.go's
// recursive fetch pattern, restructured around a bounded worker pool instead
// of the teacher's unbounded goroutine-per-branch recursion.
package graph

import (
	"sort"
	"strings"

	"github.com/surf-oidcfed/trustwalker/internal/statement"
)

// Node is a discovered entity in the federation graph (spec section 3,
// "Entity node"): its self-signed configuration plus the superiors and
// subordinates discovered so far.
type Node struct {
	ID           string
	Self         *statement.EntityStatement
	EntityTypes  []string
	Superiors    []string
	Subordinates []string
}

// TrustChain is an ordered, non-empty sequence of entity statements in
// canonical form: [leaf_self, sub_about_leaf, superior_self,
// sub_about_superior, ..., anchor_self], per spec section 3.
type TrustChain struct {
	Statements []*statement.EntityStatement
}

// Leaf returns the leaf entity's subject.
func (c *TrustChain) Leaf() string {
	if len(c.Statements) == 0 {
		return ""
	}
	return c.Statements[0].Subject
}

// Anchor returns the top-of-chain self-signed statement's subject.
func (c *TrustChain) Anchor() string {
	if len(c.Statements) == 0 {
		return ""
	}
	return c.Statements[len(c.Statements)-1].Subject
}

// Superiors returns the number of superior hops in the chain (the leaf
// itself is hop 0).
func (c *TrustChain) Superiors() int {
	if len(c.Statements) == 0 {
		return 0
	}
	return (len(c.Statements) - 1) / 2
}

// SuperiorPath concatenates the subjects of every superior self-signed
// statement in the chain (indices 2, 4, ... including the anchor), joined by
// "|". Two chains of equal length to the same anchor via different
// intermediates always differ here, giving SortChains a total order.
func (c *TrustChain) SuperiorPath() string {
	var sb strings.Builder
	for i := 2; i < len(c.Statements); i += 2 {
		sb.WriteString(c.Statements[i].Subject)
		sb.WriteByte('|')
	}
	return sb.String()
}

// SortChains orders chains by (length ascending, anchor ID lexicographic,
// full superior path lexicographic), per spec section 4.4's tie-break rule.
// The superior path is a total order over emitted chains: two equal-length
// chains to the same anchor via different intermediates still compare
// unequal, so the ordering is deterministic across runs regardless of the
// arbitrary order BuildChains' worker pool emits them in. sort.SliceStable
// keeps that deterministic.
func SortChains(chains []*TrustChain) {
	sort.SliceStable(chains, func(i, j int) bool {
		li, lj := chains[i].Superiors(), chains[j].Superiors()
		if li != lj {
			return li < lj
		}
		if ai, aj := chains[i].Anchor(), chains[j].Anchor(); ai != aj {
			return ai < aj
		}
		return chains[i].SuperiorPath() < chains[j].SuperiorPath()
	})
}
