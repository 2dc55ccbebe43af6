// Package dot renders trust chains and discovered subtrees as Graphviz DOT
// source, per spec section 6 ("DOT export"). Grounded on the shape of the
// original implementation's trustchain.py/fedtree.py to_graph() helpers
// (pygraphviz), reimplemented here as a plain string builder since no
// Graphviz binding is present anywhere in the example pack.
package dot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/surf-oidcfed/trustwalker/internal/graph"
)

// entityColor picks a deterministic fill colour by entity type, mirroring
// the original's per-type colouring of graph nodes.
func entityColor(entityTypes []string) string {
	for _, t := range entityTypes {
		switch t {
		case "openid_provider":
			return "lightblue"
		case "openid_relying_party":
			return "lightgreen"
		case "federation_entity":
			return "lightgrey"
		case "trust_mark_issuer":
			return "khaki"
		}
	}
	return "white"
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Chains renders one or more trust chains as a single DOT graph. Each chain
// contributes the leaf-to-anchor path of self-signed nodes, with solid
// downward edges superior->subordinate and dashed upward edges leaf->superior
// (the same statement pair drawn from both ends, per spec section 6).
func Chains(chains []*graph.TrustChain) string {
	var b strings.Builder
	b.WriteString("digraph trustchains {\n")
	b.WriteString("  rankdir=BT;\n")
	b.WriteString("  node [shape=box style=filled fontname=\"Helvetica\"];\n")

	seenNodes := map[string]bool{}
	seenEdges := map[string]bool{}

	for _, c := range chains {
		for i := 0; i < len(c.Statements); i += 2 {
			self := c.Statements[i]
			id := self.Subject
			if !seenNodes[id] {
				seenNodes[id] = true
				color := entityColor(self.EntityTypes())
				fmt.Fprintf(&b, "  %s [label=%s fillcolor=%s];\n", quote(id), quote(id), color)
			}
		}
		for i := 1; i < len(c.Statements); i += 2 {
			sub := c.Statements[i]
			child := sub.Subject
			parent := sub.Issuer
			downKey := "d|" + parent + "|" + child
			upKey := "u|" + child + "|" + parent
			if !seenEdges[downKey] {
				seenEdges[downKey] = true
				fmt.Fprintf(&b, "  %s -> %s [style=solid];\n", quote(parent), quote(child))
			}
			if !seenEdges[upKey] {
				seenEdges[upKey] = true
				fmt.Fprintf(&b, "  %s -> %s [style=dashed];\n", quote(child), quote(parent))
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}

// Subtree renders a discovered subtree rooted at a node, walking
// Subordinates edges downward. nodesByID must contain every ID reachable
// from root.ID via Subordinates (the shape graph.Explorer.DiscoverSubtree
// returns); IDs with no corresponding entry are drawn as bare labelled nodes.
func Subtree(root *graph.Node, nodesByID map[string]*graph.Node) string {
	var b strings.Builder
	b.WriteString("digraph subtree {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  node [shape=box style=filled fontname=\"Helvetica\"];\n")

	seenNodes := map[string]bool{}
	seenEdges := map[string]bool{}

	ids := make([]string, 0, len(nodesByID))
	for id := range nodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	emit := func(id string) {
		if seenNodes[id] {
			return
		}
		seenNodes[id] = true
		color := "white"
		if n, ok := nodesByID[id]; ok {
			color = entityColor(n.EntityTypes)
		}
		fmt.Fprintf(&b, "  %s [label=%s fillcolor=%s];\n", quote(id), quote(id), color)
	}

	emit(root.ID)
	for _, id := range ids {
		emit(id)
		n := nodesByID[id]
		for _, child := range n.Subordinates {
			emit(child)
			key := id + "|" + child
			if !seenEdges[key] {
				seenEdges[key] = true
				fmt.Fprintf(&b, "  %s -> %s [style=solid];\n", quote(id), quote(child))
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}
