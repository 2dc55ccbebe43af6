// Package resolver implements spec section 4.7: orchestrating the fetcher,
// graph explorer, chain validator, and policy engine for a single
// (leaf, anchor, entity_type) resolution. Grounded on the teacher's
// FederationResolver.ResolveTrustChainWithAnchor orchestration
// (pkg/resolver/resolver.go).
package resolver

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/surf-oidcfed/trustwalker/internal/chainvalidate"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/policy"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// ResolvedEntity is the result of resolve(leaf, anchor, entity_type), per
// spec section 4.7.
type ResolvedEntity struct {
	LeafID     string
	AnchorID   string
	EntityType string
	Metadata   map[string]any
	TrustMarks []statement.TrustMark
	Chain      *graph.TrustChain
	ChainJWS   []string
}

// Resolver orchestrates chain building, validation, and policy composition.
type Resolver struct {
	explorer *graph.Explorer
	verifier *verifier.Verifier
}

// New builds a Resolver backed by explorer. v defaults to verifier.New()
// when nil.
func New(explorer *graph.Explorer, v *verifier.Verifier) *Resolver {
	if v == nil {
		v = verifier.New()
	}
	return &Resolver{explorer: explorer, verifier: v}
}

// Resolve implements spec section 4.7: build chains to anchor, pick the
// shortest valid one (ties broken lexicographically on the concatenation of
// superior IDs), compose and apply the metadata policy, and filter
// surviving trust marks.
func (r *Resolver) Resolve(ctx context.Context, leafID, anchorID, entityType string) (*ResolvedEntity, error) {
	chains, err := r.explorer.BuildChains(ctx, leafID, []string{anchorID})
	if err != nil {
		metrics.RecordEntityResolution(leafID, anchorID, "fetch_error", 0)
		return nil, err
	}

	validator := chainvalidate.New(r.verifier, []string{anchorID})
	valid := make([]*graph.TrustChain, 0, len(chains))
	var lastErr error
	for _, c := range chains {
		if verr := validator.Validate(c); verr != nil {
			lastErr = verr
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		metrics.RecordEntityResolution(leafID, anchorID, "no_valid_chain", 0)
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ferrors.Newf(ferrors.KindAnchorNotReached, "Resolve", leafID, "no chain from %s to %s", leafID, anchorID)
	}

	sort.Slice(valid, func(i, j int) bool {
		si, sj := valid[i].Superiors(), valid[j].Superiors()
		if si != sj {
			return si < sj
		}
		return concatSuperiorIDs(valid[i]) < concatSuperiorIDs(valid[j])
	})
	chosen := valid[0]

	composed, err := policy.Compose(chosen, entityType)
	if err != nil {
		metrics.RecordEntityResolution(leafID, anchorID, "policy_conflict", 0)
		return nil, err
	}
	resolvedMetadata, err := policy.Apply(composed, chosen.Statements[0].Metadata[entityType])
	if err != nil {
		metrics.RecordEntityResolution(leafID, anchorID, "policy_violation", 0)
		return nil, err
	}

	survivors := policy.FilterTrustMarks(chosen, chosen.Statements[0].TrustMarks, time.Now())

	rawChain := make([]string, len(chosen.Statements))
	for i, s := range chosen.Statements {
		rawChain[i] = s.Raw
	}

	metrics.RecordEntityResolution(leafID, anchorID, "ok", 0)
	return &ResolvedEntity{
		LeafID:     leafID,
		AnchorID:   anchorID,
		EntityType: entityType,
		Metadata:   resolvedMetadata,
		TrustMarks: survivors,
		Chain:      chosen,
		ChainJWS:   rawChain,
	}, nil
}

// concatSuperiorIDs concatenates the subjects of every superior self-signed
// statement in the chain (indices 2, 4, ... including the anchor), used as
// the resolver's tie-break key per spec section 4.7.
func concatSuperiorIDs(c *graph.TrustChain) string {
	var sb strings.Builder
	for i := 2; i < len(c.Statements); i += 2 {
		sb.WriteString(c.Statements[i].Subject)
		sb.WriteByte('|')
	}
	return sb.String()
}
