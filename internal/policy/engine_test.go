package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
)

func chainWithPolicies(policies ...statement.TypePolicy) *graph.TrustChain {
	// Builds a chain shaped [leaf_self, ..., superior_self] where policies[0]
	// belongs to the statement nearest the anchor and the last belongs to the
	// statement nearest the leaf, matching Compose's anchor-to-leaf order.
	stmts := make([]*statement.EntityStatement, 0, len(policies)+1)
	stmts = append(stmts, &statement.EntityStatement{Issuer: "leaf", Subject: "leaf"}) // index 0, never contributes
	for i := len(policies) - 1; i >= 0; i-- {
		stmts = append(stmts, &statement.EntityStatement{
			MetadataPolicy: map[string]statement.TypePolicy{"openid_relying_party": policies[i]},
		})
	}
	return &graph.TrustChain{Statements: stmts}
}

func TestComposeConflictingValuesFails(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"value": "Anchor Name"}}
	leafSidePolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"value": "Intermediate Name"}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindPolicyConflict, kind)
}

func TestComposeAgreeingValuesSucceeds(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"value": "Anchor Name"}}
	leafSidePolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"value": "Anchor Name"}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	composed, err := Compose(chain, "openid_relying_party")
	require.NoError(t, err)
	assert.Equal(t, "Anchor Name", composed["client_name"]["value"])
}

func TestComposeOnlySuperiorSetsValue(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"value": "Anchor Name"}}
	leafSidePolicy := statement.TypePolicy{}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	composed, err := Compose(chain, "openid_relying_party")
	require.NoError(t, err)
	assert.Equal(t, "Anchor Name", composed["client_name"]["value"])
}

func TestComposeAddUnion(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"contacts": statement.ClaimPolicy{"add": []any{"a@example.com"}}}
	leafSidePolicy := statement.TypePolicy{"contacts": statement.ClaimPolicy{"add": []any{"b@example.com"}}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	composed, err := Compose(chain, "openid_relying_party")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a@example.com", "b@example.com"}, composed["contacts"]["add"])
}

func TestComposeOneOfIntersection(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"a", "b", "c"}}}
	leafSidePolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"b", "c", "d"}}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	composed, err := Compose(chain, "openid_relying_party")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"b", "c"}, composed["scope"]["one_of"])
}

func TestComposeOneOfEmptyIntersectionConflicts(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"a"}}}
	leafSidePolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"b"}}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindPolicyConflict, kind)
}

func TestComposeOneOfCombinedWithSubsetOfConflicts(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"a", "b"}}}
	leafSidePolicy := statement.TypePolicy{"scope": statement.ClaimPolicy{"subset_of": []any{"a"}}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
	kind, _ := ferrors.KindOf(err)
	assert.Equal(t, ferrors.KindPolicyConflict, kind)
}

func TestComposeSupersetOfNotSubsetOfSubsetOfConflicts(t *testing.T) {
	policy := statement.TypePolicy{"scope": statement.ClaimPolicy{
		"subset_of":   []any{"a", "b"},
		"superset_of": []any{"a", "c"},
	}}
	chain := chainWithPolicies(policy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
	kind, _ := ferrors.KindOf(err)
	assert.Equal(t, ferrors.KindPolicyConflict, kind)
}

func TestComposeDefaultOutsideOneOfConflicts(t *testing.T) {
	policy := statement.TypePolicy{"scope": statement.ClaimPolicy{
		"one_of":  []any{"a", "b"},
		"default": "z",
	}}
	chain := chainWithPolicies(policy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
}

func TestComposeEssentialMonotonic(t *testing.T) {
	anchorPolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"essential": false}}
	leafSidePolicy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"essential": true}}
	chain := chainWithPolicies(anchorPolicy, leafSidePolicy)

	composed, err := Compose(chain, "openid_relying_party")
	require.NoError(t, err)
	assert.Equal(t, true, composed["client_name"]["essential"])
}

func TestComposeUnknownOperatorErrors(t *testing.T) {
	policy := statement.TypePolicy{"client_name": statement.ClaimPolicy{"frobnicate": "x"}}
	chain := chainWithPolicies(policy)

	_, err := Compose(chain, "openid_relying_party")
	require.Error(t, err)
	kind, _ := ferrors.KindOf(err)
	assert.Equal(t, ferrors.KindUnknownOperator, kind)
}

func TestApplyDefaultFillsAbsentClaim(t *testing.T) {
	composed := statement.TypePolicy{"client_name": statement.ClaimPolicy{"default": "Fallback"}}
	result, err := Apply(composed, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Fallback", result["client_name"])
}

func TestApplyValueOverridesAdd(t *testing.T) {
	composed := statement.TypePolicy{
		"client_name": statement.ClaimPolicy{
			"add":   []any{"ignored"},
			"value": "Forced Name",
		},
	}
	result, err := Apply(composed, map[string]any{"client_name": "Original"})
	require.NoError(t, err)
	assert.Equal(t, "Forced Name", result["client_name"])
}

func TestApplyOneOfRejectsDisallowedValue(t *testing.T) {
	composed := statement.TypePolicy{"scope": statement.ClaimPolicy{"one_of": []any{"a", "b"}}}
	_, err := Apply(composed, map[string]any{"scope": "z"})
	require.Error(t, err)
	kind, _ := ferrors.KindOf(err)
	assert.Equal(t, ferrors.KindPolicyViolation, kind)
}

func TestApplySubsetOfFiltersValue(t *testing.T) {
	composed := statement.TypePolicy{"scopes": statement.ClaimPolicy{"subset_of": []any{"a", "b"}}}
	result, err := Apply(composed, map[string]any{"scopes": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, result["scopes"])
}

func TestApplySupersetOfRejectsMissingElement(t *testing.T) {
	composed := statement.TypePolicy{"scopes": statement.ClaimPolicy{"superset_of": []any{"a", "b"}}}
	_, err := Apply(composed, map[string]any{"scopes": []any{"a"}})
	require.Error(t, err)
}

func TestApplyEssentialMissingClaimFails(t *testing.T) {
	composed := statement.TypePolicy{"client_name": statement.ClaimPolicy{"essential": true}}
	_, err := Apply(composed, map[string]any{})
	require.Error(t, err)
	kind, _ := ferrors.KindOf(err)
	assert.Equal(t, ferrors.KindEssentialClaimMissing, kind)
}

func TestApplyEssentialPresentClaimSucceeds(t *testing.T) {
	composed := statement.TypePolicy{"client_name": statement.ClaimPolicy{"essential": true}}
	result, err := Apply(composed, map[string]any{"client_name": "demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", result["client_name"])
}
