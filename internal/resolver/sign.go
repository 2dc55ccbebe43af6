package resolver

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is the resolver's own key for producing signed resolve
// responses, grounded on the teacher's r.signingKey/r.signingkid fields
// (pkg/resolver/trust_anchor_methods.go).
type SigningKey struct {
	KeyID      string
	Method     jwt.SigningMethod // e.g. jwt.SigningMethodRS256
	PrivateKey crypto.PrivateKey
}

// ResolveAndSign resolves leafID against anchorID and wraps the result in a
// signed "resolve-response+jwt", letting this process act as a federation
// resolve endpoint for its own configured trust anchors. Grounded on the
// teacher's ResolveAndSign/CreateSignedTrustChainResponse, generalized to an
// injectable SigningKey instead of a single hardcoded RSA key and to our
// ResolvedEntity instead of CachedTrustChain.
func (r *Resolver) ResolveAndSign(ctx context.Context, resolverEntityID, leafID, anchorID, entityType string, key SigningKey) (string, error) {
	resolved, err := r.Resolve(ctx, leafID, anchorID, entityType)
	if err != nil {
		return "", fmt.Errorf("resolving %s against anchor %s: %w", leafID, anchorID, err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":          resolverEntityID,
		"sub":          resolved.LeafID,
		"aud":          resolved.AnchorID,
		"iat":          now.Unix(),
		"exp":          now.Add(time.Hour).Unix(),
		"trust_anchor": resolved.AnchorID,
		"trust_chain":  resolved.ChainJWS,
		"metadata":     map[string]any{resolved.EntityType: resolved.Metadata},
	}
	if len(resolved.TrustMarks) > 0 {
		marks := make([]string, len(resolved.TrustMarks))
		for i, m := range resolved.TrustMarks {
			marks[i] = m.Raw
		}
		claims["trust_marks"] = marks
	}

	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["typ"] = "resolve-response+jwt"
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("signing resolve response for %s: %w", leafID, err)
	}
	return signed, nil
}
