// Package statement implements the parsed, verified OpenID Federation entity
// statement (spec section 3) and the compact-JWS splitting and algorithm
// allow-list enforcement of spec section 4.2. Grounded on the teacher
// resolver's JWT handling (pkg/resolver/jwt_utils.go's ParseJWTParts,
// pkg/resolver/statement.go's claims-to-struct mapping) but reworked around a
// typed EntityStatement instead of a map[string]interface{} bag, and wired to
// lestrrat-go/jwx/v3 for the compact-JWS split instead of the teacher's
// hand-rolled splitN/base64 helpers.
package statement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
)

// AllowedAlgs is the federation-permitted signing algorithm allow-list per
// spec section 4.2: RS/ES/PS families. "none" and HMAC are never permitted
// for entity statements.
var AllowedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// Constraints captures the optional trust-chain constraints an entity
// statement may impose on subordinates, per spec section 3.
type Constraints struct {
	MaxPathLength *int `json:"max_path_length,omitempty"`
}

// TrustMark is a signed trust-mark JWT attached to an entity statement. Only
// the id and the raw JWT are modeled here; the issuer and other claims are
// read from the raw JWT when filtering (internal/policy). Verification and
// content beyond that are out of scope per spec section 1 ("Non-goals").
type TrustMark struct {
	ID  string `json:"id"`
	Raw string `json:"trust_mark"`
}

// ClaimPolicy is a single claim's policy operators: operator name -> operand.
type ClaimPolicy map[string]any

// TypePolicy maps claim name -> ClaimPolicy, for one entity-type tag.
type TypePolicy map[string]ClaimPolicy

// EntityStatement is the parsed, immutable-once-verified federation entity
// statement of spec section 3.
type EntityStatement struct {
	Issuer          string                     `json:"iss"`
	Subject         string                     `json:"sub"`
	IssuedAt        time.Time                  `json:"-"`
	ExpiresAt       time.Time                  `json:"-"`
	JWKS            jwk.Set                    `json:"-"`
	AuthorityHints  []string                   `json:"authority_hints,omitempty"`
	Metadata        map[string]map[string]any  `json:"metadata,omitempty"`
	MetadataPolicy  map[string]TypePolicy      `json:"metadata_policy,omitempty"`
	TrustMarks      []TrustMark                `json:"trust_marks,omitempty"`
	TrustMarkIssuers map[string][]string       `json:"trust_mark_issuers,omitempty"`
	Constraints     *Constraints                `json:"constraints,omitempty"`

	// Raw is the original compact JWS, kept for display/export (spec section 3).
	Raw string `json:"-"`
}

// wireStatement mirrors the JSON shape of an entity statement payload; iat/exp
// arrive as NumericDate (seconds since epoch) and jwks as a raw JWK Set
// document, so they need custom handling before landing in EntityStatement.
type wireStatement struct {
	Issuer          string                    `json:"iss"`
	Subject         string                    `json:"sub"`
	IssuedAt        int64                     `json:"iat"`
	ExpiresAt       int64                     `json:"exp"`
	JWKS            json.RawMessage           `json:"jwks,omitempty"`
	AuthorityHints  []string                  `json:"authority_hints,omitempty"`
	Metadata        map[string]map[string]any `json:"metadata,omitempty"`
	MetadataPolicy  map[string]TypePolicy     `json:"metadata_policy,omitempty"`
	TrustMarks      []TrustMark               `json:"trust_marks,omitempty"`
	TrustMarkIssuers map[string][]string      `json:"trust_mark_issuers,omitempty"`
	Constraints     *Constraints              `json:"constraints,omitempty"`
}

// SelfSigned reports whether this is an entity configuration (iss == sub).
func (s *EntityStatement) SelfSigned() bool {
	return entity.Equal(s.Issuer, s.Subject)
}

// EntityTypes returns the entity-type tags present in the statement's
// self-asserted metadata (used by the explorer's downward traversal to
// classify discovered nodes).
func (s *EntityStatement) EntityTypes() []string {
	types := make([]string, 0, len(s.Metadata))
	for t := range s.Metadata {
		types = append(types, t)
	}
	return types
}

// SplitCompact splits a compact JWS without verifying anything, returning the
// protected header re-encoded as JSON, the decoded payload, and the raw
// signature bytes. Grounded on jwt_utils.go's ParseJWTParts, reworked atop
// jwx/v3's jws.Parse so the split respects the real JWS grammar (including
// detached payloads) instead of a hand-rolled splitN.
func SplitCompact(raw string) (header, payload, signature []byte, err error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, nil, nil, ferrors.New(ferrors.KindMalformedJWS, "SplitCompact", "", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, nil, nil, ferrors.Newf(ferrors.KindMalformedJWS, "SplitCompact", "", "expected exactly one JWS signature, got %d", len(sigs))
	}
	headerJSON, err := json.Marshal(sigs[0].ProtectedHeaders())
	if err != nil {
		return nil, nil, nil, ferrors.New(ferrors.KindMalformedJWS, "SplitCompact", "", err)
	}
	return headerJSON, msg.Payload(), sigs[0].Signature(), nil
}

// HeaderAlg extracts and validates the "alg" header against AllowedAlgs,
// rejecting "none" and HS* per spec section 4.2.
func HeaderAlg(raw string) (string, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return "", ferrors.New(ferrors.KindMalformedJWS, "HeaderAlg", "", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", ferrors.Newf(ferrors.KindMalformedJWS, "HeaderAlg", "", "expected exactly one JWS signature, got %d", len(sigs))
	}
	alg, ok := sigs[0].ProtectedHeaders().Algorithm()
	if !ok {
		return "", ferrors.Newf(ferrors.KindAlgNotAllowed, "HeaderAlg", "", "missing alg header")
	}
	algStr := alg.String()
	if !AllowedAlgs[algStr] {
		return "", ferrors.Newf(ferrors.KindAlgNotAllowed, "HeaderAlg", "", "alg %q not in federation allow-list", algStr)
	}
	return algStr, nil
}

// ParsePayload decodes the JSON payload of an (unverified) entity statement
// into an EntityStatement, retaining the original compact JWS in Raw. Callers
// must separately verify the signature (internal/verifier) before trusting
// the result. Required claims per spec section 4.2 are iss, sub, iat, exp;
// jwks is additionally required when iss == sub (self-signed).
func ParsePayload(raw string, payload []byte) (*EntityStatement, error) {
	var w wireStatement
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, ferrors.New(ferrors.KindMalformedJWS, "ParsePayload", "", err)
	}

	if w.Issuer == "" || w.Subject == "" {
		return nil, ferrors.Newf(ferrors.KindMalformedJWS, "ParsePayload", w.Subject, "missing iss/sub claim")
	}
	if w.IssuedAt == 0 || w.ExpiresAt == 0 {
		return nil, ferrors.Newf(ferrors.KindMalformedJWS, "ParsePayload", w.Subject, "missing iat/exp claim")
	}

	s := &EntityStatement{
		Issuer:           w.Issuer,
		Subject:          w.Subject,
		IssuedAt:         time.Unix(w.IssuedAt, 0).UTC(),
		ExpiresAt:        time.Unix(w.ExpiresAt, 0).UTC(),
		AuthorityHints:   w.AuthorityHints,
		Metadata:         w.Metadata,
		MetadataPolicy:   w.MetadataPolicy,
		TrustMarks:       w.TrustMarks,
		TrustMarkIssuers: w.TrustMarkIssuers,
		Constraints:      w.Constraints,
		Raw:              raw,
	}

	selfSigned := entity.Equal(s.Issuer, s.Subject)
	if len(w.JWKS) > 0 {
		set, err := jwk.Parse(w.JWKS)
		if err != nil {
			return nil, ferrors.New(ferrors.KindMalformedJWS, "ParsePayload", w.Subject, fmt.Errorf("parsing jwks: %w", err))
		}
		s.JWKS = set
	} else if selfSigned {
		return nil, ferrors.Newf(ferrors.KindMalformedJWS, "ParsePayload", w.Subject, "self-signed statement missing jwks")
	}

	return s, nil
}
