package policy

import (
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
)

// TrustMarkClaims is the subset of a trust mark JWT's payload that
// survivor-filtering needs. Full trust-mark evaluation is out of scope
// (spec section 1, non-goals) -- only extraction and issuer-trust
// resolution are implemented here.
type TrustMarkClaims struct {
	Issuer    string
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func parseTrustMarkClaims(raw string) (*TrustMarkClaims, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	var wire struct {
		Issuer    string `json:"iss"`
		Subject   string `json:"sub"`
		ID        string `json:"id"`
		IssuedAt  int64  `json:"iat"`
		ExpiresAt int64  `json:"exp"`
	}
	if err := json.Unmarshal(msg.Payload(), &wire); err != nil {
		return nil, err
	}
	return &TrustMarkClaims{
		Issuer:    wire.Issuer,
		Subject:   wire.Subject,
		ID:        wire.ID,
		IssuedAt:  time.Unix(wire.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(wire.ExpiresAt, 0).UTC(),
	}, nil
}

// FilterTrustMarks implements spec section 4.6's trust-mark survivor
// filtering: a mark from the leaf survives iff its issuer is named under
// trust_mark_issuers[id] by some statement along chain -- the anchor's own
// self-configuration included, modeling "the anchor trusts the mark issuer
// transitively". Marks that fail to parse or have expired are dropped
// silently.
func FilterTrustMarks(chain *graph.TrustChain, marks []statement.TrustMark, now time.Time) []statement.TrustMark {
	trusted := make(map[string]map[string]bool)
	for _, st := range chain.Statements {
		for id, issuers := range st.TrustMarkIssuers {
			if trusted[id] == nil {
				trusted[id] = make(map[string]bool)
			}
			for _, iss := range issuers {
				trusted[id][iss] = true
			}
		}
	}

	survivors := make([]statement.TrustMark, 0, len(marks))
	for _, mark := range marks {
		claims, err := parseTrustMarkClaims(mark.Raw)
		if err != nil {
			continue
		}
		if !now.Before(claims.ExpiresAt) {
			continue
		}
		if claims.ID != mark.ID {
			continue
		}
		if !trusted[mark.ID][claims.Issuer] {
			continue
		}
		survivors = append(survivors, mark)
	}
	return survivors
}
