// Package chainvalidate implements spec section 4.5: the five integrity
// checks a candidate trust chain must pass before its metadata can be
// trusted. Grounded on the teacher's pkg/resolver/trust_chain.go canonical
// chain assembly and resolver.go's validateJWTSignature/temporal checks,
// reworked to operate on the canonical [leaf_self, sub_about_leaf,
// superior_self, ..., anchor_self] sequence built by internal/graph instead
// of the teacher's map-based CachedEntityStatement bag.
package chainvalidate

import (
	"time"

	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// Validator checks candidate trust chains against the five rules of spec
// section 4.5.
type Validator struct {
	verifier *verifier.Verifier
	anchors  map[string]bool // empty: anchors unconstrained
}

// New builds a Validator. anchors may be empty, meaning any self-signed root
// is an acceptable chain terminus (spec section 4.5, check 3).
func New(v *verifier.Verifier, anchors []string) *Validator {
	if v == nil {
		v = verifier.New()
	}
	set := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		if id, err := entity.Normalize(a); err == nil {
			set[string(id)] = true
		}
	}
	return &Validator{verifier: v, anchors: set}
}

// Validate runs all five checks against chain. A failing chain is rejected
// with a specific *ferrors.FedError; it never affects sibling chains.
func (v *Validator) Validate(chain *graph.TrustChain) error {
	stmts := chain.Statements
	if len(stmts) == 0 || len(stmts)%2 != 1 {
		metrics.RecordChainEmitted(false)
		return ferrors.Newf(ferrors.KindMalformedJWS, "Validate", "", "chain has %d statements, want an odd-length canonical sequence", len(stmts))
	}

	if err := v.checkLeafSelfSigned(stmts[0]); err != nil {
		return err
	}
	if err := v.checkLinkage(stmts); err != nil {
		return err
	}
	if err := v.checkAnchor(stmts[len(stmts)-1]); err != nil {
		return err
	}
	if err := v.checkTemporalIntersection(stmts); err != nil {
		return err
	}
	if err := v.checkPathLength(stmts); err != nil {
		return err
	}

	metrics.RecordChainEmitted(true)
	return nil
}

// checkLeafSelfSigned is check 1: the leaf statement is self-signed and
// verifies under its own JWKS.
func (v *Validator) checkLeafSelfSigned(leaf *statement.EntityStatement) error {
	if !leaf.SelfSigned() {
		return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", leaf.Subject, "leaf statement is not self-signed (iss=%s sub=%s)", leaf.Issuer, leaf.Subject)
	}
	if _, err := v.verifier.VerifySignature(leaf.Raw, leaf.JWKS); err != nil {
		return err
	}
	return nil
}

// checkLinkage is check 2: for each superior-subordinate pair
// (S_P_self, S_{P->N}), S_{P->N} verifies under S_P_self.jwks, iss/sub link
// correctly, and the chain alternates self-signed / subordinate statements
// as the canonical form requires.
func (v *Validator) checkLinkage(stmts []*statement.EntityStatement) error {
	for i := 0; i+2 < len(stmts); i += 2 {
		subjectSelf := stmts[i]
		subordinateStmt := stmts[i+1]
		superiorSelf := stmts[i+2]

		if subordinateStmt.SelfSigned() {
			return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", subjectSelf.Subject, "statement at index %d is self-signed, want a subordinate statement", i+1)
		}
		if !superiorSelf.SelfSigned() {
			return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", superiorSelf.Subject, "statement at index %d is not self-signed, want a superior's entity configuration", i+2)
		}
		if !entity.Equal(subordinateStmt.Issuer, superiorSelf.Subject) {
			return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", subjectSelf.Subject, "subordinate statement iss=%s does not match superior self sub=%s", subordinateStmt.Issuer, superiorSelf.Subject)
		}
		if !entity.Equal(subordinateStmt.Subject, subjectSelf.Subject) {
			return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", subjectSelf.Subject, "subordinate statement sub=%s does not match subject self sub=%s", subordinateStmt.Subject, subjectSelf.Subject)
		}
		if _, err := v.verifier.VerifySignature(subordinateStmt.Raw, superiorSelf.JWKS); err != nil {
			return err
		}
		if _, err := v.verifier.VerifySignature(superiorSelf.Raw, superiorSelf.JWKS); err != nil {
			return err
		}
	}
	return nil
}

// checkAnchor is check 3: the top-of-chain self-signed statement is a
// configured trust anchor, or (when anchors are unconstrained) any
// self-signed root is acceptable.
func (v *Validator) checkAnchor(top *statement.EntityStatement) error {
	if !top.SelfSigned() {
		return ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "Validate", top.Subject, "top-of-chain statement is not self-signed")
	}
	if len(v.anchors) == 0 {
		return nil
	}
	id, err := entity.Normalize(top.Subject)
	if err != nil || !v.anchors[string(id)] {
		return ferrors.Newf(ferrors.KindAnchorNotReached, "Validate", top.Subject, "top-of-chain entity is not a configured trust anchor")
	}
	return nil
}

// checkTemporalIntersection is check 4: the intersection of every
// statement's [iat, exp] interval must contain now, within the verifier's
// clock skew.
func (v *Validator) checkTemporalIntersection(stmts []*statement.EntityStatement) error {
	var latestIat, earliestExp time.Time
	for i, s := range stmts {
		if i == 0 || s.IssuedAt.After(latestIat) {
			latestIat = s.IssuedAt
		}
		if i == 0 || s.ExpiresAt.Before(earliestExp) {
			earliestExp = s.ExpiresAt
		}
	}
	if err := v.verifier.VerifyTemporal(latestIat, earliestExp); err != nil {
		return err
	}
	return nil
}

// checkPathLength is check 5: no superior's constraints.max_path_length is
// exceeded, counted as the number of superiors strictly between the
// constrainer and the leaf (the constrainer itself is excluded from the
// count).
func (v *Validator) checkPathLength(stmts []*statement.EntityStatement) error {
	// Self-signed statements sit at indices 0, 2, 4, ...; index 0 is the
	// leaf, so the superior at index 2*k is k hops above the leaf.
	for i := 2; i < len(stmts); i += 2 {
		constrainer := stmts[i]
		if constrainer.Constraints == nil || constrainer.Constraints.MaxPathLength == nil {
			continue
		}
		superiorsBelow := i/2 - 1 // superiors strictly between constrainer and leaf
		if superiorsBelow > *constrainer.Constraints.MaxPathLength {
			return ferrors.Newf(ferrors.KindPathTooLong, "Validate", constrainer.Subject, "path length %d exceeds max_path_length %d imposed by %s", superiorsBelow, *constrainer.Constraints.MaxPathLength, constrainer.Subject)
		}
	}
	return nil
}
