// Package entity implements EntityID normalisation per spec section 3: an
// absolute URL with lowercase scheme/host, verbatim path, and fragment and
// query stripped. Any scheme is accepted; non-HTTPS URLs are not rejected.
// Grounded on the teacher resolver's normalizeEntityID
// (pkg/resolver/utils.go), generalized to strip query/fragment as the spec
// requires rather than only dropping default ports.
package entity

import (
	"fmt"
	"net/url"
	"strings"
)

// ID is a normalised EntityID. The zero value is not a valid ID.
type ID string

// Normalize canonicalises raw into an EntityID: lowercase scheme/host, path
// kept verbatim (trailing slash trimmed for comparison purposes), query and
// fragment stripped.
func Normalize(raw string) (ID, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid entity id %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid entity id %q: not an absolute URL", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	switch {
	case u.Scheme == "https" && u.Port() == "443", u.Scheme == "http" && u.Port() == "80":
		u.Host = host
	case u.Port() != "":
		u.Host = host + ":" + u.Port()
	default:
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	return ID(fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)), nil
}

// MustNormalize panics on malformed input; only for use with literals in tests.
func MustNormalize(raw string) ID {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Equal reports whether a and b are the same entity once normalised.
func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return na == nb
}

// WellKnownConfigurationURL builds the well-known federation configuration
// URL for an entity, per spec section 4.1.
func (id ID) WellKnownConfigurationURL() string {
	return strings.TrimRight(string(id), "/") + "/.well-known/openid-federation"
}
