// Package fetcher implements spec section 4.1: retrieving signed entity
// statements from a well-known configuration URL or from a superior's fetch
// endpoint, and listing subordinates. Grounded on the teacher's
// pkg/resolver/http.go (retry/backoff httpGet) and resolver.go's
// tryDirectResolve/tryFederationResolve, reworked to verify every fetched
// statement (the teacher only validated self-signed leafs) and to coalesce
// concurrent requests for the same (iss, sub) via pkg/cache's GetOrLoad.
package fetcher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
	"github.com/surf-oidcfed/trustwalker/pkg/cache"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// Config configures a Fetcher, per spec section 5.
type Config struct {
	RequestTimeout     time.Duration
	MaxRetries         int
	ConcurrentFetches  int
	InsecureSkipVerify bool
	DefaultCacheTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ConcurrentFetches <= 0 {
		c.ConcurrentFetches = 32
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = time.Hour
	}
	return c
}

// Fetcher retrieves and caches entity and subordinate statements.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client
	statements *cache.Cache
	lists      *cache.Cache
	sem        chan struct{}
	verifier   *verifier.Verifier
}

// New builds a Fetcher. v defaults to verifier.New() when nil.
func New(cfg Config, v *verifier.Verifier) *Fetcher {
	cfg = cfg.withDefaults()
	if v == nil {
		v = verifier.New()
	}
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		statements: cache.NewCache("fetcher_statements"),
		lists:      cache.NewCache("fetcher_lists"),
		sem:        make(chan struct{}, cfg.ConcurrentFetches),
		verifier:   v,
	}
}

// FetchConfiguration retrieves and verifies the entity configuration (§4.1):
// GET {entity_id}/.well-known/openid-federation, verified against its own
// embedded jwks (self-signed bootstrap).
func (f *Fetcher) FetchConfiguration(ctx context.Context, entityID string) (*statement.EntityStatement, error) {
	id, err := entity.Normalize(entityID)
	if err != nil {
		return nil, ferrors.New(ferrors.KindInvalidEntityID, "FetchConfiguration", entityID, err)
	}
	key := "self|" + string(id)

	v, err := f.statements.GetOrLoad(key, func() (interface{}, time.Duration, error) {
		metrics.RecordFetch("configuration", "attempt")
		raw, _, status, err := f.httpGet(ctx, id.WellKnownConfigurationURL())
		if err != nil {
			metrics.RecordFetch("configuration", "network_error")
			return nil, 0, ferrors.New(ferrors.KindNetwork, "FetchConfiguration", entityID, err)
		}
		if status != http.StatusOK {
			metrics.RecordFetch("configuration", "bad_status")
			return nil, 0, ferrors.Newf(ferrors.KindBadStatus, "FetchConfiguration", entityID, "status %d", status)
		}

		st, err := f.parseAndVerifySelfSigned(raw, entityID)
		if err != nil {
			metrics.RecordFetch("configuration", "invalid")
			return nil, 0, err
		}

		metrics.RecordFetch("configuration", "ok")
		return st, f.cacheTTL(st.ExpiresAt), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*statement.EntityStatement), nil
}

func (f *Fetcher) parseAndVerifySelfSigned(raw []byte, entityID string) (*statement.EntityStatement, error) {
	compact := strings.TrimSpace(string(raw))
	_, payload, _, err := statement.SplitCompact(compact)
	if err != nil {
		return nil, err
	}
	st, err := statement.ParsePayload(compact, payload)
	if err != nil {
		return nil, err
	}
	if !entity.Equal(st.Issuer, entityID) || !entity.Equal(st.Subject, entityID) || !st.SelfSigned() {
		return nil, ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "FetchConfiguration", entityID, "entity configuration iss=%s sub=%s, want self-signed %s", st.Issuer, st.Subject, entityID)
	}
	if err := f.verifier.Verify(st, st.JWKS); err != nil {
		return nil, err
	}
	return st, nil
}

// FetchSubordinate retrieves a subordinate statement (§4.1): discover
// issuerID's federation_fetch_endpoint from its configuration, GET
// {endpoint}?sub={subject_id}, verify under issuerID's already-fetched JWKS.
func (f *Fetcher) FetchSubordinate(ctx context.Context, issuerID, subjectID string) (*statement.EntityStatement, error) {
	iss, err := entity.Normalize(issuerID)
	if err != nil {
		return nil, ferrors.New(ferrors.KindInvalidEntityID, "FetchSubordinate", issuerID, err)
	}
	sub, err := entity.Normalize(subjectID)
	if err != nil {
		return nil, ferrors.New(ferrors.KindInvalidEntityID, "FetchSubordinate", subjectID, err)
	}
	key := "sub|" + string(iss) + "|" + string(sub)

	v, err := f.statements.GetOrLoad(key, func() (interface{}, time.Duration, error) {
		metrics.RecordFetch("subordinate", "attempt")

		issuerConf, err := f.FetchConfiguration(ctx, issuerID)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving fetch endpoint for issuer %s: %w", issuerID, err)
		}
		fetchEndpoint, err := federationEndpoint(issuerConf, "federation_fetch_endpoint")
		if err != nil {
			metrics.RecordFetch("subordinate", "no_fetch_endpoint")
			return nil, 0, ferrors.New(ferrors.KindProtocol, "FetchSubordinate", issuerID, err)
		}

		reqURL := fetchEndpoint + "?sub=" + url.QueryEscape(subjectID)
		raw, _, status, err := f.httpGet(ctx, reqURL)
		if err != nil {
			metrics.RecordFetch("subordinate", "network_error")
			return nil, 0, ferrors.New(ferrors.KindNetwork, "FetchSubordinate", subjectID, err)
		}
		if status != http.StatusOK {
			metrics.RecordFetch("subordinate", "bad_status")
			return nil, 0, ferrors.Newf(ferrors.KindBadStatus, "FetchSubordinate", subjectID, "status %d", status)
		}

		compact := strings.TrimSpace(string(raw))
		_, payload, _, err := statement.SplitCompact(compact)
		if err != nil {
			metrics.RecordFetch("subordinate", "malformed")
			return nil, 0, err
		}
		st, err := statement.ParsePayload(compact, payload)
		if err != nil {
			metrics.RecordFetch("subordinate", "malformed")
			return nil, 0, err
		}
		if !entity.Equal(st.Issuer, issuerID) || !entity.Equal(st.Subject, subjectID) {
			metrics.RecordFetch("subordinate", "mismatch")
			return nil, 0, ferrors.Newf(ferrors.KindIssuerSubjectMismatch, "FetchSubordinate", subjectID, "subordinate statement iss=%s sub=%s, want iss=%s sub=%s", st.Issuer, st.Subject, issuerID, subjectID)
		}
		if err := f.verifier.Verify(st, issuerConf.JWKS); err != nil {
			metrics.RecordFetch("subordinate", "invalid_signature")
			return nil, 0, err
		}

		metrics.RecordFetch("subordinate", "ok")
		return st, f.cacheTTL(st.ExpiresAt), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*statement.EntityStatement), nil
}

// ListSubordinates enumerates an entity's subordinates (§4.1): GET
// {federation_list_endpoint} with optional entity-type filter.
func (f *Fetcher) ListSubordinates(ctx context.Context, entityID string, entityType string) ([]string, error) {
	key := "list|" + entityID + "|" + entityType

	v, err := f.lists.GetOrLoad(key, func() (interface{}, time.Duration, error) {
		conf, err := f.FetchConfiguration(ctx, entityID)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving list endpoint for %s: %w", entityID, err)
		}
		listEndpoint, err := federationEndpoint(conf, "federation_list_endpoint")
		if err != nil {
			return nil, 0, ferrors.New(ferrors.KindProtocol, "ListSubordinates", entityID, err)
		}

		reqURL := listEndpoint
		if entityType != "" {
			sep := "?"
			if strings.Contains(reqURL, "?") {
				sep = "&"
			}
			reqURL += sep + "entity_type=" + url.QueryEscape(entityType)
		}

		body, _, status, err := f.httpGet(ctx, reqURL)
		if err != nil {
			return nil, 0, ferrors.New(ferrors.KindNetwork, "ListSubordinates", entityID, err)
		}
		if status != http.StatusOK {
			return nil, 0, ferrors.Newf(ferrors.KindBadStatus, "ListSubordinates", entityID, "status %d", status)
		}

		var ids []string
		if err := json.Unmarshal(body, &ids); err != nil {
			return nil, 0, ferrors.New(ferrors.KindProtocol, "ListSubordinates", entityID, err)
		}
		return ids, f.cfg.DefaultCacheTTL, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// httpGet performs a GET request bounded by the fetcher's semaphore, with
// retry/backoff for transient network errors, grounded on http.go's httpGet.
func (f *Fetcher) httpGet(ctx context.Context, rawURL string) ([]byte, string, int, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, "", 0, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("building request for %s: %w", rawURL, err)
	}

	var resp *http.Response
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		resp, err = f.httpClient.Do(req)
		if err == nil {
			break
		}
		log.Printf("[FETCHER] GET %s attempt %d/%d failed: %v", rawURL, attempt+1, f.cfg.MaxRetries, err)
		backoff := time.Duration(100*(1<<attempt)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, "", 0, ctx.Err()
		}
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("GET %s failed after %d retries: %w", rawURL, f.cfg.MaxRetries, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", resp.StatusCode, fmt.Errorf("reading response body from %s: %w", rawURL, err)
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// InvalidateConfiguration evicts entityID's cached entity configuration,
// forcing the next FetchConfiguration to re-fetch it. Grounded on the
// teacher's force_refresh query parameter (handlers.go), which achieved the
// same effect against the teacher's own patrickmn/go-cache-backed cache.
func (f *Fetcher) InvalidateConfiguration(entityID string) {
	id, err := entity.Normalize(entityID)
	if err != nil {
		return
	}
	f.statements.Remove("self|" + string(id))
}

func (f *Fetcher) cacheTTL(exp time.Time) time.Duration {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return f.cfg.DefaultCacheTTL
	}
	if ttl > f.cfg.DefaultCacheTTL {
		return f.cfg.DefaultCacheTTL
	}
	return ttl
}

// federationEndpoint extracts a federation_entity endpoint claim from an
// entity configuration's self-asserted metadata.
func federationEndpoint(conf *statement.EntityStatement, claim string) (string, error) {
	fe, ok := conf.Metadata["federation_entity"]
	if !ok {
		return "", fmt.Errorf("entity %s has no federation_entity metadata", conf.Subject)
	}
	v, ok := fe[claim].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("entity %s federation_entity metadata has no %s", conf.Subject, claim)
	}
	return v, nil
}
