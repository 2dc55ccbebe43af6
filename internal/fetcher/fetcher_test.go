package fetcher

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entityKey bundles a key pair used to self-sign an entity's configuration.
type entityKey struct {
	priv *ecdsa.PrivateKey
	set  jwk.Set
}

func newEntityKey(t *testing.T) entityKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pub, err := jwk.Import(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "key-1"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return entityKey{priv: priv, set: set}
}

func headersWithKid(kid string) jws.Headers {
	h := jws.NewHeaders()
	_ = h.Set(jws.KeyIDKey, kid)
	return h
}

func (k entityKey) jwksRaw(t *testing.T) any {
	t.Helper()
	data, err := json.Marshal(k.set)
	require.NoError(t, err)
	var raw any
	require.NoError(t, json.Unmarshal(data, &raw))
	return raw
}

func signPayload(t *testing.T, key *ecdsa.PrivateKey, payload map[string]any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	signed, err := jws.Sign(body, jws.WithKey(jwa.ES256(), key, jws.WithProtectedHeaders(headersWithKid("key-1"))))
	require.NoError(t, err)
	return string(signed)
}

func TestFetchConfigurationVerifiesSelfSignedStatement(t *testing.T) {
	now := time.Now()
	key := newEntityKey(t)

	var entityURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-federation" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		jwt := signPayload(t, key.priv, map[string]any{
			"iss":  entityURL,
			"sub":  entityURL,
			"iat":  now.Add(-time.Minute).Unix(),
			"exp":  now.Add(time.Hour).Unix(),
			"jwks": key.jwksRaw(t),
		})
		w.Header().Set("Content-Type", "application/entity-statement+jwt")
		w.Write([]byte(jwt))
	}))
	defer server.Close()
	entityURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	st, err := f.FetchConfiguration(context.Background(), entityURL)
	require.NoError(t, err)
	assert.True(t, st.SelfSigned())
	assert.Equal(t, entityURL, st.Issuer)
}

func TestFetchConfigurationRejectsBadSignature(t *testing.T) {
	now := time.Now()
	key := newEntityKey(t)
	wrongKey := newEntityKey(t)

	var entityURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jwt := signPayload(t, wrongKey.priv, map[string]any{
			"iss":  entityURL,
			"sub":  entityURL,
			"iat":  now.Add(-time.Minute).Unix(),
			"exp":  now.Add(time.Hour).Unix(),
			"jwks": key.jwksRaw(t), // advertises the wrong key's jwks vs signer
		})
		w.Write([]byte(jwt))
	}))
	defer server.Close()
	entityURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	_, err := f.FetchConfiguration(context.Background(), entityURL)
	assert.Error(t, err)
}

func TestFetchConfigurationCoalescesConcurrentCallers(t *testing.T) {
	now := time.Now()
	key := newEntityKey(t)
	var hits int32

	var entityURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		jwt := signPayload(t, key.priv, map[string]any{
			"iss":  entityURL,
			"sub":  entityURL,
			"iat":  now.Add(-time.Minute).Unix(),
			"exp":  now.Add(time.Hour).Unix(),
			"jwks": key.jwksRaw(t),
		})
		w.Write([]byte(jwt))
	}))
	defer server.Close()
	entityURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := f.FetchConfiguration(context.Background(), entityURL)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestFetchSubordinateVerifiesUnderIssuerKey(t *testing.T) {
	now := time.Now()
	issuerKey := newEntityKey(t)
	leafID := "https://leaf.example"

	var issuerURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-federation":
			jwt := signPayload(t, issuerKey.priv, map[string]any{
				"iss":  issuerURL,
				"sub":  issuerURL,
				"iat":  now.Add(-time.Minute).Unix(),
				"exp":  now.Add(time.Hour).Unix(),
				"jwks": issuerKey.jwksRaw(t),
				"metadata": map[string]any{
					"federation_entity": map[string]any{
						"federation_fetch_endpoint": issuerURL + "/fetch",
					},
				},
			})
			w.Write([]byte(jwt))
		case "/fetch":
			sub := r.URL.Query().Get("sub")
			require.Equal(t, leafID, sub)
			jwt := signPayload(t, issuerKey.priv, map[string]any{
				"iss": issuerURL,
				"sub": leafID,
				"iat": now.Add(-time.Minute).Unix(),
				"exp": now.Add(time.Hour).Unix(),
			})
			w.Write([]byte(jwt))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	issuerURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	st, err := f.FetchSubordinate(context.Background(), issuerURL, leafID)
	require.NoError(t, err)
	assert.Equal(t, issuerURL, st.Issuer)
	assert.Equal(t, leafID, st.Subject)
}

func TestFetchSubordinateRejectsSubjectMismatch(t *testing.T) {
	now := time.Now()
	issuerKey := newEntityKey(t)

	var issuerURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-federation":
			jwt := signPayload(t, issuerKey.priv, map[string]any{
				"iss":  issuerURL,
				"sub":  issuerURL,
				"iat":  now.Add(-time.Minute).Unix(),
				"exp":  now.Add(time.Hour).Unix(),
				"jwks": issuerKey.jwksRaw(t),
				"metadata": map[string]any{
					"federation_entity": map[string]any{
						"federation_fetch_endpoint": issuerURL + "/fetch",
					},
				},
			})
			w.Write([]byte(jwt))
		case "/fetch":
			jwt := signPayload(t, issuerKey.priv, map[string]any{
				"iss": issuerURL,
				"sub": "https://someone-else.example",
				"iat": now.Add(-time.Minute).Unix(),
				"exp": now.Add(time.Hour).Unix(),
			})
			w.Write([]byte(jwt))
		}
	}))
	defer server.Close()
	issuerURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	_, err := f.FetchSubordinate(context.Background(), issuerURL, "https://leaf.example")
	assert.Error(t, err)
}

func TestListSubordinatesFiltersByEntityType(t *testing.T) {
	now := time.Now()
	key := newEntityKey(t)

	var entityURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-federation":
			jwt := signPayload(t, key.priv, map[string]any{
				"iss":  entityURL,
				"sub":  entityURL,
				"iat":  now.Add(-time.Minute).Unix(),
				"exp":  now.Add(time.Hour).Unix(),
				"jwks": key.jwksRaw(t),
				"metadata": map[string]any{
					"federation_entity": map[string]any{
						"federation_list_endpoint": entityURL + "/list",
					},
				},
			})
			w.Write([]byte(jwt))
		case "/list":
			entityType := r.URL.Query().Get("entity_type")
			w.Header().Set("Content-Type", "application/json")
			if entityType == "openid_relying_party" {
				fmt.Fprint(w, `["https://rp1.example"]`)
			} else {
				fmt.Fprint(w, `["https://rp1.example","https://op1.example"]`)
			}
		}
	}))
	defer server.Close()
	entityURL = server.URL

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	all, err := f.ListSubordinates(context.Background(), entityURL, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := f.ListSubordinates(context.Background(), entityURL, "openid_relying_party")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://rp1.example"}, filtered)
}

func TestFetchConfigurationPropagatesBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, nil)
	_, err := f.FetchConfiguration(context.Background(), server.URL)
	assert.Error(t, err)
}
