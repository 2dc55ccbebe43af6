package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surf-oidcfed/trustwalker/internal/discovery"
	"github.com/surf-oidcfed/trustwalker/internal/fetcher"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/resolver"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
)

type fedNode struct {
	t              *testing.T
	url            string
	priv           *ecdsa.PrivateKey
	jwks           jwk.Set
	authorityHints []string
	metadata       map[string]any
	subordinates   map[string]*fedNode
	server         *httptest.Server
}

func newFedNode(t *testing.T) *fedNode {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := jwk.Import(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "key-1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	n := &fedNode{t: t, priv: priv, jwks: set, subordinates: map[string]*fedNode{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-federation", n.serveConfiguration)
	mux.HandleFunc("/fetch", n.serveFetch)
	mux.HandleFunc("/list", n.serveList)
	n.server = httptest.NewServer(mux)
	n.url = n.server.URL
	t.Cleanup(n.server.Close)
	return n
}

func (n *fedNode) jwksRaw() any {
	data, err := json.Marshal(n.jwks)
	require.NoError(n.t, err)
	var raw any
	require.NoError(n.t, json.Unmarshal(data, &raw))
	return raw
}

func (n *fedNode) sign(payload map[string]any) string {
	body, err := json.Marshal(payload)
	require.NoError(n.t, err)
	h := jws.NewHeaders()
	_ = h.Set(jws.KeyIDKey, "key-1")
	signed, err := jws.Sign(body, jws.WithKey(jwa.ES256(), n.priv, jws.WithProtectedHeaders(h)))
	require.NoError(n.t, err)
	return string(signed)
}

func (n *fedNode) serveConfiguration(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	metadata := map[string]any{
		"federation_entity": map[string]any{
			"federation_fetch_endpoint": n.url + "/fetch",
			"federation_list_endpoint":  n.url + "/list",
		},
	}
	for k, v := range n.metadata {
		metadata[k] = v
	}
	payload := map[string]any{
		"iss":             n.url,
		"sub":             n.url,
		"iat":             now.Add(-time.Minute).Unix(),
		"exp":             now.Add(time.Hour).Unix(),
		"jwks":            n.jwksRaw(),
		"authority_hints": n.authorityHints,
		"metadata":        metadata,
	}
	fmt.Fprint(w, n.sign(payload))
}

func (n *fedNode) serveFetch(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("sub")
	child, ok := n.subordinates[sub]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	now := time.Now()
	payload := map[string]any{
		"iss": n.url,
		"sub": child.url,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	fmt.Fprint(w, n.sign(payload))
}

func (n *fedNode) serveList(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(n.subordinates))
	for _, c := range n.subordinates {
		ids = append(ids, c.url)
	}
	data, _ := json.Marshal(ids)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (n *fedNode) addSubordinate(child *fedNode) {
	n.subordinates[child.url] = child
	child.authorityHints = append(child.authorityHints, n.url)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config = &Config{}
	config.Service.Name = "trustwalker-test"
	config.Service.ResolverID = "https://trustwalker-test.example"
	config.TrustAnchors = []string{}
	checkTrustAnchors = false
	metricsEnabled = true

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signingKey = resolver.SigningKey{KeyID: "test-key-1", Method: jwt.SigningMethodRS256, PrivateKey: rsaKey}

	v := verifier.New()
	f := fetcher.New(fetcher.Config{RequestTimeout: 2 * time.Second, MaxRetries: 1}, v)
	explorer := graph.New(f, graph.Config{MaxDepth: 10, Workers: 8})
	comps = &components{
		fetcher:   f,
		explorer:  explorer,
		resolver:  resolver.New(explorer, v),
		discovery: discovery.New(explorer, f, v),
		verifier:  v,
	}

	router := gin.New()
	setupRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthHandlerReportsUp(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetchHandlerReturnsStatement(t *testing.T) {
	node := newFedNode(t)
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/fetch/" + url.QueryEscape(node.url))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetchHandlerInvalidEntityIDIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/fetch/not-a-url")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_entity_id", body["kind"])
}

func TestResolveHandlerRequiresTrustAnchor(t *testing.T) {
	node := newFedNode(t)
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/resolve/" + url.QueryEscape(node.url))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveHandlerReturnsSignedResponse(t *testing.T) {
	anchor := newFedNode(t)
	leaf := newFedNode(t)
	anchor.addSubordinate(leaf)
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/resolve/" + url.QueryEscape(leaf.url) + "?trust_anchor=" + url.QueryEscape(anchor.url))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	token, ok := body["resolve_response"]
	require.True(t, ok)

	claims := jwt.MapClaims{}
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, claims)
	require.NoError(t, err)
	assert.Equal(t, "resolve-response+jwt", parsed.Header["typ"])
	assert.Equal(t, config.Service.ResolverID, claims["iss"])
	assert.Equal(t, leaf.url, claims["sub"])
}

func TestTrustChainsHandlerFindsChainToAnchor(t *testing.T) {
	anchor := newFedNode(t)
	leaf := newFedNode(t)
	anchor.addSubordinate(leaf)
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/trustchains/" + url.QueryEscape(leaf.url) + "?trust_anchor=" + url.QueryEscape(anchor.url))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.EqualValues(t, anchor.url, body[0]["anchor"])
}

func TestNoRouteReturnsJSON404(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
