package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surf-oidcfed/trustwalker/internal/chainvalidate"
	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

func mainPageHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": config.Service.Name,
		"routes":  []string{"/fetch", "/list", "/entity", "/trustchains", "/subtree", "/resolve", "/discovery", "/trust-anchors"},
	})
}

func healthHandler(c *gin.Context) {
	start := time.Now()
	health := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   config.Service.Name,
		"uptime":    time.Since(startTime).Seconds(),
	}

	if checkTrustAnchors {
		taHealth := make(map[string]string, len(config.TrustAnchors))
		for _, ta := range config.TrustAnchors {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			_, err := comps.fetcher.FetchConfiguration(ctx, ta)
			cancel()
			if err != nil {
				taHealth[ta] = "unhealthy: " + err.Error()
				metrics.RecordError("trust_anchor_check_failed", "health_check")
			} else {
				taHealth[ta] = "healthy"
			}
		}
		health["trust_anchors"] = taHealth
	}

	metrics.RecordHTTPRequest("GET", "/health", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, health)
}

func metricsHandler(c *gin.Context) {
	metrics.UpdateUptime()
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

// entityIDFromPath decodes gin's "/*entityId" wildcard param and normalises
// it, matching the teacher's resolveEntityHandler decoding.
func entityIDFromPath(c *gin.Context) (string, error) {
	raw := strings.TrimPrefix(c.Param("entityId"), "/")
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", ferrors.New(ferrors.KindInvalidEntityID, "handler", raw, err)
	}
	id, err := entity.Normalize(decoded)
	if err != nil {
		return "", ferrors.New(ferrors.KindInvalidEntityID, "handler", decoded, err)
	}
	return string(id), nil
}

func queryTrustAnchors(c *gin.Context) []string {
	values := c.QueryArray("trust_anchor")
	if len(values) == 0 {
		return config.TrustAnchors
	}
	return values
}

// writeError maps a *ferrors.FedError (or a bare error) onto the REST
// surface's {code, message, kind} envelope and an HTTP status per spec
// section 7's error taxonomy.
func writeError(c *gin.Context, path string, start time.Time, err error) {
	kind, ok := ferrors.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = statusForKind(kind)
	}
	metrics.RecordHTTPRequest(c.Request.Method, path, status, time.Since(start))
	metrics.RecordError(string(kind), path)
	log.Printf("[RESOLVER] request %s error on %s: %v", requestIDFrom(c.Request.Context()), path, err)
	c.JSON(status, gin.H{
		"code":       string(kind),
		"message":    err.Error(),
		"kind":       string(kind),
		"request_id": requestIDFrom(c.Request.Context()),
	})
}

func statusForKind(kind ferrors.Kind) int {
	switch kind {
	case ferrors.KindInvalidEntityID, ferrors.KindNoTrustAnchorConfigured:
		return http.StatusBadRequest
	case ferrors.KindNetwork, ferrors.KindTimeout, ferrors.KindBadStatus, ferrors.KindBadContentType:
		return http.StatusBadGateway
	case ferrors.KindSignatureInvalid, ferrors.KindKeyNotFound, ferrors.KindAlgNotAllowed,
		ferrors.KindStatementExpired, ferrors.KindStatementNotYetValid,
		ferrors.KindIssuerSubjectMismatch, ferrors.KindNoAuthorityHint,
		ferrors.KindAnchorNotReached, ferrors.KindPathTooLong, ferrors.KindCycleDetected,
		ferrors.KindMalformedJWS:
		return http.StatusUnprocessableEntity
	case ferrors.KindPolicyConflict, ferrors.KindPolicyViolation,
		ferrors.KindEssentialClaimMissing, ferrors.KindUnknownOperator:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fetchHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/fetch", start, err)
		return
	}
	if c.Query("force_refresh") == "true" {
		comps.fetcher.InvalidateConfiguration(id)
	}
	stmt, err := comps.fetcher.FetchConfiguration(c.Request.Context(), id)
	if err != nil {
		writeError(c, "/fetch", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/fetch", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, stmt)
}

func listHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/list", start, err)
		return
	}
	children, err := comps.fetcher.ListSubordinates(c.Request.Context(), id, c.Query("entity_type"))
	if err != nil {
		writeError(c, "/list", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/list", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, children)
}

func entityHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/entity", start, err)
		return
	}
	stmt, err := comps.fetcher.FetchConfiguration(c.Request.Context(), id)
	if err != nil {
		writeError(c, "/entity", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/entity", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, stmt)
}

func trustChainsHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/trustchains", start, err)
		return
	}
	anchors := queryTrustAnchors(c)

	chains, err := comps.explorer.BuildChains(c.Request.Context(), id, anchors)
	if err != nil {
		writeError(c, "/trustchains", start, err)
		return
	}

	validator := chainvalidate.New(comps.verifier, anchors)
	valid := make([]*graph.TrustChain, 0, len(chains))
	for _, chain := range chains {
		if verr := validator.Validate(chain); verr == nil {
			valid = append(valid, chain)
		}
	}
	graph.SortChains(valid)

	status := "found"
	if len(valid) == 0 {
		status = "not_found"
	}
	for _, anchor := range anchors {
		metrics.RecordTrustChainDiscovery(id, anchor, status, time.Since(start))
	}

	if len(valid) == 0 {
		writeError(c, "/trustchains", start, ferrors.Newf(ferrors.KindAnchorNotReached, "trustChainsHandler", id, "no valid trust chain found for %s", id))
		return
	}

	resp := make([]gin.H, len(valid))
	for i, chain := range valid {
		raw := make([]string, len(chain.Statements))
		for j, s := range chain.Statements {
			raw[j] = s.Raw
		}
		resp[i] = gin.H{"leaf": chain.Leaf(), "anchor": chain.Anchor(), "hops": chain.Superiors(), "chain": raw}
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/trustchains", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, resp)
}

func subtreeHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/subtree", start, err)
		return
	}
	nodes, err := comps.explorer.DiscoverSubtree(c.Request.Context(), id, c.Query("entity_type"))
	if err != nil {
		writeError(c, "/subtree", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/subtree", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, nodes)
}

func resolveHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/resolve", start, err)
		return
	}
	anchor := c.Query("trust_anchor")
	if anchor == "" {
		writeError(c, "/resolve", start, ferrors.Newf(ferrors.KindNoTrustAnchorConfigured, "resolveHandler", id, "trust_anchor query parameter is required"))
		return
	}
	entityType := c.Query("entity_type")
	if entityType == "" {
		entityType = "openid_relying_party"
	}

	signed, err := comps.resolver.ResolveAndSign(c.Request.Context(), config.Service.ResolverID, id, anchor, entityType, signingKey)
	if err != nil {
		writeError(c, "/resolve", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/resolve", http.StatusOK, time.Since(start))
	log.Printf("[RESOLVER] request %s signed resolve response for %s against anchor %s", requestIDFrom(c.Request.Context()), id, anchor)
	c.JSON(http.StatusOK, gin.H{"resolve_response": signed})
}

func discoveryHandler(c *gin.Context) {
	start := time.Now()
	id, err := entityIDFromPath(c)
	if err != nil {
		writeError(c, "/discovery", start, err)
		return
	}
	anchors := c.QueryArray("trust_anchor")
	entityType := c.Query("entity_type")

	found, err := comps.discovery.Discover(c.Request.Context(), id, anchors, entityType)
	if err != nil {
		writeError(c, "/discovery", start, err)
		return
	}
	metrics.RecordHTTPRequest(c.Request.Method, "/discovery", http.StatusOK, time.Since(start))
	c.JSON(http.StatusOK, found)
}

func listTrustAnchorsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trust_anchors": config.TrustAnchors})
}
