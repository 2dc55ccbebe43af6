// Command oidcfed-server exposes the trust-chain builder and metadata
// resolver over HTTP, per spec section 6 ("REST surface"). Structure
// (env-var config loading, gin router with a Prometheus connection-count
// middleware, graceful shutdown on SIGINT/SIGTERM) follows the teacher's
// main.go, wired to the new internal/fetcher, internal/graph,
// internal/resolver and internal/discovery components instead of the
// teacher's single FederationResolver.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/surf-oidcfed/trustwalker/internal/discovery"
	"github.com/surf-oidcfed/trustwalker/internal/fetcher"
	"github.com/surf-oidcfed/trustwalker/internal/graph"
	"github.com/surf-oidcfed/trustwalker/internal/resolver"
	"github.com/surf-oidcfed/trustwalker/internal/verifier"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// Config mirrors the teacher's Config shape, generalised to the new
// component set.
type Config struct {
	Service struct {
		Name       string
		Port       int
		Host       string
		LogLevel   string
		ResolverID string
	}

	Fetcher struct {
		MaxRetries         int
		RequestTimeout     time.Duration
		ConcurrentFetches  int
		InsecureSkipVerify bool
	}

	Graph struct {
		MaxDepth int
		Workers  int
	}

	TrustAnchors []string
}

var (
	config     *Config
	comps      *components
	startTime  time.Time
	signingKey resolver.SigningKey

	metricsEnabled    bool
	checkTrustAnchors bool
)

type components struct {
	fetcher   *fetcher.Fetcher
	explorer  *graph.Explorer
	resolver  *resolver.Resolver
	discovery *discovery.Discovery
	verifier  *verifier.Verifier
}

func main() {
	startTime = time.Now()

	if err := loadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	comps = buildComponents()

	if err := initSigningKey(); err != nil {
		log.Fatalf("Failed to generate resolver signing key: %v", err)
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		metrics.IncrementActiveConnections()
		defer metrics.DecrementActiveConnections()
		ctx := withRequestID(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		log.Printf("[RESOLVER] request %s %s %s %s", requestIDFrom(ctx), c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Next()
	})

	setupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Service.Host, config.Service.Port),
		Handler: router,
	}

	go func() {
		log.Printf("[RESOLVER] listening on %s:%d", config.Service.Host, config.Service.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	go updatePeriodicMetrics()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[RESOLVER] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	log.Println("[RESOLVER] exited")
}

type requestIDKey struct{}

// withRequestID tags the context with a fresh request ID, per spec section
// 6's REST surface needing traceable requests; grounded on google/uuid,
// already used elsewhere in the pack for identifier generation.
func withRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestIDKey{}, uuid.NewString())
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// initSigningKey generates the resolver's own RSA key pair for issuing
// signed resolve responses, mirroring the teacher's
// FederationResolver.InitializeResolverKeys (pkg/resolver/trust_anchor_methods.go).
func initSigningKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating resolver signing key: %w", err)
	}
	signingKey = resolver.SigningKey{
		KeyID:      "resolver-key-1",
		Method:     jwt.SigningMethodRS256,
		PrivateKey: key,
	}
	log.Printf("[RESOLVER] generated signing key kid=%s", signingKey.KeyID)
	return nil
}

func buildComponents() *components {
	v := verifier.New()
	f := fetcher.New(fetcher.Config{
		MaxRetries:         config.Fetcher.MaxRetries,
		RequestTimeout:     config.Fetcher.RequestTimeout,
		ConcurrentFetches:  config.Fetcher.ConcurrentFetches,
		InsecureSkipVerify: config.Fetcher.InsecureSkipVerify,
	}, v)
	explorer := graph.New(f, graph.Config{
		MaxDepth: config.Graph.MaxDepth,
		Workers:  config.Graph.Workers,
	})
	return &components{
		fetcher:   f,
		explorer:  explorer,
		resolver:  resolver.New(explorer, v),
		discovery: discovery.New(explorer, f, v),
		verifier:  v,
	}
}

func updatePeriodicMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.UpdateUptime()
	}
}

func setupRoutes(router *gin.Engine) {
	router.GET("/", mainPageHandler)
	router.GET("/health", healthHandler)
	if metricsEnabled {
		router.GET("/metrics", metricsHandler)
	} else {
		log.Println("[RESOLVER] metrics endpoint disabled via METRICS_ENABLED=false")
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/fetch/*entityId", fetchHandler)
		v1.GET("/list/*entityId", listHandler)
		v1.GET("/entity/*entityId", entityHandler)
		v1.GET("/trustchains/*entityId", trustChainsHandler)
		v1.GET("/subtree/*entityId", subtreeHandler)
		v1.GET("/resolve/*entityId", resolveHandler)
		v1.GET("/discovery/*entityId", discoveryHandler)
		v1.GET("/trust-anchors", listTrustAnchorsHandler)
	}

	for _, route := range router.Routes() {
		log.Printf("[RESOLVER] registered route: %s %s", route.Method, route.Path)
	}

	router.NoRoute(func(c *gin.Context) {
		log.Printf("[RESOLVER] 404: %s %s", c.Request.Method, c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not_found",
			"message": "route not found",
			"kind":    "protocol",
		})
	})
}

func loadConfig() error {
	config = &Config{}

	config.Service.Name = getEnvWithDefault("SERVICE_NAME", "trustwalker")
	config.Service.Port = getEnvIntWithDefault("PORT", 8080)
	config.Service.Host = getEnvWithDefault("HOST", "0.0.0.0")
	config.Service.LogLevel = getEnvWithDefault("LOG_LEVEL", "info")
	config.Service.ResolverID = getEnvWithDefault("RESOLVER_ENTITY_ID", fmt.Sprintf("https://%s", config.Service.Name))

	config.Fetcher.MaxRetries = getEnvIntWithDefault("MAX_RETRIES", 3)
	requestTimeoutStr := getEnvWithDefault("REQUEST_TIMEOUT", "10s")
	requestTimeout, err := time.ParseDuration(requestTimeoutStr)
	if err != nil {
		return fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	config.Fetcher.RequestTimeout = requestTimeout
	config.Fetcher.ConcurrentFetches = getEnvIntWithDefault("CONCURRENT_FETCHES", 32)
	config.Fetcher.InsecureSkipVerify = getEnvBoolWithDefault("INSECURE_SKIP_VERIFY", false)

	config.Graph.MaxDepth = getEnvIntWithDefault("MAX_DEPTH", 10)
	config.Graph.Workers = getEnvIntWithDefault("EXPLORER_WORKERS", 16)

	trustAnchorsStr := os.Getenv("TRUST_ANCHORS")
	if trustAnchorsStr != "" {
		anchors := strings.Split(trustAnchorsStr, ",")
		for i, ta := range anchors {
			anchors[i] = strings.TrimSpace(ta)
		}
		config.TrustAnchors = anchors
		log.Printf("[RESOLVER] loaded %d trust anchors from environment", len(config.TrustAnchors))
	} else {
		config.TrustAnchors = []string{}
	}

	metricsEnabled = getEnvBoolWithDefault("METRICS_ENABLED", true)
	checkTrustAnchors = getEnvBoolWithDefault("HEALTH_CHECK_TRUST_ANCHORS", true)

	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
