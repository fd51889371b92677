// Package gateway implements the Gateway Server (C6): the public HTTP
// surface that wires the Dialect Transformer (C3), Model Router (C4), Load
// Balancer (C2), Error Classifier (C1) and Event Store (C5) together into
// the request lifecycle spec.md §4.6 describes, plus the admin/UI surface
// of §6.3. Grounded on the gin-based handler layer the teacher repo builds
// its own proxy surface from (sdk/api/handlers), simplified down to a
// single engine/router rather than the teacher's multi-provider handler
// registry.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xling/gateway/internal/balancer"
	"github.com/xling/gateway/internal/config"
	"github.com/xling/gateway/internal/eventstore"
)

// AnalysisFunc is the external "completion function" spec.md §1 names as an
// out-of-scope collaborator: given a sanitized record summary and an
// optional prompt/model override, it streams back response text chunks (or
// a terminal error) for the /proxy/analyze endpoint. The gateway core never
// implements this itself — it only invokes whatever the caller supplies.
type AnalysisFunc func(summary, prompt, model string) (text <-chan string, errs <-chan error)

// Gateway owns every component C6 wires together and exposes the assembled
// gin.Engine the CLI entrypoint (C10) listens with.
type Gateway struct {
	store      *config.Store
	balancer   *balancer.Balancer
	events     *eventstore.Store
	httpClient *http.Client
	analyze    AnalysisFunc

	newRequestID func() string
}

// Options configures a Gateway beyond what's derivable from the config
// itself. HTTPClient and Analyze default to a sane production value / nil
// respectively when left zero.
type Options struct {
	HTTPClient *http.Client
	Analyze    AnalysisFunc
}

// New builds a Gateway from its component dependencies. store and bal must
// already reflect the currently active configuration; the Config Watcher
// (C7) keeps store current and is expected to call bal.Reconcile on reload.
func New(store *config.Store, bal *balancer.Balancer, events *eventstore.Store, opts Options) *Gateway {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{
		store:        store,
		balancer:     bal,
		events:       events,
		httpClient:   client,
		analyze:      opts.Analyze,
		newRequestID: func() string { return uuid.NewString() },
	}
}

// Router assembles the gin.Engine serving every route spec.md §4.6/§6.3
// names: CORS on every response, public health/models/stats, authenticated
// proxy routes, and the admin UI surface.
func (g *Gateway) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(g.corsMiddleware())
	engine.NoRoute(g.notFound)

	engine.GET("/", g.handleHealth)
	engine.GET("/health", g.handleHealth)
	engine.GET("/stats", g.handleStats)
	engine.GET("/v1/models", g.handleModels)
	engine.GET("/models", g.handleModels)

	proxied := engine.Group("/")
	proxied.Use(g.authMiddleware())
	for _, prefix := range []string{"/v1", "/claude", "/openai"} {
		proxied.Any(prefix+"/*path", g.handleProxy)
	}
	for _, path := range []string{"/responses", "/messages", "/chat/completions"} {
		proxied.POST(path, g.handleProxy)
	}

	admin := engine.Group("/proxy")
	admin.Use(g.authMiddleware())
	admin.GET("/records", g.handleRecords)
	admin.GET("/stream", g.handleStream)
	admin.GET("/export", g.handleExport)
	admin.POST("/analyze", g.handleAnalyze)

	return engine
}

func (g *Gateway) notFound(c *gin.Context) {
	writeError(c, http.StatusNotFound, "invalid_request", "unknown path "+c.Request.URL.Path)
}

// requestTimeout resolves the per-provider timeout (spec.md §5) as a
// time.Duration, defaulting to 60s when unset.
func requestTimeout(p config.Provider) time.Duration {
	if p.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}
