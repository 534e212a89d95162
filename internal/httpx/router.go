package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microsoft/spektate/internal/domain"
	"github.com/microsoft/spektate/internal/service/cache"
	"github.com/microsoft/spektate/internal/service/enrich"
	"github.com/microsoft/spektate/internal/service/ingest"
	"github.com/microsoft/spektate/internal/storage"
	"github.com/microsoft/spektate/internal/ws"
	"github.com/microsoft/spektate/pkg/config"
)

// SnapshotSource serves the last published deployment snapshot.
type SnapshotSource interface {
	Fetch() cache.Snapshot
}

// DeploymentLister answers filtered queries straight from the store and
// pipelines, bypassing the snapshot.
type DeploymentLister interface {
	List(ctx context.Context, q storage.Query) ([]*domain.Deployment, error)
}

// Ingestor applies pipeline stage reports.
type Ingestor interface {
	Apply(ctx context.Context, r ingest.Report) (string, error)
}

// FluxService records and serves cluster sync notifications.
type FluxService interface {
	Record(ctx context.Context, body []byte) error
	Latest(ctx context.Context) (map[string]json.RawMessage, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	cfg         config.Config
	snapshots   SnapshotSource
	deployments DeploymentLister
	ingest      Ingestor
	flux        FluxService
	repos       enrich.RepoClient
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	ingestToken string
	version     string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitIngest    = 600
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, cfg config.Config, snapshots SnapshotSource, deployments DeploymentLister, ingestSvc Ingestor, fluxSvc FluxService, repos enrich.RepoClient, hub *ws.Hub, limiter RateLimiter, version string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		cfg:         cfg,
		snapshots:   snapshots,
		deployments: deployments,
		ingest:      ingestSvc,
		flux:        fluxSvc,
		repos:       repos,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		ingestToken: strings.TrimSpace(cfg.IngestToken),
		version:     version,
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/api/deployments", r.audit(r.handleDeployments))
	r.mux.HandleFunc("/api/clustersync", r.audit(r.withRateLimit("clustersync", rateLimitRead, rateWindowDefault, r.handleClusterSync)))
	r.mux.HandleFunc("/api/author", r.audit(r.withRateLimit("author", rateLimitRead, rateWindowDefault, r.handleAuthor)))
	r.mux.HandleFunc("/api/flux", r.audit(r.handleFlux))
	r.mux.HandleFunc("/api/health", r.audit(r.handleHealth))
	r.mux.HandleFunc("/api/version", r.audit(r.handleVersion))
	r.mux.HandleFunc("/ws/deployments", r.audit(r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		decision := r.limiter.Allow(rateLimitKeyIP(req), rateLimitRead, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitRead, decision)
		if !decision.allowed {
			r.recordRateLimitHit("deployments")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		q := queryFromRequest(req)
		if !q.Filtered() {
			writeJSON(w, http.StatusOK, r.snapshots.Fetch().Deployments)
			return
		}
		deployments, err := r.deployments.List(req.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	case http.MethodPost:
		if !r.verifyIngestToken(w, req) {
			return
		}
		decision := r.limiter.Allow("ingest:"+clientIP(req), rateLimitIngest, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitIngest, decision)
		if !decision.allowed {
			r.recordRateLimitHit("deployments")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var report ingest.Report
		if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rowKey, err := r.ingest.Apply(req.Context(), report)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"rowKey": rowKey})
	default:
		r.methodNotAllowed(w)
	}
}

// queryFromRequest maps the dashboard's filter parameters onto a store query.
func queryFromRequest(req *http.Request) storage.Query {
	params := req.URL.Query()
	return storage.Query{
		Env:          params.Get("env"),
		ImageTag:     params.Get("imageTag"),
		P1:           params.Get("buildId"),
		CommitID:     params.Get("commitId"),
		Service:      params.Get("service"),
		DeploymentID: params.Get("deploymentId"),
	}
}

func (r *Router) handleClusterSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snap := r.snapshots.Fetch()
	if snap.ClusterSync == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, snap.ClusterSync)
}

func (r *Router) handleAuthor(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if err := r.cfg.Validate(); err != nil {
		writeError(w, http.StatusInternalServerError, "configuration is incomplete")
		return
	}
	params := req.URL.Query()
	commit := params.Get("commit")
	var repo domain.Repository
	switch {
	case commit == "":
		writeJSON(w, http.StatusOK, struct{}{})
		return
	case params.Get("org") != "" && params.Get("project") != "" && params.Get("repo") != "":
		repo = domain.AzureDevOpsRepo(params.Get("org"), params.Get("project"), params.Get("repo"))
	case params.Get("username") != "" && params.Get("reponame") != "":
		repo = domain.GitHubRepo(params.Get("username"), params.Get("reponame"))
	case params.Get("projectId") != "":
		repo = domain.GitLabRepo(params.Get("projectId"))
	default:
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	token := r.cfg.SourceRepoToken
	if token == "" {
		token = r.cfg.PipelineToken
	}
	author, err := r.repos.Author(req.Context(), repo, commit, token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, author)
}

func (r *Router) handleFlux(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		decision := r.limiter.Allow("flux:"+clientIP(req), rateLimitIngest, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitIngest, decision)
		if !decision.allowed {
			r.recordRateLimitHit("flux")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		if err := r.flux.Record(req.Context(), body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored"})
	case http.MethodGet:
		decision := r.limiter.Allow(rateLimitKeyIP(req), rateLimitRead, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitRead, decision)
		if !decision.allowed {
			r.recordRateLimitHit("flux")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		statuses, err := r.flux.Latest(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	errs := []string{}
	if err := r.cfg.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("database unreachable: %v", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors":    errs,
		"variables": r.cfg.HealthVariables(),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	version := r.version
	if version == "" {
		version = "unknown"
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)

	// Push the current snapshot so new subscribers don't wait a full
	// refresh interval for their first frame.
	if payload, err := json.Marshal(r.snapshots.Fetch()); err == nil {
		_ = client.Send(payload)
	}

	go func() {
		defer func() {
			r.hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// verifyIngestToken ensures pipeline reports include the configured secret.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		r.logger.Error("ingest token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("ingest_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
