package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/service/campaign"
	"github.com/splax/aicwd/internal/service/logs"
	"github.com/splax/aicwd/internal/service/stream"
	"github.com/splax/aicwd/internal/telemetry"
)

const (
	routeHealthz        = "/healthz"
	routeMetrics        = "/metrics"
	routeIngest         = "/api/metrics/ingest"
	routeLatest         = "/api/metrics/latest"
	routeStream         = "/api/metrics/stream"
	routeStreamWS       = "/api/metrics/ws"
	routeCampaignStart  = "/api/red-team/start"
	routeCampaignStatus = "/api/red-team/status"
	routeCampaignResult = "/api/red-team/results"
	routeCampaignEvents = "/api/red-team/events"
	routeTransform      = "/api/dbt/schedule"
)

var streamingRoutes = map[string]struct{}{
	routeStream:         {},
	routeStreamWS:       {},
	routeCampaignEvents: {},
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRealtime  = 30
	rateLimitCampaign  = 10
	healthCheckTimeout = 2 * time.Second
	maxIngestBody      = 1 << 20
	defaultHeartbeat   = 15 * time.Second
)

// Dependencies are the services and settings a Router serves.
type Dependencies struct {
	Logs      logs.Service
	Campaigns campaign.Service
	Stream    *stream.Distributor
	// Transform backs the manual transform trigger; nil disables the route.
	Transform  campaign.Trigger
	Thresholds metric.Thresholds
	Telemetry  *telemetry.Metrics
	Limiter    RateLimiter
	// RateLimit is the per-minute budget of each client on ordinary routes; zero disables limiting.
	RateLimit   int
	IngestToken string
	AllowOrigin string
	Heartbeat   time.Duration
	DBHealth    func(context.Context) error
	// Registry receives the HTTP collectors and backs /metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	logs        logs.Service
	campaigns   campaign.Service
	stream      *stream.Distributor
	transform   campaign.Trigger
	thresholds  metric.Thresholds
	telemetry   *telemetry.Metrics
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	rateLimit   int
	ingestToken string
	allowOrigin string
	heartbeat   time.Duration
	dbHealth    func(context.Context) error
	now         func() time.Time

	// streams is cancelled by Close so that long-lived connections end on shutdown.
	streams     context.Context
	stopStreams context.CancelFunc

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	streamLifetime     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	streams, stop := context.WithCancel(context.Background())
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "http"),
		logs:       deps.Logs,
		campaigns:  deps.Campaigns,
		stream:     deps.Stream,
		transform:  deps.Transform,
		thresholds: deps.Thresholds,
		telemetry:  deps.Telemetry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     deps.Limiter,
		rateLimit:   deps.RateLimit,
		ingestToken: strings.TrimSpace(deps.IngestToken),
		allowOrigin: strings.TrimSpace(deps.AllowOrigin),
		heartbeat:   deps.Heartbeat,
		dbHealth:    deps.DBHealth,
		now:         time.Now,
		streams:     streams,
		stopStreams: stop,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if deps.Registry != nil {
		reg, gatherer = deps.Registry, deps.Registry
	}
	r.initMetrics(reg)
	r.register(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close ends open streams and releases background resources.
func (r *Router) Close() {
	r.stopStreams()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(metricsHandler http.Handler) {
	r.mux.HandleFunc(routeHealthz, r.audit(routeHealthz, r.handleHealthz))
	r.mux.Handle(routeMetrics, metricsHandler)

	r.mux.HandleFunc(routeIngest, r.audit(routeIngest, r.withCORS(r.requireIngestToken(r.withRateLimit(routeIngest, r.rateLimit, rateWindowDefault, r.handleIngest)))))
	r.mux.HandleFunc(routeLatest, r.audit(routeLatest, r.withCORS(r.withRateLimit(routeLatest, r.rateLimit, rateWindowDefault, r.handleLatest))))
	r.mux.HandleFunc(routeStream, r.audit(routeStream, r.withCORS(r.withRateLimit(routeStream, rateLimitRealtime, rateWindowRealtime, r.handleStream))))
	r.mux.HandleFunc(routeStreamWS, r.audit(routeStreamWS, r.withRateLimit(routeStreamWS, rateLimitRealtime, rateWindowRealtime, r.handleStreamWS)))

	r.mux.HandleFunc(routeCampaignStart, r.audit(routeCampaignStart, r.withCORS(r.withRateLimit(routeCampaignStart, rateLimitCampaign, rateWindowDefault, r.handleCampaignStart))))
	r.mux.HandleFunc(routeCampaignStatus, r.audit(routeCampaignStatus, r.withCORS(r.withRateLimit(routeCampaignStatus, r.rateLimit, rateWindowDefault, r.handleCampaignStatus))))
	r.mux.HandleFunc(routeCampaignResult, r.audit(routeCampaignResult, r.withCORS(r.withRateLimit(routeCampaignResult, r.rateLimit, rateWindowDefault, r.handleCampaignResults))))
	r.mux.HandleFunc(routeCampaignEvents, r.audit(routeCampaignEvents, r.withCORS(r.withRateLimit(routeCampaignEvents, rateLimitRealtime, rateWindowRealtime, r.handleCampaignEvents))))
	r.mux.HandleFunc(routeTransform, r.audit(routeTransform, r.withCORS(r.withRateLimit(routeTransform, rateLimitCampaign, rateWindowDefault, r.handleTransformSchedule))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// withCORS answers preflight requests and marks responses readable by browsers.
func (r *Router) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.allowOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", r.allowOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Ingest-Token, X-Request-ID")
			if r.allowOrigin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		if caller, ok := callerFromContext(ctx); ok {
			actor = caller
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

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
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil && sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// streamContext is cancelled when either the request ends or the router closes.
func (r *Router) streamContext(req *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(r.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
