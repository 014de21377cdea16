// Package gateway serves the management API: it validates requests, turns
// them into engine commands, and fronts read endpoints with the group cache.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cordum/fimgate/core/command"
	"github.com/cordum/fimgate/core/dispatch"
	"github.com/cordum/fimgate/core/infra/buildinfo"
	"github.com/cordum/fimgate/core/infra/bus"
	"github.com/cordum/fimgate/core/infra/cache"
	"github.com/cordum/fimgate/core/infra/config"
	"github.com/cordum/fimgate/core/infra/logging"
	infraMetrics "github.com/cordum/fimgate/core/infra/metrics"
	"github.com/cordum/fimgate/core/infra/redisutil"
	"github.com/google/uuid"
)

const (
	metricsNamespace = "fimgate_api_gateway"
	shutdownTimeout  = 10 * time.Second
)

// Engine dispatches built commands.
type Engine interface {
	Dispatch(ctx context.Context, cmd command.Command) (dispatch.Reply, error)
	Channel() string
}

// busStatus is implemented by buses that can report their connection.
type busStatus interface {
	IsConnected() bool
	Status() string
	ConnectedURL() string
}

type server struct {
	cache      *cache.Coordinator
	dispatcher Engine
	bus        EventBus
	events     *eventHub
	routes     []resourceRoute

	metrics infraMetrics.GatewayMetrics
	auth    AuthProvider
	limiter *tokenBucket
	started time.Time
	origin  string
}

func newServer(coord *cache.Coordinator, engine Engine, eventBus EventBus, auth AuthProvider, limiter *tokenBucket, m infraMetrics.GatewayMetrics) *server {
	if m == nil {
		m = infraMetrics.Noop{}
	}
	origin := uuid.NewString()
	return &server{
		cache:      coord,
		dispatcher: engine,
		bus:        eventBus,
		events:     newEventHub(origin, eventBus),
		routes:     syscheckRoutes(),
		metrics:    m,
		auth:       auth,
		limiter:    limiter,
		started:    time.Now(),
		origin:     origin,
	}
}

// Run starts the gateway with the API key provider from the environment.
func Run(ctx context.Context, cfg *config.Config) error {
	auth, err := newBasicAuthProvider()
	if err != nil {
		return fmt.Errorf("auth provider: %w", err)
	}
	return RunWithAuth(ctx, cfg, auth)
}

// RunWithAuth starts the gateway and blocks until ctx is done or the HTTP
// server fails.
func RunWithAuth(ctx context.Context, cfg *config.Config, auth AuthProvider) error {
	if cfg == nil {
		return errors.New("gateway: nil config")
	}
	buildinfo.Log("api-gateway")

	var natsBus *bus.NatsBus
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nb.Close()
		natsBus = nb
	}

	store, err := openStore(ctx, cfg.Cache, cfg.RedisURL)
	if err != nil {
		return err
	}
	coord := cache.NewCoordinator(store, cache.Options{
		TTL:      cfg.Cache.TTL,
		Isolated: cfg.Cache.Isolated,
		Metrics:  infraMetrics.NewCacheProm(metricsNamespace),
	})
	defer coord.Close()

	channel, err := openChannel(cfg.Engine, natsBus)
	if err != nil {
		return err
	}
	engine, err := dispatch.New(channel, dispatch.Options{
		Timeout:        cfg.Engine.Timeout,
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		Metrics:        infraMetrics.NewEngineProm(metricsNamespace),
	})
	if err != nil {
		return err
	}

	var eventBus EventBus
	if natsBus != nil {
		eventBus = natsBus
	}
	s := newServer(coord, engine, eventBus, auth,
		newTokenBucket(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		infraMetrics.NewGatewayProm(metricsNamespace))
	go s.events.run()
	defer s.events.stop()
	if err := s.events.listen(coord); err != nil {
		logging.Error("api-gateway", "bus subscribe failed", "subject", bus.EventSubjectPrefix+">", "error", err)
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logging.Info("api-gateway", "metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("api-gateway", "metrics server error", "error", err)
			}
		}()
		defer shutdown(metricsSrv)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api-gateway", "http listening", "addr", cfg.HTTPAddr,
			"engine", channel.Name(), "cache", coord.Backend(), "cache_ttl", coord.TTL())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("api-gateway", "http server error", "error", err)
		return err
	case <-ctx.Done():
		logging.Info("api-gateway", "shutting down")
		shutdown(srv)
		return nil
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("api-gateway", "shutdown incomplete", "addr", srv.Addr, "error", err)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	return mux
}

func openStore(ctx context.Context, cfg config.CacheConfig, redisURL string) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		client, err := redisutil.Connect(ctx, redisURL)
		if err != nil {
			return nil, fmt.Errorf("cache backend: %w", err)
		}
		return cache.NewRedisStore(client), nil
	default:
		return cache.NewMemoryStore(cfg.CleanupInterval), nil
	}
}

func openChannel(cfg config.EngineConfig, nb *bus.NatsBus) (dispatch.Channel, error) {
	switch cfg.Channel {
	case config.ChannelNATS:
		if nb == nil {
			return nil, errors.New("engine channel nats requires nats_url")
		}
		return &dispatch.NatsChannel{Bus: nb, Subject: cfg.Subject}, nil
	default:
		return &dispatch.ExecChannel{Command: cfg.Command, Args: cfg.Args}, nil
	}
}

// handler builds the routed and wrapped HTTP handler.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))
	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))
	for _, rt := range s.routes {
		mux.HandleFunc(rt.Route(), s.instrumented(rt.Pattern, s.resourceHandler(rt)))
	}
	return requestIDMiddleware(corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, mux))))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Time          string            `json:"time"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Build         map[string]string `json:"build"`
	Engine        string            `json:"engine"`
	Cache         cacheStatus       `json:"cache"`
	Bus           busStatusInfo     `json:"bus"`
	StreamClients int               `json:"stream_clients"`
}

type cacheStatus struct {
	Backend  string `json:"backend"`
	TTL      string `json:"ttl"`
	Isolated bool   `json:"isolated"`
}

type busStatusInfo struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Status    string `json:"status,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Time:          time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Build:         buildinfo.Fields(),
		Engine:        s.dispatcher.Channel(),
		Cache: cacheStatus{
			Backend:  s.cache.Backend(),
			TTL:      s.cache.TTL().String(),
			Isolated: s.cache.Isolated(),
		},
		StreamClients: s.events.clientCount(),
	}
	if s.bus != nil {
		resp.Bus.Enabled = true
		if st, ok := s.bus.(busStatus); ok {
			resp.Bus.Connected = st.IsConnected()
			resp.Bus.Status = st.Status()
			resp.Bus.URL = st.ConnectedURL()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// --- middleware ---

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware tags every request with X-Request-Id, keeping a
// caller-supplied one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Cache, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{"FIMGATE_ALLOWED_ORIGINS", "CORS_ALLOW_ORIGINS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				set[p] = struct{}{}
			}
		}
		return set, false
	}
	return nil, false
}

type tokenBucket struct {
	tokens chan struct{}
}

// newTokenBucket returns nil, meaning unlimited, when either bound is zero.
func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

func rateLimitMiddleware(limiter *tokenBucket, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces API key auth and injects auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), elapsed.Seconds())
		logging.Debug("api-gateway", "request served", "method", r.Method, "route", route,
			"status", rec.status, "duration", elapsed, "request_id", requestIDFrom(r.Context()))
	}
}
