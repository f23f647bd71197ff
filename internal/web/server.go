// Package web serves the operator API: one workspace per browser session,
// each holding an engine per operation, plus an SSE relay of row, log and
// notification changes.
package web

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/rs/zerolog"

	"github.com/pgoc/adsbot/internal/bulk"
	"github.com/pgoc/adsbot/internal/dispatch"
	"github.com/pgoc/adsbot/internal/engine"
	"github.com/pgoc/adsbot/internal/history"
	"github.com/pgoc/adsbot/internal/metrics"
	"github.com/pgoc/adsbot/internal/notify"
	"github.com/pgoc/adsbot/internal/operation"
	"github.com/pgoc/adsbot/internal/rows"
)

const (
	defaultRateLimit  = 10
	defaultRateWindow = time.Minute
	defaultSessionTTL = 2 * time.Hour
	maxImportBytes    = 16 << 20
	eventPing         = 15 * time.Second
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Options configure the server.
type Options struct {
	Port           int
	SessionTTL     time.Duration
	TrustedOrigins []string
	// Snapshots seals each engine's rows when its workspace expires and
	// restores them when the engine is next opened.
	Snapshots bool
	RunLimit  int
	RunWindow time.Duration
}

type Server struct {
	registry     *operation.Registry
	build        EngineBuilder
	historyStore *history.Store
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	opts         Options

	httpServer  *http.Server
	csrfKey     []byte
	workspaces  *WorkspaceStore
	rateLimiter *RateLimiter
	router      http.Handler
}

// NewServer wires the API. historyStore and m may be nil.
func NewServer(opts Options, registry *operation.Registry, build EngineBuilder, historyStore *history.Store, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.RunLimit <= 0 {
		opts.RunLimit = defaultRateLimit
	}
	if opts.RunWindow <= 0 {
		opts.RunWindow = defaultRateWindow
	}

	s := &Server{
		registry:     registry,
		build:        build,
		historyStore: historyStore,
		metrics:      m,
		logger:       logger.With().Str("component", "web").Logger(),
		opts:         opts,
		csrfKey:      csrfKey,
		rateLimiter:  NewRateLimiter(opts.RunLimit, opts.RunWindow),
	}
	s.workspaces = NewWorkspaceStore(opts.SessionTTL, s.expireWorkspace)
	s.router = s.setupRouter()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)
	r.Use(plaintextLocal)

	trusted := append([]string{
		"localhost", "127.0.0.1",
		fmt.Sprintf("localhost:%d", s.opts.Port), fmt.Sprintf("127.0.0.1:%d", s.opts.Port),
	}, s.opts.TrustedOrigins...)
	csrfMiddleware := csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins(trusted),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			msg := "forbidden"
			if reason := csrf.FailureReason(r); reason != nil {
				msg = reason.Error()
			}
			writeError(w, http.StatusForbidden, msg)
		})),
	)
	r.Use(csrfMiddleware)

	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/csrf", s.handleCSRF)
		r.Get("/operations", s.handleOperations)
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)

		r.Route("/{op}", func(r chi.Router) {
			r.Post("/import", s.handleImport)
			r.Post("/verify", s.handleVerify)
			r.Post("/run", s.handleRun)
			r.Get("/runs/active", s.handleRunActive)
			r.Get("/runs/{runID}", s.handleRunStatus)
			r.Post("/runs/{runID}/cancel", s.handleRunCancel)
			r.Get("/rows", s.handleRows)
			r.Delete("/rows", s.handleClear)
			r.Get("/log", s.handleLog)
			r.Get("/export", s.handleExport)
			r.Post("/scope", s.handleScope)
			r.Post("/visibility", s.handleVisibility)
			r.Post("/snapshot", s.handleSnapshot)
			r.Post("/restore", s.handleRestore)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Row payloads carry campaign data; nothing is cacheable.
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")

		next.ServeHTTP(w, r)
	})
}

// plaintextLocal tells the CSRF middleware that a request without TLS is
// plain HTTP, so it checks Origin instead of demanding a Referer.
func plaintextLocal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			r = csrf.PlaintextHTTPRequest(r)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", "http://"+s.httpServer.Addr).Msg("operator API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener, then expires every workspace so engines
// release their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close releases workspaces and background loops without touching the
// listener.
func (s *Server) Close() {
	s.workspaces.Close()
	s.rateLimiter.Stop()
}

func (s *Server) expireWorkspace(ws *Workspace) {
	for _, e := range ws.Engines() {
		if s.opts.Snapshots && e.Store().Len() > 0 {
			if err := e.Snapshot(); err != nil {
				s.logger.Warn().Err(err).Str("operation", e.Operation().ID).Msg("failed to snapshot workspace")
			}
		}
		e.Close()
	}
	s.logger.Debug().Str("workspace", ws.ID[:8]).Msg("workspace expired")
}

func (s *Server) buildEngine(ctx context.Context, op operation.Operation, n notify.Notifier) (*engine.Engine, error) {
	e, err := s.build(ctx, op, n)
	if err != nil {
		return nil, err
	}
	if !s.opts.Snapshots {
		return e, nil
	}
	found, err := e.Restore(ctx)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("operation", op.ID).Msg("failed to restore snapshot")
		n.Notify(notify.Warning, "Previous session could not be restored.")
	case found:
		n.Notify(notify.Info, fmt.Sprintf("Restored %d rows from the previous session.", e.Store().Len()))
	}
	return e, nil
}

// getOrCreateWorkspace resolves the workspace cookie, creating a
// workspace when the cookie is missing or expired.
func (s *Server) getOrCreateWorkspace(w http.ResponseWriter, r *http.Request) (*Workspace, error) {
	if cookie, err := r.Cookie(workspaceCookie); err == nil && cookie.Value != "" {
		if ws := s.workspaces.Get(cookie.Value); ws != nil {
			return ws, nil
		}
	}

	ws, err := s.workspaces.Create()
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     workspaceCookie,
		Value:    ws.ID,
		Path:     "/",
		MaxAge:   int(s.opts.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return ws, nil
}

type opContext struct {
	ws     *Workspace
	engine *engine.Engine
	board  *noticeBoard
}

// operationEngine resolves {op} and the caller's engine for it. It writes
// the error response itself and returns false on failure.
func (s *Server) operationEngine(w http.ResponseWriter, r *http.Request) (opContext, bool) {
	op := s.registry.FindByID(chi.URLParam(r, "op"))
	if op == nil {
		writeError(w, http.StatusNotFound, "unknown operation")
		return opContext{}, false
	}
	ws, err := s.getOrCreateWorkspace(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return opContext{}, false
	}
	e, board, err := ws.Engine(r.Context(), *op, s.buildEngine)
	if err != nil {
		s.logger.Error().Err(err).Str("operation", op.ID).Msg("failed to open engine")
		writeError(w, http.StatusBadGateway, err.Error())
		return opContext{}, false
	}
	return opContext{ws: ws, engine: e, board: board}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	var schemaErr *bulk.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusGone
	case errors.Is(err, engine.ErrSnapshotDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(r *http.Request, v any) error {
	return sonic.ConfigDefault.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if _, err := s.getOrCreateWorkspace(w, r); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": csrf.Token(r)})
}

type operationView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	RequiredHeaders []string `json:"required_headers"`
	Scoped          bool     `json:"scoped"`
	Match           string   `json:"match"`
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	out := make([]operationView, 0, len(s.registry.Operations))
	for _, op := range s.registry.Operations {
		out = append(out, operationView{
			ID:              op.ID,
			Name:            op.Name,
			RequiredHeaders: op.RequiredHeaders,
			Scoped:          op.Stream.Scoped,
			Match:           string(op.Match),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// importBody returns the CSV from a multipart "file" field or the raw body.
func importBody(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, func() {}, nil
	}
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		return nil, nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	body, done, err := importBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer done()

	res, err := oc.engine.Import(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	out, err := oc.engine.Verify(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	failures := make([]string, 0, len(out.Failures))
	for _, f := range out.Failures {
		failures = append(failures, f.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submitted": len(out.Deltas),
		"verified":  out.Verified,
		"failures":  failures,
		"counts":    oc.engine.Store().Counts(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	if !s.rateLimiter.Allow(oc.ws.ID) {
		writeError(w, http.StatusTooManyRequests, "too many runs, try again shortly")
		return
	}
	run, err := oc.engine.Execute()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	oc.engine.Runs().Cleanup(time.Hour)
	writeJSON(w, http.StatusAccepted, run.State())
}

func (s *Server) handleRunActive(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	run := oc.engine.Runs().GetActive()
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]any{"run": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run.State()})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	run := oc.engine.Runs().Get(chi.URLParam(r, "runID"))
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run.State())
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	if err := oc.engine.Cancel(chi.URLParam(r, "runID")); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type rowsView struct {
	Columns []string            `json:"columns"`
	Rows    []rows.Row          `json:"rows"`
	Counts  map[rows.Status]int `json:"counts"`
	Scope   string              `json:"scope,omitempty"`
	Live    bool                `json:"live"`
}

func viewRows(e *engine.Engine) rowsView {
	scope, live := e.Subscription()
	return rowsView{
		Columns: e.Store().Columns(),
		Rows:    e.Store().Rows(),
		Counts:  e.Store().Counts(),
		Scope:   scope,
		Live:    live,
	}
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewRows(oc.engine))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	if oc.engine.Runs().GetActive() != nil {
		writeError(w, http.StatusConflict, dispatch.ErrRunActive.Error())
		return
	}
	oc.engine.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	entries := oc.engine.Log().Since(since)
	if entries == nil {
		entries = []rows.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	name := fmt.Sprintf("%s-%s.csv", oc.engine.Operation().ID, time.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := oc.engine.Export(w); err != nil {
		s.logger.Warn().Err(err).Msg("export failed")
	}
}

type scopeRequest struct {
	Scope    string `json:"scope"`
	Selected *bool  `json:"selected"`
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	var req scopeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Selected != nil && !*req.Selected {
		oc.engine.Deselect()
	} else {
		oc.engine.SelectScope(strings.TrimSpace(req.Scope))
	}
	scope, live := oc.engine.Subscription()
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "live": live})
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		Visible bool `json:"visible"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	oc.engine.SetVisible(req.Visible)
	_, live := oc.engine.Subscription()
	writeJSON(w, http.StatusOK, map[string]any{"visible": req.Visible, "live": live})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	if err := oc.engine.Snapshot(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": oc.engine.Store().Len()})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	oc, ok := s.operationEngine(w, r)
	if !ok {
		return
	}
	found, err := oc.engine.Restore(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": found, "rows": oc.engine.Store().Len()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	records, err := s.historyStore.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.historyStore == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	stats, err := s.historyStore.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspaces": s.workspaces.Count(),
		"dispatches": stats,
	})
}
