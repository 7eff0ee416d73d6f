// Package httpx exposes the status board over a JSON HTTP API with
// websocket and SSE event streams.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/statusboard/internal/catalog"
	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/internal/service/board"
	"github.com/splax/statusboard/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 240
	rateLimitWrite     = 120
	rateLimitCheck     = 30
	rateLimitToken     = 10
	rateLimitStream    = 30
	maxDocumentBytes   = 10 << 20
	sseRetry           = 3 * time.Second
	sseHeartbeat       = 25 * time.Second
	wsPingInterval     = 30 * time.Second
)

// HandleFactory opens connected handles by kind. A nil field means the kind
// is not available in this deployment.
type HandleFactory struct {
	File     func(path string) (repository.FileHandle, error)
	Document func(name string) (repository.FileHandle, error)
}

// RequestObserver records per-request outcomes.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
	ObserveRateLimited(route, keyKind string)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, string, int, time.Duration) {}
func (noopObserver) ObserveRateLimited(string, string) {}

// Config carries the router's dependencies.
type Config struct {
	Logger  *slog.Logger
	Board   *board.Service
	Hub     *ws.Hub
	Handles HandleFactory
	Limiter RateLimiter
	Auth    *Authenticator
	Metrics RequestObserver
	// BaseContext bounds work that outlives a request, such as POST /check.
	BaseContext context.Context
}

// Router wires HTTP endpoints to the board service.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	board    *board.Service
	hub      *ws.Hub
	handles  HandleFactory
	auth     *Authenticator
	limiter  RateLimiter
	metrics  RequestObserver
	upgrader websocket.Upgrader
	baseCtx  context.Context
	now      func() time.Time
}

// NewRouter assembles routes with dependencies.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "http"),
		board:   cfg.Board,
		hub:     cfg.Hub,
		handles: cfg.Handles,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: cfg.Metrics,
		baseCtx: baseCtx,
		now:     time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.metrics == nil {
		r.metrics = noopObserver{}
	}
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/token", r.audit(r.withRateLimit("/auth/token", rateLimitToken, rateWindowDefault, r.handleToken)))
	r.mux.HandleFunc("/catalog", r.audit(r.withRateLimit("/catalog", rateLimitRead, rateWindowDefault, r.handleCatalog)))
	r.mux.HandleFunc("/projects", r.audit(r.guarded("/projects", rateLimitWrite, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit(r.guarded("/projects/", rateLimitWrite, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/environments/", r.audit(r.guarded("/environments/", rateLimitWrite, r.handleEnvironmentSubroutes)))
	r.mux.HandleFunc("/check", r.audit(r.guarded("/check", rateLimitCheck, r.handleCheckAll)))
	r.mux.HandleFunc("/save", r.audit(r.guarded("/save", rateLimitWrite, r.handleSave)))
	r.mux.HandleFunc("/import", r.audit(r.guarded("/import", rateLimitWrite, r.handleImport)))
	r.mux.HandleFunc("/export", r.audit(r.withRateLimit("/export", rateLimitRead, rateWindowDefault, r.handleExport)))
	r.mux.HandleFunc("/connect", r.audit(r.guarded("/connect", rateLimitWrite, r.handleConnect)))
	r.mux.HandleFunc("/ws/status", r.audit(r.withRateLimit("/ws/status", rateLimitStream, rateWindowRealtime, r.handleStatusWS)))
	r.mux.HandleFunc("/events", r.audit(r.withRateLimit("/events", rateLimitStream, rateWindowRealtime, r.handleEvents)))
}

// guarded applies authentication for writes and per-route rate limiting.
func (r *Router) guarded(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, rateWindowDefault, next))
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.auth.enabled() {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, ttl, err := r.auth.IssueToken(payload.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": token,
		"expiresIn":   int(ttl.Seconds()),
	})
}

func (r *Router) handleCatalog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.board.Catalog())
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name        string                    `json:"name"`
		Environment *catalog.EnvironmentInput `json:"environment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusCreated, r.board.AddProject(payload.Name, payload.Environment))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/"), "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "environments":
		r.handleProjectEnvironments(w, req, projectID)
	case len(parts) == 2 && parts[1] == "check":
		r.handleProjectCheck(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		p, err := r.board.Project(projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		p, err := r.board.RenameProject(projectID, payload.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := r.board.DeleteProject(projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectEnvironments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload catalog.EnvironmentInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env, err := r.board.AddEnvironment(projectID, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (r *Router) handleProjectCheck(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.board.CheckProject(req.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}
	p, err := r.board.Project(projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/environments/"), "/"), "/")
	envID := parts[0]
	if envID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleEnvironment(w, req, envID)
	case len(parts) == 2 && parts[1] == "check":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		result, err := r.board.CheckEnvironment(req.Context(), envID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironment(w http.ResponseWriter, req *http.Request, envID string) {
	switch req.Method {
	case http.MethodPatch:
		var payload catalog.EnvironmentUpdate
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env, err := r.board.UpdateEnvironment(envID, payload)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	case http.MethodDelete:
		if err := r.board.DeleteEnvironment(envID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCheckAll(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	go func() {
		if err := r.board.CheckAll(r.baseCtx); err != nil {
			r.logger.Warn("check all incomplete", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "checking"})
}

func (r *Router) handleSave(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.board.Save(req.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	name, _ := r.board.Connection()
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "connected": name})
}

func (r *Router) handleImport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}
	if err := r.board.Import(data); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.board.Catalog())
}

func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	data, err := r.board.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to serialize catalog")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="resources.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		name, ok := r.board.Connection()
		payload := map[string]any{"connected": nil}
		if ok {
			payload["connected"] = name
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var payload struct {
			File     string `json:"file"`
			Document string `json:"document"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		handle, status, err := r.openHandle(strings.TrimSpace(payload.File), strings.TrimSpace(payload.Document))
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		if err := r.board.Connect(req.Context(), handle); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"connected": handle.Name()})
	case http.MethodDelete:
		r.board.Disconnect()
		writeJSON(w, http.StatusOK, map[string]any{"connected": nil})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) openHandle(file, document string) (repository.FileHandle, int, error) {
	switch {
	case file != "" && document != "":
		return nil, http.StatusBadRequest, errors.New("specify either file or document, not both")
	case file != "":
		if r.handles.File == nil {
			return nil, http.StatusBadRequest, errors.New("file handles are not available")
		}
		h, err := r.handles.File(file)
		if err != nil {
			return nil, statusFor(err), err
		}
		return h, 0, nil
	case document != "":
		if r.handles.Document == nil {
			return nil, http.StatusBadRequest, errors.New("document storage is not configured")
		}
		h, err := r.handles.Document(document)
		if err != nil {
			return nil, statusFor(err), err
		}
		return h, 0, nil
	default:
		return nil, http.StatusBadRequest, errors.New("file or document is required")
	}
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	topic := req.URL.Query().Get("project")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := client.Ping(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := req.URL.Query().Get("project")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, sseRetry, r.logger)
	r.hub.Register(topic, client)
	defer r.hub.Unregister(topic, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	health, ok := r.board.Health(req.Context())
	status := "ok"
	code := http.StatusOK
	if !ok {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": health,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := r.now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := r.now().Sub(start)
		r.metrics.ObserveRequest(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
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
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Subject
		}
		fields = append(fields, "actor", actor)

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
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// routeLabel collapses entity ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "projects" || parts[0] == "environments") {
		parts[1] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
