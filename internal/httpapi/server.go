// Package httpapi exposes the orchestration core over HTTP: epic lifecycle,
// task claim/release/report, sync operations, and a server-sent event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/agent"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/config"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicmem"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/events"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore/postgres"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/scoring"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/syncer"
	"github.com/rob-otix-ai/cto-flow-sub001/internal/tracker"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// defaultMaxRequestBodyBytes is the default limit for request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	Config         config.Config  // validated configuration; zero value means defaults
	Tracker        tracker.Client // nil means in-memory fake (offline mode)
	Profile        models.AgentProfile
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server and the wired orchestration components.
type App struct {
	Server  *http.Server
	Hub     *events.Hub
	Store   kvstore.Store
	Mem     *epicmem.Manager
	Agent   *agent.Agent
	Sync    *syncer.Engine
	Tracker tracker.Client
	Home    string

	enabled bool
}

// refuseDisabled rejects memory-mutating requests while the orchestration
// feature is switched off. Agent and sync routes carry their own gates.
func (a *App) refuseDisabled(w http.ResponseWriter) bool {
	if a.enabled {
		return false
	}
	writeJSONError(w, http.StatusServiceUnavailable, epicerr.ErrDisabled.Error())
	return true
}

// NewApp opens the store, wires the memory manager, agent, and sync engine,
// and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = tracker.NewFake()
	}
	if opts.Profile.ID == "" {
		id := cfg.Agent.ID
		if id == "" {
			id = "local"
		}
		opts.Profile = models.AgentProfile{ID: id, MaxConcurrentTasks: 1, Status: models.AgentAvailable}
	}

	var st kvstore.Store
	var err error
	switch cfg.Store.Backend {
	case config.StoreFile:
		st, err = kvstore.OpenFile(filepath.Join(opts.Home, "data", "kv.json"))
	case config.StorePostgres:
		st, err = postgres.Open(cfg.Store.DSN)
	default:
		st, err = kvstore.OpenSQLite(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	mem := epicmem.New(st)
	scorer := scoring.NewEngine(scoring.WithThreshold(cfg.Scoring.Threshold))
	enabled := cfg.Enabled
	ag := agent.New(mem, agent.Options{
		Profile:   opts.Profile,
		Role:      cfg.Agent.Role,
		Weights:   cfg.Scoring.Weights,
		CacheSize: cfg.Agent.CacheSize,
		CacheTTL:  cfg.Agent.CacheTTL,
		Enabled:   &enabled,
		Tracker:   opts.Tracker,
		Hub:       hub,
		Scorer:    scorer,
	})
	eng := syncer.New(mem, opts.Tracker, syncer.Options{
		EpicLabel:        cfg.Sync.EpicLabel,
		Direction:        cfg.Sync.Direction,
		Strategy:         cfg.Sync.Strategy,
		Method:           cfg.Sync.Method,
		RateLimitPerHour: cfg.Sync.RateLimitPerHour,
		PollInterval:     cfg.Sync.PollInterval,
		RetryAttempts:    cfg.Sync.RetryAttempts,
		RetryDelay:       time.Duration(cfg.Sync.RetryDelayMs) * time.Millisecond,
		Enabled:          &enabled,
		Hub:              hub,
	})

	app := &App{
		Hub:     hub,
		Store:   st,
		Mem:     mem,
		Agent:   ag,
		Sync:    eng,
		Tracker: opts.Tracker,
		Home:    opts.Home,
		enabled: enabled,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "enabled": cfg.Enabled})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("/stream", sseHandler(hub))
	mux.HandleFunc("/events", app.handleTrackerEvent)
	mux.HandleFunc("/epics", app.handleEpics)
	mux.HandleFunc("/epics/", app.handleEpic)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if cfg.APIKey != "" {
		handler = apiKeyMiddleware(cfg.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "ctoflow")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		eng.Stop()
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// handleEpics serves the collection: list epics, create an epic.
func (a *App) handleEpics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids, err := a.Mem.ListEpicIDs(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Epic, 0, len(ids))
		for _, id := range ids {
			if ec, err := a.Mem.LoadEpicContext(r.Context(), id); err == nil && ec != nil {
				out = append(out, ec.Epic)
			}
		}
		writeJSON(w, out)
	case http.MethodPost:
		var spec models.EpicSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		epic, err := a.Sync.CreateEpic(r.Context(), spec)
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, epic)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEpic routes /epics/{id}[/...].
func (a *App) handleEpic(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/epics/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	epicID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			ec, err := a.Mem.LoadEpicContext(r.Context(), epicID)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if ec == nil {
				writeJSONError(w, http.StatusNotFound, "epic not found")
				return
			}
			writeJSON(w, ec)
		case http.MethodDelete:
			if a.refuseDisabled(w) {
				return
			}
			if err := a.Mem.DeleteEpic(r.Context(), epicID); err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			a.Agent.InvalidateEpic(epicID)
			a.Sync.DisableSync(epicID)
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "tasks":
		a.handleTasks(w, r, epicID, parts[2:])
	case "decisions":
		a.handleDecisions(w, r, epicID)
	case "agents":
		requireGet(w, r, func() { a.listAgents(w, r, epicID) })
	case "stats":
		requireGet(w, r, func() { a.epicStats(w, r, epicID) })
	case "export":
		requireGet(w, r, func() { a.epicExport(w, r, epicID) })
	case "close":
		requirePost(w, r, func() {
			if err := a.Sync.CloseEpic(r.Context(), epicID); err != nil {
				writeSyncError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		})
	case "progress":
		requirePost(w, r, func() {
			if err := a.Sync.UpdateEpicProgress(r.Context(), epicID); err != nil {
				writeSyncError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		})
	case "sync":
		a.handleSync(w, r, epicID, parts[2:])
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleTasks(w http.ResponseWriter, r *http.Request, epicID string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		requireGet(w, r, func() {
			tasks, err := a.Mem.GetEpicTasks(r.Context(), epicID)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, tasks)
		})
		return
	}
	number, err := strconv.Atoi(rest[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid task number")
		return
	}
	if len(rest) == 1 {
		requireGet(w, r, func() {
			task, err := a.Mem.GetTaskProgress(r.Context(), epicID, rest[0])
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if task == nil {
				writeJSONError(w, http.StatusNotFound, "task not found")
				return
			}
			writeJSON(w, task)
		})
		return
	}

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch rest[1] {
	case "claim":
		writeAgentResult(w, a.Agent.ClaimIssue(r.Context(), epicID, number))
	case "release":
		writeAgentResult(w, a.Agent.ReleaseIssue(r.Context(), epicID, number))
	case "progress":
		var upd agent.ProgressUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		writeAgentResult(w, a.Agent.ReportProgress(r.Context(), epicID, number, upd))
	case "review":
		var body struct {
			Notes string `json:"notes"`
		}
		// Body is optional for review requests.
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeAgentResult(w, a.Agent.RequestReview(r.Context(), epicID, number, body.Notes))
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleDecisions(w http.ResponseWriter, r *http.Request, epicID string) {
	switch r.Method {
	case http.MethodGet:
		decisions, err := a.Mem.GetDecisions(r.Context(), epicID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, decisions)
	case http.MethodPost:
		if a.refuseDisabled(w) {
			return
		}
		var d models.Decision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		d.EpicID = epicID
		stored, err := a.Mem.StoreDecision(r.Context(), d)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, stored)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request, epicID string, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		switch r.Method {
		case http.MethodGet:
			state, err := a.Mem.GetSyncState(r.Context(), epicID)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if state == nil {
				writeJSONError(w, http.StatusNotFound, "no sync state")
				return
			}
			writeJSON(w, state)
		case http.MethodPost:
			var body struct {
				Direction string `json:"direction"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			var serr error
			switch body.Direction {
			case models.SyncDirectionPush:
				serr = a.Sync.SyncToRemote(r.Context(), epicID)
			case models.SyncDirectionPull, "":
				serr = a.Sync.SyncFromRemote(r.Context(), epicID)
			default:
				writeJSONError(w, http.StatusBadRequest, "direction must be push or pull")
				return
			}
			if serr != nil {
				writeSyncError(w, serr)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}
	requirePost(w, r, func() {
		if a.refuseDisabled(w) {
			return
		}
		switch rest[0] {
		case "enable":
			a.Sync.EnableSync(epicID)
			writeJSON(w, map[string]any{"ok": true})
		case "disable":
			a.Sync.DisableSync(epicID)
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})
}

// handleTrackerEvent ingests externally delivered tracker notifications
// (webhook deliveries) and feeds them to the sync engine.
func (a *App) handleTrackerEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var ev tracker.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.Sync.HandleEvent(r.Context(), ev); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) listAgents(w http.ResponseWriter, r *http.Request, epicID string) {
	agents, err := a.Mem.GetEpicAgents(r.Context(), epicID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, agents)
}

func (a *App) epicStats(w http.ResponseWriter, r *http.Request, epicID string) {
	stats, err := a.Mem.GetEpicStats(r.Context(), epicID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

func (a *App) epicExport(w http.ResponseWriter, r *http.Request, epicID string) {
	export, err := a.Mem.ExportEpic(r.Context(), epicID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, export)
}

// writeAgentResult maps an agent operation outcome to an HTTP status. The
// response body always carries the full result, score breakdown included.
func writeAgentResult(w http.ResponseWriter, res agent.Result) {
	code := http.StatusOK
	switch res.Outcome {
	case agent.OutcomeNotFound:
		code = http.StatusNotFound
	case agent.OutcomeAlreadyAssigned:
		code = http.StatusConflict
	case agent.OutcomeRejected:
		code = http.StatusUnprocessableEntity
	case agent.OutcomeNoAssignment:
		code = http.StatusConflict
	case agent.OutcomeDisabled:
		code = http.StatusServiceUnavailable
	case agent.OutcomeError:
		code = http.StatusInternalServerError
	}
	body := map[string]any{
		"outcome": res.Outcome,
		"epic_id": res.EpicID,
		"task_id": res.TaskID,
	}
	if res.Score != nil {
		body["score"] = res.Score
	}
	if res.Reviewers != nil {
		body["reviewers"] = res.Reviewers
	}
	if res.Message != "" {
		body["message"] = res.Message
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeSyncError maps sync engine failures onto HTTP statuses: conflicts are
// 409, rate-limit refusals 429, missing epics 404.
func writeSyncError(w http.ResponseWriter, err error) {
	var (
		ce *epicerr.ConflictError
		rl *epicerr.RateLimitError
		ve *epicerr.ValidationError
	)
	switch {
	case errors.As(err, &ce):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": ce.Error(), "epic_id": ce.EpicID, "items": ce.Items})
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.Wait.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, rl.Error())
	case errors.As(err, &ve):
		writeJSONError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, epicerr.ErrDisabled):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, epicerr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func requireGet(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn()
}

func requirePost(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
