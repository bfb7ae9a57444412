// Package httpapi serves the Task Copilot HTTP surface: the task/checkpoint
// API under /api/, the SSE event stream, and the health/metrics/config
// endpoints consumed by supervisors and dashboards.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/taskcopilot/taskcopilot/internal/config"
	"github.com/taskcopilot/taskcopilot/internal/git"
	"github.com/taskcopilot/taskcopilot/internal/health"
	"github.com/taskcopilot/taskcopilot/internal/lifecycle"
	"github.com/taskcopilot/taskcopilot/internal/store"
	"github.com/taskcopilot/taskcopilot/internal/store/postgres"
	"github.com/taskcopilot/taskcopilot/pkg/models"
)

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

// corsMiddleware sets CORS headers for dev mode (dashboard on a different origin).
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

// ServerOptions configures the HTTP server (home dir, listen addr, API key, store, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string // if set, require X-API-Key header or query api_key
	Config         *config.Config
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	// Store overrides the store opened from Config; used by tests.
	Store store.Store
	// Worktrees overrides the git manager built from Config; used by tests.
	Worktrees lifecycle.WorktreeManager
}

// App holds the HTTP server, SSE hub, store, lifecycle service, and health monitor.
type App struct {
	Server    *http.Server
	Hub       *SSEHub
	Store     store.Store
	Lifecycle *lifecycle.Service
	Monitor   *health.Monitor
	Git       *git.Manager
	Home      string
}

// NewApp creates the HTTP app (server, hub, store, lifecycle) and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	st := opts.Store
	if st == nil {
		var err error
		if cfg.Store == "postgres" {
			st, err = postgres.Open(cfg.PostgresDSN)
		} else {
			st, err = store.Open(opts.Home)
		}
		if err != nil {
			return nil, err
		}
	}

	var gitMgr *git.Manager
	worktrees := opts.Worktrees
	if worktrees == nil {
		gitMgr = git.NewManager(cfg.ProjectRoot)
		gitMgr.MainBranch = cfg.MainBranch
		if cfg.WorktreeRoot != "" {
			gitMgr.WorktreeRoot = filepath.Join(cfg.ProjectRoot, cfg.WorktreeRoot)
		}
		worktrees = gitMgr
	}

	hub := NewSSEHub()
	svc := &lifecycle.Service{Store: st, Worktrees: worktrees, Hub: hub}
	mon := &health.Monitor{
		Store:           st,
		CheckpointStale: cfg.CheckpointStale(),
		ActivityStale:   cfg.ActivityStale(),
	}
	app := &App{
		Hub:       hub,
		Store:     st,
		Lifecycle: svc,
		Monitor:   mon,
		Git:       gitMgr,
		Home:      opts.Home,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handlePlainMetrics)
	}

	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Config{
			Home:        opts.Home,
			ProjectRoot: cfg.ProjectRoot,
			MainBranch:  cfg.MainBranch,
		})
	})

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/api/tasks", app.handleTasks)
	mux.HandleFunc("/api/tasks/", app.handleTask)
	mux.HandleFunc("/api/streams", app.handleStreams)
	mux.HandleFunc("/api/streams/", app.handleStream)
	mux.HandleFunc("/api/worktrees", app.handleWorktrees)
	mux.HandleFunc("/api/worktrees/", app.handleWorktreeCleanup)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "taskcopilot")
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
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// TaskCounts returns per-status counts across all streams, for the metrics gauge.
func (a *App) TaskCounts(ctx context.Context) (pending, inProgress, blocked, completed int64) {
	tasks, err := a.Store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return 0, 0, 0, 0
	}
	for _, t := range tasks {
		switch t.Status {
		case models.StatusPending:
			pending++
		case models.StatusInProgress:
			inProgress++
		case models.StatusBlocked:
			blocked++
		case models.StatusCompleted:
			completed++
		}
	}
	return pending, inProgress, blocked, completed
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
