package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yifanzhang-pro/Ralph-for-codex/handlers"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

const shutdownTimeout = 5 * time.Second

// Server exposes loop state and Prometheus metrics over HTTP in monitor
// mode. Status, progress, and circuit documents are served verbatim from
// the state directory.
type Server struct {
	addr          string
	store         *state.Store
	exposeMetrics bool
	logger        *logx.Logger
}

// NewServer creates a monitor server reading documents from store.
// exposeMetrics mounts /metrics backed by the default Prometheus registry.
func NewServer(addr string, store *state.Store, exposeMetrics bool) *Server {
	return &Server{
		addr:          addr,
		store:         store,
		exposeMetrics: exposeMetrics,
		logger:        logx.NewLogger("monitor"),
	}
}

// RegisterRoutes attaches all monitor endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", handlers.Health)
	mux.HandleFunc("/status", s.documentHandler("status"))
	mux.HandleFunc("/progress", s.documentHandler("progress"))
	mux.HandleFunc("/circuit", s.documentHandler("circuit"))
	if s.exposeMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
}

// Start runs the server until ctx is cancelled. The listener runs in a
// background goroutine; Start itself does not block.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	s.logger.Info("monitor listening on %s", s.addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitor server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down monitor server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("monitor server shutdown failed: %v", err)
		}
	}()

	return nil
}

// documentHandler serves one state document verbatim. The loop overwrites
// these documents atomically, so a read never observes a partial write.
func (s *Server) documentHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		data, err := os.ReadFile(s.store.Path(name))
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, `{"error":"document not available"}`, http.StatusNotFound)
				return
			}
			s.logger.Error("failed to read %s document: %v", name, err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
