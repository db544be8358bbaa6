package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/matchops/localsync/cmd/matchops/handlers"
	"github.com/matchops/localsync/internal/config"
	"github.com/matchops/localsync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its local API",
		Long:  "Starts the sync engine and serves the entity and sync admin API plus a WebSocket event stream on localhost.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return wrapExitError(exitFailure, "failed to open sync subsystem", err)
			}
			defer a.Close()

			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// newRouter mounts the REST API and the event stream.
func newRouter(ctx context.Context, a *app, hub *WSHub) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"matchops"}`))
	}).Methods(http.MethodGet)

	handlers.NewEntityHandler(a.entities).Register(r)

	syncHandler := handlers.NewSyncHandler(ctx, a.engine, a.queue, a.repo, a.counters)
	syncHandler.SetWebSocketHub(hub)
	syncHandler.Register(r)

	r.HandleFunc("/ws", HandleWebSocket(hub))
	return r
}

// wireEvents forwards engine and entity events to WebSocket clients. The
// returned function detaches the engine subscriptions.
func wireEvents(a *app, hub *WSHub) func() {
	unsubStatus := a.engine.Subscribe(hub.BroadcastStatus)
	unsubResolved := a.engine.SubscribeResolved(hub.BroadcastConflictResolved)
	a.entities.SetCallbacks(hub.BroadcastEntitySaved, hub.BroadcastEntityDeleted)
	return func() {
		unsubStatus()
		unsubResolved()
		a.entities.SetCallbacks(nil, nil)
	}
}

// watchConfig applies the settings that can change without a restart.
func watchConfig(a *app) *config.Watcher {
	if a.cfg.Path() == "" {
		return nil
	}
	w, err := config.Watch(a.cfg.Path(), func(next *config.Config) {
		logging.Get().SetLevel(logging.ParseLevel(next.Log.Level))
		a.engine.SetPollInterval(next.Sync.PollInterval)
		logging.Info("Applied configuration change", map[string]interface{}{
			"log_level":     next.Log.Level,
			"poll_interval": next.Sync.PollInterval.String(),
		})
	})
	if err != nil {
		logging.Warn("Config file will not be watched", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return w
}

func serve(ctx context.Context, a *app) error {
	hub := NewWSHub()
	defer hub.Close()
	defer wireEvents(a, hub)()

	if w := watchConfig(a); w != nil {
		defer w.Close()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(ctx, a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.prober != nil {
		a.prober.Start(ctx)
	}
	a.engine.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("MatchOps daemon listening", map[string]interface{}{
			"addr":   srv.Addr,
			"remote": a.cfg.Remote.Kind,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return wrapExitError(exitFailure, "server failed", err)
		}
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// requestLogger logs every request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
