// Package main runs the reference remote store: the HTTP service a MatchOps
// daemon configured with remote.kind = "http" syncs against.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/matchops/localsync/internal/config"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/remoteserver"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "matchops-remote",
		Short:         "Reference last-write-wins remote store for MatchOps sync",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.Configure(cfg.LogOptions())

			rs := cfg.RemoteServer
			if addr != "" {
				rs.Addr = addr
			}
			if dbPath != "" {
				rs.DBPath = dbPath
			}
			if !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, rs)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default $MATCHOPS_HOME/matchops.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides remote_server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database file (overrides remote_server.db_path)")
	cmd.Flags().BoolVar(&debug, "debug", false, "gin debug mode")
	return cmd
}

func run(ctx context.Context, rs config.RemoteServerConfig) error {
	store, database, err := remoteserver.Open(rs.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if rs.JWTSecret == "" {
		logging.Warn("remote_server.jwt_secret is empty; the API accepts unauthenticated requests", nil)
	}

	srv := &http.Server{
		Addr: rs.Addr,
		Handler: remoteserver.NewRouter(remoteserver.Config{
			JWTSecret:    rs.JWTSecret,
			AllowOrigins: rs.AllowOrigins,
		}, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Remote store listening", map[string]interface{}{"addr": rs.Addr, "db": rs.DBPath})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
