package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harunnryd/drover/internal/concurrency"
	"github.com/harunnryd/drover/internal/config"
	"github.com/harunnryd/drover/internal/deaddrop"
	"github.com/harunnryd/drover/internal/lockfile"
	"github.com/harunnryd/drover/internal/manifest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manifest store and deaddrop servers",
	Long:  `Serves the versioned blob store and the message bus on one HTTP listener. Exactly one serve process per data directory; a second one fails to take the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := lockfile.Acquire(cfg.Store.DataPath, "serve", lockConfig())
		if err != nil {
			return err
		}
		defer lock.Release()

		store, err := manifest.NewFileStore(filepath.Join(cfg.Store.DataPath, "manifest"))
		if err != nil {
			return err
		}
		bus, err := deaddrop.NewBus(filepath.Join(cfg.Store.DataPath, "deaddrop"))
		if err != nil {
			return err
		}

		pollWait, err := config.DurationOrDefault(cfg.Deaddrop.PollWait, config.DefaultDeaddropPollWait)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		manifest.NewServer(store, cfg.Sync.CompressThreshold, cfg.Sync.CompressMinSaving).Register(mux)
		deaddrop.NewServer(bus, pollWait).Register(mux)
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})

		readTimeout, _ := config.DurationOrDefault(cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
		writeTimeout, _ := config.DurationOrDefault(cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
		idleTimeout, _ := config.DurationOrDefault(cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)

		server := &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:     mux,
			ReadTimeout: readTimeout,
			// Long polls need the write timeout to outlast the max wait.
			WriteTimeout: max(writeTimeout, pollWait*2),
			IdleTimeout:  idleTimeout,
		}

		handler := NewSignalHandler(cmd.Context())
		handler.Start()
		defer handler.Stop()

		concurrency.SafeGo(func() {
			slog.Info("Server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server failed", "error", err)
				handler.cancel()
			}
		}, func(interface{}) { handler.cancel() })

		<-handler.ctx.Done()

		shutdownTimeout, _ := config.DurationOrDefault(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("Server stopped")
		return nil
	},
}

func lockConfig() *lockfile.Config {
	timeout, _ := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
	retry, _ := config.DurationOrDefault(cfg.Store.LockRetry, config.DefaultStoreLockRetry)
	return &lockfile.Config{Timeout: timeout, Retry: retry, MaxRetry: cfg.Store.LockMaxRetry}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
