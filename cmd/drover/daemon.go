package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/harunnryd/drover/internal/coordination"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run background maintenance for sync roots and sessions",
	Long:  `Runs cron-scheduled sync passes over the configured roots, health checks that flag quiet agents unresponsive, and sweeps of expired permission requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roots, _ := cmd.Flags().GetStringSlice("root")
		namespaces, _ := cmd.Flags().GetStringSlice("namespace")
		if len(roots) != len(namespaces) {
			return fmt.Errorf("--root and --namespace must be given the same number of times")
		}

		scheduler := cron.New()

		for i := range roots {
			root, err := filepath.Abs(roots[i])
			if err != nil {
				return err
			}
			namespace := namespaces[i]
			if _, err := scheduler.AddFunc(cfg.Daemon.SyncSchedule, func() {
				if err := runSyncPass(root, namespace); err != nil {
					slog.Error("Daemon sync pass failed", "root", root, "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid sync schedule %q: %w", cfg.Daemon.SyncSchedule, err)
			}
		}

		if _, err := scheduler.AddFunc(cfg.Daemon.HealthSchedule, runHealthChecks); err != nil {
			return fmt.Errorf("invalid health schedule %q: %w", cfg.Daemon.HealthSchedule, err)
		}
		if _, err := scheduler.AddFunc(cfg.Daemon.SweepSchedule, runPermissionSweeps); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Daemon.SweepSchedule, err)
		}

		handler := NewSignalHandler(cmd.Context())
		handler.Start()
		defer handler.Stop()

		slog.Info("Daemon started",
			"sync_roots", len(roots),
			"sync_schedule", cfg.Daemon.SyncSchedule,
			"health_schedule", cfg.Daemon.HealthSchedule,
			"sweep_schedule", cfg.Daemon.SweepSchedule,
		)
		scheduler.Start()
		<-handler.ctx.Done()
		<-scheduler.Stop().Done()
		slog.Info("Daemon stopped")
		return nil
	},
}

// runHealthChecks marks quiet agents unresponsive across every persisted
// session. Each session is processed independently; one bad session file
// does not stop the sweep.
func runHealthChecks() {
	forEachSession("health check", func(s *coordination.Session) error {
		if _, err := s.ProcessMessages(context.Background(), 0); err != nil {
			return err
		}
		for _, agentID := range s.CheckAgentHealth(healthThreshold()) {
			slog.Warn("Agent unresponsive", "session_id", s.ID(), "agent_id", agentID)
			if err := s.MarkUnresponsive(agentID); err != nil {
				return err
			}
		}
		return nil
	})
}

func runPermissionSweeps() {
	forEachSession("permission sweep", func(s *coordination.Session) error {
		expired, err := s.ClearExpiredPermissions(permissionMaxAge())
		if err != nil {
			return err
		}
		for _, requestID := range expired {
			slog.Info("Permission request expired", "session_id", s.ID(), "request_id", requestID)
		}
		return nil
	})
}

func forEachSession(op string, fn func(*coordination.Session) error) {
	ids, err := coordination.List(cfg.Coordination.SessionsPath)
	if err != nil {
		slog.Error("Failed to list sessions", "op", op, "error", err)
		return
	}
	for _, id := range ids {
		s, err := openSession(id)
		if err != nil {
			slog.Error("Failed to open session", "op", op, "session_id", id, "error", err)
			continue
		}
		if err := fn(s); err != nil {
			slog.Error("Session maintenance failed", "op", op, "session_id", id, "error", err)
		}
	}
}

func init() {
	daemonCmd.Flags().StringSlice("root", nil, "sync root to keep synchronized (repeatable)")
	daemonCmd.Flags().StringSlice("namespace", nil, "namespace for the matching --root (repeatable)")
	rootCmd.AddCommand(daemonCmd)
}
