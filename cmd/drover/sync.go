package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/harunnryd/drover/internal/lockfile"
	"github.com/harunnryd/drover/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync [root]",
	Short: "Synchronize a directory with a manifest-store namespace",
	Long:  `Runs one bidirectional sync pass between a local directory and the configured server. Conflicts are listed, never auto-resolved; any conflict makes the command exit non-zero.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		namespace, _ := cmd.Flags().GetString("namespace")
		if namespace == "" {
			return fmt.Errorf("--namespace is required")
		}
		watch, _ := cmd.Flags().GetString("watch")

		if watch == "" {
			return runSyncPass(root, namespace)
		}

		scheduler := cron.New()
		if _, err := scheduler.AddFunc(watch, func() {
			if err := runSyncPass(root, namespace); err != nil {
				slog.Error("Scheduled sync pass failed", "root", root, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid --watch schedule %q: %w", watch, err)
		}

		handler := NewSignalHandler(cmd.Context())
		handler.Start()
		defer handler.Stop()

		slog.Info("Watching", "root", root, "namespace", namespace, "schedule", watch)
		scheduler.Start()
		<-handler.ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	},
}

// runSyncPass executes one flock-guarded pass and prints the report.
func runSyncPass(root, namespace string) error {
	stateDir := syncStateDir(root)
	lock, err := lockfile.Acquire(stateDir, "sync", lockConfig())
	if err != nil {
		return err
	}
	defer lock.Release()

	engine, cleanup, err := buildEngine(root, namespace, stateDir)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := engine.Sync(context.Background())
	if err != nil {
		return err
	}
	printReport(root, report)

	if n := len(report.Conflicts); n > 0 {
		return fmt.Errorf("%d conflict(s) need resolution", n)
	}
	return nil
}

// syncStateDir gives each sync root its own index and cache under the
// state path, keyed by a digest of the absolute root.
func syncStateDir(root string) string {
	sum := md5.Sum([]byte(root))
	return filepath.Join(cfg.Sync.StatePath, hex.EncodeToString(sum[:]))
}

func buildEngine(root, namespace, stateDir string) (*syncer.Engine, func(), error) {
	index, err := syncer.LoadIndex(filepath.Join(stateDir, "index.json"))
	if err != nil {
		return nil, nil, err
	}
	cache, err := syncer.NewMD5Cache(filepath.Join(stateDir, "cache.json"), cfg.Sync.CacheSize)
	if err != nil {
		return nil, nil, err
	}

	engine := syncer.NewEngine(newStoreClient(), namespace, root, index, cache, syncer.Options{
		Ignore: cfg.Sync.Ignore,
	})
	cleanup := func() {
		if err := cache.Save(); err != nil {
			slog.Warn("Failed to persist md5 cache", "error", err)
		}
	}
	return engine, cleanup, nil
}

func printReport(root string, report *syncer.Report) {
	if report.NoOp {
		fmt.Println("Already in sync, nothing to do")
		return
	}

	fmt.Printf("Synced %s: %d up, %d down, %d deleted locally, %d deleted remotely, %d unchanged\n",
		root, len(report.Uploaded), len(report.Downloaded),
		len(report.DeletedLocal), len(report.DeletedRemote), report.Unchanged)

	if len(report.Conflicts) == 0 {
		return
	}

	rows := make([][]string, 0, len(report.Conflicts))
	for _, c := range report.Conflicts {
		rows = append(rows, []string{
			c.Path,
			c.Reason,
			shortDigest(c.LocalMD5),
			shortDigest(c.RemoteMD5),
			strconv.FormatInt(c.RemoteVersion, 10),
		})
	}
	fmt.Fprintln(os.Stderr, renderTable([]string{"Path", "Reason", "Local MD5", "Remote MD5", "Remote Version"}, rows))
}

func shortDigest(digest string) string {
	if len(digest) > 8 {
		return digest[:8]
	}
	if digest == "" {
		return "-"
	}
	return digest
}

func init() {
	syncCmd.Flags().String("namespace", "", "manifest-store namespace to sync against")
	syncCmd.Flags().String("watch", "", "cron schedule for repeated passes (e.g. '@every 1m')")
	rootCmd.AddCommand(syncCmd)
}
