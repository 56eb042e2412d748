package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"gopkg.in/yaml.v3"

	"github.com/harunnryd/drover/internal/config"
	"github.com/harunnryd/drover/internal/coordination"
	"github.com/harunnryd/drover/internal/deaddrop"
	"github.com/harunnryd/drover/internal/manifest"
	"github.com/harunnryd/drover/internal/retry"
)

func retryPolicy() retry.Policy {
	base, _ := config.DurationOrDefault(cfg.Retry.BaseDelay, config.DefaultRetryBaseDelay)
	max, _ := config.DurationOrDefault(cfg.Retry.MaxDelay, config.DefaultRetryMaxDelay)
	return retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}
}

func newStoreClient() *manifest.Client {
	return manifest.NewClient(cfg.Sync.ServerURL, retryPolicy(), cfg.Sync.CompressThreshold, cfg.Sync.CompressMinSaving)
}

func newBusClient(namespace string) *deaddrop.Client {
	return deaddrop.NewClient(cfg.Deaddrop.ServerURL, namespace, retryPolicy())
}

func sessionOptions(namespace string) coordination.Options {
	var provisioner coordination.Provisioner = coordination.NopProvisioner{}
	if strings.TrimSpace(cfg.Coordination.ProvisionCommand) != "" {
		provisioner = &coordination.CommandProvisioner{Template: cfg.Coordination.ProvisionCommand}
	}
	return coordination.Options{
		SessionsPath:      cfg.Coordination.SessionsPath,
		Bus:               newBusClient(namespace),
		Provisioner:       provisioner,
		CompressThreshold: cfg.Deaddrop.CompressThreshold,
		ReplayWindow:      cfg.Coordination.ResumeReplayWindow,
	}
}

// openSession loads a session twice: once to learn its namespace, once
// with a bus client bound to it.
func openSession(sessionID string) (*coordination.Session, error) {
	probe, err := coordination.Load(coordination.Options{SessionsPath: cfg.Coordination.SessionsPath}, sessionID)
	if err != nil {
		return nil, err
	}
	return coordination.Load(sessionOptions(probe.Snapshot().Namespace), sessionID)
}

func permissionTimeout() time.Duration {
	d, _ := config.DurationOrDefault(cfg.Coordination.PermissionTimeout, config.DefaultPermissionTimeout)
	return d
}

func healthThreshold() time.Duration {
	d, _ := config.DurationOrDefault(cfg.Coordination.HealthThreshold, config.DefaultHealthThreshold)
	return d
}

func permissionMaxAge() time.Duration {
	d, _ := config.DurationOrDefault(cfg.Coordination.PermissionMaxAge, config.DefaultPermissionMaxAge)
	return d
}

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("99")).
				Bold(true).
				Align(lipgloss.Center).
				Padding(0, 1)
	tableOddRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Padding(0, 1)
	tableEvenRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241")).
				Padding(0, 1)
	tableBorderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("99"))
)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case row%2 == 0:
				return tableEvenRowStyle
			default:
				return tableOddRowStyle
			}
		}).
		Headers(headers...)
	for _, row := range rows {
		t.Row(row...)
	}
	return t.String()
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
