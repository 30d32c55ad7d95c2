package modules

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/logging"
)

// DiskShare exposes a local directory for distributed storage sharing.
type DiskShare struct {
	log    *slog.Logger
	health *health.Monitor

	sharedPath string
	enabled    bool
}

func newDiskShare(deps Deps) *DiskShare {
	return &DiskShare{
		log:    logging.WithModule(log, "disk_share"),
		health: deps.Health,
	}
}

func (d *DiskShare) Name() string { return "disk_share" }

func (d *DiskShare) Init(ctx context.Context) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	d.sharedPath = filepath.Join(home, ".alpha-agent", "shared_storage")
	if err := os.MkdirAll(d.sharedPath, 0o755); err != nil {
		return err
	}
	d.enabled = true
	if d.health != nil {
		d.health.Update("disk_share", health.Healthy, "")
	}
	d.log.Info("disk share initialized", "path", d.sharedPath)
	return nil
}

func (d *DiskShare) Tick(ctx context.Context) {
	if !d.enabled {
		return
	}
	d.log.Debug("disk share monitoring storage", "path", d.sharedPath)
}

// Run reports how much space the shared directory's filesystem has left.
func (d *DiskShare) Run(ctx context.Context) error {
	if !d.enabled {
		d.log.Warn("disk share not initialized")
		return nil
	}

	usage, err := disk.UsageWithContext(ctx, d.sharedPath)
	if err != nil {
		d.log.Warn("storage check failed", logging.KeyError, err)
		if d.health != nil {
			d.health.Update("disk_share", health.Degraded, err.Error())
		}
		return nil
	}

	d.log.Info("storage check complete",
		"path", d.sharedPath,
		"free_gb", float64(usage.Free)/(1<<30),
		"used_percent", usage.UsedPercent,
	)
	if d.health != nil {
		status := health.Healthy
		if usage.UsedPercent > 95 {
			status = health.Degraded
		}
		d.health.Update("disk_share", status, "")
	}
	return nil
}

func (d *DiskShare) Cleanup() error {
	d.enabled = false
	d.log.Info("disk share stopped")
	return nil
}
