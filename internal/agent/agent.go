// Package agent wires the updater, modules, and health monitoring into
// the long-running agent process.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/alpha-agent/agent/internal/backup"
	"github.com/alpha-agent/agent/internal/backup/providers"
	"github.com/alpha-agent/agent/internal/config"
	"github.com/alpha-agent/agent/internal/fetch"
	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/logging"
	"github.com/alpha-agent/agent/internal/modules"
	"github.com/alpha-agent/agent/internal/state"
	"github.com/alpha-agent/agent/internal/updater"
)

var log = logging.L("agent")

// Agent owns the update manager and the loaded feature modules.
type Agent struct {
	cfg     *config.Config
	store   *state.Store
	updates *updater.Manager
	monitor *health.Monitor
	loaded  []modules.Module
}

// New builds an Agent from its configuration.
func New(cfg *config.Config) (*Agent, error) {
	store := state.NewStore(cfg.StateFile)
	installed, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load installation state: %w", err)
	}

	backups := backup.NewManager(
		providers.NewLocalProvider(cfg.BackupDir),
		cfg.InstallRoot,
		[]string{"."},
	)

	fetcher := fetch.NewFetcher(cfg.ServerURL)
	if cfg.DownloadMarginMB > 0 {
		fetcher.SetSizeMargin(int64(cfg.DownloadMarginMB) * 1024 * 1024)
	}

	updates := updater.New(updater.Config{
		Fetcher:     fetcher,
		Backups:     backups,
		Store:       store,
		InstallRoot: cfg.InstallRoot,
		ServerURL:   cfg.ServerURL,
		Retention:   cfg.BackupRetention,
	})

	monitor := health.NewMonitor()

	// The last committed update decides which modules run; the config
	// list is the initial set before any update has been applied.
	enabled := cfg.EnabledModules
	if len(installed.ModulesEnabled) > 0 {
		enabled = installed.ModulesEnabled
	}

	return &Agent{
		cfg:     cfg,
		store:   store,
		updates: updates,
		monitor: monitor,
		loaded:  modules.Build(enabled, modules.Deps{Config: cfg, Health: monitor}),
	}, nil
}

// Health returns the agent's health monitor.
func (a *Agent) Health() *health.Monitor { return a.monitor }

// Check runs a single update attempt.
func (a *Agent) Check(ctx context.Context) *updater.Result {
	result := a.updates.CheckAndApply(ctx)
	switch result.Status {
	case updater.StatusFatal:
		a.monitor.Update("updater", health.Unhealthy, result.Reason)
	case updater.StatusRetry:
		a.monitor.Update("updater", health.Degraded, result.Reason)
	default:
		a.monitor.Update("updater", health.Healthy, "")
	}
	return result
}

// Run is the main loop: periodic module ticks and update checks until
// ctx is cancelled. When an update commits, the loop shuts the modules
// down and restarts the process.
func (a *Agent) Run(ctx context.Context) error {
	installed, err := a.store.Load()
	if err != nil {
		return err
	}
	log.Info("agent starting", logging.KeyVersion, installed.Version)

	a.initModules(ctx)
	defer a.cleanupModules()

	tick := time.NewTicker(time.Duration(a.cfg.TickIntervalSeconds) * time.Second)
	defer tick.Stop()
	check := time.NewTicker(time.Duration(a.cfg.CheckIntervalSeconds) * time.Second)
	defer check.Stop()

	// One check right away; a freshly started agent should not wait a
	// full interval to learn it is stale.
	if restart := a.checkOnce(ctx); restart {
		return a.restart()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("agent stopping")
			return nil

		case <-tick.C:
			for _, module := range a.loaded {
				module.Tick(ctx)
			}

		case <-check.C:
			if restart := a.checkOnce(ctx); restart {
				return a.restart()
			}
		}
	}
}

// RunOnce performs one update check and one single-execution pass over
// the modules. It reports whether an update was applied so the caller
// can restart.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	installed, err := a.store.Load()
	if err != nil {
		return false, err
	}
	log.Info("single run starting", logging.KeyVersion, installed.Version)

	result := a.Check(ctx)
	if result.Status == updater.StatusFatal {
		return false, fmt.Errorf("update check failed fatally: %s", result.Reason)
	}
	if result.RestartRequired {
		log.Info("update applied, restart required", logging.KeyVersion, result.ToVersion)
		return true, nil
	}

	a.initModules(ctx)
	defer a.cleanupModules()

	for _, module := range a.loaded {
		log.Info("running module", "module", module.Name())
		if err := module.Run(ctx); err != nil {
			log.Error("module run failed", "module", module.Name(), logging.KeyError, err)
		}
	}
	return false, nil
}

func (a *Agent) checkOnce(ctx context.Context) bool {
	result := a.Check(ctx)
	switch result.Status {
	case updater.StatusUpdated:
		log.Info("update applied", "from", result.FromVersion, "to", result.ToVersion)
		return result.RestartRequired
	case updater.StatusRetry:
		log.Warn("update attempt failed, will retry", "reason", result.Reason)
	case updater.StatusFatal:
		log.Error("update attempts disabled", "reason", result.Reason)
	}
	return false
}

func (a *Agent) restart() error {
	a.cleanupModules()
	log.Info("restarting to pick up new version")
	return updater.Restart()
}

func (a *Agent) initModules(ctx context.Context) {
	active := a.loaded[:0]
	for _, module := range a.loaded {
		if err := module.Init(ctx); err != nil {
			log.Error("module init failed, disabling", "module", module.Name(), logging.KeyError, err)
			continue
		}
		active = append(active, module)
	}
	a.loaded = active
	log.Info("modules loaded", "count", len(a.loaded))
}

func (a *Agent) cleanupModules() {
	for i := len(a.loaded) - 1; i >= 0; i-- {
		module := a.loaded[i]
		if err := module.Cleanup(); err != nil {
			log.Warn("module cleanup failed", "module", module.Name(), logging.KeyError, err)
		}
	}
	a.loaded = nil
}
