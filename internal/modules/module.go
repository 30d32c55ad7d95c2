// Package modules defines the agent's pluggable feature modules and the
// registry that builds them by name.
package modules

import (
	"context"

	"github.com/alpha-agent/agent/internal/config"
	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/logging"
)

var log = logging.L("modules")

// Module is a compiled-in agent feature. The agent calls Init once at
// startup, Tick on every loop interval, Run for single-execution mode,
// and Cleanup at shutdown.
type Module interface {
	Name() string
	Init(ctx context.Context) error
	Tick(ctx context.Context)
	Run(ctx context.Context) error
	Cleanup() error
}

// Deps carries what module constructors may need.
type Deps struct {
	Config *config.Config
	Health *health.Monitor
}

// Factory constructs a module instance.
type Factory func(deps Deps) Module
