package modules

import (
	"context"
	"log/slog"
	"time"

	"github.com/alpha-agent/agent/internal/coordinator"
	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/logging"
	"github.com/alpha-agent/agent/internal/workerpool"
)

const heartbeatInterval = 30 * time.Second

// CoordinatorModule connects the agent to the coordination server:
// heartbeats and task polling on every tick, pushed tasks over the
// stream, execution on a bounded worker pool.
type CoordinatorModule struct {
	log    *slog.Logger
	health *health.Monitor

	client *coordinator.Client
	stream *coordinator.Stream
	pool   *workerpool.Pool

	lastHeartbeat time.Time
	enabled       bool
}

func newCoordinatorModule(deps Deps) *CoordinatorModule {
	m := &CoordinatorModule{
		log:    logging.WithModule(log, "coordinator"),
		health: deps.Health,
	}
	if deps.Config.CoordinatorURL == "" {
		return m
	}

	agentID := deps.Config.AgentID
	if agentID == "" {
		agentID = DeriveAgentID()
	}

	m.client = coordinator.NewClient(deps.Config.CoordinatorURL, agentID, "")
	if deps.Health != nil {
		m.client.SetHealthSource(deps.Health.Summary)
	}
	m.pool = workerpool.New(deps.Config.MaxConcurrentTasks, deps.Config.TaskQueueSize)
	m.stream = coordinator.NewStream(deps.Config.CoordinatorURL, agentID, func(task coordinator.Task) coordinator.TaskResult {
		return m.client.Execute(context.Background(), task)
	})
	return m
}

func (m *CoordinatorModule) Name() string { return "coordinator" }

func (m *CoordinatorModule) Init(ctx context.Context) error {
	if m.client == nil {
		m.log.Warn("no coordinator url configured, module disabled")
		return nil
	}

	if err := m.client.Register(ctx); err != nil {
		// Registration is retried from Tick; the coordinator may simply
		// not be up yet.
		m.log.Warn("initial registration failed, will retry", logging.KeyError, err)
		if m.health != nil {
			m.health.Update("coordinator", health.Degraded, err.Error())
		}
	} else {
		m.enabled = true
		if m.health != nil {
			m.health.Update("coordinator", health.Healthy, "")
		}
	}

	go m.stream.Start()
	return nil
}

func (m *CoordinatorModule) Tick(ctx context.Context) {
	if m.client == nil {
		return
	}

	if !m.enabled {
		if err := m.client.Register(ctx); err != nil {
			m.log.Debug("registration retry failed", logging.KeyError, err)
			return
		}
		m.enabled = true
		if m.health != nil {
			m.health.Update("coordinator", health.Healthy, "")
		}
	}

	if time.Since(m.lastHeartbeat) > heartbeatInterval {
		if err := m.client.Heartbeat(ctx); err != nil {
			m.log.Debug("heartbeat failed", logging.KeyError, err)
			if m.health != nil {
				m.health.Update("coordinator", health.Degraded, err.Error())
			}
		} else if m.health != nil {
			m.health.Update("coordinator", health.Healthy, "")
		}
		m.lastHeartbeat = time.Now()
	}

	m.pollTasks(ctx)
}

func (m *CoordinatorModule) pollTasks(ctx context.Context) {
	task, err := m.client.NextTask(ctx)
	if err != nil {
		m.log.Debug("task poll failed", logging.KeyError, err)
		return
	}
	if task == nil {
		return
	}

	queued := m.pool.Submit(func() {
		result := m.client.Execute(context.Background(), *task)
		if err := m.client.SubmitResult(context.Background(), result); err != nil {
			m.log.Error("failed to submit task result",
				logging.KeyTaskID, task.ID, logging.KeyError, err)
		}
	})
	if !queued {
		m.log.Warn("task queue full, dropping task", logging.KeyTaskID, task.ID)
	}
}

// Run registers, heartbeats, and drains at most one task.
func (m *CoordinatorModule) Run(ctx context.Context) error {
	if m.client == nil {
		m.log.Warn("no coordinator url configured")
		return nil
	}

	if err := m.client.Register(ctx); err != nil {
		m.log.Warn("registration failed", logging.KeyError, err)
		return nil
	}
	if err := m.client.Heartbeat(ctx); err != nil {
		m.log.Warn("heartbeat failed", logging.KeyError, err)
	}

	task, err := m.client.NextTask(ctx)
	if err != nil || task == nil {
		return nil
	}
	result := m.client.Execute(ctx, *task)
	if err := m.client.SubmitResult(ctx, result); err != nil {
		m.log.Error("failed to submit task result", logging.KeyTaskID, task.ID, logging.KeyError, err)
	}
	return nil
}

func (m *CoordinatorModule) Cleanup() error {
	if m.client == nil {
		return nil
	}

	m.stream.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.pool.Drain(ctx)

	if err := m.client.Unregister(ctx); err != nil {
		m.log.Warn("unregister failed", logging.KeyError, err)
	}
	m.log.Info("coordinator module stopped")
	return nil
}
