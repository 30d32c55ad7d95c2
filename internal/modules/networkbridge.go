package modules

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/logging"
)

// NetworkBridge maintains relay connections for bandwidth sharing.
type NetworkBridge struct {
	log       *slog.Logger
	serverURL string
	health    *health.Monitor

	mu          sync.Mutex
	enabled     bool
	connections int
}

func newNetworkBridge(deps Deps) *NetworkBridge {
	return &NetworkBridge{
		log:       logging.WithModule(log, "network_bridge"),
		serverURL: deps.Config.ServerURL,
		health:    deps.Health,
	}
}

func (b *NetworkBridge) Name() string { return "network_bridge" }

func (b *NetworkBridge) Init(ctx context.Context) error {
	b.log.Info("network bridge initializing")
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	if b.health != nil {
		b.health.Update("network_bridge", health.Healthy, "")
	}
	b.log.Info("network bridge initialized")
	return nil
}

func (b *NetworkBridge) Tick(ctx context.Context) {
	b.mu.Lock()
	enabled, conns := b.enabled, b.connections
	b.mu.Unlock()
	if !enabled {
		return
	}
	b.log.Debug("network bridge tick", "connections", conns)
}

// Run probes connectivity to the configured server once.
func (b *NetworkBridge) Run(ctx context.Context) error {
	b.mu.Lock()
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled {
		b.log.Warn("network bridge not initialized")
		return nil
	}

	host, err := bridgeTarget(b.serverURL)
	if err != nil {
		b.log.Warn("cannot determine connectivity target", logging.KeyError, err)
		return nil
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		b.log.Warn("connectivity probe failed", "target", host, logging.KeyError, err)
		if b.health != nil {
			b.health.Update("network_bridge", health.Degraded, err.Error())
		}
		return nil
	}
	conn.Close()
	b.log.Info("connectivity probe ok", "target", host)
	if b.health != nil {
		b.health.Update("network_bridge", health.Healthy, "")
	}
	return nil
}

func (b *NetworkBridge) Cleanup() error {
	b.mu.Lock()
	b.enabled = false
	b.connections = 0
	b.mu.Unlock()
	b.log.Info("network bridge stopped")
	return nil
}

// bridgeTarget derives a host:port dial target from a server URL.
func bridgeTarget(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return host, nil
}
