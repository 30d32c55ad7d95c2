package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/alpha-agent/agent/internal/health"
	"github.com/alpha-agent/agent/internal/httputil"
	"github.com/alpha-agent/agent/internal/logging"
)

const reportInterval = 30 * time.Second

// ResourcePool collects hardware inventory and usage and reports it to
// the coordinator so work can be placed on capable agents.
type ResourcePool struct {
	log            *slog.Logger
	health         *health.Monitor
	coordinatorURL string
	client         *http.Client
	retry          httputil.RetryConfig

	agentID    string
	lastReport time.Time
}

func newResourcePool(deps Deps) *ResourcePool {
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = 1
	return &ResourcePool{
		log:            logging.WithModule(log, "resource_pool"),
		health:         deps.Health,
		coordinatorURL: strings.TrimRight(deps.Config.CoordinatorURL, "/"),
		client:         &http.Client{Timeout: 15 * time.Second},
		retry:          retry,
	}
}

func (p *ResourcePool) Name() string { return "resource_pool" }

func (p *ResourcePool) Init(ctx context.Context) error {
	p.agentID = DeriveAgentID()
	p.log.Info("resource pool initializing", "agentId", p.agentID)
	if p.coordinatorURL == "" {
		p.log.Warn("no coordinator url configured, resource reports disabled")
		return nil
	}
	p.report(ctx)
	return nil
}

func (p *ResourcePool) Tick(ctx context.Context) {
	if p.coordinatorURL == "" {
		return
	}
	if time.Since(p.lastReport) < reportInterval {
		return
	}
	p.report(ctx)
}

func (p *ResourcePool) Run(ctx context.Context) error {
	p.log.Info("resource pool single execution")
	if p.coordinatorURL == "" {
		p.log.Warn("no coordinator url configured")
		return nil
	}
	p.report(ctx)
	return nil
}

func (p *ResourcePool) Cleanup() error {
	p.log.Info("resource pool stopped")
	return nil
}

func (p *ResourcePool) report(ctx context.Context) {
	p.lastReport = time.Now()

	resources := p.Collect(ctx)
	payload, err := json.Marshal(resources)
	if err != nil {
		p.log.Error("failed to encode resource report", logging.KeyError, err)
		return
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := httputil.Do(ctx, p.client, http.MethodPost,
		p.coordinatorURL+"/api/resources/report", payload, headers, p.retry)
	if err != nil {
		p.log.Warn("resource report failed", logging.KeyError, err)
		if p.health != nil {
			p.health.Update("resource_pool", health.Degraded, err.Error())
		}
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn("resource report rejected", "status", resp.StatusCode)
		return
	}
	p.log.Debug("resources reported")
	if p.health != nil {
		p.health.Update("resource_pool", health.Healthy, "")
	}
}

// Resources is the inventory payload sent to the coordinator.
type Resources struct {
	AgentID   string         `json:"agent_id"`
	Timestamp int64          `json:"timestamp"`
	CPU       map[string]any `json:"cpu"`
	Memory    map[string]any `json:"memory"`
	Storage   []DiskUsage    `json:"storage"`
	Network   map[string]any `json:"network"`
	System    map[string]any `json:"system"`
}

// DiskUsage summarizes one mounted filesystem.
type DiskUsage struct {
	Device       string  `json:"device"`
	Mountpoint   string  `json:"mountpoint"`
	Fstype       string  `json:"fstype"`
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// Collect gathers the current hardware inventory. Collection errors are
// logged and the affected section left empty; a partial report is still
// worth sending.
func (p *ResourcePool) Collect(ctx context.Context) Resources {
	resources := Resources{
		AgentID:   p.agentID,
		Timestamp: time.Now().Unix(),
		CPU:       map[string]any{},
		Memory:    map[string]any{},
		Network:   map[string]any{},
		System:    map[string]any{},
	}

	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		resources.CPU["cores_physical"] = physical
	}
	if logical, err := cpu.CountsWithContext(ctx, true); err == nil {
		resources.CPU["cores_logical"] = logical
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resources.CPU["usage_percent"] = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resources.Memory["total_gb"] = float64(vm.Total) / (1 << 30)
		resources.Memory["available_gb"] = float64(vm.Available) / (1 << 30)
		resources.Memory["used_gb"] = float64(vm.Used) / (1 << 30)
		resources.Memory["usage_percent"] = vm.UsedPercent
	} else {
		p.log.Debug("memory stats unavailable", logging.KeyError, err)
	}

	if partitions, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, partition := range partitions {
			usage, err := disk.UsageWithContext(ctx, partition.Mountpoint)
			if err != nil {
				continue
			}
			resources.Storage = append(resources.Storage, DiskUsage{
				Device:       partition.Device,
				Mountpoint:   partition.Mountpoint,
				Fstype:       partition.Fstype,
				TotalGB:      float64(usage.Total) / (1 << 30),
				UsedGB:       float64(usage.Used) / (1 << 30),
				FreeGB:       float64(usage.Free) / (1 << 30),
				UsagePercent: usage.UsedPercent,
			})
		}
	}

	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		resources.Network["bytes_sent"] = counters[0].BytesSent
		resources.Network["bytes_recv"] = counters[0].BytesRecv
	}
	if interfaces, err := gopsnet.InterfacesWithContext(ctx); err == nil {
		resources.Network["interfaces"] = len(interfaces)
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		resources.System["platform"] = info.Platform
		resources.System["platform_version"] = info.PlatformVersion
		resources.System["hostname"] = info.Hostname
		resources.System["uptime_seconds"] = info.Uptime
	}
	resources.System["architecture"] = runtime.GOARCH
	resources.System["os"] = runtime.GOOS

	return resources
}

// DeriveAgentID builds a stable identifier from the hostname and the
// first hardware address, so re-registration after restart keeps the
// same identity.
func DeriveAgentID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "agent"
	}

	seed := hostname
	if interfaces, err := net.Interfaces(); err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			seed += "|" + iface.HardwareAddr.String()
			break
		}
	}

	sum := sha256.Sum256([]byte(seed))
	return hostname + "_" + hex.EncodeToString(sum[:])[:8]
}
