package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var knownModules = map[string]bool{
	"network_bridge": true,
	"disk_share":     true,
	"resource_pool":  true,
	"coordinator":    true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	for _, field := range []struct {
		name, value string
	}{
		{"server_url", c.ServerURL},
		{"coordinator_url", c.CoordinatorURL},
	} {
		if field.value == "" {
			continue
		}
		u, err := url.Parse(field.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a valid URL: %w", field.name, field.value, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("%s scheme must be http or https, got %q", field.name, u.Scheme))
		}
	}

	// Clamp intervals to safe range to prevent panics (e.g. rand.Int64N(0))
	if c.CheckIntervalSeconds < 10 {
		errs = append(errs, fmt.Errorf("check_interval_seconds %d is below minimum 10, clamping", c.CheckIntervalSeconds))
		c.CheckIntervalSeconds = 10
	} else if c.CheckIntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("check_interval_seconds %d exceeds maximum 86400, clamping", c.CheckIntervalSeconds))
		c.CheckIntervalSeconds = 86400
	}

	if c.TickIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("tick_interval_seconds %d is below minimum 1, clamping", c.TickIntervalSeconds))
		c.TickIntervalSeconds = 1
	} else if c.TickIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("tick_interval_seconds %d exceeds maximum 3600, clamping", c.TickIntervalSeconds))
		c.TickIntervalSeconds = 3600
	}

	if c.DownloadMarginMB < 1 {
		errs = append(errs, fmt.Errorf("download_margin_mb %d is below minimum 1, clamping", c.DownloadMarginMB))
		c.DownloadMarginMB = 1
	} else if c.DownloadMarginMB > 1024 {
		errs = append(errs, fmt.Errorf("download_margin_mb %d exceeds maximum 1024, clamping", c.DownloadMarginMB))
		c.DownloadMarginMB = 1024
	}

	if c.BackupRetention < 1 {
		errs = append(errs, fmt.Errorf("backup_retention %d is below minimum 1, clamping", c.BackupRetention))
		c.BackupRetention = 1
	} else if c.BackupRetention > 50 {
		errs = append(errs, fmt.Errorf("backup_retention %d exceeds maximum 50, clamping", c.BackupRetention))
		c.BackupRetention = 50
	}

	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks %d is below minimum 1, clamping", c.MaxConcurrentTasks))
		c.MaxConcurrentTasks = 1
	} else if c.MaxConcurrentTasks > 100 {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks %d exceeds maximum 100, clamping", c.MaxConcurrentTasks))
		c.MaxConcurrentTasks = 100
	}

	if c.TaskQueueSize < 1 {
		errs = append(errs, fmt.Errorf("task_queue_size %d is below minimum 1, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 1
	} else if c.TaskQueueSize > 10000 {
		errs = append(errs, fmt.Errorf("task_queue_size %d exceeds maximum 10000, clamping", c.TaskQueueSize))
		c.TaskQueueSize = 10000
	}

	for _, name := range c.EnabledModules {
		if !knownModules[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("unknown module %q", name))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
