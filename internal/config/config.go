package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	AgentID              string   `mapstructure:"agent_id"`
	ServerURL            string   `mapstructure:"server_url"`
	CoordinatorURL       string   `mapstructure:"coordinator_url"`
	InstallRoot          string   `mapstructure:"install_root"`
	StateFile            string   `mapstructure:"state_file"`
	BackupDir            string   `mapstructure:"backup_dir"`
	BackupRetention      int      `mapstructure:"backup_retention"`
	CheckIntervalSeconds int      `mapstructure:"check_interval_seconds"`
	TickIntervalSeconds  int      `mapstructure:"tick_interval_seconds"`
	DownloadMarginMB     int      `mapstructure:"download_margin_mb"`
	EnabledModules       []string `mapstructure:"enabled_modules"`
	MaxConcurrentTasks   int      `mapstructure:"max_concurrent_tasks"`
	TaskQueueSize        int      `mapstructure:"task_queue_size"`
	LogLevel             string   `mapstructure:"log_level"`
	LogFormat            string   `mapstructure:"log_format"`
}

func Default() *Config {
	root := defaultInstallRoot()
	return &Config{
		// ServerURL is the manifest itself; the agent fetches it verbatim.
		ServerURL:            "http://localhost:8000/updates.json",
		InstallRoot:          root,
		StateFile:            filepath.Join(root, "installation_state.json"),
		BackupDir:            defaultBackupDir(),
		BackupRetention:      3,
		CheckIntervalSeconds: 300,
		TickIntervalSeconds:  10,
		DownloadMarginMB:     10,
		EnabledModules:       []string{"network_bridge", "disk_share", "resource_pool"},
		MaxConcurrentTasks:   4,
		TaskQueueSize:        64,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ALPHA")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("agent_id", cfg.AgentID)
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("coordinator_url", cfg.CoordinatorURL)
	viper.Set("install_root", cfg.InstallRoot)
	viper.Set("state_file", cfg.StateFile)
	viper.Set("backup_dir", cfg.BackupDir)
	viper.Set("backup_retention", cfg.BackupRetention)
	viper.Set("check_interval_seconds", cfg.CheckIntervalSeconds)
	viper.Set("tick_interval_seconds", cfg.TickIntervalSeconds)
	viper.Set("download_margin_mb", cfg.DownloadMarginMB)
	viper.Set("enabled_modules", cfg.EnabledModules)
	viper.Set("max_concurrent_tasks", cfg.MaxConcurrentTasks)
	viper.Set("task_queue_size", cfg.TaskQueueSize)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AlphaAgent")
	case "darwin":
		return "/Library/Application Support/AlphaAgent"
	default:
		return "/etc/alpha-agent"
	}
}

func defaultInstallRoot() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AlphaAgent", "install")
	case "darwin":
		return "/Library/Application Support/AlphaAgent/install"
	default:
		return "/opt/alpha-agent"
	}
}

// defaultBackupDir lives outside the install root so snapshots never
// include earlier snapshots.
func defaultBackupDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "AlphaAgent", "backups")
	case "darwin":
		return "/Library/Application Support/AlphaAgent/backups"
	default:
		return "/var/lib/alpha-agent/backups"
	}
}
