package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alpha-agent/agent/internal/agent"
	"github.com/alpha-agent/agent/internal/config"
	"github.com/alpha-agent/agent/internal/logging"
	"github.com/alpha-agent/agent/internal/state"
	"github.com/alpha-agent/agent/internal/updater"
)

var (
	version   = "1.0.1"
	cfgFile   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "alpha-agent",
	Short: "Alpha self-updating agent",
	Long:  `Alpha Agent - a self-updating agent that keeps itself and its feature modules current from an update server`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent loop",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run one update check and one module pass, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		runOnce()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for and apply an update, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		runCheck()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Alpha Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed version and configuration",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/alpha-agent/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "update manifest URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	cfg.Validate()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	return cfg
}

func newAgent(cfg *config.Config) *agent.Agent {
	a, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(1)
	}
	return a
}

func runAgent() {
	cfg := loadConfig()
	a := newAgent(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Agent exited with error: %v\n", err)
		os.Exit(1)
	}
}

func runOnce() {
	cfg := loadConfig()
	a := newAgent(cfg)

	restart, err := a.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
	if restart {
		fmt.Println("Update applied, restart the agent to use the new version.")
	}
}

// runCheck performs one update attempt and prints a one-line outcome.
// The exit code is non-zero only for fatal failures; retriable ones are
// expected to resolve on a later run.
func runCheck() {
	cfg := loadConfig()
	a := newAgent(cfg)

	result := a.Check(context.Background())
	switch result.Status {
	case updater.StatusUpdated:
		fmt.Printf("updated: %s -> %s (restart required)\n", result.FromVersion, result.ToVersion)
	case updater.StatusUpToDate:
		if result.Reason != "" {
			fmt.Printf("no update: %s\n", result.Reason)
		} else {
			fmt.Printf("no update: version %s is current\n", result.FromVersion)
		}
	case updater.StatusRetry:
		fmt.Printf("failed (will retry): %s\n", result.Reason)
	case updater.StatusFatal:
		fmt.Printf("fatal: %s\n", result.Reason)
		os.Exit(1)
	}
}

func showStatus() {
	cfg := loadConfig()

	installed, err := state.NewStore(cfg.StateFile).Load()
	if err != nil {
		fmt.Printf("Status: installation state unreadable (%v)\n", err)
		return
	}

	fmt.Printf("Version: %s\n", installed.Version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Printf("Install root: %s\n", cfg.InstallRoot)
	if !installed.LastUpdate.IsZero() {
		fmt.Printf("Last update: %s\n", installed.LastUpdate.Format("2006-01-02 15:04:05 MST"))
	}
	if len(installed.ModulesEnabled) > 0 {
		fmt.Printf("Modules: %v\n", installed.ModulesEnabled)
	} else {
		fmt.Printf("Modules: %v\n", cfg.EnabledModules)
	}
}
