//go:build !windows

package updater

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Restart restarts the agent process so the committed version takes
// effect. It tries the platform service manager first and falls back to
// re-executing the current binary.
func Restart() error {
	if err := restartSystemd(); err == nil {
		return nil
	}

	if err := restartLaunchd(); err == nil {
		return nil
	}

	return restartExec()
}

func restartSystemd() error {
	cmd := exec.Command("systemctl", "restart", "alpha-agent")
	return cmd.Run()
}

func restartLaunchd() error {
	cmd := exec.Command("launchctl", "kickstart", "-k", "system/com.alpha.agent")
	return cmd.Run()
}

func restartExec() error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	args := []string{binary, "run"}
	env := os.Environ()

	return syscall.Exec(binary, args, env)
}
