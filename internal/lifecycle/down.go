// Package lifecycle starts and stops the background voxrun daemon (up/down).
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/voxrun/internal/lock"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/uds"
)

// RunDown executes the 'voxrun down' command.
func RunDown(baseDir string, cfg model.Config) error {
	socketPath := filepath.Join(baseDir, uds.DefaultSocketName)

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		cleanupStale(baseDir)
		fmt.Println("Daemon is not running.")
		return nil
	}

	client := uds.NewClient(socketPath)
	client.SetTimeout(5 * time.Second)

	resp, err := client.SendCommand(uds.CmdShutdown, nil)
	if err != nil {
		// Socket left behind by a daemon that is gone.
		fmt.Printf("Warning: could not connect to daemon: %v\n", err)
		cleanupStale(baseDir)
		return nil
	}
	if !resp.Success {
		return fmt.Errorf("shutdown request rejected by daemon: %w", resp.Err())
	}

	fmt.Println("Shutdown accepted. Waiting for daemon to stop...")

	timeout := time.Duration(cfg.Daemon.ShutdownTimeoutSec)*time.Second + 5*time.Second
	if !waitGone(socketPath, timeout) {
		fmt.Println("Warning: daemon did not stop within timeout.")
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}

	fmt.Println("voxrun daemon stopped.")
	return nil
}

// waitGone polls until path disappears. It reports whether it did.
func waitGone(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// cleanupStale removes the socket and lock file left by a daemon whose
// process no longer exists. A live holder is left alone.
func cleanupStale(baseDir string) {
	lockPath := lock.DaemonLockPath(baseDir)
	pid, err := lock.ReadHolder(lockPath)
	if err != nil || (pid > 0 && processAlive(pid)) {
		return
	}
	if pid > 0 {
		_ = os.Remove(lockPath)
	}
	_ = os.Remove(filepath.Join(baseDir, uds.DefaultSocketName))
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
