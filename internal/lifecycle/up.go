package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/voxrun/internal/lock"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/setup"
	"github.com/msageha/voxrun/internal/uds"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

// UpOptions holds configuration for the 'voxrun up' command.
type UpOptions struct {
	BaseDir   string
	Reset     bool
	ResetOnly bool // --reset without starting the daemon

	// ReadyTimeout bounds the wait for the daemon's first ping. Zero means 10s.
	ReadyTimeout time.Duration
	// Executable overrides os.Executable() for the spawned daemon.
	Executable string
}

// RunUp executes the 'voxrun up' command.
func RunUp(opts UpOptions) error {
	if opts.Reset {
		if err := resetState(opts.BaseDir); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Println("State reset complete.")
		if opts.ResetOnly {
			return nil
		}
	}

	if err := startupRecovery(opts.BaseDir); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	if err := startDaemon(opts.Executable, opts.BaseDir); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := waitReady(filepath.Join(opts.BaseDir, uds.DefaultSocketName), timeout); err != nil {
		return err
	}

	fmt.Println("voxrun daemon is up.")
	return nil
}

// resetState clears inbox files, dead letters and metrics. The persisted queue
// and the quarantine directory are kept.
func resetState(baseDir string) error {
	socketPath := filepath.Join(baseDir, uds.DefaultSocketName)
	if _, err := os.Stat(socketPath); err == nil {
		client := uds.NewClient(socketPath)
		client.SetTimeout(5 * time.Second)
		if err := client.Call(uds.CmdShutdown, nil, nil); err == nil {
			waitGone(socketPath, 30*time.Second)
		}
	}

	if err := clearYAMLFiles(filepath.Join(baseDir, "inbox")); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	if err := clearAllFiles(filepath.Join(baseDir, "dead_letters")); err != nil {
		return fmt.Errorf("clear dead_letters: %w", err)
	}

	metricsPath := filepath.Join(baseDir, "state", "metrics.yaml")
	if err := yamlutil.AtomicWrite(metricsPath, &model.Metrics{
		SchemaVersion: 1,
		FileType:      yamlutil.FileTypeStateMetrics,
	}); err != nil {
		return fmt.Errorf("reset metrics: %w", err)
	}
	_ = os.Remove(metricsPath + ".bak")
	_ = os.Remove(filepath.Join(baseDir, "dashboard.md"))
	return nil
}

// startupRecovery ensures directory structure and file integrity.
func startupRecovery(baseDir string) error {
	for _, d := range setup.Dirs {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}

	fl := lock.NewFileLock(lock.DaemonLockPath(baseDir))
	if err := fl.TryLock(); err != nil {
		return fmt.Errorf("daemon lock check: another instance may be running: %w", err)
	}
	_ = fl.Unlock()

	validateAndRecoverYAML(baseDir)
	return nil
}

// validateAndRecoverYAML quarantines inbox and dead letter files with a bad
// schema header and restores state/metrics.yaml from its backup when corrupt.
func validateAndRecoverYAML(baseDir string) {
	for _, d := range []struct {
		dir      string
		fileType string
	}{
		{filepath.Join(baseDir, "inbox"), yamlutil.FileTypeChunkDiscovery},
		{filepath.Join(baseDir, "dead_letters"), yamlutil.FileTypeDeadLetter},
	} {
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !isYAML(name) {
				continue
			}
			path := filepath.Join(d.dir, name)
			if err := yamlutil.ValidateSchemaHeader(path, d.fileType); err != nil {
				fmt.Printf("Warning: corrupt YAML detected: %s (%v)\n", path, err)
				if _, qErr := yamlutil.Quarantine(baseDir, path); qErr != nil {
					fmt.Printf("Warning: quarantine failed for %s: %v\n", path, qErr)
				}
			}
		}
	}

	metricsPath := filepath.Join(baseDir, "state", "metrics.yaml")
	if _, err := os.Stat(metricsPath); err != nil {
		return
	}
	if err := yamlutil.ValidateSchemaHeader(metricsPath, yamlutil.FileTypeStateMetrics); err != nil {
		fmt.Printf("Warning: corrupt YAML detected: %s (%v)\n", metricsPath, err)
		if _, recErr := yamlutil.RecoverCorruptedFile(baseDir, metricsPath, yamlutil.FileTypeStateMetrics); recErr != nil {
			fmt.Printf("Warning: recovery failed for %s: %v\n", metricsPath, recErr)
		}
	}
}

// startDaemon starts `voxrun daemon` as a background process in the
// directory that owns baseDir.
func startDaemon(execPath, baseDir string) error {
	if execPath == "" {
		var err error
		execPath, err = os.Executable()
		if err != nil {
			execPath = "voxrun"
		}
	}
	cmd := exec.Command(execPath, "daemon")
	cmd.Dir = filepath.Dir(baseDir)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// waitReady pings the daemon until it answers or timeout elapses.
func waitReady(socketPath string, timeout time.Duration) error {
	client := uds.NewClient(socketPath)
	client.SetTimeout(time.Second)
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = client.Ping(); lastErr == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon not ready after %v: %w", timeout, lastErr)
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// clearYAMLFiles removes all .yaml files in a directory.
func clearYAMLFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// clearAllFiles removes all files in a directory (non-recursive).
func clearAllFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
