// Package status implements `voxrun status`.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/voxrun/internal/lock"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/uds"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

type Report struct {
	Daemon      DaemonState         `json:"daemon"`
	Live        *model.DaemonStatus `json:"live,omitempty"`
	LastMetrics *model.Metrics      `json:"last_metrics,omitempty"`
	DeadLetters int                 `json:"dead_letter_files"`
}

type DaemonState struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Run collects the status of the daemon owning baseDir and prints it.
func Run(baseDir string, jsonOutput bool) error {
	return Write(os.Stdout, Collect(baseDir), jsonOutput)
}

// Collect asks the daemon for its live status. When the daemon is down it
// falls back to the last state/metrics.yaml it wrote.
func Collect(baseDir string) Report {
	var r Report

	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)
	var live model.DaemonStatus
	if err := client.Call(uds.CmdStatus, nil, &live); err == nil {
		r.Daemon = DaemonState{Running: true, PID: live.PID}
		r.Live = &live
	} else {
		r.LastMetrics = readMetrics(baseDir)
		if pid, err := lock.ReadHolder(lock.DaemonLockPath(baseDir)); err == nil {
			r.Daemon.PID = pid
		}
	}

	r.DeadLetters = countYAML(filepath.Join(baseDir, "dead_letters"))
	return r
}

func readMetrics(baseDir string) *model.Metrics {
	path := filepath.Join(baseDir, "state", "metrics.yaml")
	if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeStateMetrics); err != nil {
		return nil
	}
	var m model.Metrics
	if err := yamlutil.ReadFile(path, &m); err != nil {
		return nil
	}
	return &m
}

func countYAML(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

// Write renders r as indented JSON or as text.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printStatus(w, r)
	return nil
}

func printStatus(w io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	case r.Daemon.PID > 0:
		fmt.Fprintf(w, "Daemon: not responding (lock held by pid %d)\n", r.Daemon.PID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	var q *model.QueueStatus
	switch {
	case r.Live != nil:
		q = &r.Live.Queue
		if r.Live.Identity != "" {
			fmt.Fprintf(w, "Identity: %s\n", r.Live.Identity)
		} else {
			fmt.Fprintln(w, "Identity: loading")
		}
		fmt.Fprintf(w, "Uptime: %s\n", time.Since(r.Live.StartedAt).Truncate(time.Second))
	case r.LastMetrics != nil:
		q = &r.LastMetrics.Queue
		if hb := r.LastMetrics.DaemonHeartbeat; hb != nil {
			fmt.Fprintf(w, "Last heartbeat: %s\n", *hb)
		}
	}

	if q != nil {
		fmt.Fprintf(w, "\nQueue: %s\n", queueState(*q, r.Live != nil))
		fmt.Fprintf(w, "  %-12s %d\n", "queued", q.Queued)
		fmt.Fprintf(w, "  %-12s %d/%d", "in flight", len(q.InFlight), q.MaxConcurrent)
		if len(q.InFlight) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(q.InFlight, " "))
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %-12s %d\n", "retrying", q.Retrying)
		fmt.Fprintf(w, "  %-12s %d\n", "processed", q.Processed)
		fmt.Fprintf(w, "  %-12s %d\n", "retried", q.Retried)
		fmt.Fprintf(w, "  %-12s %d\n", "failed", q.Failed)
		if q.LastError != "" {
			fmt.Fprintf(w, "  %-12s %s\n", "last error", q.LastError)
		}
	}

	if r.Live != nil {
		fmt.Fprintf(w, "\nDiscovered: %d  Inbox files: %d\n", r.Live.Discovered, r.Live.InboxFiles)
	}
	fmt.Fprintf(w, "Dead letters: %d\n", r.DeadLetters)
}

func queueState(q model.QueueStatus, live bool) string {
	switch {
	case !live:
		return "stopped"
	case q.Paused:
		return "paused"
	case !q.Ready:
		return "starting"
	default:
		return "running"
	}
}
