package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/voxrun/internal/daemon"
	"github.com/msageha/voxrun/internal/lifecycle"
	"github.com/msageha/voxrun/internal/maze"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/setup"
	"github.com/msageha/voxrun/internal/status"
	"github.com/msageha/voxrun/internal/uds"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "up":
		runUp(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "visit":
		runVisit(os.Args[2:])
	case "pause":
		sendCommand(uds.CmdPause, nil)
	case "resume":
		sendCommand(uds.CmdResume, nil)
	case "shutdown":
		sendCommand(uds.CmdShutdown, nil)
	case "dead-letters":
		runDeadLetters(os.Args[2:])
	case "room":
		runRoom(os.Args[2:])
	case "version":
		fmt.Printf("voxrun %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	baseDir := requireBaseDir()
	cfg := mustLoadConfig(baseDir)

	d, err := daemon.New(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	var dir, seed string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--seed":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--seed requires a value")
				os.Exit(1)
			}
			i++
			seed = args[i]
		default:
			if dir != "" {
				fmt.Fprintln(os.Stderr, "usage: voxrun setup <project_dir> [--seed <seed>]")
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: voxrun setup <project_dir> [--seed <seed>]")
		os.Exit(1)
	}

	if err := setup.Run(dir, seed); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runUp(args []string) {
	var reset, resetOnly bool
	for _, a := range args {
		switch a {
		case "--reset":
			reset = true
		case "--reset-only":
			reset, resetOnly = true, true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: voxrun up [--reset | --reset-only]\n", a)
			os.Exit(1)
		}
	}

	opts := lifecycle.UpOptions{
		BaseDir:   requireBaseDir(),
		Reset:     reset,
		ResetOnly: resetOnly,
	}
	if err := lifecycle.RunUp(opts); err != nil {
		fmt.Fprintf(os.Stderr, "up: %v\n", err)
		os.Exit(1)
	}
}

func runDown(_ []string) {
	baseDir := requireBaseDir()
	cfg := mustLoadConfig(baseDir)
	if err := lifecycle.RunDown(baseDir, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "down: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: voxrun status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(requireBaseDir(), jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runEnqueue(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: voxrun enqueue <chunk_x> <chunk_z>")
		os.Exit(1)
	}
	x, errX := strconv.Atoi(args[0])
	z, errZ := strconv.Atoi(args[1])
	if errX != nil || errZ != nil {
		fmt.Fprintf(os.Stderr, "enqueue: chunk coordinates must be integers, got %q %q\n", args[0], args[1])
		os.Exit(1)
	}
	sendCommand(uds.CmdEnqueue, uds.EnqueueParams{X: x, Z: z})
}

func runVisit(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: voxrun visit <world_x> <world_z>")
		os.Exit(1)
	}
	x, errX := strconv.ParseFloat(args[0], 64)
	z, errZ := strconv.ParseFloat(args[1], 64)
	if errX != nil || errZ != nil {
		fmt.Fprintf(os.Stderr, "visit: world position must be numeric, got %q %q\n", args[0], args[1])
		os.Exit(1)
	}
	sendCommand(uds.CmdVisit, uds.VisitParams{X: x, Z: z})
}

func runDeadLetters(_ []string) {
	letters, err := daemon.ListDeadLetters(requireBaseDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead-letters: %v\n", err)
		os.Exit(1)
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters.")
		return
	}
	for _, l := range letters {
		id := l.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%-8s  chunk %s  retries=%d  at %s  %s\n",
			id, l.Task.Key(), l.Task.RetryCount, l.DeadLetteredAt, l.Reason)
	}
}

func runRoom(args []string) {
	var coords []int
	seed := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--seed" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--seed requires a value")
				os.Exit(1)
			}
			i++
			seed = args[i]
			continue
		}
		v, err := strconv.Atoi(args[i])
		if err != nil {
			fmt.Fprintf(os.Stderr, "room: invalid coordinate %q\n", args[i])
			os.Exit(1)
		}
		coords = append(coords, v)
	}
	if len(coords) != 2 {
		fmt.Fprintln(os.Stderr, "usage: voxrun room <chunk_x> <chunk_z> [--seed <seed>]")
		os.Exit(1)
	}
	if seed == "" {
		seed = model.DefaultConfig().Game.Seed
		if baseDir := findBaseDir(); baseDir != "" {
			if cfg, err := setup.LoadConfig(baseDir); err == nil {
				seed = cfg.Game.Seed
			}
		}
	}

	layout := maze.GenerateLayout(coords[0], coords[1], seed)
	out, _ := json.MarshalIndent(struct {
		maze.Layout
		Digest string `json:"digest"`
	}{layout, layout.Digest()}, "", "  ")
	fmt.Println(string(out))
}

func sendCommand(command string, params any) {
	client := uds.NewClient(filepath.Join(requireBaseDir(), uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func findBaseDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return setup.FindDir(dir)
}

func requireBaseDir() string {
	baseDir := findBaseDir()
	if baseDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'voxrun setup <dir>' first.\n", setup.DirName)
		os.Exit(1)
	}
	return baseDir
}

func mustLoadConfig(baseDir string) model.Config {
	cfg, err := setup.LoadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `voxrun %s - chunk tokenization daemon for the voxel runner

Usage: voxrun <command> [options]

Lifecycle:
  setup <dir> [--seed <seed>]   Initialize .voxrun/ directory
  up [--reset | --reset-only]   Recover state and start the daemon
  down                          Graceful shutdown, waits for exit
  status [--json]               Show daemon and queue status

Queue (CLI -> Daemon):
  enqueue <x> <z>               Enqueue a chunk by chunk coordinates
  visit <wx> <wz>               Report a player position in world coordinates
  pause                         Stop starting new submissions
  resume                        Resume submissions
  shutdown                      Ask the daemon to stop (no wait)

Inspection:
  dead-letters                  List abandoned chunks
  room <x> <z> [--seed <seed>]  Print the deterministic layout of a chunk

Internal:
  daemon                        Run daemon process in the foreground

  version                       Show version
  help                          Show this help

`, version)
}
