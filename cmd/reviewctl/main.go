// reviewctl is the control CLI for reviewd.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"reviewd/internal/config"
	"reviewd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket path (overrides config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "regions":
		path := ""
		if flag.NArg() >= 2 {
			path = flag.Arg(1)
		}
		cmdRegions(path)
	case "dismiss":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: reviewctl dismiss <file> [start end]")
			os.Exit(1)
		}
		cmdDismiss(flag.Arg(1), flag.Args()[2:])
	case "history":
		path := ""
		if flag.NArg() >= 2 {
			path = flag.Arg(1)
		}
		cmdHistory(path)
	case "thresholds":
		cmdThresholds(flag.Args()[1:])
	case "watch":
		cmdWatch()
	case "stop":
		cmdStop()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `reviewctl - Control utility for reviewd

Usage: reviewctl [options] <command> [args]

Commands:
  status                      Show daemon status
  regions [file]              List needs-review regions (all files if omitted)
  dismiss <file> [start end]  Dismiss regions; whole file without a range
  history [file]              Show recent paste/stream detections
  thresholds [key=value ...]  Show or update detection thresholds
  watch                       Stream region changes as they happen
  stop                        Shut the daemon down
  help                        Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path`)
}

func connect() *ipc.Client {
	socket := *socketPath
	if socket == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		socket = cfg.IPC.SocketPath
	}

	c, err := ipc.Dial(socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nIs reviewd running?\n", err)
		os.Exit(1)
	}
	return c
}

func cmdStatus() {
	c := connect()
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		fatal(err)
	}

	fmt.Println("=== reviewd Status ===")
	fmt.Printf("Version:    %s\n", status.Version)
	fmt.Printf("Uptime:     %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Workspace:  %s\n", status.WorkspaceRoot)
	fmt.Println()

	fmt.Printf("Open documents (%d):\n", len(status.OpenDocuments))
	for _, d := range status.OpenDocuments {
		fmt.Printf("  %s\n", d)
	}
	if len(status.OpenDocuments) == 0 {
		fmt.Println("  (none)")
	}
	fmt.Println()

	fmt.Printf("Files with pending regions (%d):\n", len(status.FlaggedFiles))
	for _, f := range status.FlaggedFiles {
		fmt.Printf("  %s\n", f)
	}
	if len(status.FlaggedFiles) == 0 {
		fmt.Println("  (none)")
	}
	fmt.Println()

	fmt.Printf("Watched files: %d\n", status.WatchedFiles)
	if len(status.DetectionCounts) > 0 {
		fmt.Println("Detections recorded:")
		kinds := make([]string, 0, len(status.DetectionCounts))
		for k := range status.DetectionCounts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %-8s %d\n", k, status.DetectionCounts[k])
		}
	}
}

func cmdRegions(path string) {
	c := connect()
	defer c.Close()

	resp, err := c.Regions(path)
	if err != nil {
		fatal(err)
	}

	if len(resp.Documents) == 0 {
		fmt.Println("No needs-review regions.")
		return
	}

	docs := make([]string, 0, len(resp.Documents))
	for d := range resp.Documents {
		docs = append(docs, d)
	}
	sort.Strings(docs)

	for _, doc := range docs {
		fmt.Printf("%s:\n", doc)
		for _, r := range resp.Documents[doc] {
			// 1-based for humans.
			fmt.Printf("  lines %d-%d (%d lines)\n", r.StartLine+1, r.EndLine+1, r.EndLine-r.StartLine+1)
		}
	}
}

func cmdDismiss(path string, rangeArgs []string) {
	c := connect()
	defer c.Close()

	if len(rangeArgs) == 0 {
		if err := c.DismissAll(path); err != nil {
			fatal(err)
		}
		fmt.Printf("Dismissed all regions in %s\n", path)
		return
	}

	if len(rangeArgs) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: reviewctl dismiss <file> [start end]")
		os.Exit(1)
	}
	start, err1 := strconv.Atoi(rangeArgs[0])
	end, err2 := strconv.Atoi(rangeArgs[1])
	if err1 != nil || err2 != nil || start < 1 || end < start {
		fmt.Fprintln(os.Stderr, "start and end must be 1-based line numbers with start <= end")
		os.Exit(1)
	}

	if err := c.Dismiss(path, start-1, end-1); err != nil {
		fatal(err)
	}
	fmt.Printf("Dismissed lines %d-%d in %s\n", start, end, path)
}

func cmdHistory(path string) {
	c := connect()
	defer c.Close()

	resp, err := c.History(path, 50)
	if err != nil {
		fatal(err)
	}

	if len(resp.Detections) == 0 {
		fmt.Println("No detections recorded.")
		return
	}

	fmt.Printf("%-20s %-8s %-12s %-10s %s\n", "Time", "Kind", "Lines", "Chars", "File")
	for _, d := range resp.Detections {
		lines := fmt.Sprintf("%d-%d", d.StartLine+1, d.EndLine+1)
		fmt.Printf("%-20s %-8s %-12s %-10d %s\n",
			d.Timestamp.Format("2006-01-02 15:04:05"), d.Kind, lines, d.CharCount, d.Path)
	}
}

func cmdThresholds(args []string) {
	c := connect()
	defer c.Close()

	cfg, err := c.GetConfig()
	if err != nil {
		fatal(err)
	}

	if len(args) == 0 {
		fmt.Printf("min_paste_lines      = %d\n", cfg.MinPasteLines)
		fmt.Printf("min_streaming_lines  = %d\n", cfg.MinStreamingLines)
		fmt.Printf("typing_speed_cps     = %g\n", cfg.TypingSpeedCPS)
		fmt.Printf("debounce_ms          = %d\n", cfg.DebounceMs)
		fmt.Printf("whole_document_ratio = %g\n", cfg.WholeDocumentRatio)
		return
	}

	for _, arg := range args {
		if err := applyThreshold(cfg, arg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := c.SetConfig(cfg); err != nil {
		fatal(err)
	}
	fmt.Println("Thresholds updated.")
}

func applyThreshold(cfg *ipc.DetectionConfig, arg string) error {
	var key, value string
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			key, value = arg[:i], arg[i+1:]
			break
		}
	}
	if key == "" {
		return fmt.Errorf("expected key=value, got %q", arg)
	}

	switch key {
	case "min_paste_lines":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.MinPasteLines = n
	case "min_streaming_lines":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.MinStreamingLines = n
	case "typing_speed_cps":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.TypingSpeedCPS = f
	case "debounce_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.DebounceMs = n
	case "whole_document_ratio":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.WholeDocumentRatio = f
	default:
		return fmt.Errorf("unknown threshold %q", key)
	}
	return nil
}

func cmdWatch() {
	c := connectWithEvents(func(ev *ipc.Event) {
		if len(ev.Regions) == 0 {
			fmt.Printf("%s  %s: clear\n", time.Now().Format("15:04:05"), ev.Path)
			return
		}
		fmt.Printf("%s  %s:\n", time.Now().Format("15:04:05"), ev.Path)
		for _, r := range ev.Regions {
			fmt.Printf("    lines %d-%d\n", r.StartLine+1, r.EndLine+1)
		}
	})
	defer c.Close()

	if err := c.Subscribe(); err != nil {
		fatal(err)
	}
	fmt.Println("Watching for region changes (Ctrl-C to stop)...")
	if err := c.Listen(); err != nil {
		fatal(err)
	}
}

func connectWithEvents(fn func(*ipc.Event)) *ipc.Client {
	socket := *socketPath
	if socket == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		socket = cfg.IPC.SocketPath
	}

	c, err := ipc.Dial(socket, ipc.WithEventHandler(fn))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nIs reviewd running?\n", err)
		os.Exit(1)
	}
	return c
}

func cmdStop() {
	c := connect()
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		fatal(err)
	}
	fmt.Println("Shutdown requested.")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
