// reviewd is the needs-review tracking daemon.
//
// It receives document events from editor host adapters over a unix
// socket, classifies insertions as pasted or streamed machine output,
// tracks the resulting needs-review regions per file, and persists them
// in a per-workspace manifest so they survive editor restarts.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"reviewd/internal/config"
	"reviewd/internal/ipc"
	"reviewd/internal/logging"
	"reviewd/internal/manifest"
	"reviewd/internal/region"
	"reviewd/internal/store"
	"reviewd/internal/tracker"
	"reviewd/internal/watcher"
)

const version = "0.3.0"

var (
	configPath = flag.String("config", "", "path to config file")
	workspace  = flag.String("workspace", "", "workspace root (default: current directory)")
	socketPath = flag.String("socket", "", "unix socket path (overrides config)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reviewd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logging.New(cfg.Logging, "reviewd")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	root := *workspace
	if root == "" {
		root = cfg.Persistence.WorkspaceRoot
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}
	if root, err = filepath.Abs(root); err != nil {
		return err
	}

	manifestPath := cfg.Persistence.ManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(root, manifestPath)
	}

	log.Info("starting", "version", version, "workspace", root)

	gate, err := manifest.OpenGate(manifestPath, root, log)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}

	var audit *store.Store
	if cfg.Storage.Enabled {
		audit, err = store.Open(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
		if err != nil {
			// The audit log is not load-bearing for region tracking.
			log.Warn("audit store unavailable", "error", err)
		} else {
			defer audit.Close()
		}
	}

	regions := region.NewStore()

	var server *ipc.Server
	var watch *watcher.Watcher

	// Region changes fan out to IPC subscribers and keep the on-disk
	// watch set aligned with the manifest.
	notify := func(doc string) {
		if server != nil {
			server.Broadcast(regionEvent(doc, regions))
		}
		if watch != nil {
			watch.SetPaths(gate.Paths())
		}
	}

	opts := []tracker.Option{tracker.WithNotify(notify)}
	if audit != nil {
		opts = append(opts, tracker.WithAudit(audit))
	}
	trk := tracker.New(cfg, regions, gate, log, opts...)

	if cfg.Watch.Enabled {
		watch, err = watcher.New(root, cfg.Watch.DebounceMs, trk.HandleExternalChange, log)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		watch.SetPaths(gate.Paths())
		watch.Start()
		defer watch.Stop()
	}

	socket := *socketPath
	if socket == "" {
		socket = cfg.IPC.SocketPath
	}

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdown) })
	}

	tracked := func() int { return 0 }
	if watch != nil {
		tracked = watch.Tracked
	}
	handler := ipc.NewDaemonHandler(ipc.HandlerOptions{
		Daemon:   trk,
		Regions:  regions,
		Gate:     gate,
		Audit:    audit,
		Config:   cfg,
		Log:      log,
		Version:  version,
		Watched:  tracked,
		Shutdown: requestShutdown,
	})

	server = ipc.NewServer(socket, handler, log)
	if err := server.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case <-shutdown:
		log.Info("shutting down")
	}

	server.Stop()
	trk.Stop()
	return nil
}

func regionEvent(doc string, regions *region.Store) *ipc.Event {
	regs := regions.Get(doc)
	infos := make([]ipc.RegionInfo, len(regs))
	for i, r := range regs {
		infos[i] = ipc.RegionInfo{ID: r.ID, StartLine: r.Start, EndLine: r.End}
	}
	return &ipc.Event{Path: doc, Regions: infos}
}
