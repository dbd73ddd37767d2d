// Package main implements the subvolsync replication daemon entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/subvolsync/subvolsync/internal/config"
	"github.com/subvolsync/subvolsync/internal/events"
	"github.com/subvolsync/subvolsync/internal/extproc"
	"github.com/subvolsync/subvolsync/internal/node"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath  = flag.String("config", "/etc/subvolsync/config.yaml", "Path to the node configuration file")
	metricsAddr = flag.String("metrics-addr", ":9090", "Address to expose Prometheus metrics and the live events feed")
	debug       = flag.Bool("debug", false, "Enable debug logging (equivalent to -v=4)")
	showVersion = flag.Bool("show-version", false, "Show version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *debug || os.Getenv("DEBUG_SUBVOLSYNC") == "true" || os.Getenv("DEBUG_SUBVOLSYNC") == "1" {
		if err := flag.Set("v", "4"); err != nil {
			klog.Warningf("Failed to set verbosity level: %v", err)
		}
	}

	if *showVersion {
		fmt.Printf("subvolsyncd version: %s\n", version)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		fmt.Printf("  Build date: %s\n", buildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if err := run(); err != nil {
		klog.Errorf("subvolsyncd: %v", err)
		os.Exit(exitCode(err))
	}
}

// initErr marks a failure that happened before the daemon could start
// serving, mapped to exit code 1 per the operational surface's "1 on
// initialization failure, any other non-zero on fatal session errors".
type initErr struct{ err error }

func (e initErr) Error() string { return e.err.Error() }
func (e initErr) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ie initErr
	if errors.As(err, &ie) {
		return 1
	}
	return 2
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return initErr{fmt.Errorf("loading config %s: %w", *configPath, err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	tools := extproc.NewBtrfsTools()

	n, err := node.New(ctx, cfg, tools, bus)
	if err != nil {
		return initErr{fmt.Errorf("building node: %w", err)}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", bus)
	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		klog.Infof("subvolsyncd: serving metrics and events on %s", *metricsAddr)
		if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			klog.Errorf("subvolsyncd: metrics server error: %v", serveErr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		runErr = n.Run(ctx)
	}()

	// A fresh start (or restart, e.g. from a cron-managed timer) drives
	// one outbound sync round against every configured peer, mirroring
	// hbakd's cron-triggered push model rather than an in-process
	// scheduler: restarting subvolsyncd is how a periodic push/pull is
	// externally triggered.
	var wg sync.WaitGroup
	for name := range cfg.Peers {
		wg.Add(1)
		go func(peerName string) {
			defer wg.Done()
			if syncErr := n.SyncWith(ctx, peerName); syncErr != nil {
				klog.Warningf("subvolsyncd: initial sync with %s failed: %v", peerName, syncErr)
			}
		}(name)
	}

	klog.Infof("subvolsyncd: node %q listening on %s", cfg.NodeName, cfg.BindAddress)

	select {
	case sig := <-sigCh:
		klog.Infof("subvolsyncd: received %s, shutting down", sig)
		cancel()
	case <-runDone:
		klog.Warningf("subvolsyncd: accept loop exited on its own: %v", runErr)
		cancel()
	}

	wg.Wait()
	<-runDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("subvolsyncd: shutting down metrics server: %v", err)
	}

	if err := n.Close(); err != nil {
		klog.Errorf("subvolsyncd: closing node: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
