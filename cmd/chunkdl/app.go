package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chunkdl/internal/config"
	"github.com/bamsammich/chunkdl/internal/event"
	"github.com/bamsammich/chunkdl/internal/fetch"
	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/manager"
	"github.com/bamsammich/chunkdl/internal/metrics"
	"github.com/bamsammich/chunkdl/internal/stats"
	"github.com/bamsammich/chunkdl/internal/storage"
	"github.com/bamsammich/chunkdl/internal/ui"
)

// app is everything one invocation needs: config, logging, the finished
// store, storage resolution and the manager on top.
type app struct {
	cfg   config.Config
	flags *globalFlags

	collector *stats.Collector
	metrics   *metrics.Metrics
	bus       *event.Bus
	store     *finished.SQLiteStore
	resolver  *storage.Resolver
	client    *fetch.Client
	trees     map[storage.Kind]storage.Tree
	mgr       *manager.Manager

	closers []func() error
}

func newApp(cmd *cobra.Command, g *globalFlags) (a *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyConfigDefaults(cmd, cfg.Defaults, g)
	if g.stateDir != "" {
		cfg.Paths.StateDir = &g.stateDir
	}

	a = &app{cfg: cfg, flags: g}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.setupLogging(); err != nil {
		return a, err
	}

	opts := fetch.DefaultOptions()
	if g.bwLimit != "" {
		n, err := config.ParseSize(g.bwLimit)
		if err != nil {
			return a, fmt.Errorf("invalid --bwlimit: %w", err)
		}
		opts.Limiter = fetch.NewBWLimiter(n)
	}
	a.client = fetch.NewClient(opts)

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return a, fmt.Errorf("create state dir: %w", err)
	}
	store, err := finished.Open(filepath.Join(stateDir, "finished.db"))
	if err != nil {
		return a, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.resolver = storage.NewResolver(storage.SSHOpts{
		Port:    g.sshPort,
		KeyFile: g.sshKeyFile,
		Timeout: 10 * time.Second,
	})
	a.closers = append(a.closers, a.resolver.Close)

	a.trees = make(map[storage.Kind]storage.Tree)
	for _, dest := range []struct {
		kind storage.Kind
		dir  string
	}{
		{storage.KindOther, cfg.DownloadDir()},
		{storage.KindVideo, cfg.DownloadDir()},
		{storage.KindAudio, cfg.AudioDir()},
	} {
		tree, err := a.resolver.Tree(dest.dir)
		if err != nil {
			slog.Debug("download tree unavailable", "kind", dest.kind, "dir", dest.dir, "error", err)
			continue
		}
		a.trees[dest.kind] = tree
	}

	a.collector = stats.NewCollector()
	a.metrics = metrics.New()
	a.bus = event.NewBus()
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	policy := manager.DefaultPolicy()
	policy.MaxRetry = g.maxRetry
	policy.QueueLimit = g.queueLimit
	policy.PauseOnMetered = g.pauseOnMetered

	mgr, err := manager.New(manager.Config{
		StateDir: stateDir,
		Registry: manager.NewRegistry(policy),
		Finished: store,
		Bus:      a.bus,
		Trees:    a.trees,
		Resolver: a.resolver,
		Client:   a.client,
		Stats:    a.collector,
		Metrics:  a.metrics,
		Logger:   slog.Default(),
	})
	if err != nil {
		return a, err
	}
	a.mgr = mgr
	a.closers = append(a.closers, mgr.Close)

	if g.logFile != "" {
		a.logEvents()
	}
	if g.metricsAddr != "" {
		if err := a.serveMetrics(g.metricsAddr); err != nil {
			return a, err
		}
	}

	if err := mgr.LoadFinishedMissions(); err != nil {
		slog.Warn("failed to load finished missions", "error", err)
	}
	if err := mgr.LoadPendingMissions(); err != nil {
		return a, err
	}
	if g.metered {
		mgr.HandleConnectivityState(event.NetworkMetered, true)
	}
	return a, nil
}

func (a *app) setupLogging() error {
	g := a.flags
	logLevel := slog.LevelWarn
	switch {
	case g.verbose:
		logLevel = slog.LevelDebug
	case g.quiet:
		logLevel = slog.LevelError
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if g.logFile != "" {
		lf, err := os.Create(g.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, lf.Close)
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))
	return nil
}

// logEvents tees every manager event into the structured log.
func (a *app) logEvents() {
	ch, unsub := a.bus.Subscribe(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Type == event.MissionProgress {
				continue
			}
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.Int64("mission", ev.Mission),
				slog.String("name", ev.Name),
				slog.Int64("done", ev.Done),
				slog.Int64("length", ev.Length),
			}
			if ev.Code != 0 {
				attrs = append(attrs, slog.String("code", ev.Code.String()))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			if ev.Type == event.NetworkChanged {
				attrs = append(attrs, slog.String("network", ev.Network.String()))
			}
			slog.LogAttrs(context.Background(), slog.LevelInfo, "chunkdl.event", attrs...)
		}
	}()
	a.closers = append(a.closers, func() error {
		unsub()
		<-done
		return nil
	})
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}

// tree returns the destination tree for dir, or the configured tree for
// kind when dir is empty.
func (a *app) tree(dir string, kind storage.Kind) (storage.Tree, error) {
	if dir == "" {
		if t, ok := a.trees[kind]; ok {
			return t, nil
		}
		dir = a.cfg.DownloadDir()
		if kind == storage.KindAudio {
			dir = a.cfg.AudioDir()
		}
	}
	return a.resolver.Tree(dir)
}

func (a *app) presenter() ui.Presenter {
	return ui.NewPresenter(ui.Config{
		Writer:     os.Stdout,
		ErrWriter:  os.Stderr,
		Stats:      a.collector,
		IsTTY:      ui.IsTTY(os.Stderr),
		Width:      ui.Width(os.Stderr),
		Quiet:      a.flags.quiet,
		NoProgress: a.flags.noProgress,
	})
}

func (a *app) stdout() io.Writer {
	if a.flags.quiet {
		return io.Discard
	}
	return os.Stdout
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
