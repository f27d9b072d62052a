// Package daemon runs the build pipeline continuously: on a fixed interval,
// and optionally whenever the user patch directory changes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"

	"avforge/internal/config"
	"avforge/internal/history"
	"avforge/internal/logfields"
	"avforge/internal/metrics"
	"avforge/internal/pipeline"
)

const defaultInterval = 6 * time.Hour

// BuildFunc executes one pipeline run and returns its report.
type BuildFunc func(ctx context.Context) (*pipeline.Report, error)

// Daemon owns the scheduler, the patch watcher and the metrics endpoint.
type Daemon struct {
	cfg       *config.Config
	recorder  *metrics.PrometheusRecorder
	store     *history.Store
	buildFn   BuildFunc
	scheduler gocron.Scheduler
	watcher   *PatchWatcher
	httpSrv   *http.Server

	// triggers carries rebuild reasons; capacity 1 coalesces bursts.
	triggers chan string
}

// New creates a daemon for the given configuration. A nil buildFn installs
// the default pipeline runner.
func New(cfg *config.Config, buildFn BuildFunc) (*Daemon, error) {
	recorder := metrics.NewPrometheusRecorder()

	d := &Daemon{
		cfg:      cfg,
		recorder: recorder,
		buildFn:  buildFn,
		triggers: make(chan string, 1),
	}
	if d.buildFn == nil {
		d.buildFn = d.runPipeline
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	d.scheduler = sched

	if cfg.History.Path != "" {
		store, err := history.NewStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		d.store = store
	}
	return d, nil
}

// Interval returns the rebuild interval from configuration, falling back to
// the default when unset or unparseable.
func (d *Daemon) Interval() time.Duration {
	if d.cfg.Daemon.Interval == "" {
		return defaultInterval
	}
	iv, err := time.ParseDuration(d.cfg.Daemon.Interval)
	if err != nil || iv <= 0 {
		slog.Warn("Invalid daemon interval, using default",
			slog.String("interval", d.cfg.Daemon.Interval))
		return defaultInterval
	}
	return iv
}

// Run starts the scheduler, watcher and metrics endpoint, then serves build
// triggers until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.scheduler.NewJob(
		gocron.DurationJob(d.Interval()),
		gocron.NewTask(func() { d.Trigger("interval") }),
		gocron.WithName("periodic-rebuild"),
	); err != nil {
		return fmt.Errorf("schedule periodic rebuild: %w", err)
	}
	d.scheduler.Start()

	if d.cfg.Daemon.WatchPatches && d.cfg.Patches.UserDir != "" {
		watcher, err := NewPatchWatcher(d.cfg.Patches.UserDir, func() {
			d.Trigger("patch-change")
		})
		if err != nil {
			return fmt.Errorf("create patch watcher: %w", err)
		}
		d.watcher = watcher
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start patch watcher: %w", err)
		}
	}

	if d.cfg.Daemon.MetricsAddr != "" {
		d.serveMetrics(d.cfg.Daemon.MetricsAddr)
	}

	slog.Info("Daemon started",
		slog.Duration("interval", d.Interval()),
		slog.Bool("watch_patches", d.watcher != nil))

	// First build immediately so a fresh daemon is never hours from its
	// initial artifact.
	d.Trigger("startup")

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case reason := <-d.triggers:
			d.build(ctx, reason)
		}
	}
}

// Trigger requests a rebuild. Requests arriving while one is already
// pending are dropped.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.triggers <- reason:
	default:
		slog.Debug("Rebuild already pending, dropping trigger",
			slog.String("reason", reason))
	}
}

func (d *Daemon) build(ctx context.Context, reason string) {
	slog.Info("Rebuild triggered", slog.String("reason", reason))

	report, err := d.buildFn(ctx)
	if err != nil {
		slog.Error("Scheduled build failed", logfields.Error(err))
	}
	if report == nil {
		return
	}

	if d.store != nil {
		if err := d.store.RecordRun(ctx, runFromReport(report)); err != nil {
			slog.Error("Failed to record run history",
				logfields.RunID(report.RunID), logfields.Error(err))
		}
	}
}

func (d *Daemon) runPipeline(ctx context.Context) (*pipeline.Report, error) {
	return pipeline.New(d.cfg).WithRecorder(d.recorder).Run(ctx)
}

func (d *Daemon) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.recorder.Handler())
	d.httpSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("Serving metrics", slog.String("addr", addr))
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", logfields.Error(err))
		}
	}()
}

func (d *Daemon) shutdown() error {
	slog.Info("Daemon shutting down")

	var errs []error
	if err := d.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop patch watcher: %w", err))
		}
	}
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// runFromReport converts a pipeline report into its history record.
func runFromReport(report *pipeline.Report) history.Run {
	run := history.Run{
		ID:       report.RunID,
		Started:  report.Started,
		Finished: report.Finished,
		Outcome:  report.Outcome,
	}
	for _, st := range report.Stages {
		run.Stages = append(run.Stages, history.StageResult{
			Stage:    string(st.Stage),
			Result:   st.Result,
			Duration: st.Duration,
			Error:    st.Error,
		})
	}
	return run
}
