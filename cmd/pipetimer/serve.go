package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aatumaykin/pipetimer/internal/cleanup"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/httpapi"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/metrics"
	"github.com/aatumaykin/pipetimer/internal/pipeline"
	"github.com/aatumaykin/pipetimer/internal/schedule"
	"github.com/aatumaykin/pipetimer/internal/version"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler daemon",
		Long: `Start the scheduler daemon. It fires the job on its interval, runs
the hook after each successful job, answers status and trigger requests on
the control socket, applies retention and optionally serves metrics.

SIGINT and SIGTERM stop it gracefully: a run in progress is terminated and
recorded before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
}

func serve(cmd *cobra.Command, opts *globalOptions) error {
	e, err := opts.setup(true, logConfigured)
	if err != nil {
		return err
	}
	logger.SetDefault(e.log)

	if pid, ok := ipc.RunningDaemon(e.ws); ok {
		return errors.WithHint(
			errors.Newf("pipetimer is already running for %s (pid %d)", e.ws.Path(), pid),
			"use `pipetimer status` or `pipetimer trigger` to talk to it")
	}
	lock, err := e.lockWorkspace()
	if err != nil {
		return err
	}
	defer e.unlockWorkspace(lock)

	instance := uuid.NewString()
	startedAt := time.Now()
	log := e.log.With(logger.Field{Key: "instance", Value: instance})
	e.log = log

	log.Info(version.FormatStartupMessage(),
		logger.Field{Key: "config", Value: opts.configPath},
		logger.Field{Key: "workspace", Value: e.ws.Path()},
		logger.Field{Key: "interval", Value: e.cfg.Schedule.Interval.String()},
		logger.Field{Key: "persistent", Value: e.cfg.Schedule.Persistent},
		logger.Field{Key: "hook", Value: e.cfg.Hook.Configured()})

	store, err := e.openStore(instance)
	if err != nil {
		return err
	}
	defer e.closeStore(store)
	floor, err := e.runIDFloor(cmd.Context(), store)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(e.cfg.Metrics.Namespace, reg, pipeline.PhaseNames(), func() (uint64, uint64) {
		st := store.Stats()
		return st.Appended, st.Failed
	})

	p, err := e.newPipeline(store, m)
	if err != nil {
		return err
	}
	sched := schedule.New(schedule.Options{
		Interval:     e.cfg.Schedule.Interval.Duration,
		InitialDelay: e.cfg.Schedule.InitialDelay.Duration,
		Persistent:   e.cfg.Schedule.Persistent,
		Store:        e.stateStore(),
		Runner:       p,
		Recorder:     store,
		Logger:       log,
		Observer:     m,
		Instance:     instance,
		RunIDFloor:   floor,
	})
	cleaner := cleanup.NewScheduler(store, e.cleanupConfig(), store, log)
	handler := ipc.NewHandler(ipc.Options{
		Scheduler:    sched,
		Pipeline:     p,
		Instance:     instance,
		StartedAt:    startedAt,
		TriggerEvery: e.cfg.IPC.TriggerEvery.Duration,
		TriggerBurst: e.cfg.IPC.TriggerBurst,
		Logger:       log,
	})

	if err := ipc.WritePID(e.ws, os.Getpid()); err != nil {
		return errors.Mark(err, errors.ErrPersistence)
	}
	defer func() {
		if err := ipc.Cleanup(e.ws); err != nil {
			log.Warn("failed to remove pid file", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })
	if e.cfg.IPC.Enabled {
		g.Go(func() error { return handler.Serve(gctx, e.ws.SocketPath()) })
	}
	if e.cfg.Metrics.Listen != "" {
		srv := httpapi.New(httpapi.Options{
			Addr:     e.cfg.Metrics.Listen,
			Gatherer: reg,
			Status:   handler.Snapshot,
			Upcoming: sched.Upcoming,
			Events:   store,
			Logger:   log,
		})
		g.Go(func() error { return srv.Serve(gctx) })
	}

	log.Info("pipetimer is running")
	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("received shutdown signal, stopping")
	}

	err = g.Wait()
	if err != nil {
		log.Error("pipetimer stopped with error", err)
		return err
	}
	log.Info("pipetimer stopped gracefully", logger.Field{Key: "events_appended", Value: store.Stats().Appended})
	return nil
}
