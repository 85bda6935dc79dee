package main

import (
	"context"
	"time"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/cleanup"
	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/job"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/metrics"
	"github.com/aatumaykin/pipetimer/internal/pipeline"
	"github.com/aatumaykin/pipetimer/internal/schedule"
	"github.com/aatumaykin/pipetimer/internal/workspace"
)

const (
	flushTimeout = 5 * time.Second
	ipcTimeout   = 3 * time.Second
)

// logMode selects where a command's process log goes.
type logMode int

const (
	// logConfigured follows the [logging] section. Used by serve and run.
	logConfigured logMode = iota
	// logQuiet writes warnings to stderr so stdout stays parseable.
	logQuiet
)

// env is what commands work with after startup.
type env struct {
	cfg *config.Config
	log *logger.Logger
	ws  *workspace.Workspace
}

// loadConfig loads .env and the configuration file. Every failure is
// marked ErrConfig.
func (o *globalOptions) loadConfig(validate bool) (*config.Config, error) {
	if err := config.LoadEnvOptional(o.envFile); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "load %s", o.envFile), errors.ErrConfig)
	}

	var (
		cfg *config.Config
		err error
	)
	if validate {
		cfg, err = config.LoadAndValidate(o.configPath)
	} else {
		cfg, err = config.Load(o.configPath)
	}
	if err != nil {
		return nil, errors.Mark(errors.WithHintf(err, "configuration file: %s", o.configPath), errors.ErrConfig)
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

func (o *globalOptions) setup(validate bool, mode logMode) (*env, error) {
	cfg, err := o.loadConfig(validate)
	if err != nil {
		return nil, err
	}

	logCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if mode == logQuiet {
		logCfg = logger.Config{Level: "warn", Format: "text", Output: "stderr"}
		if o.logLevel != "" {
			logCfg.Level = o.logLevel
		}
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "initialize logger"), errors.ErrConfig)
	}

	ws := workspace.New(cfg.Workspace.Path)
	if err := ws.EnsureDir(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "prepare workspace"), errors.ErrPersistence)
	}

	return &env{cfg: cfg, log: log, ws: ws}, nil
}

func (e *env) openStore(instance string) (*activity.Store, error) {
	store, err := activity.Open(e.ws.ActivityDB(), activity.Options{Logger: e.log, Instance: instance})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "open activity log"), errors.ErrPersistence)
	}
	return store, nil
}

// closeStore flushes pending events and closes the store.
func (e *env) closeStore(store *activity.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := store.Flush(ctx); err != nil {
		e.log.Warn("failed to flush activity log", logger.Field{Key: "error", Value: err.Error()})
	}
	if err := store.Close(); err != nil {
		e.log.Error("failed to close activity log", err)
	}
}

// lockWorkspace takes the lock held by whichever process runs jobs.
func (e *env) lockWorkspace() (*workspace.Lock, error) {
	lock, err := e.ws.Lock()
	switch {
	case errors.Is(err, workspace.ErrLocked):
		return nil, errors.WithHint(
			errors.Newf("workspace %s is in use by another pipetimer process", e.ws.Path()),
			"wait for the running `pipetimer run` to finish, or stop the daemon")
	case err != nil:
		return nil, errors.Mark(errors.Wrap(err, "lock workspace"), errors.ErrPersistence)
	}
	return lock, nil
}

func (e *env) unlockWorkspace(lock *workspace.Lock) {
	if err := lock.Unlock(); err != nil {
		e.log.Warn("failed to release workspace lock", logger.Field{Key: "error", Value: err.Error()})
	}
}

// runIDFloor is the highest run id in the activity log, so that ids are not
// reused when the schedule state is lost.
func (e *env) runIDFloor(ctx context.Context, store *activity.Store) (uint64, error) {
	id, err := store.MaxRunID(ctx)
	if err != nil {
		return 0, errors.Mark(err, errors.ErrPersistence)
	}
	return id, nil
}

func (e *env) stateStore() *schedule.StateStore {
	return schedule.NewStateStore(e.ws.StateFile(), e.log)
}

func (e *env) newPipeline(rec activity.Recorder, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	jobDef, err := job.FromConfig(e.cfg.Job)
	if err != nil {
		return nil, err
	}

	var hookDef *job.Definition
	if e.cfg.Hook.Configured() {
		def, err := job.FromConfig(e.cfg.Hook)
		if err != nil {
			return nil, err
		}
		hookDef = &def
	}

	exec := job.NewExecutor(job.Options{
		Overlap:   job.ParseOverlap(e.cfg.Job.Overlap),
		OutputDir: e.ws.RunsDir(),
		Recorder:  rec,
		Logger:    e.log,
	})
	return pipeline.New(pipeline.Options{
		Job:      jobDef,
		Hook:     hookDef,
		Executor: exec,
		Recorder: rec,
		Logger:   e.log,
		Metrics:  m,
	}), nil
}

func (e *env) cleanupConfig() cleanup.Config {
	return cleanup.Config{
		Enabled:  e.cfg.Retention.Enabled,
		Interval: e.cfg.Retention.Interval.Duration,
		Retention: activity.Retention{
			MaxAge:    e.cfg.Retention.MaxAge.Duration,
			MaxEvents: e.cfg.Retention.MaxEvents,
			OutputDir: e.ws.RunsDir(),
		},
	}
}
