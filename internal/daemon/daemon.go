// Package daemon wires the scheduler, cron feed, spool watcher, event bus,
// and run history storage into one supervised process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"paceq/eventbus"
	"paceq/internal/config"
	"paceq/internal/cronfeed"
	"paceq/internal/runtime/supervisor"
	"paceq/internal/spool"
	"paceq/internal/storage"
	"paceq/pkg/logx"
	"paceq/scheduler"
)

type App struct {
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store
	sched *scheduler.Scheduler[commandResult]
	feed  *cronfeed.Feed
	sup   *supervisor.Supervisor

	// runSeq numbers run records in daemon history order. It is distinct
	// from the scheduler's internal sequence, which restarts on Clear.
	runSeq atomic.Uint64
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	store, err := storage.Open(storageConfig(cfg.Storage), log.With(logx.String("svc", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	return &App{
		cfg:   cfg,
		logs:  logs,
		log:   log,
		bus:   eventbus.New(),
		store: store,
		feed:  cronfeed.New(log.With(logx.String("svc", "cronfeed"))),
	}, nil
}

func storageConfig(sc config.StorageConfig) storage.Config {
	// validated at load time; parse errors cannot happen here
	busy, _ := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}
}

func (a *App) schedulerOptions(ctx context.Context) ([]scheduler.Option, error) {
	sc := a.cfg.Scheduler

	policy, err := scheduler.ParsePolicy(sc.Policy)
	if err != nil {
		return nil, err
	}
	pace, err := config.ParseDurationField("scheduler.pace_interval", sc.PaceInterval)
	if err != nil {
		return nil, err
	}
	ladder, err := config.ParseBackoff("scheduler.backoff", sc.Backoff)
	if err != nil {
		return nil, err
	}

	opts := []scheduler.Option{
		scheduler.WithPolicy(policy),
		scheduler.WithAutoStart(sc.AutoStartEnabled()),
		scheduler.WithOrderedResults(sc.OrderedEnabled()),
		scheduler.WithAlwaysRetry(sc.AlwaysRetry),
		scheduler.WithLogger(a.log.With(logx.String("svc", "scheduler"))),
		scheduler.WithBus(a.bus),
		scheduler.WithBaseContext(ctx),
	}
	if sc.PaceInterval != "" {
		opts = append(opts, scheduler.WithPaceInterval(pace))
	}
	if sc.Concurrency > 0 {
		opts = append(opts, scheduler.WithConcurrency(sc.Concurrency))
	}
	if len(ladder) > 0 {
		opts = append(opts, scheduler.WithBackoff(ladder))
	}
	return opts, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))

	opts, err := a.schedulerOptions(a.sup.Context())
	if err != nil {
		return err
	}
	a.sched = scheduler.New[commandResult](opts...)

	a.sup.Go0("events", func(ctx context.Context) { a.consumeEvents(ctx) })

	for _, job := range a.cfg.Jobs {
		job := job
		timeout, _ := config.ParseDurationField("jobs.timeout", job.Timeout)
		if err := a.feed.Add(job.Name, job.Schedule, func() {
			a.sched.Enqueue(commandFactory(job.Name, job.Command, timeout))
		}); err != nil {
			return fmt.Errorf("register job %q: %w", job.Name, err)
		}
	}
	if err := a.feed.Start(); err != nil {
		return err
	}

	if a.cfg.Spool.Enabled {
		w := spool.NewWatcher(a.cfg.Spool.Dir,
			a.log.With(logx.String("svc", "spool")),
			func(j spool.Job) {
				a.sched.Enqueue(commandFactory(j.Name, j.Command, j.Timeout))
			})
		a.sup.GoRestart("spool", w.Run)
	}

	if sent, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("daemon started",
		logx.Int("jobs", len(a.cfg.Jobs)),
		logx.Bool("spool", a.cfg.Spool.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	a.sched.Stop()
	if err := a.feed.Stop(ctx); err != nil {
		a.log.Warn("cron feed stop timed out", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("daemon stopped")
	return a.logs.Close()
}

// Scheduler exposes the task scheduler, mainly for tests.
func (a *App) Scheduler() *scheduler.Scheduler[commandResult] { return a.sched }

// consumeEvents logs scheduler notifications and persists terminal
// outcomes to the run history.
func (a *App) consumeEvents(ctx context.Context) {
	ch, cancel := a.bus.Subscribe(256,
		scheduler.EventResolve,
		scheduler.EventReject,
		scheduler.EventFail,
		scheduler.EventAboutToRetry,
		scheduler.EventFinish)
	defer cancel()

	log := a.log.With(logx.String("svc", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handleEvent(ctx, log, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, log logx.Logger, ev eventbus.Event) {
	switch ev.Type {
	case scheduler.EventResolve:
		if p, ok := ev.Data.(scheduler.ResolvePayload); ok {
			if out, ok := p.Value.(commandResult); ok {
				log.Info("task resolved",
					logx.String("job", out.Name),
					logx.Duration("took", out.Took))
				a.record(ctx, storage.RunRecord{
					Seq:      a.runSeq.Add(1),
					Name:     out.Name,
					Started:  out.Started,
					Duration: out.Took.Milliseconds(),
					Attempts: out.Attempts,
					Outcome:  storage.OutcomeResolved,
				})
			}
		}
	case scheduler.EventReject:
		if p, ok := ev.Data.(scheduler.RejectPayload); ok {
			log.Warn("task rejected",
				logx.String("job", jobName(p.Err)),
				logx.Uint64("seq", p.Task.Seq),
				logx.Int("attempts", p.Task.Attempt),
				logx.Err(p.Err))
			a.record(ctx, storage.RunRecord{
				Seq:      a.runSeq.Add(1),
				Name:     jobName(p.Err),
				Started:  p.Task.StartedAt,
				Duration: time.Since(p.Task.StartedAt).Milliseconds(),
				Attempts: p.Task.Attempt + 1,
				Outcome:  storage.OutcomeRejected,
				Error:    p.Err.Error(),
			})
		}
	case scheduler.EventFail:
		if p, ok := ev.Data.(scheduler.FailPayload); ok {
			log.Error("scheduler halted", logx.Err(p.Err))
			a.record(ctx, storage.RunRecord{
				Seq:     a.runSeq.Add(1),
				Name:    jobName(p.Err),
				Started: ev.Time,
				Outcome: storage.OutcomeFatal,
				Error:   p.Err.Error(),
			})
		}
	case scheduler.EventAboutToRetry:
		if p, ok := ev.Data.(scheduler.AboutToRetryPayload); ok {
			log.Debug("task retry scheduled",
				logx.Uint64("seq", p.Task.Seq),
				logx.Duration("wait", p.Wait),
				logx.Err(p.Err))
		}
	case scheduler.EventFinish:
		log.Debug("queue drained")
	}
}

func (a *App) record(ctx context.Context, r storage.RunRecord) {
	if a.store == nil {
		return
	}
	if err := a.store.AppendRun(ctx, r); err != nil {
		a.log.Warn("run record append failed", logx.Err(err))
	}
}
