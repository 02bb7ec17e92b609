// Package app wires the daemon together: config, plugin registry, aligned
// scheduler, pipeline, webhook delivery, storage, metrics and supervision.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oxdaily/internal/config"
	"oxdaily/internal/delivery"
	"oxdaily/internal/eventbus"
	"oxdaily/internal/observability/metrics"
	"oxdaily/internal/pipeline"
	"oxdaily/internal/plugin"
	"oxdaily/internal/runtime/supervisor"
	"oxdaily/internal/schedule"
	"oxdaily/internal/storage"
	logx "oxdaily/pkg/logx"

	"github.com/google/uuid"
)

type App struct {
	cfgm *config.Manager
	reg  *plugin.Registry

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store       storage.Store
	storeDriver string

	sched   *schedule.Scheduler
	out     *delivery.Client
	pipe    *pipeline.Pipeline
	metrics *metrics.Metrics
	msrv    *metrics.Server
	sd      *systemdNotifier

	sup *supervisor.Supervisor

	// tickMu keeps ticks strictly sequential.
	tickMu sync.Mutex

	mu      sync.RWMutex
	last    *pipeline.RunResult
	nextRun time.Time
	running bool
}

// New loads and validates the config file and builds every component.
// Plugins are registered on Registry() afterwards, before Start or RunOnce.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, persistent, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	var store storage.Store = storage.NewMemory()
	driver := "memory"
	if persistent {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		store, driver = st, sc.Driver
	}

	sched, err := schedule.New(cfg.Schedule, log)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	m := metrics.New()
	out := delivery.New(mapDeliveryConfig(cfg), log, delivery.WithAttemptHook(m.ObserveAttempt))
	reg := plugin.NewRegistry(log)

	a := &App{
		cfgm:        cfgm,
		reg:         reg,
		log:         log.With(logx.String("comp", "app")),
		logs:        logs,
		bus:         eventbus.New(),
		store:       store,
		storeDriver: driver,
		sched:       sched,
		out:         out,
		pipe:        pipeline.New(reg, out, log),
		metrics:     m,
		sd:          newSystemdNotifier(log),
	}
	a.msrv = metrics.NewServer(m, a.health, log)
	cfgm.SetValidator(a.validate)
	return a, nil
}

func (a *App) Registry() *plugin.Registry { return a.reg }

// Store is never nil: an in-memory store stands in when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Config() *config.Manager { return a.cfgm }

func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// validate runs on every reload, after config.Validate.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := schedule.Build(cfg.Schedule); err != nil {
		return err
	}
	return nil
}

// Check fails with config.ErrConfiguration when no source is registered and
// warns about configured names that have no registration.
func (a *App) Check() error {
	if len(a.reg.SourceNames()) == 0 {
		return fmt.Errorf("%w: no sources registered", config.ErrConfiguration)
	}
	a.warnMissing(a.cfgm.Get())
	return nil
}

func (a *App) warnMissing(cfg *config.Config) {
	if cfg == nil {
		return
	}
	names := func(list []config.PluginConfig) []string {
		out := make([]string, 0, len(list))
		for _, p := range list {
			out = append(out, p.Name)
		}
		return out
	}
	if miss := a.reg.Missing(plugin.KindSource, names(cfg.Sources)); len(miss) > 0 {
		a.log.Warn("configured sources are not registered; they will be skipped", logx.Strings("names", miss))
	}
	if miss := a.reg.Missing(plugin.KindProcessor, names(cfg.Postprocessors)); len(miss) > 0 {
		a.log.Warn("configured postprocessors are not registered; they will be skipped", logx.Strings("names", miss))
	}
}

// Start launches the tick loop and background services. The returned error
// is fatal (configuration or metrics bind).
func (a *App) Start(ctx context.Context) error {
	if err := a.Check(); err != nil {
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	cfg := a.cfgm.Get()
	if err := a.msrv.Start(sctx, mapMetricsConfig(cfg)); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	sub, applied := a.cfgm.SubscribeCurrent(8)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.applyLoop(c, sub, applied)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("tick.loop", a.loop)
	if a.sd.watchdog > 0 {
		a.sup.Go0("systemd.watchdog", a.sd.watchdogLoop)
	}

	a.sd.notify(sdReady)
	a.log.Info("oxdaily started",
		logx.String("schedule", a.sched.String()),
		logx.Time("next_run", a.sched.Next()),
		logx.Strings("sources", a.reg.SourceNames()),
		logx.Strings("processors", a.reg.ProcessorNames()),
		logx.String("storage", a.storeDriver),
	)
	return nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) loop(ctx context.Context) error {
	for {
		next := a.sched.Next()
		a.setNextRun(next)

		at, err := a.sched.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.log.Debug("tick due", logx.Time("scheduled", at))
		a.RunOnce(ctx)
	}
}

func (a *App) setNextRun(t time.Time) {
	a.mu.Lock()
	a.nextRun = t
	a.mu.Unlock()
	a.metrics.SetNextRun(t)
}

// RunOnce runs one tick now. The tick is detached from ctx cancellation so
// a shutdown lets it finish; only schedule.tick_timeout bounds it.
func (a *App) RunOnce(ctx context.Context) pipeline.RunResult {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	cfg := a.cfgm.Get()
	tctx := context.WithoutCancel(ctx)
	if d := config.MustDuration(cfg.Schedule.TickTimeout, 0); d > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, d)
		defer cancel()
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	res := a.pipe.Run(tctx, pipeline.Tick{
		RunID:            uuid.NewString(),
		Sources:          a.cfgm.Sources(),
		Processors:       a.cfgm.Processors(),
		FetchConcurrency: cfg.Schedule.FetchConcurrency,
		Digest: pipeline.DigestOptions{
			Title:      cfg.Digest.Title,
			TimeFormat: cfg.Digest.TimeFormat,
			Location:   a.sched.Location(),
		},
	})

	a.mu.Lock()
	a.running = false
	a.last = &res
	a.mu.Unlock()

	a.report(res)
	return res
}

func (a *App) report(res pipeline.RunResult) {
	log := a.log.With(logx.String("run_id", res.RunID))
	fields := []logx.Field{
		logx.String("outcome", res.Outcome()),
		logx.Int("fetched", res.Fetched),
		logx.Int("items", res.Items),
		logx.Int("errors", len(res.Errors)),
		logx.Duration("took", res.Duration()),
	}
	if res.Delivery != nil {
		fields = append(fields,
			logx.Int("attempts", res.Delivery.Attempts),
			logx.Int("status_code", res.Delivery.StatusCode),
			logx.String("detail", res.Delivery.Detail),
		)
	}

	switch res.Outcome() {
	case pipeline.OutcomeFailed:
		log.Error("tick finished; delivery failed", fields...)
		a.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: res})
	case pipeline.OutcomeSkipped:
		log.Info("tick finished; nothing to deliver", fields...)
	default:
		log.Info("tick finished", fields...)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TickCompleted, Data: res})
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop cancels the loop, waits for an in-flight tick (bounded by ctx) and
// releases resources. Safe to call without Start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.notify(sdStopping)

	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 0, a.sup.Wait)
	}
	a.step(ctx, "delivery", 0, func(context.Context) error { a.out.Close(); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int("bus_dropped", int(a.bus.Dropped())))
	return a.logs.Close()
}

// step runs one shutdown step bounded by max (0 keeps ctx's own deadline).
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
