package app

import (
	"context"
	"strconv"
	"time"

	"oxdaily/internal/config"
	"oxdaily/internal/eventbus"
	"oxdaily/internal/pipeline"
	"oxdaily/internal/plugin"
	"oxdaily/internal/runtime/supervisor"
	"oxdaily/internal/storage"
	logx "oxdaily/pkg/logx"
)

type actorKey struct{}

// WithActor tags control operations made with ctx for the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if s, ok := ctx.Value(actorKey{}).(string); ok && s != "" {
		return s
	}
	return "local"
}

// SetSourceEnabled toggles a configured source. It takes effect from the
// next tick and is persisted to the config file.
func (a *App) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	err := a.cfgm.SetSourceEnabled(ctx, name, enabled)
	a.audit(ctx, toggleAction("source", enabled), name, strconv.FormatBool(enabled), err)
	return err
}

func (a *App) SetProcessorEnabled(ctx context.Context, name string, enabled bool) error {
	err := a.cfgm.SetProcessorEnabled(ctx, name, enabled)
	a.audit(ctx, toggleAction("processor", enabled), name, strconv.FormatBool(enabled), err)
	return err
}

// SetInterval changes the cadence. A pending wait is recomputed from now;
// minutes <= 0 fails with config.ErrInvalidInterval and changes nothing.
func (a *App) SetInterval(ctx context.Context, minutes int) error {
	err := a.cfgm.SetInterval(ctx, minutes)
	if err == nil {
		err = a.sched.Update(a.cfgm.Schedule())
		if err == nil {
			a.setNextRun(a.sched.Next())
		}
	}
	a.audit(ctx, "interval.set", "", strconv.Itoa(minutes), err)
	return err
}

// Reload re-reads the config file. A changed, valid file is committed and
// applied; an invalid one leaves the running config untouched.
func (a *App) Reload(ctx context.Context) (bool, error) {
	a.sd.notify(sdReloading)
	prev := a.cfgm.Get()
	changed, err := a.cfgm.Reload(ctx)
	if changed && a.sup == nil {
		// Not started: there is no apply loop yet.
		a.apply(ctx, prev, a.cfgm.Get())
	}
	a.sd.notify(sdReady)
	a.audit(ctx, "reload", a.cfgm.Path(), strconv.FormatBool(changed), err)
	return changed, err
}

func toggleAction(kind string, enabled bool) string {
	if enabled {
		return kind + ".enable"
	}
	return kind + ".disable"
}

func (a *App) audit(ctx context.Context, action, target, value string, err error) {
	e := storage.AuditEntry{
		At:     time.Now(),
		Actor:  actorFrom(ctx),
		Action: action,
		Target: target,
		Value:  value,
	}
	if err != nil {
		e.Error = err.Error()
		a.log.Warn("control rejected", logx.String("action", action), logx.String("target", target), logx.Err(err))
	} else {
		a.log.Info("control applied", logx.String("action", action), logx.String("target", target), logx.String("value", value))
	}
	if aerr := a.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		a.log.Warn("audit append failed", logx.Err(aerr))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ControlApplied, Data: eventbus.ControlEvent{
		Action: action,
		Target: target,
		Value:  value,
		Err:    e.Error,
	}})
}

// PluginStatus describes one configured source or processor.
type PluginStatus struct {
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	Registered bool   `json:"registered"`
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Sources    []PluginStatus       `json:"sources"`
	Processors []PluginStatus       `json:"processors"`
	Schedule   string               `json:"schedule"`
	Interval   int                  `json:"interval_minutes"`
	Timezone   string               `json:"timezone"`
	NextRun    time.Time            `json:"next_run"`
	Running    bool                 `json:"running"`
	LastRun    *pipeline.RunResult  `json:"last_run,omitempty"`
	Storage    string               `json:"storage"`
	Goroutines []supervisor.Stats   `json:"goroutines,omitempty"`
	Audit      []storage.AuditEntry `json:"audit,omitempty"`
}

func (a *App) Status(ctx context.Context) Status {
	cfg := a.cfgm.Get()
	st := Status{
		Sources:    a.pluginStatus(plugin.KindSource, cfg.Sources),
		Processors: a.pluginStatus(plugin.KindProcessor, cfg.Postprocessors),
		Schedule:   a.sched.String(),
		Interval:   cfg.Schedule.IntervalMinutes,
		Timezone:   a.sched.Location().String(),
		NextRun:    a.sched.Next(),
		Storage:    a.storeDriver,
	}
	a.mu.RLock()
	st.Running = a.running
	if a.last != nil {
		last := *a.last
		st.LastRun = &last
	}
	a.mu.RUnlock()
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	if audit, err := a.store.RecentAudit(ctx, 10); err == nil {
		st.Audit = audit
	}
	return st
}

func (a *App) pluginStatus(kind plugin.Kind, list []config.PluginConfig) []PluginStatus {
	out := make([]PluginStatus, 0, len(list))
	for _, p := range list {
		registered := len(a.reg.Missing(kind, []string{p.Name})) == 0
		out = append(out, PluginStatus{Name: p.Name, Enabled: p.Enabled, Registered: registered})
	}
	return out
}
