package app

import (
	"context"
	"strings"

	"oxdaily/internal/config"
	"oxdaily/internal/eventbus"
	logx "oxdaily/pkg/logx"
)

// applyLoop applies published config snapshots to the running components.
// lastApplied is the snapshot current when sub was subscribed.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest snapshot.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) config.Change {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return ch
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)

	if ch.Has("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if ch.Has("schedule") {
		if err := a.sched.Update(next.Schedule); err != nil {
			a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
		} else {
			a.setNextRun(a.sched.Next())
		}
	}
	if ch.Has("webhook") || ch.Has("delivery") {
		a.out.Reconfigure(mapDeliveryConfig(next))
	}
	if ch.Has("metrics") {
		if err := a.msrv.Reconfigure(ctx, mapMetricsConfig(next)); err != nil {
			a.log.Warn("metrics config rejected", logx.Err(err))
		}
	}
	if ch.Has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if ch.Has("sources") || ch.Has("postprocessors") {
		if len(ch.Plugins) > 0 {
			a.log.Debug("plugin config changes detected", logx.Strings("plugins", ch.Plugins))
		}
		a.warnMissing(next)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigChanged, Data: ch})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)...)
	return ch
}
