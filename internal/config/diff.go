package config

import (
	"reflect"
	"sort"
	"strings"

	logx "oxdaily/pkg/logx"
)

// Change summarizes what differs between two snapshots.
type Change struct {
	// Sections lists changed top-level sections in a stable order.
	Sections []string
	// Attrs are log fields safe to emit (never secrets or tokens).
	Attrs []logx.Field
	// Plugins lists source/processor names whose enable flag or params changed.
	Plugins []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff returns a compact summary of the change from oldCfg to newCfg.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if strings.TrimSpace(oldCfg.WebhookURL) != strings.TrimSpace(newCfg.WebhookURL) ||
		oldCfg.WebhookSecret != newCfg.WebhookSecret {
		ch.Sections = append(ch.Sections, "webhook")
		ch.Attrs = append(ch.Attrs,
			logx.String("webhook.host", webhookHost(newCfg.WebhookURL)),
			logx.Bool("webhook.signed", newCfg.WebhookSecret != ""),
		)
	}

	srcNames := diffPlugins(oldCfg.Sources, newCfg.Sources)
	if len(srcNames) > 0 {
		ch.Sections = append(ch.Sections, "sources")
		ch.Attrs = append(ch.Attrs, logx.Int("sources.enabled", len(enabledOnly(newCfg.Sources))))
		ch.Plugins = append(ch.Plugins, srcNames...)
	}
	procNames := diffPlugins(oldCfg.Postprocessors, newCfg.Postprocessors)
	if len(procNames) > 0 {
		ch.Sections = append(ch.Sections, "postprocessors")
		ch.Attrs = append(ch.Attrs, logx.Int("postprocessors.enabled", len(enabledOnly(newCfg.Postprocessors))))
		ch.Plugins = append(ch.Plugins, procNames...)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		ch.Sections = append(ch.Sections, "schedule")
		ch.Attrs = append(ch.Attrs,
			logx.Int("schedule.interval_minutes", newCfg.Schedule.IntervalMinutes),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.String("schedule.cron", newCfg.Schedule.Cron),
		)
	}
	if oldCfg.Digest != newCfg.Digest {
		ch.Sections = append(ch.Sections, "digest")
	}
	if oldCfg.Delivery != newCfg.Delivery {
		ch.Sections = append(ch.Sections, "delivery")
		ch.Attrs = append(ch.Attrs,
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.String("delivery.timeout", newCfg.Delivery.Timeout),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		ch.Sections = append(ch.Sections, "metrics")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}

	sort.Strings(ch.Plugins)
	return ch
}

func diffPlugins(a, b []PluginConfig) []string {
	if reflect.DeepEqual(a, b) {
		return nil
	}
	byName := func(list []PluginConfig) map[string]PluginConfig {
		m := make(map[string]PluginConfig, len(list))
		for _, p := range list {
			m[p.Name] = p
		}
		return m
	}
	am, bm := byName(a), byName(b)
	set := map[string]struct{}{}
	for name, pa := range am {
		if pb, ok := bm[name]; !ok || !reflect.DeepEqual(pa, pb) {
			set[name] = struct{}{}
		}
	}
	for name := range bm {
		if _, ok := am[name]; !ok {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	if len(out) == 0 {
		// Same members, different order.
		out = append(out, "(order)")
	}
	return out
}

func webhookHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
