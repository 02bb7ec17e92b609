package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "webhook_url": "https://open.example.com/hook/abc",
  "sources": [
    {"name": "github_trending", "params": {"time_range": "daily"}},
    {"name": "rss", "enabled": false, "params": {"url": "https://example.com/feed"}}
  ],
  "postprocessors": [
    {"name": "keyword_match", "enabled": true, "params": {"keywords": ["go"]}}
  ],
  "schedule": {"interval_minutes": 30, "timezone": "UTC"}
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsEnabledAndFiltersAccessors(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Sources[0].Enabled {
		t.Fatalf("omitted enabled should default to true")
	}
	if cfg.Sources[1].Enabled {
		t.Fatalf("explicit enabled=false was not kept")
	}

	srcs := m.Sources()
	if len(srcs) != 1 || srcs[0].Name != "github_trending" {
		t.Fatalf("Sources() = %+v, want only github_trending", srcs)
	}
	if got := m.Processors(); len(got) != 1 || got[0].Name != "keyword_match" {
		t.Fatalf("Processors() = %+v", got)
	}
	if got := m.Schedule(); got.IntervalMinutes != 30 || got.Timezone != "UTC" {
		t.Fatalf("Schedule() = %+v", got)
	}
	if got := m.WebhookURL(); got != "https://open.example.com/hook/abc" {
		t.Fatalf("WebhookURL() = %q", got)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := `
webhook_url: https://open.example.com/hook/abc
sources:
  - name: rss
    params:
      url: https://example.com/feed
      limit: 5
postprocessors: []
schedule:
  interval_minutes: 1440
  timezone: Asia/Shanghai
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.IntervalMinutes != 1440 {
		t.Fatalf("interval = %d", cfg.Schedule.IntervalMinutes)
	}
	if got, ok := cfg.Sources[0].Params["limit"].(float64); !ok || got != 5 {
		t.Fatalf("params.limit = %#v", cfg.Sources[0].Params["limit"])
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown top-level", body: `{"webhook_url":"https://x.example/h","nope":1}`},
		{name: "unknown plugin field", body: `{"sources":[{"name":"a","bogus":true}]}`},
		{name: "trailing", body: `{"webhook_url":"https://x.example/h"} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.json", tt.body))
			if _, err := m.Parse(); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Parse error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			WebhookURL: "https://open.example.com/hook",
			Sources:    []SourceConfig{{Name: "a", Enabled: true}},
			Schedule:   ScheduleConfig{IntervalMinutes: 60, Timezone: "UTC"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "zero interval", mutate: func(c *Config) { c.Schedule.IntervalMinutes = 0 }, wantErr: ErrInvalidInterval},
		{name: "negative interval", mutate: func(c *Config) { c.Schedule.IntervalMinutes = -5 }, wantErr: ErrInvalidInterval},
		{name: "bad timezone", mutate: func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, wantErr: ErrConfiguration},
		{name: "bad cron", mutate: func(c *Config) { c.Schedule.Cron = "every day" }, wantErr: ErrConfiguration},
		{name: "missing webhook", mutate: func(c *Config) { c.WebhookURL = "" }, wantErr: ErrConfiguration},
		{name: "ftp webhook", mutate: func(c *Config) { c.WebhookURL = "ftp://x/y" }, wantErr: ErrConfiguration},
		{name: "duplicate source", mutate: func(c *Config) {
			c.Sources = append(c.Sources, SourceConfig{Name: "a"})
		}, wantErr: ErrConfiguration},
		{name: "bad duration", mutate: func(c *Config) { c.Delivery.Timeout = "soon" }, wantErr: ErrConfiguration},
		{name: "bad storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis"}
		}, wantErr: ErrConfiguration},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestControlOperationsPersist(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if err := m.SetSourceEnabled(ctx, "rss", true); err != nil {
		t.Fatalf("SetSourceEnabled: %v", err)
	}
	if len(m.Sources()) != 2 {
		t.Fatalf("rss not enabled: %+v", m.Sources())
	}
	select {
	case cfg := <-sub:
		if !cfg.Sources[1].Enabled {
			t.Fatalf("published snapshot missing change")
		}
	case <-time.After(time.Second):
		t.Fatalf("no publish after control operation")
	}

	if err := m.SetProcessorEnabled(ctx, "keyword_match", false); err != nil {
		t.Fatalf("SetProcessorEnabled: %v", err)
	}
	if len(m.Processors()) != 0 {
		t.Fatalf("processor still enabled")
	}

	if err := m.SetSourceEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown source error = %v, want ErrNotFound", err)
	}

	if err := m.SetInterval(ctx, 0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("SetInterval(0) = %v, want ErrInvalidInterval", err)
	}
	if got := m.Schedule().IntervalMinutes; got != 30 {
		t.Fatalf("interval changed after rejected update: %d", got)
	}
	if err := m.SetInterval(ctx, 1440); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}

	// The file on disk reflects all accepted changes.
	disk, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("reload from disk: %v", err)
	}
	if disk.Schedule.IntervalMinutes != 1440 || !disk.Sources[1].Enabled || disk.Postprocessors[0].Enabled {
		t.Fatalf("persisted config = %+v", disk)
	}

	// Re-reading our own save is not a change.
	changed, err := m.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if changed {
		t.Fatalf("Reload after own save reported a change")
	}
}

func TestPersistKeepsYAMLFormat(t *testing.T) {
	t.Parallel()
	body := "webhook_url: https://open.example.com/hook\nsources:\n  - name: rss\npostprocessors: []\nschedule:\n  interval_minutes: 60\n  timezone: UTC\n"
	path := writeConfig(t, "config.yml", body)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.SetInterval(context.Background(), 15); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(b)), "{") {
		t.Fatalf("yaml config rewritten as json:\n%s", b)
	}
	if !strings.Contains(string(b), "interval_minutes: 15") {
		t.Fatalf("saved yaml missing new interval:\n%s", b)
	}
	if changed, err := m.Reload(context.Background()); err != nil || changed {
		t.Fatalf("Reload = %v, %v; want false, nil", changed, err)
	}
}

func TestReloadRejectsInvalidAndKeepsLastGood(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	bad := strings.Replace(sampleJSON, `"interval_minutes": 30`, `"interval_minutes": 0`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("Reload error = %v, want ErrInvalidInterval", err)
	}
	if m.Schedule().IntervalMinutes != 30 {
		t.Fatalf("invalid reload replaced committed config")
	}
}

func TestReloadWaitsForPendingControlWrite(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	edited := strings.Replace(sampleJSON, `"interval_minutes": 30`, `"interval_minutes": 45`, 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Hold the write lock the way update does between commit and save.
	m.writeMu.Lock()
	done := make(chan bool, 1)
	go func() {
		changed, _ := m.Reload(context.Background())
		done <- changed
	}()
	select {
	case <-done:
		m.writeMu.Unlock()
		t.Fatalf("Reload ran while a control write was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	m.writeMu.Unlock()

	select {
	case changed := <-done:
		if !changed || m.Schedule().IntervalMinutes != 45 {
			t.Fatalf("changed = %v interval = %d", changed, m.Schedule().IntervalMinutes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Reload never finished")
	}
}

func TestSubscribeCurrentMissesNoCommit(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub, cur := m.SubscribeCurrent(1)
	defer m.Unsubscribe(sub)
	if cur.Schedule.IntervalMinutes != 30 {
		t.Fatalf("snapshot interval = %d", cur.Schedule.IntervalMinutes)
	}
	if err := m.SetInterval(context.Background(), 60); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Schedule.IntervalMinutes != 60 {
			t.Fatalf("published interval = %d", cfg.Schedule.IntervalMinutes)
		}
	default:
		t.Fatalf("commit after SubscribeCurrent was not published")
	}
}

func TestWatchPublishesFileEdits(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	edited := strings.Replace(sampleJSON, `"interval_minutes": 30`, `"interval_minutes": 45`, 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Schedule.IntervalMinutes != 45 {
			t.Fatalf("published interval = %d, want 45", cfg.Schedule.IntervalMinutes)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not publish the edit")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := &Config{
		WebhookURL: "https://h.example/x",
		Sources:    []SourceConfig{{Name: "a", Enabled: true}},
		Schedule:   ScheduleConfig{IntervalMinutes: 60},
	}
	b := a.Clone()
	b.Sources[0].Enabled = false
	b.Schedule.IntervalMinutes = 30

	ch := Diff(a, b)
	if !ch.Has("sources") || !ch.Has("schedule") {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if ch.Has("webhook") {
		t.Fatalf("webhook reported changed")
	}
	if len(ch.Plugins) != 1 || ch.Plugins[0] != "a" {
		t.Fatalf("plugins = %v", ch.Plugins)
	}
	if !Diff(a, a.Clone()).Empty() {
		t.Fatalf("clone should diff empty")
	}
}
