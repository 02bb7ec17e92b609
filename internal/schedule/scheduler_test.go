package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"oxdaily/internal/config"
	logx "oxdaily/pkg/logx"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	at := func(h, m, s int) time.Time { return time.Date(2024, 3, 10, h, m, s, 0, utc) }

	tests := []struct {
		name     string
		now      time.Time
		interval int
		want     time.Time
	}{
		{name: "quarter hour mid-slot", now: at(10, 15, 0), interval: 30, want: at(10, 30, 0)},
		{name: "exact boundary moves forward", now: at(10, 30, 0), interval: 30, want: at(11, 0, 0)},
		{name: "seconds past boundary", now: at(10, 30, 45), interval: 30, want: at(11, 0, 0)},
		{name: "every minute", now: at(8, 0, 59), interval: 1, want: at(8, 1, 0)},
		{name: "hourly", now: at(23, 5, 0), interval: 60, want: time.Date(2024, 3, 11, 0, 0, 0, 0, utc)},
		{name: "non-divisor rolls to next day", now: at(23, 55, 0), interval: 7, want: time.Date(2024, 3, 11, 0, 2, 0, 0, utc)},
		{name: "daily", now: at(10, 15, 0), interval: 1440, want: time.Date(2024, 3, 11, 0, 0, 0, 0, utc)},
		{name: "daily at midnight", now: at(0, 0, 0), interval: 1440, want: time.Date(2024, 3, 11, 0, 0, 0, 0, utc)},
		{name: "longer than a day", now: at(12, 0, 0), interval: 2880, want: time.Date(2024, 3, 11, 0, 0, 0, 0, utc)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextRun(tt.now, tt.interval, utc)
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun(%s, %d) = %s, want %s", tt.now.Format(time.RFC3339), tt.interval, got.Format(time.RFC3339), tt.want.Format(time.RFC3339))
			}
			if !got.After(tt.now) {
				t.Fatalf("NextRun not strictly after now")
			}
		})
	}
}

func TestNextRunAcrossFallBack(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	// 2026-11-01 01:00-02:00 happens twice: EDT (05:00-06:00Z), then EST (06:00-07:00Z).
	utc := func(h, m int) time.Time { return time.Date(2026, 11, 1, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "first 01:10", now: utc(5, 10), want: utc(5, 30)},
		{name: "second 01:10", now: utc(6, 10), want: utc(6, 30)},
		{name: "second 01:40", now: utc(6, 40), want: utc(7, 0)},
	}
	for _, tt := range tests {
		got := NextRun(tt.now, 30, ny)
		if !got.After(tt.now) || !got.Equal(tt.want) {
			t.Fatalf("%s: NextRun = %s, want %s", tt.name, got.UTC().Format(time.RFC3339), tt.want.Format(time.RFC3339))
		}
	}

	// Stepping through the repeated hour never yields a run at or before now.
	for now := utc(4, 30); now.Before(utc(8, 0)); now = now.Add(time.Minute) {
		if next := NextRun(now, 30, ny); !next.After(now) || next.Sub(now) > 90*time.Minute {
			t.Fatalf("NextRun(%s) = %s", now.Format(time.RFC3339), next.UTC().Format(time.RFC3339))
		}
	}
}

func TestNextRunUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	sh := mustLoc(t, "Asia/Shanghai")
	// 16:30 UTC is 00:30 next day in Shanghai; next daily run is the following Shanghai midnight.
	now := time.Date(2024, 3, 10, 16, 30, 0, 0, time.UTC)
	got := NextRun(now, 1440, sh)
	want := time.Date(2024, 3, 12, 0, 0, 0, 0, sh)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %s, want %s", got, want)
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	if _, _, _, err := Build(config.ScheduleConfig{IntervalMinutes: 0, Timezone: "UTC"}); !errors.Is(err, config.ErrInvalidInterval) {
		t.Fatalf("Build(interval 0) = %v, want ErrInvalidInterval", err)
	}
	if _, _, _, err := Build(config.ScheduleConfig{IntervalMinutes: 30, Timezone: "Nowhere/Land"}); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Build(bad tz) = %v, want ErrConfiguration", err)
	}

	sched, _, desc, err := Build(config.ScheduleConfig{IntervalMinutes: 30, Timezone: "UTC", Cron: "0 9 * * *"})
	if err != nil {
		t.Fatalf("Build(cron): %v", err)
	}
	if desc == "" {
		t.Fatalf("empty description")
	}
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	if got, want := sched.Next(now), time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron Next = %s, want %s", got, want)
	}
}

type fixedSchedule struct{ at time.Time }

func (f fixedSchedule) Next(time.Time) time.Time { return f.at }

func TestWaitFiresImmediatelyWhenDue(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute)
	s := newWith(fixedSchedule{at: past}, time.UTC, "fixed", logx.Nop())

	start := time.Now()
	got, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !got.Equal(past) {
		t.Fatalf("Wait returned %s, want %s", got, past)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Wait slept for an already-due run")
	}
}

func TestWaitFiresAtTarget(t *testing.T) {
	t.Parallel()
	target := time.Now().Add(40 * time.Millisecond)
	s := newWith(fixedSchedule{at: target}, time.UTC, "fixed", logx.Nop())
	got, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !got.Equal(target) {
		t.Fatalf("Wait returned %s, want %s", got, target)
	}
	if time.Now().Before(target) {
		t.Fatalf("Wait returned before target")
	}
}

func TestWaitInterruptedByCancel(t *testing.T) {
	t.Parallel()
	s := newWith(fixedSchedule{at: time.Now().Add(time.Hour)}, time.UTC, "fixed", logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := s.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel did not interrupt the wait promptly")
	}
}

func TestUpdateRecomputesPendingWait(t *testing.T) {
	t.Parallel()
	s, err := New(config.ScheduleConfig{IntervalMinutes: 1440, Timezone: "UTC"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 100ms before a quarter-hour boundary.
	base := time.Date(2024, 3, 10, 10, 14, 59, 900_000_000, time.UTC)
	started := time.Now()
	s.now = func() time.Time { return base.Add(time.Since(started)) }

	type res struct {
		at  time.Time
		err error
	}
	done := make(chan res, 1)
	go func() {
		at, err := s.Wait(context.Background())
		done <- res{at, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Update(config.ScheduleConfig{IntervalMinutes: 15, Timezone: "UTC"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Wait: %v", r.err)
		}
		want := time.Date(2024, 3, 10, 10, 15, 0, 0, time.UTC)
		if !r.at.Equal(want) {
			t.Fatalf("Wait returned %s, want %s", r.at, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending wait was not recomputed after Update")
	}
}

func TestNextN(t *testing.T) {
	t.Parallel()
	s, err := New(config.ScheduleConfig{IntervalMinutes: 30, Timezone: "UTC"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 10, 23, 10, 0, 0, time.UTC) }
	got := s.NextN(3)
	want := []time.Time{
		time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 0, 30, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("NextN len = %d", len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("NextN[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUpdateSameCadenceIsNoop(t *testing.T) {
	t.Parallel()
	cfg := config.ScheduleConfig{IntervalMinutes: 30, Timezone: "UTC"}
	s, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg.TickTimeout = "5m"
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case <-s.resched:
		t.Fatalf("unchanged cadence signalled a reschedule")
	default:
	}
	if err := s.Update(config.ScheduleConfig{IntervalMinutes: 0}); err == nil {
		t.Fatalf("invalid interval accepted")
	}
	if s.String() != "every 30m aligned UTC" {
		t.Fatalf("schedule changed after rejected update: %s", s.String())
	}
}
