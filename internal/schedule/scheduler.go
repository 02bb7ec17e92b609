// Package schedule computes clock-aligned run instants and waits for them.
//
// The default cadence is every N minutes aligned to local midnight in the
// configured zone (or daily at midnight for N >= 1440). A standard cron
// expression may replace the alignment. Either way the scheduler only ever
// recomputes from "now"; nothing can advance it out of band.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"oxdaily/internal/config"
	logx "oxdaily/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Scheduler holds the current schedule and blocks callers until the next run.
type Scheduler struct {
	mu    sync.RWMutex
	sched cron.Schedule
	loc   *time.Location
	desc  string

	cfg     config.ScheduleConfig
	resched chan struct{}
	now     func() time.Time
	log     logx.Logger
}

// Build turns a schedule config into a cron.Schedule evaluated in its zone.
func Build(cfg config.ScheduleConfig) (cron.Schedule, *time.Location, string, error) {
	if err := config.ValidateInterval(cfg.IntervalMinutes); err != nil {
		return nil, nil, "", err
	}
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: schedule.timezone: %v", config.ErrConfiguration, err)
	}
	if expr := strings.TrimSpace(cfg.Cron); expr != "" {
		cs, err := config.CronParser.Parse(expr)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: schedule.cron: %v", config.ErrConfiguration, err)
		}
		return inLocation{base: cs, loc: loc}, loc, "cron " + expr + " " + loc.String(), nil
	}
	desc := fmt.Sprintf("every %dm aligned %s", cfg.IntervalMinutes, loc)
	if cfg.IntervalMinutes >= minutesPerDay {
		desc = "daily at midnight " + loc.String()
	}
	return Aligned{IntervalMinutes: cfg.IntervalMinutes, Location: loc}, loc, desc, nil
}

func New(cfg config.ScheduleConfig, log logx.Logger) (*Scheduler, error) {
	sched, loc, desc, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	s := newWith(sched, loc, desc, log)
	s.cfg = cfg
	return s, nil
}

func newWith(sched cron.Schedule, loc *time.Location, desc string, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		sched:   sched,
		loc:     loc,
		desc:    desc,
		resched: make(chan struct{}, 1),
		now:     time.Now,
		log:     log.With(logx.String("comp", "schedule")),
	}
}

// Update swaps the schedule. A pending Wait recomputes its target. An
// update that leaves interval, timezone and cron unchanged is a no-op.
func (s *Scheduler) Update(cfg config.ScheduleConfig) error {
	sched, loc, desc, err := Build(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if sameCadence(s.cfg, cfg) {
		s.mu.Unlock()
		return nil
	}
	s.sched, s.loc, s.desc, s.cfg = sched, loc, desc, cfg
	s.mu.Unlock()

	select {
	case s.resched <- struct{}{}:
	default:
	}
	s.log.Info("schedule updated", logx.String("schedule", desc))
	return nil
}

func sameCadence(a, b config.ScheduleConfig) bool {
	return a.IntervalMinutes == b.IntervalMinutes &&
		strings.TrimSpace(a.Timezone) == strings.TrimSpace(b.Timezone) &&
		strings.TrimSpace(a.Cron) == strings.TrimSpace(b.Cron)
}

func (s *Scheduler) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

func (s *Scheduler) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desc
}

// Next returns the next run strictly after the current time.
func (s *Scheduler) Next() time.Time {
	return s.NextAfter(s.now())
}

func (s *Scheduler) NextAfter(t time.Time) time.Time {
	s.mu.RLock()
	sched, loc := s.sched, s.loc
	s.mu.RUnlock()
	return sched.Next(t).In(loc)
}

// NextN returns the next n run instants after the current time.
func (s *Scheduler) NextN(n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := s.now()
	for i := 0; i < n; i++ {
		t = s.NextAfter(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Wait blocks until the next run instant and returns it. It returns
// ctx.Err() as soon as ctx is done. A schedule Update while waiting
// recomputes the target from the current time. A target at or before now
// fires immediately.
func (s *Scheduler) Wait(ctx context.Context) (time.Time, error) {
	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		now := s.now()
		next := s.NextAfter(now)
		if next.IsZero() {
			// cron schedules that can never fire again
			<-ctx.Done()
			return time.Time{}, ctx.Err()
		}
		wait := next.Sub(now)
		if wait <= 0 {
			return next, nil
		}
		s.log.Debug("waiting for next run",
			logx.Time("next_run", next),
			logx.Duration("wait", wait),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Time{}, ctx.Err()
		case <-s.resched:
			t.Stop()
			continue
		case <-t.C:
			return next, nil
		}
	}
}
