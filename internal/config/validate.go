package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is used when schedule.timezone is empty.
const DefaultTimezone = "Local"

// CronParser is the parser used for schedule.cron (standard 5-field + descriptors).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a parsed config. All failures wrap ErrConfiguration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := validateWebhookURL(cfg.WebhookURL); err != nil {
		add("webhook_url: %v", err)
	}

	checkNames := func(section string, list []PluginConfig) {
		seen := make(map[string]struct{}, len(list))
		for i, p := range list {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				add("%s[%d]: name is required", section, i)
				continue
			}
			if _, dup := seen[name]; dup {
				add("%s[%d]: duplicate name %q", section, i, name)
			}
			seen[name] = struct{}{}
		}
	}
	checkNames("sources", cfg.Sources)
	checkNames("postprocessors", cfg.Postprocessors)

	if err := ValidateInterval(cfg.Schedule.IntervalMinutes); err != nil {
		errs = append(errs, err)
	}
	if _, err := LoadLocation(cfg.Schedule.Timezone); err != nil {
		add("schedule.timezone: %v", err)
	}
	if expr := strings.TrimSpace(cfg.Schedule.Cron); expr != "" {
		if _, err := CronParser.Parse(expr); err != nil {
			add("schedule.cron: %v", err)
		}
	}
	if cfg.Schedule.FetchConcurrency < 0 {
		add("schedule.fetch_concurrency: must be >= 0")
	}

	durs := []struct{ field, raw string }{
		{"schedule.tick_timeout", cfg.Schedule.TickTimeout},
		{"delivery.timeout", cfg.Delivery.Timeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
	}
	if cfg.Storage != nil {
		durs = append(durs, struct{ field, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.field, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Delivery.MaxAttempts < 0 {
		add("delivery.max_attempts: must be >= 0")
	}
	if cfg.Delivery.RatePerSec < 0 {
		add("delivery.rate_per_sec: must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}

// ValidateInterval rejects non-positive intervals with ErrInvalidInterval.
func ValidateInterval(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidInterval, minutes)
	}
	return nil
}

// LoadLocation resolves an IANA zone name; empty and "Local" mean time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == DefaultTimezone {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func validateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
