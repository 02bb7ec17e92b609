package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logx "oxdaily/pkg/logx"
)

var (
	// ErrConfiguration marks configuration problems that are fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned by control operations for an unknown source/processor name.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInterval is returned when interval_minutes is not > 0.
	ErrInvalidInterval = fmt.Errorf("%w: interval_minutes must be > 0", ErrConfiguration)
)

// Manager owns the committed config snapshot and its on-disk file.
//
// Snapshots returned by Get are never mutated in place; control operations
// clone, modify, validate, persist and then commit a new snapshot.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// writeMu serializes every commit after Load: control operations and reloads.
	writeMu sync.Mutex

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed content so editor write bursts and
	// our own saves do not republish an unchanged config.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs an extra validation hook run after Validate on every
// reload before committing/publishing.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the config file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return parseBytes(m.path, b)
}

func parseBytes(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", ErrConfiguration)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Load parses, validates and commits the config file. Used at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Sources returns the enabled sources in declaration order.
func (m *Manager) Sources() []SourceConfig {
	cfg := m.Get()
	if cfg == nil {
		return nil
	}
	return enabledOnly(cfg.Sources)
}

// Processors returns the enabled post-processors in declaration order.
func (m *Manager) Processors() []ProcessorConfig {
	cfg := m.Get()
	if cfg == nil {
		return nil
	}
	return enabledOnly(cfg.Postprocessors)
}

func (m *Manager) Schedule() ScheduleConfig {
	cfg := m.Get()
	if cfg == nil {
		return ScheduleConfig{}
	}
	return cfg.Schedule
}

func (m *Manager) WebhookURL() string {
	cfg := m.Get()
	if cfg == nil {
		return ""
	}
	return cfg.WebhookURL
}

// Reload re-reads the file and commits it if it validates and differs from
// the current snapshot. It reports whether a new config was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	// Serialized with update so a reload never reads the file between a
	// control commit and its save.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		}
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
	return true, nil
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// SubscribeCurrent subscribes and returns the committed snapshot as one step:
// every later commit is delivered on the channel, and none is folded into the
// returned snapshot unseen.
func (m *Manager) SubscribeCurrent(buffer int) (chan *Config, *Config) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.Subscribe(buffer), m.Get()
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Latest wins: a slow subscriber loses its oldest queued snapshot.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			if !m.log.IsZero() {
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}
