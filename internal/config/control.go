package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "oxdaily/pkg/logx"
)

// SetSourceEnabled toggles a source by name and persists the change.
func (m *Manager) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	return m.update(ctx, func(c *Config) error {
		return setEnabled(c.Sources, "source", name, enabled)
	})
}

// SetProcessorEnabled toggles a post-processor by name and persists the change.
func (m *Manager) SetProcessorEnabled(ctx context.Context, name string, enabled bool) error {
	return m.update(ctx, func(c *Config) error {
		return setEnabled(c.Postprocessors, "processor", name, enabled)
	})
}

// SetInterval changes schedule.interval_minutes. Non-positive values return
// ErrInvalidInterval and leave the stored schedule untouched.
func (m *Manager) SetInterval(ctx context.Context, minutes int) error {
	if err := ValidateInterval(minutes); err != nil {
		return err
	}
	return m.update(ctx, func(c *Config) error {
		c.Schedule.IntervalMinutes = minutes
		return nil
	})
}

func setEnabled(list []PluginConfig, kind, name string, enabled bool) error {
	name = strings.TrimSpace(name)
	for i := range list {
		if list[i].Name == name {
			list[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
}

// update applies fn to a copy of the current snapshot, validates it, commits
// and publishes it, then writes it back to disk.
//
// Commit happens before the write so the watcher sees a matching hash and
// skips its own echo. A failed write is logged; the in-memory change stays.
func (m *Manager) update(ctx context.Context, fn func(c *Config) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.Get()
	if cur == nil {
		return fmt.Errorf("%w: config not loaded", ErrConfiguration)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	if m.validator != nil {
		if err := m.validator(ctx, next); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}

	m.Commit(next)
	m.publish(next)

	if err := m.save(next); err != nil && !m.log.IsZero() {
		m.log.Warn("config persist failed", logx.String("path", m.path), logx.Err(err))
	}
	return nil
}

// save writes cfg atomically (tmp + rename) in the file's own format.
func (m *Manager) save(cfg *Config) error {
	b, err := encodeFor(m.path, cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, b)
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
