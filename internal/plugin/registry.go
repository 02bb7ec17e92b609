package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	logx "oxdaily/pkg/logx"
)

// ErrPluginNotFound is returned when a configured name has no registration.
var ErrPluginNotFound = errors.New("plugin not found")

// Registry maps names to Source and Processor implementations.
//
// Registration normally happens once in main before the orchestrator starts,
// but the registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sources    map[string]Source
	processors map[string]Processor

	log logx.Logger
}

// NewRegistry returns a registry with the identity processor pre-registered
// as DefaultProcessor.
func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		sources:    map[string]Source{},
		processors: map[string]Processor{},
		log:        log.With(logx.String("comp", "plugin")),
	}
	r.processors[DefaultProcessor] = Identity{}
	return r
}

// RegisterSource inserts or replaces a source. Last registration wins.
func (r *Registry) RegisterSource(name string, s Source) {
	name = strings.TrimSpace(name)
	if name == "" || s == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.sources[name]
	r.sources[name] = s
	r.mu.Unlock()
	if replaced {
		r.log.Debug("source registration replaced", logx.String("source", name))
	}
}

// RegisterProcessor inserts or replaces a processor. Last registration wins.
func (r *Registry) RegisterProcessor(name string, p Processor) {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.processors[name]
	r.processors[name] = p
	r.mu.Unlock()
	if replaced {
		r.log.Debug("processor registration replaced", logx.String("processor", name))
	}
}

func (r *Registry) ResolveSource(name string) (Source, error) {
	r.mu.RLock()
	s, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q: %w", name, ErrPluginNotFound)
	}
	return s, nil
}

func (r *Registry) ResolveProcessor(name string) (Processor, error) {
	r.mu.RLock()
	p, ok := r.processors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor %q: %w", name, ErrPluginNotFound)
	}
	return p, nil
}

// SourceNames returns registered source names, sorted.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// ProcessorNames returns registered processor names, sorted.
func (r *Registry) ProcessorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.processors)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Missing returns the names in want that have no registration of the given kind.
func (r *Registry) Missing(kind Kind, want []string) []string {
	var out []string
	for _, name := range want {
		var err error
		switch kind {
		case KindSource:
			_, err = r.ResolveSource(name)
		case KindProcessor:
			_, err = r.ResolveProcessor(name)
		}
		if err != nil {
			out = append(out, name)
		}
	}
	return out
}

type Kind string

const (
	KindSource    Kind = "source"
	KindProcessor Kind = "processor"
)

// SafeFetch calls s.Fetch, converting a panic into an error.
func SafeFetch(ctx context.Context, name string, s Source, params Params) (items []Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = &PanicError{Call: "source." + name, Value: r, Stack: debug.Stack()}
		}
	}()
	return s.Fetch(ctx, params)
}

// SafeProcess calls p.Process, converting a panic into an error.
func SafeProcess(ctx context.Context, name string, p Processor, items []Item, params Params) (out []Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Call: "processor." + name, Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Process(ctx, items, params)
}

// PanicError carries a recovered panic from a plugin call.
type PanicError struct {
	Call  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Call, e.Value) }
