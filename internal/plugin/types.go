package plugin

import (
	"context"
	"strings"
)

// Item is one unit of collected content. Well-known keys are "title",
// "content" (or "body"/"description") and "url"; nothing else is assumed.
type Item map[string]string

// First returns the first non-blank value among keys.
func (it Item) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(it[k]); v != "" {
			return v
		}
	}
	return ""
}

// Clone returns a shallow copy safe to modify.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Params is the raw per-plugin params mapping from config.
type Params map[string]any

// Source produces items. Implementations may perform network I/O and must
// honor ctx cancellation.
type Source interface {
	Fetch(ctx context.Context, params Params) ([]Item, error)
}

// Processor transforms an item sequence. It must tolerate empty input and
// must not assume a fixed key set.
type Processor interface {
	Process(ctx context.Context, items []Item, params Params) ([]Item, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, params Params) ([]Item, error)

func (f SourceFunc) Fetch(ctx context.Context, params Params) ([]Item, error) {
	return f(ctx, params)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, items []Item, params Params) ([]Item, error)

func (f ProcessorFunc) Process(ctx context.Context, items []Item, params Params) ([]Item, error) {
	return f(ctx, items, params)
}

// DefaultProcessor is the name of the built-in identity processor.
const DefaultProcessor = "default"

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Process(_ context.Context, items []Item, _ Params) ([]Item, error) {
	return items, nil
}
