package plugin

import (
	"context"
	"sync"
)

// AfterDelivery runs once a tick's digest was delivered, with the items that
// were actually sent.
type AfterDelivery func(ctx context.Context, delivered []Item) error

// Hooks collects AfterDelivery callbacks staged during one processor call.
type Hooks struct {
	mu  sync.Mutex
	fns []AfterDelivery
}

type hooksKey struct{}

// WithHooks returns a context on which OnDelivered stages into the returned Hooks.
func WithHooks(ctx context.Context) (context.Context, *Hooks) {
	h := &Hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// OnDelivered stages fn for after a successful delivery. It reports false,
// and fn never runs, when ctx does not belong to a pipeline run.
func OnDelivered(ctx context.Context, fn AfterDelivery) bool {
	h, ok := ctx.Value(hooksKey{}).(*Hooks)
	if !ok || h == nil || fn == nil {
		return false
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
	return true
}

// Staged returns the callbacks staged so far.
func (h *Hooks) Staged() []AfterDelivery {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]AfterDelivery(nil), h.fns...)
}
