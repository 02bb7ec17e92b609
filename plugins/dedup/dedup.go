// Package dedup drops items that were already seen within a ttl window.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"oxdaily/internal/config"
	"oxdaily/internal/plugin"
)

const (
	Name = "dedup"

	DefaultKey = "url"
	DefaultTTL = 7 * 24 * time.Hour
)

// Marks is the subset of storage.Store the processor needs.
type Marks interface {
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type Params struct {
	Key string `json:"key"`
	TTL string `json:"ttl"`
}

type Processor struct {
	marks Marks
	now   func() time.Time
}

func New(marks Marks) *Processor {
	return &Processor{marks: marks, now: time.Now}
}

// Process keeps items whose key field has no live mark. Items without the
// key field always pass. Kept keys are marked for ttl only once the digest
// carrying them is delivered, and only for items that reached the digest;
// outside a pipeline run nothing is marked.
func (p *Processor) Process(ctx context.Context, items []plugin.Item, params plugin.Params) ([]plugin.Item, error) {
	if len(items) == 0 {
		return items, nil
	}
	cfg, err := plugin.DecodeParams[Params](params)
	if err != nil {
		return nil, err
	}
	field := strings.TrimSpace(cfg.Key)
	if field == "" {
		field = DefaultKey
	}
	ttl, err := config.ParseDurationOrDefault("ttl", cfg.TTL, DefaultTTL)
	if err != nil {
		return nil, err
	}

	now := p.now()
	kept := make(map[string]bool, len(items))
	out := make([]plugin.Item, 0, len(items))
	for _, it := range items {
		key := it.First(field)
		if key == "" {
			out = append(out, it)
			continue
		}
		if kept[key] {
			continue
		}

		until, ok, err := p.marks.GetDedup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if ok && until.After(now) {
			continue
		}
		kept[key] = true
		out = append(out, it)
	}

	if len(kept) > 0 {
		plugin.OnDelivered(ctx, func(ctx context.Context, delivered []plugin.Item) error {
			return p.mark(ctx, field, kept, delivered, ttl)
		})
	}
	return out, nil
}

// mark records every delivered item whose key this call let through.
func (p *Processor) mark(ctx context.Context, field string, kept map[string]bool, delivered []plugin.Item, ttl time.Duration) error {
	until := p.now().Add(ttl)
	done := make(map[string]bool, len(kept))
	for _, it := range delivered {
		key := it.First(field)
		if !kept[key] || done[key] {
			continue
		}
		done[key] = true
		if err := p.marks.PutDedup(ctx, key, until); err != nil {
			return fmt.Errorf("dedup mark: %w", err)
		}
	}
	return nil
}
