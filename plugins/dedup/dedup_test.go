package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"oxdaily/internal/plugin"
	"oxdaily/internal/storage"
)

func urls(items []plugin.Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, it["url"])
	}
	return out
}

// run processes items inside a pipeline-like context. When delivered is
// non-nil the staged callbacks run with delivered(out) as the sent items.
func run(t *testing.T, p *Processor, items []plugin.Item, params plugin.Params, delivered func([]plugin.Item) []plugin.Item) []plugin.Item {
	t.Helper()
	ctx, hooks := plugin.WithHooks(context.Background())
	out, err := p.Process(ctx, items, params)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if delivered != nil {
		sent := delivered(out)
		for _, fn := range hooks.Staged() {
			if err := fn(context.Background(), sent); err != nil {
				t.Fatalf("after delivery: %v", err)
			}
		}
	}
	return out
}

func all(in []plugin.Item) []plugin.Item { return in }

func TestProcessDropsSeenWithinTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	p := New(storage.NewMemory())
	p.now = func() time.Time { return now }
	ttl := plugin.Params{"ttl": "1h"}

	first := []plugin.Item{{"url": "a"}, {"url": "b"}, {"url": "a"}, {"title": "no url"}}
	got := run(t, p, first, ttl, all)
	if len(got) != 3 || got[0]["url"] != "a" || got[1]["url"] != "b" || got[2]["title"] != "no url" {
		t.Fatalf("first run = %v", got)
	}

	second := []plugin.Item{{"url": "a"}, {"url": "c"}, {"title": "no url"}}
	got = run(t, p, second, ttl, all)
	if u := urls(got); len(u) != 2 || u[0] != "c" || u[1] != "" {
		t.Fatalf("second run = %v", got)
	}

	now = now.Add(2 * time.Hour)
	got = run(t, p, []plugin.Item{{"url": "a"}}, ttl, nil)
	if len(got) != 1 {
		t.Fatalf("expired mark still filtered: %v", got)
	}
}

func TestMarksOnlyDeliveredItems(t *testing.T) {
	t.Parallel()
	p := New(storage.NewMemory())
	items := func() []plugin.Item { return []plugin.Item{{"url": "a"}, {"url": "b"}} }

	// Delivery failed: nothing is marked and both items come back.
	run(t, p, items(), nil, nil)
	if got := run(t, p, items(), nil, func(out []plugin.Item) []plugin.Item {
		// A later step dropped "b" before the digest went out.
		return out[:1]
	}); len(got) != 2 {
		t.Fatalf("after failed delivery = %v, want both items", got)
	}

	if got := urls(run(t, p, items(), nil, nil)); len(got) != 1 || got[0] != "b" {
		t.Fatalf("after delivering only a = %v, want [b]", got)
	}
}

func TestProcessOutsidePipelineMarksNothing(t *testing.T) {
	t.Parallel()
	p := New(storage.NewMemory())
	for i := 0; i < 2; i++ {
		got, err := p.Process(context.Background(), []plugin.Item{{"url": "a"}}, nil)
		if err != nil || len(got) != 1 {
			t.Fatalf("pass %d = %v, %v", i, got, err)
		}
	}
}

func TestProcessCustomKey(t *testing.T) {
	t.Parallel()
	p := New(storage.NewMemory())
	items := []plugin.Item{{"title": "same", "url": "1"}, {"title": "same", "url": "2"}}
	got := run(t, p, items, plugin.Params{"key": "title"}, all)
	if len(got) != 1 || got[0]["url"] != "1" {
		t.Fatalf("custom key = %v", got)
	}
	if again := run(t, p, items, plugin.Params{"key": "title"}, nil); len(again) != 0 {
		t.Fatalf("delivered title not marked: %v", again)
	}
}

type failingMarks struct{}

func (failingMarks) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("db locked")
}

func (failingMarks) PutDedup(context.Context, string, time.Time) error { return nil }

func TestProcessStoreErrorsAndParams(t *testing.T) {
	t.Parallel()
	if _, err := New(failingMarks{}).Process(context.Background(), []plugin.Item{{"url": "x"}}, nil); err == nil {
		t.Fatalf("store error swallowed")
	}
	if _, err := New(storage.NewMemory()).Process(context.Background(), []plugin.Item{{"url": "x"}}, plugin.Params{"ttl": "forever"}); err == nil {
		t.Fatalf("bad ttl accepted")
	}
	got, err := New(failingMarks{}).Process(context.Background(), nil, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty input = %v, %v", got, err)
	}
}
