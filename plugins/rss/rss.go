// Package rss turns RSS/Atom/JSON feeds into items.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"oxdaily/internal/config"
	"oxdaily/internal/plugin"
	logx "oxdaily/pkg/logx"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	Name = "rss"

	maxContentRunes = 300
)

type Params struct {
	URL    string   `json:"url"`
	URLs   []string `json:"urls"`
	Limit  int      `json:"limit"`   // per feed
	MaxAge string   `json:"max_age"` // Go duration; empty keeps everything
}

func (p Params) feeds() []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range append([]string{p.URL}, p.URLs...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

type Source struct {
	Client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(log logx.Logger) *Source {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{
		Client: &http.Client{Timeout: 20 * time.Second},
		log:    log.With(logx.String("source", Name)),
		now:    time.Now,
	}
}

// Fetch reads every configured feed in order. A feed that fails is logged
// and skipped; the call fails only when every feed failed.
func (s *Source) Fetch(ctx context.Context, params plugin.Params) ([]plugin.Item, error) {
	p, err := plugin.DecodeParams[Params](params)
	if err != nil {
		return nil, err
	}
	feeds := p.feeds()
	if len(feeds) == 0 {
		return nil, errors.New("rss: url or urls is required")
	}
	maxAge, err := config.ParseDurationField("max_age", p.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("rss: %w", err)
	}

	parser := gofeed.NewParser()
	if s.Client != nil {
		parser.Client = s.Client
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}

	var (
		out  []plugin.Item
		errs []error
	)
	for _, u := range feeds {
		feed, err := parser.ParseURLWithContext(u, ctx)
		if err != nil {
			s.log.Warn("feed fetch failed", logx.String("url", u), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		out = append(out, convert(feed, now, maxAge, p.Limit)...)
	}
	if len(errs) == len(feeds) {
		return nil, fmt.Errorf("rss: %w", errors.Join(errs...))
	}
	return out, nil
}

func convert(feed *gofeed.Feed, now time.Time, maxAge time.Duration, limit int) []plugin.Item {
	out := make([]plugin.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		if limit > 0 && len(out) >= limit {
			break
		}
		pub := published(fi)
		if maxAge > 0 && !pub.IsZero() && pub.Before(now.Add(-maxAge)) {
			continue
		}
		it := plugin.Item{
			"title": strings.TrimSpace(fi.Title),
			"url":   strings.TrimSpace(fi.Link),
			"feed":  strings.TrimSpace(feed.Title),
		}
		desc := fi.Description
		if strings.TrimSpace(desc) == "" {
			desc = fi.Content
		}
		if c := truncate(plainText(desc), maxContentRunes); c != "" {
			it["content"] = c
		}
		if !pub.IsZero() {
			it["published"] = pub.UTC().Format(time.RFC3339)
		}
		if fi.Author != nil && fi.Author.Name != "" {
			it["author"] = fi.Author.Name
		}
		out = append(out, it)
	}
	return out
}

func published(fi *gofeed.Item) time.Time {
	switch {
	case fi.PublishedParsed != nil:
		return *fi.PublishedParsed
	case fi.UpdatedParsed != nil:
		return *fi.UpdatedParsed
	default:
		return time.Time{}
	}
}

func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
