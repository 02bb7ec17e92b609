package pipeline

import (
	"strings"
	"time"

	"oxdaily/internal/plugin"
)

const (
	DefaultTitle      = "Ox Daily"
	DefaultTimeFormat = "2006-01-02 15:04:05"

	placeholderTitle   = "(no title)"
	placeholderContent = "(no content)"
	divider            = "---"
)

// DigestOptions controls the rendered header.
type DigestOptions struct {
	Title      string
	TimeFormat string // Go layout
	Location   *time.Location
}

func (o DigestOptions) title() string {
	if t := strings.TrimSpace(o.Title); t != "" {
		return t
	}
	return DefaultTitle
}

// Render builds the markdown digest: a header with the title and timestamp,
// then one section per item separated by dividers. Missing titles/content
// render placeholders; the link line is omitted when an item has no url.
func Render(items []plugin.Item, opts DigestOptions, now time.Time) string {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	layout := opts.TimeFormat
	if strings.TrimSpace(layout) == "" {
		layout = DefaultTimeFormat
	}

	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(opts.title())
	b.WriteString("\n\n*Updated: ")
	b.WriteString(now.In(loc).Format(layout))
	b.WriteString("*\n\n")

	for i, it := range items {
		if i > 0 {
			b.WriteString(divider)
			b.WriteString("\n\n")
		}
		title := it.First("title", "name")
		if title == "" {
			title = placeholderTitle
		}
		content := it.First("content", "body", "description")
		if content == "" {
			content = placeholderContent
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n\n")
		b.WriteString(content)
		b.WriteString("\n\n")
		if u := it.First("url"); u != "" {
			b.WriteString("[View details](")
			b.WriteString(u)
			b.WriteString(")\n\n")
		}
	}
	return b.String()
}
