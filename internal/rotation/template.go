package rotation

import (
	"strings"
	"time"
)

// RenderPath expands the brace sections of a feed path template. Each
// section holds a layout for the time package reference date, so
// "trades-{2006-01-02}.csv" renders to the path for the given day. Text
// outside braces is copied through, and a template without a complete
// brace pair comes back unchanged.
func RenderPath(template string, now time.Time) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		b.WriteString(now.Format(rest[open+1 : open+end]))
		rest = rest[open+end+1:]
	}
}

// HasTemplate reports whether the path contains a brace section that
// RenderPath would expand.
func HasTemplate(template string) bool {
	open := strings.IndexByte(template, '{')
	if open < 0 {
		return false
	}
	return strings.IndexByte(template[open:], '}') > 0
}
