// Package sqlutil carries the small shared pieces of the database/sql stores:
// driver-aware placeholder rebinding and time column round-tripping.
package sqlutil

import (
	"fmt"
	"strings"
	"time"
)

// Rebind converts `?` placeholders to the driver's native form. sqlite3 and
// mysql take `?` as-is; postgres wants `$1..$n`.
func Rebind(driver, query string) string {
	if driver != "postgres" && driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatTime stores timestamps as RFC3339Nano UTC strings so the schema stays
// portable across sqlite3 and postgres TEXT columns.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
