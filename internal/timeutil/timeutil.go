// Package timeutil converts between the ISO-8601 text timestamps stored
// in every synchronized row and the unix-second integers the protocol
// and watermark reason about.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// candidateLayouts lists timestamp shapes accepted across the two peers'
// SQLite drivers and across manually-authored fixtures. Tried in order,
// first match wins — mirrors the teacher's parseTimestamp fallback list.
var candidateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 -0700 -0700",
	"2006-01-02 15:04:05 -0700 -0700",
	"2006-01-02 15:04:05 -0700 MST",
}

// ParseISO8601 parses an ISO-8601 (or close variant) timestamp string.
func ParseISO8601(s string) (time.Time, error) {
	for _, layout := range candidateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timeutil: unrecognized timestamp format: %q", s)
}

// ToUnixSeconds converts an ISO-8601 timestamp string to unix seconds,
// truncating sub-second precision (floor of the millisecond value).
func ToUnixSeconds(s string) (int64, error) {
	t, err := ParseISO8601(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli() / 1000, nil
}

// MustToUnixSeconds is ToUnixSeconds but returns 0 on error, for call
// sites that have already validated the input (e.g. a row just written
// by this process).
func MustToUnixSeconds(s string) int64 {
	v, err := ToUnixSeconds(s)
	if err != nil {
		return 0
	}
	return v
}

// FromUnixSeconds formats a unix-second integer as RFC3339 UTC text,
// the canonical wire form this engine writes.
func FromUnixSeconds(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// Now returns the current unix-second timestamp, truncated toward zero.
func Now() int64 {
	return time.Now().Unix()
}

// ParseWatermark parses the decimal-text watermark value read from the
// Watermark Store. Empty string means "never synced" (0).
func ParseWatermark(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timeutil: parse watermark %q: %w", s, err)
	}
	return v, nil
}

// FormatWatermark renders a unix-second watermark as the decimal text
// the Watermark Store persists under its single key.
func FormatWatermark(sec int64) string {
	return strconv.FormatInt(sec, 10)
}
