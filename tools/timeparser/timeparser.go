package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseObservedAt attempts to parse a KPI observation timestamp with multiple formats
func ParseObservedAt(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // Standard RFC3339 with fractional seconds
		time.RFC3339,          // Standard RFC3339
		"2006-01-02T15:04:05", // ISO without offset, assumed UTC
		"2006-01-02 15:04:05", // SQL style, assumed UTC
		"2006-01-02",          // Date only
	}

	dateStr = strings.TrimSpace(dateStr)
	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// ObservedAtOrDefault parses dateStr, falling back to receivedAt when the
// string is empty or unparseable
func ObservedAtOrDefault(dateStr string, receivedAt time.Time) time.Time {
	if strings.TrimSpace(dateStr) == "" {
		return receivedAt.UTC()
	}
	t, err := ParseObservedAt(dateStr)
	if err != nil {
		return receivedAt.UTC()
	}
	return t
}

// PeriodLabel formats t as a reporting period label, e.g. "January 2024"
func PeriodLabel(t time.Time) string {
	return t.Format("January 2006")
}
