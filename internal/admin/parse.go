package admin

import (
	"strings"
	"time"

	"github.com/fenwick/atrium/internal/calendar"
)

// Token recognition for quick-add input and extraction sanitizing.
// Exact layout matches only, no fuzzy parsing. Widths are pinned
// because time.Parse accepts a single-digit hour for "15".

// isDate reports whether s is a calendar date, YYYY-MM-DD.
func isDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// isClock reports whether s is a 24-hour clock time, HH:MM.
func isClock(s string) bool {
	if len(s) != len("15:04") {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// isDateTime reports whether s is a date with time,
// YYYY-MM-DDTHH:MM[:SS].
func isDateTime(s string) bool {
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if len(s) != len(layout) {
			continue
		}
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// normalizeFrequency maps a frequency keyword to the store's canonical
// form, or empty when the token is not a frequency.
func normalizeFrequency(s string) string {
	switch strings.ToLower(s) {
	case "daily":
		return calendar.FreqDaily
	case "weekly":
		return calendar.FreqWeekly
	case "monthly":
		return calendar.FreqMonthly
	case "yearly", "annually":
		return calendar.FreqYearly
	}
	return ""
}

func isFrequency(s string) bool {
	return normalizeFrequency(s) != ""
}
