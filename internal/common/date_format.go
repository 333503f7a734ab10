package common

import (
	"fmt"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is the standard date format used throughout the application
	// for cache keys, file naming, and CLI input
	ISO8601Date = "2006-01-02"

	// CatalogTimestamp is the RFC 3339 layout the catalog expects for time windows
	CatalogTimestamp = "2006-01-02T15:04:05.000Z"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// FormatCatalogTimestamp formats a time in UTC with millisecond precision
func FormatCatalogTimestamp(t time.Time) string {
	return t.UTC().Format(CatalogTimestamp)
}

// ValidateISO8601 checks if a date string is in valid ISO 8601 format
func ValidateISO8601(dateStr string) bool {
	_, err := ParseISO8601(dateStr)
	return err == nil
}
