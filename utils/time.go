package utils

import "time"

const (
	// DefaultMaxValidity is the default freshness window of a cache entry
	DefaultMaxValidity time.Duration = 24 * time.Hour
)

// IsExpired checks if an entry created at timestamp is older than maxAge at now.
// An entry exactly maxAge old is still valid.
func IsExpired(timestamp time.Time, maxAge time.Duration, now time.Time) bool {
	return now.Sub(timestamp) > maxAge
}

// GetAge returns age of an entry created at timestamp
func GetAge(timestamp time.Time, now time.Time) time.Duration {
	age := now.Sub(timestamp)
	if age < 0 {
		return 0
	}
	return age
}
