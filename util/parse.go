package util

import (
	"strconv"
	"strings"
)

// ParseInt parses a string to int, returning the fallback on error. Used for
// environment-variable config overrides (§6.4) where a malformed value
// should not crash the process.
func ParseInt(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// ParseFloat64 parses a string to float64, returning the fallback on error.
func ParseFloat64(s string, fallback float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}
