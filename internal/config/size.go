package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size multiplier constants (decimal / SI).
const (
	kilobyte = 1000
	megabyte = 1000 * kilobyte
	gigabyte = 1000 * megabyte
)

// Size multiplier constants (binary / IEC).
const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
)

// ParseSize converts a human-readable size string to bytes. Supports SI
// (KB, MB, GB) and IEC (KiB, MiB, GiB) suffixes. Empty string and "0"
// return 0. A bare number is raw bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"GIB", gibibyte},
		{"MIB", mebibyte},
		{"KIB", kibibyte},
		{"GB", gigabyte},
		{"MB", megabyte},
		{"KB", kilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
			}

			if n < 0 {
				return 0, fmt.Errorf("config: invalid size %q: must be non-negative", s)
			}

			return int64(n * float64(sf.multiplier)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("config: invalid size %q: must be non-negative", s)
	}

	return n, nil
}

// ParseRate converts a bandwidth limit string like "5MB/s" or "500KiB/s"
// to bytes per second. A bare size without the "/s" suffix is accepted.
// Empty string and "0" mean unlimited and return 0.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)

	if cut, found := strings.CutSuffix(strings.ToLower(s), "/s"); found {
		s = strings.TrimSpace(s[:len(cut)])
	}

	return ParseSize(s)
}
