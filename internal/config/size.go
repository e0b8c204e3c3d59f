package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable size string into bytes.
// Supports: 100, 100B, 100K, 100KB, 100KiB, 100M, 100G, 100T
// (case-insensitive). Uses powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numStr := strings.ToUpper(s)
	numStr = strings.TrimSuffix(numStr, "B")
	numStr = strings.TrimSuffix(numStr, "I")

	multiplier := int64(1)
	if numStr != "" {
		switch numStr[len(numStr)-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		case 'T':
			multiplier = 1 << 40
		}
		if multiplier > 1 {
			numStr = numStr[:len(numStr)-1]
		}
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	// Try integer first, then float.
	if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid size: %q", s)
		}
		return n * multiplier, nil
	}

	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	return int64(f * float64(multiplier)), nil
}
