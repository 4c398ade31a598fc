package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value as a Go duration, falling back to fallback
// when value is blank. A non-blank value that fails to parse is an error
// rather than silently replaced, so config typos surface at startup.
func DurationOrDefault(value, fallback string) (time.Duration, error) {
	for _, candidate := range []string{value, fallback} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		d, err := time.ParseDuration(candidate)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("no duration value provided")
}
