package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := ParseHumanDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

var humanUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseHumanDuration accepts Go durations ("90s", "1h30m"), moderator
// shorthand ("30m", "1d", "3d12h", "1w") and bare integers as seconds.
func ParseHumanDuration(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var total time.Duration
	num := 0
	digits := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			num = num*10 + int(c-'0')
			digits++
			if digits > 9 {
				return 0, fmt.Errorf("duration %q out of range", raw)
			}
		case humanUnits[c] != 0:
			if digits == 0 {
				return 0, fmt.Errorf("missing number before %q", string(c))
			}
			total += time.Duration(num) * humanUnits[c]
			num, digits = 0, 0
		case c == ' ':
		default:
			return 0, fmt.Errorf("unknown unit %q", string(c))
		}
	}
	if digits > 0 {
		return 0, fmt.Errorf("missing unit after %d", num)
	}
	return total, nil
}
