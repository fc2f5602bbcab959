package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// CellMinutes is the grid spacing.
const CellMinutes = 15

// NumToMinutes converts an HHMM number (e.g. 930) to minutes since midnight.
func NumToMinutes(n int) int { return n/100*60 + n%100 }

// MinutesToNum converts minutes since midnight to HHMM.
func MinutesToNum(m int) int { return m/60*100 + m%60 }

// AddMinutes shifts an HHMM number.
func AddMinutes(n, minutes int) int { return MinutesToNum(NumToMinutes(n) + minutes) }

// FormatNum renders HHMM as "HH:MM".
func FormatNum(n int) string { return fmt.Sprintf("%02d:%02d", n/100, n%100) }

// ParseTime accepts "HH:MM", "HH:MM:SS" or "HHMM" and returns HHMM.
func ParseTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	var hh, mm string
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		hh, mm = parts[0], parts[1]
	} else {
		if len(s) != 4 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		hh, mm = s[:2], s[2:]
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*100 + m, nil
}

// RequiredCells is the number of contiguous cells covering durationMin.
func RequiredCells(durationMin int) int {
	if durationMin <= 0 {
		return 1
	}
	return (durationMin + CellMinutes - 1) / CellMinutes
}
