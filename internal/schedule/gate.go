// Package schedule decides whether a chain may fire at a given moment.
// Everything here is pure: callers pass the clock in.
package schedule

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"chainflow/pkg/models"
)

// DaysPerWeek is the number of schedule rows every chain carries.
const DaysPerWeek = 7

// Weekday maps a time to the schedule index, Monday=0 through Sunday=6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % DaysPerWeek
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks a schedule at write time: exactly seven rows, one per
// weekday, well-formed times and start strictly before end. Windows that
// cross midnight are rejected here rather than handled at evaluation time.
func Validate(schedule []models.ChainSchedule) error {
	if len(schedule) != DaysPerWeek {
		return fmt.Errorf("schedule must have exactly %d rows, got %d", DaysPerWeek, len(schedule))
	}
	var seen [DaysPerWeek]bool
	for _, row := range schedule {
		if row.Weekday < 0 || row.Weekday >= DaysPerWeek {
			return fmt.Errorf("weekday %d out of range 0-6", row.Weekday)
		}
		if seen[row.Weekday] {
			return fmt.Errorf("duplicate schedule row for weekday %d", row.Weekday)
		}
		seen[row.Weekday] = true

		start, err := ParseClock(row.StartTime)
		if err != nil {
			return fmt.Errorf("weekday %d: %w", row.Weekday, err)
		}
		end, err := ParseClock(row.EndTime)
		if err != nil {
			return fmt.Errorf("weekday %d: %w", row.Weekday, err)
		}
		if start >= end {
			return fmt.Errorf("weekday %d: start %s must be before end %s", row.Weekday, row.StartTime, row.EndTime)
		}
	}
	return nil
}

// byWeekday indexes rows by weekday. Rows are assumed validated.
func byWeekday(schedule []models.ChainSchedule) [DaysPerWeek]*models.ChainSchedule {
	var idx [DaysPerWeek]*models.ChainSchedule
	for i := range schedule {
		if d := schedule[i].Weekday; d >= 0 && d < DaysPerWeek {
			idx[d] = &schedule[i]
		}
	}
	return idx
}

// IsWithinWindow reports whether nowLocal falls inside the enabled window of
// its weekday: start <= time < end.
func IsWithinWindow(schedule []models.ChainSchedule, nowLocal time.Time) bool {
	row := byWeekday(schedule)[Weekday(nowLocal)]
	if row == nil || !row.Enabled {
		return false
	}
	start, err := ParseClock(row.StartTime)
	if err != nil {
		return false
	}
	end, err := ParseClock(row.EndTime)
	if err != nil {
		return false
	}
	minute := nowLocal.Hour()*60 + nowLocal.Minute()
	return minute >= start && minute < end
}

// NextWindowStart returns the earliest instant at or after from that lies
// inside an open window, in from's location. It returns false when no day of
// the week is enabled.
func NextWindowStart(schedule []models.ChainSchedule, from time.Time) (time.Time, bool) {
	if IsWithinWindow(schedule, from) {
		return from, true
	}
	idx := byWeekday(schedule)
	y, m, d := from.Date()
	// Eight days covers a window later today through the same weekday next week.
	for offset := 0; offset <= DaysPerWeek; offset++ {
		day := time.Date(y, m, d+offset, 0, 0, 0, 0, from.Location())
		row := idx[Weekday(day)]
		if row == nil || !row.Enabled {
			continue
		}
		start, err := ParseClock(row.StartTime)
		if err != nil {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, from.Location())
		if !candidate.Before(from) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// Location resolves a chain timezone, defaulting to UTC.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}
