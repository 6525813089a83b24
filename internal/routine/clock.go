// Package routine implements time-of-day arithmetic, validation, and the
// structured edit engine for daily routines.
package routine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// MinutesPerDay is the modulus for all time-of-day arithmetic.
const MinutesPerDay = 24 * 60

// Reminder offsets relative to an activity's start, in minutes.
const (
	BeforeOffset   = -5
	DuringOffset   = 15
	FollowUpOffset = 15
)

// Clock is a time of day in minutes since midnight, always in [0, 1440).
type Clock int

// ParseClock parses a 24-hour "HH:MM" (or "H:MM") value.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock(h*60 + m), nil
}

// MustParseClock is ParseClock for constants and tests.
func MustParseClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Add shifts the clock by delta minutes, wrapping across midnight both ways.
func (c Clock) Add(delta int) Clock {
	v := (int(c) + delta) % MinutesPerDay
	if v < 0 {
		v += MinutesPerDay
	}
	return Clock(v)
}

// Hour returns the hour component.
func (c Clock) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c Clock) Minute() int { return int(c) % 60 }

// String formats the clock as zero-padded HH:MM.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// SlotTime is the time of day one reminder slot fires.
type SlotTime struct {
	Slot models.ReminderSlot
	At   Clock
}

// Offsets computes the five daily trigger times of an activity.
func Offsets(start Clock, duration int) []SlotTime {
	return []SlotTime{
		{Slot: models.SlotBefore, At: start.Add(BeforeOffset)},
		{Slot: models.SlotStart, At: start},
		{Slot: models.SlotDuring, At: start.Add(DuringOffset)},
		{Slot: models.SlotEnd, At: start.Add(duration)},
		{Slot: models.SlotFollowUp, At: start.Add(duration + FollowUpOffset)},
	}
}

// ActivityOffsets parses the activity's scheduled time and returns its offsets.
func ActivityOffsets(a models.Activity) ([]SlotTime, error) {
	start, err := ParseClock(a.ScheduledTime)
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", a.ID, err)
	}
	return Offsets(start, a.Duration), nil
}
