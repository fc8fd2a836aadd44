// Package timeslot maps delivery-day sequence positions to local wall-clock time.
//
// Upstream positions count elapsed time from local midnight in steps of the series
// resolution, so a spring-forward day has 23 hours worth of positions and a fall-back
// day has 25. Mapping goes through absolute instants and only converts to wall-clock
// time at the end, which skips the missing hour and keeps the repeated hour distinct.
package timeslot

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPosition is returned for positions outside 1..SlotCount.
	ErrInvalidPosition = errors.New("invalid slot position")
	// ErrInvalidResolution is returned for resolutions other than 15 or 60 minutes.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Slot is one fixed-length interval of a delivery day.
type Slot struct {
	Position int
	Start    time.Time
	End      time.Time
	// Offset is the UTC offset in seconds in effect at Start.
	Offset int
	// Occurrence is 2 for the second pass through a repeated wall-clock time on a
	// fall-back day and 1 otherwise.
	Occurrence int
}

// Duration returns the slot length.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Label renders the local start as "YYYY-MM-DD HH:MM".
func (s Slot) Label() string {
	return s.Start.Format("2006-01-02 15:04")
}

// Repeated reports whether the slot's wall-clock label also occurs earlier in the day.
func (s Slot) Repeated() bool {
	return s.Occurrence > 1
}

// String renders the start with its explicit offset, e.g. 2024-10-27T02:00+01:00.
func (s Slot) String() string {
	return s.Start.Format("2006-01-02T15:04-07:00")
}

// ValidateResolution checks that minutes is a supported resolution.
func ValidateResolution(minutes int) error {
	if minutes != 15 && minutes != 60 {
		return fmt.Errorf("%w: %d minutes", ErrInvalidResolution, minutes)
	}
	return nil
}

// DayLength returns the elapsed length of d in loc (23h, 24h or 25h around DST).
func DayLength(d Date, loc *time.Location) time.Duration {
	return d.End(loc).Sub(d.Start(loc))
}

// SlotCount returns the number of slots d has at the given resolution.
func SlotCount(d Date, loc *time.Location, resolutionMinutes int) (int, error) {
	if err := ValidateResolution(resolutionMinutes); err != nil {
		return 0, err
	}
	return int(DayLength(d, loc) / (time.Duration(resolutionMinutes) * time.Minute)), nil
}

// IsTransitionDay reports whether the UTC offset at the start and end of d differ.
func IsTransitionDay(d Date, loc *time.Location) bool {
	_, startOff := d.Start(loc).Zone()
	_, endOff := d.End(loc).Zone()
	return startOff != endOff
}

// Map returns the slot at position (1-based) of d in loc.
func Map(d Date, loc *time.Location, resolutionMinutes, position int) (Slot, error) {
	count, err := SlotCount(d, loc, resolutionMinutes)
	if err != nil {
		return Slot{}, err
	}
	if position < 1 || position > count {
		return Slot{}, fmt.Errorf("%w: %d not in 1..%d for %s at %dm", ErrInvalidPosition, position, count, d, resolutionMinutes)
	}
	return slotAt(d.Start(loc), loc, time.Duration(resolutionMinutes)*time.Minute, position), nil
}

// MapAll returns every slot of d in position order.
func MapAll(d Date, loc *time.Location, resolutionMinutes int) ([]Slot, error) {
	count, err := SlotCount(d, loc, resolutionMinutes)
	if err != nil {
		return nil, err
	}
	dayStart := d.Start(loc)
	step := time.Duration(resolutionMinutes) * time.Minute
	slots := make([]Slot, 0, count)
	for pos := 1; pos <= count; pos++ {
		slots = append(slots, slotAt(dayStart, loc, step, pos))
	}
	return slots, nil
}

// PositionOf is the inverse of Map: the position of the slot containing t.
func PositionOf(d Date, loc *time.Location, resolutionMinutes int, t time.Time) (int, error) {
	count, err := SlotCount(d, loc, resolutionMinutes)
	if err != nil {
		return 0, err
	}
	elapsed := t.Sub(d.Start(loc))
	if elapsed < 0 {
		return 0, fmt.Errorf("%w: %s before %s", ErrInvalidPosition, t.Format(time.RFC3339), d)
	}
	pos := int(elapsed/(time.Duration(resolutionMinutes)*time.Minute)) + 1
	if pos > count {
		return 0, fmt.Errorf("%w: %s after %s", ErrInvalidPosition, t.Format(time.RFC3339), d)
	}
	return pos, nil
}

func slotAt(dayStart time.Time, loc *time.Location, step time.Duration, position int) Slot {
	start := dayStart.Add(time.Duration(position-1) * step).In(loc)
	_, offset := start.Zone()
	return Slot{
		Position:   position,
		Start:      start,
		End:        start.Add(step),
		Offset:     offset,
		Occurrence: occurrence(dayStart, start),
	}
}

// occurrence detects the second pass through a wall-clock time after the clocks went back.
func occurrence(dayStart, start time.Time) int {
	_, startOff := dayStart.Zone()
	_, off := start.Zone()
	if startOff <= off {
		return 1
	}
	earlier := start.Add(-time.Duration(startOff-off) * time.Second)
	if earlier.Before(dayStart) {
		return 1
	}
	if earlier.Format("15:04") == start.Format("15:04") {
		return 2
	}
	return 1
}
