package timeslot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestSlotCountAcrossTransitions(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	nyc := mustLoad(t, "America/New_York")

	cases := []struct {
		name string
		loc  *time.Location
		date Date
		res  int
		want int
	}{
		{"regular hourly", ams, NewDate(2024, time.June, 1), 60, 24},
		{"regular quarter", ams, NewDate(2024, time.June, 1), 15, 96},
		{"spring forward hourly", ams, NewDate(2024, time.March, 31), 60, 23},
		{"spring forward quarter", ams, NewDate(2024, time.March, 31), 15, 92},
		{"fall back hourly", ams, NewDate(2024, time.October, 27), 60, 25},
		{"fall back quarter", ams, NewDate(2024, time.October, 27), 15, 100},
		{"new york spring", nyc, NewDate(2024, time.March, 10), 60, 23},
		{"new york fall", nyc, NewDate(2024, time.November, 3), 60, 25},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := SlotCount(tc.date, tc.loc, tc.res)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMapSpringForwardSkipsMissingHour(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	day := NewDate(2024, time.March, 31)

	slots, err := MapAll(day, ams, 60)
	require.NoError(t, err)
	require.Len(t, slots, 23)

	assert.Equal(t, "00:00", slots[0].Start.Format("15:04"))
	assert.Equal(t, "01:00", slots[1].Start.Format("15:04"))
	assert.Equal(t, "03:00", slots[2].Start.Format("15:04"))
	assert.Equal(t, "23:00", slots[22].Start.Format("15:04"))

	for _, s := range slots {
		assert.NotEqual(t, 2, s.Start.Hour(), "02:xx does not exist on %s", day)
		assert.Equal(t, 1, s.Occurrence)
	}
}

func TestMapSpringForwardQuarterHour(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	day := NewDate(2024, time.March, 31)

	s8, err := Map(day, ams, 15, 8)
	require.NoError(t, err)
	assert.Equal(t, "01:45", s8.Start.Format("15:04"))

	s9, err := Map(day, ams, 15, 9)
	require.NoError(t, err)
	assert.Equal(t, "03:00", s9.Start.Format("15:04"))
	assert.Equal(t, 15*time.Minute, s9.Start.Sub(s8.Start))
}

func TestMapFallBackDisambiguatesRepeatedHour(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	day := NewDate(2024, time.October, 27)

	slots, err := MapAll(day, ams, 60)
	require.NoError(t, err)
	require.Len(t, slots, 25)

	first, second := slots[2], slots[3]
	assert.Equal(t, "02:00", first.Start.Format("15:04"))
	assert.Equal(t, "02:00", second.Start.Format("15:04"))
	assert.Equal(t, first.Label(), second.Label())

	assert.Equal(t, 7200, first.Offset)
	assert.Equal(t, 3600, second.Offset)
	assert.Equal(t, 1, first.Occurrence)
	assert.Equal(t, 2, second.Occurrence)
	assert.True(t, second.Repeated())
	assert.NotEqual(t, first.String(), second.String())
	assert.Equal(t, time.Hour, second.Start.Sub(first.Start))

	assert.Equal(t, "03:00", slots[4].Start.Format("15:04"))
	assert.Equal(t, 1, slots[4].Occurrence)
	assert.Equal(t, "23:00", slots[24].Start.Format("15:04"))
}

func TestMapFallBackQuarterHourRepeats(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	day := NewDate(2024, time.October, 27)

	slots, err := MapAll(day, ams, 15)
	require.NoError(t, err)
	require.Len(t, slots, 100)

	repeated := 0
	for _, s := range slots {
		if s.Repeated() {
			repeated++
			assert.Equal(t, 2, s.Start.Hour())
		}
	}
	assert.Equal(t, 4, repeated)
}

func TestMapEndIsResolutionAfterStart(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	days := []Date{
		NewDate(2024, time.March, 31),
		NewDate(2024, time.June, 15),
		NewDate(2024, time.October, 27),
	}

	for _, day := range days {
		for _, res := range []int{15, 60} {
			slots, err := MapAll(day, ams, res)
			require.NoError(t, err)
			for i, s := range slots {
				assert.Equal(t, time.Duration(res)*time.Minute, s.Duration())
				pos, err := PositionOf(day, ams, res, s.Start)
				require.NoError(t, err)
				assert.Equal(t, s.Position, pos)
				if i > 0 {
					assert.True(t, slots[i-1].End.Equal(s.Start), "slots must be contiguous")
				}
			}
			last := slots[len(slots)-1]
			assert.True(t, last.End.Equal(day.End(ams)), "last slot ends at next midnight")
		}
	}
}

func TestMapLastSlotCrossesMidnight(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	day := NewDate(2024, time.December, 31)

	s, err := Map(day, ams, 60, 24)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01 00:00", s.End.Format("2006-01-02 15:04"))
}

func TestMapRejectsInvalidPosition(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")

	_, err := Map(NewDate(2024, time.June, 1), ams, 60, 0)
	assert.True(t, errors.Is(err, ErrInvalidPosition))

	_, err = Map(NewDate(2024, time.March, 31), ams, 60, 24)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = Map(NewDate(2024, time.October, 27), ams, 60, 25)
	assert.NoError(t, err)

	_, err = Map(NewDate(2024, time.October, 27), ams, 60, 26)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestMapRejectsInvalidResolution(t *testing.T) {
	_, err := Map(NewDate(2024, time.June, 1), time.UTC, 30, 1)
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestIsTransitionDay(t *testing.T) {
	ams := mustLoad(t, "Europe/Amsterdam")
	assert.True(t, IsTransitionDay(NewDate(2024, time.March, 31), ams))
	assert.True(t, IsTransitionDay(NewDate(2024, time.October, 27), ams))
	assert.False(t, IsTransitionDay(NewDate(2024, time.October, 28), ams))
}

func TestDateHelpers(t *testing.T) {
	d, err := ParseDate("2024-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", d.AddDays(1).String())
	assert.Equal(t, "2024-03-01", d.AddDays(2).String())
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(-1).Before(d))
	assert.Equal(t, 0, d.Compare(NewDate(2024, time.February, 28)))

	var round Date
	text, err := d.MarshalText()
	require.NoError(t, err)
	require.NoError(t, round.UnmarshalText(text))
	assert.Equal(t, d, round)

	_, err = ParseDate("28-02-2024")
	assert.Error(t, err)
}
