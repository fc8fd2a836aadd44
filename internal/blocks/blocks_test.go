package blocks

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

func slots(t *testing.T, loc *time.Location, date timeslot.Date, res int, values map[int]float64) []series.Slot {
	t.Helper()
	s := series.Series{Dataset: series.DayAheadPrice, Date: date, ResolutionMinutes: res}
	for pos := 1; pos <= 100; pos++ {
		if v, ok := values[pos]; ok {
			s.Points = append(s.Points, series.Point{Position: pos, Value: v})
		}
	}
	out, err := s.Slots(loc)
	require.NoError(t, err)
	return out
}

var june = timeslot.NewDate(2024, time.June, 1)

func TestGroupSplitsOnGap(t *testing.T) {
	in := slots(t, time.UTC, june, 15, map[int]float64{1: 5, 2: 5, 3: 5, 10: 3, 11: 3})

	got := Group(in, Options{MaxGapMinutes: 30})
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, []int{10, 11}, got[0].Positions())
	assert.Equal(t, 30, got[0].DurationMinutes)
	assert.Equal(t, "02:15 - 02:45", got[0].TimeRange)

	assert.Equal(t, 2, got[1].Rank)
	assert.Equal(t, []int{1, 2, 3}, got[1].Positions())
	assert.Equal(t, 45, got[1].DurationMinutes)
	assert.Equal(t, 3, got[1].SlotCount)
}

func TestGroupBridgesAllowedGap(t *testing.T) {
	in := slots(t, time.UTC, june, 15, map[int]float64{1: 2, 3: 4})

	got := Group(in, Options{MaxGapMinutes: 15})
	require.Len(t, got, 1)
	assert.Equal(t, 45, got[0].DurationMinutes, "duration spans the bridged slot")
	assert.Equal(t, 2, got[0].SlotCount)
	assert.Equal(t, 3.0, got[0].Avg)
	assert.Equal(t, 2.0, got[0].Spread)

	assert.Len(t, Group(in, Options{MaxGapMinutes: 0}), 2)
}

func TestGroupEmpty(t *testing.T) {
	assert.Empty(t, Group(nil, Options{MaxGapMinutes: 60}))
	got, _ := GroupWithFallback(nil, Options{MaxSpread: 2}, 3)
	assert.Empty(t, got)
}

func TestGroupLimitKeepsBestRanked(t *testing.T) {
	in := slots(t, time.UTC, june, 60, map[int]float64{1: 9, 3: 1, 5: 5})
	got := Group(in, Options{Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, []int{3}, got[0].Positions())
	assert.Equal(t, []int{5}, got[1].Positions())
}

func TestGroupWithFallbackTightensSpread(t *testing.T) {
	in := slots(t, time.UTC, june, 60, map[int]float64{1: 1, 2: 1.4, 3: 1.8, 4: 2.2})

	got, spread := GroupWithFallback(in, Options{MaxSpread: 2}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, spread)

	got, spread = GroupWithFallback(in, Options{MaxSpread: 2}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, spread)
	assert.Equal(t, []int{1, 2, 3}, got[0].Positions())
	assert.Equal(t, []int{4}, got[1].Positions())
}

func TestIsBestUsesDayAverage(t *testing.T) {
	in := slots(t, time.UTC, june, 60, map[int]float64{1: 7, 5: 9})
	dayAvg := 10.0

	got := Group(in, Options{DayAverage: &dayAvg})
	require.Len(t, got, 2)
	assert.True(t, got[0].IsBest)
	assert.False(t, got[1].IsBest)

	got = Group(in, Options{DayAverage: &dayAvg, BestFraction: 0.95})
	assert.True(t, got[1].IsBest)
}

func TestStdDevOnlyWhenMeaningful(t *testing.T) {
	flat := Group(slots(t, time.UTC, june, 60, map[int]float64{1: 1, 2: 1, 3: 1}), Options{})
	require.Len(t, flat, 1)
	assert.Nil(t, flat[0].StdDev)

	short := Group(slots(t, time.UTC, june, 60, map[int]float64{1: 1, 2: 3}), Options{})
	assert.Nil(t, short[0].StdDev)

	varied := Group(slots(t, time.UTC, june, 60, map[int]float64{1: 1, 2: 2, 3: 3}), Options{})
	require.NotNil(t, varied[0].StdDev)
	assert.InDelta(t, 0.8165, *varied[0].StdDev, 1e-4)
}

func TestTimeRangeMarksRepeatedHour(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	fallBack := timeslot.NewDate(2024, time.October, 27)

	got := Group(slots(t, berlin, fallBack, 60, map[int]float64{3: 1, 4: 1}), Options{})
	require.Len(t, got, 1)
	assert.Equal(t, "02:00 CEST - 03:00 CET", got[0].TimeRange)
	assert.Equal(t, 120, got[0].DurationMinutes)

	got = Group(slots(t, berlin, fallBack, 60, map[int]float64{6: 1, 7: 1}), Options{})
	assert.Equal(t, "04:00 - 06:00", got[0].TimeRange)
}

func TestRankLabel(t *testing.T) {
	assert.Equal(t, "🥇", RankLabel(1))
	assert.Equal(t, "🥉", RankLabel(3))
	assert.Equal(t, "#4", RankLabel(4))
}
