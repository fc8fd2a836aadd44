package heuristic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

var day = timeslot.NewDate(2024, time.June, 1)

func build(dataset series.DatasetType, values ...float64) series.Series {
	points := make([]series.Point, len(values))
	for i, v := range values {
		points[i] = series.Point{Position: i + 1, Value: v}
	}
	return series.Series{Dataset: dataset, Date: day, ResolutionMinutes: 60, Points: points}
}

func slotsOf(t *testing.T, s series.Series) []series.Slot {
	t.Helper()
	slots, err := s.Slots(time.UTC)
	require.NoError(t, err)
	return slots
}

func TestPercentileNearestRank(t *testing.T) {
	values := []float64{5, 1, 9, 2, 8, 3}
	cases := map[float64]float64{0: 1, 20: 2, 33: 3, 50: 5, 80: 8, 100: 9}
	for pct, want := range cases {
		got, err := Percentile(values, pct)
		require.NoError(t, err)
		assert.Equal(t, want, got, "p%.0f", pct)
	}
	assert.Equal(t, []float64{5, 1, 9, 2, 8, 3}, values, "input is not reordered")

	_, err := Percentile(nil, 50)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRankCheapest(t *testing.T) {
	got, err := RankCheapest(build(series.DayAheadPrice, 5, 1, 9, 2, 8, 3), 33)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, got)

	got, err = RankCheapest(build(series.DayAheadPrice, 4, 2, 2, 7), 40)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got, "ties by ascending position")

	_, err = RankCheapest(build(series.DayAheadPrice), 20)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRankGreenestSumsTypes(t *testing.T) {
	wind := build(series.GenerationForecast, 100, 0, 300)
	solar := build(series.GenerationForecast, 0, 250, 0, 50)

	ranked, err := RankGreenest(wind, solar)
	require.NoError(t, err)
	assert.Equal(t, []Ranked{{3, 300}, {2, 250}, {1, 100}, {4, 50}}, ranked)

	_, err = RankGreenest()
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPlanModes(t *testing.T) {
	prices := build(series.DayAheadPrice, 10, 2, 3, 9, 1, 8)
	wind := build(series.GenerationForecast, 0, 0, 500, 400, 0, 300)
	load := build(series.LoadDayAhead, 100, 900, 100, 100, 100, 100)

	in := PlanInput{Prices: prices, Generation: []series.Series{wind}, Load: load}

	rec, err := Plan(in, Policy{Mode: ModeIntersect, CheapPercentile: 40})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5}, rec.Cheap)
	assert.Equal(t, []int{3, 4, 6}, rec.Green)
	assert.Equal(t, []int{3}, rec.Positions)
	assert.Equal(t, 3.0, rec.PriceThreshold)

	rec, err = Plan(in, Policy{Mode: ModeUnion, CheapPercentile: 40, GreenTopN: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rec.Green)
	assert.Equal(t, []int{2, 3, 5}, rec.Positions)

	rec, err = Plan(in, Policy{Mode: ModeCheapGreenOffpeak, CheapPercentile: 40, PeakLoadPercentile: 80, CheapestShare: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 100.0, rec.LoadThreshold)
	// position 2 is cheap but neither green nor off-peak
	assert.Equal(t, []int{5}, rec.Cheapest)
	assert.Equal(t, []int{3, 5}, rec.Positions)
}

func TestPlanRejectsUnknownModeAndEmptyPrices(t *testing.T) {
	_, err := Plan(PlanInput{Prices: build(series.DayAheadPrice, 1, 2)}, Policy{Mode: "weighted"})
	assert.Error(t, err)

	_, err = Plan(PlanInput{}, DefaultPolicy)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = ParseMode("weighted")
	assert.Error(t, err)
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCheapGreenOffpeak, m)
}

func TestCheapestHours(t *testing.T) {
	slots := slotsOf(t, build(series.DayAheadPrice, 5, 1, 9, 2, 2, 8))

	got, err := CheapestHours(slots, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, []int{got[0].Position, got[1].Position})

	got, err = CheapestHours(slots, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, []int{got[0].Position, got[1].Position})

	_, err = CheapestHours(slots, 7, false)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAvoidWindowHourly(t *testing.T) {
	slots := slotsOf(t, build(series.DayAheadPrice, 5, 12, 9, 12))
	w, err := AvoidWindow(slots, 60)
	require.NoError(t, err)
	require.Len(t, w.Slots, 1)
	assert.Equal(t, 2, w.Slots[0].Position)
	assert.Equal(t, 12.0, w.Avg)
}

func TestAvoidWindowQuarterHour(t *testing.T) {
	values := []float64{1, 1, 1, 1, 9, 9, 9, 9, 1, 9}
	points := make([]series.Point, len(values))
	for i, v := range values {
		points[i] = series.Point{Position: i + 1, Value: v}
	}
	s := series.Series{Dataset: series.DayAheadPrice, Date: day, ResolutionMinutes: 15, Points: points}

	w, err := AvoidWindow(slotsOf(t, s), 60)
	require.NoError(t, err)
	require.Len(t, w.Slots, 4)
	assert.Equal(t, 5, w.Slots[0].Position)
	assert.Equal(t, 9.0, w.Avg)
	assert.Equal(t, time.Hour, w.End().Sub(w.Start()))

	_, err = AvoidWindow(nil, 60)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAfterDropsPastSlots(t *testing.T) {
	slots := slotsOf(t, build(series.DayAheadPrice, 1, 2, 3))
	cut := day.Start(time.UTC).Add(90 * time.Minute)
	left := After(slots, cut)
	require.Len(t, left, 2)
	assert.Equal(t, 2, left[0].Position)
}
