// Package heuristic ranks delivery-day slots by price and by renewable output and
// combines both rankings into a plan.
package heuristic

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"entsoe-watch/internal/series"
)

// ErrInsufficientData is returned when an input has too few points to rank.
var ErrInsufficientData = errors.New("insufficient data")

// Ranked is a position with the value it was ranked by.
type Ranked struct {
	Position int     `json:"position"`
	Value    float64 `json:"value"`
}

// Percentile returns the nearest-rank value at pct (0..100): the element at index
// round(pct/100 × (n−1)) of the sorted values.
func Percentile(values []float64, pct float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	if math.IsNaN(pct) {
		return 0, fmt.Errorf("percentile is NaN")
	}
	pct = math.Max(0, math.Min(100, pct))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(pct / 100 * float64(len(sorted)-1)))
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx], nil
}

// RankCheapest returns the positions whose value is at or below the pct percentile,
// cheapest first with ties broken by ascending position.
func RankCheapest(s series.Series, pct float64) ([]int, error) {
	if len(s.Points) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no points", ErrInsufficientData, s.Dataset, s.Date)
	}
	threshold, err := Percentile(s.Values(), pct)
	if err != nil {
		return nil, err
	}

	selected := make([]Ranked, 0, len(s.Points))
	for _, p := range s.Points {
		if p.Value <= threshold {
			selected = append(selected, Ranked{Position: p.Position, Value: p.Value})
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Value != selected[j].Value {
			return selected[i].Value < selected[j].Value
		}
		return selected[i].Position < selected[j].Position
	})
	return positionsOf(selected), nil
}

// RankGreenest sums the given generation series per position and ranks positions by
// summed output, highest first, ties by ascending position.
func RankGreenest(parts ...series.Series) ([]Ranked, error) {
	sums, err := sumByPosition(parts)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, 0, len(sums))
	for pos, v := range sums {
		ranked = append(ranked, Ranked{Position: pos, Value: v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value > ranked[j].Value
		}
		return ranked[i].Position < ranked[j].Position
	})
	return ranked, nil
}

func sumByPosition(parts []series.Series) (map[int]float64, error) {
	sums := make(map[int]float64)
	resolution := 0
	for _, part := range parts {
		if len(part.Points) == 0 {
			continue
		}
		if resolution == 0 {
			resolution = part.ResolutionMinutes
		} else if part.ResolutionMinutes != resolution {
			return nil, fmt.Errorf("generation resolution mismatch: %d and %d minutes", resolution, part.ResolutionMinutes)
		}
		for _, p := range part.Points {
			sums[p.Position] += p.Value
		}
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("%w: no generation points", ErrInsufficientData)
	}
	return sums, nil
}

func positionsOf(ranked []Ranked) []int {
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.Position
	}
	return out
}
