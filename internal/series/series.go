package series

import (
	"fmt"
	"strings"
	"time"

	"entsoe-watch/internal/timeslot"
)

// DatasetType enumerates the upstream datasets the service understands.
type DatasetType string

const (
	DayAheadPrice      DatasetType = "day_ahead_price"
	LoadDayAhead       DatasetType = "load_day_ahead"
	LoadActual         DatasetType = "load_actual"
	GenerationForecast DatasetType = "generation_forecast"
	NetPosition        DatasetType = "net_position"
	Exchange           DatasetType = "exchange"
)

// DatasetTypes lists every known dataset in a stable order.
var DatasetTypes = []DatasetType{
	DayAheadPrice,
	LoadDayAhead,
	LoadActual,
	GenerationForecast,
	NetPosition,
	Exchange,
}

// ParseDatasetType validates a dataset name.
func ParseDatasetType(s string) (DatasetType, error) {
	candidate := DatasetType(strings.ToLower(strings.TrimSpace(s)))
	for _, d := range DatasetTypes {
		if d == candidate {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown dataset type %q", s)
}

// Units emitted after normalisation.
const (
	UnitCentPerKWh = "ct/kWh"
	UnitMW         = "MW"
)

// Provenance records where a series' values came from.
type Provenance string

const (
	ProvenanceUpstream    Provenance = "upstream"
	ProvenancePlaceholder Provenance = "placeholder"
)

// Point is one value at a 1-based delivery-day position.
type Point struct {
	Position int     `json:"position"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
}

// Series is the normalised result of a single fetch. Treat as immutable.
type Series struct {
	Dataset           DatasetType   `json:"dataset"`
	ZoneIn            string        `json:"zone_in"`
	ZoneOut           string        `json:"zone_out"`
	Date              timeslot.Date `json:"delivery_date"`
	ResolutionMinutes int           `json:"resolution_minutes"`
	Filter            string        `json:"filter,omitempty"`
	Points            []Point       `json:"points"`
	Provenance        Provenance    `json:"provenance"`
	SignConvention    string        `json:"sign_convention,omitempty"`
}

// Key returns the cache key addressing this series.
func (s Series) Key() Key {
	return Key{Dataset: s.Dataset, ZoneIn: s.ZoneIn, ZoneOut: s.ZoneOut, Date: s.Date, Filter: s.Filter}
}

// IsPlaceholder reports whether the values are a fallback substitute.
func (s Series) IsPlaceholder() bool {
	return s.Provenance == ProvenancePlaceholder
}

// Values returns the point values in position order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// ValueMap indexes values by position.
func (s Series) ValueMap() map[int]float64 {
	out := make(map[int]float64, len(s.Points))
	for _, p := range s.Points {
		out[p.Position] = p.Value
	}
	return out
}

// Average returns the mean value, or 0 for an empty series.
func (s Series) Average() float64 {
	if len(s.Points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range s.Points {
		sum += p.Value
	}
	return sum / float64(len(s.Points))
}

// Resample converts the series to another resolution. Coarsening averages the finer
// points inside each coarse slot; refining repeats each value. Positions count
// elapsed time from midnight, so coarse position p covers fine positions
// (p−1)×k+1 … p×k on every day, transition days included.
func (s Series) Resample(minutes int) (Series, error) {
	if err := timeslot.ValidateResolution(minutes); err != nil {
		return Series{}, err
	}
	if minutes == s.ResolutionMinutes || len(s.Points) == 0 {
		out := s
		out.ResolutionMinutes = minutes
		return out, nil
	}
	if err := timeslot.ValidateResolution(s.ResolutionMinutes); err != nil {
		return Series{}, err
	}

	out := s
	out.ResolutionMinutes = minutes
	if minutes < s.ResolutionMinutes {
		k := s.ResolutionMinutes / minutes
		out.Points = make([]Point, 0, len(s.Points)*k)
		for _, p := range s.Points {
			for i := 1; i <= k; i++ {
				out.Points = append(out.Points, Point{Position: (p.Position-1)*k + i, Value: p.Value, Unit: p.Unit})
			}
		}
		return out, nil
	}

	k := minutes / s.ResolutionMinutes
	sums := make(map[int]float64)
	counts := make(map[int]int)
	var order []int
	unit := s.Points[0].Unit
	for _, p := range s.Points {
		coarse := (p.Position-1)/k + 1
		if counts[coarse] == 0 {
			order = append(order, coarse)
		}
		sums[coarse] += p.Value
		counts[coarse]++
	}
	out.Points = make([]Point, 0, len(order))
	for _, pos := range order {
		out.Points = append(out.Points, Point{Position: pos, Value: sums[pos] / float64(counts[pos]), Unit: unit})
	}
	return out, nil
}

// Complete reports whether the series has exactly one point per slot of its date.
func (s Series) Complete(loc *time.Location) (bool, error) {
	count, err := timeslot.SlotCount(s.Date, loc, s.ResolutionMinutes)
	if err != nil {
		return false, err
	}
	if len(s.Points) != count {
		return false, nil
	}
	for i, p := range s.Points {
		if p.Position != i+1 {
			return false, nil
		}
	}
	return true, nil
}

// Slot is a point enriched with its resolved local time.
type Slot struct {
	timeslot.Slot
	Value float64
	Unit  string
}

// Slots resolves local times for every point.
func (s Series) Slots(loc *time.Location) ([]Slot, error) {
	out := make([]Slot, 0, len(s.Points))
	for _, p := range s.Points {
		ts, err := timeslot.Map(s.Date, loc, s.ResolutionMinutes, p.Position)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", s.Dataset, s.Date, err)
		}
		out = append(out, Slot{Slot: ts, Value: p.Value, Unit: p.Unit})
	}
	return out, nil
}

// Key addresses one cached series.
type Key struct {
	Dataset DatasetType   `json:"dataset"`
	ZoneIn  string        `json:"zone_in"`
	ZoneOut string        `json:"zone_out"`
	Date    timeslot.Date `json:"delivery_date"`
	Filter  string        `json:"filter,omitempty"`
}

func (k Key) String() string {
	return strings.Join([]string{string(k.Dataset), k.ZoneIn, k.ZoneOut, k.Date.String(), k.Filter}, "|")
}
