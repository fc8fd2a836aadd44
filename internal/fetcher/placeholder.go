package fetcher

import (
	"time"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// Fallback holds the values substituted when no real data can be served.
type Fallback struct {
	Price    float64
	Quantity float64
}

// DefaultFallback keeps placeholder prices far above any real price so heuristics
// never prefer them.
var DefaultFallback = Fallback{Price: 999, Quantity: 0}

// Placeholder builds a complete series of fallback values for q on date. It is marked
// as placeholder and must never be cached as real data.
func Placeholder(q Query, date timeslot.Date, loc *time.Location, resolutionMinutes int, fb Fallback) (series.Series, error) {
	count, err := timeslot.SlotCount(date, loc, resolutionMinutes)
	if err != nil {
		return series.Series{}, err
	}

	value, unit := fb.Quantity, series.UnitMW
	if q.Dataset() == series.DayAheadPrice {
		value, unit = fb.Price, series.UnitCentPerKWh
	}

	points := make([]series.Point, count)
	for i := range points {
		points[i] = series.Point{Position: i + 1, Value: value, Unit: unit}
	}

	key := KeyFor(q, date)
	return series.Series{
		Dataset:           key.Dataset,
		ZoneIn:            key.ZoneIn,
		ZoneOut:           key.ZoneOut,
		Date:              date,
		ResolutionMinutes: resolutionMinutes,
		Filter:            key.Filter,
		Points:            points,
		Provenance:        series.ProvenancePlaceholder,
	}, nil
}
