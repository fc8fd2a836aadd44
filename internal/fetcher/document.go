package fetcher

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// reasonNoData is the acknowledgement code for "no matching data found".
const reasonNoData = "999"

const (
	curveVariable  = "A03"
	priceScale     = 10 // EUR/MWh -> ct/kWh
	pricePlaces    = 6
	quantityPlaces = 3
)

var decPriceScale = decimal.NewFromInt(priceScale)

// marketDocument covers the publication, GL and acknowledgement documents; fields
// are matched by local name so namespaces do not matter.
type marketDocument struct {
	XMLName    xml.Name
	TimeSeries []timeSeries `xml:"TimeSeries"`
	Reasons    []reason     `xml:"Reason"`
}

type reason struct {
	Code string `xml:"code"`
	Text string `xml:"text"`
}

type timeSeries struct {
	CurveType string   `xml:"curveType"`
	PSRType   string   `xml:"MktPSRType>psrType"`
	Periods   []period `xml:"Period"`
}

type period struct {
	Start      string  `xml:"timeInterval>start"`
	End        string  `xml:"timeInterval>end"`
	Resolution string  `xml:"resolution"`
	Points     []point `xml:"Point"`
}

type point struct {
	Position int      `xml:"position"`
	Price    *float64 `xml:"price.amount"`
	Quantity *float64 `xml:"quantity"`
}

func (d marketDocument) isAcknowledgement() bool {
	return strings.HasPrefix(d.XMLName.Local, "Acknowledgement")
}

func (d marketDocument) reason() (code, text string) {
	if len(d.Reasons) == 0 {
		return "", ""
	}
	texts := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		if t := strings.TrimSpace(r.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.TrimSpace(d.Reasons[0].Code), strings.Join(texts, "; ")
}

func decodeDocument(payload []byte) (marketDocument, error) {
	var doc marketDocument
	if len(bytes.TrimSpace(payload)) == 0 {
		return doc, errors.New("empty payload")
	}
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return doc, fmt.Errorf("decode market document: %w", err)
	}
	return doc, nil
}

var errIncomplete = errors.New("incomplete payload")

// normalize flattens every period of doc onto day positions of date. Only periods at
// the finest resolution present are used; overlapping positions are last-wins.
func normalize(doc marketDocument, dataset series.DatasetType, date timeslot.Date, loc *time.Location) ([]series.Point, int, error) {
	resolution := 0
	for _, ts := range doc.TimeSeries {
		for _, p := range ts.Periods {
			res, err := parseResolution(p.Resolution)
			if err != nil {
				return nil, 0, err
			}
			if resolution == 0 || res < resolution {
				resolution = res
			}
		}
	}
	if resolution == 0 {
		return nil, 0, nil
	}

	step := time.Duration(resolution) * time.Minute
	values := make(map[int]float64)
	for _, ts := range doc.TimeSeries {
		for _, p := range ts.Periods {
			res, _ := parseResolution(p.Resolution)
			if res != resolution {
				continue
			}
			start, err := parseInstant(p.Start)
			if err != nil {
				return nil, 0, fmt.Errorf("period start: %w", err)
			}
			end, err := parseInstant(p.End)
			if err != nil {
				return nil, 0, fmt.Errorf("period end: %w", err)
			}
			if !end.After(start) {
				return nil, 0, fmt.Errorf("period %s..%s is empty", p.Start, p.End)
			}
			span := int(end.Sub(start) / step)

			for idx, v := range expandPeriod(p.Points, dataset, ts.CurveType, span) {
				instant := start.Add(time.Duration(idx-1) * step)
				pos, err := timeslot.PositionOf(date, loc, resolution, instant)
				if err != nil {
					continue
				}
				values[pos] = v
			}
		}
	}

	unit := series.UnitMW
	if dataset == series.DayAheadPrice {
		unit = series.UnitCentPerKWh
	}
	positions := make([]int, 0, len(values))
	for pos := range values {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	points := make([]series.Point, 0, len(positions))
	for _, pos := range positions {
		points = append(points, series.Point{Position: pos, Value: values[pos], Unit: unit})
	}
	return points, resolution, nil
}

// expandPeriod returns converted values keyed by period index. For curve type A03 a
// point holds until the next one, so gaps are filled forward up to span.
func expandPeriod(points []point, dataset series.DatasetType, curveType string, span int) map[int]float64 {
	sorted := make([]point, 0, len(points))
	for _, p := range points {
		if p.Position >= 1 && p.Position <= span {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	out := make(map[int]float64, span)
	for i, p := range sorted {
		v, ok := convertValue(p, dataset)
		if !ok {
			continue
		}
		out[p.Position] = v
		if curveType != curveVariable {
			continue
		}
		next := span + 1
		if i+1 < len(sorted) {
			next = sorted[i+1].Position
		}
		for idx := p.Position + 1; idx < next; idx++ {
			out[idx] = v
		}
	}
	return out
}

func convertValue(p point, dataset series.DatasetType) (float64, bool) {
	if dataset == series.DayAheadPrice {
		if p.Price == nil {
			return 0, false
		}
		return decimal.NewFromFloat(*p.Price).Div(decPriceScale).Round(pricePlaces).InexactFloat64(), true
	}
	if p.Quantity == nil {
		return 0, false
	}
	return roundQuantity(*p.Quantity), true
}

func roundQuantity(v float64) float64 {
	return decimal.NewFromFloat(v).Round(quantityPlaces).InexactFloat64()
}

func parseResolution(s string) (int, error) {
	switch strings.TrimSpace(s) {
	case "PT15M":
		return 15, nil
	case "PT60M", "PT1H":
		return 60, nil
	default:
		return 0, fmt.Errorf("%w: %q", timeslot.ErrInvalidResolution, s)
	}
}

var instantLayouts = []string{
	"2006-01-02T15:04Z07:00",
	time.RFC3339,
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", s)
}

// requiresComplete lists datasets whose payload must cover every slot of the day.
func requiresComplete(dataset series.DatasetType) bool {
	switch dataset {
	case series.LoadActual, series.GenerationForecast:
		return false
	default:
		return true
	}
}

// periodWindow formats the upstream request window: local midnight to next local
// midnight, expressed in UTC.
func periodWindow(date timeslot.Date, loc *time.Location) (string, string) {
	const layout = "200601021504"
	return date.Start(loc).UTC().Format(layout), date.End(loc).UTC().Format(layout)
}
