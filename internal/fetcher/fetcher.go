package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// SeriesFetcher retrieves one dataset for one delivery date.
type SeriesFetcher interface {
	Fetch(ctx context.Context, q Query, date timeslot.Date) (series.Series, error)
}

var (
	// ErrUpstreamRejected marks non-retryable failures (bad credential, bad request).
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrUpstreamUnavailable marks retryable failures that exhausted all attempts.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNoDataYet marks a valid response without a time series for the window.
	ErrNoDataYet = errors.New("no data published yet")
)

// UpstreamError describes a failed upstream exchange.
type UpstreamError struct {
	Kind     error
	Status   int
	Code     string
	Message  string
	Params   map[string]string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// transientError is a retryable per-attempt failure.
type transientError struct {
	status     int
	message    string
	retryAfter string
	err        error
}

func (e *transientError) Error() string {
	msg := e.message
	if e.status != 0 {
		msg = fmt.Sprintf("status %d: %s", e.status, e.message)
	}
	if e.err != nil {
		return msg + ": " + e.err.Error()
	}
	return msg
}

func (e *transientError) Unwrap() error { return e.err }

// MergeSum combines per-filter series by summing values at equal positions. Parts
// are first resampled to the finest resolution among them. The result covers the
// union of positions; a position missing from one part counts as 0.
func MergeSum(filter string, parts []series.Series) (series.Series, error) {
	if len(parts) == 0 {
		return series.Series{}, errors.New("merge: no series")
	}
	base := parts[0]
	for _, part := range parts[1:] {
		if part.ResolutionMinutes < base.ResolutionMinutes {
			base = part
		}
	}
	sums := make(map[int]float64)
	unit := ""
	for _, part := range parts {
		aligned, err := part.Resample(base.ResolutionMinutes)
		if err != nil {
			return series.Series{}, fmt.Errorf("merge %s: %w", part.Filter, err)
		}
		for _, p := range aligned.Points {
			sums[p.Position] += p.Value
			if unit == "" {
				unit = p.Unit
			}
		}
	}

	positions := make([]int, 0, len(sums))
	for pos := range sums {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	points := make([]series.Point, 0, len(positions))
	for _, pos := range positions {
		points = append(points, series.Point{Position: pos, Value: roundQuantity(sums[pos]), Unit: unit})
	}

	merged := base
	merged.Filter = filter
	merged.Points = points
	merged.Provenance = series.ProvenanceUpstream
	return merged, nil
}
