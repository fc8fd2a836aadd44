package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// ENTSO-E document types.
const (
	docPrices       = "A44"
	docLoadForecast = "A65"
	docLoadActual   = "A68"
	docGeneration   = "A69"
	docNetPosition  = "A75"
	docExchange     = "A01"

	processDayAhead = "A01"
)

// SignConvention states how net position values are reported.
type SignConvention string

const (
	// SignAsPublished keeps the upstream sign. Its import/export meaning is unverified.
	SignAsPublished SignConvention = "as_published"
	// SignInverted negates every value.
	SignInverted SignConvention = "inverted"
)

// ParseSignConvention validates a configured convention.
func ParseSignConvention(s string) (SignConvention, error) {
	switch SignConvention(strings.ToLower(strings.TrimSpace(s))) {
	case "", SignAsPublished:
		return SignAsPublished, nil
	case SignInverted:
		return SignInverted, nil
	default:
		return "", fmt.Errorf("unknown net position sign convention %q", s)
	}
}

// Query is the closed set of dataset requests. Each variant owns its parameter set.
type Query interface {
	Dataset() series.DatasetType
	Zones() (in, out string)
	// Filters lists the category values fetched one call each; nil means unfiltered.
	Filters() []string
	Validate() error
	params(filter string) url.Values
}

// KeyFor returns the cache key a query produces for date.
func KeyFor(q Query, date timeslot.Date) series.Key {
	in, out := q.Zones()
	return series.Key{
		Dataset: q.Dataset(),
		ZoneIn:  in,
		ZoneOut: out,
		Date:    date,
		Filter:  strings.Join(q.Filters(), ","),
	}
}

// DayAheadPrice requests day-ahead auction prices (A44).
type DayAheadPrice struct {
	Zone string
}

func (q DayAheadPrice) Dataset() series.DatasetType { return series.DayAheadPrice }
func (q DayAheadPrice) Zones() (string, string) { return q.Zone, q.Zone }
func (q DayAheadPrice) Filters() []string { return nil }
func (q DayAheadPrice) Validate() error { return requireZone("zone", q.Zone) }

func (q DayAheadPrice) params(string) url.Values {
	return url.Values{
		"documentType": {docPrices},
		"in_Domain":    {q.Zone},
		"out_Domain":   {q.Zone},
	}
}

// LoadDayAhead requests the day-ahead total load forecast (A65/A01).
type LoadDayAhead struct {
	Zone string
}

func (q LoadDayAhead) Dataset() series.DatasetType { return series.LoadDayAhead }
func (q LoadDayAhead) Zones() (string, string) { return q.Zone, q.Zone }
func (q LoadDayAhead) Filters() []string { return nil }
func (q LoadDayAhead) Validate() error { return requireZone("zone", q.Zone) }

func (q LoadDayAhead) params(string) url.Values {
	return url.Values{
		"documentType":          {docLoadForecast},
		"processType":           {processDayAhead},
		"outBiddingZone_Domain": {q.Zone},
	}
}

// LoadActual requests actual total load (A68). Gateways disagree on which of the
// optional parameters they require, so both are toggles.
type LoadActual struct {
	Zone            string
	RequireInDomain bool
	ProcessType     string
}

func (q LoadActual) Dataset() series.DatasetType { return series.LoadActual }
func (q LoadActual) Zones() (string, string) { return q.Zone, q.Zone }
func (q LoadActual) Filters() []string { return nil }
func (q LoadActual) Validate() error { return requireZone("zone", q.Zone) }

func (q LoadActual) params(string) url.Values {
	v := url.Values{
		"documentType":          {docLoadActual},
		"outBiddingZone_Domain": {q.Zone},
	}
	if q.RequireInDomain {
		v.Set("in_Domain", q.Zone)
	}
	if q.ProcessType != "" {
		v.Set("processType", q.ProcessType)
	}
	return v
}

// GenerationForecast requests wind/solar generation forecasts (A69/A01), optionally
// one call per production (PSR) type.
type GenerationForecast struct {
	Zone     string
	PSRTypes []string
}

func (q GenerationForecast) Dataset() series.DatasetType { return series.GenerationForecast }
func (q GenerationForecast) Zones() (string, string) { return q.Zone, q.Zone }
func (q GenerationForecast) Filters() []string { return q.PSRTypes }

func (q GenerationForecast) Validate() error {
	if err := requireZone("zone", q.Zone); err != nil {
		return err
	}
	seen := make(map[string]bool, len(q.PSRTypes))
	for _, psr := range q.PSRTypes {
		if len(psr) != 3 || psr[0] != 'B' {
			return fmt.Errorf("invalid psr type %q", psr)
		}
		if seen[psr] {
			return fmt.Errorf("duplicate psr type %q", psr)
		}
		seen[psr] = true
	}
	return nil
}

func (q GenerationForecast) params(filter string) url.Values {
	v := url.Values{
		"documentType": {docGeneration},
		"processType":  {processDayAhead},
		"in_Domain":    {q.Zone},
		"out_Domain":   {q.Zone},
	}
	if filter != "" {
		v.Set("psrType", filter)
	}
	return v
}

// NetPosition requests the implicit-allocation net position (A75).
type NetPosition struct {
	Zone string
	Sign SignConvention
}

func (q NetPosition) Dataset() series.DatasetType { return series.NetPosition }
func (q NetPosition) Zones() (string, string) { return q.Zone, q.Zone }
func (q NetPosition) Filters() []string { return nil }

func (q NetPosition) Validate() error {
	if err := requireZone("zone", q.Zone); err != nil {
		return err
	}
	_, err := ParseSignConvention(string(q.Sign))
	return err
}

func (q NetPosition) params(string) url.Values {
	return url.Values{
		"documentType": {docNetPosition},
		"in_Domain":    {q.Zone},
		"out_Domain":   {q.Zone},
	}
}

// Exchange requests scheduled commercial exchanges between two zones (A01).
type Exchange struct {
	From string
	To   string
}

func (q Exchange) Dataset() series.DatasetType { return series.Exchange }
func (q Exchange) Zones() (string, string) { return q.From, q.To }
func (q Exchange) Filters() []string { return nil }

func (q Exchange) Validate() error {
	if err := requireZone("from", q.From); err != nil {
		return err
	}
	if err := requireZone("to", q.To); err != nil {
		return err
	}
	if q.From == q.To {
		return errors.New("exchange requires two distinct zones")
	}
	return nil
}

func (q Exchange) params(string) url.Values {
	return url.Values{
		"documentType": {docExchange},
		"in_Domain":    {q.From},
		"out_Domain":   {q.To},
	}
}

// NewQuery validates q before it is used.
func NewQuery(q Query) (Query, error) {
	if q == nil {
		return nil, errors.New("query is nil")
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%s query: %w", q.Dataset(), err)
	}
	return q, nil
}

// ValidateZone checks the EIC area code shape: 16 characters starting with two digits.
func ValidateZone(zone string) error {
	return requireZone("zone", zone)
}

func requireZone(field, zone string) error {
	if zone == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(zone) != 16 {
		return fmt.Errorf("%s %q must be a 16 character EIC code", field, zone)
	}
	if zone[0] < '0' || zone[0] > '9' || zone[1] < '0' || zone[1] > '9' {
		return fmt.Errorf("%s %q must start with two digits", field, zone)
	}
	return nil
}

var (
	_ Query = DayAheadPrice{}
	_ Query = LoadDayAhead{}
	_ Query = LoadActual{}
	_ Query = GenerationForecast{}
	_ Query = NetPosition{}
	_ Query = Exchange{}
)
