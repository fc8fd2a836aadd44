package heuristic

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"entsoe-watch/internal/series"
)

// Mode selects how the cheap and green rankings are combined.
type Mode string

const (
	// ModeIntersect keeps slots that are both cheap and green.
	ModeIntersect Mode = "intersect"
	// ModeUnion keeps slots that are cheap or green.
	ModeUnion Mode = "union"
	// ModeCheapGreenOffpeak keeps cheap slots that are green or outside peak load,
	// plus the cheapest share of the day.
	ModeCheapGreenOffpeak Mode = "cheap_green_offpeak"
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeIntersect, ModeUnion, ModeCheapGreenOffpeak:
		return m, nil
	case "":
		return ModeCheapGreenOffpeak, nil
	default:
		return "", fmt.Errorf("unknown plan mode %q", s)
	}
}

// Policy parameterises Plan.
type Policy struct {
	Mode            Mode
	CheapPercentile float64
	// GreenTopN limits the green set to the N highest-output slots; 0 counts every
	// slot with positive output as green.
	GreenTopN          int
	PeakLoadPercentile float64
	// CheapestShare is the fraction of the day always recommended in
	// cheap_green_offpeak mode.
	CheapestShare float64
}

// DefaultPolicy mirrors the planning rule used by the automation hooks.
var DefaultPolicy = Policy{
	Mode:               ModeCheapGreenOffpeak,
	CheapPercentile:    30,
	PeakLoadPercentile: 80,
	CheapestShare:      0.3,
}

// PlanInput carries the series one plan is built from. Generation and Load may be
// empty; a missing position then counts as zero output or zero load.
type PlanInput struct {
	Prices     series.Series
	Generation []series.Series
	Load       series.Series
}

// Recommendation is the outcome of Plan. Position lists are ascending.
type Recommendation struct {
	Mode           Mode    `json:"mode"`
	Positions      []int   `json:"positions"`
	Cheap          []int   `json:"cheap"`
	Cheapest       []int   `json:"cheapest"`
	Green          []int   `json:"green"`
	PriceThreshold float64 `json:"price_threshold"`
	LoadThreshold  float64 `json:"load_threshold,omitempty"`
}

// Plan combines the cheapest and greenest rankings per policy.
func Plan(in PlanInput, p Policy) (Recommendation, error) {
	if p.Mode == "" {
		p.Mode = DefaultPolicy.Mode
	}
	if p.CheapPercentile <= 0 {
		p.CheapPercentile = DefaultPolicy.CheapPercentile
	}
	if p.PeakLoadPercentile <= 0 {
		p.PeakLoadPercentile = DefaultPolicy.PeakLoadPercentile
	}
	if p.CheapestShare <= 0 {
		p.CheapestShare = DefaultPolicy.CheapestShare
	}

	cheap, err := RankCheapest(in.Prices, p.CheapPercentile)
	if err != nil {
		return Recommendation{}, err
	}
	threshold, err := Percentile(in.Prices.Values(), p.CheapPercentile)
	if err != nil {
		return Recommendation{}, err
	}

	green := greenSet(in.Generation, p.GreenTopN)
	rec := Recommendation{
		Mode:           p.Mode,
		Cheap:          sortedCopy(cheap),
		Green:          sortedKeys(green),
		PriceThreshold: threshold,
	}
	cheapSet := toSet(cheap)

	selected := make(map[int]bool)
	switch p.Mode {
	case ModeIntersect:
		for pos := range cheapSet {
			if green[pos] {
				selected[pos] = true
			}
		}
	case ModeUnion:
		for pos := range cheapSet {
			selected[pos] = true
		}
		for pos := range green {
			selected[pos] = true
		}
	case ModeCheapGreenOffpeak:
		loads := in.Load.ValueMap()
		loadThreshold := math.Inf(1)
		if len(in.Load.Points) > 0 {
			loadValues := make([]float64, 0, len(in.Prices.Points))
			for _, pt := range in.Prices.Points {
				loadValues = append(loadValues, loads[pt.Position])
			}
			loadThreshold, err = Percentile(loadValues, p.PeakLoadPercentile)
			if err != nil {
				return Recommendation{}, err
			}
			rec.LoadThreshold = loadThreshold
		}
		for pos := range cheapSet {
			if green[pos] || loads[pos] <= loadThreshold {
				selected[pos] = true
			}
		}
		rec.Cheapest = cheapestShare(in.Prices, p.CheapestShare)
		for _, pos := range rec.Cheapest {
			selected[pos] = true
		}
	default:
		return Recommendation{}, fmt.Errorf("unknown plan mode %q", p.Mode)
	}

	rec.Positions = sortedKeys(selected)
	return rec, nil
}

// cheapestShare returns the ceil(n × share) cheapest positions, at least one.
func cheapestShare(prices series.Series, share float64) []int {
	ranked := make([]Ranked, 0, len(prices.Points))
	for _, p := range prices.Points {
		ranked = append(ranked, Ranked{Position: p.Position, Value: p.Value})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Value != ranked[j].Value {
			return ranked[i].Value < ranked[j].Value
		}
		return ranked[i].Position < ranked[j].Position
	})
	k := max(1, int(math.Ceil(float64(len(ranked))*share)))
	k = min(k, len(ranked))
	return sortedCopy(positionsOf(ranked[:k]))
}

func greenSet(generation []series.Series, topN int) map[int]bool {
	out := make(map[int]bool)
	ranked, err := RankGreenest(generation...)
	if err != nil {
		return out
	}
	for i, r := range ranked {
		if topN > 0 && i >= topN {
			break
		}
		if r.Value > 0 {
			out[r.Position] = true
		}
	}
	return out
}

func toSet(positions []int) map[int]bool {
	out := make(map[int]bool, len(positions))
	for _, p := range positions {
		out[p] = true
	}
	return out
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func sortedCopy(positions []int) []int {
	out := append([]int(nil), positions...)
	sort.Ints(out)
	return out
}
