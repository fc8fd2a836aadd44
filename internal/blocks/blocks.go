// Package blocks merges selected slots into contiguous time blocks for presentation.
package blocks

import (
	"fmt"
	"math"
	"sort"
	"time"

	"entsoe-watch/internal/series"
)

// DefaultBestFraction marks a block as best when its average is below 80% of the day's.
const DefaultBestFraction = 0.8

// minFallbackSpread is the floor GroupWithFallback never tightens below.
const minFallbackSpread = 0.3

// Options tune grouping.
type Options struct {
	// MaxGapMinutes is the longest run of unselected time allowed inside a block.
	MaxGapMinutes int
	// MaxSpread caps max-min value inside a block; 0 disables the check.
	MaxSpread    float64
	BestFraction float64
	// DayAverage is the reference for IsBest; nil uses the mean of the input slots.
	DayAverage *float64
	// Limit keeps only the best ranked blocks; 0 keeps all.
	Limit int
}

// Block is a run of selected slots.
type Block struct {
	Rank            int           `json:"rank"`
	TimeRange       string        `json:"time_range"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	DurationMinutes int           `json:"duration_minutes"`
	SlotCount       int           `json:"slot_count"`
	Avg             float64       `json:"avg_value"`
	Min             float64       `json:"min_value"`
	Max             float64       `json:"max_value"`
	Spread          float64       `json:"spread"`
	StdDev          *float64      `json:"std_dev,omitempty"`
	IsBest          bool          `json:"is_best"`
	Slots           []series.Slot `json:"-"`
}

// Positions returns the positions present in the block.
func (b Block) Positions() []int {
	out := make([]int, len(b.Slots))
	for i, s := range b.Slots {
		out[i] = s.Position
	}
	return out
}

// Group merges slots whose missing time in between, (Δposition − 1) × resolution,
// is at most MaxGapMinutes and, when MaxSpread is set, whose values stay within it.
// Blocks are ranked by average value, lowest first; an empty input yields nil.
func Group(slots []series.Slot, opts Options) []Block {
	blocks := group(slots, opts)
	if opts.Limit > 0 && len(blocks) > opts.Limit {
		blocks = blocks[:opts.Limit]
	}
	return blocks
}

// GroupWithFallback groups with MaxSpread and, while fewer than want blocks come
// out, retries with the spread halved and then quartered (never below 0.3). It
// returns the blocks, limited to want, and the spread finally used.
func GroupWithFallback(slots []series.Slot, opts Options, want int) ([]Block, float64) {
	spread := opts.MaxSpread
	blocks := group(slots, opts)
	if spread > 0 && len(blocks) < want {
		opts.MaxSpread = spread * 0.5
		blocks = group(slots, opts)
		if len(blocks) < want && opts.MaxSpread > minFallbackSpread {
			opts.MaxSpread = math.Max(minFallbackSpread, spread*0.25)
			blocks = group(slots, opts)
		}
	}
	if want > 0 && len(blocks) > want {
		blocks = blocks[:want]
	}
	return blocks, opts.MaxSpread
}

func group(slots []series.Slot, opts Options) []Block {
	if len(slots) == 0 {
		return nil
	}
	ordered := append([]series.Slot(nil), slots...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	resolution := int(ordered[0].Duration() / time.Minute)
	fraction := opts.BestFraction
	if fraction <= 0 {
		fraction = DefaultBestFraction
	}
	dayAvg := mean(ordered)
	if opts.DayAverage != nil {
		dayAvg = *opts.DayAverage
	}

	var runs [][]series.Slot
	current := []series.Slot{ordered[0]}
	lo, hi := ordered[0].Value, ordered[0].Value
	for _, s := range ordered[1:] {
		prev := current[len(current)-1]
		gap := (s.Position - prev.Position - 1) * resolution
		nlo, nhi := math.Min(lo, s.Value), math.Max(hi, s.Value)
		if gap <= opts.MaxGapMinutes && (opts.MaxSpread <= 0 || nhi-nlo <= opts.MaxSpread) {
			current = append(current, s)
			lo, hi = nlo, nhi
			continue
		}
		runs = append(runs, current)
		current = []series.Slot{s}
		lo, hi = s.Value, s.Value
	}
	runs = append(runs, current)

	blocks := make([]Block, 0, len(runs))
	for _, run := range runs {
		blocks = append(blocks, build(run, resolution, dayAvg, fraction))
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Avg != blocks[j].Avg {
			return blocks[i].Avg < blocks[j].Avg
		}
		return blocks[i].Start.Before(blocks[j].Start)
	})
	for i := range blocks {
		blocks[i].Rank = i + 1
	}
	return blocks
}

func build(run []series.Slot, resolution int, dayAvg, fraction float64) Block {
	first, last := run[0], run[len(run)-1]
	b := Block{
		Start:           first.Start,
		End:             last.End,
		DurationMinutes: (last.Position - first.Position + 1) * resolution,
		SlotCount:       len(run),
		Min:             first.Value,
		Max:             first.Value,
		Slots:           run,
	}
	for _, s := range run {
		b.Min = math.Min(b.Min, s.Value)
		b.Max = math.Max(b.Max, s.Value)
	}
	b.Avg = mean(run)
	b.Spread = b.Max - b.Min
	b.IsBest = b.Avg < fraction*dayAvg
	if sd := stdDev(run, b.Avg); stdDevRelevant(sd, b.Spread, len(run)) {
		b.StdDev = &sd
	}
	b.TimeRange = FormatTimeRange(run)
	return b
}

func mean(slots []series.Slot) float64 {
	if len(slots) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range slots {
		sum += s.Value
	}
	return sum / float64(len(slots))
}

// stdDev is the population standard deviation.
func stdDev(slots []series.Slot, avg float64) float64 {
	if len(slots) < 2 {
		return 0
	}
	sum := 0.0
	for _, s := range slots {
		d := s.Value - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(slots)))
}

// stdDevRelevant requires at least 3 slots, σ ≥ 0.1 and σ ≥ 5% of the range.
func stdDevRelevant(sd, spread float64, count int) bool {
	if count < 3 || sd < 0.1 {
		return false
	}
	if spread > 0 && sd/spread < 0.05 {
		return false
	}
	return true
}

// FormatTimeRange renders "HH:MM - HH:MM" from the first slot's start to the last
// slot's end. Zone abbreviations are added when the offset changes inside the range
// or a repeated wall-clock slot is involved, so fall-back hours stay unambiguous.
func FormatTimeRange(run []series.Slot) string {
	if len(run) == 0 {
		return ""
	}
	first, last := run[0], run[len(run)-1]
	_, endOffset := last.End.Zone()
	ambiguous := first.Offset != endOffset
	for _, s := range run {
		if s.Repeated() || s.Offset != first.Offset {
			ambiguous = true
			break
		}
	}
	layout := "15:04"
	if ambiguous {
		layout = "15:04 MST"
	}
	return first.Start.Format(layout) + " - " + last.End.Format(layout)
}

// RankLabel renders medals for the first three ranks and "#n" after that.
func RankLabel(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return fmt.Sprintf("#%d", rank)
	}
}
