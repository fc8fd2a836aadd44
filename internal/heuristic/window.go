package heuristic

import (
	"fmt"
	"sort"
	"time"

	"entsoe-watch/internal/series"
)

// Window is a run of consecutive slots.
type Window struct {
	Slots []series.Slot
	Avg   float64
	Min   float64
	Max   float64
}

// Start returns the local start of the first slot.
func (w Window) Start() time.Time { return w.Slots[0].Start }

// End returns the local end of the last slot.
func (w Window) End() time.Time { return w.Slots[len(w.Slots)-1].End }

// CheapestHours picks the n cheapest slots. With consecutive set it instead picks
// the n adjacent slots with the lowest average. Slots are returned in position order.
func CheapestHours(slots []series.Slot, n int, consecutive bool) ([]series.Slot, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slot count must be positive, got %d", n)
	}
	if len(slots) < n {
		return nil, fmt.Errorf("%w: need %d slots, have %d", ErrInsufficientData, n, len(slots))
	}
	ordered := byPosition(slots)

	if consecutive {
		best, ok := bestWindow(ordered, n, func(a, b float64) bool { return a < b })
		if !ok {
			return nil, fmt.Errorf("%w: no %d adjacent slots", ErrInsufficientData, n)
		}
		return best.Slots, nil
	}

	cheapest := append([]series.Slot(nil), ordered...)
	sort.SliceStable(cheapest, func(i, j int) bool {
		if cheapest[i].Value != cheapest[j].Value {
			return cheapest[i].Value < cheapest[j].Value
		}
		return cheapest[i].Position < cheapest[j].Position
	})
	return byPosition(cheapest[:n]), nil
}

// AvoidWindow finds the most expensive run of adjacent slots covering windowMinutes
// (one hour: a single hourly slot or four quarter-hour slots). When no adjacent run
// exists it falls back to the single most expensive slot.
func AvoidWindow(slots []series.Slot, windowMinutes int) (Window, error) {
	if len(slots) == 0 {
		return Window{}, ErrInsufficientData
	}
	ordered := byPosition(slots)
	res := int(ordered[0].Duration() / time.Minute)
	size := 1
	if res > 0 && windowMinutes > res {
		size = windowMinutes / res
	}

	if w, ok := bestWindow(ordered, size, func(a, b float64) bool { return a > b }); ok {
		return w, nil
	}
	w, _ := bestWindow(ordered, 1, func(a, b float64) bool { return a > b })
	return w, nil
}

// After drops slots that ended at or before t.
func After(slots []series.Slot, t time.Time) []series.Slot {
	out := make([]series.Slot, 0, len(slots))
	for _, s := range slots {
		if s.End.After(t) {
			out = append(out, s)
		}
	}
	return out
}

// bestWindow scans runs of size adjacent positions and keeps the one whose average
// wins under better; earlier windows win ties.
func bestWindow(ordered []series.Slot, size int, better func(a, b float64) bool) (Window, bool) {
	var (
		best  Window
		found bool
	)
	for i := 0; i+size <= len(ordered); i++ {
		run := ordered[i : i+size]
		if run[len(run)-1].Position-run[0].Position != size-1 {
			continue
		}
		w := summarize(run)
		if !found || better(w.Avg, best.Avg) {
			best, found = w, true
		}
	}
	return best, found
}

func summarize(run []series.Slot) Window {
	w := Window{Slots: append([]series.Slot(nil), run...), Min: run[0].Value, Max: run[0].Value}
	sum := 0.0
	for _, s := range run {
		sum += s.Value
		w.Min = min(w.Min, s.Value)
		w.Max = max(w.Max, s.Value)
	}
	w.Avg = sum / float64(len(run))
	return w
}

func byPosition(slots []series.Slot) []series.Slot {
	out := append([]series.Slot(nil), slots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
