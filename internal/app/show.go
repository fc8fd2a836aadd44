package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"entsoe-watch/internal/heuristic"
	"entsoe-watch/internal/series"
)

// Show prints one dataset's slots for a delivery day, optionally followed by the
// cheapest slots and the most expensive hour.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	date, err := a.resolveDate(opts.Date)
	if err != nil {
		return err
	}
	if opts.Dataset == "" {
		opts.Dataset = series.DayAheadPrice
	}

	svc, closeStore, err := a.newService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := svc.Series(ctx, opts.Dataset, date)
	if err != nil {
		return err
	}
	slots, err := res.Series.Slots(svc.Location())
	if err != nil {
		return err
	}

	status := "fresh"
	switch {
	case res.Series.IsPlaceholder():
		status = "placeholder: " + sanitizeInline(res.Err.Error())
	case res.Stale:
		status = "stale: " + sanitizeInline(res.Err.Error())
	}
	fmt.Fprintf(a.Out, "%s %s (%d min, %s)\n", opts.Dataset, date, res.Series.ResolutionMinutes, status)
	if len(slots) == 0 {
		fmt.Fprintln(a.Out, "no data")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pos\tStart\tEnd\tValue\tUnit")
	for _, sl := range slots {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			sl.Position,
			sl.Start.Format("15:04 MST"),
			sl.End.Format("15:04 MST"),
			formatValue(sl.Value, sl.Unit),
			sl.Unit,
		)
	}
	writer.Flush()

	if opts.Cheapest <= 0 || opts.Dataset != series.DayAheadPrice || res.Series.IsPlaceholder() {
		return nil
	}

	cheapest, err := heuristic.CheapestHours(slots, opts.Cheapest, opts.Consecutive)
	if err != nil {
		return err
	}
	labels := make([]string, len(cheapest))
	for i, sl := range cheapest {
		labels[i] = fmt.Sprintf("%s (%s)", sl.Start.Format("15:04"), formatValue(sl.Value, sl.Unit))
	}
	fmt.Fprintf(a.Out, "cheapest: %s\n", strings.Join(labels, ", "))

	avoid, err := heuristic.AvoidWindow(slots, 60)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "avoid: %s - %s (avg %s)\n",
		avoid.Start().Format("15:04"),
		avoid.End().Format("15:04"),
		formatValue(avoid.Avg, series.UnitCentPerKWh),
	)
	return nil
}

func formatValue(v float64, unit string) string {
	places := int32(1)
	if unit == series.UnitCentPerKWh {
		places = 3
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
