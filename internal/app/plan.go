package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"entsoe-watch/internal/blocks"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/service"
	"entsoe-watch/internal/timeslot"
)

// Plan prints the day's recommendation and its blocks.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	plan, err := a.dayPlan(ctx, opts.Date)
	if err != nil {
		return err
	}
	if opts.JSON {
		return a.writeJSON(plan)
	}

	rec := plan.Recommendation
	fmt.Fprintf(a.Out, "plan %s (%s, mode %s)\n", plan.Date, plan.Zone, rec.Mode)
	fmt.Fprintf(a.Out, "day average: %s %s\n", formatValue(plan.DayAverage, series.UnitCentPerKWh), series.UnitCentPerKWh)
	fmt.Fprintf(a.Out, "price threshold: %s\n", formatValue(rec.PriceThreshold, series.UnitCentPerKWh))
	if rec.LoadThreshold > 0 {
		fmt.Fprintf(a.Out, "peak load threshold: %s MW\n", formatValue(rec.LoadThreshold, series.UnitMW))
	}
	fmt.Fprintf(a.Out, "cheap: %s\n", joinInts(rec.Cheap))
	fmt.Fprintf(a.Out, "green: %s\n", joinInts(rec.Green))
	fmt.Fprintf(a.Out, "selected: %s\n", joinInts(rec.Positions))
	for _, w := range plan.Warnings {
		fmt.Fprintf(a.Out, "warning: %s\n", w)
	}
	a.printBlocks(plan.Blocks)
	return nil
}

// Blocks prints only the grouped blocks, optionally limited.
func (a *App) Blocks(ctx context.Context, opts BlocksOptions) error {
	plan, err := a.dayPlan(ctx, opts.Date)
	if err != nil {
		return err
	}
	limit := a.Config.ResolveMaxBlocks(opts.MaxBlocks)
	out := plan.Blocks
	if limit < len(out) {
		out = out[:limit]
	}
	if opts.JSON {
		return a.writeJSON(out)
	}
	a.printBlocks(out)
	return nil
}

func (a *App) dayPlan(ctx context.Context, d timeslot.Date) (service.DayPlan, error) {
	date, err := a.resolveDate(d)
	if err != nil {
		return service.DayPlan{}, err
	}
	svc, closeStore, err := a.newService(ctx, nil)
	if err != nil {
		return service.DayPlan{}, err
	}
	defer closeStore()
	return svc.Plan(ctx, date)
}

func (a *App) printBlocks(list []blocks.Block) {
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no blocks")
		return
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tTime\tMinutes\tAvg\tMin\tMax\tStdDev\tBest")
	for _, b := range list {
		sd := "-"
		if b.StdDev != nil {
			sd = formatValue(*b.StdDev, series.UnitCentPerKWh)
		}
		best := ""
		if b.IsBest {
			best = "yes"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			blocks.RankLabel(b.Rank),
			b.TimeRange,
			b.DurationMinutes,
			formatValue(b.Avg, series.UnitCentPerKWh),
			formatValue(b.Min, series.UnitCentPerKWh),
			formatValue(b.Max, series.UnitCentPerKWh),
			sd,
			best,
		)
	}
	writer.Flush()
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
