package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/service"
)

// exportRow is one price slot annotated with the plan.
type exportRow struct {
	Slot      series.Slot
	Selected  bool
	BlockRank int
}

// Export renders a delivery day's prices and plan as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	plan, err := a.dayPlan(ctx, opts.Date)
	if err != nil {
		return err
	}
	loc, err := a.Config.Location()
	if err != nil {
		return err
	}
	rows, err := buildRows(plan, loc)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("date", plan.Date.String()).Int("slots", len(rows)).Int("blocks", len(plan.Blocks)).Msg("exporting day")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(a.exportPath(opts.CSVPath), rows); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeRowsPNG(a.exportPath(opts.PNGPath), plan, rows); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportPath(path string) string {
	if filepath.IsAbs(path) || filepath.Dir(path) != "." || a.Config.Export.Dir == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Dir, path)
}

func buildRows(plan service.DayPlan, loc *time.Location) ([]exportRow, error) {
	slots, err := plan.Prices.Slots(loc)
	if err != nil {
		return nil, err
	}
	selected := make(map[int]bool, len(plan.Recommendation.Positions))
	for _, p := range plan.Recommendation.Positions {
		selected[p] = true
	}
	rank := make(map[int]int)
	for _, b := range plan.Blocks {
		for _, p := range b.Positions() {
			rank[p] = b.Rank
		}
	}

	rows := make([]exportRow, len(slots))
	for i, sl := range slots {
		rows[i] = exportRow{Slot: sl, Selected: selected[sl.Position], BlockRank: rank[sl.Position]}
	}
	return rows, nil
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"position", "start", "end", "price", "unit", "selected", "block_rank"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		blockRank := ""
		if row.BlockRank > 0 {
			blockRank = strconv.Itoa(row.BlockRank)
		}
		record := []string{
			strconv.Itoa(row.Slot.Position),
			row.Slot.Start.Format(time.RFC3339),
			row.Slot.End.Format(time.RFC3339),
			decimal.NewFromFloat(row.Slot.Value).StringFixed(6),
			row.Slot.Unit,
			strconv.FormatBool(row.Selected),
			blockRank,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func (a *App) writeRowsPNG(path string, plan service.DayPlan, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(rows))
	price := make([]float64, 0, len(rows))
	var selX []time.Time
	var selY []float64
	for _, row := range rows {
		x = append(x, row.Slot.Start)
		price = append(price, row.Slot.Value)
		if row.Selected {
			selX = append(selX, row.Slot.Start)
			selY = append(selY, row.Slot.Value)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	width, height := a.Config.Export.ChartWidth, a.Config.Export.ChartHeight
	if width <= 0 {
		width = 1200
	}
	if height <= 0 {
		height = 500
	}

	graph := chart.Chart{
		Title:  "Day-ahead price " + plan.Date.String(),
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (ct/kWh)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
		},
	}
	if len(selX) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name: "Selected",
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    chart.ColorGreen,
			},
			XValues: selX,
			YValues: selY,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
