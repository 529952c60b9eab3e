package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"
	chart "github.com/wcharczuk/go-chart/v2"

	"price-truth/internal/model"
)

var historyHeader = []string{"created_at", "round_id", "product_key", "status", "verified_price", "median_price", "currency", "agreeing_sources", "sources_count"}

// Export renders the round history of one product key as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}
	key, err := model.ParseProductKey(opts.Key)
	if err != nil {
		return fmt.Errorf("invalid --key: %w", err)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rounds, err := rt.service.History(ctx, key, from, to)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		a.Logger.Info().Str("product_key", key.String()).Msg("no rounds found for export window")
		return nil
	}

	downsampled := downsampleRounds(rounds, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rounds)).Int("exported", len(downsampled)).Msg("exporting rounds")

	if opts.CSVPath != "" {
		if err := writeRoundsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeRoundsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRoundsPNG(opts.PNGPath, key.String(), downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRounds(rounds []model.RoundSummary, max int) []model.RoundSummary {
	if max <= 0 || len(rounds) <= max {
		return rounds
	}
	if max == 1 {
		return rounds[len(rounds)-1:]
	}

	result := make([]model.RoundSummary, 0, max)
	step := float64(len(rounds)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rounds) {
			idx = len(rounds) - 1
		}
		result = append(result, rounds[idx])
	}
	return result
}

func roundRow(r model.RoundSummary) []string {
	verified := ""
	if r.VerifiedPrice != nil {
		verified = r.VerifiedPrice.String()
	}
	return []string{
		r.CreatedAt.UTC().Format(time.RFC3339),
		r.RoundID,
		r.ProductKey,
		string(r.Status),
		verified,
		r.MedianPrice.String(),
		r.Currency,
		strconv.Itoa(r.AgreeingSources),
		strconv.Itoa(r.SourcesCount),
	}
}

func writeRoundsCSV(path string, rounds []model.RoundSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(historyHeader); err != nil {
		return err
	}
	for _, r := range rounds {
		if err := writer.Write(roundRow(r)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeRoundsXLSX(path string, rounds []model.RoundSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("rounds")
	if err != nil {
		return fmt.Errorf("xlsx: add sheet: %w", err)
	}

	header := sheet.AddRow()
	for _, h := range historyHeader {
		header.AddCell().SetString(h)
	}

	for _, r := range rounds {
		row := sheet.AddRow()
		row.AddCell().SetDateTime(r.CreatedAt.UTC())
		row.AddCell().SetString(r.RoundID)
		row.AddCell().SetString(r.ProductKey)
		row.AddCell().SetString(string(r.Status))
		verified := row.AddCell()
		if r.VerifiedPrice != nil {
			verified.SetFloat(r.VerifiedPrice.InexactFloat64())
		}
		row.AddCell().SetFloat(r.MedianPrice.InexactFloat64())
		row.AddCell().SetString(r.Currency)
		row.AddCell().SetInt(r.AgreeingSources)
		row.AddCell().SetInt(r.SourcesCount)
	}

	if err := f.Save(path); err != nil {
		return fmt.Errorf("xlsx: save %s: %w", path, err)
	}
	return nil
}

func writeRoundsPNG(path, productKey string, rounds []model.RoundSummary) error {
	x := make([]time.Time, 0, len(rounds))
	verified := make([]float64, 0, len(rounds))
	medianX := make([]time.Time, 0, len(rounds))
	median := make([]float64, 0, len(rounds))

	for _, r := range rounds {
		// 中位数为零说明本轮没有可用报价
		if r.MedianPrice.IsPositive() {
			medianX = append(medianX, r.CreatedAt)
			median = append(median, r.MedianPrice.InexactFloat64())
		}
		if r.VerifiedPrice != nil {
			x = append(x, r.CreatedAt)
			verified = append(verified, r.VerifiedPrice.InexactFloat64())
		}
	}
	if len(medianX) < 2 {
		return errors.New("png export needs at least two rounds with quotes")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	currency := rounds[len(rounds)-1].Currency
	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Median",
			XValues: medianX,
			YValues: median,
		},
	}
	if len(x) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Verified",
			XValues: x,
			YValues: verified,
		})
	}

	graph := chart.Chart{
		Title:  productKey,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: series,
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

func formatDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
