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
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"github.com/xuri/excelize/v2"

	"spoilwatch/internal/freshness"
	"spoilwatch/internal/storage"
)

var exportHeader = []string{"observed_at", "device_id", "ro", "rs", "ratio", "vout", "state", "valid", "error"}

// Export renders reading history as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}
	if opts.DeviceID == "" {
		return errors.New("--device is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

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

	records, err := store.QueryReadings(ctx, opts.DeviceID, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("device_id", opts.DeviceID).Msg("no readings found for export window")
		return nil
	}

	downsampled := downsampleReadings(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeReadingsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReadingsPNG(opts.PNGPath, downsampled, a.Config.Thresholds); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReadings(records []storage.ReadingRecord, max int) []storage.ReadingRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.ReadingRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func exportRow(rec storage.ReadingRecord) []string {
	return []string{
		rec.Reading.ObservedAt.UTC().Format(time.RFC3339),
		rec.Reading.DeviceID,
		formatFloat(rec.Reading.Ro, 2),
		formatFloat(rec.Reading.Rs, 2),
		formatFloat(rec.Reading.Ratio, 4),
		formatFloat(rec.Reading.Vout, 3),
		string(rec.State),
		strconv.FormatBool(rec.Valid),
		rec.Error,
	}
}

func writeReadingsCSV(path string, records []storage.ReadingRecord) error {
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

	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(exportRow(rec)); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeReadingsXLSX(path string, records []storage.ReadingRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Readings"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	for col, header := range exportHeader {
		if err := setCellValue(f, sheet, col+1, 1, header); err != nil {
			return err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(exportHeader), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("set header style: %w", err)
	}

	for i, rec := range records {
		row := i + 2
		values := []any{
			rec.Reading.ObservedAt.UTC().Format(time.RFC3339),
			rec.Reading.DeviceID,
			numericCell(rec.Reading.Ro),
			numericCell(rec.Reading.Rs),
			numericCell(rec.Reading.Ratio),
			numericCell(rec.Reading.Vout),
			string(rec.State),
			rec.Valid,
			rec.Error,
		}
		for col, value := range values {
			if err := setCellValue(f, sheet, col+1, row, value); err != nil {
				return fmt.Errorf("set cell at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 22); err != nil {
		return err
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	return f.SaveAs(path)
}

func setCellValue(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

// numericCell leaves cells empty for values that were stored as NULL.
func numericCell(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return v
}

func writeReadingsPNG(path string, records []storage.ReadingRecord, thresholds freshness.Thresholds) error {
	x := make([]time.Time, 0, len(records))
	ratio := make([]float64, 0, len(records))
	for _, rec := range records {
		if !rec.Valid || math.IsNaN(rec.Reading.Ratio) {
			continue
		}
		x = append(x, rec.Reading.ObservedAt)
		ratio = append(ratio, rec.Reading.Ratio)
	}
	if len(x) < 2 {
		return errors.New("at least two valid readings are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	edges := []time.Time{x[0], x[len(x)-1]}
	ratioFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Rs/Ro",
			ValueFormatter: ratioFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Ratio",
				XValues: x,
				YValues: ratio,
			},
			chart.TimeSeries{
				Name:    "Fresh threshold",
				XValues: edges,
				YValues: []float64{thresholds.FreshMin, thresholds.FreshMin},
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("2ca02c"), StrokeDashArray: []float64{5, 5}},
			},
			chart.TimeSeries{
				Name:    "Spoiled threshold",
				XValues: edges,
				YValues: []float64{thresholds.WarningMin, thresholds.WarningMin},
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("d62728"), StrokeDashArray: []float64{5, 5}},
			},
		},
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

func formatFloat(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
