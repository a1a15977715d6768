package builtin

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// VisualReportSink renders the run's rows into a standalone HTML bar
// chart: one bar per distinct category value, height either the row
// count or the sum of a numeric value field.
type VisualReportSink struct {
	path          string
	title         string
	categoryField string
	valueField    string

	totals map[string]float64
	rows   int64
}

func newVisualReportFromConfig(config map[string]any) (plugins.Sink, error) {
	path, err := requireString("visual_report sink", config, "path")
	if err != nil {
		return nil, err
	}

	category, err := requireString("visual_report sink", config, "category_field")
	if err != nil {
		return nil, err
	}

	return &VisualReportSink{
		path:          path,
		title:         stringOption(config, "title", "Pipeline Report"),
		categoryField: category,
		valueField:    stringOption(config, "value_field", ""),
		totals:        map[string]float64{},
	}, nil
}

// Write accumulates category totals; rendering happens at Flush.
func (s *VisualReportSink) Write(_ context.Context, _ *plugins.Context, rows []plugins.Row) (*plugins.ArtifactDescriptor, error) {
	for _, row := range rows {
		category := cellString(row[s.categoryField])
		if category == "" {
			category = "(none)"
		}

		if s.valueField == "" {
			s.totals[category]++
		} else {
			v, ok := numeric(row[s.valueField])
			if !ok {
				return nil, fmt.Errorf("visual_report sink: field %q is not numeric", s.valueField)
			}

			s.totals[category] += v
		}

		s.rows++
	}

	hash, err := canonical.Hash(s.totals)
	if err != nil {
		return nil, fmt.Errorf("hash report totals: %w", err)
	}

	return &plugins.ArtifactDescriptor{
		ArtifactType: "report",
		PathOrURI:    s.path,
		ContentHash:  hash,
		SizeBytes:    s.rows,
	}, nil
}

// Flush renders the accumulated totals to the report file.
func (s *VisualReportSink) Flush() error {
	categories := make([]string, 0, len(s.totals))
	for c := range s.totals {
		categories = append(categories, c)
	}

	sort.Strings(categories)

	data := make([]opts.BarData, 0, len(categories))
	for _, c := range categories {
		data = append(data, opts.BarData{Value: s.totals[c]})
	}

	seriesName := "rows"
	if s.valueField != "" {
		seriesName = s.valueField
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: s.title}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	bar.SetXAxis(categories)
	bar.AddSeries(seriesName, data)

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	if err := bar.Render(f); err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	return nil
}

// Close renders if Flush never ran with data.
func (s *VisualReportSink) Close() error { return nil }

// SupportsResume is false; totals cannot be reconstructed from the
// rendered HTML.
func (s *VisualReportSink) SupportsResume() bool { return false }

// ConfigureForResume always fails.
func (s *VisualReportSink) ConfigureForResume() error {
	return fmt.Errorf("visual_report sink does not support resume")
}

// ValidateOutputTarget always succeeds; the report is rewritten whole.
func (s *VisualReportSink) ValidateOutputTarget() (*plugins.ValidationResult, error) {
	return &plugins.ValidationResult{Valid: true}, nil
}

// SetResumeFieldResolution is a no-op.
func (s *VisualReportSink) SetResumeFieldResolution(map[string]string) {}
