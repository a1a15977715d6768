package builtin

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// CSVSource loads rows from a CSV file. Sources are the coercion
// boundary: cell strings are converted to the contract's declared types
// here and nowhere else downstream.
type CSVSource struct {
	path            string
	delimiter       rune
	skipRows        int
	columns         []string
	normalizeFields bool
	fieldMapping    map[string]string
	contract        *schema.Contract
	onSuccess       string
	onFailure       string

	resolution map[string]string
	file       *os.File
}

func newCSVSourceFromConfig(config map[string]any) (plugins.Source, error) {
	path, err := requireString("csv source", config, "path")
	if err != nil {
		return nil, err
	}

	contract, err := schemaOption("csv source", config)
	if err != nil {
		return nil, err
	}

	columns, err := stringSliceOption("csv source", config, "columns")
	if err != nil {
		return nil, err
	}

	mapping, err := stringMapOption("csv source", config, "field_mapping")
	if err != nil {
		return nil, err
	}

	normalize := boolOption(config, "normalize_fields", false)

	if len(columns) > 0 && normalize {
		return nil, configErrorf("csv source", "columns", "mutually exclusive with normalize_fields")
	}

	if len(mapping) > 0 && !normalize {
		return nil, configErrorf("csv source", "field_mapping", "requires normalize_fields")
	}

	delimiter := stringOption(config, "delimiter", ",")
	if len([]rune(delimiter)) != 1 {
		return nil, configErrorf("csv source", "delimiter", "must be a single character")
	}

	return &CSVSource{
		path:            path,
		delimiter:       []rune(delimiter)[0],
		skipRows:        intOption(config, "skip_rows", 0),
		columns:         columns,
		normalizeFields: normalize,
		fieldMapping:    mapping,
		contract:        contract,
		onSuccess:       stringOption(config, "on_success", "continue"),
		onFailure:       stringOption(config, "on_validation_failure", "discard"),
	}, nil
}

// normalizeHeader lowers a messy header to a plain identifier:
// "Total Sales (USD)" becomes "total_sales_usd".
func normalizeHeader(header string) string {
	var b strings.Builder

	lastUnderscore := true

	for _, r := range strings.ToLower(strings.TrimSpace(header)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)

			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')

				lastUnderscore = true
			}
		}
	}

	return strings.Trim(b.String(), "_")
}

// Load opens the file, resolves headers, and streams validated rows.
func (s *CSVSource) Load(_ context.Context, pctx *plugins.Context) (plugins.RowIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}

	s.file = f

	reader := csv.NewReader(f)
	reader.Comma = s.delimiter
	reader.FieldsPerRecord = -1

	for i := 0; i < s.skipRows; i++ {
		if _, err := reader.Read(); err != nil {
			f.Close()

			return nil, fmt.Errorf("skip csv header rows: %w", err)
		}
	}

	headers := s.columns
	s.resolution = map[string]string{}

	if len(headers) == 0 {
		record, err := reader.Read()
		if err != nil {
			f.Close()

			return nil, fmt.Errorf("read csv header: %w", err)
		}

		headers = make([]string, len(record))

		for i, h := range record {
			resolved := h
			if s.normalizeFields {
				resolved = normalizeHeader(h)

				if override, ok := s.fieldMapping[resolved]; ok {
					resolved = override
				}
			}

			headers[i] = resolved

			if resolved != h {
				s.resolution[h] = resolved
			}
		}
	}

	return &csvIterator{source: s, reader: reader, headers: headers, pctx: pctx}, nil
}

type csvIterator struct {
	source  *CSVSource
	reader  *csv.Reader
	headers []string
	pctx    *plugins.Context
}

func (it *csvIterator) Next(ctx context.Context) (plugins.Row, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		record, err := it.reader.Read()
		if err == io.EOF {
			return nil, false, nil
		}

		if err != nil {
			return nil, false, fmt.Errorf("read csv record: %w", err)
		}

		row := make(plugins.Row, len(it.headers))

		for i, name := range it.headers {
			if i < len(record) {
				row[name] = coerceCell(it.source.contract, name, record[i])
			}
		}

		// Observed contracts lock onto the first row seen.
		if it.source.contract.Mode == schema.ModeObserved && len(it.source.contract.Fields) == 0 {
			inferred, err := schema.Infer(row)
			if err != nil {
				return nil, false, fmt.Errorf("infer observed contract: %w", err)
			}

			it.source.contract = inferred
		}

		if verr := it.source.contract.Validate(row); verr != nil {
			if it.pctx != nil {
				if rerr := it.pctx.RecordValidationError(ctx, row, verr.Error(),
					string(it.source.contract.Mode), it.source.onFailure); rerr != nil {
					return nil, false, rerr
				}
			}

			continue
		}

		return row, true, nil
	}
}

func (it *csvIterator) Close() error {
	if it.source.file == nil {
		return nil
	}

	err := it.source.file.Close()
	it.source.file = nil

	return err
}

// coerceCell converts a CSV cell to the contract's declared type.
// Undeclared fields stay strings.
func coerceCell(contract *schema.Contract, name, cell string) any {
	for _, f := range contract.Fields {
		if f.Name != name {
			continue
		}

		if !f.Required && cell == "" {
			return nil
		}

		switch f.Type {
		case schema.TypeInt:
			if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
				return v
			}
		case schema.TypeFloat:
			if v, err := strconv.ParseFloat(cell, 64); err == nil {
				return v
			}
		case schema.TypeBool:
			if v, err := strconv.ParseBool(cell); err == nil {
				return v
			}
		}

		// Failed coercions fall through as strings so validation
		// reports the type violation.
		return cell
	}

	return cell
}

// SchemaContract returns the source contract.
func (s *CSVSource) SchemaContract() *schema.Contract { return s.contract }

// FieldResolution maps original headers to their resolved names.
func (s *CSVSource) FieldResolution() map[string]string {
	if len(s.resolution) == 0 {
		return nil
	}

	return s.resolution
}

// OnSuccess names the default downstream edge label.
func (s *CSVSource) OnSuccess() string { return s.onSuccess }

// SupportsResume is false; the checkpoint cursor skips rows upstream of
// the checkpoint node, not in the file reader.
func (s *CSVSource) SupportsResume() bool { return false }

// ConfigureForResume always fails.
func (s *CSVSource) ConfigureForResume() error {
	return fmt.Errorf("csv source does not support resume")
}

// Close releases the open file, if any.
func (s *CSVSource) Close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil

		return err
	}

	return nil
}
