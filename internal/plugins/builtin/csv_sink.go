package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// CSVSink writes rows to a CSV file. Headers come from the contract
// when one is declared, otherwise from the first row's sorted keys,
// then lock for the rest of the run. Resume switches the sink from
// truncate to append mode after validating the existing file's headers.
type CSVSink struct {
	path      string
	delimiter rune
	contract  *schema.Contract
	appending bool

	file    *os.File
	writer  *csv.Writer
	hasher  hash.Hash
	headers []string
	written int64
}

func newCSVSinkFromConfig(config map[string]any) (plugins.Sink, error) {
	path, err := requireString("csv sink", config, "path")
	if err != nil {
		return nil, err
	}

	contract, err := schemaOption("csv sink", config)
	if err != nil {
		return nil, err
	}

	delimiter := stringOption(config, "delimiter", ",")
	if len([]rune(delimiter)) != 1 {
		return nil, configErrorf("csv sink", "delimiter", "must be a single character")
	}

	mode := stringOption(config, "mode", "write")
	if mode != "write" && mode != "append" {
		return nil, configErrorf("csv sink", "mode", "must be \"write\" or \"append\", got %q", mode)
	}

	return &CSVSink{
		path:      path,
		delimiter: []rune(delimiter)[0],
		contract:  contract,
		appending: mode == "append",
	}, nil
}

func (s *CSVSink) headersFor(row plugins.Row) []string {
	if len(s.contract.Fields) > 0 {
		names := make([]string, 0, len(s.contract.Fields))
		for _, f := range s.contract.Fields {
			names = append(names, f.Name)
		}

		return names
	}

	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (s *CSVSink) open(firstRow plugins.Row) error {
	s.headers = s.headersFor(firstRow)

	flags := os.O_CREATE | os.O_WRONLY
	writeHeader := true

	if s.appending {
		flags |= os.O_APPEND

		if info, err := os.Stat(s.path); err == nil && info.Size() > 0 {
			writeHeader = false

			// Keep column order stable with the existing file.
			existing, err := readCSVHeaders(s.path, s.delimiter)
			if err != nil {
				return err
			}

			if len(existing) > 0 {
				s.headers = existing
			}
		}
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open csv sink: %w", err)
	}

	s.file = f
	s.hasher = sha256.New()
	s.writer = csv.NewWriter(io.MultiWriter(f, s.hasher))
	s.writer.Comma = s.delimiter

	if writeHeader {
		if err := s.writer.Write(s.headers); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}

	return nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Write appends rows and returns a descriptor hashing the bytes written
// so far.
func (s *CSVSink) Write(_ context.Context, _ *plugins.Context, rows []plugins.Row) (*plugins.ArtifactDescriptor, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	if s.file == nil {
		if err := s.open(rows[0]); err != nil {
			return nil, err
		}
	}

	for _, row := range rows {
		record := make([]string, len(s.headers))
		for i, name := range s.headers {
			record[i] = cellString(row[name])
		}

		if err := s.writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}

		s.written++
	}

	s.writer.Flush()

	if err := s.writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv rows: %w", err)
	}

	return &plugins.ArtifactDescriptor{
		ArtifactType: "csv",
		PathOrURI:    s.path,
		ContentHash:  hex.EncodeToString(s.hasher.Sum(nil)),
		SizeBytes:    s.written,
	}, nil
}

// Flush forces buffered rows to disk.
func (s *CSVSink) Flush() error {
	if s.writer == nil {
		return nil
	}

	s.writer.Flush()

	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv sink: %w", err)
	}

	return s.file.Sync()
}

// Close flushes and releases the file.
func (s *CSVSink) Close() error {
	if s.file == nil {
		return nil
	}

	s.writer.Flush()
	err := s.file.Close()
	s.file = nil

	return err
}

// SupportsResume is true; CSV appends naturally.
func (s *CSVSink) SupportsResume() bool { return true }

// ConfigureForResume switches from truncate to append mode so resumed
// runs extend the existing output.
func (s *CSVSink) ConfigureForResume() error {
	s.appending = true

	return nil
}

// SetResumeFieldResolution is a no-op for CSV; headers already carry
// the resolved names.
func (s *CSVSink) SetResumeFieldResolution(map[string]string) {}

func readCSVHeaders(path string, delimiter rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read existing csv headers: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	record, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read existing csv headers: %w", err)
	}

	return record, nil
}

// ValidateOutputTarget checks the existing file's headers against the
// contract before a resume appends to it. Fixed contracts require an
// exact header match; flexible requires the declared fields present;
// dynamic and observed adapt to whatever is there.
func (s *CSVSink) ValidateOutputTarget() (*plugins.ValidationResult, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &plugins.ValidationResult{Valid: true}, nil
	}

	existing, err := readCSVHeaders(s.path, s.delimiter)
	if err != nil {
		return nil, err
	}

	if len(existing) == 0 {
		return &plugins.ValidationResult{Valid: true}, nil
	}

	if s.contract.Mode == schema.ModeDynamic || s.contract.Mode == schema.ModeObserved {
		return &plugins.ValidationResult{Valid: true}, nil
	}

	expected := make([]string, 0, len(s.contract.Fields))
	for _, f := range s.contract.Fields {
		expected = append(expected, f.Name)
	}

	if s.contract.Mode == schema.ModeFixed {
		if !equalHeaders(existing, expected) {
			return &plugins.ValidationResult{
				Valid:  false,
				Reason: fmt.Sprintf("existing headers [%s] do not match contract headers [%s]: %s",
					strings.Join(existing, ","), strings.Join(expected, ","),
					renderHeaderDiff(existing, expected)),
			}, nil
		}

		return &plugins.ValidationResult{Valid: true}, nil
	}

	// Flexible: declared fields must be present, extras allowed.
	present := make(map[string]bool, len(existing))
	for _, h := range existing {
		present[h] = true
	}

	var missing []string

	for _, name := range expected {
		if !present[name] {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return &plugins.ValidationResult{
			Valid:  false,
			Reason: fmt.Sprintf("existing file missing contract fields %v: %s", missing, renderHeaderDiff(existing, expected)),
		}, nil
	}

	return &plugins.ValidationResult{Valid: true}, nil
}

func equalHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// renderHeaderDiff renders the header mismatch as an inline diff so
// the resume error names exactly which columns diverged.
func renderHeaderDiff(existing, expected []string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(strings.Join(existing, ","), strings.Join(expected, ","), false)

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-" + d.Text + "]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("[+" + d.Text + "]")
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}

	return b.String()
}
