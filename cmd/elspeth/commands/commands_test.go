package commands_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub004/cmd/elspeth/commands"
	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
)

// newRoot mirrors the production root command wiring.
func newRoot() *cobra.Command {
	root := &cobra.Command{Use: "elspeth", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "settings file")
	root.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")
	root.PersistentFlags().Bool("no-color", false, "disable colored output")

	root.AddCommand(commands.NewRunCommand())
	root.AddCommand(commands.NewResumeCommand())
	root.AddCommand(commands.NewExplainCommand())
	root.AddCommand(commands.NewPurgeCommand())
	root.AddCommand(commands.NewMCPCommand())

	return root
}

type cliFixture struct {
	dir          string
	settingsPath string
	pipelinePath string
	outputPath   string
	dsn          string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()

	dir := t.TempDir()

	f := &cliFixture{
		dir:          dir,
		settingsPath: filepath.Join(dir, "elspeth.yaml"),
		pipelinePath: filepath.Join(dir, "pipeline.yaml"),
		outputPath:   filepath.Join(dir, "out.jsonl"),
		dsn:          "sqlite://" + filepath.Join(dir, "audit.db"),
	}

	settings := fmt.Sprintf(`audit:
  dsn: %s
  payload_dir: %s
observability:
  diagnostics_addr: ""
`, f.dsn, filepath.Join(dir, "payloads"))

	require.NoError(t, os.WriteFile(f.settingsPath, []byte(settings), 0o600))

	pipeline := fmt.Sprintf(`name: cli_copy
source:
  id: src
  plugin: memory
  config:
    rows:
      - {id: 1, name: ada}
      - {id: 2, name: bob}
sinks:
  - id: out
    plugin: jsonl
    config:
      path: %s
default_sink: out
`, f.outputPath)

	require.NoError(t, os.WriteFile(f.pipelinePath, []byte(pipeline), 0o600))

	return f
}

func (f *cliFixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRoot()

	var out bytes.Buffer

	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--config", f.settingsPath, "--no-color"))

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func (f *cliFixture) completedRun(t *testing.T) *landscape.Run {
	t.Helper()

	ctx := context.Background()

	db, err := landscape.Open(ctx, f.dsn, nil)
	require.NoError(t, err)

	defer func() { require.NoError(t, db.Close()) }()

	rec := landscape.NewRecorder(db)

	runs, err := rec.ListRuns(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, runs)

	return &runs[0]
}

func TestRunCommandExecutesPipeline(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	out, err := f.execute(t, "run", f.pipelinePath)
	require.NoError(t, err)

	assert.Contains(t, out, "completed")

	written, err := os.ReadFile(f.outputPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(written)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ada")

	run := f.completedRun(t)
	assert.Equal(t, landscape.RunCompleted, run.Status)
}

func TestRunCommandRequiresPipeline(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	_, err := f.execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline definition required")
}

func TestExplainCommandRendersLineage(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	_, err := f.execute(t, "run", f.pipelinePath)
	require.NoError(t, err)

	run := f.completedRun(t)

	ctx := context.Background()

	db, err := landscape.Open(ctx, f.dsn, nil)
	require.NoError(t, err)

	rec := landscape.NewRecorder(db)

	rows, err := rec.GetRows(ctx, run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.NoError(t, db.Close())

	out, err := f.execute(t, "explain", "--run", run.RunID, "--row", rows[0].RowID)
	require.NoError(t, err)

	assert.Contains(t, out, rows[0].RowID)
	assert.Contains(t, out, "Outcome: completed")
}

func TestPurgeDryRunListsNothingFresh(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	_, err := f.execute(t, "run", f.pipelinePath)
	require.NoError(t, err)

	out, err := f.execute(t, "purge", "--dry-run", "--retention", "720h")
	require.NoError(t, err)

	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "0 payload blobs")
}

func TestPurgeDeletesAgedPayloads(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	_, err := f.execute(t, "run", f.pipelinePath)
	require.NoError(t, err)

	// A tiny retention window makes everything just written expire.
	out, err := f.execute(t, "purge", "--retention", "1ns")
	require.NoError(t, err)

	assert.Contains(t, out, "deleted")

	// Lineage still resolves after the payload is gone.
	run := f.completedRun(t)

	ctx := context.Background()

	db, err := landscape.Open(ctx, f.dsn, nil)
	require.NoError(t, err)

	defer func() { require.NoError(t, db.Close()) }()

	rec := landscape.NewRecorder(db)

	rows, err := rec.GetRows(ctx, run.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	lineage, err := rec.ExplainRow(ctx, run.RunID, rows[0].RowID, nil)
	require.NoError(t, err)
	assert.False(t, lineage.PayloadAvailable)
	assert.NotEmpty(t, lineage.SourceDataHash)
}

func TestResumeRejectsCompletedRun(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)

	_, err := f.execute(t, "run", f.pipelinePath)
	require.NoError(t, err)

	run := f.completedRun(t)

	_, err = f.execute(t, "resume", run.RunID, "--pipeline", f.pipelinePath)
	require.Error(t, err)
}
