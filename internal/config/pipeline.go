package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth-sub004/internal/coalesce"
	"github.com/tachyon-beep/elspeth-sub004/internal/graph"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// PipelineFile is the YAML document declaring one pipeline.
type PipelineFile struct {
	Name         string           `yaml:"name"`
	Source       SourceDef        `yaml:"source"`
	Transforms   []TransformDef   `yaml:"transforms"`
	Gates        []GateDef        `yaml:"gates"`
	Branches     []TransformDef   `yaml:"branches"`
	Coalesces    []CoalesceDef    `yaml:"coalesces"`
	Aggregations []AggregationDef `yaml:"aggregations"`
	Sinks        []SinkDef        `yaml:"sinks"`
	DefaultSink  string           `yaml:"default_sink"`
	ErrorSink    string           `yaml:"error_sink"`
}

// SchemaDef declares a schema contract on a node boundary.
type SchemaDef struct {
	Mode   string   `yaml:"mode"`
	Fields []string `yaml:"fields"`
}

// SourceDef declares the source node.
type SourceDef struct {
	ID     string         `yaml:"id"`
	Plugin string         `yaml:"plugin"`
	Config map[string]any `yaml:"config"`
}

// TransformDef declares a transform node. On the branches list,
// Downstream names the node receiving its output.
type TransformDef struct {
	ID         string         `yaml:"id"`
	Plugin     string         `yaml:"plugin"`
	Config     map[string]any `yaml:"config"`
	Input      *SchemaDef     `yaml:"input"`
	Output     *SchemaDef     `yaml:"output"`
	Downstream string         `yaml:"downstream"`
}

// GateDef declares a gate node with its labelled routes.
type GateDef struct {
	ID     string            `yaml:"id"`
	Plugin string            `yaml:"plugin"`
	Config map[string]any    `yaml:"config"`
	Routes map[string]string `yaml:"routes"`
}

// CoalesceDef declares a named coalesce point.
type CoalesceDef struct {
	Name         string   `yaml:"name"`
	Branches     []string `yaml:"branches"`
	Policy       string   `yaml:"policy"`
	Quorum       int      `yaml:"quorum"`
	Timeout      string   `yaml:"timeout"`
	Merge        string   `yaml:"merge"`
	SelectBranch string   `yaml:"select_branch"`
	Downstream   string   `yaml:"downstream"`
}

// AggregationDef declares an aggregation node.
type AggregationDef struct {
	ID         string         `yaml:"id"`
	Plugin     string         `yaml:"plugin"`
	Config     map[string]any `yaml:"config"`
	Downstream string         `yaml:"downstream"`
}

// SinkDef declares a sink node.
type SinkDef struct {
	ID     string         `yaml:"id"`
	Plugin string         `yaml:"plugin"`
	Config map[string]any `yaml:"config"`
	Input  *SchemaDef     `yaml:"input"`
}

// Plan is an assembled pipeline: the validated graph plus the coalesce
// settings the engine registers before a run.
type Plan struct {
	Name      string
	Graph     *graph.Graph
	Coalesces []coalesce.Settings
}

// LoadPipeline reads and parses a pipeline file without assembling it.
func LoadPipeline(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	var pf PipelineFile

	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}

	return &pf, nil
}

// Assemble resolves every plugin through the registry, builds the
// execution graph, and validates it.
func (pf *PipelineFile) Assemble(reg *plugins.Registry) (*Plan, error) {
	p := graph.Pipeline{DefaultSink: pf.DefaultSink, ErrorSink: pf.ErrorSink}

	srcEntry, err := reg.SourceEntry(pf.Source.Plugin)
	if err != nil {
		return nil, err
	}

	src, err := srcEntry.New(pf.Source.Config)
	if err != nil {
		return nil, fmt.Errorf("building source %s: %w", pf.Source.ID, err)
	}

	p.Source = graph.SourceSpec{
		ID:            pf.Source.ID,
		PluginName:    srcEntry.Name,
		PluginVersion: srcEntry.Version,
		Determinism:   srcEntry.Determinism,
		Config:        pf.Source.Config,
		Instance:      src,
	}

	p.Transforms, err = buildTransforms(reg, pf.Transforms)
	if err != nil {
		return nil, err
	}

	p.Branches, err = buildTransforms(reg, pf.Branches)
	if err != nil {
		return nil, err
	}

	for _, def := range pf.Gates {
		entry, err := reg.GateEntry(def.Plugin)
		if err != nil {
			return nil, err
		}

		inst, err := entry.New(def.Config)
		if err != nil {
			return nil, fmt.Errorf("building gate %s: %w", def.ID, err)
		}

		p.Gates = append(p.Gates, graph.GateSpec{
			ID:            def.ID,
			PluginName:    entry.Name,
			PluginVersion: entry.Version,
			Config:        def.Config,
			Instance:      inst,
			Routes:        def.Routes,
		})
	}

	for _, def := range pf.Aggregations {
		entry, err := reg.AggregationEntry(def.Plugin)
		if err != nil {
			return nil, err
		}

		inst, err := entry.New(def.Config)
		if err != nil {
			return nil, fmt.Errorf("building aggregation %s: %w", def.ID, err)
		}

		p.Aggregations = append(p.Aggregations, graph.AggregationSpec{
			ID:            def.ID,
			PluginName:    entry.Name,
			PluginVersion: entry.Version,
			Config:        def.Config,
			Instance:      inst,
			Downstream:    def.Downstream,
		})
	}

	for _, def := range pf.Sinks {
		entry, err := reg.SinkEntry(def.Plugin)
		if err != nil {
			return nil, err
		}

		inst, err := entry.New(def.Config)
		if err != nil {
			return nil, fmt.Errorf("building sink %s: %w", def.ID, err)
		}

		input, err := parseSchema(def.Input)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", def.ID, err)
		}

		p.Sinks = append(p.Sinks, graph.SinkSpec{
			ID:            def.ID,
			PluginName:    entry.Name,
			PluginVersion: entry.Version,
			Config:        def.Config,
			Instance:      inst,
			Input:         input,
		})
	}

	settings := make([]coalesce.Settings, 0, len(pf.Coalesces))

	for _, def := range pf.Coalesces {
		s, err := def.toSettings()
		if err != nil {
			return nil, err
		}

		settings = append(settings, s)
		p.Coalesces = append(p.Coalesces, graph.CoalesceSpec{
			Name:       def.Name,
			Branches:   def.Branches,
			Downstream: def.Downstream,
		})
	}

	g, err := graph.FromPluginInstances(p)
	if err != nil {
		return nil, err
	}

	return &Plan{Name: pf.Name, Graph: g, Coalesces: settings}, nil
}

func buildTransforms(reg *plugins.Registry, defs []TransformDef) ([]graph.TransformSpec, error) {
	specs := make([]graph.TransformSpec, 0, len(defs))

	for _, def := range defs {
		spec := graph.TransformSpec{
			ID:         def.ID,
			Config:     def.Config,
			Downstream: def.Downstream,
		}

		// A transform name resolves in the row registry or the
		// batch-aware one; the engine dispatches on the instance type.
		if entry, err := reg.TransformEntry(def.Plugin); err == nil {
			inst, buildErr := entry.New(def.Config)
			if buildErr != nil {
				return nil, fmt.Errorf("building transform %s: %w", def.ID, buildErr)
			}

			spec.PluginName = entry.Name
			spec.PluginVersion = entry.Version
			spec.Determinism = entry.Determinism
			spec.Instance = inst
		} else if batchEntry, batchErr := reg.BatchTransformEntry(def.Plugin); batchErr == nil {
			inst, buildErr := batchEntry.New(def.Config)
			if buildErr != nil {
				return nil, fmt.Errorf("building transform %s: %w", def.ID, buildErr)
			}

			spec.PluginName = batchEntry.Name
			spec.PluginVersion = batchEntry.Version
			spec.Determinism = batchEntry.Determinism
			spec.Instance = inst
		} else {
			return nil, fmt.Errorf("transform %s: %w", def.ID, err)
		}

		input, err := parseSchema(def.Input)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", def.ID, err)
		}

		output, err := parseSchema(def.Output)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", def.ID, err)
		}

		spec.Input, spec.Output = input, output
		specs = append(specs, spec)
	}

	return specs, nil
}

func (def *CoalesceDef) toSettings() (coalesce.Settings, error) {
	s := coalesce.Settings{
		Name:         def.Name,
		NodeID:       def.Name,
		Branches:     def.Branches,
		Policy:       coalesce.Policy(def.Policy),
		QuorumCount:  def.Quorum,
		Merge:        coalesce.MergeStrategy(def.Merge),
		SelectBranch: def.SelectBranch,
	}

	if def.Timeout != "" {
		timeout, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return coalesce.Settings{}, fmt.Errorf("coalesce %s timeout: %w", def.Name, err)
		}

		s.Timeout = timeout
	}

	return s, nil
}

func parseSchema(def *SchemaDef) (*schema.Contract, error) {
	if def == nil {
		return nil, nil
	}

	return schema.Parse(def.Mode, def.Fields)
}
