package graph

import (
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// ContinueLabel is the default-path edge label.
const ContinueLabel = "continue"

// SourceSpec declares the pipeline's source node.
type SourceSpec struct {
	ID            string
	PluginName    string
	PluginVersion string
	Determinism   landscape.Determinism
	Config        map[string]any
	Instance      plugins.Source
}

// TransformSpec declares one transform. Instance is either a
// plugins.Transform or a plugins.BatchTransform. Downstream applies
// only to branch transforms (Pipeline.Branches): it names the node
// receiving the output, defaulting to the pipeline's default sink.
type TransformSpec struct {
	ID            string
	PluginName    string
	PluginVersion string
	Determinism   landscape.Determinism
	Config        map[string]any
	Instance      any
	Input         *schema.Contract
	Output        *schema.Contract
	Downstream    string
}

// GateSpec declares a gate on the main path. Routes maps edge labels
// to destination node IDs; the reserved "continue" label keeps the
// default path and must not appear here.
type GateSpec struct {
	ID            string
	PluginName    string
	PluginVersion string
	Config        map[string]any
	Instance      plugins.Gate
	Routes        map[string]string
}

// AggregationSpec declares an aggregation on the main path. Downstream
// names the node receiving the emitted summary rows; empty means the
// default sink.
type AggregationSpec struct {
	ID            string
	PluginName    string
	PluginVersion string
	Config        map[string]any
	Instance      plugins.Aggregation
	Downstream    string
}

// CoalesceSpec declares a named coalesce point. Branch labels must
// cover the labels of its incoming edges; Downstream names the node
// receiving the merged token (empty means the default sink).
type CoalesceSpec struct {
	Name       string
	Branches   []string
	Downstream string
}

// SinkSpec declares a sink node.
type SinkSpec struct {
	ID            string
	PluginName    string
	PluginVersion string
	Config        map[string]any
	Instance      plugins.Sink
	Input         *schema.Contract
}

// Pipeline is the input to FromPluginInstances. Transforms, gates, and
// aggregations chain in declaration order along the main path, which
// terminates at the default sink.
type Pipeline struct {
	Source       SourceSpec
	Transforms   []TransformSpec
	Gates        []GateSpec
	Aggregations []AggregationSpec
	Coalesces    []CoalesceSpec
	// Branches are transforms off the main path, reachable only
	// through gate routes; each feeds its Downstream node.
	Branches    []TransformSpec
	Sinks       []SinkSpec
	DefaultSink string
	// ErrorSink optionally names a declared sink that receives failed
	// rows. It needs no inbound edge.
	ErrorSink string
}

// FromPluginInstances assembles and validates the execution graph.
func FromPluginInstances(p Pipeline) (*Graph, error) {
	g := &Graph{
		SourceID:    p.Source.ID,
		DefaultSink: p.DefaultSink,
		nodes:       map[string]*Node{},
	}

	if p.Source.ID == "" || p.Source.Instance == nil {
		return nil, &ValidationError{Problems: []string{"pipeline requires a source"}}
	}

	if err := g.addNode(&Node{
		ID:            p.Source.ID,
		Type:          landscape.NodeSource,
		PluginName:    p.Source.PluginName,
		PluginVersion: p.Source.PluginVersion,
		Determinism:   p.Source.Determinism,
		Config:        p.Source.Config,
		Instance:      p.Source.Instance,
		Output:        p.Source.Instance.SchemaContract(),
	}); err != nil {
		return nil, err
	}

	// Sinks first so routes and downstream references can resolve.
	for i := range p.Sinks {
		s := &p.Sinks[i]

		if err := g.addNode(&Node{
			ID:            s.ID,
			Type:          landscape.NodeSink,
			PluginName:    s.PluginName,
			PluginVersion: s.PluginVersion,
			Determinism:   landscape.IOWrite,
			Config:        s.Config,
			Instance:      s.Instance,
			Input:         s.Input,
		}); err != nil {
			return nil, err
		}
	}

	if p.DefaultSink == "" {
		return nil, &ValidationError{Problems: []string{"pipeline requires a default sink"}}
	}

	if _, ok := g.nodes[p.DefaultSink]; !ok {
		return nil, &ValidationError{Problems: []string{
			fmt.Sprintf("default sink %q is not a declared sink", p.DefaultSink)}}
	}

	if p.ErrorSink != "" {
		n, ok := g.nodes[p.ErrorSink]
		if !ok || n.Type != landscape.NodeSink {
			return nil, &ValidationError{Problems: []string{
				fmt.Sprintf("error sink %q is not a declared sink", p.ErrorSink)}}
		}

		g.ErrorSink = p.ErrorSink
	}

	for i := range p.Coalesces {
		c := &p.Coalesces[i]

		if err := g.addNode(&Node{
			ID:         c.Name,
			Type:       landscape.NodeCoalesce,
			PluginName: "coalesce",
			Determinism: landscape.Deterministic,
			Config: map[string]any{
				"branches":   c.Branches,
				"downstream": c.Downstream,
			},
		}); err != nil {
			return nil, err
		}

		downstream := c.Downstream
		if downstream == "" {
			downstream = p.DefaultSink
		}

		g.edges = append(g.edges, &Edge{
			From: c.Name, To: downstream, Label: ContinueLabel, Mode: landscape.ModeMove,
		})
	}

	for i := range p.Branches {
		t := &p.Branches[i]

		determinism := t.Determinism
		if determinism == "" {
			determinism = landscape.Deterministic
		}

		if err := g.addNode(&Node{
			ID:            t.ID,
			Type:          landscape.NodeTransform,
			PluginName:    t.PluginName,
			PluginVersion: t.PluginVersion,
			Determinism:   determinism,
			Config:        t.Config,
			Instance:      t.Instance,
			Input:         t.Input,
			Output:        t.Output,
		}); err != nil {
			return nil, err
		}

		downstream := t.Downstream
		if downstream == "" {
			downstream = p.DefaultSink
		}

		if _, ok := g.nodes[downstream]; !ok {
			return nil, &ValidationError{Problems: []string{
				fmt.Sprintf("branch transform %s downstream %q is not a declared node", t.ID, downstream)}}
		}

		g.edges = append(g.edges, &Edge{
			From: t.ID, To: downstream, Label: ContinueLabel, Mode: landscape.ModeMove,
		})
	}

	// The main path: source, transforms, gates, aggregations, default
	// sink, linked by continue edges.
	current := p.Source.ID

	for i := range p.Transforms {
		t := &p.Transforms[i]

		nodeType := landscape.NodeTransform
		determinism := t.Determinism

		if determinism == "" {
			determinism = landscape.Deterministic
		}

		if err := g.addNode(&Node{
			ID:            t.ID,
			Type:          nodeType,
			PluginName:    t.PluginName,
			PluginVersion: t.PluginVersion,
			Determinism:   determinism,
			Config:        t.Config,
			Instance:      t.Instance,
			Input:         t.Input,
			Output:        t.Output,
		}); err != nil {
			return nil, err
		}

		g.edges = append(g.edges, &Edge{
			From: current, To: t.ID, Label: ContinueLabel, Mode: landscape.ModeMove,
		})
		current = t.ID
	}

	for i := range p.Gates {
		gt := &p.Gates[i]

		if err := g.addNode(&Node{
			ID:            gt.ID,
			Type:          landscape.NodeGate,
			PluginName:    gt.PluginName,
			PluginVersion: gt.PluginVersion,
			Determinism:   landscape.Deterministic,
			Config:        gt.Config,
			Instance:      gt.Instance,
		}); err != nil {
			return nil, err
		}

		g.edges = append(g.edges, &Edge{
			From: current, To: gt.ID, Label: ContinueLabel, Mode: landscape.ModeMove,
		})

		for label, target := range gt.Routes {
			if label == ContinueLabel {
				return nil, &ValidationError{Problems: []string{
					fmt.Sprintf("gate %s declares reserved route label %q", gt.ID, ContinueLabel)}}
			}

			dest, ok := g.nodes[target]
			if !ok {
				return nil, &ValidationError{Problems: []string{
					fmt.Sprintf("gate %s route %q references unknown node %q", gt.ID, label, target)}}
			}

			// Fanout into a coalesce keeps the parent live on every
			// branch; single-destination routes move.
			mode := landscape.ModeMove
			if dest.Type == landscape.NodeCoalesce {
				mode = landscape.ModeCopy
			}

			g.edges = append(g.edges, &Edge{From: gt.ID, To: target, Label: label, Mode: mode})
		}

		current = gt.ID
	}

	for i := range p.Aggregations {
		a := &p.Aggregations[i]

		if err := g.addNode(&Node{
			ID:            a.ID,
			Type:          landscape.NodeAggregation,
			PluginName:    a.PluginName,
			PluginVersion: a.PluginVersion,
			Determinism:   landscape.Deterministic,
			Config:        a.Config,
			Instance:      a.Instance,
		}); err != nil {
			return nil, err
		}
	}

	if len(p.Aggregations) > 0 {
		g.edges = append(g.edges, &Edge{
			From: current, To: p.Aggregations[0].ID, Label: ContinueLabel, Mode: landscape.ModeMove,
		})

		// Each aggregation consumes its feed; the emit edge is the
		// continuation, chaining into the next aggregation unless an
		// explicit downstream overrides it.
		for i := range p.Aggregations {
			a := &p.Aggregations[i]

			downstream := a.Downstream
			if downstream == "" {
				if i+1 < len(p.Aggregations) {
					downstream = p.Aggregations[i+1].ID
				} else {
					downstream = p.DefaultSink
				}
			}

			if _, ok := g.nodes[downstream]; !ok {
				return nil, &ValidationError{Problems: []string{
					fmt.Sprintf("aggregation %s downstream %q is not a declared node", a.ID, downstream)}}
			}

			g.edges = append(g.edges, &Edge{
				From: a.ID, To: downstream, Label: ContinueLabel, Mode: landscape.ModeMove,
			})
		}

		current = ""
	}

	if current != "" {
		g.edges = append(g.edges, &Edge{
			From: current, To: p.DefaultSink, Label: ContinueLabel, Mode: landscape.ModeMove,
		})
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) addNode(n *Node) error {
	if _, dup := g.nodes[n.ID]; dup {
		return &ValidationError{Problems: []string{fmt.Sprintf("duplicate node id %q", n.ID)}}
	}

	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)

	return nil
}
