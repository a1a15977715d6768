// Package graph models the execution DAG: one source, a chain of
// transforms, gates fanning out to routes, aggregations, coalesce
// points, and sinks. The graph is built once per run, validated, hashed
// for resume compatibility, and registered into the audit trail.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Node is one vertex of the execution graph. Instance holds the live
// plugin; the engine type-switches on Type to drive it.
type Node struct {
	ID            string
	Type          landscape.NodeType
	PluginName    string
	PluginVersion string
	Determinism   landscape.Determinism
	Config        map[string]any
	Instance      any

	// Input and Output are the declared schema contracts, nil when the
	// node passes rows through unchanged.
	Input  *schema.Contract
	Output *schema.Contract
}

// Edge is a directed labeled connection. EdgeID is assigned when the
// graph registers with the recorder.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  landscape.EdgeMode

	EdgeID string
}

// Graph is the validated execution DAG.
type Graph struct {
	SourceID    string
	DefaultSink string

	// ErrorSink names the sink receiving failed rows. It has no inbound
	// edge; the engine routes to it outside the declared topology.
	ErrorSink string

	nodes map[string]*Node
	order []string
	edges []*Edge
}

// Node returns a vertex by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// Nodes lists vertices in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}

	return out
}

// Edges lists every edge.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// OutEdges lists edges leaving a node.
func (g *Graph) OutEdges(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range g.edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// OutEdge resolves one outgoing edge by label.
func (g *Graph) OutEdge(nodeID, label string) (*Edge, bool) {
	for _, e := range g.edges {
		if e.From == nodeID && e.Label == label {
			return e, true
		}
	}

	return nil, false
}

// InEdges lists edges entering a node.
func (g *Graph) InEdges(nodeID string) []*Edge {
	var in []*Edge

	for _, e := range g.edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}

	return in
}

// TopologyHash is the deterministic digest of the graph shape: nodes
// sorted by ID with their plugin identity and schema fingerprints,
// edges sorted by (from, to, label). It is the resume-compatibility
// key; any change to the listing invalidates checkpoints.
func (g *Graph) TopologyHash() (string, error) {
	nodes := make([]map[string]any, 0, len(g.nodes))

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		n := g.nodes[id]

		entry := map[string]any{
			"id":      n.ID,
			"type":    string(n.Type),
			"plugin":  n.PluginName,
			"version": n.PluginVersion,
		}

		if n.Input != nil {
			fp, err := n.Input.Fingerprint()
			if err != nil {
				return "", fmt.Errorf("fingerprinting %s input schema: %w", id, err)
			}

			entry["input_schema"] = fp
		}

		if n.Output != nil {
			fp, err := n.Output.Fingerprint()
			if err != nil {
				return "", fmt.Errorf("fingerprinting %s output schema: %w", id, err)
			}

			entry["output_schema"] = fp
		}

		nodes = append(nodes, entry)
	}

	edges := make([]*Edge, len(g.edges))
	copy(edges, g.edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}

		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}

		return edges[i].Label < edges[j].Label
	})

	edgeList := make([]map[string]any, len(edges))
	for i, e := range edges {
		edgeList[i] = map[string]any{
			"from":  e.From,
			"to":    e.To,
			"label": e.Label,
			"mode":  string(e.Mode),
		}
	}

	return canonical.Hash(map[string]any{"nodes": nodes, "edges": edgeList})
}

// UpstreamTopologyHash hashes only the subgraph that can reach nodeID.
// Checkpoint compatibility cares about what feeds the checkpoint node,
// not what happens downstream of it.
func (g *Graph) UpstreamTopologyHash(nodeID string) (string, error) {
	reach := map[string]bool{nodeID: true}

	for changed := true; changed; {
		changed = false

		for _, e := range g.edges {
			if reach[e.To] && !reach[e.From] {
				reach[e.From] = true
				changed = true
			}
		}
	}

	sub := &Graph{
		SourceID: g.SourceID,
		nodes:    map[string]*Node{},
	}

	for id, n := range g.nodes {
		if reach[id] {
			sub.nodes[id] = n
			sub.order = append(sub.order, id)
		}
	}

	for _, e := range g.edges {
		if reach[e.From] && reach[e.To] {
			sub.edges = append(sub.edges, e)
		}
	}

	return sub.TopologyHash()
}

// Register writes the graph's nodes and edges into the audit trail and
// stamps each Edge with its recorded ID.
func (g *Graph) Register(ctx context.Context, rec *landscape.Recorder, runID string) error {
	for seq, id := range g.order {
		n := g.nodes[id]
		seq := seq

		params := landscape.RegisterNodeParams{
			NodeID:             n.ID,
			PluginName:         n.PluginName,
			NodeType:           n.Type,
			PluginVersion:      n.PluginVersion,
			Determinism:        n.Determinism,
			Config:             n.Config,
			SequenceInPipeline: &seq,
		}

		if contract := n.Output; contract != nil {
			mode := string(contract.Mode)
			params.SchemaMode = &mode

			fields, err := canonical.JSON(contract.FieldDocs())
			if err != nil {
				return fmt.Errorf("canonicalizing %s schema fields: %w", id, err)
			}

			fieldsJSON := string(fields)
			params.SchemaFieldsJSON = &fieldsJSON
		}

		if _, err := rec.RegisterNode(ctx, runID, params); err != nil {
			return err
		}
	}

	for _, e := range g.edges {
		recorded, err := rec.RegisterEdge(ctx, runID, e.From, e.To, e.Label, e.Mode)
		if err != nil {
			return err
		}

		e.EdgeID = recorded.EdgeID
	}

	return nil
}
