package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// ValidationError aggregates every structural problem found in one
// pass so a misconfigured pipeline reports all defects at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid execution graph: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the assembled graph: acyclic, fully reachable from
// the source, every terminal node a sink, coalesce branches matching
// their incoming edge labels, and upstream output schemas covering
// downstream requirements.
func (g *Graph) Validate() error {
	var problems []string

	problems = append(problems, g.checkAcyclic()...)
	problems = append(problems, g.checkReachable()...)
	problems = append(problems, g.checkTerminals()...)
	problems = append(problems, g.checkCoalesceBranches()...)
	problems = append(problems, g.checkSchemaCoverage()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	return nil
}

func (g *Graph) checkAcyclic() []string {
	indegree := map[string]int{}
	for id := range g.nodes {
		indegree[id] = 0
	}

	for _, e := range g.edges {
		indegree[e.To]++
	}

	queue := make([]string, 0, len(g.nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, e := range g.edges {
			if e.From != id {
				continue
			}

			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if visited != len(g.nodes) {
		var cyclic []string

		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}

		sort.Strings(cyclic)

		return []string{fmt.Sprintf("cycle involving nodes %s", strings.Join(cyclic, ", "))}
	}

	return nil
}

func (g *Graph) checkReachable() []string {
	reach := map[string]bool{g.SourceID: true}

	// The error sink is fed by the engine's failure routing, not by a
	// declared edge.
	if g.ErrorSink != "" {
		reach[g.ErrorSink] = true
	}

	for changed := true; changed; {
		changed = false

		for _, e := range g.edges {
			if reach[e.From] && !reach[e.To] {
				reach[e.To] = true
				changed = true
			}
		}
	}

	var unreachable []string

	for _, id := range g.order {
		if !reach[id] {
			unreachable = append(unreachable, id)
		}
	}

	sort.Strings(unreachable)

	problems := make([]string, 0, len(unreachable))
	for _, id := range unreachable {
		problems = append(problems, fmt.Sprintf("node %s is unreachable from the source", id))
	}

	return problems
}

func (g *Graph) checkTerminals() []string {
	var problems []string

	for _, id := range g.order {
		if len(g.OutEdges(id)) > 0 {
			continue
		}

		if g.nodes[id].Type != landscape.NodeSink {
			problems = append(problems,
				fmt.Sprintf("terminal node %s is a %s, rows would dead-end", id, g.nodes[id].Type))
		}
	}

	return problems
}

func (g *Graph) checkCoalesceBranches() []string {
	var problems []string

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Type != landscape.NodeCoalesce {
			continue
		}

		declared := map[string]bool{}

		if raw, ok := n.Config["branches"].([]string); ok {
			for _, b := range raw {
				declared[b] = true
			}
		}

		// Branch-labeled edges come straight from a gate; continue
		// edges come from branch transforms whose tokens carry the
		// branch name themselves.
		incoming := map[string]bool{}
		hasContinue := false

		for _, e := range g.InEdges(id) {
			incoming[e.Label] = true

			if e.Label == ContinueLabel {
				hasContinue = true

				continue
			}

			if !declared[e.Label] {
				problems = append(problems,
					fmt.Sprintf("coalesce %s receives edge label %q it does not declare", id, e.Label))
			}
		}

		if hasContinue {
			continue
		}

		missing := make([]string, 0, len(declared))

		for b := range declared {
			if !incoming[b] {
				missing = append(missing, b)
			}
		}

		sort.Strings(missing)

		for _, b := range missing {
			problems = append(problems,
				fmt.Sprintf("coalesce %s branch %q has no incoming edge", id, b))
		}
	}

	return problems
}

func (g *Graph) checkSchemaCoverage() []string {
	var problems []string

	for _, e := range g.edges {
		upstream := g.nodes[e.From]
		downstream := g.nodes[e.To]

		out := g.effectiveOutput(upstream)
		in := downstream.Input

		if out == nil || in == nil {
			continue
		}

		if out.Mode == schema.ModeDynamic || in.Mode == schema.ModeDynamic {
			continue
		}

		if missing := out.Covers(in); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf(
				"edge %s -> %s (%s): upstream schema is missing required fields %s",
				e.From, e.To, e.Label, strings.Join(missing, ", ")))
		}
	}

	return problems
}

// effectiveOutput resolves the contract rows carry when leaving a node:
// its declared output, or its input when it passes rows through.
func (g *Graph) effectiveOutput(n *Node) *schema.Contract {
	if n.Output != nil {
		return n.Output
	}

	switch n.Type {
	case landscape.NodeGate, landscape.NodeCoalesce:
		for _, e := range g.InEdges(n.ID) {
			if up := g.effectiveOutput(g.nodes[e.From]); up != nil {
				return up
			}
		}
	}

	return n.Input
}
