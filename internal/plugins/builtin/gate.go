package builtin

import (
	"context"
	"strings"

	"github.com/tachyon-beep/elspeth-sub004/internal/expr"
	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// ExpressionGate routes rows on a sandboxed boolean expression over the
// row binding. The condition compiles at construction, so a syntax
// error fails pipeline build rather than the first row.
type ExpressionGate struct {
	condition string
	compiled  *expr.Expr
	onTrue    *plugins.RoutingAction
	onFalse   *plugins.RoutingAction
}

func newExpressionGateFromConfig(config map[string]any) (plugins.Gate, error) {
	condition, err := requireString("expression gate", config, "condition")
	if err != nil {
		return nil, err
	}

	compiled, err := expr.Compile(condition)
	if err != nil {
		return nil, configErrorf("expression gate", "condition", "%v", err)
	}

	onTrue, err := parseAction("expression gate", "on_true", stringOption(config, "on_true", "continue"))
	if err != nil {
		return nil, err
	}

	onFalse, err := parseAction("expression gate", "on_false", stringOption(config, "on_false", "reject"))
	if err != nil {
		return nil, err
	}

	return &ExpressionGate{
		condition: condition,
		compiled:  compiled,
		onTrue:    onTrue,
		onFalse:   onFalse,
	}, nil
}

// parseAction reads an action spec: "continue", "reject",
// "route_to:label[,label]", or "fork_to:a,b".
func parseAction(plugin, key, spec string) (*plugins.RoutingAction, error) {
	verb, rest, _ := strings.Cut(spec, ":")

	labels := func() []string {
		var out []string

		for _, l := range strings.Split(rest, ",") {
			if l = strings.TrimSpace(l); l != "" {
				out = append(out, l)
			}
		}

		return out
	}

	switch verb {
	case "continue":
		return plugins.Continue(), nil
	case "reject":
		return plugins.RejectRow(nil), nil
	case "route_to":
		to := labels()
		if len(to) == 0 {
			return nil, configErrorf(plugin, key, "route_to needs at least one label")
		}

		return plugins.RouteToLabels(nil, to...), nil
	case "fork_to":
		to := labels()
		if len(to) < 2 {
			return nil, configErrorf(plugin, key, "fork_to needs at least two labels")
		}

		return plugins.ForkToLabels(nil, to...), nil
	default:
		return nil, configErrorf(plugin, key, "unknown action %q", spec)
	}
}

// Decide evaluates the condition. Evaluation errors propagate so the
// engine can quarantine the row.
func (g *ExpressionGate) Decide(_ context.Context, _ *plugins.Context, row plugins.Row) (*plugins.RoutingAction, error) {
	matched, err := g.compiled.Eval(row)
	if err != nil {
		return nil, err
	}

	action := g.onFalse
	if matched {
		action = g.onTrue
	}

	// Copy with the decision recorded so routing events explain
	// themselves without re-running the expression.
	out := *action
	out.Reason = map[string]any{
		"condition": g.condition,
		"matched":   matched,
	}

	return &out, nil
}
