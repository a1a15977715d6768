package builtin

import (
	"context"

	"github.com/tachyon-beep/elspeth-sub004/internal/plugins"
)

// FieldMapTransform renames fields and optionally drops everything not
// named in the mapping. A rename whose source field is absent fails the
// row; silent no-ops would hide upstream contract drift.
type FieldMapTransform struct {
	mapping     map[string]string
	dropOthers  bool
	allowAbsent bool
}

func newFieldMapFromConfig(config map[string]any) (plugins.Transform, error) {
	mapping, err := stringMapOption("field_map transform", config, "mapping")
	if err != nil {
		return nil, err
	}

	if len(mapping) == 0 {
		return nil, configErrorf("field_map transform", "mapping", "required map missing or empty")
	}

	return &FieldMapTransform{
		mapping:     mapping,
		dropOthers:  boolOption(config, "drop_others", false),
		allowAbsent: boolOption(config, "allow_absent", false),
	}, nil
}

// Process applies the mapping to one row.
func (t *FieldMapTransform) Process(_ context.Context, _ *plugins.Context, row plugins.Row) (*plugins.TransformResult, error) {
	out := plugins.Row{}

	if !t.dropOthers {
		mapped := make(map[string]bool, len(t.mapping))
		for from := range t.mapping {
			mapped[from] = true
		}

		for k, v := range row {
			if !mapped[k] {
				out[k] = v
			}
		}
	}

	for from, to := range t.mapping {
		v, ok := row[from]
		if !ok {
			if t.allowAbsent {
				continue
			}

			return plugins.Errorf(map[string]any{
				"error": "missing_field",
				"field": from,
			}), nil
		}

		out[to] = v
	}

	return plugins.Success(out), nil
}
