package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Parse decodes JSON bytes into the canonical value domain: nil, bool,
// string, int64, float64, []any, map[string]any. Numbers without a
// fraction or exponent decode as int64 so a re-encode reproduces the
// original bytes.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any

	err := dec.Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("parse canonical json: %w", err)
	}

	return convert(raw)
}

func convert(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("parse float %q: %w", s, err)
			}

			return f, nil
		}

		i, err := val.Int64()
		if err != nil {
			// Out-of-range integers fall back to float64.
			f, fErr := val.Float64()
			if fErr != nil {
				return nil, fmt.Errorf("parse number %q: %w", s, fErr)
			}

			return f, nil
		}

		return i, nil
	case []any:
		out := make([]any, len(val))

		for i, item := range val {
			conv, err := convert(item)
			if err != nil {
				return nil, err
			}

			out[i] = conv
		}

		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, item := range val {
			conv, err := convert(item)
			if err != nil {
				return nil, err
			}

			out[k] = conv
		}

		return out, nil
	default:
		return v, nil
	}
}
