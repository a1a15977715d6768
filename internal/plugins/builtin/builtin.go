// Package builtin holds the plugins shipped with the engine: CSV and
// in-memory sources, CSV/JSONL/memory/report sinks, the field-mapping
// transform, the batch-aware HTTP transform, the expression gate, and
// the count/window aggregations. Each registers itself with
// plugins.Default at init time.
package builtin

import (
	"fmt"

	"github.com/tachyon-beep/elspeth-sub004/internal/schema"
)

// ConfigError reports an invalid plugin configuration value.
type ConfigError struct {
	Plugin string
	Key    string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: config key %q: %s", e.Plugin, e.Key, e.Detail)
}

func configErrorf(plugin, key, format string, args ...any) *ConfigError {
	return &ConfigError{Plugin: plugin, Key: key, Detail: fmt.Sprintf(format, args...)}
}

func stringOption(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok {
		return v
	}

	return fallback
}

func requireString(plugin string, config map[string]any, key string) (string, error) {
	v, ok := config[key].(string)
	if !ok || v == "" {
		return "", configErrorf(plugin, key, "required string missing")
	}

	return v, nil
}

func intOption(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}

	return fallback
}

func boolOption(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}

	return fallback
}

func stringSliceOption(plugin string, config map[string]any, key string) ([]string, error) {
	raw, ok := config[key]
	if !ok {
		return nil, nil
	}

	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, configErrorf(plugin, key, "expected list of strings, found %T", item)
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, configErrorf(plugin, key, "expected list of strings, found %T", raw)
	}
}

func stringMapOption(plugin string, config map[string]any, key string) (map[string]string, error) {
	raw, ok := config[key]
	if !ok {
		return nil, nil
	}

	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))

		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, configErrorf(plugin, key, "expected string values, found %T for %q", item, k)
			}

			out[k] = s
		}

		return out, nil
	default:
		return nil, configErrorf(plugin, key, "expected string map, found %T", raw)
	}
}

// schemaOption parses a schema block of the form
// {"mode": "fixed", "fields": ["id: int", "name: str"]}. Absent block
// means dynamic.
func schemaOption(plugin string, config map[string]any) (*schema.Contract, error) {
	raw, ok := config["schema"]
	if !ok {
		return schema.New(schema.ModeDynamic, nil)
	}

	block, ok := raw.(map[string]any)
	if !ok {
		return nil, configErrorf(plugin, "schema", "expected map, found %T", raw)
	}

	mode := stringOption(block, "mode", string(schema.ModeDynamic))

	fields, err := stringSliceOption(plugin, block, "fields")
	if err != nil {
		return nil, err
	}

	contract, err := schema.Parse(mode, fields)
	if err != nil {
		return nil, configErrorf(plugin, "schema", "%v", err)
	}

	return contract, nil
}
