// Package schema implements row schema contracts. A contract narrows
// the open row dictionaries flowing through the pipeline: fixed mode
// pins the exact field set, flexible guarantees a minimum, observed
// locks onto the first row seen, dynamic accepts anything.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// Mode controls how strictly a contract validates rows.
type Mode string

// Contract modes.
const (
	// ModeFixed requires exactly the declared fields; extras reject.
	ModeFixed Mode = "fixed"
	// ModeFlexible requires the declared fields; extras pass through.
	ModeFlexible Mode = "flexible"
	// ModeObserved infers the field set from the first row, then locks.
	ModeObserved Mode = "observed"
	// ModeDynamic accepts any row.
	ModeDynamic Mode = "dynamic"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFixed, ModeFlexible, ModeObserved, ModeDynamic:
		return Mode(s), nil
	}

	return "", fmt.Errorf("invalid schema mode %q (fixed, flexible, observed, dynamic)", s)
}

// FieldType is the declared type of a contract field.
type FieldType string

// Field types.
const (
	TypeString FieldType = "str"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeAny    FieldType = "any"
)

var fieldSpecPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*):\s*(str|int|float|bool|any)(\?)?$`)

// Field is one declared contract field.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// ParseField parses a compact field spec such as "name: str" or
// "score: float?". The trailing question mark marks the field optional.
func ParseField(spec string) (Field, error) {
	m := fieldSpecPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return Field{}, fmt.Errorf("invalid field spec %q: expected \"name: type\" or \"name: type?\"", spec)
	}

	return Field{
		Name:     m[1],
		Type:     FieldType(m[2]),
		Required: m[3] == "",
	}, nil
}

// Contract is a locked field set plus a mode. The zero value is not
// usable; build one with New, Parse, or Infer.
type Contract struct {
	Mode   Mode
	Fields []Field

	index map[string]Field
}

// New builds a contract from already-parsed fields.
func New(mode Mode, fields []Field) (*Contract, error) {
	if mode == ModeDynamic && len(fields) > 0 {
		return nil, fmt.Errorf("dynamic contracts declare no fields")
	}

	if (mode == ModeFixed || mode == ModeFlexible) && len(fields) == 0 {
		return nil, fmt.Errorf("%s contracts require at least one field", mode)
	}

	c := &Contract{Mode: mode, Fields: fields, index: make(map[string]Field, len(fields))}

	for _, f := range fields {
		if _, dup := c.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q in contract", f.Name)
		}

		c.index[f.Name] = f
	}

	return c, nil
}

// Parse builds a contract from a mode name and compact field specs.
func Parse(mode string, specs []string) (*Contract, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}

	fields := make([]Field, 0, len(specs))

	for _, spec := range specs {
		f, err := ParseField(spec)
		if err != nil {
			return nil, err
		}

		fields = append(fields, f)
	}

	return New(m, fields)
}

// Infer builds an observed-mode contract from the first row. Every
// field is required with the type of the sample value; the contract is
// locked for the rest of the run.
func Infer(row map[string]any) (*Contract, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}

	sort.Strings(names)

	fields := make([]Field, 0, len(names))

	for _, name := range names {
		fields = append(fields, Field{Name: name, Type: typeOf(row[name]), Required: true})
	}

	c := &Contract{Mode: ModeObserved, Fields: fields, index: make(map[string]Field, len(fields))}
	for _, f := range fields {
		c.index[f.Name] = f
	}

	return c, nil
}

func typeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int32, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	default:
		return TypeAny
	}
}

// AllowsExtraFields reports whether undeclared fields pass validation.
func (c *Contract) AllowsExtraFields() bool {
	return c.Mode == ModeFlexible || c.Mode == ModeDynamic
}

// RequiredFields lists the names a row must carry, sorted.
func (c *Contract) RequiredFields() []string {
	names := make([]string, 0, len(c.Fields))

	for _, f := range c.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}

	sort.Strings(names)

	return names
}

// FieldDocs renders the declared fields as plain documents so they can
// pass through the canonical encoder, which accepts only maps, slices,
// and scalars.
func (c *Contract) FieldDocs() []map[string]any {
	fields := make([]map[string]any, 0, len(c.Fields))

	for _, f := range c.Fields {
		fields = append(fields, map[string]any{
			"name":     f.Name,
			"type":     string(f.Type),
			"required": f.Required,
		})
	}

	return fields
}

// Fingerprint is the canonical hash of the contract, used in topology
// hashing so a schema change invalidates resume compatibility.
func (c *Contract) Fingerprint() (string, error) {
	return canonical.Hash(map[string]any{
		"mode":   string(c.Mode),
		"fields": c.FieldDocs(),
	})
}

// Covers reports whether this contract's output satisfies the required
// fields of a downstream contract. Dynamic upstream covers everything
// only if the downstream requires nothing; the graph validator treats
// dynamic as open and skips the check there.
func (c *Contract) Covers(downstream *Contract) []string {
	if c.Mode == ModeDynamic {
		return nil
	}

	var missing []string

	for _, name := range downstream.RequiredFields() {
		if _, ok := c.index[name]; !ok {
			missing = append(missing, name)
		}
	}

	return missing
}
