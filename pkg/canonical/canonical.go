// Package canonical produces deterministic JSON bytes and SHA-256 digests
// for audit hashing. The encoding is byte-stable across platforms: object
// keys are sorted, insignificant whitespace is omitted, non-ASCII runes
// are escaped, and numbers use a fixed representation.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Version tags the canonical encoding. It is stored on every run so a
// future change in the encoding rules can be detected at read time.
const Version = "cjson-1"

// maxSafeInteger is the largest integer exactly representable as an
// IEEE-754 double. Values beyond it are still encoded exactly because
// integers are formatted from their native width, not through float64.
const maxSafeInteger = 1<<53 - 1

// InvalidTypeError reports a value that cannot be canonicalized, such as
// a NaN float, a channel, or a self-referencing container.
type InvalidTypeError struct {
	Reason string
}

func (e *InvalidTypeError) Error() string {
	return "canonical: " + e.Reason
}

// JSON encodes v as canonical JSON bytes.
//
// Supported values: nil, bool, string, all integer widths, float32/64,
// []any, map[string]any, and typed slices/maps that reduce to those.
func JSON(v any) ([]byte, error) {
	enc := encoder{seen: make(map[uintptr]struct{})}

	err := enc.encode(v)
	if err != nil {
		return nil, err
	}

	return enc.buf, nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical JSON
// encoding of v.
func Hash(v any) (string, error) {
	data, err := JSON(v)
	if err != nil {
		return "", err
	}

	return HashBytes(data), nil
}

// HashBytes returns the lowercase SHA-256 hex digest of raw bytes.
// Payload references and row hashes are all produced through this.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

type encoder struct {
	buf []byte

	// seen tracks container addresses on the current encode path to
	// reject cycles. Entries are removed on the way back up.
	seen map[uintptr]struct{}
}

func (e *encoder) encode(v any) error {
	switch val := v.(type) {
	case nil:
		e.buf = append(e.buf, "null"...)
		return nil
	case bool:
		if val {
			e.buf = append(e.buf, "true"...)
		} else {
			e.buf = append(e.buf, "false"...)
		}

		return nil
	case string:
		e.encodeString(val)
		return nil
	case int:
		e.buf = strconv.AppendInt(e.buf, int64(val), 10)
		return nil
	case int8:
		e.buf = strconv.AppendInt(e.buf, int64(val), 10)
		return nil
	case int16:
		e.buf = strconv.AppendInt(e.buf, int64(val), 10)
		return nil
	case int32:
		e.buf = strconv.AppendInt(e.buf, int64(val), 10)
		return nil
	case int64:
		e.buf = strconv.AppendInt(e.buf, val, 10)
		return nil
	case uint:
		e.buf = strconv.AppendUint(e.buf, uint64(val), 10)
		return nil
	case uint8:
		e.buf = strconv.AppendUint(e.buf, uint64(val), 10)
		return nil
	case uint16:
		e.buf = strconv.AppendUint(e.buf, uint64(val), 10)
		return nil
	case uint32:
		e.buf = strconv.AppendUint(e.buf, uint64(val), 10)
		return nil
	case uint64:
		e.buf = strconv.AppendUint(e.buf, val, 10)
		return nil
	case float32:
		return e.encodeFloat(float64(val))
	case float64:
		return e.encodeFloat(val)
	case []any:
		return e.encodeSlice(val)
	case map[string]any:
		return e.encodeMap(val)
	default:
		return e.encodeReflect(v)
	}
}

// encodeFloat writes a float in the fixed canonical representation:
// shortest round-trip form, with ".0" appended to integral values so
// 2.0 and 2 remain distinct encodings.
func (e *encoder) encodeFloat(f float64) error {
	if math.IsNaN(f) {
		return &InvalidTypeError{Reason: "NaN is not representable in JSON"}
	}

	if math.IsInf(f, 0) {
		return &InvalidTypeError{Reason: "Inf is not representable in JSON"}
	}

	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		e.buf = strconv.AppendFloat(e.buf, f, 'f', 1, 64)
		return nil
	}

	e.buf = strconv.AppendFloat(e.buf, f, 'g', -1, 64)

	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString writes a JSON string with all non-ASCII runes escaped as
// \uXXXX (surrogate pairs above the BMP), matching the canonical form.
func (e *encoder) encodeString(s string) {
	e.buf = append(e.buf, '"')

	for _, r := range s {
		switch {
		case r == '"':
			e.buf = append(e.buf, '\\', '"')
		case r == '\\':
			e.buf = append(e.buf, '\\', '\\')
		case r == '\n':
			e.buf = append(e.buf, '\\', 'n')
		case r == '\r':
			e.buf = append(e.buf, '\\', 'r')
		case r == '\t':
			e.buf = append(e.buf, '\\', 't')
		case r == '\b':
			e.buf = append(e.buf, '\\', 'b')
		case r == '\f':
			e.buf = append(e.buf, '\\', 'f')
		case r < 0x20:
			e.appendEscape(uint32(r))
		case r < 0x80:
			e.buf = append(e.buf, byte(r))
		case r <= 0xFFFF:
			e.appendEscape(uint32(r))
		default:
			// Surrogate pair.
			v := uint32(r) - 0x10000
			e.appendEscape(0xD800 + (v >> 10))
			e.appendEscape(0xDC00 + (v & 0x3FF))
		}
	}

	e.buf = append(e.buf, '"')
}

func (e *encoder) appendEscape(code uint32) {
	e.buf = append(e.buf, '\\', 'u',
		hexDigits[(code>>12)&0xF],
		hexDigits[(code>>8)&0xF],
		hexDigits[(code>>4)&0xF],
		hexDigits[code&0xF])
}

func (e *encoder) encodeSlice(s []any) error {
	release, err := e.enter(reflect.ValueOf(s))
	if err != nil {
		return err
	}
	defer release()

	e.buf = append(e.buf, '[')

	for i, item := range s {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}

		encodeErr := e.encode(item)
		if encodeErr != nil {
			return encodeErr
		}
	}

	e.buf = append(e.buf, ']')

	return nil
}

func (e *encoder) encodeMap(m map[string]any) error {
	release, err := e.enter(reflect.ValueOf(m))
	if err != nil {
		return err
	}
	defer release()

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	e.buf = append(e.buf, '{')

	for i, k := range keys {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}

		e.encodeString(k)
		e.buf = append(e.buf, ':')

		encodeErr := e.encode(m[k])
		if encodeErr != nil {
			return encodeErr
		}
	}

	e.buf = append(e.buf, '}')

	return nil
}

// encodeReflect handles typed slices and string-keyed maps that are not
// []any / map[string]any, reducing them element-wise. Anything else is
// an invalid type.
func (e *encoder) encodeReflect(v any) error {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			release, err := e.enter(rv)
			if err != nil {
				return err
			}
			defer release()
		}

		e.buf = append(e.buf, '[')

		for i := range rv.Len() {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}

			err := e.encode(rv.Index(i).Interface())
			if err != nil {
				return err
			}
		}

		e.buf = append(e.buf, ']')

		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &InvalidTypeError{Reason: fmt.Sprintf("map key type %s is not string", rv.Type().Key())}
		}

		release, err := e.enter(rv)
		if err != nil {
			return err
		}
		defer release()

		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}

		sort.Strings(keys)

		e.buf = append(e.buf, '{')

		for i, k := range keys {
			if i > 0 {
				e.buf = append(e.buf, ',')
			}

			e.encodeString(k)
			e.buf = append(e.buf, ':')

			encodeErr := e.encode(rv.MapIndex(reflect.ValueOf(k)).Interface())
			if encodeErr != nil {
				return encodeErr
			}
		}

		e.buf = append(e.buf, '}')

		return nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			e.buf = append(e.buf, "null"...)
			return nil
		}

		return e.encode(rv.Elem().Interface())
	default:
		return &InvalidTypeError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// enter registers a container address on the current path, failing on a
// revisit. The returned func deregisters it. Empty containers are
// skipped: zero-length slices can share the runtime's zero base address.
func (e *encoder) enter(rv reflect.Value) (func(), error) {
	if rv.IsNil() || rv.Len() == 0 {
		return func() {}, nil
	}

	ptr := rv.Pointer()
	if _, cyclic := e.seen[ptr]; cyclic {
		return nil, &InvalidTypeError{Reason: "cyclic reference"}
	}

	e.seen[ptr] = struct{}{}

	return func() { delete(e.seen, ptr) }, nil
}
