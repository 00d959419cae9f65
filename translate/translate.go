package translate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/schema"
)

// FieldMode controls how record validation treats fields the schema does
// not declare.
type FieldMode int

const (
	// StrictFields rejects undeclared record fields. Default.
	StrictFields FieldMode = iota
	// IgnoreFields drops undeclared record fields silently.
	IgnoreFields
)

// Variant is the native form of a variant value: the selected case name
// and its payload (nil for payload-less cases).
type Variant struct {
	Case    string
	Payload any
}

// Result is the native form of a result value.
type Result struct {
	Payload any
	IsErr   bool
}

// Translator converts between dynamic values (JSON-decoded any trees)
// and exact-width native values, directed by semantic types.
type Translator struct {
	Mode FieldMode
}

// ToNative validates a dynamic value against t and converts it to the
// native representation. The first violation short-circuits with a
// structured validation error naming the offending path.
func (tr *Translator) ToNative(t *schema.Type, v any) (any, error) {
	return tr.toNative(t, v, nil)
}

func (tr *Translator) toNative(t *schema.Type, v any, path []string) (any, error) {
	switch t.Kind {
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.TypeMismatch(path, "bool", dynamicName(v))
		}
		return b, nil

	case schema.KindS8, schema.KindU8, schema.KindS16, schema.KindU16,
		schema.KindS32, schema.KindU32, schema.KindS64, schema.KindU64:
		return tr.toInteger(t.Kind, v, path)

	case schema.KindF32, schema.KindF64:
		return tr.toFloat(t.Kind, v, path)

	case schema.KindString:
		s, ok := v.(string)
		if !ok {
			return nil, errors.TypeMismatch(path, "string", dynamicName(v))
		}
		return s, nil

	case schema.KindList:
		seq, ok := v.([]any)
		if !ok {
			return nil, errors.TypeMismatch(path, t.String(), dynamicName(v))
		}
		out := make([]any, len(seq))
		for i, elem := range seq {
			ev, err := tr.toNative(t.Elem, elem, childPath(path, fmt.Sprintf("[%d]", i)))
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil

	case schema.KindOption:
		if v == nil {
			return nil, nil
		}
		return tr.toNative(t.Elem, v, path)

	case schema.KindRecord:
		return tr.toRecord(t, v, path)

	case schema.KindVariant:
		return tr.toVariant(t, v, path)

	case schema.KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, errors.TypeMismatch(path, "enum case name", dynamicName(v))
		}
		for _, c := range t.Cases {
			if c.Name == s {
				return s, nil
			}
		}
		return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
			Path(path...).
			Value(s).
			Detail("unknown enum case %q", s).
			Build()

	case schema.KindFlags:
		return tr.toFlags(t, v, path)

	case schema.KindResult:
		return tr.toResult(t, v, path)
	}

	return nil, errors.Internal(fmt.Sprintf("unhandled type kind %q", t.Kind), nil)
}

// toFlags converts a list of label strings into the native bitmask.
// Bit i corresponds to the i-th declared label.
func (tr *Translator) toFlags(t *schema.Type, v any, path []string) (any, error) {
	seq, ok := v.([]any)
	if !ok {
		return nil, errors.TypeMismatch(path, "flags label list", dynamicName(v))
	}

	var mask uint32
	for i, elem := range seq {
		s, ok := elem.(string)
		if !ok {
			return nil, errors.TypeMismatch(childPath(path, fmt.Sprintf("[%d]", i)), "flags label", dynamicName(elem))
		}
		bit := uint32(0)
		for j, c := range t.Cases {
			if c.Name == s {
				bit = 1 << uint(j)
				break
			}
		}
		if bit == 0 {
			return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
				Path(path...).
				Value(s).
				Detail("unknown flags label %q", s).
				Build()
		}
		if mask&bit != 0 {
			return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
				Path(path...).
				Value(s).
				Detail("duplicate flags label %q", s).
				Build()
		}
		mask |= bit
	}
	return mask, nil
}

// Exact float64 values of the extreme 64-bit integer bounds. -(1<<63)
// and 1<<64 are powers of two, so both are representable exactly.
const (
	minInt64Float  = -(1 << 63)
	maxUint64Float = 1 << 64
)

// toInteger range-checks and converts whole numbers. Widths are exact:
// an out-of-range value is a validation failure, never a wraparound.
func (tr *Translator) toInteger(kind schema.Kind, v any, path []string) (any, error) {
	var neg bool
	var sval int64
	var uval uint64

	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n || math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, errors.TypeMismatch(path, string(kind), "non-integer number")
		}
		// Whole float64 values are exact up to 2^53; beyond that the
		// caller must supply a json.Number to avoid silent rounding.
		// The float itself must be bounds-checked before converting:
		// int64/uint64 conversions of an out-of-range float are
		// implementation-defined, not a trap.
		if n < minInt64Float || n >= maxUint64Float {
			return nil, errors.OutOfRange(path, n, string(kind))
		}
		if n < 0 {
			neg, sval = true, int64(n)
		} else {
			uval = uint64(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			if i < 0 {
				neg, sval = true, i
			} else {
				uval = uint64(i)
			}
		} else if u, uerr := parseUint(n); uerr == nil {
			uval = u
		} else {
			return nil, errors.TypeMismatch(path, string(kind), "non-integer number")
		}
	case int:
		if n < 0 {
			neg, sval = true, int64(n)
		} else {
			uval = uint64(n)
		}
	case int64:
		if n < 0 {
			neg, sval = true, n
		} else {
			uval = uint64(n)
		}
	case uint64:
		uval = n
	default:
		return nil, errors.TypeMismatch(path, string(kind), dynamicName(v))
	}

	min, max, signed := kind.IntegerRange()
	if neg {
		if !signed || sval < min {
			return nil, errors.OutOfRange(path, sval, string(kind))
		}
	} else if uval > max {
		return nil, errors.OutOfRange(path, uval, string(kind))
	}

	switch kind {
	case schema.KindS8:
		return int8(pick(neg, sval, uval)), nil
	case schema.KindU8:
		return uint8(uval), nil
	case schema.KindS16:
		return int16(pick(neg, sval, uval)), nil
	case schema.KindU16:
		return uint16(uval), nil
	case schema.KindS32:
		return int32(pick(neg, sval, uval)), nil
	case schema.KindU32:
		return uint32(uval), nil
	case schema.KindS64:
		return pick(neg, sval, uval), nil
	default:
		return uval, nil
	}
}

func pick(neg bool, sval int64, uval uint64) int64 {
	if neg {
		return sval
	}
	return int64(uval)
}

func parseUint(n json.Number) (uint64, error) {
	return strconv.ParseUint(n.String(), 10, 64)
}

func (tr *Translator) toFloat(kind schema.Kind, v any, path []string) (any, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		var err error
		f, err = n.Float64()
		if err != nil {
			return nil, errors.TypeMismatch(path, string(kind), "malformed number")
		}
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return nil, errors.TypeMismatch(path, string(kind), dynamicName(v))
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.TypeMismatch(path, string(kind), "non-finite number")
	}

	if kind == schema.KindF32 {
		if f != 0 && math.Abs(f) > math.MaxFloat32 {
			return nil, errors.OutOfRange(path, f, "f32")
		}
		return float32(f), nil
	}
	return f, nil
}

func (tr *Translator) toRecord(t *schema.Type, v any, path []string) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.TypeMismatch(path, "record object", dynamicName(v))
	}

	declared := make(map[string]struct{}, len(t.Fields))
	out := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		declared[f.Name] = struct{}{}
		fv, present := m[f.Name]
		if !present {
			// option fields may be omitted entirely
			if f.Type.Kind == schema.KindOption {
				out[f.Name] = nil
				continue
			}
			return nil, errors.FieldMissing(path, f.Name)
		}
		nv, err := tr.toNative(f.Type, fv, childPath(path, f.Name))
		if err != nil {
			return nil, err
		}
		out[f.Name] = nv
	}

	if tr.Mode == StrictFields {
		for name := range m {
			if _, ok := declared[name]; !ok {
				return nil, errors.FieldUnknown(path, name)
			}
		}
	}
	return out, nil
}

func (tr *Translator) toVariant(t *schema.Type, v any, path []string) (any, error) {
	// Payload-less cases may be written as a bare case-name string.
	if s, ok := v.(string); ok {
		for _, c := range t.Cases {
			if c.Name != s {
				continue
			}
			if c.Type != nil {
				return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
					Path(path...).
					Detail("case %q requires a payload", s).
					Build()
			}
			return Variant{Case: s}, nil
		}
		return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
			Path(path...).
			Value(s).
			Detail("unknown variant case %q", s).
			Build()
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.TypeMismatch(path, "variant object", dynamicName(v))
	}
	if len(m) != 1 {
		return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
			Path(path...).
			Detail("variant requires exactly one case tag, got %d", len(m)).
			Build()
	}

	for name, payload := range m {
		for _, c := range t.Cases {
			if c.Name != name {
				continue
			}
			if c.Type == nil {
				if payload != nil {
					return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
						Path(path...).
						Detail("case %q carries no payload", name).
						Build()
				}
				return Variant{Case: name}, nil
			}
			pv, err := tr.toNative(c.Type, payload, childPath(path, name))
			if err != nil {
				return nil, err
			}
			return Variant{Case: name, Payload: pv}, nil
		}
		return nil, errors.New(errors.StageValidate, errors.KindTypeMismatch).
			Path(path...).
			Value(name).
			Detail("unknown variant case %q", name).
			Build()
	}
	return nil, errors.Internal("unreachable variant state", nil)
}

func (tr *Translator) toResult(t *schema.Type, v any, path []string) (any, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, errors.TypeMismatch(path, `result object ({"ok": ...} or {"err": ...})`, dynamicName(v))
	}

	if payload, present := m["ok"]; present {
		if t.OK == nil {
			if payload != nil {
				return nil, errors.TypeMismatch(childPath(path, "ok"), "null", dynamicName(payload))
			}
			return Result{}, nil
		}
		pv, err := tr.toNative(t.OK, payload, childPath(path, "ok"))
		if err != nil {
			return nil, err
		}
		return Result{Payload: pv}, nil
	}

	if payload, present := m["err"]; present {
		if t.Err == nil {
			if payload != nil {
				return nil, errors.TypeMismatch(childPath(path, "err"), "null", dynamicName(payload))
			}
			return Result{IsErr: true}, nil
		}
		pv, err := tr.toNative(t.Err, payload, childPath(path, "err"))
		if err != nil {
			return nil, err
		}
		return Result{Payload: pv, IsErr: true}, nil
	}

	return nil, errors.TypeMismatch(path, `result object ({"ok": ...} or {"err": ...})`, dynamicName(v))
}

// FromNative converts a native value back to its dynamic form. A native
// value that does not match t is an engine bug, reported as an internal
// error rather than a validation failure.
func (tr *Translator) FromNative(t *schema.Type, v any) (any, error) {
	switch t.Kind {
	case schema.KindBool, schema.KindString:
		return v, nil

	case schema.KindS8:
		return mustNative[int8](t, v, func(n int8) any { return int64(n) })
	case schema.KindU8:
		return mustNative[uint8](t, v, func(n uint8) any { return uint64(n) })
	case schema.KindS16:
		return mustNative[int16](t, v, func(n int16) any { return int64(n) })
	case schema.KindU16:
		return mustNative[uint16](t, v, func(n uint16) any { return uint64(n) })
	case schema.KindS32:
		return mustNative[int32](t, v, func(n int32) any { return int64(n) })
	case schema.KindU32:
		return mustNative[uint32](t, v, func(n uint32) any { return uint64(n) })
	case schema.KindS64:
		return mustNative[int64](t, v, func(n int64) any { return n })
	case schema.KindU64:
		return mustNative[uint64](t, v, func(n uint64) any { return n })
	case schema.KindF32:
		return mustNative[float32](t, v, func(n float32) any { return float64(n) })
	case schema.KindF64:
		return mustNative[float64](t, v, func(n float64) any { return n })

	case schema.KindList:
		seq, ok := v.([]any)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native list is %T", v), nil)
		}
		out := make([]any, len(seq))
		for i, elem := range seq {
			ev, err := tr.FromNative(t.Elem, elem)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil

	case schema.KindOption:
		if v == nil {
			return nil, nil
		}
		return tr.FromNative(t.Elem, v)

	case schema.KindRecord:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native record is %T", v), nil)
		}
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			fv, err := tr.FromNative(f.Type, m[f.Name])
			if err != nil {
				return nil, err
			}
			out[f.Name] = fv
		}
		return out, nil

	case schema.KindVariant:
		va, ok := v.(Variant)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native variant is %T", v), nil)
		}
		for _, c := range t.Cases {
			if c.Name != va.Case {
				continue
			}
			if c.Type == nil {
				return va.Case, nil
			}
			pv, err := tr.FromNative(c.Type, va.Payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{va.Case: pv}, nil
		}
		return nil, errors.Internal(fmt.Sprintf("native variant case %q not in schema", va.Case), nil)

	case schema.KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native enum is %T", v), nil)
		}
		return s, nil

	case schema.KindFlags:
		mask, ok := v.(uint32)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native flags is %T", v), nil)
		}
		out := make([]any, 0, len(t.Cases))
		for i, c := range t.Cases {
			if mask&(1<<uint(i)) != 0 {
				out = append(out, c.Name)
			}
		}
		return out, nil

	case schema.KindResult:
		r, ok := v.(Result)
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("native result is %T", v), nil)
		}
		key, ty := "ok", t.OK
		if r.IsErr {
			key, ty = "err", t.Err
		}
		if ty == nil {
			return map[string]any{key: nil}, nil
		}
		pv, err := tr.FromNative(ty, r.Payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{key: pv}, nil
	}

	return nil, errors.Internal(fmt.Sprintf("unhandled type kind %q", t.Kind), nil)
}

func mustNative[T any](t *schema.Type, v any, widen func(T) any) (any, error) {
	n, ok := v.(T)
	if !ok {
		return nil, errors.Internal(fmt.Sprintf("native %s is %T", t.Kind, v), nil)
	}
	return widen(n), nil
}

// dynamicName names a dynamic value's tag for error messages.
func dynamicName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, json.Number, int, int64, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// childPath extends a value path without aliasing the parent's backing
// array, since error values retain the slice.
func childPath(path []string, name string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = name
	return out
}
