package schema

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a semantic type. The set is closed: type-directed
// conversion switches over it exhaustively.
type Kind string

const (
	KindBool    Kind = "bool"
	KindS8      Kind = "s8"
	KindU8      Kind = "u8"
	KindS16     Kind = "s16"
	KindU16     Kind = "u16"
	KindS32     Kind = "s32"
	KindU32     Kind = "u32"
	KindS64     Kind = "s64"
	KindU64     Kind = "u64"
	KindF32     Kind = "f32"
	KindF64     Kind = "f64"
	KindString  Kind = "string"
	KindList    Kind = "list"
	KindOption  Kind = "option"
	KindRecord  Kind = "record"
	KindVariant Kind = "variant"
	KindEnum    Kind = "enum"
	KindFlags   Kind = "flags"
	KindResult  Kind = "result"
)

// Type is the recursive semantic type describing component interfaces.
// Which auxiliary fields are set depends on Kind: Elem for list/option,
// Fields for record, Cases for variant/enum/flags, OK/Err for result.
type Type struct {
	Kind   Kind    `json:"kind"`
	Elem   *Type   `json:"elem,omitempty"`
	OK     *Type   `json:"ok,omitempty"`
	Err    *Type   `json:"err,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Cases  []Case  `json:"cases,omitempty"`
}

// Field is one named record field. Order is significant.
type Field struct {
	Name string `json:"name"`
	Type *Type  `json:"type"`
}

// Case is one variant case, enum case, or flags label; Type is nil
// everywhere except payload-carrying variant cases.
type Case struct {
	Name string `json:"name"`
	Type *Type  `json:"type,omitempty"`
}

// Param is one named function parameter. Order is significant.
type Param struct {
	Name string `json:"name"`
	Type *Type  `json:"type"`
}

// Function is one exported function signature. Result is nil for
// functions returning nothing.
type Function struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params"`
	Result      *Type   `json:"result,omitempty"`
}

// Descriptor is the ordered set of functions a component exports.
type Descriptor struct {
	Functions []Function `json:"functions"`
}

// Function looks up an exported function by name, or nil.
func (d *Descriptor) Function(name string) *Function {
	for i := range d.Functions {
		if d.Functions[i].Name == name {
			return &d.Functions[i]
		}
	}
	return nil
}

// Param looks up a declared parameter by name, or nil.
func (f *Function) Param(name string) *Param {
	for i := range f.Params {
		if f.Params[i].Name == name {
			return &f.Params[i]
		}
	}
	return nil
}

// maxDepth bounds type nesting. Descriptors are trees, so they are
// structurally finite by construction; the cap keeps a hostile artifact
// from driving recursive walks arbitrarily deep.
const maxDepth = 64

// maxFlagLabels caps a flags type at one 32-bit mask.
const maxFlagLabels = 32

// ParseDescriptor decodes and validates a JSON-encoded descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the descriptor's structural invariants: unique
// function names, named parameters, well-formed and bounded types.
func (d *Descriptor) Validate() error {
	seen := make(map[string]struct{}, len(d.Functions))
	for i := range d.Functions {
		fn := &d.Functions[i]
		if fn.Name == "" {
			return fmt.Errorf("function %d: empty name", i)
		}
		if _, dup := seen[fn.Name]; dup {
			return fmt.Errorf("duplicate function %q", fn.Name)
		}
		seen[fn.Name] = struct{}{}

		params := make(map[string]struct{}, len(fn.Params))
		for _, p := range fn.Params {
			if p.Name == "" {
				return fmt.Errorf("function %q: unnamed parameter", fn.Name)
			}
			if _, dup := params[p.Name]; dup {
				return fmt.Errorf("function %q: duplicate parameter %q", fn.Name, p.Name)
			}
			params[p.Name] = struct{}{}
			if err := validateType(p.Type, 0); err != nil {
				return fmt.Errorf("function %q, parameter %q: %w", fn.Name, p.Name, err)
			}
		}
		if fn.Result != nil {
			if err := validateType(fn.Result, 0); err != nil {
				return fmt.Errorf("function %q result: %w", fn.Name, err)
			}
		}
	}
	return nil
}

func validateType(t *Type, depth int) error {
	if t == nil {
		return fmt.Errorf("missing type")
	}
	if depth > maxDepth {
		return fmt.Errorf("type nesting exceeds %d levels", maxDepth)
	}

	switch t.Kind {
	case KindBool, KindS8, KindU8, KindS16, KindU16, KindS32, KindU32,
		KindS64, KindU64, KindF32, KindF64, KindString:
		return nil

	case KindList, KindOption:
		if t.Elem == nil {
			return fmt.Errorf("%s: missing element type", t.Kind)
		}
		return validateType(t.Elem, depth+1)

	case KindRecord:
		if len(t.Fields) == 0 {
			return fmt.Errorf("record: no fields")
		}
		names := make(map[string]struct{}, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("record: unnamed field")
			}
			if _, dup := names[f.Name]; dup {
				return fmt.Errorf("record: duplicate field %q", f.Name)
			}
			names[f.Name] = struct{}{}
			if err := validateType(f.Type, depth+1); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil

	case KindVariant, KindEnum, KindFlags:
		if len(t.Cases) == 0 {
			return fmt.Errorf("%s: no cases", t.Kind)
		}
		if t.Kind == KindFlags && len(t.Cases) > maxFlagLabels {
			return fmt.Errorf("flags: %d labels exceeds %d", len(t.Cases), maxFlagLabels)
		}
		names := make(map[string]struct{}, len(t.Cases))
		for _, c := range t.Cases {
			if c.Name == "" {
				return fmt.Errorf("%s: unnamed case", t.Kind)
			}
			if _, dup := names[c.Name]; dup {
				return fmt.Errorf("%s: duplicate case %q", t.Kind, c.Name)
			}
			names[c.Name] = struct{}{}
			if t.Kind != KindVariant && c.Type != nil {
				return fmt.Errorf("%s case %q: unexpected payload type", t.Kind, c.Name)
			}
			if c.Type != nil {
				if err := validateType(c.Type, depth+1); err != nil {
					return fmt.Errorf("case %q: %w", c.Name, err)
				}
			}
		}
		return nil

	case KindResult:
		if t.OK != nil {
			if err := validateType(t.OK, depth+1); err != nil {
				return fmt.Errorf("result ok: %w", err)
			}
		}
		if t.Err != nil {
			if err := validateType(t.Err, depth+1); err != nil {
				return fmt.Errorf("result err: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown type kind %q", t.Kind)
	}
}

// String renders the type in WIT-like notation for error messages.
func (t *Type) String() string {
	switch t.Kind {
	case KindList:
		return fmt.Sprintf("list<%s>", t.Elem)
	case KindOption:
		return fmt.Sprintf("option<%s>", t.Elem)
	case KindRecord:
		return "record"
	case KindVariant:
		return "variant"
	case KindEnum:
		return "enum"
	case KindFlags:
		return "flags"
	case KindResult:
		return "result"
	default:
		return string(t.Kind)
	}
}

// IsInteger reports whether the kind is one of the integer widths.
func (k Kind) IsInteger() bool {
	switch k {
	case KindS8, KindU8, KindS16, KindU16, KindS32, KindU32, KindS64, KindU64:
		return true
	}
	return false
}

// IntegerRange returns the representable range for an integer kind.
// max is uint64 so the u64 upper bound is expressible; non-integer
// kinds report a zero range.
func (k Kind) IntegerRange() (min int64, max uint64, signed bool) {
	switch k {
	case KindS8:
		return -1 << 7, 1<<7 - 1, true
	case KindU8:
		return 0, 1<<8 - 1, false
	case KindS16:
		return -1 << 15, 1<<15 - 1, true
	case KindU16:
		return 0, 1<<16 - 1, false
	case KindS32:
		return -1 << 31, 1<<31 - 1, true
	case KindU32:
		return 0, 1<<32 - 1, false
	case KindS64:
		return -1 << 63, 1<<63 - 1, true
	case KindU64:
		return 0, 1<<64 - 1, false
	}
	return 0, 0, false
}
