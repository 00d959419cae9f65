package schema

import (
	"fmt"
	"regexp"
	"strings"

	"go.bytecodealliance.org/wit"
)

// ParseWIT extracts a descriptor from WIT-style text of the form
//
//	export name: func(param: type, ...) -> type;
//
// The export keyword is optional. Only type expressions are supported
// (primitives, list, option, result); components with named record or
// variant types carry a JSON descriptor section instead.
func ParseWIT(text string) (*Descriptor, error) {
	funcPattern := regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;\n]+))?`)

	matches := funcPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no functions found in WIT text")
	}

	d := &Descriptor{}
	for _, match := range matches {
		fn := Function{Name: match[1]}

		paramsStr := strings.TrimSpace(match[2])
		if paramsStr != "" {
			for i, p := range splitParams(paramsStr) {
				name, typStr, found := strings.Cut(p, ":")
				if !found {
					return nil, fmt.Errorf("function %q: parameter %d missing name", fn.Name, i)
				}
				t, err := parseTypeExpr(strings.TrimSpace(typStr))
				if err != nil {
					return nil, fmt.Errorf("function %q, parameter %q: %w", fn.Name, strings.TrimSpace(name), err)
				}
				fn.Params = append(fn.Params, Param{Name: strings.TrimSpace(name), Type: t})
			}
		}

		if resultStr := strings.TrimSpace(match[3]); resultStr != "" && resultStr != "()" {
			t, err := parseTypeExpr(resultStr)
			if err != nil {
				return nil, fmt.Errorf("function %q result: %w", fn.Name, err)
			}
			fn.Result = t
		}

		d.Functions = append(d.Functions, fn)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseTypeExpr(s string) (*Type, error) {
	wt, err := wit.ParseType(s)
	if err != nil {
		return nil, fmt.Errorf("parse type %q: %w", s, err)
	}
	return fromWIT(wt)
}

// fromWIT maps a parsed WIT type onto the engine's semantic type set.
func fromWIT(wt wit.Type) (*Type, error) {
	switch t := wt.(type) {
	case wit.Bool:
		return &Type{Kind: KindBool}, nil
	case wit.S8:
		return &Type{Kind: KindS8}, nil
	case wit.U8:
		return &Type{Kind: KindU8}, nil
	case wit.S16:
		return &Type{Kind: KindS16}, nil
	case wit.U16:
		return &Type{Kind: KindU16}, nil
	case wit.S32:
		return &Type{Kind: KindS32}, nil
	case wit.U32:
		return &Type{Kind: KindU32}, nil
	case wit.S64:
		return &Type{Kind: KindS64}, nil
	case wit.U64:
		return &Type{Kind: KindU64}, nil
	case wit.F32:
		return &Type{Kind: KindF32}, nil
	case wit.F64:
		return &Type{Kind: KindF64}, nil
	case wit.String:
		return &Type{Kind: KindString}, nil
	case *wit.TypeDef:
		return fromWITDef(t)
	default:
		return nil, fmt.Errorf("unsupported WIT type %T", wt)
	}
}

func fromWITDef(td *wit.TypeDef) (*Type, error) {
	switch kind := td.Kind.(type) {
	case *wit.List:
		elem, err := fromWIT(kind.Type)
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindList, Elem: elem}, nil

	case *wit.Option:
		elem, err := fromWIT(kind.Type)
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindOption, Elem: elem}, nil

	case *wit.Result:
		out := &Type{Kind: KindResult}
		if kind.OK != nil {
			ok, err := fromWIT(kind.OK)
			if err != nil {
				return nil, err
			}
			out.OK = ok
		}
		if kind.Err != nil {
			er, err := fromWIT(kind.Err)
			if err != nil {
				return nil, err
			}
			out.Err = er
		}
		return out, nil

	case *wit.Record:
		out := &Type{Kind: KindRecord}
		for _, f := range kind.Fields {
			ft, err := fromWIT(f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			out.Fields = append(out.Fields, Field{Name: f.Name, Type: ft})
		}
		return out, nil

	case *wit.Variant:
		out := &Type{Kind: KindVariant}
		for _, c := range kind.Cases {
			cs := Case{Name: c.Name}
			if c.Type != nil {
				ct, err := fromWIT(c.Type)
				if err != nil {
					return nil, fmt.Errorf("case %q: %w", c.Name, err)
				}
				cs.Type = ct
			}
			out.Cases = append(out.Cases, cs)
		}
		return out, nil

	case *wit.Enum:
		out := &Type{Kind: KindEnum}
		for _, c := range kind.Cases {
			out.Cases = append(out.Cases, Case{Name: c.Name})
		}
		return out, nil

	case *wit.Flags:
		out := &Type{Kind: KindFlags}
		for _, f := range kind.Flags {
			out.Cases = append(out.Cases, Case{Name: f.Name})
		}
		return out, nil

	case wit.Type:
		return fromWIT(kind)

	default:
		return nil, fmt.Errorf("unsupported WIT type constructor %T", td.Kind)
	}
}

// splitParams splits a parameter list, respecting nested angle brackets
// and parens in type expressions.
func splitParams(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(', '<':
			depth++
			current.WriteRune(ch)
		case ')', '>':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				if str := strings.TrimSpace(current.String()); str != "" {
					result = append(result, str)
				}
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if str := strings.TrimSpace(current.String()); str != "" {
		result = append(result, str)
	}

	return result
}
