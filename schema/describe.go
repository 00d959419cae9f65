package schema

// Describe renders a JSON-Schema-shaped description of a type, used to
// advertise callable functions to outside callers. The output is plain
// map[string]any so transports can embed it directly.
func Describe(t *Type) map[string]any {
	switch t.Kind {
	case KindBool:
		return map[string]any{"type": "boolean"}

	case KindS8, KindU8, KindS16, KindU16, KindS32, KindU32, KindS64, KindU64:
		return map[string]any{"type": "integer"}

	case KindF32, KindF64:
		return map[string]any{"type": "number"}

	case KindString:
		return map[string]any{"type": "string"}

	case KindList:
		return map[string]any{
			"type":  "array",
			"items": Describe(t.Elem),
		}

	case KindOption:
		return map[string]any{
			"oneOf": []any{
				Describe(t.Elem),
				map[string]any{"type": "null"},
			},
		}

	case KindRecord:
		properties := make(map[string]any, len(t.Fields))
		required := make([]any, 0, len(t.Fields))
		for _, f := range t.Fields {
			properties[f.Name] = Describe(f.Type)
			required = append(required, f.Name)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           properties,
			"required":             required,
			"additionalProperties": false,
		}

	case KindVariant:
		cases := make([]any, 0, len(t.Cases))
		for _, c := range t.Cases {
			if c.Type != nil {
				cases = append(cases, map[string]any{
					"type":                 "object",
					"properties":           map[string]any{c.Name: Describe(c.Type)},
					"required":             []any{c.Name},
					"additionalProperties": false,
				})
			} else {
				cases = append(cases, map[string]any{"const": c.Name})
			}
		}
		return map[string]any{"oneOf": cases}

	case KindEnum:
		names := make([]any, 0, len(t.Cases))
		for _, c := range t.Cases {
			names = append(names, c.Name)
		}
		return map[string]any{"type": "string", "enum": names}

	case KindFlags:
		names := make([]any, 0, len(t.Cases))
		for _, c := range t.Cases {
			names = append(names, c.Name)
		}
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string", "enum": names},
			"uniqueItems": true,
		}

	case KindResult:
		var ok, er any = map[string]any{"type": "null"}, map[string]any{"type": "null"}
		if t.OK != nil {
			ok = Describe(t.OK)
		}
		if t.Err != nil {
			er = Describe(t.Err)
		}
		return map[string]any{
			"oneOf": []any{
				map[string]any{
					"type":                 "object",
					"properties":           map[string]any{"ok": ok},
					"required":             []any{"ok"},
					"additionalProperties": false,
				},
				map[string]any{
					"type":                 "object",
					"properties":           map[string]any{"err": er},
					"required":             []any{"err"},
					"additionalProperties": false,
				},
			},
		}
	}

	// Validate rejects unknown kinds before descriptors reach here.
	return map[string]any{}
}

// DescribeInput renders the input schema for a function: a JSON object
// keyed by parameter name. Option-typed parameters may be omitted;
// everything else is required, and extras are rejected.
func DescribeInput(fn *Function) map[string]any {
	properties := make(map[string]any, len(fn.Params))
	required := make([]any, 0, len(fn.Params))
	for _, p := range fn.Params {
		properties[p.Name] = Describe(p.Type)
		if p.Type.Kind != KindOption {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// DescribeOutput renders the result schema for a function. Functions
// with no declared result report a status string. A top-level result
// type advertises only its ok side; the err case surfaces as a call
// failure rather than a value.
func DescribeOutput(fn *Function) map[string]any {
	if fn.Result == nil {
		return map[string]any{
			"type":        "string",
			"description": "execution status message",
		}
	}
	if fn.Result.Kind == KindResult {
		if fn.Result.OK == nil {
			return map[string]any{
				"type":        "string",
				"description": "execution status message",
			}
		}
		return Describe(fn.Result.OK)
	}
	return Describe(fn.Result)
}
