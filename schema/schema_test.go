package schema

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseDescriptor(t *testing.T) {
	data := []byte(`{
		"functions": [
			{
				"name": "fetch",
				"params": [{"name": "url", "type": {"kind": "string"}}],
				"result": {"kind": "result", "ok": {"kind": "string"}, "err": {"kind": "string"}}
			},
			{
				"name": "get-current-time",
				"params": [],
				"result": {"kind": "string"}
			}
		]
	}`)

	d, err := ParseDescriptor(data)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if len(d.Functions) != 2 {
		t.Fatalf("got %d functions", len(d.Functions))
	}

	fn := d.Function("fetch")
	if fn == nil {
		t.Fatal("fetch not found")
	}
	if len(fn.Params) != 1 || fn.Params[0].Name != "url" || fn.Params[0].Type.Kind != KindString {
		t.Errorf("fetch params = %+v", fn.Params)
	}
	if fn.Result.Kind != KindResult || fn.Result.OK.Kind != KindString {
		t.Errorf("fetch result = %+v", fn.Result)
	}

	if d.Function("missing") != nil {
		t.Error("unexpected function lookup hit")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
		want string
	}{
		{
			name: "duplicate function",
			d: Descriptor{Functions: []Function{
				{Name: "a"}, {Name: "a"},
			}},
			want: "duplicate function",
		},
		{
			name: "unnamed parameter",
			d: Descriptor{Functions: []Function{
				{Name: "a", Params: []Param{{Type: &Type{Kind: KindBool}}}},
			}},
			want: "unnamed parameter",
		},
		{
			name: "empty record",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindRecord}},
			}},
			want: "no fields",
		},
		{
			name: "duplicate variant case",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindVariant, Cases: []Case{{Name: "x"}, {Name: "x"}}}},
			}},
			want: "duplicate case",
		},
		{
			name: "enum with payload",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindEnum, Cases: []Case{{Name: "x", Type: &Type{Kind: KindBool}}}}},
			}},
			want: "unexpected payload",
		},
		{
			name: "flags with payload",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindFlags, Cases: []Case{{Name: "x", Type: &Type{Kind: KindBool}}}}},
			}},
			want: "unexpected payload",
		},
		{
			name: "flags over label cap",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindFlags, Cases: manyLabels(33)}},
			}},
			want: "exceeds",
		},
		{
			name: "unknown kind",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: "tuple"}},
			}},
			want: "unknown type kind",
		},
		{
			name: "list without element",
			d: Descriptor{Functions: []Function{
				{Name: "a", Result: &Type{Kind: KindList}},
			}},
			want: "missing element",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func manyLabels(n int) []Case {
	out := make([]Case, n)
	for i := range out {
		out[i] = Case{Name: fmt.Sprintf("l%d", i)}
	}
	return out
}

func TestValidateDepthBound(t *testing.T) {
	deep := &Type{Kind: KindString}
	for i := 0; i < maxDepth+2; i++ {
		deep = &Type{Kind: KindList, Elem: deep}
	}
	d := Descriptor{Functions: []Function{{Name: "a", Result: deep}}}
	if err := d.Validate(); err == nil {
		t.Error("expected nesting bound to trip")
	}
}

func TestParseWIT(t *testing.T) {
	text := `
		export get-current-time: func() -> string;
		fetch: func(url: string) -> result<string, string>;
		sum: func(values: list<s32>) -> s64;
		find: func(key: string) -> option<string>;
	`
	d, err := ParseWIT(text)
	if err != nil {
		t.Fatalf("ParseWIT: %v", err)
	}
	if len(d.Functions) != 4 {
		t.Fatalf("got %d functions: %+v", len(d.Functions), d.Functions)
	}

	fn := d.Function("sum")
	if fn.Params[0].Type.Kind != KindList || fn.Params[0].Type.Elem.Kind != KindS32 {
		t.Errorf("sum param = %+v", fn.Params[0].Type)
	}
	if fn.Result.Kind != KindS64 {
		t.Errorf("sum result = %+v", fn.Result)
	}

	fn = d.Function("fetch")
	if fn.Result.Kind != KindResult || fn.Result.Err.Kind != KindString {
		t.Errorf("fetch result = %+v", fn.Result)
	}

	fn = d.Function("find")
	if fn.Result.Kind != KindOption || fn.Result.Elem.Kind != KindString {
		t.Errorf("find result = %+v", fn.Result)
	}
}

func TestParseWITEmpty(t *testing.T) {
	if _, err := ParseWIT("nothing to see here"); err == nil {
		t.Error("expected error for text without functions")
	}
}

func TestDescribeRecord(t *testing.T) {
	ty := &Type{Kind: KindRecord, Fields: []Field{
		{Name: "host", Type: &Type{Kind: KindString}},
		{Name: "port", Type: &Type{Kind: KindU16}},
		{Name: "tags", Type: &Type{Kind: KindList, Elem: &Type{Kind: KindString}}},
	}}

	s := Describe(ty)
	if s["type"] != "object" {
		t.Errorf("type = %v", s["type"])
	}
	props := s["properties"].(map[string]any)
	if props["port"].(map[string]any)["type"] != "integer" {
		t.Errorf("port schema = %v", props["port"])
	}
	if props["tags"].(map[string]any)["type"] != "array" {
		t.Errorf("tags schema = %v", props["tags"])
	}
	if len(s["required"].([]any)) != 3 {
		t.Errorf("required = %v", s["required"])
	}
	if s["additionalProperties"] != false {
		t.Error("expected additionalProperties=false")
	}
}

func TestDescribeInputOutput(t *testing.T) {
	fn := &Function{
		Name:   "fetch",
		Params: []Param{{Name: "url", Type: &Type{Kind: KindString}}},
		Result: &Type{Kind: KindString},
	}

	in := DescribeInput(fn)
	if in["type"] != "object" {
		t.Errorf("input type = %v", in["type"])
	}
	if _, ok := in["properties"].(map[string]any)["url"]; !ok {
		t.Error("missing url property")
	}

	out := DescribeOutput(fn)
	if out["type"] != "string" {
		t.Errorf("output = %v", out)
	}

	noResult := &Function{Name: "ping"}
	out = DescribeOutput(noResult)
	if out["description"] != "execution status message" {
		t.Errorf("void output = %v", out)
	}
}

func TestDescribeVariantAndEnum(t *testing.T) {
	variant := &Type{Kind: KindVariant, Cases: []Case{
		{Name: "text", Type: &Type{Kind: KindString}},
		{Name: "none"},
	}}
	s := Describe(variant)
	alts := s["oneOf"].([]any)
	if len(alts) != 2 {
		t.Fatalf("oneOf = %v", alts)
	}
	if alts[1].(map[string]any)["const"] != "none" {
		t.Errorf("payload-less case = %v", alts[1])
	}

	enum := &Type{Kind: KindEnum, Cases: []Case{{Name: "red"}, {Name: "green"}}}
	s = Describe(enum)
	if s["type"] != "string" || len(s["enum"].([]any)) != 2 {
		t.Errorf("enum schema = %v", s)
	}
}

func TestDescribeFlags(t *testing.T) {
	flags := &Type{Kind: KindFlags, Cases: []Case{{Name: "read"}, {Name: "write"}}}
	s := Describe(flags)
	if s["type"] != "array" || s["uniqueItems"] != true {
		t.Errorf("flags schema = %v", s)
	}
	items := s["items"].(map[string]any)
	if items["type"] != "string" || len(items["enum"].([]any)) != 2 {
		t.Errorf("flags items = %v", items)
	}
}

func TestDescribeInputOptionNotRequired(t *testing.T) {
	fn := &Function{
		Name: "greet",
		Params: []Param{
			{Name: "name", Type: &Type{Kind: KindString}},
			{Name: "title", Type: &Type{Kind: KindOption, Elem: &Type{Kind: KindString}}},
		},
	}
	in := DescribeInput(fn)
	required := in["required"].([]any)
	if len(required) != 1 || required[0] != "name" {
		t.Errorf("required = %v, want just name", required)
	}
}

func TestDescribeOutputUnwrapsResult(t *testing.T) {
	fn := &Function{
		Name:   "run",
		Result: &Type{Kind: KindResult, OK: &Type{Kind: KindU32}, Err: &Type{Kind: KindString}},
	}
	out := DescribeOutput(fn)
	if out["type"] != "integer" {
		t.Errorf("output = %v, want the ok side only", out)
	}
}
