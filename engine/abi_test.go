package engine

import (
	"testing"

	"github.com/wasmic/wasmic/schema"
)

func ty(k schema.Kind) *schema.Type { return &schema.Type{Kind: k} }

func TestLayoutScalars(t *testing.T) {
	a := newABI()
	for _, tt := range []struct {
		kind  schema.Kind
		size  uint32
		align uint32
	}{
		{schema.KindBool, 1, 1},
		{schema.KindU8, 1, 1},
		{schema.KindS16, 2, 2},
		{schema.KindU32, 4, 4},
		{schema.KindF32, 4, 4},
		{schema.KindS64, 8, 8},
		{schema.KindF64, 8, 8},
		{schema.KindString, 8, 4},
		{schema.KindList, 8, 4},
	} {
		l := a.layoutOf(&schema.Type{Kind: tt.kind, Elem: ty(schema.KindU8)})
		if l.size != tt.size || l.align != tt.align {
			t.Errorf("%s: layout = {%d,%d}, want {%d,%d}", tt.kind, l.size, l.align, tt.size, tt.align)
		}
	}
}

func TestLayoutRecordPadding(t *testing.T) {
	a := newABI()
	rec := &schema.Type{Kind: schema.KindRecord, Fields: []schema.Field{
		{Name: "flag", Type: ty(schema.KindU8)},
		{Name: "count", Type: ty(schema.KindU32)},
		{Name: "tail", Type: ty(schema.KindU8)},
	}}
	l := a.layoutOf(rec)
	// u8 at 0, u32 padded to 4, u8 at 8, total padded to 12.
	if l.size != 12 || l.align != 4 {
		t.Errorf("layout = {%d,%d}, want {12,4}", l.size, l.align)
	}
}

func TestLayoutOption(t *testing.T) {
	a := newABI()
	opt := &schema.Type{Kind: schema.KindOption, Elem: ty(schema.KindU64)}
	l := a.layoutOf(opt)
	// 1-byte discriminant padded to 8, then the u64 payload.
	if l.size != 16 || l.align != 8 {
		t.Errorf("layout = {%d,%d}, want {16,8}", l.size, l.align)
	}
}

func TestLayoutVariant(t *testing.T) {
	a := newABI()
	v := &schema.Type{Kind: schema.KindVariant, Cases: []schema.Case{
		{Name: "none"},
		{Name: "num", Type: ty(schema.KindU32)},
		{Name: "text", Type: ty(schema.KindString)},
	}}
	l := a.layoutOf(v)
	// Discriminant byte, payload aligned to 4, max payload 8 bytes.
	if l.size != 12 || l.align != 4 {
		t.Errorf("layout = {%d,%d}, want {12,4}", l.size, l.align)
	}
}

func TestFlatCounts(t *testing.T) {
	a := newABI()
	rec := &schema.Type{Kind: schema.KindRecord, Fields: []schema.Field{
		{Name: "a", Type: ty(schema.KindU32)},
		{Name: "b", Type: ty(schema.KindString)},
	}}
	variant := &schema.Type{Kind: schema.KindVariant, Cases: []schema.Case{
		{Name: "empty"},
		{Name: "pair", Type: rec},
	}}
	result := &schema.Type{Kind: schema.KindResult, OK: ty(schema.KindU64), Err: ty(schema.KindString)}

	for _, tt := range []struct {
		name string
		t    *schema.Type
		want int
	}{
		{"scalar", ty(schema.KindS32), 1},
		{"string", ty(schema.KindString), 2},
		{"record", rec, 3},
		{"option scalar", &schema.Type{Kind: schema.KindOption, Elem: ty(schema.KindF64)}, 2},
		{"variant joins max payload", variant, 4},
		{"result joins ok and err", result, 3},
		{"enum", &schema.Type{Kind: schema.KindEnum, Cases: []schema.Case{{Name: "a"}, {Name: "b"}}}, 1},
		{"flags", &schema.Type{Kind: schema.KindFlags, Cases: []schema.Case{{Name: "a"}, {Name: "b"}}}, 1},
	} {
		t.Run(tt.name, func(t_ *testing.T) {
			if got := a.flatCount(tt.t); got != tt.want {
				t_.Errorf("flatCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLayoutFlags(t *testing.T) {
	a := newABI()
	for _, tt := range []struct {
		labels int
		want   uint32
	}{
		{1, 1}, {8, 1}, {9, 2}, {16, 2}, {17, 4}, {32, 4},
	} {
		cases := make([]schema.Case, tt.labels)
		for i := range cases {
			cases[i] = schema.Case{Name: string(rune('a' + i))}
		}
		l := a.layoutOf(&schema.Type{Kind: schema.KindFlags, Cases: cases})
		if l.size != tt.want || l.align != tt.want {
			t.Errorf("%d labels: layout = {%d,%d}, want {%d,%d}", tt.labels, l.size, l.align, tt.want, tt.want)
		}
	}
}

func TestDiscriminantSize(t *testing.T) {
	if discriminantSize(2) != 1 || discriminantSize(256) != 1 {
		t.Error("small case counts should use one byte")
	}
	if discriminantSize(257) != 2 {
		t.Error("257 cases should use two bytes")
	}
	if discriminantSize(70000) != 4 {
		t.Error("huge case counts should use four bytes")
	}
}

func TestAlignTo(t *testing.T) {
	for _, tt := range []struct{ off, align, want uint32 }{
		{0, 4, 0}, {1, 4, 4}, {4, 4, 4}, {5, 8, 8}, {7, 1, 7},
	} {
		if got := alignTo(tt.off, tt.align); got != tt.want {
			t.Errorf("alignTo(%d,%d) = %d, want %d", tt.off, tt.align, got, tt.want)
		}
	}
}
