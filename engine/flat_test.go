package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/translate"
)

// Flat lowering and lifting of memory-free types can be exercised
// without a live guest: no slot in these shapes dereferences memory.
func newTestFrame() *callFrame {
	return &callFrame{inst: &Instance{}, abi: newABI()}
}

func TestFlatRoundTrip(t *testing.T) {
	rec := &schema.Type{Kind: schema.KindRecord, Fields: []schema.Field{
		{Name: "x", Type: ty(schema.KindS32)},
		{Name: "y", Type: ty(schema.KindF64)},
	}}
	variant := &schema.Type{Kind: schema.KindVariant, Cases: []schema.Case{
		{Name: "idle"},
		{Name: "busy", Type: ty(schema.KindU32)},
	}}
	result := &schema.Type{Kind: schema.KindResult, OK: ty(schema.KindU64), Err: ty(schema.KindS32)}

	tests := []struct {
		name string
		t    *schema.Type
		v    any
	}{
		{"bool true", ty(schema.KindBool), true},
		{"bool false", ty(schema.KindBool), false},
		{"s8 min", ty(schema.KindS8), int8(-128)},
		{"u8 max", ty(schema.KindU8), uint8(255)},
		{"s16", ty(schema.KindS16), int16(-1000)},
		{"u16", ty(schema.KindU16), uint16(65535)},
		{"s32 negative", ty(schema.KindS32), int32(-2147483648)},
		{"u32 max", ty(schema.KindU32), uint32(4294967295)},
		{"s64", ty(schema.KindS64), int64(-9000000000000000000)},
		{"u64 max", ty(schema.KindU64), uint64(18446744073709551615)},
		{"f32", ty(schema.KindF32), float32(3.5)},
		{"f64", ty(schema.KindF64), float64(-2.25)},
		{"record", rec, map[string]any{"x": int32(-7), "y": float64(1.5)}},
		{"option none", &schema.Type{Kind: schema.KindOption, Elem: ty(schema.KindU32)}, nil},
		{"option some", &schema.Type{Kind: schema.KindOption, Elem: ty(schema.KindU32)}, uint32(42)},
		{"enum", &schema.Type{Kind: schema.KindEnum, Cases: []schema.Case{{Name: "red"}, {Name: "green"}}}, "green"},
		{"flags", &schema.Type{Kind: schema.KindFlags, Cases: []schema.Case{{Name: "r"}, {Name: "w"}, {Name: "x"}}}, uint32(0b101)},
		{"variant bare", variant, translate.Variant{Case: "idle"}},
		{"variant payload", variant, translate.Variant{Case: "busy", Payload: uint32(3)}},
		{"result ok", result, translate.Result{Payload: uint64(10)}},
		{"result err", result, translate.Result{IsErr: true, Payload: int32(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t_ *testing.T) {
			f := newTestFrame()
			flat, err := f.lowerFlat(context.Background(), tt.t, tt.v, nil)
			if err != nil {
				t_.Fatalf("lowerFlat: %v", err)
			}
			if want := f.abi.flatCount(tt.t); len(flat) != want {
				t_.Fatalf("flat slots = %d, want %d", len(flat), want)
			}
			got, err := f.liftFlat(tt.t, &flatReader{slots: flat})
			if err != nil {
				t_.Fatalf("liftFlat: %v", err)
			}
			if !reflect.DeepEqual(got, tt.v) {
				t_.Errorf("round trip = %#v, want %#v", got, tt.v)
			}
		})
	}
}

func TestLowerFlatVariantPadding(t *testing.T) {
	// The bare case of a variant must still consume the joined payload
	// slots so following values stay aligned.
	variant := &schema.Type{Kind: schema.KindVariant, Cases: []schema.Case{
		{Name: "nothing"},
		{Name: "wide", Type: &schema.Type{Kind: schema.KindRecord, Fields: []schema.Field{
			{Name: "a", Type: ty(schema.KindU64)},
			{Name: "b", Type: ty(schema.KindU64)},
		}}},
	}}

	f := newTestFrame()
	flat, err := f.lowerFlat(context.Background(), variant, translate.Variant{Case: "nothing"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 3 {
		t.Fatalf("flat slots = %d, want 3", len(flat))
	}
	for i, slot := range flat {
		if slot != 0 {
			t.Errorf("slot %d = %d, want 0", i, slot)
		}
	}
}

func TestLowerFlatMismatchIsInternal(t *testing.T) {
	f := newTestFrame()
	_, err := f.lowerFlat(context.Background(), ty(schema.KindS32), "oops", nil)
	if err == nil {
		t.Fatal("expected error for mismatched native value")
	}
}

func TestLiftFlatUnknownDiscriminant(t *testing.T) {
	f := newTestFrame()
	enum := &schema.Type{Kind: schema.KindEnum, Cases: []schema.Case{{Name: "only"}}}
	if _, err := f.liftFlat(enum, &flatReader{slots: []uint64{5}}); err == nil {
		t.Fatal("expected error for out-of-range discriminant")
	}
}

func TestLiftFlatFlagsDropsUndeclaredBits(t *testing.T) {
	f := newTestFrame()
	flags := &schema.Type{Kind: schema.KindFlags, Cases: []schema.Case{{Name: "a"}, {Name: "b"}}}
	got, err := f.liftFlat(flags, &flatReader{slots: []uint64{0xFF}})
	if err != nil {
		t.Fatal(err)
	}
	if got.(uint32) != 0b11 {
		t.Errorf("mask = %#b, want only declared bits", got)
	}
}
