package engine

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/translate"
)

// lowerFlat appends a native value's core representation to the flat
// argument list. Values arrive pre-validated as exact-width natives;
// a shape mismatch here is an internal invariant failure, not caller
// input error.
func (f *callFrame) lowerFlat(ctx context.Context, t *schema.Type, v any, flat []uint64) ([]uint64, error) {
	switch t.Kind {
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		if b {
			return append(flat, 1), nil
		}
		return append(flat, 0), nil

	case schema.KindS8:
		return lowerInt[int8](t, v, flat, func(n int8) uint64 { return api.EncodeI32(int32(n)) })
	case schema.KindU8:
		return lowerInt[uint8](t, v, flat, func(n uint8) uint64 { return uint64(n) })
	case schema.KindS16:
		return lowerInt[int16](t, v, flat, func(n int16) uint64 { return api.EncodeI32(int32(n)) })
	case schema.KindU16:
		return lowerInt[uint16](t, v, flat, func(n uint16) uint64 { return uint64(n) })
	case schema.KindS32:
		return lowerInt[int32](t, v, flat, func(n int32) uint64 { return api.EncodeI32(n) })
	case schema.KindU32:
		return lowerInt[uint32](t, v, flat, func(n uint32) uint64 { return uint64(n) })
	case schema.KindS64:
		return lowerInt[int64](t, v, flat, api.EncodeI64)
	case schema.KindU64:
		return lowerInt[uint64](t, v, flat, func(n uint64) uint64 { return n })
	case schema.KindF32:
		n, ok := v.(float32)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		return append(flat, api.EncodeF32(n)), nil
	case schema.KindF64:
		n, ok := v.(float64)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		return append(flat, api.EncodeF64(n)), nil

	case schema.KindString:
		s, ok := v.(string)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		ptr, err := f.storeBytes(ctx, []byte(s))
		if err != nil {
			return nil, err
		}
		return append(flat, uint64(ptr), uint64(len(s))), nil

	case schema.KindList:
		items, ok := v.([]any)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		ptr, err := f.storeList(ctx, t.Elem, items)
		if err != nil {
			return nil, err
		}
		return append(flat, uint64(ptr), uint64(len(items))), nil

	case schema.KindRecord:
		fields, ok := v.(map[string]any)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		for _, fld := range t.Fields {
			var err error
			flat, err = f.lowerFlat(ctx, fld.Type, fields[fld.Name], flat)
			if err != nil {
				return nil, err
			}
		}
		return flat, nil

	case schema.KindOption:
		payload := f.abi.flatCount(t.Elem)
		if v == nil {
			flat = append(flat, 0)
			return padFlat(flat, payload), nil
		}
		flat = append(flat, 1)
		return f.lowerFlat(ctx, t.Elem, v, flat)

	case schema.KindEnum:
		name, ok := v.(string)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		idx, found := caseIndex(t, name)
		if !found {
			return nil, lowerMismatch(t, v)
		}
		return append(flat, uint64(idx)), nil

	case schema.KindFlags:
		mask, ok := v.(uint32)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		return append(flat, uint64(mask)), nil

	case schema.KindVariant:
		vv, ok := v.(translate.Variant)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		idx, found := caseIndex(t, vv.Case)
		if !found {
			return nil, lowerMismatch(t, v)
		}
		start := len(flat)
		flat = append(flat, uint64(idx))
		if ct := t.Cases[idx].Type; ct != nil {
			var err error
			flat, err = f.lowerFlat(ctx, ct, vv.Payload, flat)
			if err != nil {
				return nil, err
			}
		}
		return padFlat(flat, start+f.abi.flatCount(t)-len(flat)), nil

	case schema.KindResult:
		rv, ok := v.(translate.Result)
		if !ok {
			return nil, lowerMismatch(t, v)
		}
		disc, payloadType := uint64(0), t.OK
		if rv.IsErr {
			disc, payloadType = 1, t.Err
		}
		start := len(flat)
		flat = append(flat, disc)
		if payloadType != nil {
			var err error
			flat, err = f.lowerFlat(ctx, payloadType, rv.Payload, flat)
			if err != nil {
				return nil, err
			}
		}
		return padFlat(flat, start+f.abi.flatCount(t)-len(flat)), nil
	}

	return nil, errors.Internal("unhandled type kind in lowering", nil)
}

func lowerInt[T any](t *schema.Type, v any, flat []uint64, enc func(T) uint64) ([]uint64, error) {
	n, ok := v.(T)
	if !ok {
		return nil, lowerMismatch(t, v)
	}
	return append(flat, enc(n)), nil
}

func lowerMismatch(t *schema.Type, v any) error {
	return errors.New(errors.StageExecute, errors.KindInternal).
		Detail("native value %T does not match type %s", v, t.String()).Build()
}

func padFlat(flat []uint64, n int) []uint64 {
	for ; n > 0; n-- {
		flat = append(flat, 0)
	}
	return flat
}

func caseIndex(t *schema.Type, name string) (int, bool) {
	for i, c := range t.Cases {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// storeBytes allocates guest memory and copies raw bytes into it.
func (f *callFrame) storeBytes(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := f.alloc(ctx, uint32(len(data)), 1)
	if err != nil {
		return 0, err
	}
	if len(data) > 0 && !f.inst.mem.Write(ptr, data) {
		return 0, errors.ExecutionFault(nil)
	}
	return ptr, nil
}

// storeList allocates a contiguous element array in guest memory.
func (f *callFrame) storeList(ctx context.Context, elem *schema.Type, items []any) (uint32, error) {
	el := f.abi.layoutOf(elem)
	ptr, err := f.alloc(ctx, el.size*uint32(len(items)), el.align)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if err := f.store(ctx, elem, item, ptr+uint32(i)*el.size); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// store writes a native value at an absolute guest memory offset using
// the type's linear-memory layout.
func (f *callFrame) store(ctx context.Context, t *schema.Type, v any, offset uint32) error {
	switch t.Kind {
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return lowerMismatch(t, v)
		}
		var raw byte
		if b {
			raw = 1
		}
		return f.writeByte(offset, raw)
	case schema.KindS8:
		return storeScalar[int8](t, v, func(n int8) error { return f.writeByte(offset, byte(n)) })
	case schema.KindU8:
		return storeScalar[uint8](t, v, func(n uint8) error { return f.writeByte(offset, n) })
	case schema.KindS16:
		return storeScalar[int16](t, v, func(n int16) error { return f.write16(offset, uint16(n)) })
	case schema.KindU16:
		return storeScalar[uint16](t, v, func(n uint16) error { return f.write16(offset, n) })
	case schema.KindS32:
		return storeScalar[int32](t, v, func(n int32) error { return f.write32(offset, uint32(n)) })
	case schema.KindU32:
		return storeScalar[uint32](t, v, func(n uint32) error { return f.write32(offset, n) })
	case schema.KindS64:
		return storeScalar[int64](t, v, func(n int64) error { return f.write64(offset, uint64(n)) })
	case schema.KindU64:
		return storeScalar[uint64](t, v, func(n uint64) error { return f.write64(offset, n) })
	case schema.KindF32:
		return storeScalar[float32](t, v, func(n float32) error { return f.write32(offset, math.Float32bits(n)) })
	case schema.KindF64:
		return storeScalar[float64](t, v, func(n float64) error { return f.write64(offset, math.Float64bits(n)) })

	case schema.KindString:
		s, ok := v.(string)
		if !ok {
			return lowerMismatch(t, v)
		}
		ptr, err := f.storeBytes(ctx, []byte(s))
		if err != nil {
			return err
		}
		if err := f.write32(offset, ptr); err != nil {
			return err
		}
		return f.write32(offset+4, uint32(len(s)))

	case schema.KindList:
		items, ok := v.([]any)
		if !ok {
			return lowerMismatch(t, v)
		}
		ptr, err := f.storeList(ctx, t.Elem, items)
		if err != nil {
			return err
		}
		if err := f.write32(offset, ptr); err != nil {
			return err
		}
		return f.write32(offset+4, uint32(len(items)))

	case schema.KindRecord:
		fields, ok := v.(map[string]any)
		if !ok {
			return lowerMismatch(t, v)
		}
		fieldOff := uint32(0)
		for _, fld := range t.Fields {
			fl := f.abi.layoutOf(fld.Type)
			fieldOff = alignTo(fieldOff, fl.align)
			if err := f.store(ctx, fld.Type, fields[fld.Name], offset+fieldOff); err != nil {
				return err
			}
			fieldOff += fl.size
		}
		return nil

	case schema.KindOption:
		if v == nil {
			return f.writeByte(offset, 0)
		}
		if err := f.writeByte(offset, 1); err != nil {
			return err
		}
		return f.store(ctx, t.Elem, v, offset+f.abi.payloadOffset(1, t.Elem))

	case schema.KindEnum:
		name, ok := v.(string)
		if !ok {
			return lowerMismatch(t, v)
		}
		idx, found := caseIndex(t, name)
		if !found {
			return lowerMismatch(t, v)
		}
		return f.writeDiscriminant(offset, uint32(idx), discriminantSize(len(t.Cases)))

	case schema.KindFlags:
		mask, ok := v.(uint32)
		if !ok {
			return lowerMismatch(t, v)
		}
		switch flagsSize(len(t.Cases)) {
		case 1:
			return f.writeByte(offset, byte(mask))
		case 2:
			return f.write16(offset, uint16(mask))
		}
		return f.write32(offset, mask)

	case schema.KindVariant:
		vv, ok := v.(translate.Variant)
		if !ok {
			return lowerMismatch(t, v)
		}
		idx, found := caseIndex(t, vv.Case)
		if !found {
			return lowerMismatch(t, v)
		}
		ds := discriminantSize(len(t.Cases))
		if err := f.writeDiscriminant(offset, uint32(idx), ds); err != nil {
			return err
		}
		if ct := t.Cases[idx].Type; ct != nil {
			return f.store(ctx, ct, vv.Payload, offset+f.taggedPayloadOffset(t, ds))
		}
		return nil

	case schema.KindResult:
		rv, ok := v.(translate.Result)
		if !ok {
			return lowerMismatch(t, v)
		}
		var disc byte
		payloadType := t.OK
		if rv.IsErr {
			disc, payloadType = 1, t.Err
		}
		if err := f.writeByte(offset, disc); err != nil {
			return err
		}
		if payloadType != nil {
			return f.store(ctx, payloadType, rv.Payload, offset+f.taggedPayloadOffset(t, 1))
		}
		return nil
	}

	return errors.Internal("unhandled type kind in store", nil)
}

// taggedPayloadOffset computes where a variant/result payload begins,
// aligned to the largest payload alignment.
func (f *callFrame) taggedPayloadOffset(t *schema.Type, discSize uint32) uint32 {
	maxAlign := discSize
	consider := func(p *schema.Type) {
		if p == nil {
			return
		}
		if a := f.abi.layoutOf(p).align; a > maxAlign {
			maxAlign = a
		}
	}
	if t.Kind == schema.KindResult {
		consider(t.OK)
		consider(t.Err)
	} else {
		for _, c := range t.Cases {
			consider(c.Type)
		}
	}
	return alignTo(discSize, maxAlign)
}

func storeScalar[T any](t *schema.Type, v any, write func(T) error) error {
	n, ok := v.(T)
	if !ok {
		return lowerMismatch(t, v)
	}
	return write(n)
}

func (f *callFrame) writeByte(offset uint32, v byte) error {
	if !f.inst.mem.WriteByte(offset, v) {
		return errors.ExecutionFault(nil)
	}
	return nil
}

func (f *callFrame) write16(offset uint32, v uint16) error {
	if !f.inst.mem.WriteUint16Le(offset, v) {
		return errors.ExecutionFault(nil)
	}
	return nil
}

func (f *callFrame) write32(offset uint32, v uint32) error {
	if !f.inst.mem.WriteUint32Le(offset, v) {
		return errors.ExecutionFault(nil)
	}
	return nil
}

func (f *callFrame) write64(offset uint32, v uint64) error {
	if !f.inst.mem.WriteUint64Le(offset, v) {
		return errors.ExecutionFault(nil)
	}
	return nil
}

func (f *callFrame) writeDiscriminant(offset, idx, size uint32) error {
	switch size {
	case 1:
		return f.writeByte(offset, byte(idx))
	case 2:
		return f.write16(offset, uint16(idx))
	}
	return f.write32(offset, idx)
}
