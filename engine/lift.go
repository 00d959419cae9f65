package engine

import (
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/translate"
)

// liftFlat reads a native value back out of flat result slots. The
// reader always consumes exactly flatCount(t) slots so joined variant
// payloads stay aligned.
func (f *callFrame) liftFlat(t *schema.Type, r *flatReader) (any, error) {
	switch t.Kind {
	case schema.KindBool:
		return r.next()&1 != 0, nil
	case schema.KindS8:
		return int8(api.DecodeI32(r.next())), nil
	case schema.KindU8:
		return uint8(r.next()), nil
	case schema.KindS16:
		return int16(api.DecodeI32(r.next())), nil
	case schema.KindU16:
		return uint16(r.next()), nil
	case schema.KindS32:
		return api.DecodeI32(r.next()), nil
	case schema.KindU32:
		return uint32(r.next()), nil
	case schema.KindS64:
		return int64(r.next()), nil
	case schema.KindU64:
		return r.next(), nil
	case schema.KindF32:
		return api.DecodeF32(r.next()), nil
	case schema.KindF64:
		return api.DecodeF64(r.next()), nil

	case schema.KindString:
		ptr := uint32(r.next())
		length := uint32(r.next())
		return f.readString(ptr, length)

	case schema.KindList:
		ptr := uint32(r.next())
		count := uint32(r.next())
		return f.loadList(t.Elem, ptr, count)

	case schema.KindRecord:
		out := make(map[string]any, len(t.Fields))
		for _, fld := range t.Fields {
			v, err := f.liftFlat(fld.Type, r)
			if err != nil {
				return nil, err
			}
			out[fld.Name] = v
		}
		return out, nil

	case schema.KindOption:
		disc := r.next()
		payload := f.abi.flatCount(t.Elem)
		if disc == 0 {
			r.skip(payload)
			return nil, nil
		}
		return f.liftFlat(t.Elem, r)

	case schema.KindEnum:
		idx := int(r.next())
		if idx >= len(t.Cases) {
			return nil, errors.ExecutionFault(nil)
		}
		return t.Cases[idx].Name, nil

	case schema.KindFlags:
		// High bits beyond the declared labels are dropped.
		return uint32(r.next()) & labelMask(len(t.Cases)), nil

	case schema.KindVariant:
		idx := int(r.next())
		if idx >= len(t.Cases) {
			return nil, errors.ExecutionFault(nil)
		}
		total := f.abi.flatCount(t) - 1
		c := t.Cases[idx]
		if c.Type == nil {
			r.skip(total)
			return translate.Variant{Case: c.Name}, nil
		}
		payload, err := f.liftFlat(c.Type, r)
		if err != nil {
			return nil, err
		}
		r.skip(total - f.abi.flatCount(c.Type))
		return translate.Variant{Case: c.Name, Payload: payload}, nil

	case schema.KindResult:
		disc := r.next()
		total := f.abi.flatCount(t) - 1
		payloadType := t.OK
		if disc != 0 {
			payloadType = t.Err
		}
		if payloadType == nil {
			r.skip(total)
			return translate.Result{IsErr: disc != 0}, nil
		}
		payload, err := f.liftFlat(payloadType, r)
		if err != nil {
			return nil, err
		}
		r.skip(total - f.abi.flatCount(payloadType))
		return translate.Result{IsErr: disc != 0, Payload: payload}, nil
	}

	return nil, errors.Internal("unhandled type kind in lifting", nil)
}

// load reads a native value from an absolute guest memory offset.
func (f *callFrame) load(t *schema.Type, offset uint32) (any, error) {
	switch t.Kind {
	case schema.KindBool:
		b, err := f.readByte(offset)
		return b&1 != 0, err
	case schema.KindS8:
		b, err := f.readByte(offset)
		return int8(b), err
	case schema.KindU8:
		return f.readByte(offset)
	case schema.KindS16:
		v, err := f.read16(offset)
		return int16(v), err
	case schema.KindU16:
		return f.read16(offset)
	case schema.KindS32:
		v, err := f.read32(offset)
		return int32(v), err
	case schema.KindU32:
		return f.read32(offset)
	case schema.KindS64:
		v, err := f.read64(offset)
		return int64(v), err
	case schema.KindU64:
		return f.read64(offset)
	case schema.KindF32:
		v, err := f.read32(offset)
		return math.Float32frombits(v), err
	case schema.KindF64:
		v, err := f.read64(offset)
		return math.Float64frombits(v), err

	case schema.KindString:
		ptr, err := f.read32(offset)
		if err != nil {
			return nil, err
		}
		length, err := f.read32(offset + 4)
		if err != nil {
			return nil, err
		}
		return f.readString(ptr, length)

	case schema.KindList:
		ptr, err := f.read32(offset)
		if err != nil {
			return nil, err
		}
		count, err := f.read32(offset + 4)
		if err != nil {
			return nil, err
		}
		return f.loadList(t.Elem, ptr, count)

	case schema.KindRecord:
		out := make(map[string]any, len(t.Fields))
		fieldOff := uint32(0)
		for _, fld := range t.Fields {
			fl := f.abi.layoutOf(fld.Type)
			fieldOff = alignTo(fieldOff, fl.align)
			v, err := f.load(fld.Type, offset+fieldOff)
			if err != nil {
				return nil, err
			}
			out[fld.Name] = v
			fieldOff += fl.size
		}
		return out, nil

	case schema.KindOption:
		disc, err := f.readByte(offset)
		if err != nil {
			return nil, err
		}
		if disc == 0 {
			return nil, nil
		}
		return f.load(t.Elem, offset+f.abi.payloadOffset(1, t.Elem))

	case schema.KindEnum:
		idx, err := f.readDiscriminant(offset, discriminantSize(len(t.Cases)))
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(t.Cases) {
			return nil, errors.ExecutionFault(nil)
		}
		return t.Cases[idx].Name, nil

	case schema.KindFlags:
		mask, err := f.readDiscriminant(offset, flagsSize(len(t.Cases)))
		if err != nil {
			return nil, err
		}
		return mask & labelMask(len(t.Cases)), nil

	case schema.KindVariant:
		ds := discriminantSize(len(t.Cases))
		idx, err := f.readDiscriminant(offset, ds)
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(t.Cases) {
			return nil, errors.ExecutionFault(nil)
		}
		c := t.Cases[idx]
		if c.Type == nil {
			return translate.Variant{Case: c.Name}, nil
		}
		payload, err := f.load(c.Type, offset+f.taggedPayloadOffset(t, ds))
		if err != nil {
			return nil, err
		}
		return translate.Variant{Case: c.Name, Payload: payload}, nil

	case schema.KindResult:
		disc, err := f.readByte(offset)
		if err != nil {
			return nil, err
		}
		payloadType := t.OK
		if disc != 0 {
			payloadType = t.Err
		}
		if payloadType == nil {
			return translate.Result{IsErr: disc != 0}, nil
		}
		payload, err := f.load(payloadType, offset+f.taggedPayloadOffset(t, 1))
		if err != nil {
			return nil, err
		}
		return translate.Result{IsErr: disc != 0, Payload: payload}, nil
	}

	return nil, errors.Internal("unhandled type kind in load", nil)
}

func (f *callFrame) loadList(elem *schema.Type, ptr, count uint32) (any, error) {
	el := f.abi.layoutOf(elem)
	out := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := f.load(elem, ptr+i*el.size)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// readString copies guest bytes out before they can be freed.
func (f *callFrame) readString(ptr, length uint32) (string, error) {
	if length == 0 {
		return "", nil
	}
	data, ok := f.inst.mem.Read(ptr, length)
	if !ok {
		return "", errors.ExecutionFault(nil)
	}
	return string(data), nil
}

func (f *callFrame) readByte(offset uint32) (byte, error) {
	b, ok := f.inst.mem.ReadByte(offset)
	if !ok {
		return 0, errors.ExecutionFault(nil)
	}
	return b, nil
}

func (f *callFrame) read16(offset uint32) (uint16, error) {
	v, ok := f.inst.mem.ReadUint16Le(offset)
	if !ok {
		return 0, errors.ExecutionFault(nil)
	}
	return v, nil
}

func (f *callFrame) read32(offset uint32) (uint32, error) {
	v, ok := f.inst.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.ExecutionFault(nil)
	}
	return v, nil
}

func (f *callFrame) read64(offset uint32) (uint64, error) {
	v, ok := f.inst.mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.ExecutionFault(nil)
	}
	return v, nil
}

func (f *callFrame) readDiscriminant(offset, size uint32) (uint32, error) {
	switch size {
	case 1:
		b, err := f.readByte(offset)
		return uint32(b), err
	case 2:
		v, err := f.read16(offset)
		return uint32(v), err
	}
	return f.read32(offset)
}
