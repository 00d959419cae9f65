package engine

import "github.com/wasmic/wasmic/schema"

// Canonical ABI limits: parameters above maxFlatParams spill to linear
// memory, results above maxFlatResults return through a pointer.
const (
	maxFlatParams  = 16
	maxFlatResults = 1
)

// layout describes a type's linear-memory representation.
type layout struct {
	size  uint32
	align uint32
}

// abi computes and caches flattening and layout information per type.
// Safe for concurrent readers after warmup is not required; it guards
// nothing because schema trees are immutable and recomputation is
// idempotent, so the maps are only touched under Module compile and
// the per-instance call lock.
type abi struct {
	layouts map[*schema.Type]layout
	flats   map[*schema.Type]int
}

func newABI() *abi {
	return &abi{
		layouts: make(map[*schema.Type]layout),
		flats:   make(map[*schema.Type]int),
	}
}

func alignTo(offset, align uint32) uint32 {
	return (offset + align - 1) &^ (align - 1)
}

// discriminantSize follows the canonical ABI: 1 byte up to 256 cases,
// 2 up to 65536, else 4.
func discriminantSize(cases int) uint32 {
	switch {
	case cases <= 1<<8:
		return 1
	case cases <= 1<<16:
		return 2
	}
	return 4
}

// labelMask keeps only the bits backed by declared flags labels.
func labelMask(labels int) uint32 {
	if labels >= 32 {
		return ^uint32(0)
	}
	return 1<<uint(labels) - 1
}

// flagsSize is the packed bit-vector width for a flags type: one byte
// up to 8 labels, two up to 16, else four. Descriptors cap labels at 32.
func flagsSize(labels int) uint32 {
	switch {
	case labels <= 8:
		return 1
	case labels <= 16:
		return 2
	}
	return 4
}

func (a *abi) layoutOf(t *schema.Type) layout {
	if l, ok := a.layouts[t]; ok {
		return l
	}
	l := a.computeLayout(t)
	a.layouts[t] = l
	return l
}

func (a *abi) computeLayout(t *schema.Type) layout {
	switch t.Kind {
	case schema.KindBool, schema.KindS8, schema.KindU8:
		return layout{size: 1, align: 1}
	case schema.KindS16, schema.KindU16:
		return layout{size: 2, align: 2}
	case schema.KindS32, schema.KindU32, schema.KindF32:
		return layout{size: 4, align: 4}
	case schema.KindS64, schema.KindU64, schema.KindF64:
		return layout{size: 8, align: 8}
	case schema.KindString, schema.KindList:
		// ptr + len pair
		return layout{size: 8, align: 4}
	case schema.KindRecord:
		return a.recordLayout(t)
	case schema.KindOption:
		return a.taggedLayout(1, []*schema.Type{t.Elem})
	case schema.KindResult:
		return a.taggedLayout(1, []*schema.Type{t.OK, t.Err})
	case schema.KindVariant:
		payloads := make([]*schema.Type, 0, len(t.Cases))
		for _, c := range t.Cases {
			payloads = append(payloads, c.Type)
		}
		return a.taggedLayout(discriminantSize(len(t.Cases)), payloads)
	case schema.KindEnum:
		ds := discriminantSize(len(t.Cases))
		return layout{size: ds, align: ds}
	case schema.KindFlags:
		fs := flagsSize(len(t.Cases))
		return layout{size: fs, align: fs}
	}
	return layout{size: 0, align: 1}
}

func (a *abi) recordLayout(t *schema.Type) layout {
	maxAlign := uint32(1)
	offset := uint32(0)
	for _, f := range t.Fields {
		fl := a.layoutOf(f.Type)
		offset = alignTo(offset, fl.align) + fl.size
		if fl.align > maxAlign {
			maxAlign = fl.align
		}
	}
	return layout{size: alignTo(offset, maxAlign), align: maxAlign}
}

// taggedLayout lays out a discriminated union: discriminant, padding,
// then the largest payload. Nil payload entries are absent cases.
func (a *abi) taggedLayout(discSize uint32, payloads []*schema.Type) layout {
	maxAlign := discSize
	maxSize := uint32(0)
	for _, p := range payloads {
		if p == nil {
			continue
		}
		pl := a.layoutOf(p)
		if pl.align > maxAlign {
			maxAlign = pl.align
		}
		if pl.size > maxSize {
			maxSize = pl.size
		}
	}
	payloadOff := alignTo(discSize, maxAlign)
	return layout{size: alignTo(payloadOff+maxSize, maxAlign), align: maxAlign}
}

// payloadOffset returns where a tagged type's payload starts in memory.
func (a *abi) payloadOffset(discSize uint32, t *schema.Type) uint32 {
	return alignTo(discSize, a.layoutOf(t).align)
}

// flatCount returns how many core stack slots a type flattens to.
func (a *abi) flatCount(t *schema.Type) int {
	if t == nil {
		return 0
	}
	if n, ok := a.flats[t]; ok {
		return n
	}
	n := a.computeFlatCount(t)
	a.flats[t] = n
	return n
}

func (a *abi) computeFlatCount(t *schema.Type) int {
	switch t.Kind {
	case schema.KindString, schema.KindList:
		return 2
	case schema.KindRecord:
		n := 0
		for _, f := range t.Fields {
			n += a.flatCount(f.Type)
		}
		return n
	case schema.KindOption:
		return 1 + a.flatCount(t.Elem)
	case schema.KindResult:
		return 1 + maxInt(a.flatCount(t.OK), a.flatCount(t.Err))
	case schema.KindVariant:
		maxPayload := 0
		for _, c := range t.Cases {
			if n := a.flatCount(c.Type); n > maxPayload {
				maxPayload = n
			}
		}
		return 1 + maxPayload
	}
	return 1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
