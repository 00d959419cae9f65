package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/schema"
)

// Standard component-model allocator export.
const cabiRealloc = "cabi_realloc"

// Instance is a live sandbox with its own linear memory. Calls are
// serialized by an internal lock: a guest's memory and stack survive
// between calls but never see two calls at once.
type Instance struct {
	module  *Module
	mod     api.Module
	mem     api.Memory
	allocFn api.Function

	mu      sync.Mutex
	faulted atomic.Bool
	funcs   map[string]api.Function
	stack   []uint64
}

func newInstance(m *Module, mod api.Module) *Instance {
	inst := &Instance{
		module: m,
		mod:    mod,
		mem:    mod.Memory(),
		funcs:  make(map[string]api.Function),
		stack:  make([]uint64, maxFlatParams+1),
	}
	if def := mod.ExportedFunctionDefinitions()[cabiRealloc]; def != nil {
		inst.allocFn = mod.ExportedFunction(cabiRealloc)
	}
	return inst
}

// Faulted reports whether a previous call trapped. A faulted instance
// must not be reused; its memory may be mid-mutation.
func (i *Instance) Faulted() bool {
	return i.faulted.Load()
}

func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// Call invokes an exported function with native argument values, one
// per declared parameter, and returns the native result (nil for void).
// A trap or cancellation marks the instance faulted.
func (i *Instance) Call(ctx context.Context, fn *schema.Function, args []any) (any, error) {
	if i.faulted.Load() {
		return nil, errors.ExecutionFault(nil)
	}
	if len(args) != len(fn.Params) {
		return nil, errors.Internal("argument count does not match signature", nil)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	exported, ok := i.funcs[fn.Name]
	if !ok {
		exported = i.mod.ExportedFunction(fn.Name)
		if exported == nil {
			return nil, errors.NotFound(errors.StageExecute, "exported function", fn.Name)
		}
		i.funcs[fn.Name] = exported
	}

	frame := &callFrame{inst: i, abi: i.module.abi}
	defer frame.freeAll(ctx)

	flat, err := frame.lowerParams(ctx, fn.Params, args)
	if err != nil {
		return nil, err
	}

	resultFlats := i.module.abi.flatCount(fn.Result)
	var retPtr uint32
	if resultFlats > maxFlatResults {
		// Indirect result: the caller provides the destination area.
		rl := i.module.abi.layoutOf(fn.Result)
		retPtr, err = frame.alloc(ctx, rl.size, rl.align)
		if err != nil {
			return nil, err
		}
		flat = append(flat, uint64(retPtr))
		resultFlats = 0
	}

	stack := i.stack
	if need := maxInt(len(flat), resultFlats); need > len(stack) {
		stack = make([]uint64, need)
	}
	copy(stack, flat)

	if err := exported.CallWithStack(ctx, stack[:maxInt(len(flat), resultFlats)]); err != nil {
		i.faulted.Store(true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.ExecutionFault(err)
	}

	if fn.Result == nil {
		return nil, nil
	}
	if retPtr != 0 {
		return frame.load(fn.Result, retPtr)
	}
	return frame.liftFlat(fn.Result, &flatReader{slots: stack})
}

// callFrame tracks guest allocations for one call so they can be
// released after results are lifted.
type callFrame struct {
	inst   *Instance
	abi    *abi
	allocs []allocation
}

type allocation struct {
	ptr   uint32
	size  uint32
	align uint32
}

func (f *callFrame) alloc(ctx context.Context, size, align uint32) (uint32, error) {
	if f.inst.allocFn == nil {
		return 0, errors.InvalidArtifact("component does not export "+cabiRealloc, nil)
	}
	if size == 0 {
		size = 1
	}
	// cabi_realloc(old_ptr, old_size, align, new_size)
	stack := []uint64{0, 0, uint64(align), uint64(size)}
	if err := f.inst.allocFn.CallWithStack(ctx, stack); err != nil {
		return 0, errors.ExecutionFault(err)
	}
	ptr := uint32(stack[0])
	if ptr == 0 {
		return 0, errors.ExecutionFault(nil)
	}
	f.allocs = append(f.allocs, allocation{ptr: ptr, size: size, align: align})
	return ptr, nil
}

// freeAll returns call-scoped allocations to the guest. Shrinking to
// zero through the realloc export is best effort; a guest without a
// shrinking realloc just keeps the bytes until the instance dies.
func (f *callFrame) freeAll(ctx context.Context) {
	if f.inst.allocFn == nil || f.inst.faulted.Load() {
		return
	}
	for _, a := range f.allocs {
		stack := []uint64{uint64(a.ptr), uint64(a.size), uint64(a.align), 0}
		_ = f.inst.allocFn.CallWithStack(ctx, stack)
	}
	f.allocs = f.allocs[:0]
}

// lowerParams flattens all arguments, spilling through memory when the
// signature exceeds the flat parameter budget.
func (f *callFrame) lowerParams(ctx context.Context, params []schema.Param, args []any) ([]uint64, error) {
	total := 0
	for _, p := range params {
		total += f.abi.flatCount(p.Type)
	}

	if total <= maxFlatParams {
		flat := make([]uint64, 0, total)
		for idx, p := range params {
			var err error
			flat, err = f.lowerFlat(ctx, p.Type, args[idx], flat)
			if err != nil {
				return nil, err
			}
		}
		return flat, nil
	}

	// Spill: lay the parameters out as a record in guest memory and
	// pass one pointer.
	maxAlign := uint32(1)
	offset := uint32(0)
	offsets := make([]uint32, len(params))
	for idx, p := range params {
		pl := f.abi.layoutOf(p.Type)
		offset = alignTo(offset, pl.align)
		offsets[idx] = offset
		offset += pl.size
		if pl.align > maxAlign {
			maxAlign = pl.align
		}
	}

	base, err := f.alloc(ctx, alignTo(offset, maxAlign), maxAlign)
	if err != nil {
		return nil, err
	}
	for idx, p := range params {
		if err := f.store(ctx, p.Type, args[idx], base+offsets[idx]); err != nil {
			return nil, err
		}
	}
	return []uint64{uint64(base)}, nil
}

type flatReader struct {
	slots []uint64
	pos   int
}

func (r *flatReader) next() uint64 {
	v := r.slots[r.pos]
	r.pos++
	return v
}

func (r *flatReader) skip(n int) {
	r.pos += n
}
