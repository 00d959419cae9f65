package invoker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wasmic/wasmic/config"
	"github.com/wasmic/wasmic/engine"
	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/pool"
	"github.com/wasmic/wasmic/resolver"
	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/translate"
)

// Sandbox is one leasable instance. engine.Instance satisfies it.
type Sandbox interface {
	Call(ctx context.Context, fn *schema.Function, args []any) (any, error)
	Faulted() bool
	Close(ctx context.Context) error
}

// Module is a compiled component that can spawn sandboxes.
type Module interface {
	Instantiate(ctx context.Context, cfg engine.SandboxConfig) (Sandbox, error)
	Close(ctx context.Context) error
}

// Runtime compiles resolved artifacts. engine.Engine satisfies it
// through EngineRuntime.
type Runtime interface {
	Compile(ctx context.Context, art *resolver.Artifact) (Module, error)
}

// EngineRuntime adapts the wazero engine to the Runtime contract.
func EngineRuntime(e *engine.Engine) Runtime {
	return engineRuntime{e}
}

type engineRuntime struct{ engine *engine.Engine }

func (r engineRuntime) Compile(ctx context.Context, art *resolver.Artifact) (Module, error) {
	mod, err := r.engine.Compile(ctx, art)
	if err != nil {
		return nil, err
	}
	return engineModule{mod}, nil
}

type engineModule struct{ module *engine.Module }

func (m engineModule) Instantiate(ctx context.Context, cfg engine.SandboxConfig) (Sandbox, error) {
	return m.module.Instantiate(ctx, cfg)
}

func (m engineModule) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// Request names a component function and carries its decoded JSON
// arguments, one entry per parameter.
type Request struct {
	Component string
	Function  string
	Args      map[string]any
}

// Result is a completed invocation.
type Result struct {
	// Value is JSON-ready: the function result converted back from
	// native form, or nil for void functions.
	Value    any
	CallID   string
	Duration time.Duration
}

// FunctionInfo describes one invocable function for listings.
type FunctionInfo struct {
	Component   string
	Function    string
	Description string
	Signature   *schema.Function
}

// Invoker executes component functions end to end: resolve, validate,
// acquire a sandbox, execute, convert the result. It is safe for
// concurrent use.
type Invoker struct {
	profile  *config.Profile
	resolver *resolver.Resolver
	runtime  Runtime
	log      *zap.Logger

	mu     sync.Mutex
	states map[string]*componentState
}

// componentState pins one compiled artifact and its pool. Each entry
// carries its own lock so compiling or rebuilding one component never
// stalls calls to another. When a component re-resolves to a different
// digest the state is rebuilt and the old pool drained.
type componentState struct {
	mu     sync.Mutex
	digest string
	module Module
	pool   *pool.Pool
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the invoker's logger.
func WithLogger(log *zap.Logger) Option {
	return func(inv *Invoker) { inv.log = log }
}

// New creates an invoker over a profile.
func New(profile *config.Profile, res *resolver.Resolver, rt Runtime, opts ...Option) *Invoker {
	inv := &Invoker{
		profile:  profile,
		resolver: res,
		runtime:  rt,
		log:      zap.NewNop(),
		states:   make(map[string]*componentState),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Close drains every pool and releases compiled modules.
func (inv *Invoker) Close(ctx context.Context) error {
	inv.mu.Lock()
	states := inv.states
	inv.states = make(map[string]*componentState)
	inv.mu.Unlock()

	var firstErr error
	for _, st := range states {
		st.mu.Lock()
		p, mod := st.pool, st.module
		st.pool, st.module = nil, nil
		st.mu.Unlock()

		if p != nil {
			if err := p.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if mod != nil {
			if err := mod.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Invoke runs one call through the full pipeline. The sandbox lease is
// always returned, whatever the outcome.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	callID := uuid.NewString()
	start := time.Now()
	log := inv.log.With(
		zap.String("call_id", callID),
		zap.String("component", req.Component),
		zap.String("function", req.Function))

	comp, ok := inv.profile.Components[req.Component]
	if !ok {
		return nil, errors.NotFound(errors.StageResolve, "component", req.Component)
	}

	art, err := inv.resolver.Resolve(ctx, req.Component, componentSource(comp))
	if err != nil {
		return nil, timeoutOr(errors.StageResolve, err)
	}

	fn := art.Descriptor.Function(req.Function)
	if fn == nil {
		return nil, errors.NotFound(errors.StageValidate, "function", req.Function)
	}

	args, err := inv.translateArgs(fn, req.Args)
	if err != nil {
		return nil, err
	}

	p, err := inv.state(ctx, req.Component, comp, art)
	if err != nil {
		return nil, err
	}

	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, timeoutOr(errors.StageAcquire, err)
	}
	sandbox := lease.(leasedSandbox).Sandbox
	defer p.Release(context.WithoutCancel(ctx), lease)

	native, err := sandbox.Call(ctx, fn, args)
	if err != nil {
		log.Warn("execution failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, timeoutOr(errors.StageExecute, err)
	}

	value, err := inv.convertResult(fn, native)
	if err != nil {
		return nil, err
	}

	log.Info("call completed",
		zap.String("digest", art.Digest),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{Value: value, CallID: callID, Duration: time.Since(start)}, nil
}

// List resolves every component in the profile and returns its
// functions. Components that fail to resolve surface their error once
// under their own name.
func (inv *Invoker) List(ctx context.Context) ([]FunctionInfo, map[string]error) {
	var out []FunctionInfo
	failures := make(map[string]error)

	for _, name := range inv.profile.ComponentNames() {
		comp := inv.profile.Components[name]
		art, err := inv.resolver.Resolve(ctx, name, componentSource(comp))
		if err != nil {
			failures[name] = err
			continue
		}
		for i := range art.Descriptor.Functions {
			fn := &art.Descriptor.Functions[i]
			desc := fn.Description
			if desc == "" {
				desc = comp.Description
			}
			out = append(out, FunctionInfo{
				Component:   name,
				Function:    fn.Name,
				Description: desc,
				Signature:   fn,
			})
		}
	}
	return out, failures
}

// translateArgs validates and converts one argument per parameter.
// Omitted option parameters become none; anything else missing is an
// error, as are unknown names under the strict policy.
func (inv *Invoker) translateArgs(fn *schema.Function, args map[string]any) ([]any, error) {
	tr := &translate.Translator{}
	if !inv.profile.Strict() {
		tr.Mode = translate.IgnoreFields
	}

	out := make([]any, len(fn.Params))
	for i, p := range fn.Params {
		raw, present := args[p.Name]
		if !present {
			if p.Type.Kind == schema.KindOption {
				out[i] = nil
				continue
			}
			return nil, errors.FieldMissing(nil, p.Name)
		}
		native, err := tr.ToNative(p.Type, raw)
		if err != nil {
			return nil, prefixPath(err, p.Name)
		}
		out[i] = native
	}

	if inv.profile.Strict() {
		for name := range args {
			if fn.Param(name) == nil {
				return nil, errors.FieldUnknown(nil, name)
			}
		}
	}
	return out, nil
}

// convertResult maps the native result to a JSON-ready value. An err
// case of a result-typed return becomes a component error carrying the
// converted payload.
func (inv *Invoker) convertResult(fn *schema.Function, native any) (any, error) {
	if fn.Result == nil {
		return nil, nil
	}

	if fn.Result.Kind == schema.KindResult {
		res, ok := native.(translate.Result)
		if !ok {
			return nil, errors.Internal("result-typed return did not produce a result value", nil)
		}
		if res.IsErr {
			var payload any
			if fn.Result.Err != nil {
				converted, err := (&translate.Translator{}).FromNative(fn.Result.Err, res.Payload)
				if err != nil {
					return nil, err
				}
				payload = converted
			}
			msg := "component returned an error"
			if s, ok := payload.(string); ok {
				msg = s
			}
			return nil, errors.ComponentError(msg, payload)
		}
		if fn.Result.OK == nil {
			return nil, nil
		}
		return (&translate.Translator{}).FromNative(fn.Result.OK, res.Payload)
	}

	return (&translate.Translator{}).FromNative(fn.Result, native)
}

// state returns the live pool for a component, rebuilding it when the
// resolved digest moved. The invoker-wide lock covers only the map
// lookup; compilation runs under the component's own lock so a slow
// compile of one component cannot stall calls to others. Old pools
// drain lazily: idle instances close now, leased ones when released.
func (inv *Invoker) state(ctx context.Context, name string, comp config.Component, art *resolver.Artifact) (*pool.Pool, error) {
	inv.mu.Lock()
	st := inv.states[name]
	if st == nil {
		st = &componentState{}
		inv.states[name] = st
	}
	inv.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.module != nil && st.digest == art.Digest {
		return st.pool, nil
	}

	mod, err := inv.runtime.Compile(ctx, art)
	if err != nil {
		return nil, err
	}

	if st.module != nil {
		inv.log.Info("component digest changed, draining old pool",
			zap.String("component", name),
			zap.String("old_digest", st.digest),
			zap.String("new_digest", art.Digest))
		oldPool, oldMod := st.pool, st.module
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			oldPool.Close(drainCtx)
			oldMod.Close(drainCtx)
		}()
	}

	sandboxCfg := sandboxConfig(comp)
	factory := func(ctx context.Context) (pool.Instance, error) {
		sb, err := mod.Instantiate(ctx, sandboxCfg)
		if err != nil {
			return nil, err
		}
		return leasedSandbox{sb}, nil
	}

	maxInstances := comp.MaxInstances
	if maxInstances == 0 {
		maxInstances = inv.profile.Pool.MaxInstances
	}

	st.digest = art.Digest
	st.module = mod
	st.pool = pool.New(factory, pool.Config{
		MaxInstances: maxInstances,
		IdleTimeout:  inv.profile.Pool.IdleTimeout.Std(),
		Logger:       inv.log.Named("pool").With(zap.String("component", name)),
	})
	return st.pool, nil
}

// leasedSandbox bridges the invoker's Sandbox to the pool's Instance.
type leasedSandbox struct{ Sandbox }

func componentSource(c config.Component) resolver.Source {
	return resolver.Source{Path: c.Path, OCI: c.OCI}
}

func sandboxConfig(c config.Component) engine.SandboxConfig {
	cfg := engine.SandboxConfig{
		Env: c.Env,
		Dir: c.Cwd,
	}
	for _, v := range c.Volumes {
		cfg.Mounts = append(cfg.Mounts, engine.Mount{
			Host:     v.Host,
			Guest:    v.Guest,
			ReadOnly: v.ReadOnly,
		})
	}
	return cfg
}

// timeoutOr maps a deadline failure onto a stage-tagged timeout and
// passes every other error through.
func timeoutOr(stage errors.Stage, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(stage, "deadline exceeded")
	}
	return err
}

// prefixPath roots a translation error's path at the parameter name.
func prefixPath(err error, param string) error {
	if e, ok := err.(*errors.Error); ok {
		e.Path = append([]string{param}, e.Path...)
		return e
	}
	return err
}
