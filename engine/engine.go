package engine

import (
	"context"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/resolver"
)

// Config holds engine-wide runtime settings.
type Config struct {
	// MemoryLimitPages caps linear memory per instance in 64KB pages.
	// 0 uses the runtime default (4GB).
	MemoryLimitPages uint32
}

// Engine owns the wazero runtime and compiles artifacts into modules.
// One engine is shared by all components; compiled modules and the
// WASI host module live for the engine's lifetime.
type Engine struct {
	runtime wazero.Runtime
	log     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine. Contexts passed to Call are enforced by
// closing the module when the deadline fires, so guest code cannot
// outrun its budget.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.runtime.Close(ctx)
		return nil, errors.Wrap(errors.StageAcquire, errors.KindInternal, err, "instantiate WASI")
	}
	return e, nil
}

func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile compiles an artifact's binary once. The returned Module is
// safe for concurrent instantiation.
func (e *Engine) Compile(ctx context.Context, art *resolver.Artifact) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, art.Binary)
	if err != nil {
		return nil, errors.InvalidArtifact("compile module", err)
	}

	e.log.Debug("compiled module",
		zap.String("component", art.Name),
		zap.String("digest", art.Digest))

	return &Module{
		engine:   e,
		compiled: compiled,
		artifact: art,
		abi:      newABI(),
	}, nil
}

// Mount maps a host directory into the guest filesystem.
type Mount struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// SandboxConfig carries the per-component capability grants applied at
// instantiation. The zero value grants nothing beyond stdio.
type SandboxConfig struct {
	Env    map[string]string
	Mounts []Mount
	// Dir mounts a host working directory at the guest root.
	Dir    string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Module is a compiled component shared across instances.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	artifact *resolver.Artifact
	abi      *abi
}

func (m *Module) Artifact() *resolver.Artifact { return m.artifact }

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instantiate creates a fresh instance with its own linear memory and
// the sandbox grants from cfg. Instances are anonymous so many can
// coexist in one runtime.
func (m *Module) Instantiate(ctx context.Context, cfg SandboxConfig) (*Instance, error) {
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()

	for k, v := range cfg.Env {
		modCfg = modCfg.WithEnv(k, v)
	}
	if len(cfg.Args) > 0 {
		modCfg = modCfg.WithArgs(cfg.Args...)
	}
	if cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(cfg.Stderr)
	}

	fsCfg := wazero.NewFSConfig()
	hasFS := false
	if cfg.Dir != "" {
		fsCfg = fsCfg.WithDirMount(cfg.Dir, "/")
		hasFS = true
	}
	for _, mnt := range cfg.Mounts {
		if mnt.ReadOnly {
			fsCfg = fsCfg.WithReadOnlyDirMount(mnt.Host, mnt.Guest)
		} else {
			fsCfg = fsCfg.WithDirMount(mnt.Host, mnt.Guest)
		}
		hasFS = true
	}
	if hasFS {
		modCfg = modCfg.WithFSConfig(fsCfg)
	}

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, errors.Wrap(errors.StageAcquire, errors.KindExecutionFault, err, "instantiate module")
	}

	inst := newInstance(m, mod)

	// Reactor-style components expose _initialize instead of _start.
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			mod.Close(ctx)
			return nil, errors.ExecutionFault(err)
		}
	}

	return inst, nil
}
