package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/wasm"
)

// Custom section names carrying interface metadata.
const (
	SectionSchema = "wasmic:schema" // JSON descriptor
	SectionWIT    = "wasmic:wit"    // WIT-style signature text
)

// Source describes where a component's binary comes from. Exactly one
// field is set; Validate enforces the exclusivity.
type Source struct {
	// Path points at a local component file.
	Path string `yaml:"path,omitempty"`
	// OCI is a remote registry reference, optionally pinned to a
	// digest ("registry.example/tools/fetch:v1@sha256:...").
	OCI string `yaml:"oci,omitempty"`
}

// Validate checks the path/oci exclusivity rule.
func (s Source) Validate() error {
	switch {
	case s.Path != "" && s.OCI != "":
		return errors.New(errors.StageConfig, errors.KindValidation).
			Detail("component source cannot set both path and oci").Build()
	case s.Path == "" && s.OCI == "":
		return errors.New(errors.StageConfig, errors.KindValidation).
			Detail("component source must set path or oci").Build()
	}
	return nil
}

func (s Source) String() string {
	if s.Path != "" {
		return "path:" + s.Path
	}
	return "oci:" + s.OCI
}

// Fetcher is the remote fetch contract. Implementations return the
// artifact bytes and their content digest ("sha256:<hex>").
type Fetcher interface {
	Fetch(ctx context.Context, reference string) (data []byte, digest string, err error)
}

// Artifact is a resolved component: its verified binary, content digest,
// and parsed interface descriptor. Artifacts are immutable once built
// and shared read-only with the pool and translator.
type Artifact struct {
	Name       string
	Source     Source
	Binary     []byte
	Digest     string
	Descriptor *schema.Descriptor
}

// Resolver maps component names and sources onto verified artifacts.
// Resolution is idempotent, safe for concurrent use, and single-flight
// per (name, source) key: concurrent callers for the same uncached key
// share one fetch and one parse.
type Resolver struct {
	cacheDir string
	fetcher  Fetcher
	log      *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Artifact
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// New creates a resolver backed by the given cache directory. The
// fetcher may be nil when only local sources are used.
func New(cacheDir string, fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		cacheDir: cacheDir,
		fetcher:  fetcher,
		log:      zap.NewNop(),
		cache:    make(map[string]*Artifact),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the artifact for (name, source), fetching and parsing
// at most once per key. The wait on another caller's in-flight
// resolution honors ctx cancellation.
func (r *Resolver) Resolve(ctx context.Context, name string, src Source) (*Artifact, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	key := name + "\x00" + src.String()

	r.mu.RLock()
	cached := r.cache[key]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		art, err := r.resolve(ctx, name, src)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = art
		r.mu.Unlock()
		return art, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Artifact), nil
	case <-ctx.Done():
		// The flight keeps running for any remaining waiters; this
		// caller just stops waiting on it.
		return nil, ctx.Err()
	}
}

// Invalidate drops the in-memory cache entry for (name, source). The
// on-disk content-addressed entries are never mutated.
func (r *Resolver) Invalidate(name string, src Source) {
	r.mu.Lock()
	delete(r.cache, name+"\x00"+src.String())
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context, name string, src Source) (*Artifact, error) {
	var data []byte
	var digest string
	var err error

	if src.Path != "" {
		data, digest, err = r.loadLocal(src.Path)
	} else {
		data, digest, err = r.loadRemote(ctx, src.OCI)
	}
	if err != nil {
		return nil, err
	}

	desc, err := ParseMetadata(data)
	if err != nil {
		return nil, err
	}

	r.log.Debug("resolved component",
		zap.String("component", name),
		zap.String("source", src.String()),
		zap.String("digest", digest),
		zap.Int("functions", len(desc.Functions)))

	return &Artifact{
		Name:       name,
		Source:     src,
		Binary:     data,
		Digest:     digest,
		Descriptor: desc,
	}, nil
}

func (r *Resolver) loadLocal(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.NotFound(errors.StageResolve, "component file", path)
		}
		return nil, "", errors.Wrap(errors.StageResolve, errors.KindInvalidArtifact, err, "read component file")
	}
	return data, Digest(data), nil
}

func (r *Resolver) loadRemote(ctx context.Context, reference string) ([]byte, string, error) {
	ref, pin := splitPin(reference)

	// Pinned references hit the content-addressed store directly.
	if pin != "" {
		if data, err := r.readBlob(pin); err == nil {
			return data, pin, nil
		}
	} else if digest, err := r.readRefIndex(ref); err == nil {
		if data, err := r.readBlob(digest); err == nil {
			return data, digest, nil
		}
	}

	if r.fetcher == nil {
		return nil, "", errors.New(errors.StageResolve, errors.KindNotFound).
			Detail("remote source %q but no fetch client configured", reference).Build()
	}

	data, digest, err := r.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if digest == "" {
		digest = Digest(data)
	}

	if pin != "" && digest != pin {
		return nil, "", errors.Integrity(ref, pin, digest)
	}

	if err := r.writeBlob(digest, data); err != nil {
		return nil, "", err
	}
	if pin == "" {
		if err := r.writeRefIndex(ref, digest); err != nil {
			return nil, "", err
		}
	}

	r.log.Info("fetched remote component",
		zap.String("reference", ref),
		zap.String("digest", digest),
		zap.Int("bytes", len(data)))

	return data, digest, nil
}

// ParseMetadata extracts and validates the interface descriptor from a
// component binary's custom sections.
func ParseMetadata(data []byte) (*schema.Descriptor, error) {
	if !wasm.IsModule(data) {
		return nil, errors.InvalidArtifact("not a wasm binary", nil)
	}

	if payload, ok, err := wasm.FindCustomSection(data, SectionSchema); err != nil {
		return nil, errors.InvalidArtifact("scan custom sections", err)
	} else if ok {
		desc, err := schema.ParseDescriptor(payload)
		if err != nil {
			return nil, errors.InvalidArtifact("parse interface descriptor", err)
		}
		return desc, nil
	}

	if payload, ok, err := wasm.FindCustomSection(data, SectionWIT); err != nil {
		return nil, errors.InvalidArtifact("scan custom sections", err)
	} else if ok {
		desc, err := schema.ParseWIT(string(payload))
		if err != nil {
			return nil, errors.InvalidArtifact("parse WIT signatures", err)
		}
		return desc, nil
	}

	return nil, errors.InvalidArtifact(
		fmt.Sprintf("no %s or %s section found", SectionSchema, SectionWIT), nil)
}

// Digest computes the canonical content digest of artifact bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// splitPin separates an optional digest pin from a remote reference.
func splitPin(reference string) (ref, pin string) {
	if i := strings.Index(reference, "@sha256:"); i >= 0 {
		return reference[:i], reference[i+1:]
	}
	return reference, ""
}

// blobPath maps a digest onto its content-addressed cache file.
func (r *Resolver) blobPath(digest string) string {
	return filepath.Join(r.cacheDir, strings.ReplaceAll(digest, ":", "-")+".wasm")
}

func (r *Resolver) readBlob(digest string) ([]byte, error) {
	data, err := os.ReadFile(r.blobPath(digest))
	if err != nil {
		return nil, err
	}
	// Defense against a tampered cache dir: the blob must still hash to
	// its name.
	if Digest(data) != digest {
		return nil, errors.Integrity(r.blobPath(digest), digest, Digest(data))
	}
	return data, nil
}

// writeBlob stores a blob write-once: an existing entry is never
// rewritten, and concurrent writers converge via atomic rename.
func (r *Resolver) writeBlob(digest string, data []byte) error {
	path := r.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "create cache dir")
	}
	tmp, err := os.CreateTemp(r.cacheDir, ".blob-*")
	if err != nil {
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "create cache entry")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "write cache entry")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "close cache entry")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "commit cache entry")
	}
	return nil
}

// Ref index files map unpinned references onto the digest they resolved
// to, so an already-fetched reference never drifts to new remote bytes.
func (r *Resolver) refIndexPath(ref string) string {
	sanitized := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(ref)
	return filepath.Join(r.cacheDir, "refs", sanitized)
}

func (r *Resolver) readRefIndex(ref string) (string, error) {
	data, err := os.ReadFile(r.refIndexPath(ref))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Resolver) writeRefIndex(ref, digest string) error {
	dir := filepath.Dir(r.refIndexPath(ref))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "create ref index dir")
	}
	if err := os.WriteFile(r.refIndexPath(ref), []byte(digest+"\n"), 0o644); err != nil {
		return errors.Wrap(errors.StageResolve, errors.KindInternal, err, "write ref index")
	}
	return nil
}
