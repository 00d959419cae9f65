package resolver

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wasmic/wasmic/errors"
	"github.com/wasmic/wasmic/wasm"
)

// testBinary builds a minimal wasm module carrying the given custom
// section.
func testBinary(section, payload string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, wasm.Magic)
	binary.Write(&buf, binary.LittleEndian, wasm.Version)

	var body bytes.Buffer
	wasm.WriteLEB128u(&body, uint32(len(section)))
	body.WriteString(section)
	body.WriteString(payload)

	buf.WriteByte(wasm.SectionCustom)
	wasm.WriteLEB128u(&buf, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

const echoWIT = `export echo: func(message: string) -> string;`

type fakeFetcher struct {
	data    []byte
	err     error
	delay   time.Duration
	fetches atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, reference string) ([]byte, string, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, Digest(f.data), nil
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	path := filepath.Join(dir, "echo.wasm")
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(filepath.Join(dir, "cache"), nil)
	art, err := r.Resolve(context.Background(), "echo", Source{Path: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if art.Digest != Digest(bin) {
		t.Errorf("digest = %q, want %q", art.Digest, Digest(bin))
	}
	if art.Descriptor.Function("echo") == nil {
		t.Error("descriptor missing echo function")
	}
}

func TestResolveLocalMissing(t *testing.T) {
	r := New(t.TempDir(), nil)
	_, err := r.Resolve(context.Background(), "gone", Source{Path: "/does/not/exist.wasm"})
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("kind = %v, want not_found (err: %v)", errors.KindOf(err), err)
	}
}

func TestResolveInvalidBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wasm")
	os.WriteFile(path, []byte("not wasm"), 0o644)

	r := New(dir, nil)
	_, err := r.Resolve(context.Background(), "bad", Source{Path: path})
	if errors.KindOf(err) != errors.KindInvalidArtifact {
		t.Fatalf("kind = %v, want invalid_artifact", errors.KindOf(err))
	}
}

func TestResolveNoMetadata(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary("producers", "whatever")
	path := filepath.Join(dir, "plain.wasm")
	os.WriteFile(path, bin, 0o644)

	r := New(dir, nil)
	_, err := r.Resolve(context.Background(), "plain", Source{Path: path})
	if errors.KindOf(err) != errors.KindInvalidArtifact {
		t.Fatalf("kind = %v, want invalid_artifact", errors.KindOf(err))
	}
}

func TestSourceValidate(t *testing.T) {
	for _, tt := range []struct {
		name string
		src  Source
		ok   bool
	}{
		{"path only", Source{Path: "a.wasm"}, true},
		{"oci only", Source{OCI: "reg.example/a:v1"}, true},
		{"both", Source{Path: "a.wasm", OCI: "reg.example/a:v1"}, false},
		{"neither", Source{}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestResolveRemoteCachesByDigest(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	f := &fakeFetcher{data: bin}

	r := New(dir, f)
	src := Source{OCI: "reg.example/tools/echo:v1"}
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "echo", src); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	// A fresh resolver over the same cache dir must not refetch.
	r2 := New(dir, &fakeFetcher{err: os.ErrDeadlineExceeded})
	art, err := r2.Resolve(ctx, "echo", src)
	if err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if art.Digest != Digest(bin) {
		t.Errorf("digest = %q, want %q", art.Digest, Digest(bin))
	}
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestResolveRemotePinMismatch(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	f := &fakeFetcher{data: bin}

	r := New(dir, f)
	pin := "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	_, err := r.Resolve(context.Background(), "echo", Source{OCI: "reg.example/echo:v1@" + pin})
	if errors.KindOf(err) != errors.KindIntegrity {
		t.Fatalf("kind = %v, want integrity (err: %v)", errors.KindOf(err), err)
	}

	// Nothing may land in the cache on an integrity failure.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wasm" {
			t.Errorf("unexpected cache entry %q after integrity failure", e.Name())
		}
	}
}

func TestResolveRemotePinMatch(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	f := &fakeFetcher{data: bin}

	r := New(dir, f)
	art, err := r.Resolve(context.Background(), "echo",
		Source{OCI: "reg.example/echo:v1@" + Digest(bin)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if art.Digest != Digest(bin) {
		t.Errorf("digest = %q, want %q", art.Digest, Digest(bin))
	}
}

func TestResolveSingleFlight(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	f := &fakeFetcher{data: bin, delay: 50 * time.Millisecond}

	r := New(dir, f)
	src := Source{OCI: "reg.example/echo:v1"}

	const callers = 16
	var wg sync.WaitGroup
	arts := make([]*Artifact, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arts[i], errs[i] = r.Resolve(context.Background(), "echo", src)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if arts[i] != arts[0] {
			t.Errorf("caller %d got a distinct artifact", i)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestResolveCancelledWait(t *testing.T) {
	dir := t.TempDir()
	bin := testBinary(SectionWIT, echoWIT)
	f := &fakeFetcher{data: bin, delay: time.Second}

	r := New(dir, f)
	src := Source{OCI: "reg.example/slow:v1"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "slow", src)
	if err == nil {
		t.Fatal("expected error from cancelled wait")
	}
}

func TestParseMetadataJSON(t *testing.T) {
	desc := `{"functions":[{"name":"add","params":[{"name":"a","type":{"kind":"s32"}},{"name":"b","type":{"kind":"s32"}}],"result":{"kind":"s32"}}]}`
	bin := testBinary(SectionSchema, desc)

	got, err := ParseMetadata(bin)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	fn := got.Function("add")
	if fn == nil || len(fn.Params) != 2 {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
}

func TestSplitPin(t *testing.T) {
	ref, pin := splitPin("reg.example/a:v1@sha256:abc")
	if ref != "reg.example/a:v1" || pin != "sha256:abc" {
		t.Errorf("splitPin = (%q, %q)", ref, pin)
	}
	ref, pin = splitPin("reg.example/a:v1")
	if ref != "reg.example/a:v1" || pin != "" {
		t.Errorf("splitPin = (%q, %q)", ref, pin)
	}
}
