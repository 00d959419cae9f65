package config

import (
	"testing"
	"time"

	"github.com/wasmic/wasmic/errors"
)

const sample = `
cache_dir: /tmp/wasmic-cache
profiles:
  default:
    pool:
      max_instances: 8
      idle_timeout: 90s
    components:
      fetch:
        oci: registry.example/tools/fetch:v1
        description: HTTP fetcher
        env:
          TIMEOUT: "30"
        volumes:
          - host: /srv/data
            guest: /data
            read_only: true
      math:
        path: ./math.wasm
        cwd: /srv/work
    prompts:
      - name: summarize
        description: Summarize a document
        content: Use the fetch tool, then summarize.
  minimal:
    components:
      echo:
        path: ./echo.wasm
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CacheDir != "/tmp/wasmic-cache" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}

	p, err := cfg.Profile("default")
	if err != nil {
		t.Fatal(err)
	}
	if p.Pool.MaxInstances != 8 {
		t.Errorf("MaxInstances = %d, want 8", p.Pool.MaxInstances)
	}
	if p.Pool.IdleTimeout.Std() != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", p.Pool.IdleTimeout.Std())
	}

	fetch := p.Components["fetch"]
	if fetch.OCI != "registry.example/tools/fetch:v1" {
		t.Errorf("OCI = %q", fetch.OCI)
	}
	if fetch.Env["TIMEOUT"] != "30" {
		t.Errorf("Env = %v", fetch.Env)
	}
	if len(fetch.Volumes) != 1 || !fetch.Volumes[0].ReadOnly {
		t.Errorf("Volumes = %+v", fetch.Volumes)
	}
	if got := p.ComponentNames(); len(got) != 2 || got[0] != "fetch" || got[1] != "math" {
		t.Errorf("ComponentNames = %v", got)
	}
	if len(p.Prompts) != 1 || p.Prompts[0].Name != "summarize" {
		t.Errorf("Prompts = %+v", p.Prompts)
	}
	if !p.Strict() {
		t.Error("strict arguments should default to true")
	}
}

func TestProfileSelection(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cfg.Profile(""); err != nil {
		t.Errorf("empty selection should find the default profile: %v", err)
	}
	if _, err := cfg.Profile("minimal"); err != nil {
		t.Errorf("Profile(minimal): %v", err)
	}
	if _, err := cfg.Profile("missing"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("missing profile kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestSingleProfileMatchesEmptySelection(t *testing.T) {
	cfg, err := Parse([]byte(`
profiles:
  only:
    components:
      echo: {path: ./echo.wasm}
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Profile(""); err != nil {
		t.Errorf("single profile should satisfy empty selection: %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
	}{
		{"no profiles", `profiles: {}`},
		{"no components", "profiles:\n  p:\n    components: {}"},
		{"both sources", "profiles:\n  p:\n    components:\n      c: {path: a.wasm, oci: reg/a:v1}"},
		{"no source", "profiles:\n  p:\n    components:\n      c: {description: x}"},
		{"bad volume", "profiles:\n  p:\n    components:\n      c:\n        path: a.wasm\n        volumes:\n          - host: /x"},
		{"duplicate prompt", "profiles:\n  p:\n    components:\n      c: {path: a.wasm}\n    prompts:\n      - {name: a, content: x}\n      - {name: a, content: y}"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if errors.KindOf(err) != errors.KindValidation {
				t.Errorf("kind = %v (err: %v), want validation", errors.KindOf(err), err)
			}
		})
	}
}

func TestStrictOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
profiles:
  default:
    strict_arguments: false
    components:
      echo: {path: ./echo.wasm}
`))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := cfg.Profile("")
	if p.Strict() {
		t.Error("strict_arguments: false should disable strict mode")
	}
}

func TestDurationSeconds(t *testing.T) {
	cfg, err := Parse([]byte(`
profiles:
  default:
    pool: {idle_timeout: 120}
    components:
      echo: {path: ./echo.wasm}
`))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := cfg.Profile("")
	if p.Pool.IdleTimeout.Std() != 120*time.Second {
		t.Errorf("IdleTimeout = %v, want 2m", p.Pool.IdleTimeout.Std())
	}
}
