package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wasmic/wasmic/errors"
)

// Volume maps a host directory into a component's guest filesystem.
type Volume struct {
	Host     string `yaml:"host"`
	Guest    string `yaml:"guest"`
	ReadOnly bool   `yaml:"read_only"`
}

// Component declares one invocable component and its capability
// grants. Exactly one of Path and OCI names the binary source.
type Component struct {
	Path        string            `yaml:"path,omitempty"`
	OCI         string            `yaml:"oci,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Volumes     []Volume          `yaml:"volumes,omitempty"`
	Cwd         string            `yaml:"cwd,omitempty"`
	// MaxInstances overrides the profile-wide pool ceiling.
	MaxInstances int `yaml:"max_instances,omitempty"`
}

// Prompt is a reusable prompt template served to clients alongside the
// component tools.
type Prompt struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Content     string `yaml:"content"`
}

// Duration decodes from either a Go duration string ("90s") or plain
// seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// PoolSettings tunes instance pooling for a profile.
type PoolSettings struct {
	MaxInstances int      `yaml:"max_instances,omitempty"`
	IdleTimeout  Duration `yaml:"idle_timeout,omitempty"`
}

// Profile is one named serving configuration: a set of components,
// optional prompts, and runtime tuning.
type Profile struct {
	Components map[string]Component `yaml:"components"`
	Prompts    []Prompt             `yaml:"prompts,omitempty"`
	Pool       PoolSettings         `yaml:"pool,omitempty"`
	// StrictArguments rejects unknown record fields in call arguments
	// when true. Defaults to true.
	StrictArguments *bool `yaml:"strict_arguments,omitempty"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	// CacheDir holds fetched remote artifacts. Empty uses a directory
	// under the user cache dir.
	CacheDir string             `yaml:"cache_dir,omitempty"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// DefaultProfileName is used when the caller does not select one.
const DefaultProfileName = "default"

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(errors.StageConfig, "config file", path)
		}
		return nil, errors.Wrap(errors.StageConfig, errors.KindValidation, err, "read config file")
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(errors.StageConfig, errors.KindValidation, err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural rules that decoding cannot express.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return errors.New(errors.StageConfig, errors.KindValidation).
			Detail("config declares no profiles").Build()
	}
	for name, p := range c.Profiles {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (p Profile) validate(profile string) error {
	if len(p.Components) == 0 {
		return errors.New(errors.StageConfig, errors.KindValidation).
			Detail("profile %q declares no components", profile).Build()
	}
	for name, comp := range p.Components {
		where := fmt.Sprintf("profile %q component %q", profile, name)
		switch {
		case comp.Path != "" && comp.OCI != "":
			return errors.New(errors.StageConfig, errors.KindValidation).
				Detail("%s: path and oci are mutually exclusive", where).Build()
		case comp.Path == "" && comp.OCI == "":
			return errors.New(errors.StageConfig, errors.KindValidation).
				Detail("%s: one of path or oci is required", where).Build()
		}
		for _, v := range comp.Volumes {
			if v.Host == "" || v.Guest == "" {
				return errors.New(errors.StageConfig, errors.KindValidation).
					Detail("%s: volume needs both host and guest paths", where).Build()
			}
		}
		if comp.MaxInstances < 0 {
			return errors.New(errors.StageConfig, errors.KindValidation).
				Detail("%s: max_instances cannot be negative", where).Build()
		}
	}
	seen := make(map[string]bool, len(p.Prompts))
	for _, prompt := range p.Prompts {
		if prompt.Name == "" {
			return errors.New(errors.StageConfig, errors.KindValidation).
				Detail("profile %q: prompt without a name", profile).Build()
		}
		if seen[prompt.Name] {
			return errors.New(errors.StageConfig, errors.KindValidation).
				Detail("profile %q: duplicate prompt %q", profile, prompt.Name).Build()
		}
		seen[prompt.Name] = true
	}
	return nil
}

// Profile returns the named profile, defaulting to "default" for an
// empty name. A config with exactly one profile matches any empty
// selection.
func (c *Config) Profile(name string) (*Profile, error) {
	if name == "" {
		if p, ok := c.Profiles[DefaultProfileName]; ok {
			return &p, nil
		}
		if len(c.Profiles) == 1 {
			for _, p := range c.Profiles {
				return &p, nil
			}
		}
		return nil, errors.New(errors.StageConfig, errors.KindValidation).
			Detail("no profile selected and no %q profile exists", DefaultProfileName).Build()
	}
	p, ok := c.Profiles[name]
	if !ok {
		return nil, errors.NotFound(errors.StageConfig, "profile", name)
	}
	return &p, nil
}

// ComponentNames returns the profile's component names sorted for
// stable listings.
func (p *Profile) ComponentNames() []string {
	names := make([]string, 0, len(p.Components))
	for name := range p.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Strict reports the effective unknown-field policy.
func (p *Profile) Strict() bool {
	return p.StrictArguments == nil || *p.StrictArguments
}

// DefaultCacheDir resolves the artifact cache location when the config
// leaves it unset.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/wasmic/artifacts"
	}
	return ".wasmic-cache"
}
