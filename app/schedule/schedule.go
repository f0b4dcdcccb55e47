// Package schedule loads cron specs for the scheduled producer, either a
// single inline spec or a yaml file with multiple named schedules. Standard
// 5-field specs and @descriptors like @midnight or @every 15m are accepted.
package schedule

import (
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Spec is a single submission schedule
type Spec struct {
	Spec string `yaml:"spec" json:"spec" jsonschema:"description=cron spec or @descriptor driving submission"`
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"description=optional human-readable label"`
}

// String returns the spec with its label when set.
func (s Spec) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%q (%s)", s.Spec, s.Name)
	}
	return fmt.Sprintf("%q", s.Spec)
}

// Config is the yaml layout of a schedule file
type Config struct {
	Schedules []Spec `yaml:"schedules" json:"schedules"`
}

// Single provides the schedules interface for one inline spec
type Single struct {
	Spec string
}

// List validates the spec and returns it as a one-element list.
func (s Single) List() ([]Spec, error) {
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return nil, fmt.Errorf("can't parse %q: %w", s.Spec, err)
	}
	return []Spec{{Spec: s.Spec}}, nil
}

func (s Single) String() string { return s.Spec }

// File loads schedules from a yaml file. The file is read and validated on
// every List call, the producer calls it once at startup.
type File struct {
	Path string
}

// List reads and validates the schedule file.
func (f File) List() ([]Spec, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.Path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid schedule file %s: %w", f.Path, err)
	}
	return cfg.Schedules, nil
}

func (f File) String() string { return f.Path }

// validate checks the loaded config, at least one schedule and every spec
// parseable
func validate(cfg *Config) error {
	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("at least one schedule is required")
	}
	for i, s := range cfg.Schedules {
		if s.Spec == "" {
			return fmt.Errorf("schedule %d: spec is required", i+1)
		}
		if _, err := cron.ParseStandard(s.Spec); err != nil {
			return fmt.Errorf("schedule %d: can't parse %q: %w", i+1, s.Spec, err)
		}
	}
	return nil
}

// GenerateSchema generates a JSON schema for the schedule file format
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}
