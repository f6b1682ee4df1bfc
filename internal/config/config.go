// Package config reads boot plans describing which artifacts to place into a
// guest and where.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/bootload/internal/hv"
	"github.com/tinyrange/bootload/internal/image"
)

const DefaultFilename = "bootload.yaml"

// Plan is the on-disk boot plan.
type Plan struct {
	Version     int    `yaml:"version"`
	ArtifactDir string `yaml:"artifactDir"`

	VM        VMConfig   `yaml:"vm"`
	RawPolicy string     `yaml:"rawPolicy,omitempty"`
	Kernel    *Artifact  `yaml:"kernel,omitempty"`
	Modules   []Artifact `yaml:"modules,omitempty"`
}

type VMConfig struct {
	Arch            string `yaml:"arch"`
	MemoryBase      uint64 `yaml:"memoryBase"`
	MemorySize      uint64 `yaml:"memorySize"`
	EntryPoint      uint64 `yaml:"entryPoint"`
	PageSize        uint64 `yaml:"pageSize,omitempty"`
	DeferredMapping bool   `yaml:"deferredMapping,omitempty"`
}

type Artifact struct {
	Artifact string `yaml:"artifact"`
	Base     uint64 `yaml:"base"`
	ForceRaw bool   `yaml:"forceRaw,omitempty"`
}

func (p *Plan) normalize(dir string) {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.VM.Arch == "" {
		p.VM.Arch = string(hv.ArchitectureARM64)
	}
	if p.ArtifactDir == "" {
		p.ArtifactDir = "."
	}
	if !filepath.IsAbs(p.ArtifactDir) {
		p.ArtifactDir = filepath.Join(dir, p.ArtifactDir)
	}
	if p.VM.EntryPoint == 0 {
		p.VM.EntryPoint = p.VM.MemoryBase
	}
}

// Architecture returns the parsed VM architecture.
func (p Plan) Architecture() (hv.CpuArchitecture, error) {
	return hv.ParseArchitecture(p.VM.Arch)
}

// Policy returns the parsed raw fallback policy.
func (p Plan) Policy() (image.RawPolicy, error) {
	return image.ParseRawPolicy(p.RawPolicy)
}

// Validate reports the first problem with the plan.
func (p Plan) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported plan version %d", p.Version)
	}
	if _, err := p.Architecture(); err != nil {
		return err
	}
	if _, err := p.Policy(); err != nil {
		return err
	}
	if p.VM.MemorySize == 0 {
		return fmt.Errorf("vm.memorySize must be set")
	}
	if p.Kernel == nil && len(p.Modules) == 0 {
		return fmt.Errorf("plan loads nothing: set kernel or modules")
	}
	if p.Kernel != nil && p.Kernel.Artifact == "" {
		return fmt.Errorf("kernel.artifact must be set")
	}
	for i, m := range p.Modules {
		if m.Artifact == "" {
			return fmt.Errorf("modules[%d].artifact must be set", i)
		}
		if m.ForceRaw {
			return fmt.Errorf("modules[%d]: forceRaw only applies to kernels", i)
		}
	}
	return nil
}

// Parse decodes a plan. Relative artifact directories are resolved against
// dir.
func Parse(data []byte, dir string) (Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	plan.normalize(dir)
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// Load reads and validates the plan at path.
func Load(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// WriteTemplate writes plan as YAML to path.
func WriteTemplate(path string, plan Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
