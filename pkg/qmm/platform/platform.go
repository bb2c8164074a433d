// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package platform describes the capabilities of the accelerator a plan targets: number of
// physical cores and the sizes of each on-chip memory tier.
package platform

import (
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Platform is the capability record consumed by the tiling planner.
// All sizes are in bytes.
type Platform struct {
	Name string `yaml:"name" json:"name"`

	// CoreNum is the number of physical cores, each with one compute role and one vector role.
	CoreNum int `yaml:"core_num" json:"core_num"`

	// L1Size is the operand staging buffer of the compute engine.
	L1Size int `yaml:"l1_size" json:"l1_size"`

	// L0ASize, L0BSize and L0CSize are the compute engine's operand and accumulator buffers.
	L0ASize int `yaml:"l0a_size" json:"l0a_size"`
	L0BSize int `yaml:"l0b_size" json:"l0b_size"`
	L0CSize int `yaml:"l0c_size" json:"l0c_size"`

	// UBSize is the vector engine's local scratch ("unified buffer").
	UBSize int `yaml:"ub_size" json:"ub_size"`

	// L2Size is the cache shared by all cores, the tier the super-tiles are sized for.
	L2Size int `yaml:"l2_size" json:"l2_size"`

	// ReservedWorkspace is the system part of the workspace, placed before the kernel's own regions.
	ReservedWorkspace int `yaml:"reserved_workspace" json:"reserved_workspace"`
}

const (
	kib = 1024
	mib = 1024 * kib
)

var presets = map[string]Platform{
	"ascend910b": {
		Name: "ascend910b", CoreNum: 24,
		L1Size: 512 * kib, L0ASize: 64 * kib, L0BSize: 64 * kib, L0CSize: 128 * kib,
		UBSize: 192 * kib, L2Size: 192 * mib, ReservedWorkspace: 16 * mib,
	},
	"ascend910_93": {
		Name: "ascend910_93", CoreNum: 24,
		L1Size: 512 * kib, L0ASize: 64 * kib, L0BSize: 64 * kib, L0CSize: 128 * kib,
		UBSize: 192 * kib, L2Size: 192 * mib, ReservedWorkspace: 16 * mib,
	},
	"ascend910_95": {
		Name: "ascend910_95", CoreNum: 32,
		L1Size: 512 * kib, L0ASize: 64 * kib, L0BSize: 64 * kib, L0CSize: 256 * kib,
		UBSize: 248 * kib, L2Size: 128 * mib, ReservedWorkspace: 16 * mib,
	},
	"ascend310p": {
		Name: "ascend310p", CoreNum: 8,
		L1Size: 1 * mib, L0ASize: 64 * kib, L0BSize: 64 * kib, L0CSize: 256 * kib,
		UBSize: 256 * kib, L2Size: 16 * mib, ReservedWorkspace: 2 * mib,
	},
	// tiny is a scaled-down platform that forces multi-super-tile plans and fallbacks on small shapes.
	"tiny": {
		Name: "tiny", CoreNum: 4,
		L1Size: 64 * kib, L0ASize: 16 * kib, L0BSize: 16 * kib, L0CSize: 32 * kib,
		UBSize: 32 * kib, L2Size: 64 * kib, ReservedWorkspace: 1 * kib,
	},
}

// Default is the platform used when none is specified.
const Default = "ascend910b"

// Names returns the sorted names of the preset platforms.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Preset returns the named preset platform.
func Preset(name string) (Platform, error) {
	p, found := presets[strings.ToLower(name)]
	if !found {
		return Platform{}, errors.Errorf("unknown platform %q, known platforms: %v", name, Names())
	}
	return p, nil
}

// MustPreset is like Preset, but panics on an unknown name. It is meant for tests and constant names.
func MustPreset(name string) Platform {
	p, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return p
}

// WithCores returns a copy of the platform with the core count overridden.
func (p Platform) WithCores(coreNum int) Platform {
	p.CoreNum = coreNum
	return p
}

// Validate checks that all capacities are set.
func (p Platform) Validate() error {
	if p.CoreNum <= 0 {
		return errors.Errorf("platform %q: core_num must be > 0, got %d", p.Name, p.CoreNum)
	}
	for _, c := range []struct {
		name string
		size int
	}{
		{"l1_size", p.L1Size}, {"l0a_size", p.L0ASize}, {"l0b_size", p.L0BSize},
		{"l0c_size", p.L0CSize}, {"ub_size", p.UBSize}, {"l2_size", p.L2Size},
	} {
		if c.size <= 0 {
			return errors.Errorf("platform %q: %s must be > 0, got %d", p.Name, c.name, c.size)
		}
	}
	if p.ReservedWorkspace < 0 {
		return errors.Errorf("platform %q: reserved_workspace must be >= 0, got %d", p.Name, p.ReservedWorkspace)
	}
	return nil
}

// ParseYAML parses a platform description. A "base" key names a preset whose values are
// used for the fields not given.
func ParseYAML(contents []byte) (Platform, error) {
	var header struct {
		Base string `yaml:"base"`
	}
	if err := yaml.Unmarshal(contents, &header); err != nil {
		return Platform{}, errors.Wrap(err, "parsing platform YAML")
	}
	var p Platform
	if header.Base != "" {
		var err error
		p, err = Preset(header.Base)
		if err != nil {
			return Platform{}, err
		}
	}
	if err := yaml.Unmarshal(contents, &p); err != nil {
		return Platform{}, errors.Wrap(err, "parsing platform YAML")
	}
	if err := p.Validate(); err != nil {
		return Platform{}, err
	}
	return p, nil
}

// LoadYAML reads and parses a platform description file.
func LoadYAML(path string) (Platform, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Platform{}, errors.Wrapf(err, "reading platform file %q", path)
	}
	p, err := ParseYAML(contents)
	if err != nil {
		return Platform{}, errors.WithMessagef(err, "platform file %q", path)
	}
	return p, nil
}

// Resolve returns the preset with the given name or, if nameOrPath ends with ".yaml" or ".yml",
// loads it from the file.
func Resolve(nameOrPath string) (Platform, error) {
	if strings.HasSuffix(nameOrPath, ".yaml") || strings.HasSuffix(nameOrPath, ".yml") {
		return LoadYAML(nameOrPath)
	}
	return Preset(nameOrPath)
}
