package kernel

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestFormat selects the serialization of a raw manifest document.
type ManifestFormat string

const (
	FormatYAML ManifestFormat = "yaml"
	FormatJSON ManifestFormat = "json"
	FormatTOML ManifestFormat = "toml"
)

// FormatForPath maps a file extension to its manifest format. The second
// return is false for extensions that are not manifest documents.
func FormatForPath(path string) (ManifestFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	case ".toml":
		return FormatTOML, true
	default:
		return "", false
	}
}

// Dependency declares that a module requires another module, optionally
// constrained to a semantic version range.
type Dependency struct {
	// Name is the depended-on module's name.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Constraint is a semantic version range expression such as ">=1.2.0"
	// or "^2.0". Empty accepts any version.
	Constraint string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
}

// ModuleManifest is the parsed, validated declaration of a module's
// identity, dependencies, and capabilities. Manifests are immutable once
// parsed; a new version of a module is a distinct manifest.
type ModuleManifest struct {
	// Name uniquely identifies the module within the kernel.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Version is the module's semantic version.
	Version string `json:"version" yaml:"version" toml:"version"`

	// Dependencies lists the modules this one requires, in declaration
	// order.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`

	// Capabilities are string tags the module provides, e.g. "metrics" or
	// "primary-scheduler". Conflict rules are enforced by a
	// CapabilityConflictPolicy at registration time.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`

	// EntryPoint is the opaque reference the host resolves to a
	// ModuleFactory.
	EntryPoint string `json:"entry_point" yaml:"entry_point" toml:"entry_point"`

	// HotReloadable permits HotReload for this module. Defaults to false.
	HotReloadable bool `json:"hot_reloadable,omitempty" yaml:"hot_reloadable,omitempty" toml:"hot_reloadable,omitempty"`

	// semver is the parsed Version, cached at parse time.
	semver *semver.Version
}

// ParseManifest decodes and validates a raw manifest document. It fails
// with a *ManifestInvalidError (wrapping ErrManifestInvalid) on any
// structural or semantic problem.
func ParseManifest(raw []byte, format ManifestFormat) (*ModuleManifest, error) {
	var m ModuleManifest
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(raw, &m)
	case FormatTOML:
		err = toml.Unmarshal(raw, &m)
	case FormatYAML, "":
		err = yaml.Unmarshal(raw, &m)
	default:
		return nil, &ManifestInvalidError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	if err != nil {
		return nil, &ManifestInvalidError{Reason: fmt.Sprintf("decode failed: %v", err)}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields, semantic version syntax, and the
// dependency list. It is called by ParseManifest and by the registry for
// manifests constructed in code.
func (m *ModuleManifest) Validate() error {
	if m.Name == "" {
		return &ManifestInvalidError{Reason: "name is required"}
	}
	if m.Version == "" {
		return &ManifestInvalidError{Name: m.Name, Reason: "version is required"}
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return &ManifestInvalidError{Name: m.Name, Reason: fmt.Sprintf("version %q is not a semantic version: %v", m.Version, err)}
	}
	m.semver = v
	if m.EntryPoint == "" {
		return &ManifestInvalidError{Name: m.Name, Reason: "entry_point is required"}
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if dep.Name == "" {
			return &ManifestInvalidError{Name: m.Name, Reason: "dependency name cannot be empty"}
		}
		if dep.Name == m.Name {
			return &ManifestInvalidError{Name: m.Name, Reason: "module cannot depend on itself"}
		}
		if seen[dep.Name] {
			return &ManifestInvalidError{Name: m.Name, Reason: fmt.Sprintf("duplicate dependency %q", dep.Name)}
		}
		seen[dep.Name] = true
		if dep.Constraint != "" {
			if _, err := semver.NewConstraint(dep.Constraint); err != nil {
				return &ManifestInvalidError{Name: m.Name, Reason: fmt.Sprintf("dependency %q has invalid version constraint %q: %v", dep.Name, dep.Constraint, err)}
			}
		}
	}
	for _, cap := range m.Capabilities {
		if cap == "" {
			return &ManifestInvalidError{Name: m.Name, Reason: "capability tags cannot be empty"}
		}
	}
	return nil
}

// SemVer returns the parsed semantic version, parsing lazily for
// manifests built in code that skipped Validate.
func (m *ModuleManifest) SemVer() (*semver.Version, error) {
	if m.semver != nil {
		return m.semver, nil
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, &ManifestInvalidError{Name: m.Name, Reason: fmt.Sprintf("version %q is not a semantic version: %v", m.Version, err)}
	}
	m.semver = v
	return v, nil
}

// DependencyNames returns the declared dependency names in order.
func (m *ModuleManifest) DependencyNames() []string {
	names := make([]string, len(m.Dependencies))
	for i, dep := range m.Dependencies {
		names[i] = dep.Name
	}
	return names
}
