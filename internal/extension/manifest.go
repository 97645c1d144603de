package extension

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver"

	"github.com/recallkit/recallkit/internal/extension/deps"
	luart "github.com/recallkit/recallkit/internal/extension/lua"
	"github.com/recallkit/recallkit/internal/settings"
)

// ManifestFileName is the manifest file every extension directory carries.
const ManifestFileName = "extension.json"

var (
	namePattern    = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// validPermissions is the closed set a manifest may request.
var validPermissions = map[luart.Permission]bool{
	luart.PermFileRead:    true,
	luart.PermFileWrite:   true,
	luart.PermDeckRead:    true,
	luart.PermDeckWrite:   true,
	luart.PermUserData:    true,
	luart.PermNetwork:     true,
	luart.PermSystem:      true,
	luart.PermConfigRead:  true,
	luart.PermConfigWrite: true,
}

// SettingsField is one entry of a manifest settings schema.
type SettingsField struct {
	Type        string      `json:"type"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

var validFieldTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "array": true, "object": true,
}

// Manifest describes an extension: identity, capability type, entry point,
// requested permissions, dependencies, and settings schema.
type Manifest struct {
	Name         string                   `json:"name"`
	Version      string                   `json:"version"`
	Description  string                   `json:"description"`
	Author       string                   `json:"author"`
	License      string                   `json:"license"`
	HostRange    string                   `json:"host_version_range"`
	Type         Type                     `json:"type"`
	EntryPoint   string                   `json:"entry_point"`
	LuaVersion   string                   `json:"lua_version,omitempty"`
	Permissions  []luart.Permission       `json:"permissions,omitempty"`
	Dependencies []string                 `json:"dependencies,omitempty"`
	Settings     map[string]SettingsField `json:"settings_schema,omitempty"`
	Tags         []string                 `json:"tags,omitempty"`

	dir string
}

// LoadManifest reads and validates the manifest in an extension directory.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	return &m, nil
}

// Validate checks every declared field. A manifest that validates once
// validates always; validation touches no I/O.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("invalid name %q: must start with a letter, lowercase letters, digits and '-' only", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if !versionPattern.MatchString(m.Version) {
		return fmt.Errorf("invalid version %q: must be semantic (MAJOR.MINOR.PATCH)", m.Version)
	}
	if m.Description == "" {
		return fmt.Errorf("description is required")
	}
	if m.Author == "" {
		return fmt.Errorf("author is required")
	}
	if m.License == "" {
		return fmt.Errorf("license is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown type %q", m.Type)
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("entry_point is required")
	}
	if filepath.IsAbs(m.EntryPoint) || strings.Contains(m.EntryPoint, "..") {
		return fmt.Errorf("entry_point %q must stay inside the extension directory", m.EntryPoint)
	}
	if m.HostRange == "" {
		return fmt.Errorf("host_version_range is required")
	}
	if _, err := semver.NewConstraint(deps.NormalizeRange(m.HostRange)); err != nil {
		return fmt.Errorf("invalid host_version_range %q: %w", m.HostRange, err)
	}
	for _, p := range m.Permissions {
		if !validPermissions[p] {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	if _, err := deps.ParseAll(m.Dependencies); err != nil {
		return fmt.Errorf("invalid dependencies: %w", err)
	}
	for key, field := range m.Settings {
		if !validFieldTypes[field.Type] {
			return fmt.Errorf("setting %q: unknown type %q", key, field.Type)
		}
	}
	return nil
}

// Dir returns the extension directory the manifest was loaded from.
func (m *Manifest) Dir() string { return m.dir }

// EntryPath returns the absolute path of the Lua entry point.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, m.EntryPoint)
}

// ParsedDependencies returns the declared dependencies in parsed form.
// Validate has already rejected malformed specs.
func (m *Manifest) ParsedDependencies() []deps.Dependency {
	parsed, err := deps.ParseAll(m.Dependencies)
	if err != nil {
		return nil
	}
	return parsed
}

// CompatInfo returns the slice of the manifest the compatibility check uses.
func (m *Manifest) CompatInfo() deps.CompatInfo {
	return deps.CompatInfo{
		Extension:        m.Name,
		HostVersionRange: m.HostRange,
		LuaVersion:       m.LuaVersion,
	}
}

// SettingsSchema converts the manifest schema for the settings validator.
func (m *Manifest) SettingsSchema() map[string]settings.Field {
	schema := make(map[string]settings.Field, len(m.Settings))
	for key, field := range m.Settings {
		schema[key] = settings.Field{
			Type:        field.Type,
			Default:     field.Default,
			Description: field.Description,
		}
	}
	return schema
}

// DefaultSettings returns the defaults declared by the settings schema.
func (m *Manifest) DefaultSettings() map[string]interface{} {
	return settings.Defaults(m.SettingsSchema())
}

// devDirective matches header directives in single-file extensions, e.g.
//
//	-- @type importer
//	-- @version 0.1.0
//	-- @permissions file-read, deck-write
var devDirective = regexp.MustCompile(`^--\s*@(\w+)\s+(.+?)\s*$`)

// LoadDevManifest builds a manifest for a bare .lua file dropped into the
// development category. Identity comes from the filename; the capability
// type and any extras come from "-- @key value" directives at the top of
// the file.
func LoadDevManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	defer f.Close()

	m := &Manifest{
		Name:        strings.TrimSuffix(filepath.Base(path), ".lua"),
		Version:     "0.0.0",
		Description: "development extension",
		Author:      "local",
		License:     "UNLICENSED",
		EntryPoint:  filepath.Base(path),
		HostRange:   "*",
		dir:         filepath.Dir(path),
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		dm := devDirective.FindStringSubmatch(line)
		if dm == nil {
			break // Directives only at the top of the file
		}
		switch dm[1] {
		case "type":
			m.Type = Type(dm[2])
		case "version":
			m.Version = dm[2]
		case "permissions":
			for _, p := range strings.Split(dm[2], ",") {
				m.Permissions = append(m.Permissions, luart.Permission(strings.TrimSpace(p)))
			}
		case "description":
			m.Description = dm[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}

	if m.Type == "" {
		return nil, &ManifestError{Path: path,
			Err: fmt.Errorf("missing '-- @type <capability>' directive")}
	}
	if err := m.Validate(); err != nil {
		return nil, &ManifestError{Path: path, Err: err}
	}
	return m, nil
}
