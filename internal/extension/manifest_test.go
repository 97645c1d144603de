package extension

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name": "csv-import",
		"version": "1.2.0",
		"description": "imports CSV decks",
		"author": "ana",
		"license": "MIT",
		"host_version_range": ">=1.0.0",
		"type": "importer",
		"entry_point": "init.lua",
		"permissions": ["file-read"],
		"dependencies": ["markdown>=1.0.0", "csv-tools?"],
		"settings_schema": {
			"delimiter": {"type": "string", "default": ","}
		}
	}`)

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.Name != "csv-import" {
		t.Errorf("Name = %q, want csv-import", m.Name)
	}
	if m.Type != TypeImporter {
		t.Errorf("Type = %q, want importer", m.Type)
	}
	if m.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", m.Dir(), dir)
	}
	if got := m.EntryPath(); got != filepath.Join(dir, "init.lua") {
		t.Errorf("EntryPath() = %q", got)
	}
	if len(m.ParsedDependencies()) != 2 {
		t.Errorf("ParsedDependencies() = %d, want 2", len(m.ParsedDependencies()))
	}
	if m.DefaultSettings()["delimiter"] != "," {
		t.Errorf("DefaultSettings missing delimiter default")
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	var merr *ManifestError
	if !errors.As(err, &merr) {
		t.Fatalf("error = %T, want *ManifestError", err)
	}
}

func TestManifestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			Name:        "good",
			Version:     "1.0.0",
			Description: "a theme",
			Author:      "someone",
			License:     "MIT",
			HostRange:   ">=1.0.0",
			Type:        TypeTheme,
			EntryPoint:  "init.lua",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name is required"},
		{"uppercase name", func(m *Manifest) { m.Name = "Bad" }, "invalid name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version is required"},
		{"partial version", func(m *Manifest) { m.Version = "1.0" }, "invalid version"},
		{"prerelease version ok", func(m *Manifest) { m.Version = "1.0.0-rc.1" }, ""},
		{"missing description", func(m *Manifest) { m.Description = "" }, "description is required"},
		{"missing author", func(m *Manifest) { m.Author = "" }, "author is required"},
		{"missing license", func(m *Manifest) { m.License = "" }, "license is required"},
		{"unknown type", func(m *Manifest) { m.Type = "gadget" }, "unknown type"},
		{"missing entry point", func(m *Manifest) { m.EntryPoint = "" }, "entry_point is required"},
		{"escaping entry point", func(m *Manifest) { m.EntryPoint = "../../etc/passwd" }, "must stay inside"},
		{"missing host range", func(m *Manifest) { m.HostRange = "" }, "host_version_range is required"},
		{"space-separated host range ok", func(m *Manifest) { m.HostRange = ">=1.0.0 <2.0.0" }, ""},
		{"bad host range", func(m *Manifest) { m.HostRange = "not-a-range!" }, "invalid host_version_range"},
		{"unknown permission", func(m *Manifest) { m.Permissions = append(m.Permissions, "root") }, "unknown permission"},
		{"malformed dependency", func(m *Manifest) { m.Dependencies = []string{">=1.0"} }, "invalid dependencies"},
		{"bad settings type", func(m *Manifest) {
			m.Settings = map[string]SettingsField{"x": {Type: "duration"}}
		}, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDevManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quick-theme.lua")
	content := `-- @type theme
-- @version 0.2.0
-- @permissions file-read, deck-read
-- @description scratch theme

function apply_theme() return {bg = "black"} end
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadDevManifest(path)
	if err != nil {
		t.Fatalf("LoadDevManifest() error = %v", err)
	}
	if m.Name != "quick-theme" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Type != TypeTheme {
		t.Errorf("Type = %q", m.Type)
	}
	if m.Version != "0.2.0" {
		t.Errorf("Version = %q", m.Version)
	}
	if len(m.Permissions) != 2 {
		t.Errorf("Permissions = %v", m.Permissions)
	}
	if m.EntryPath() != path {
		t.Errorf("EntryPath() = %q, want %q", m.EntryPath(), path)
	}
}

func TestLoadDevManifestRequiresType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "untyped.lua")
	if err := os.WriteFile(path, []byte("function f() end\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDevManifest(path); err == nil {
		t.Fatal("expected error for missing @type directive")
	}
}
