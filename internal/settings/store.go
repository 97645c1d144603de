// Package settings persists per-extension settings values.
//
// All values live in one JSON file mapping extension name to its settings
// object. The file is read once at startup and rewritten atomically after
// every change.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store owns the settings file.
type Store struct {
	mu   sync.Mutex
	path string
	raw  []byte // Current file contents; always valid JSON
}

// Open loads (or initializes) the settings file at path.
func Open(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		raw = []byte("{}")
	} else if err != nil {
		return nil, fmt.Errorf("reading settings store: %w", err)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("settings store %s is not valid JSON", path)
	}
	return &Store{path: path, raw: raw}, nil
}

// Get returns the stored values for an extension, or an empty map.
func (s *Store) Get(name string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]interface{})
	res := gjson.GetBytes(s.raw, escapeKey(name))
	if !res.IsObject() {
		return values
	}
	if err := json.Unmarshal([]byte(res.Raw), &values); err != nil {
		return map[string]interface{}{}
	}
	return values
}

// GetValue returns one setting for an extension.
func (s *Store) GetValue(name, key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := gjson.GetBytes(s.raw, escapeKey(name)+"."+escapeKey(key))
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Set replaces an extension's settings object and rewrites the file.
func (s *Store) Set(name string, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := sjson.SetBytes(s.raw, escapeKey(name), values)
	if err != nil {
		return fmt.Errorf("updating settings for %q: %w", name, err)
	}
	return s.commit(raw)
}

// SetValue patches a single setting and rewrites the file.
func (s *Store) SetValue(name, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := sjson.SetBytes(s.raw, escapeKey(name)+"."+escapeKey(key), value)
	if err != nil {
		return fmt.Errorf("updating setting %q of %q: %w", key, name, err)
	}
	return s.commit(raw)
}

// Delete drops an extension's settings entirely (uninstall path).
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := sjson.DeleteBytes(s.raw, escapeKey(name))
	if err != nil {
		return fmt.Errorf("deleting settings for %q: %w", name, err)
	}
	return s.commit(raw)
}

// Names lists every extension with stored settings.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	gjson.ParseBytes(s.raw).ForEach(func(key, _ gjson.Result) bool {
		names = append(names, key.String())
		return true
	})
	return names
}

// commit writes the new contents via temp file + rename so a crash never
// leaves a torn settings file. Callers hold s.mu.
func (s *Store) commit(raw []byte) error {
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// escapeKey escapes gjson path syntax in extension names and keys.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
