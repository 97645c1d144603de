package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	return s
}

func TestStoreSetGet(t *testing.T) {
	s := openTestStore(t)

	values := map[string]interface{}{"delimiter": ",", "skip_header": true}
	require.NoError(t, s.Set("csv-import", values))

	got := s.Get("csv-import")
	assert.Equal(t, ",", got["delimiter"])
	assert.Equal(t, true, got["skip_header"])

	assert.Empty(t, s.Get("unknown"))
}

func TestStoreSetValuePatches(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("dark-theme", map[string]interface{}{"accent": "blue"}))
	require.NoError(t, s.SetValue("dark-theme", "accent", "green"))

	v, ok := s.GetValue("dark-theme", "accent")
	require.True(t, ok)
	assert.Equal(t, "green", v)

	_, ok = s.GetValue("dark-theme", "missing")
	assert.False(t, ok)
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("csv-import", map[string]interface{}{"delimiter": ";"}))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, ";", reopened.Get("csv-import")["delimiter"])
	assert.Equal(t, []string{"csv-import"}, reopened.Names())
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("gone", map[string]interface{}{"a": 1}))
	require.NoError(t, s.Delete("gone"))
	assert.Empty(t, s.Get("gone"))
	assert.Empty(t, s.Names())
}

func TestStoreNameWithDots(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("org.example.ext", map[string]interface{}{"on": true}))
	v, ok := s.GetValue("org.example.ext", "on")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	schema := map[string]Field{
		"delimiter":   {Type: "string", Default: ","},
		"skip_header": {Type: "boolean", Default: false},
		"batch_size":  {Type: "number", Default: 100},
	}

	assert.NoError(t, Validate("csv-import", schema, map[string]interface{}{
		"delimiter":  ";",
		"batch_size": 50,
	}))

	err := Validate("csv-import", schema, map[string]interface{}{
		"delimiter": 42,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "csv-import", verr.Extension)

	// Unknown keys are rejected.
	assert.Error(t, Validate("csv-import", schema, map[string]interface{}{
		"unknown_knob": true,
	}))
}

func TestValidateNoSchema(t *testing.T) {
	assert.NoError(t, Validate("bare", nil, nil))
	assert.Error(t, Validate("bare", nil, map[string]interface{}{"x": 1}))
}

func TestDefaults(t *testing.T) {
	schema := map[string]Field{
		"delimiter": {Type: "string", Default: ","},
		"comment":   {Type: "string"},
	}
	assert.Equal(t, map[string]interface{}{"delimiter": ","}, Defaults(schema))
}
