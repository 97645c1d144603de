package extension

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/extension/deps"
)

// record is the registry's internal state for one extension. All access
// happens under Registry.mu.
type record struct {
	manifest  *Manifest
	dir       string
	category  Category
	status    Status
	instance  *Host
	settings  map[string]interface{}
	lastError string
	loadedAt  time.Time
}

// clone captures a record for rollback. The instance pointer is shared, not
// duplicated; a reload keeps the old instance alive until the new one is up.
func (r *record) clone() *record {
	cp := *r
	cp.settings = make(map[string]interface{}, len(r.settings))
	for k, v := range r.settings {
		cp.settings[k] = v
	}
	return &cp
}

// View is a read-only snapshot of one registered extension.
type View struct {
	Name        string
	Version     string
	Description string
	Author      string
	Type        Type
	Category    Category
	Status      Status
	Dir         string
	LastError   string
	LoadedAt    time.Time
	Manifest    *Manifest
}

func (r *record) view() View {
	return View{
		Name:        r.manifest.Name,
		Version:     r.manifest.Version,
		Description: r.manifest.Description,
		Author:      r.manifest.Author,
		Type:        r.manifest.Type,
		Category:    r.category,
		Status:      r.status,
		Dir:         r.dir,
		LastError:   r.lastError,
		LoadedAt:    r.loadedAt,
		Manifest:    r.manifest,
	}
}

// Registry tracks every known extension and drives lifecycle transitions.
//
// One mutex serializes all mutations, whether they come from user commands
// or from the hot-swap controller; the two can never interleave on the same
// extension. Loads run while the lock is held, so hook timeouts bound how
// long the registry can stall.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
	loader  *Loader
	logger  *zap.Logger
}

// NewRegistry creates an empty registry using the given loader.
func NewRegistry(loader *Loader, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		records: make(map[string]*record),
		loader:  loader,
		logger:  logger.Named("extension.registry"),
	}
}

// Register adds an extension in the Installed state. Names are unique
// across every category.
func (r *Registry) Register(m *Manifest, category Category, values map[string]interface{}) error {
	if m == nil {
		return ErrNilManifest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[m.Name]; exists {
		return ErrDuplicateName
	}
	if values == nil {
		values = make(map[string]interface{})
	}

	r.records[m.Name] = &record{
		manifest: m,
		dir:      m.Dir(),
		category: category,
		status:   StatusInstalled,
		settings: values,
	}
	r.logger.Info("extension registered",
		zap.String("extension", m.Name),
		zap.String("version", m.Version),
		zap.String("category", string(category)))
	return nil
}

// Enable loads the extension and transitions it to Enabled. Enabling an
// already-Enabled extension is a no-op; enabling from Error retries the
// load. A failed load lands the extension in Error with the cause recorded.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableLocked(name)
}

func (r *Registry) enableLocked(name string) error {
	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}
	if rec.status == StatusEnabled {
		return nil
	}
	if rec.status == StatusError {
		// Retrying compiles whatever is on disk now, not the cached chunk.
		r.loader.Purge(name)
	}

	rec.status = StatusLoading
	host, err := r.loader.Load(rec.manifest, rec.settings)
	if err != nil {
		rec.status = StatusError
		rec.lastError = err.Error()
		r.logger.Error("enable failed", zap.String("extension", name), zap.Error(err))
		return err
	}

	rec.status = StatusEnabled
	rec.instance = host
	rec.loadedAt = host.LoadedAt()
	rec.lastError = ""
	r.logger.Info("extension enabled", zap.String("extension", name))
	return nil
}

// Disable unloads the extension and returns it to Installed. Disabling an
// extension that is not Enabled is a no-op; an Error state is left for
// ClearError.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}
	if rec.status != StatusEnabled {
		return nil
	}

	r.closeInstanceLocked(rec)
	rec.status = StatusInstalled
	r.logger.Info("extension disabled", zap.String("extension", name))
	return nil
}

// ClearError acknowledges a failure and returns the extension to Installed.
// No-op unless the extension is in Error.
func (r *Registry) ClearError(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}
	if rec.status != StatusError {
		return nil
	}

	rec.status = StatusInstalled
	rec.lastError = ""
	return nil
}

// SetError forces the extension into Error, unloading any live instance.
func (r *Registry) SetError(name string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}

	r.closeInstanceLocked(rec)
	rec.status = StatusError
	rec.lastError = cause.Error()
	return nil
}

// Remove unregisters the extension from any state, unloading it first if
// needed, and returns its final view so the caller can clean up on disk.
func (r *Registry) Remove(name string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return View{}, ErrNotFound
	}

	r.closeInstanceLocked(rec)
	v := rec.view()
	delete(r.records, name)
	r.loader.Purge(name)
	r.logger.Info("extension removed", zap.String("extension", name))
	return v, nil
}

// Reload swaps in the code currently on disk. The previous state is held as
// a rollback snapshot: if the fresh manifest fails to parse, or the new
// instance fails to load, the extension keeps running exactly as before and
// a ReloadError is returned. The old instance is only torn down after its
// replacement is fully up.
func (r *Registry) Reload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}
	snapshot := rec.clone()

	r.loader.Purge(name)

	m, err := r.reloadManifestLocked(rec)
	if err != nil {
		*rec = *snapshot
		r.logger.Error("reload failed, manifest rejected",
			zap.String("extension", name), zap.Error(err))
		return &ReloadError{Name: name, Err: err, RolledBack: snapshot.status == StatusEnabled}
	}

	if snapshot.status != StatusEnabled {
		rec.manifest = m
		rec.dir = m.Dir()
		if snapshot.status == StatusError {
			// Fresh code replaces whatever failed before.
			rec.status = StatusInstalled
			rec.lastError = ""
		}
		r.logger.Info("extension manifest refreshed", zap.String("extension", name))
		return nil
	}

	host, err := r.loader.Load(m, rec.settings)
	if err != nil {
		*rec = *snapshot
		r.logger.Error("reload failed, previous instance kept",
			zap.String("extension", name), zap.Error(err))
		return &ReloadError{Name: name, Err: err, RolledBack: true}
	}

	old := rec.instance
	rec.manifest = m
	rec.dir = m.Dir()
	rec.instance = host
	rec.status = StatusEnabled
	rec.loadedAt = host.LoadedAt()
	rec.lastError = ""
	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Warn("closing replaced instance",
				zap.String("extension", name), zap.Error(err))
		}
	}
	r.logger.Info("extension reloaded", zap.String("extension", name))
	return nil
}

// reloadManifestLocked re-reads the manifest from disk. Development
// single-file extensions re-read their header directives instead.
func (r *Registry) reloadManifestLocked(rec *record) (*Manifest, error) {
	if rec.category == CategoryDevelopment {
		if _, err := os.Stat(filepath.Join(rec.dir, ManifestFileName)); err != nil {
			return LoadDevManifest(rec.manifest.EntryPath())
		}
	}
	return LoadManifest(rec.dir)
}

// UpdateSettings stores new settings values and, when the extension is
// running, notifies the instance.
func (r *Registry) UpdateSettings(name string, values map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return ErrNotFound
	}
	rec.settings = values
	if rec.status == StatusEnabled && rec.instance != nil {
		rec.instance.NotifySettingsChanged(values)
	}
	return nil
}

// Get returns the view of one extension.
func (r *Registry) Get(name string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return View{}, false
	}
	return rec.view(), true
}

// Instance returns the live instance of an Enabled extension.
func (r *Registry) Instance(name string) (*Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.status != StatusEnabled || rec.instance == nil {
		return nil, ErrNotEnabled
	}
	return rec.instance, nil
}

// List returns views of all extensions, optionally filtered by status,
// sorted by name.
func (r *Registry) List(filter *Status) []View {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]View, 0, len(r.records))
	for _, rec := range r.records {
		if filter != nil && rec.status != *filter {
			continue
		}
		views = append(views, rec.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Count returns the number of registered extensions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Requirements returns every dependency claim across registered extensions,
// the input conflict detection runs against.
func (r *Registry) Requirements() []deps.Requirement {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reqs []deps.Requirement
	for name, rec := range r.records {
		for _, d := range rec.manifest.ParsedDependencies() {
			reqs = append(reqs, deps.Requirement{Extension: name, Dependency: d})
		}
	}
	return reqs
}

// Versions returns the installed version per extension name.
func (r *Registry) Versions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := make(map[string]string, len(r.records))
	for name, rec := range r.records {
		versions[name] = rec.manifest.Version
	}
	return versions
}

// closeInstanceLocked unloads a live instance, if any. Callers hold r.mu.
func (r *Registry) closeInstanceLocked(rec *record) {
	if rec.instance == nil {
		return
	}
	if err := rec.instance.Close(); err != nil {
		r.logger.Warn("closing instance",
			zap.String("extension", rec.manifest.Name), zap.Error(err))
	}
	rec.instance = nil
	rec.loadedAt = time.Time{}
	r.loader.Purge(rec.manifest.Name)
}
