// Package extension is the RecallKit extension runtime: manifest loading,
// security scanning, sandboxed Lua execution, lifecycle management,
// dependency resolution, and marketplace integration.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/config"
	"github.com/recallkit/recallkit/internal/extension/deps"
	"github.com/recallkit/recallkit/internal/extension/security"
	"github.com/recallkit/recallkit/internal/marketplace"
	"github.com/recallkit/recallkit/internal/settings"
)

// SettingsFileName is the settings store under the extensions root.
const SettingsFileName = "settings.json"

// Manager is the facade over the extension runtime. All lifecycle
// operations, whether driven by the CLI or the hot-swap controller, go
// through it.
type Manager struct {
	root        string
	hostVersion string
	strategy    deps.Strategy

	registry      *Registry
	loader        *Loader
	store         *settings.Store
	market        marketplace.Client
	installer     *deps.Installer
	scanner       *security.Scanner // advisory
	strictScanner *security.Scanner
	strictAll     bool
	strictMarket  bool

	libMu           sync.Mutex
	libVersions     map[string]string // installed shared libraries
	libVersionsPath string

	events *events
	logger *zap.Logger
}

// ErrNoMarketplace is returned by marketplace operations when no client is
// configured.
var ErrNoMarketplace = errors.New("no marketplace configured")

// noFetcher stands in when no marketplace client is available.
type noFetcher struct{}

func (noFetcher) FetchLibrary(context.Context, string, string, string) error {
	return ErrNoMarketplace
}

// NewManager wires the runtime from configuration. market may be nil for
// offline use; marketplace operations then fail with ErrNoMarketplace.
func NewManager(cfg *config.Config, market marketplace.Client, services Services, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	root := cfg.Extensions.Root
	for _, cat := range Categories() {
		if err := os.MkdirAll(filepath.Join(root, string(cat)), 0o755); err != nil {
			return nil, fmt.Errorf("creating extensions root: %w", err)
		}
	}
	libDir := filepath.Join(root, LibDirName)
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating library directory: %w", err)
	}

	store, err := settings.Open(filepath.Join(root, SettingsFileName))
	if err != nil {
		return nil, err
	}

	strategy, err := deps.ParseStrategy(cfg.Dependencies.Strategy)
	if err != nil {
		return nil, err
	}

	loader, err := NewLoader(cfg.Extensions.ChunkCacheSize, cfg.HookTimeout(),
		config.HostVersion, services, logger)
	if err != nil {
		return nil, err
	}

	var fetcher deps.LibraryFetcher = noFetcher{}
	if market != nil {
		fetcher = market
	}

	libVersionsPath := filepath.Join(libDir, LibVersionsFileName)
	m := &Manager{
		root:            root,
		hostVersion:     config.HostVersion,
		strategy:        strategy,
		registry:        NewRegistry(loader, logger),
		loader:          loader,
		store:           store,
		market:          market,
		installer:       deps.NewInstaller(fetcher, libDir, cfg.Dependencies.AutoInstallOptional, logger),
		scanner:         security.NewScanner(false, logger),
		strictScanner:   security.NewScanner(true, logger),
		strictAll:       cfg.Security.Strict,
		strictMarket:    cfg.Security.StrictMarketplace,
		libVersions:     loadLibVersions(libVersionsPath),
		libVersionsPath: libVersionsPath,
		events:          newEvents(),
		logger:          logger.Named("extension.manager"),
	}
	return m, nil
}

// LibVersionsFileName records installed shared-library versions under lib/,
// so conflict resolution survives restarts.
const LibVersionsFileName = "versions.json"

// loadLibVersions reads the library version record. A missing or unreadable
// file yields an empty map; libraries then re-resolve on next use.
func loadLibVersions(path string) map[string]string {
	versions := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return versions
	}
	if err := json.Unmarshal(data, &versions); err != nil {
		return make(map[string]string)
	}
	return versions
}

// Subscribe registers a lifecycle event handler. The returned function
// cancels the subscription.
func (m *Manager) Subscribe(handler func(Event)) func() {
	return m.events.subscribe(handler)
}

// Root returns the extensions root directory.
func (m *Manager) Root() string { return m.root }

// Registry exposes read access for callers that hold instances directly.
func (m *Manager) Registry() *Registry { return m.registry }

// scannerFor picks the scanner by trust tier. Community installs scan
// strictly by default; everything scans strictly when strict mode is on.
func (m *Manager) scannerFor(category Category) *security.Scanner {
	if m.strictAll {
		return m.strictScanner
	}
	if m.strictMarket && category == CategoryCommunity {
		return m.strictScanner
	}
	return m.scanner
}

// Discover scans the extensions root and registers everything found that is
// not yet known. Broken manifests and duplicate names are reported in the
// results, never aborting the scan.
func (m *Manager) Discover() ([]Discovered, error) {
	found, err := Discover(m.root)
	if err != nil {
		return nil, err
	}

	for i := range found {
		d := &found[i]
		if d.Err != nil || d.Manifest == nil {
			continue
		}
		if _, known := m.registry.Get(d.Manifest.Name); known {
			continue
		}
		values := m.effectiveSettings(d.Manifest)
		if err := m.registry.Register(d.Manifest, d.Category, values); err != nil {
			d.Err = err
		}
	}
	return found, nil
}

// List returns registered extensions, optionally filtered by status.
func (m *Manager) List(filter *Status) []View {
	return m.registry.List(filter)
}

// Get returns the view of one extension.
func (m *Manager) Get(name string) (View, bool) {
	return m.registry.Get(name)
}

// Instance returns the live instance of an Enabled extension.
func (m *Manager) Instance(name string) (*Host, error) {
	return m.registry.Instance(name)
}

// Enable scans the extension's source and loads it. Scan warnings are
// returned even on success; in strict mode any warning blocks the load and
// the extension lands in Error.
func (m *Manager) Enable(name string) ([]security.Warning, error) {
	view, ok := m.registry.Get(name)
	if !ok {
		return nil, ErrNotFound
	}
	if view.Status == StatusEnabled {
		return nil, nil
	}

	warnings, err := m.scannerFor(view.Category).Scan(name, view.Dir)
	if err != nil {
		m.registry.SetError(name, err)
		m.events.emit(EventFailed, name, err)
		return warnings, err
	}

	if err := m.checkExtensionDeps(view.Manifest); err != nil {
		m.registry.SetError(name, err)
		m.events.emit(EventFailed, name, err)
		return warnings, err
	}

	if err := m.registry.Enable(name); err != nil {
		m.events.emit(EventFailed, name, err)
		return warnings, err
	}
	m.events.emit(EventEnabled, name, nil)
	return warnings, nil
}

// checkExtensionDeps verifies extension-kind dependencies are registered at
// satisfying versions. Optional ones may be absent.
func (m *Manager) checkExtensionDeps(manifest *Manifest) error {
	for _, d := range manifest.ParsedDependencies() {
		if d.Kind != deps.KindExtension {
			continue
		}
		dep, ok := m.registry.Get(d.Name)
		if !ok {
			if d.Optional {
				continue
			}
			return fmt.Errorf("requires extension %q, which is not installed", d.Name)
		}
		if !d.Satisfies(dep.Version) {
			return fmt.Errorf("requires extension %s, installed version is %s",
				d.String(), dep.Version)
		}
	}
	return nil
}

// Disable unloads a running extension. No-op when not Enabled.
func (m *Manager) Disable(name string) error {
	if err := m.registry.Disable(name); err != nil {
		return err
	}
	m.events.emit(EventDisabled, name, nil)
	return nil
}

// ClearError acknowledges a failure and returns the extension to Installed.
func (m *Manager) ClearError(name string) error {
	return m.registry.ClearError(name)
}

// Reload swaps in the extension's current on-disk code, rolling back to the
// running instance on failure. The hot-swap controller calls this.
func (m *Manager) Reload(name string) error {
	if err := m.registry.Reload(name); err != nil {
		m.events.emit(EventFailed, name, err)
		return err
	}
	m.events.emit(EventReloaded, name, nil)
	return nil
}

// InstallReport is the outcome of an installation attempt.
type InstallReport struct {
	ID             string
	Name           string
	Version        string
	Category       Category
	Warnings       []security.Warning
	CompatWarnings []string
	// Conflicts is non-empty when resolution needs a user decision; the
	// extension was not installed. Re-run with an explicit strategy.
	Conflicts []deps.Conflict
	Deps      *deps.InstallResult
	Installed bool
}

// Install validates, scans, resolves dependencies for, and registers the
// extension found in srcDir, copying it under the category directory. An
// empty strategy uses the configured default; under user-choice an
// unresolved conflict returns the report with Conflicts set and installs
// nothing.
func (m *Manager) Install(ctx context.Context, srcDir string, category Category, strategy deps.Strategy) (*InstallReport, error) {
	if strategy == "" {
		strategy = m.strategy
	}

	report := &InstallReport{ID: uuid.NewString(), Category: category}

	manifest, err := LoadManifest(srcDir)
	if err != nil {
		return report, err
	}
	report.Name = manifest.Name
	report.Version = manifest.Version

	if _, exists := m.registry.Get(manifest.Name); exists {
		return report, fmt.Errorf("%w: %q", ErrDuplicateName, manifest.Name)
	}

	compatWarnings, err := deps.CheckCompatibility(m.hostVersion, manifest.CompatInfo())
	if err != nil {
		return report, err
	}
	report.CompatWarnings = compatWarnings

	report.Warnings, err = m.scannerFor(category).Scan(manifest.Name, srcDir)
	if err != nil {
		return report, err
	}

	toInstall, conflicts, err := m.resolveDependencies(manifest, strategy)
	if err != nil {
		report.Conflicts = conflicts
		return report, err
	}
	if len(conflicts) > 0 {
		// User-choice: surface and stop.
		report.Conflicts = conflicts
		return report, nil
	}

	if err := m.checkExtensionDeps(manifest); err != nil {
		return report, err
	}

	// Blocking I/O; no registry lock is held here.
	report.Deps = m.installer.InstallAll(ctx, toInstall)
	if err := report.Deps.Err(); err != nil {
		return report, err
	}
	m.recordLibVersions(toInstall, report.Deps)

	dstDir, err := m.placeExtension(srcDir, manifest.Name, category)
	if err != nil {
		return report, err
	}

	placed, err := LoadManifest(dstDir)
	if err != nil {
		return report, err
	}

	values := m.effectiveSettings(placed)
	if err := m.store.Set(placed.Name, values); err != nil {
		return report, err
	}

	if err := m.registry.Register(placed, category, values); err != nil {
		return report, err
	}

	report.Installed = true
	m.events.emit(EventInstalled, placed.Name, nil)
	m.logger.Info("extension installed",
		zap.String("install_id", report.ID),
		zap.String("extension", placed.Name),
		zap.String("version", placed.Version),
		zap.String("category", string(category)))
	return report, nil
}

// resolveDependencies detects conflicts against the registered population
// and applies the strategy. It returns the (possibly adjusted) dependencies
// to install, plus unresolved conflicts under user-choice.
func (m *Manager) resolveDependencies(manifest *Manifest, strategy deps.Strategy) ([]deps.Dependency, []deps.Conflict, error) {
	parsed := manifest.ParsedDependencies()

	m.libMu.Lock()
	installed := make(map[string]string, len(m.libVersions))
	for k, v := range m.libVersions {
		installed[k] = v
	}
	m.libMu.Unlock()

	conflicts := deps.DetectConflicts(manifest.Name, parsed, m.registry.Requirements(), installed)
	if len(conflicts) == 0 {
		return parsed, nil, nil
	}

	var unresolved []deps.Conflict
	skip := make(map[string]bool)
	pinned := make(map[string]string)

	for _, c := range conflicts {
		res, err := c.Apply(strategy)
		if err != nil {
			return nil, conflicts, err
		}
		if res.NeedsUserChoice {
			unresolved = append(unresolved, c)
			continue
		}
		if res.Strategy == deps.StrategySkip {
			skip[c.Package] = true
			continue
		}
		pinned[c.Package] = res.Version
	}
	if len(unresolved) > 0 {
		return nil, unresolved, nil
	}

	adjusted := make([]deps.Dependency, 0, len(parsed))
	for _, d := range parsed {
		if skip[d.Name] && installed[d.Name] != "" {
			continue // Installed version stays
		}
		if v, ok := pinned[d.Name]; ok && v != "" {
			d.Operator = "="
			d.Version = v
		}
		adjusted = append(adjusted, d)
	}
	return adjusted, nil, nil
}

func (m *Manager) recordLibVersions(requested []deps.Dependency, result *deps.InstallResult) {
	byName := make(map[string]deps.Dependency, len(requested))
	for _, d := range requested {
		byName[d.Name] = d
	}

	m.libMu.Lock()
	defer m.libMu.Unlock()
	for _, name := range result.Installed {
		if d, ok := byName[name]; ok && d.Version != "" {
			m.libVersions[name] = d.Version
		}
	}

	data, err := json.MarshalIndent(m.libVersions, "", "  ")
	if err == nil {
		err = os.WriteFile(m.libVersionsPath, data, 0o644)
	}
	if err != nil {
		m.logger.Warn("recording library versions", zap.Error(err))
	}
}

// placeExtension copies the source directory under the category directory,
// unless it already lives there.
func (m *Manager) placeExtension(srcDir, name string, category Category) (string, error) {
	dstDir := filepath.Join(m.root, string(category), name)

	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return "", err
	}
	absDst, err := filepath.Abs(dstDir)
	if err != nil {
		return "", err
	}
	if absSrc == absDst {
		return dstDir, nil
	}

	if err := copyDir(absSrc, absDst); err != nil {
		return "", fmt.Errorf("placing extension %q: %w", name, err)
	}
	return dstDir, nil
}

// InstallDevFile registers a bare .lua file from the development category.
// Identity and capability come from its header directives; no copying, no
// dependency resolution, no marketplace.
func (m *Manager) InstallDevFile(path string) error {
	manifest, err := LoadDevManifest(path)
	if err != nil {
		return err
	}
	if _, exists := m.registry.Get(manifest.Name); exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, manifest.Name)
	}
	if err := m.registry.Register(manifest, CategoryDevelopment, m.effectiveSettings(manifest)); err != nil {
		return err
	}
	m.events.emit(EventInstalled, manifest.Name, nil)
	return nil
}

// Uninstall unloads the extension, removes its registration, its files, and
// its stored settings. Works from any state.
func (m *Manager) Uninstall(name string) error {
	view, err := m.registry.Remove(name)
	if err != nil {
		return err
	}

	devDir := filepath.Join(m.root, string(CategoryDevelopment))
	if view.Category == CategoryDevelopment && view.Dir == devDir {
		// Single-file development extension; the directory is shared.
		if err := os.Remove(view.Manifest.EntryPath()); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing extension file", zap.String("extension", name), zap.Error(err))
		}
	} else if err := os.RemoveAll(view.Dir); err != nil {
		m.logger.Warn("removing extension directory", zap.String("extension", name), zap.Error(err))
	}

	if err := m.store.Delete(name); err != nil {
		m.logger.Warn("removing extension settings", zap.String("extension", name), zap.Error(err))
	}

	m.events.emit(EventUninstalled, name, nil)
	return nil
}

// Info is the detailed view of one extension.
type Info struct {
	View
	Permissions  []string
	Dependencies []deps.Dependency
	Settings     map[string]interface{}
}

// GetInfo returns everything known about an extension.
func (m *Manager) GetInfo(name string) (*Info, error) {
	view, ok := m.registry.Get(name)
	if !ok {
		return nil, ErrNotFound
	}

	perms := make([]string, 0, len(view.Manifest.Permissions))
	for _, p := range view.Manifest.Permissions {
		perms = append(perms, string(p))
	}

	return &Info{
		View:         view,
		Permissions:  perms,
		Dependencies: view.Manifest.ParsedDependencies(),
		Settings:     m.effectiveSettings(view.Manifest),
	}, nil
}

// UpdateSettings validates a settings patch against the extension's schema,
// merges it over the stored values, persists, and notifies a running
// instance.
func (m *Manager) UpdateSettings(name string, patch map[string]interface{}) error {
	view, ok := m.registry.Get(name)
	if !ok {
		return ErrNotFound
	}

	merged := m.effectiveSettings(view.Manifest)
	for k, v := range patch {
		merged[k] = v
	}
	if err := settings.Validate(name, view.Manifest.SettingsSchema(), merged); err != nil {
		return err
	}
	if err := m.store.Set(name, merged); err != nil {
		return err
	}
	return m.registry.UpdateSettings(name, merged)
}

// Search queries the marketplace.
func (m *Manager) Search(ctx context.Context, q marketplace.Query) ([]marketplace.Listing, error) {
	if m.market == nil {
		return nil, ErrNoMarketplace
	}
	return m.market.Search(ctx, q)
}

// InstallFromMarketplace downloads an extension bundle and installs it into
// the community category, under strict scanning when configured.
func (m *Manager) InstallFromMarketplace(ctx context.Context, name, version string) (*InstallReport, error) {
	if m.market == nil {
		return nil, ErrNoMarketplace
	}

	tmp, err := os.MkdirTemp("", "recallkit-install-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	if err := m.market.Download(ctx, name, version, tmp); err != nil {
		return nil, err
	}
	return m.Install(ctx, tmp, CategoryCommunity, "")
}

// UpdateInfo names an extension with a newer marketplace version.
type UpdateInfo struct {
	Name      string
	Installed string
	Latest    string
}

// CheckForUpdates compares registered versions against the marketplace.
func (m *Manager) CheckForUpdates(ctx context.Context) ([]UpdateInfo, error) {
	if m.market == nil {
		return nil, ErrNoMarketplace
	}

	versions := m.registry.Versions()
	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil
	}

	latest, err := m.market.LatestVersions(ctx, names)
	if err != nil {
		return nil, err
	}

	var updates []UpdateInfo
	for name, installed := range versions {
		newest, ok := latest[name]
		if !ok {
			continue
		}
		iv, err1 := semver.NewVersion(installed)
		nv, err2 := semver.NewVersion(newest)
		if err1 != nil || err2 != nil {
			continue
		}
		if nv.GreaterThan(iv) {
			updates = append(updates, UpdateInfo{Name: name, Installed: installed, Latest: newest})
		}
	}
	return updates, nil
}

// Update replaces an installed extension with a marketplace version,
// preserving its settings. The extension is re-enabled afterwards if it was
// running. If the replacement fails to install for any reason, the previous
// installation is restored, files, registration, and running state included.
func (m *Manager) Update(ctx context.Context, name, version string) (*InstallReport, error) {
	if m.market == nil {
		return nil, ErrNoMarketplace
	}

	view, ok := m.registry.Get(name)
	if !ok {
		return nil, ErrNotFound
	}
	if view.Category == CategoryDevelopment {
		return nil, fmt.Errorf("development extension %q is not managed by the marketplace", name)
	}
	wasEnabled := view.Status == StatusEnabled
	saved := m.store.Get(name)

	tmp, err := os.MkdirTemp("", "recallkit-update-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	if err := m.market.Download(ctx, name, version, tmp); err != nil {
		return nil, err
	}
	fresh, err := LoadManifest(tmp)
	if err != nil {
		return nil, err
	}
	if fresh.Name != name {
		return nil, fmt.Errorf("marketplace returned %q, requested %q", fresh.Name, name)
	}

	// Stash the working installation inside the extensions root (same
	// filesystem, outside the watched category directories). It comes back
	// if anything below fails.
	stashDir := filepath.Join(m.root, ".previous-"+name)
	if err := os.RemoveAll(stashDir); err != nil {
		return nil, fmt.Errorf("clearing update stash: %w", err)
	}

	if _, err := m.registry.Remove(name); err != nil {
		return nil, err
	}
	if err := os.Rename(view.Dir, stashDir); err != nil {
		m.restorePrevious(view, wasEnabled, "")
		return nil, fmt.Errorf("stashing previous version: %w", err)
	}
	defer os.RemoveAll(stashDir)

	report, err := m.Install(ctx, tmp, view.Category, "")
	if err != nil || !report.Installed {
		m.restorePrevious(view, wasEnabled, stashDir)
		return report, err
	}

	// Carry forward the user's settings over the new defaults.
	merged := m.effectiveSettings(fresh)
	for k, v := range saved {
		merged[k] = v
	}
	if err := m.store.Set(name, merged); err != nil {
		return report, err
	}
	if err := m.registry.UpdateSettings(name, merged); err != nil {
		return report, err
	}

	if wasEnabled {
		if _, err := m.Enable(name); err != nil {
			return report, err
		}
	}
	m.events.emit(EventUpdated, name, nil)
	return report, nil
}

// restorePrevious re-registers a stashed installation after a failed update.
// An empty stashDir means the files never left view.Dir. Settings were never
// deleted from the store, so re-registration picks them up again.
func (m *Manager) restorePrevious(view View, wasEnabled bool, stashDir string) {
	if stashDir != "" {
		if err := os.RemoveAll(view.Dir); err != nil {
			m.logger.Error("clearing failed update",
				zap.String("extension", view.Name), zap.Error(err))
		}
		if err := os.Rename(stashDir, view.Dir); err != nil {
			m.logger.Error("restoring previous version",
				zap.String("extension", view.Name), zap.Error(err))
			return
		}
	}
	if err := m.registry.Register(view.Manifest, view.Category, m.effectiveSettings(view.Manifest)); err != nil {
		m.logger.Error("re-registering previous version",
			zap.String("extension", view.Name), zap.Error(err))
		return
	}
	if wasEnabled {
		if _, err := m.Enable(view.Name); err != nil {
			m.logger.Warn("re-enabling previous version",
				zap.String("extension", view.Name), zap.Error(err))
		}
	}
}

// Close disables every running extension.
func (m *Manager) Close() error {
	enabled := StatusEnabled
	for _, view := range m.registry.List(&enabled) {
		if err := m.registry.Disable(view.Name); err != nil {
			m.logger.Warn("disabling on shutdown",
				zap.String("extension", view.Name), zap.Error(err))
		}
	}
	return nil
}

// effectiveSettings layers stored values over the manifest defaults.
func (m *Manager) effectiveSettings(manifest *Manifest) map[string]interface{} {
	values := manifest.DefaultSettings()
	for k, v := range m.store.Get(manifest.Name) {
		values[k] = v
	}
	return values
}

// copyDir copies a directory tree.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
