package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/config"
	"github.com/recallkit/recallkit/internal/extension/deps"
	"github.com/recallkit/recallkit/internal/marketplace"
)

// fakeMarket is an in-memory marketplace used by manager tests.
type fakeMarket struct {
	bundles  map[string]map[string]string // name -> relpath -> content
	latest   map[string]string
	libCalls []string // "name@version"
	libErr   error
}

func (f *fakeMarket) Search(ctx context.Context, q marketplace.Query) ([]marketplace.Listing, error) {
	var out []marketplace.Listing
	for name, version := range f.latest {
		out = append(out, marketplace.Listing{Name: name, Version: version})
	}
	return out, nil
}

func (f *fakeMarket) Info(ctx context.Context, name string) (*marketplace.Listing, error) {
	v, ok := f.latest[name]
	if !ok {
		return nil, marketplace.ErrNotFound
	}
	return &marketplace.Listing{Name: name, Version: v}, nil
}

func (f *fakeMarket) Download(ctx context.Context, name, version, dstDir string) error {
	bundle, ok := f.bundles[name]
	if !ok {
		return marketplace.ErrNotFound
	}
	for rel, content := range bundle {
		path := filepath.Join(dstDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeMarket) FetchLibrary(ctx context.Context, name, version, dstDir string) error {
	if f.libErr != nil {
		return f.libErr
	}
	f.libCalls = append(f.libCalls, name+"@"+version)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dstDir, name+".lua"), []byte("return {}"), 0o644)
}

func (f *fakeMarket) LatestVersions(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, n := range names {
		if v, ok := f.latest[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, market marketplace.Client, mutate func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Extensions.Root = filepath.Join(t.TempDir(), "extensions")
	cfg.Extensions.HookTimeout = "2s"
	if mutate != nil {
		mutate(cfg)
	}

	m, err := NewManager(cfg, market, Services{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerDiscoverAndEnable(t *testing.T) {
	m := newTestManager(t, nil, nil)

	writeExtension(t, m.Root(), CategoryLocal, "csv-import",
		importerManifest("csv-import", "1.0.0", ""),
		map[string]string{"init.lua": importerSource})

	found, err := m.Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(found) != 1 || found[0].Err != nil {
		t.Fatalf("Discover() = %+v", found)
	}

	views := m.List(nil)
	if len(views) != 1 || views[0].Status != StatusInstalled {
		t.Fatalf("List() = %+v", views)
	}

	warnings, err := m.Enable("csv-import")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	view, _ := m.Get("csv-import")
	if view.Status != StatusEnabled {
		t.Errorf("Status = %v", view.Status)
	}

	// A second Discover must not re-register or disturb the running state.
	if _, err := m.Discover(); err != nil {
		t.Fatal(err)
	}
	view, _ = m.Get("csv-import")
	if view.Status != StatusEnabled {
		t.Errorf("Status after rediscover = %v", view.Status)
	}
}

func TestManagerEnableStrictScanBlocks(t *testing.T) {
	m := newTestManager(t, nil, func(cfg *config.Config) {
		cfg.Security.Strict = true
	})

	source := importerSource + "\nlocal f = loadstring(\"return 1\")\n"
	writeExtension(t, m.Root(), CategoryLocal, "sketchy",
		importerManifest("sketchy", "1.0.0", ""),
		map[string]string{"init.lua": source})
	if _, err := m.Discover(); err != nil {
		t.Fatal(err)
	}

	warnings, err := m.Enable("sketchy")
	if err == nil {
		t.Fatal("Enable() should fail under strict scanning")
	}
	if len(warnings) == 0 {
		t.Error("warnings should accompany the failure")
	}

	view, _ := m.Get("sketchy")
	if view.Status != StatusError {
		t.Errorf("Status = %v, want error", view.Status)
	}
	if err := m.ClearError("sketchy"); err != nil {
		t.Fatal(err)
	}
	view, _ = m.Get("sketchy")
	if view.Status != StatusInstalled {
		t.Errorf("Status after ClearError = %v", view.Status)
	}
}

func TestManagerInstall(t *testing.T) {
	market := &fakeMarket{}
	m := newTestManager(t, market, nil)

	src := t.TempDir()
	writeManifest(t, src, importerManifest("csv-import", "1.0.0",
		`"dependencies": ["markdown>=1.0.0"]`))
	if err := os.WriteFile(filepath.Join(src, "init.lua"), []byte(importerSource), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := m.Install(context.Background(), src, CategoryLocal, "")
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !report.Installed {
		t.Fatalf("report = %+v", report)
	}
	if report.ID == "" {
		t.Error("install report has no id")
	}
	if len(market.libCalls) != 1 || market.libCalls[0] != "markdown@1.0.0" {
		t.Errorf("libCalls = %v", market.libCalls)
	}

	// Copied under the category directory.
	if _, err := os.Stat(filepath.Join(m.Root(), "local", "csv-import", ManifestFileName)); err != nil {
		t.Errorf("extension not placed: %v", err)
	}
	if _, ok := m.Get("csv-import"); !ok {
		t.Error("extension not registered")
	}

	// Library landed in lib/.
	if _, err := os.Stat(filepath.Join(m.Root(), LibDirName, "markdown.lua")); err != nil {
		t.Errorf("library not installed: %v", err)
	}
}

func TestManagerInstallIncompatibleHost(t *testing.T) {
	m := newTestManager(t, nil, nil)

	src := t.TempDir()
	writeManifest(t, src, `{
		"name": "future", "version": "1.0.0", "description": "from the future",
		"author": "tester", "license": "MIT", "type": "theme",
		"entry_point": "init.lua", "host_version_range": ">=99.0.0"
	}`)

	_, err := m.Install(context.Background(), src, CategoryLocal, "")
	var herr *deps.IncompatibleHostError
	if !errors.As(err, &herr) {
		t.Fatalf("Install() error = %v, want IncompatibleHostError", err)
	}
}

func TestManagerInstallConflicts(t *testing.T) {
	newConflictPair := func(t *testing.T, m *Manager) string {
		t.Helper()
		srcB := t.TempDir()
		writeManifest(t, srcB, importerManifest("ext-b", "1.0.0",
			`"dependencies": ["libx>=2.0.0"]`))
		os.WriteFile(filepath.Join(srcB, "init.lua"), []byte(importerSource), 0o644)
		if _, err := m.Install(context.Background(), srcB, CategoryLocal, ""); err != nil {
			t.Fatalf("installing ext-b: %v", err)
		}

		srcC := t.TempDir()
		writeManifest(t, srcC, importerManifest("ext-c", "1.0.0",
			`"dependencies": ["libx<1.5.0"]`))
		os.WriteFile(filepath.Join(srcC, "init.lua"), []byte(importerSource), 0o644)
		return srcC
	}

	t.Run("user-choice surfaces the conflict", func(t *testing.T) {
		market := &fakeMarket{}
		m := newTestManager(t, market, nil)
		srcC := newConflictPair(t, m)

		report, err := m.Install(context.Background(), srcC, CategoryLocal, "")
		if err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if report.Installed {
			t.Fatal("conflicted install must not proceed")
		}
		if len(report.Conflicts) != 1 || report.Conflicts[0].Package != "libx" {
			t.Fatalf("Conflicts = %+v", report.Conflicts)
		}
		involved := report.Conflicts[0].Extensions()
		if len(involved) != 2 || involved[0] != "ext-b" || involved[1] != "ext-c" {
			t.Errorf("Extensions() = %v", involved)
		}
		if _, ok := m.Get("ext-c"); ok {
			t.Error("ext-c registered despite unresolved conflict")
		}
	})

	t.Run("fail aborts", func(t *testing.T) {
		m := newTestManager(t, &fakeMarket{}, nil)
		srcC := newConflictPair(t, m)

		_, err := m.Install(context.Background(), srcC, CategoryLocal, deps.StrategyFail)
		if !errors.Is(err, deps.ErrConflictFailed) {
			t.Fatalf("Install() error = %v, want ErrConflictFailed", err)
		}
	})

	t.Run("upgrade pins the highest constraint", func(t *testing.T) {
		market := &fakeMarket{}
		m := newTestManager(t, market, nil)
		srcC := newConflictPair(t, m)
		market.libCalls = nil

		report, err := m.Install(context.Background(), srcC, CategoryLocal, deps.StrategyUpgrade)
		if err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if !report.Installed {
			t.Fatalf("report = %+v", report)
		}
		if len(market.libCalls) != 1 || market.libCalls[0] != "libx@2.0.0" {
			t.Errorf("libCalls = %v, want libx@2.0.0", market.libCalls)
		}
	})
}

func TestManagerInstallDependencyFailure(t *testing.T) {
	market := &fakeMarket{libErr: fmt.Errorf("registry unreachable")}
	m := newTestManager(t, market, nil)

	src := t.TempDir()
	writeManifest(t, src, importerManifest("needs-lib", "1.0.0",
		`"dependencies": ["markdown>=1.0.0"]`))
	os.WriteFile(filepath.Join(src, "init.lua"), []byte(importerSource), 0o644)

	report, err := m.Install(context.Background(), src, CategoryLocal, "")
	if err == nil {
		t.Fatal("Install() should fail when a required dependency cannot install")
	}
	if report.Deps == nil || report.Deps.OK() {
		t.Errorf("Deps = %+v", report.Deps)
	}
	if _, ok := m.Get("needs-lib"); ok {
		t.Error("extension registered despite dependency failure")
	}
}

func TestManagerUninstall(t *testing.T) {
	m := newTestManager(t, nil, nil)
	dir := writeExtension(t, m.Root(), CategoryLocal, "csv-import",
		importerManifest("csv-import", "1.0.0", ""),
		map[string]string{"init.lua": importerSource})
	m.Discover()
	if _, err := m.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}

	if err := m.Uninstall("csv-import"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, ok := m.Get("csv-import"); ok {
		t.Error("still registered")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("files not removed")
	}
	if err := m.Uninstall("csv-import"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Uninstall() error = %v", err)
	}
}

func TestManagerSettingsRoundTrip(t *testing.T) {
	m := newTestManager(t, nil, nil)
	writeExtension(t, m.Root(), CategoryLocal, "csv-import",
		importerManifest("csv-import", "1.0.0",
			`"settings_schema": {"delimiter": {"type": "string", "default": ","}}`),
		map[string]string{"init.lua": importerSource})
	m.Discover()

	info, err := m.GetInfo("csv-import")
	if err != nil {
		t.Fatal(err)
	}
	if info.Settings["delimiter"] != "," {
		t.Errorf("default not applied: %v", info.Settings)
	}

	if err := m.UpdateSettings("csv-import", map[string]interface{}{"delimiter": "|"}); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	// Unknown keys are rejected by the schema.
	err = m.UpdateSettings("csv-import", map[string]interface{}{"colour": "red"})
	if err == nil {
		t.Error("unknown setting accepted")
	}
	// Wrong type too.
	err = m.UpdateSettings("csv-import", map[string]interface{}{"delimiter": 42})
	if err == nil {
		t.Error("mistyped setting accepted")
	}

	info, _ = m.GetInfo("csv-import")
	if info.Settings["delimiter"] != "|" {
		t.Errorf("Settings = %v", info.Settings)
	}

	// Enable/disable cycles never touch persisted settings.
	for _, step := range []func() error{
		func() error { _, err := m.Enable("csv-import"); return err },
		func() error { return m.Disable("csv-import") },
		func() error { _, err := m.Enable("csv-import"); return err },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}
	info, _ = m.GetInfo("csv-import")
	if info.Settings["delimiter"] != "|" {
		t.Errorf("Settings after enable/disable cycle = %v", info.Settings)
	}
}

func TestManagerInstallFromMarketplace(t *testing.T) {
	market := &fakeMarket{
		bundles: map[string]map[string]string{
			"dark-theme": {
				ManifestFileName: `{
					"name": "dark-theme", "version": "2.0.0", "description": "a dark theme",
					"author": "tester", "license": "MIT", "type": "theme",
					"entry_point": "init.lua", "host_version_range": ">=1.0.0"
				}`,
				"init.lua": "function apply_theme() return {bg = \"black\"} end\n",
			},
		},
		latest: map[string]string{"dark-theme": "2.0.0"},
	}
	m := newTestManager(t, market, nil)

	report, err := m.InstallFromMarketplace(context.Background(), "dark-theme", "")
	if err != nil {
		t.Fatalf("InstallFromMarketplace() error = %v", err)
	}
	if !report.Installed || report.Category != CategoryCommunity {
		t.Fatalf("report = %+v", report)
	}

	view, ok := m.Get("dark-theme")
	if !ok || view.Category != CategoryCommunity {
		t.Errorf("view = %+v", view)
	}

	_, err = m.InstallFromMarketplace(context.Background(), "missing", "")
	if !errors.Is(err, marketplace.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestManagerCheckForUpdatesAndUpdate(t *testing.T) {
	market := &fakeMarket{
		bundles: map[string]map[string]string{
			"csv-import": {
				ManifestFileName: importerManifest("csv-import", "1.1.0",
					`"settings_schema": {"delimiter": {"type": "string", "default": ","}}`),
				"init.lua": importerSource,
			},
		},
		latest: map[string]string{"csv-import": "1.1.0"},
	}
	m := newTestManager(t, market, nil)

	writeExtension(t, m.Root(), CategoryCommunity, "csv-import",
		importerManifest("csv-import", "1.0.0",
			`"settings_schema": {"delimiter": {"type": "string", "default": ","}}`),
		map[string]string{"init.lua": importerSource})
	m.Discover()
	if err := m.UpdateSettings("csv-import", map[string]interface{}{"delimiter": ";"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}

	updates, err := m.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdates() error = %v", err)
	}
	if len(updates) != 1 || updates[0].Latest != "1.1.0" {
		t.Fatalf("updates = %+v", updates)
	}

	report, err := m.Update(context.Background(), "csv-import", "1.1.0")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !report.Installed {
		t.Fatalf("report = %+v", report)
	}

	view, _ := m.Get("csv-import")
	if view.Version != "1.1.0" {
		t.Errorf("Version = %q", view.Version)
	}
	if view.Status != StatusEnabled {
		t.Errorf("Status = %v, want re-enabled", view.Status)
	}

	// User settings survive the update.
	info, _ := m.GetInfo("csv-import")
	if info.Settings["delimiter"] != ";" {
		t.Errorf("Settings = %v", info.Settings)
	}
}

func TestManagerUpdateFailureKeepsPrevious(t *testing.T) {
	market := &fakeMarket{
		bundles: map[string]map[string]string{
			"csv-import": {
				ManifestFileName: importerManifest("csv-import", "2.0.0",
					`"dependencies": ["ext:not-installed>=1.0.0"]`),
				"init.lua": importerSource,
			},
		},
		latest: map[string]string{"csv-import": "2.0.0"},
	}
	m := newTestManager(t, market, nil)

	writeExtension(t, m.Root(), CategoryCommunity, "csv-import",
		importerManifest("csv-import", "1.0.0", ""),
		map[string]string{"init.lua": importerSource})
	m.Discover()
	if _, err := m.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Update(context.Background(), "csv-import", "2.0.0")
	if err == nil {
		t.Fatal("Update() should fail when the replacement cannot install")
	}

	// The working installation survives the failed update intact.
	view, ok := m.Get("csv-import")
	if !ok {
		t.Fatal("extension no longer registered after failed update")
	}
	if view.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", view.Version)
	}
	if view.Status != StatusEnabled {
		t.Errorf("Status = %v, want enabled", view.Status)
	}
	if _, err := os.Stat(filepath.Join(view.Dir, ManifestFileName)); err != nil {
		t.Errorf("previous files missing: %v", err)
	}
	inst, err := m.Instance("csv-import")
	if err != nil {
		t.Fatal(err)
	}
	imp, _ := inst.AsImporter()
	if _, err := imp.SupportedFormats(); err != nil {
		t.Errorf("restored instance broken: %v", err)
	}
}

func TestManagerLibraryVersionsPersist(t *testing.T) {
	market := &fakeMarket{}
	cfg := config.Default()
	cfg.Extensions.Root = filepath.Join(t.TempDir(), "extensions")
	cfg.Extensions.HookTimeout = "2s"

	m1, err := NewManager(cfg, market, Services{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	srcA := t.TempDir()
	writeManifest(t, srcA, importerManifest("ext-a", "1.0.0",
		`"dependencies": ["markdown>=1.0.0"]`))
	os.WriteFile(filepath.Join(srcA, "init.lua"), []byte(importerSource), 0o644)
	if _, err := m1.Install(context.Background(), srcA, CategoryLocal, ""); err != nil {
		t.Fatal(err)
	}
	m1.Close()

	// A fresh manager over the same root still knows what is installed.
	m2, err := NewManager(cfg, market, Services{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m2.Close() })
	m2.Discover()
	market.libCalls = nil

	srcB := t.TempDir()
	writeManifest(t, srcB, importerManifest("ext-b", "1.0.0",
		`"dependencies": ["markdown>=2.0.0"]`))
	os.WriteFile(filepath.Join(srcB, "init.lua"), []byte(importerSource), 0o644)

	report, err := m2.Install(context.Background(), srcB, CategoryLocal, deps.StrategySkip)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !report.Installed {
		t.Fatalf("report = %+v", report)
	}
	if len(market.libCalls) != 0 {
		t.Errorf("libCalls = %v, installed library should stay untouched under skip", market.libCalls)
	}
}

func TestManagerEvents(t *testing.T) {
	m := newTestManager(t, nil, nil)
	writeExtension(t, m.Root(), CategoryLocal, "csv-import",
		importerManifest("csv-import", "1.0.0", ""),
		map[string]string{"init.lua": importerSource})
	m.Discover()

	var kinds []EventKind
	cancel := m.Subscribe(func(ev Event) {
		if ev.ID == "" {
			t.Error("event without id")
		}
		kinds = append(kinds, ev.Kind)
	})

	if _, err := m.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable("csv-import"); err != nil {
		t.Fatal(err)
	}
	if err := m.Uninstall("csv-import"); err != nil {
		t.Fatal(err)
	}
	cancel()

	want := []EventKind{EventEnabled, EventDisabled, EventUninstalled}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestManagerMissingExtensionDependency(t *testing.T) {
	m := newTestManager(t, nil, nil)
	writeExtension(t, m.Root(), CategoryLocal, "needs-friend",
		importerManifest("needs-friend", "1.0.0",
			`"dependencies": ["ext:friend>=1.0.0"]`),
		map[string]string{"init.lua": importerSource})
	m.Discover()

	_, err := m.Enable("needs-friend")
	if err == nil {
		t.Fatal("Enable() should fail without the extension dependency")
	}
	view, _ := m.Get("needs-friend")
	if view.Status != StatusError {
		t.Errorf("Status = %v", view.Status)
	}

	// Register the dependency and retry.
	writeExtension(t, m.Root(), CategoryLocal, "friend",
		importerManifest("friend", "1.2.0", ""),
		map[string]string{"init.lua": importerSource})
	m.Discover()
	if err := m.ClearError("needs-friend"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enable("needs-friend"); err != nil {
		t.Fatalf("retry Enable() error = %v", err)
	}
}
