package hotswap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/config"
	"github.com/recallkit/recallkit/internal/extension"
	"github.com/recallkit/recallkit/internal/watch"
)

const importerSource = `
function import(path)
	return {{front = "question", back = "answer"}}
end

function supported_formats()
	return {"csv"}
end
`

func importerManifest(name, version string) string {
	return fmt.Sprintf(`{
		"name": %q,
		"version": %q,
		"description": "test importer",
		"author": "tester",
		"license": "MIT",
		"host_version_range": ">=1.0.0",
		"type": "importer",
		"entry_point": "init.lua"
	}`, name, version)
}

func writeExtensionDir(t *testing.T, root, category, name, manifest, source string) string {
	t.Helper()
	dir := filepath.Join(root, category, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, extension.ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// testRig is a manager plus a running controller over a temp root.
type testRig struct {
	manager    *extension.Manager
	controller *Controller

	reloaded     chan string
	reloadFailed chan error
	installed    chan string
	uninstalled  chan string
}

func newTestRig(t *testing.T, setup func(root string)) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Extensions.Root = filepath.Join(t.TempDir(), "extensions")
	cfg.Extensions.HookTimeout = "2s"

	mgr, err := extension.NewManager(cfg, nil, extension.Services{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	if setup != nil {
		setup(mgr.Root())
	}
	if _, err := mgr.Discover(); err != nil {
		t.Fatal(err)
	}

	watcher, err := watch.NewFSWatcher()
	if err != nil {
		t.Fatal(err)
	}

	rig := &testRig{
		manager:      mgr,
		reloaded:     make(chan string, 10),
		reloadFailed: make(chan error, 10),
		installed:    make(chan string, 10),
		uninstalled:  make(chan string, 10),
	}
	rig.controller = New(mgr, watcher, 150*time.Millisecond, Callbacks{
		AfterReload:  func(name string) { rig.reloaded <- name },
		ReloadFailed: func(name string, err error) { rig.reloadFailed <- err },
		Installed:    func(name string) { rig.installed <- name },
		Uninstalled:  func(name string) { rig.uninstalled <- name },
	}, zap.NewNop())
	if err := rig.controller.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rig.controller.Close() })
	return rig
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestHotReloadOnWrite(t *testing.T) {
	var dir string
	rig := newTestRig(t, func(root string) {
		dir = writeExtensionDir(t, root, "local", "csv-import",
			importerManifest("csv-import", "1.0.0"), importerSource)
	})
	if _, err := rig.manager.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}

	// A burst of writes collapses into one reload.
	updated := strings.Replace(importerSource, `{"csv"}`, `{"csv", "tsv"}`, 1)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	name := waitFor(t, rig.reloaded, "reload")
	if name != "csv-import" {
		t.Fatalf("reloaded %q", name)
	}

	inst, err := rig.manager.Instance("csv-import")
	if err != nil {
		t.Fatal(err)
	}
	imp, _ := inst.AsImporter()
	formats, err := imp.SupportedFormats()
	if err != nil {
		t.Fatal(err)
	}
	if len(formats) != 2 {
		t.Errorf("SupportedFormats() = %v, want new behavior", formats)
	}

	select {
	case extra := <-rig.reloaded:
		t.Errorf("burst produced a second reload for %q", extra)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestHotReloadFailureRollsBack(t *testing.T) {
	var dir string
	rig := newTestRig(t, func(root string) {
		dir = writeExtensionDir(t, root, "local", "csv-import",
			importerManifest("csv-import", "1.0.0"), importerSource)
	})
	if _, err := rig.manager.Enable("csv-import"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("not lua ("), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, rig.reloadFailed, "reload failure")

	// The old instance keeps serving.
	view, _ := rig.manager.Get("csv-import")
	if view.Status != extension.StatusEnabled {
		t.Fatalf("Status = %v, want enabled", view.Status)
	}
	inst, err := rig.manager.Instance("csv-import")
	if err != nil {
		t.Fatal(err)
	}
	imp, _ := inst.AsImporter()
	if _, err := imp.SupportedFormats(); err != nil {
		t.Errorf("rolled-back instance broken: %v", err)
	}
}

func TestHotReloadBatchesRunSequentially(t *testing.T) {
	cfg := config.Default()
	cfg.Extensions.Root = filepath.Join(t.TempDir(), "extensions")
	cfg.Extensions.HookTimeout = "2s"

	mgr, err := extension.NewManager(cfg, nil, extension.Services{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	alphaDir := writeExtensionDir(t, mgr.Root(), "local", "alpha",
		importerManifest("alpha", "1.0.0"), importerSource)
	betaDir := writeExtensionDir(t, mgr.Root(), "local", "beta",
		importerManifest("beta", "1.0.0"), importerSource)
	if _, err := mgr.Discover(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"alpha", "beta"} {
		if _, err := mgr.Enable(name); err != nil {
			t.Fatal(err)
		}
	}

	watcher, err := watch.NewFSWatcher()
	if err != nil {
		t.Fatal(err)
	}

	// Marker pairs must never interleave, even when one batch outlives the
	// debounce interval that triggers the next.
	markers := make(chan string, 10)
	ctrl := New(mgr, watcher, 150*time.Millisecond, Callbacks{
		BeforeReload: func(name string) {
			markers <- "start:" + name
			if name == "alpha" {
				time.Sleep(400 * time.Millisecond)
			}
		},
		AfterReload: func(name string) { markers <- "end:" + name },
	}, zap.NewNop())
	if err := ctrl.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })

	if err := os.WriteFile(filepath.Join(alphaDir, "init.lua"), []byte(importerSource), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond) // alpha's batch is now mid-flight
	if err := os.WriteFile(filepath.Join(betaDir, "init.lua"), []byte(importerSource), 0o644); err != nil {
		t.Fatal(err)
	}

	want := []string{"start:alpha", "end:alpha", "start:beta", "end:beta"}
	for _, expected := range want {
		got := waitFor(t, markers, expected)
		if got != expected {
			t.Fatalf("marker = %q, want %q", got, expected)
		}
	}
}

func TestHotInstallNewDirectory(t *testing.T) {
	rig := newTestRig(t, nil)

	writeExtensionDir(t, rig.manager.Root(), "local", "fresh",
		importerManifest("fresh", "1.0.0"), importerSource)

	name := waitFor(t, rig.installed, "install")
	if name != "fresh" {
		t.Fatalf("installed %q", name)
	}
	view, ok := rig.manager.Get("fresh")
	if !ok || view.Status != extension.StatusInstalled {
		t.Errorf("view = %+v", view)
	}
}

func TestHotUninstallOnDirectoryRemove(t *testing.T) {
	var dir string
	rig := newTestRig(t, func(root string) {
		dir = writeExtensionDir(t, root, "local", "doomed",
			importerManifest("doomed", "1.0.0"), importerSource)
	})

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	name := waitFor(t, rig.uninstalled, "uninstall")
	if name != "doomed" {
		t.Fatalf("uninstalled %q", name)
	}
	if _, ok := rig.manager.Get("doomed"); ok {
		t.Error("still registered")
	}
}

func TestHotInstallDevFile(t *testing.T) {
	rig := newTestRig(t, nil)

	devFile := filepath.Join(rig.manager.Root(), "development", "scratch.lua")
	content := "-- @type theme\nfunction apply_theme() return {} end\n"
	if err := os.WriteFile(devFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	name := waitFor(t, rig.installed, "dev install")
	if name != "scratch" {
		t.Fatalf("installed %q", name)
	}
}
