// Package hotswap watches the extensions root and applies filesystem
// changes to the running registry: edits reload, new directories install,
// deletions uninstall. Changes are debounced so a burst of writes (editor
// saves, git checkouts) collapses into one operation per extension.
package hotswap

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recallkit/recallkit/internal/extension"
	"github.com/recallkit/recallkit/internal/watch"
)

// DefaultDebounce is the quiet period before pending operations run.
const DefaultDebounce = 2 * time.Second

// Callbacks notify the application of hot-swap outcomes. All callbacks run
// on the controller's goroutine; nil fields are skipped.
type Callbacks struct {
	BeforeReload func(name string)
	AfterReload  func(name string)
	ReloadFailed func(name string, err error)
	Installed    func(name string)
	Uninstalled  func(name string)
}

type opKind int

const (
	opReload opKind = iota
	opInstall
	opUninstall
)

func (k opKind) String() string {
	switch k {
	case opReload:
		return "reload"
	case opInstall:
		return "install"
	case opUninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// pendingOp is the coalesced operation for one extension. Later events for
// the same extension overwrite earlier ones, so a modify-then-delete burst
// ends as a single uninstall.
type pendingOp struct {
	kind     opKind
	name     string
	dir      string
	category extension.Category
	devFile  string // set for single-file development extensions
}

// Controller drives hot-swapping. One debounce timer covers all pending
// operations: every relevant event re-arms it, and when the quiet period
// finally elapses the whole batch drains in one pass.
type Controller struct {
	manager  *extension.Manager
	watcher  watch.Watcher
	root     string
	interval time.Duration
	cb       Callbacks
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingOp
	timer   *time.Timer
	closed  bool

	fire chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a controller over the manager's extensions root.
func New(manager *extension.Manager, watcher watch.Watcher, interval time.Duration, cb Callbacks, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		manager:  manager,
		watcher:  watcher,
		root:     manager.Root(),
		interval: interval,
		cb:       cb,
		logger:   logger.Named("extension.hotswap"),
		pending:  make(map[string]pendingOp),
		fire:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins watching every category directory.
func (c *Controller) Start() error {
	for _, cat := range extension.Categories() {
		if err := c.watcher.WatchRecursive(filepath.Join(c.root, string(cat))); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.loop()
	c.logger.Info("hot-swap watching", zap.String("root", c.root),
		zap.Duration("debounce", c.interval))
	return nil
}

// Close stops watching and discards pending operations.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]pendingOp)
	c.mu.Unlock()

	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

func (c *Controller) loop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.fire:
			c.drain()
		case ev, ok := <-c.watcher.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return
			}
			c.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleEvent classifies an event, coalesces it into the pending map, and
// re-arms the debounce timer.
func (c *Controller) handleEvent(ev watch.Event) {
	op, ok := c.classify(ev)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if existing, exists := c.pending[op.name]; exists {
		op = coalesce(existing, op)
	}
	c.pending[op.name] = op

	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.signalDrain)
	} else {
		c.timer.Reset(c.interval)
	}
}

// signalDrain hands the batch to the controller goroutine. Batches never run
// concurrently with each other or with event handling; a batch that outlives
// the debounce interval simply delays the next one.
func (c *Controller) signalDrain() {
	select {
	case c.fire <- struct{}{}:
	default:
	}
}

// coalesce merges a new operation over an existing pending one.
func coalesce(existing, next pendingOp) pendingOp {
	switch {
	case next.kind == opUninstall:
		return next
	case existing.kind == opUninstall && next.kind == opInstall:
		// Directory came back before the batch ran.
		return next
	case existing.kind == opInstall:
		// Files still being written into a new extension.
		return existing
	default:
		return next
	}
}

// classify maps a filesystem event to an extension operation. Only manifest
// and Lua source changes matter; everything else is noise.
func (c *Controller) classify(ev watch.Event) (pendingOp, bool) {
	rel, err := filepath.Rel(c.root, ev.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return pendingOp{}, false
	}

	parts := strings.Split(rel, string(filepath.Separator))
	category, ok := extension.ParseCategory(parts[0])
	if !ok {
		return pendingOp{}, false
	}

	// development/foo.lua is a complete single-file extension; removing the
	// file removes the extension.
	if len(parts) == 2 && category == extension.CategoryDevelopment &&
		strings.HasSuffix(parts[1], ".lua") {
		name := strings.TrimSuffix(parts[1], ".lua")
		op := c.opFor(name, filepath.Dir(ev.Path), category, ev.Op, true)
		op.devFile = ev.Path
		return op, true
	}

	if len(parts) < 2 {
		return pendingOp{}, false
	}
	name := parts[1]
	dir := filepath.Join(c.root, parts[0], name)

	// The extension directory itself appearing or disappearing.
	if len(parts) == 2 {
		return c.opFor(name, dir, category, ev.Op, true), true
	}

	// A file inside the directory: only the manifest and Lua sources count.
	base := filepath.Base(ev.Path)
	if base != extension.ManifestFileName && !strings.HasSuffix(base, ".lua") {
		return pendingOp{}, false
	}
	return c.opFor(name, dir, category, ev.Op, false), true
}

// opFor decides install/reload/uninstall for a classified event. dirEvent
// marks events on the extension directory itself, where a removal means the
// whole extension is gone.
func (c *Controller) opFor(name, dir string, category extension.Category, op watch.Op, dirEvent bool) pendingOp {
	_, known := c.manager.Get(name)

	removed := op.Has(watch.OpRemove) || op.Has(watch.OpRename)
	if removed && dirEvent && known {
		return pendingOp{kind: opUninstall, name: name, dir: dir, category: category}
	}
	if !known {
		return pendingOp{kind: opInstall, name: name, dir: dir, category: category}
	}
	return pendingOp{kind: opReload, name: name, dir: dir, category: category}
}

// drain runs the accumulated batch after the quiet period.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]pendingOp)
	c.timer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	batchID := uuid.NewString()
	c.logger.Info("applying changes",
		zap.String("batch", batchID), zap.Int("operations", len(batch)))

	for _, name := range names {
		c.apply(batchID, batch[name])
	}
}

func (c *Controller) apply(batchID string, op pendingOp) {
	log := c.logger.With(
		zap.String("batch", batchID),
		zap.String("extension", op.name),
		zap.Stringer("op", op.kind))

	switch op.kind {
	case opReload:
		if _, known := c.manager.Get(op.name); !known {
			return
		}
		if c.cb.BeforeReload != nil {
			c.cb.BeforeReload(op.name)
		}
		if err := c.manager.Reload(op.name); err != nil {
			log.Error("reload failed", zap.Error(err))
			if c.cb.ReloadFailed != nil {
				c.cb.ReloadFailed(op.name, err)
			}
			return
		}
		log.Info("reloaded")
		if c.cb.AfterReload != nil {
			c.cb.AfterReload(op.name)
		}

	case opInstall:
		if _, known := c.manager.Get(op.name); known {
			// Registered while the batch was pending; treat as a reload.
			c.apply(batchID, pendingOp{kind: opReload, name: op.name, dir: op.dir, category: op.category})
			return
		}
		if op.devFile != "" {
			if err := c.manager.InstallDevFile(op.devFile); err != nil {
				log.Error("install failed", zap.Error(err))
				return
			}
		} else {
			report, err := c.manager.Install(context.Background(), op.dir, op.category, "")
			if err != nil {
				log.Error("install failed", zap.Error(err))
				return
			}
			if !report.Installed {
				log.Warn("install needs conflict resolution")
				return
			}
		}
		log.Info("installed")
		if c.cb.Installed != nil {
			c.cb.Installed(op.name)
		}

	case opUninstall:
		if _, known := c.manager.Get(op.name); !known {
			return
		}
		if err := c.manager.Uninstall(op.name); err != nil {
			log.Error("uninstall failed", zap.Error(err))
			return
		}
		log.Info("uninstalled")
		if c.cb.Uninstalled != nil {
			c.cb.Uninstalled(op.name)
		}
	}
}
