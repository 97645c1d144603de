package extension

import (
	"fmt"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	luart "github.com/recallkit/recallkit/internal/extension/lua"
)

// DeckService is the application-side deck API exposed to extensions as
// rk.deck, gated by the deck-read and deck-write permissions.
type DeckService interface {
	ListDecks() []string
	Cards(deck string) ([]Card, error)
	AddCard(deck string, card Card) error
}

// Services are the host facilities extensions may call into. Nil fields
// leave the corresponding rk.* module unavailable.
type Services struct {
	Decks DeckService

	// ConfigGet reads a host configuration value for extensions holding
	// config-read.
	ConfigGet func(key string) (interface{}, bool)
}

// Host is a live extension instance: a sandboxed Lua state with the
// extension's entry point executed and its contract verified.
type Host struct {
	name     string
	manifest *Manifest
	state    *luart.State
	bridge   *luart.Bridge
	settings map[string]interface{}
	loadedAt time.Time

	logger *zap.Logger
}

// Name returns the extension name.
func (h *Host) Name() string { return h.name }

// Manifest returns the manifest the instance was loaded from.
func (h *Host) Manifest() *Manifest { return h.manifest }

// LoadedAt returns when the instance finished loading.
func (h *Host) LoadedAt() time.Time { return h.loadedAt }

// Settings returns the values the instance was initialized with.
func (h *Host) Settings() map[string]interface{} { return h.settings }

// HasFunction reports whether the extension defines a global function.
func (h *Host) HasFunction(name string) bool {
	return h.state.HasFunction(name)
}

// CallConverted calls an extension function, converting arguments and
// results between Go and Lua values.
func (h *Host) CallConverted(fn string, args ...interface{}) ([]interface{}, error) {
	lvArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvArgs[i] = h.bridge.ToLuaValue(a)
	}

	results, err := h.state.Call(fn, lvArgs...)
	if err != nil {
		return nil, err
	}

	converted := make([]interface{}, len(results))
	for i, r := range results {
		converted[i] = h.bridge.ToGoValue(r)
	}
	return converted, nil
}

// NotifySettingsChanged pushes updated settings into a running instance via
// the optional on_settings_changed hook.
func (h *Host) NotifySettingsChanged(values map[string]interface{}) {
	h.settings = values
	if !h.state.HasFunction("on_settings_changed") {
		return
	}
	if _, err := h.CallConverted("on_settings_changed", values); err != nil {
		h.logger.Warn("on_settings_changed hook failed",
			zap.String("extension", h.name), zap.Error(err))
	}
}

// Close runs the optional cleanup hook and releases the Lua state. A failing
// hook is logged, never propagated; unload always completes.
func (h *Host) Close() error {
	if h.state.HasFunction(hookCleanup) {
		if _, err := h.state.Call(hookCleanup); err != nil {
			h.logger.Warn("cleanup hook failed",
				zap.String("extension", h.name), zap.Error(err))
		}
	}
	return h.state.Close()
}

// Loader builds Host instances. It owns the compiled-chunk cache shared
// across loads; reloads purge an extension's entry before recompiling.
type Loader struct {
	cache       *luart.ChunkCache
	hookTimeout time.Duration
	hostVersion string
	services    Services
	logger      *zap.Logger
}

// NewLoader creates a loader with a chunk cache of the given capacity.
// hostVersion is what rk.host_version reports to extensions.
func NewLoader(cacheSize int, hookTimeout time.Duration, hostVersion string, services Services, logger *zap.Logger) (*Loader, error) {
	cache, err := luart.NewChunkCache(cacheSize)
	if err != nil {
		return nil, err
	}
	if hookTimeout <= 0 {
		hookTimeout = luart.DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:       cache,
		hookTimeout: hookTimeout,
		hostVersion: hostVersion,
		services:    services,
		logger:      logger.Named("extension.loader"),
	}, nil
}

// Purge drops the cached chunk for an extension so the next load compiles
// the code currently on disk.
func (l *Loader) Purge(name string) {
	l.cache.Purge(name)
}

// Load runs the full pipeline: verify the entry point exists, build a
// sandboxed state with the manifest's permissions, execute the compiled
// entry, verify the capability contract, then run the optional init hook
// with the extension's settings. Any failure closes the state and returns
// a LoadError naming the stage.
func (l *Loader) Load(m *Manifest, values map[string]interface{}) (host *Host, err error) {
	if m == nil {
		return nil, ErrNilManifest
	}

	entry := m.EntryPath()
	if _, err := os.Stat(entry); err != nil {
		return nil, &LoadError{Name: m.Name, Stage: "entry", Err: err}
	}

	state, err := luart.NewState(luart.WithCallTimeout(l.hookTimeout))
	if err != nil {
		return nil, &LoadError{Name: m.Name, Stage: "state", Err: err}
	}

	// A VM panic anywhere in the pipeline must surface as a LoadError, never
	// escape to the caller.
	defer func() {
		if r := recover(); r != nil {
			state.Close()
			host = nil
			err = &LoadError{Name: m.Name, Stage: "execute",
				Err: fmt.Errorf("lua panic: %v", r)}
		}
	}()

	for _, p := range m.Permissions {
		state.Sandbox().Grant(p)
	}
	l.preloadHostModules(state, m)

	proto, err := l.cache.Compile(m.Name, entry)
	if err != nil {
		state.Close()
		return nil, &LoadError{Name: m.Name, Stage: "compile", Err: err}
	}
	if err := state.DoProto(proto); err != nil {
		state.Close()
		return nil, &LoadError{Name: m.Name, Stage: "execute", Err: err}
	}

	var missing []string
	for _, fn := range contractFunctions[m.Type] {
		if !state.HasFunction(fn) {
			missing = append(missing, fn)
		}
	}
	if len(missing) > 0 {
		state.Close()
		return nil, &LoadError{
			Name:  m.Name,
			Stage: "contract",
			Err:   &CapabilityError{Name: m.Name, Type: m.Type, Missing: missing},
		}
	}

	host = &Host{
		name:     m.Name,
		manifest: m,
		state:    state,
		bridge:   luart.NewBridge(state.LuaState()),
		settings: values,
		loadedAt: time.Now(),
		logger:   l.logger,
	}

	if state.HasFunction(hookInit) {
		if _, err := host.CallConverted(hookInit, values); err != nil {
			state.Close()
			return nil, &LoadError{Name: m.Name, Stage: "init", Err: err}
		}
	}

	l.logger.Info("extension loaded",
		zap.String("extension", m.Name),
		zap.String("version", m.Version),
		zap.String("type", string(m.Type)))
	return host, nil
}

// preloadHostModules registers the rk base module plus any permission-gated
// modules the manifest is entitled to. Runs before any extension code, so
// direct LState access is safe.
func (l *Loader) preloadHostModules(state *luart.State, m *Manifest) {
	L := state.LuaState()
	sandbox := state.Sandbox()
	bridge := luart.NewBridge(L)
	log := l.logger.Named("ext." + m.Name)

	L.PreloadModule("rk", func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"log": func(L *lua.LState) int {
				log.Info(L.CheckString(1))
				return 0
			},
			"host_version": func(L *lua.LState) int {
				L.Push(lua.LString(l.hostVersion))
				return 1
			},
			"extension_name": func(L *lua.LState) int {
				L.Push(lua.LString(m.Name))
				return 1
			},
		})
		L.Push(mod)
		return 1
	})

	if l.services.Decks != nil {
		decks := l.services.Decks
		L.PreloadModule("rk.deck", func(L *lua.LState) int {
			mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
				"list": func(L *lua.LState) int {
					if err := sandbox.Check(luart.PermDeckRead); err != nil {
						L.RaiseError("%s", err.Error())
					}
					L.Push(bridge.ToLuaValue(decks.ListDecks()))
					return 1
				},
				"cards": func(L *lua.LState) int {
					if err := sandbox.Check(luart.PermDeckRead); err != nil {
						L.RaiseError("%s", err.Error())
					}
					cards, err := decks.Cards(L.CheckString(1))
					if err != nil {
						L.RaiseError("%s", err.Error())
					}
					payload := make([]interface{}, len(cards))
					for i, c := range cards {
						payload[i] = map[string]interface{}(c)
					}
					L.Push(bridge.ToLuaValue(payload))
					return 1
				},
				"add_card": func(L *lua.LState) int {
					if err := sandbox.Check(luart.PermDeckWrite); err != nil {
						L.RaiseError("%s", err.Error())
					}
					card, ok := bridge.ToGoValue(L.CheckTable(2)).(map[string]interface{})
					if !ok {
						L.RaiseError("add_card expects a card table")
					}
					if err := decks.AddCard(L.CheckString(1), Card(card)); err != nil {
						L.RaiseError("%s", err.Error())
					}
					return 0
				},
			})
			L.Push(mod)
			return 1
		})
	}

	if l.services.ConfigGet != nil {
		configGet := l.services.ConfigGet
		L.PreloadModule("rk.config", func(L *lua.LState) int {
			mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
				"get": func(L *lua.LState) int {
					if err := sandbox.Check(luart.PermConfigRead); err != nil {
						L.RaiseError("%s", err.Error())
					}
					v, ok := configGet(L.CheckString(1))
					if !ok {
						L.Push(lua.LNil)
						return 1
					}
					L.Push(bridge.ToLuaValue(v))
					return 1
				},
			})
			L.Push(mod)
			return 1
		})
	}
}
