package lua

import (
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Permission is a capability an extension may declare in its manifest.
type Permission string

// Permissions an extension can declare.
const (
	PermFileRead    Permission = "file-read"
	PermFileWrite   Permission = "file-write"
	PermDeckRead    Permission = "deck-read"
	PermDeckWrite   Permission = "deck-write"
	PermUserData    Permission = "user-data"
	PermNetwork     Permission = "network"
	PermSystem      Permission = "system-integration"
	PermConfigRead  Permission = "config-read"
	PermConfigWrite Permission = "config-write"
)

// Sandbox restricts Lua execution to declared permissions.
type Sandbox struct {
	L *lua.LState

	permissions map[Permission]bool
}

// NewSandbox creates a sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:           L,
		permissions: make(map[Permission]bool),
	}
}

// Install removes escape hatches and replaces require with a whitelist.
func (s *Sandbox) Install() {
	// Functions that load arbitrary code bypass every other restriction.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire replaces require with a whitelist-based version.
// Only built-in safe modules, host modules ("rk" and "rk.*", provided via
// PreloadModule), and permission-gated modules resolve; package.path is
// cleared so nothing loads from disk.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allowed := safeModules[modName] ||
			modName == "rk" || strings.HasPrefix(modName, "rk.")

		if !allowed {
			switch modName {
			case "io":
				if !s.permissions[PermFileRead] && !s.permissions[PermFileWrite] {
					L.RaiseError("module 'io' requires the file-read or file-write permission")
				}
				allowed = true
			case "os":
				if !s.permissions[PermSystem] {
					L.RaiseError("module 'os' requires the system-integration permission")
				}
				allowed = true
			}
		}

		if !allowed {
			L.RaiseError("module %q is not available to extensions", modName)
			return 0 // unreachable, RaiseError longjmps
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// Grant enables a permission and injects the module it gates, if any.
func (s *Sandbox) Grant(perm Permission) {
	s.permissions[perm] = true

	switch perm {
	case PermFileRead:
		s.injectFileReadAPI()
	case PermFileWrite:
		s.injectFileWriteAPI()
	case PermSystem:
		s.injectSystemAPI()
	}
	// deck-read/deck-write/user-data/config-read/config-write gate host
	// modules ("rk.deck" etc.) which the host preloads per grant; network
	// has no injected module, extensions go through "rk.http".
}

// Has reports whether a permission is granted.
func (s *Sandbox) Has(perm Permission) bool {
	return s.permissions[perm]
}

// Check returns a PermissionError if the permission is not granted.
func (s *Sandbox) Check(perm Permission) error {
	if !s.permissions[perm] {
		return &PermissionError{Permission: perm}
	}
	return nil
}

// Permissions returns all granted permissions.
func (s *Sandbox) Permissions() []Permission {
	perms := make([]Permission, 0, len(s.permissions))
	for perm, granted := range s.permissions {
		if granted {
			perms = append(perms, perm)
		}
	}
	return perms
}

// injectFileReadAPI exposes a read-only io module.
func (s *Sandbox) injectFileReadAPI() {
	ioMod := s.ioModule()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		if mode != "r" && mode != "rb" {
			L.ArgError(2, "only read modes (r, rb) are allowed")
			return 0
		}

		content, err := os.ReadFile(filename)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		L.Push(newReadHandle(L, string(content)))
		return 1
	}))

	s.L.SetField(ioMod, "lines", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		content, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("cannot open file: %s", err.Error())
			return 0
		}

		lines := splitLines(string(content))
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(lines[idx]))
			idx++
			return 1
		}))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// injectFileWriteAPI extends io.open with write modes.
func (s *Sandbox) injectFileWriteAPI() {
	ioMod := s.ioModule()

	s.L.SetField(ioMod, "open", s.L.NewFunction(func(L *lua.LState) int {
		filename := L.CheckString(1)
		mode := L.OptString(2, "r")

		var flag int
		switch mode {
		case "r", "rb":
			content, err := os.ReadFile(filename)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(newReadHandle(L, string(content)))
			return 1
		case "w", "wb":
			flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		case "a", "ab":
			flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		default:
			L.ArgError(2, "invalid mode")
			return 0
		}

		file, err := os.OpenFile(filename, flag, 0o644)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		L.Push(newWriteHandle(L, file))
		return 1
	}))

	s.L.SetGlobal("io", ioMod)
}

// injectSystemAPI exposes a restricted os module. os.execute stays
// unavailable even with the permission; extensions integrate through
// "rk.system" host calls instead.
func (s *Sandbox) injectSystemAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		value := os.Getenv(L.CheckString(1))
		if value == "" {
			L.Push(lua.LNil)
		} else {
			L.Push(lua.LString(value))
		}
		return 1
	}))

	s.L.SetField(osMod, "execute", s.L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("os.execute is not available; use rk.system instead")
		return 0
	}))

	s.L.SetGlobal("os", osMod)
}

// ioModule returns the existing io table or a fresh one.
func (s *Sandbox) ioModule() *lua.LTable {
	if t, ok := s.L.GetGlobal("io").(*lua.LTable); ok {
		return t
	}
	return s.L.NewTable()
}

// newReadHandle wraps file contents in a minimal file-like userdata.
func newReadHandle(L *lua.LState, content string) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = content

	mt := L.NewTable()
	index := L.NewTable()

	L.SetField(index, "read", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckUserData(1)
		data, _ := self.Value.(string)
		L.Push(lua.LString(data))
		return 1
	}))
	L.SetField(index, "lines", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckUserData(1)
		data, _ := self.Value.(string)
		lines := splitLines(data)
		idx := 0
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if idx >= len(lines) {
				return 0
			}
			L.Push(lua.LString(lines[idx]))
			idx++
			return 1
		}))
		return 1
	}))
	L.SetField(index, "close", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetField(mt, "__index", index)
	L.SetMetatable(ud, mt)
	return ud
}

// newWriteHandle wraps an open file in a minimal writable userdata.
func newWriteHandle(L *lua.LState, file *os.File) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = file

	mt := L.NewTable()
	index := L.NewTable()

	L.SetField(index, "write", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckUserData(1)
		f, ok := self.Value.(*os.File)
		if !ok {
			L.ArgError(1, "expected file")
			return 0
		}
		for i := 2; i <= L.GetTop(); i++ {
			if _, err := f.WriteString(L.CheckString(i)); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
		}
		L.Push(self)
		return 1
	}))
	L.SetField(index, "close", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckUserData(1)
		f, ok := self.Value.(*os.File)
		if !ok {
			L.ArgError(1, "expected file")
			return 0
		}
		if err := f.Close(); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetField(mt, "__index", index)
	L.SetMetatable(ud, mt)
	return ud
}

// splitLines splits a string into lines, trimming trailing carriage returns.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
