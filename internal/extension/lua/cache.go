package lua

import (
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultChunkCacheSize bounds how many compiled entry points stay resident.
const DefaultChunkCacheSize = 64

// ChunkCache caches compiled entry-point chunks keyed by extension name.
// Entries must be purged when an extension is unloaded or reloaded so the
// next load compiles the code currently on disk.
type ChunkCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewChunkCache creates a chunk cache with the given capacity.
func NewChunkCache(size int) (*ChunkCache, error) {
	if size <= 0 {
		size = DefaultChunkCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ChunkCache{cache: c}, nil
}

// Compile returns the compiled chunk for the extension's entry point,
// compiling and caching it on a miss.
func (cc *ChunkCache) Compile(name, path string) (*lua.FunctionProto, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if v, ok := cc.cache.Get(name); ok {
		return v.(*lua.FunctionProto), nil
	}

	proto, err := compileFile(path)
	if err != nil {
		return nil, err
	}
	cc.cache.Add(name, proto)
	return proto, nil
}

// Purge drops the cached chunk for an extension name.
func (cc *ChunkCache) Purge(name string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache.Remove(name)
}

// Len returns the number of cached chunks.
func (cc *ChunkCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.cache.Len()
}

// compileFile parses and compiles a Lua file without executing it.
func compileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, path)
}
