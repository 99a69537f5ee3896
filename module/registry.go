package module

import (
	"fmt"
	"sync"

	"crateread.dev/config"
)

// Constructor builds a Device from its config block. id is the module's
// 0-based rank within the crate (Device.ID()); block is the parsed
// MODULE_TYPE(args){...} node from the crate file.
type Constructor func(id int, block *config.Block) (Device, error)

type registration struct {
	ctor          Constructor
	defaultConfig string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register associates a type keyword (e.g. "CAEN_V775") with the
// constructor used to build it and a default configuration snippet merged
// underneath any crate-file overrides (spec component #3: "auto-registered
// per-type default config"). Each device package calls Register from an
// init func, mirroring the teacher's driver packages self-registering
// against a capability table.
func Register(typeName string, ctor Constructor, defaultConfig string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[typeName]; exists {
		panic(fmt.Sprintf("module: %s already registered", typeName))
	}
	registry[typeName] = registration{ctor: ctor, defaultConfig: defaultConfig}
}

// Lookup returns the constructor registered for typeName.
func Lookup(typeName string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[typeName]
	return r.ctor, ok
}

// DefaultConfig parses and returns typeName's registered default config
// block, or nil if it registered none.
func DefaultConfig(typeName string) (*config.Block, error) {
	registryMu.RLock()
	r, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown type %q", typeName)
	}
	if r.defaultConfig == "" {
		return nil, nil
	}
	blk, err := config.ParseSnippet([]byte(r.defaultConfig))
	if err != nil {
		return nil, fmt.Errorf("module: %s: default config: %w", typeName, err)
	}
	return blk, nil
}

// Types returns every registered type keyword, for diagnostics.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// Merge layers override on top of base: any key present in override wins,
// any key present only in base is copied in, and the result takes
// override's name, arguments and position. Used to apply a type's
// default config underneath the crate file's per-instance block (spec
// component #3). base is mutated in place and returned; callers always
// pass a freshly parsed DefaultConfig result, never a shared block.
func Merge(base, override *config.Block) *config.Block {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	for _, key := range override.Keys() {
		values, _ := override.Param(key)
		base.SetParam(key, values)
	}
	for _, child := range override.AllChildren() {
		base.AddChild(child)
	}
	base.Name = override.Name
	base.Args = override.Args
	base.Pos = override.Pos
	return base
}
