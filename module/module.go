// Package module defines the uniform contract every crate device
// implements (spec §3.1, §4.2): lifecycle, readout, parsing, signature, and
// a set of optional capabilities. The source's function-pointer vtable
// becomes a required Device interface plus small optional capability
// interfaces, checked by the engine with a type assertion — the Go
// equivalent of a trait's default-None methods (design note 1).
package module

import (
	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
)

// Bus abstracts whatever mapping layer the crate was configured with, so
// module constructors can open windows without importing a concrete
// backend. crate.go wires a *bus.Router into every InitContext.
type Bus interface {
	Map(address, bytes uint32, blt bus.BLTMode, rPoke, wPoke bus.Poke) (*bus.Map, error)
}

// Signature identifies the first word of a module's data payload, used by
// the engine to decide whether a BARRIER must separate two neighbours
// (invariant 6).
type Signature struct {
	IDMask     uint32
	FixedMask  uint32
	FixedValue uint32
}

// Collides reports whether two signatures cannot be told apart from their
// first word alone, i.e. whether a BARRIER must be inserted between
// modules using them.
func (s Signature) Collides(other Signature) bool {
	mask := s.FixedMask & other.FixedMask
	return s.FixedValue&mask == other.FixedValue&mask
}

// InitContext carries the crate-wide state a module needs during
// initialization: the shared counter registry (to capture
// this_minus_crate) and logging/identity hooks.
type InitContext struct {
	Counters *counter.Registry
	Bus      Bus
	// CrateName is used in wrapped error messages and log lines.
	CrateName string
}

// Device is the contract every module type implements. It is returned by a
// registry Constructor (module/registry.go) and driven by the crate state
// machine (crate.Crate) in the order documented in spec §4.3.
type Device interface {
	// Type returns the registry keyword this module was constructed from,
	// e.g. "CAEN_V775".
	Type() string
	// ID returns the 0-based rank of this module within its crate.
	ID() int

	// EventMax returns the maximum number of events the hardware buffers
	// before overflow; 0 means the module carries no event data (spec
	// §4.2, e.g. a trigger-logic board).
	EventMax() uint32

	// EventCounter returns the module's last-latched trigger counter. A
	// zero-mask Counter means the module provides none (invariant 1).
	EventCounter() counter.Counter

	// GetMap returns the module's primary bus mapping, or nil if the
	// module needs none (e.g. a pure software aggregator).
	GetMap() *bus.Map

	// GetSignature returns the pattern identifying this module's first
	// data word.
	GetSignature() Signature

	// InitSlow maps the device and verifies its identity. ok=false with a
	// nil error requests the engine retry later (hot-pluggable boards);
	// a non-nil error aborts the crate.
	InitSlow(ctx *InitContext) (ok bool, err error)

	// InitFast applies all re-configurable settings and must be
	// idempotent. The engine calls it from Init only; a live
	// reconfiguration goes through Reconfigurable and does not call
	// InitFast again.
	InitFast(ctx *InitContext) error

	// CheckEmpty must report DataTooMuch if the hardware still holds data
	// after Readout returned (spec §4.2).
	CheckEmpty() FailBits

	// ReadoutDT latches counters and any state that must be captured
	// before dead-time release. It must not copy bulk data.
	ReadoutDT() FailBits

	// Readout copies buffered data into buf, honouring buf.Fits before
	// every write and returning DataTooMuch on overflow.
	Readout(buf *EventBuffer) FailBits

	// ReadoutFinalize resets per-event accumulator state.
	ReadoutFinalize()

	// ParseData walks a just-read region and verifies vendor framing,
	// comparing any embedded event counter against crateCounter.
	ParseData(r *ReadBuffer, crateCounter counter.Counter) FailBits

	// Destroy releases module-owned resources (map handles); Deinit
	// additionally tears down re-configurable state so a subsequent
	// InitFast starts clean.
	Destroy() error
	Deinit() error

	// EarlyDT reports whether the EARLY_DT flag is set: the module may be
	// read out safely while the hardware simultaneously accepts new
	// triggers (invariant 5).
	EarlyDT() bool

	// SkipDT reports the runtime skip_dt flag: the engine omits this
	// module from ReadoutDT entirely.
	SkipDT() bool
}

// PostInitializer is implemented by modules that need a callback once every
// module in the crate has completed InitFast (spec §4.2's optional
// post_init, used to register events-until-full into a crate aggregator).
type PostInitializer interface {
	PostInit(ctx *InitContext) error
}

// ShadowCapable is implemented by modules supporting the shadow-readout
// subsystem (spec §4.6). ReadoutShadow moves hardware bytes into dst with
// no ordering coupling to ReadoutDT.
type ShadowCapable interface {
	ReadoutShadow(dst []byte) (n int, fail FailBits)
}

// MemTester is the optional memtest capability.
type MemTester interface {
	MemTest() error
}

// RegisterEntry is one row of a module's register list, used by the
// control surface's register_array_get (spec §4.7, §3.1).
type RegisterEntry struct {
	Name        string
	Address     uint32
	Bits        int
	ArrayLength int
	ByteStep    int
}

// RegisterLister is implemented by modules that expose a register_list_pack
// description for remote register dumps.
type RegisterLister interface {
	RegisterList() []RegisterEntry
	ReadRegister(entry RegisterEntry, index int) (uint32, error)
}

// SubModule describes a chained slave board behind a parent module's SFP
// port (spec §4.7's sub_module_pack).
type SubModule struct {
	Type string
}

// SubModuleLister is implemented by modules with chained slave boards.
type SubModuleLister interface {
	SubModules() []SubModule
}

// PedestalUser is implemented by modules whose ParseData feeds per-channel
// samples into a pedestal.Ring when do_pedestals is configured.
type PedestalUser interface {
	UsePedestals(enabled bool)
}

// ZeroSuppressor is implemented by modules that can be told to suppress
// channels below their pedestal threshold in hardware.
type ZeroSuppressor interface {
	ZeroSuppress(enabled bool)
}

// DMAFillerProvider is implemented by modules whose block-transfer filler
// word differs from DefaultDMAFiller.
type DMAFillerProvider interface {
	DMAFiller() uint32
}

// Reconfigurable is implemented by modules that can apply a live config
// snippet (spec §4.7's config operation) to already-running hardware
// without a full InitSlow remap.
type Reconfigurable interface {
	Reconfigure(block *config.Block) error
}

// CVTSettable is implemented by modules participating in ACVT (spec §4.3):
// the engine grows the conversion-time window via CVTSet when any such
// module reports having had to wait for data during ReadoutDT.
type CVTSettable interface {
	CVTSet(ns uint32)
	HadToWait() bool
}
