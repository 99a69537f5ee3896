// Package crate implements the readout engine: the per-crate state machine
// that drives module initialization, dead-time latch/release, data
// draining, and counter reconciliation across an ordered module list
// (spec §4.3).
package crate

import (
	"fmt"
	"sync"
	"time"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

// State is one point in the crate lifecycle of spec §3.3:
// CREATED -> CONFIGURED -> INITIALIZED -> READY <-> LATCHED -> DRAINED -> READY ... -> TORN_DOWN.
type State int

const (
	Created State = iota
	Configured
	Initialized
	Ready
	Latched
	Drained
	TornDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Configured:
		return "CONFIGURED"
	case Initialized:
		return "INITIALIZED"
	case Ready:
		return "READY"
	case Latched:
		return "LATCHED"
	case Drained:
		return "DRAINED"
	case TornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// slot is one position in a crate's declared module list: either a real
// device, or an explicit BARRIER{} sentinel from the config file.
type slot struct {
	device  module.Device
	barrier bool
	skipDT  bool
	// offset is this_minus_crate, captured once init_fast has run (spec
	// §4.2's event-counter invariant).
	offset uint32
}

// Tag is a named subset of a crate's modules, each with its own per-event
// cap (spec §3.1's Tag entity).
type Tag struct {
	Name     string
	EventMax uint32
	slots    []int // indices into Crate.slots
}

// Crate is the top-level readout container (spec §3.1).
type Crate struct {
	Name        string
	FreeRunning bool

	Bus      *bus.Router
	Counters *counter.Registry

	slots []slot
	Tags  map[string]*Tag

	state State
	acvt  *acvtState

	// DTRelease is invoked once every non-skip_dt module of the tag has
	// completed ReadoutDT, before Readout copies any data (spec §4.3's
	// dead-time-release callback). It is not called for FreeRunning
	// crates. Nil means no external synchronization is needed (tests).
	DTRelease func()

	shadow *shadowWorker

	configBlock *config.Block // retained for config_dump; nil once torn down
	sfp         bus.Backend   // optional serial-fibre backend for goc_read/write

	// ctlMu serializes the control surface against the foreground readout
	// loop (spec §5: "the engine yields a quiet moment at readout_finalize
	// for control-plane work to mutate config"). Callers driving the
	// readout loop must hold it for ReadoutDT/Readout/ReadoutFinalize;
	// control.Server holds it for the duration of each request.
	ctlMu sync.Mutex
}

// Lock and Unlock expose ctlMu so the foreground readout loop and the
// control surface can serialize against each other.
func (c *Crate) Lock()   { c.ctlMu.Lock() }
func (c *Crate) Unlock() { c.ctlMu.Unlock() }

// SetSFP attaches the serial-fibre backend this crate's goc_read/write
// control operation passes through to. Nil means the crate has no SFP
// chain and goc requests fail.
func (c *Crate) SetSFP(backend bus.Backend) { c.sfp = backend }

// SFP returns the crate's serial-fibre backend, or nil.
func (c *Crate) SFP() bus.Backend { return c.sfp }

// ConfigBlock returns the parsed config tree this crate was built from, for
// the control surface's config_dump operation.
func (c *Crate) ConfigBlock() *config.Block { return c.configBlock }

// EventMaxOverride returns the default tag's event cap.
func (c *Crate) EventMaxOverride() uint32 {
	if t, ok := c.Tags["default"]; ok {
		return t.EventMax
	}
	return 0
}

// DTReleaseEnabled reports whether this crate has a dead-time-release
// callback wired (crate_info_get's dt_release_bool).
func (c *Crate) DTReleaseEnabled() bool { return c.DTRelease != nil }

// ACVTNanoseconds returns the current adaptive-conversion-time window.
func (c *Crate) ACVTNanoseconds() uint32 { return c.acvt.current }

// ShadowBufBytes returns the total bytes currently allocated to shadow
// double buffers (0 if no module is shadow-capable).
func (c *Crate) ShadowBufBytes() uint32 {
	if c.shadow == nil {
		return 0
	}
	return uint32(len(c.shadow.buffers) * shadowBufBytes * 2)
}

// ShadowMaxBytes returns the configured per-module shadow buffer size.
func (c *Crate) ShadowMaxBytes() uint32 { return shadowBufBytes }

// Reconfigure merges snippet into the module at idx's live config and
// applies it via module.Reconfigurable, without remapping the bus (spec
// §4.7's config operation). The caller must hold Lock.
func (c *Crate) Reconfigure(idx int, snippet *config.Block) error {
	if idx < 0 || idx >= len(c.slots) || c.slots[idx].device == nil {
		return fmt.Errorf("crate %s: module %d: no such module", c.Name, idx)
	}
	r, ok := c.slots[idx].device.(module.Reconfigurable)
	if !ok {
		return fmt.Errorf("crate %s: module %d (%s): not reconfigurable", c.Name, idx, c.slots[idx].device.Type())
	}
	return r.Reconfigure(snippet)
}

// Build parses a CRATE(name){...} config block into a Crate, instantiating
// every module type via the module registry and merging each instance's
// default config underneath its crate-file overrides (spec component #3).
func Build(crateBlock *config.Block, router *bus.Router) (*Crate, error) {
	if len(crateBlock.Args) != 1 {
		return nil, fmt.Errorf("crate: CRATE block needs a single name argument")
	}
	c := &Crate{
		Name:        crateBlock.Args[0].Str,
		Bus:         router,
		Counters:    &counter.Registry{},
		Tags:        map[string]*Tag{},
		acvt:        newACVT(),
		configBlock: crateBlock,
	}

	defaultSlots := make([]int, 0)
	id := 0
	for _, child := range crateBlock.AllChildren() {
		if child.Name == "BARRIER" {
			c.slots = append(c.slots, slot{barrier: true})
			continue
		}
		if child.Name == "TAG" {
			continue // tags are resolved in a second pass below
		}
		ctor, ok := module.Lookup(child.Name)
		if !ok {
			return nil, fmt.Errorf("crate %s: unknown module type %q", c.Name, child.Name)
		}
		def, err := module.DefaultConfig(child.Name)
		if err != nil {
			return nil, fmt.Errorf("crate %s: %w", c.Name, err)
		}
		merged := module.Merge(def, child)
		dev, err := ctor(id, merged)
		if err != nil {
			return nil, fmt.Errorf("crate %s: module %d (%s): %w", c.Name, id, child.Name, err)
		}
		skip, _ := merged.GetInt32Default("skip_dt", config.UnitNone, 0, 1, 0)
		c.slots = append(c.slots, slot{device: dev, skipDT: skip != 0})
		defaultSlots = append(defaultSlots, len(c.slots)-1)
		id++
	}

	c.Tags["default"] = &Tag{Name: "default", EventMax: defaultEventMax(c.slots), slots: defaultSlots}

	for _, child := range crateBlock.AllChildren() {
		if child.Name != "TAG" {
			continue
		}
		if len(child.Args) != 1 {
			return nil, fmt.Errorf("crate %s: TAG needs a single name argument", c.Name)
		}
		eventMax, err := child.GetInt32Default("event_max", config.UnitNone, 0, 1<<30, int32(defaultEventMax(c.slots)))
		if err != nil {
			return nil, fmt.Errorf("crate %s: tag %s: %w", c.Name, child.Args[0].Str, err)
		}
		members, _ := child.Param("members")
		tagSlots := make([]int, 0, len(members))
		for _, m := range members {
			idx := int(m.Int)
			if idx < 0 || idx >= len(defaultSlots) {
				return nil, fmt.Errorf("crate %s: tag %s: member index %d out of range", c.Name, child.Args[0].Str, idx)
			}
			tagSlots = append(tagSlots, defaultSlots[idx])
		}
		c.Tags[child.Args[0].Str] = &Tag{Name: child.Args[0].Str, EventMax: uint32(eventMax), slots: tagSlots}
	}

	c.state = Configured
	return c, nil
}

func defaultEventMax(slots []slot) uint32 {
	var max uint32
	for _, s := range slots {
		if s.device != nil && s.device.EventMax() > max {
			max = s.device.EventMax()
		}
	}
	return max
}

// Modules returns every instantiated device in declaration order (barriers
// excluded), used by the control surface's crate_array_get.
func (c *Crate) Modules() []module.Device {
	out := make([]module.Device, 0, len(c.slots))
	for _, s := range c.slots {
		if s.device != nil {
			out = append(out, s.device)
		}
	}
	return out
}

const (
	initRetries = 5
	initBackoff = 200 * time.Millisecond
)

// Init drives CONFIGURED -> INITIALIZED: init_slow (retrying hot-pluggable
// boards) then init_fast for every module, in declaration order, then
// post_init for those implementing it (spec §4.3).
func (c *Crate) Init() error {
	ctx := &module.InitContext{Counters: c.Counters, Bus: c.Bus, CrateName: c.Name}
	for i := range c.slots {
		s := &c.slots[i]
		if s.device == nil {
			continue
		}
		var ok bool
		var err error
		for attempt := 0; attempt < initRetries; attempt++ {
			ok, err = s.device.InitSlow(ctx)
			if err != nil {
				return fmt.Errorf("crate %s: module %d init_slow: %w", c.Name, s.device.ID(), err)
			}
			if ok {
				break
			}
			time.Sleep(initBackoff)
		}
		if !ok {
			return fmt.Errorf("crate %s: module %d never came up after %d retries", c.Name, s.device.ID(), initRetries)
		}
		if err := s.device.InitFast(ctx); err != nil {
			return fmt.Errorf("crate %s: module %d init_fast: %w", c.Name, s.device.ID(), err)
		}
		s.offset = c.Counters.Offset(s.device.EventCounter())
	}
	for _, s := range c.slots {
		if s.device == nil {
			continue
		}
		if p, ok := s.device.(module.PostInitializer); ok {
			if err := p.PostInit(ctx); err != nil {
				return fmt.Errorf("crate %s: module %d post_init: %w", c.Name, s.device.ID(), err)
			}
		}
	}
	c.state = Initialized
	c.state = Ready
	if c.hasShadowCapableModule() {
		c.startShadow()
	}
	return nil
}

func (c *Crate) hasShadowCapableModule() bool {
	for _, s := range c.slots {
		if s.device == nil {
			continue
		}
		if _, ok := s.device.(module.ShadowCapable); ok {
			return true
		}
	}
	return false
}

// ReadoutDT drives READY -> LATCHED for the named tag: calls readout_dt on
// every non-skip_dt module in declaration order, then releases dead time
// once every module (early and non-early alike) has reported (spec §4.3,
// §5 ordering guarantee 2: release happens after all non-EARLY_DT modules
// finish readout_dt, which in this synchronous loop means after the loop
// completes).
func (c *Crate) ReadoutDT(tagName string) (module.FailBits, error) {
	tag, ok := c.Tags[tagName]
	if !ok {
		return 0, fmt.Errorf("crate %s: unknown tag %q", c.Name, tagName)
	}
	var fail module.FailBits
	for _, idx := range tag.slots {
		s := c.slots[idx]
		if s.skipDT {
			continue
		}
		fail |= s.device.ReadoutDT()
	}
	if !c.FreeRunning && c.DTRelease != nil {
		c.DTRelease()
	}
	if hadToWait(tag, c.slots) {
		c.acvt.grow(tag, c.slots)
	}
	c.state = Latched
	return fail, nil
}

func hadToWait(tag *Tag, slots []slot) bool {
	for _, idx := range tag.slots {
		if cv, ok := slots[idx].device.(module.CVTSettable); ok && cv.HadToWait() {
			return true
		}
	}
	return false
}

// hasBarrierBetween reports whether an explicit BARRIER{} slot, or a
// signature collision, separates two adjacent tag members (invariant 6).
func (c *Crate) hasBarrierBetween(i, j int) bool {
	for k := i + 1; k < j; k++ {
		if c.slots[k].barrier {
			return true
		}
	}
	return c.slots[i].device.GetSignature().Collides(c.slots[j].device.GetSignature())
}

// Readout drives LATCHED -> DRAINED for the named tag: computes
// event_diff = min(per-module diff) clamped to the tag's event_max
// (testable property 6), then calls readout on every member in order,
// inserting a module.Barrier word between colliding neighbours, and
// rejects any module whose reported bytes exceed event_max*4 (property 7).
func (c *Crate) Readout(tagName string, buf *module.EventBuffer) (eventDiff uint32, fail module.FailBits, err error) {
	tag, ok := c.Tags[tagName]
	if !ok {
		return 0, 0, fmt.Errorf("crate %s: unknown tag %q", c.Name, tagName)
	}

	eventDiff = tag.EventMax
	for _, idx := range tag.slots {
		d := c.slots[idx].device
		if d.EventCounter().None() {
			continue
		}
		diff := c.Counters.ModuleDiff(d.EventCounter(), c.slots[idx].offset)
		if diff < eventDiff {
			eventDiff = diff
		}
	}

	for n, idx := range tag.slots {
		if n > 0 && c.hasBarrierBetween(tag.slots[n-1], idx) {
			if !buf.Fits(4) {
				fail |= module.DataTooMuch
				break
			}
			buf.WriteWord(module.Barrier)
		}
		d := c.slots[idx].device
		before := len(buf.Filled())
		if c.shadow != nil {
			if shadowBuf, ok := c.shadow.buffers[idx]; ok {
				data, shadowFail, hasData := shadowBuf.consume()
				fail |= shadowFail
				if hasData {
					if !buf.Fits(len(data)) {
						fail |= module.DataTooMuch
					} else {
						copy(buf.Remaining(), data)
						buf.Advance(len(data))
						fail |= c.parseDeviceData(d, buf, before)
					}
				}
				continue
			}
		}
		fail |= d.Readout(buf)
		written := len(buf.Filled()) - before
		if uint32(written) > d.EventMax()*4 {
			fail |= module.DataTooMuch
		}
		c.alignDevice(d, buf)
		fail |= d.CheckEmpty()
		fail |= c.parseDeviceData(d, buf, before)
	}

	c.state = Drained
	return eventDiff, fail, nil
}

// alignDevice pads buf up to the byte alignment the module's block-transfer
// mode requires, using the module's own filler word when it implements
// module.DMAFillerProvider (spec §4.1/§8 property 4). Modules mapped with
// bus.NoBLT, or with no mapping at all, need no padding.
func (c *Crate) alignDevice(d module.Device, buf *module.EventBuffer) {
	m := d.GetMap()
	if m == nil || m.BLTMode == bus.NoBLT {
		return
	}
	filler := module.DefaultDMAFiller
	if fp, ok := d.(module.DMAFillerProvider); ok {
		filler = fp.DMAFiller()
	}
	buf.Align(m.BLTMode, filler)
}

// parseDeviceData runs a module's payload-validation step (spec §4.2's
// parse_data) over the bytes it just appended to buf, threading the crate's
// reference counter through so EVENT_COUNTER_MISMATCH and pedestal-ring
// feeding actually happen instead of sitting dead.
func (c *Crate) parseDeviceData(d module.Device, buf *module.EventBuffer, before int) module.FailBits {
	data := buf.Filled()[before:]
	if len(data) == 0 {
		return 0
	}
	r := module.NewReadBuffer(data)
	return d.ParseData(r, c.Counters.Crate)
}

// ReadoutFinalize drives DRAINED -> READY: resets per-event module state
// and releases any shadow buffer the worker filled for the next round
// (spec §4.3).
func (c *Crate) ReadoutFinalize() {
	for _, s := range c.slots {
		if s.device == nil {
			continue
		}
		s.device.ReadoutFinalize()
	}
	if c.shadow != nil {
		c.shadow.releasePending()
	}
	c.state = Ready
}

// Deinit tears the crate down: joins the shadow worker, calls deinit and
// destroy on every module, and releases their mappings (spec §5's teardown
// ordering).
func (c *Crate) Deinit() error {
	if c.shadow != nil {
		c.shadow.stop()
	}
	var firstErr error
	for _, s := range c.slots {
		if s.device == nil {
			continue
		}
		if err := s.device.Deinit(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("crate %s: module %d deinit: %w", c.Name, s.device.ID(), err)
		}
		if err := s.device.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("crate %s: module %d destroy: %w", c.Name, s.device.ID(), err)
		}
	}
	c.state = TornDown
	return firstErr
}

// State returns the crate's current lifecycle state.
func (c *Crate) State() State { return c.state }
