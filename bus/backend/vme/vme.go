// Package vme implements the direct-mapped bus.Backend: a VME window
// mmap'd from a controller device file, the way lcd.Open maps a DRM dumb
// buffer in the teacher repo. The controller file descriptor is a
// process-wide, lazily-initialized handle (design note: "process-wide
// backend handles map to a lazy-initialised singleton with explicit
// setup/shutdown").
package vme

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"crateread.dev/bus"
)

var (
	controllersMu sync.Mutex
	controllers   = map[string]*controller{}
)

// controller is the process-wide handle for one VME controller device
// file. Multiple windows on the same device share its fd.
type controller struct {
	dev      *os.File
	refCount int
}

func openController(path string) (*controller, error) {
	controllersMu.Lock()
	defer controllersMu.Unlock()
	if c, ok := controllers[path]; ok {
		c.refCount++
		return c, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vme: open controller %s: %w", path, err)
	}
	c := &controller{dev: f, refCount: 1}
	controllers[path] = c
	return c, nil
}

func (c *controller) release(path string) {
	controllersMu.Lock()
	defer controllersMu.Unlock()
	c.refCount--
	if c.refCount > 0 {
		return
	}
	c.dev.Close()
	delete(controllers, path)
}

// Backend maps VME windows from a single controller device file.
type Backend struct {
	DevicePath string

	ctrl *controller
}

// Open lazily opens the controller device; safe to call once per Backend.
func Open(devicePath string) (*Backend, error) {
	c, err := openController(devicePath)
	if err != nil {
		return nil, err
	}
	return &Backend{DevicePath: devicePath, ctrl: c}, nil
}

// Close releases the Backend's reference to the controller handle.
func (b *Backend) Close() {
	b.ctrl.release(b.DevicePath)
}

type window struct {
	mmap []byte
}

// Map implements bus.Backend by mmap'ing [address, address+bytes) from the
// controller device.
func (b *Backend) Map(address, bytes uint32, blt bus.BLTMode) (any, error) {
	mmap, err := unix.Mmap(int(b.ctrl.dev.Fd()), int64(address), int(bytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vme: mmap %#x+%#x on %s: %w", address, bytes, b.DevicePath, err)
	}
	return &window{mmap: mmap}, nil
}

// Unmap implements bus.Backend.
func (b *Backend) Unmap(priv any) error {
	w := priv.(*window)
	return unix.Munmap(w.mmap)
}

func (b *Backend) bounds(priv any, offset uint32, n int) ([]byte, error) {
	w := priv.(*window)
	start := int(offset)
	if start < 0 || start+n > len(w.mmap) {
		return nil, fmt.Errorf("vme: access at +%#x/%d bytes out of window (size %d)", offset, n, len(w.mmap))
	}
	return w.mmap[start : start+n], nil
}

// SicyRead implements bus.Backend with a single-cycle 16- or 32-bit read.
func (b *Backend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	mem, err := b.bounds(priv, offset, bits/8)
	if err != nil {
		return 0, err
	}
	switch bits {
	case 16:
		return uint32(nativeUint16(mem)), nil
	case 32:
		return nativeUint32(mem), nil
	default:
		return 0, fmt.Errorf("vme: unsupported single-cycle width %d bits", bits)
	}
}

// SicyWrite implements bus.Backend.
func (b *Backend) SicyWrite(priv any, bits int, offset uint32, value uint32) error {
	mem, err := b.bounds(priv, offset, bits/8)
	if err != nil {
		return err
	}
	switch bits {
	case 16:
		nativePutUint16(mem, uint16(value))
	case 32:
		nativePutUint32(mem, value)
	default:
		return fmt.Errorf("vme: unsupported single-cycle width %d bits", bits)
	}
	return nil
}

// BltRead implements bus.Backend as a bulk copy out of the mmap'd window.
func (b *Backend) BltRead(priv any, offset uint32, dst []byte) (int, error) {
	mem, err := b.bounds(priv, offset, len(dst))
	if err != nil {
		return -1, err
	}
	return copy(dst, mem), nil
}

// BltReadBERR implements bus.Backend. A real VME bus error ending a FIFO
// burst can't be synthesized through mmap, so this backend treats running
// off the end of the window as the bus-error case: it returns whatever
// fits with a nil error instead of failing.
func (b *Backend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	w := priv.(*window)
	start := int(offset)
	if start >= len(w.mmap) {
		return 0, nil
	}
	end := start + len(dst)
	if end > len(w.mmap) {
		end = len(w.mmap)
	}
	return copy(dst, w.mmap[start:end]), nil
}
