// command craned is the readout-engine server: it loads a crate config
// file, brings every CRATE block up, drives a free-running readout loop per
// crate, and serves the control protocol over TCP.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"crateread.dev/bus"
	"crateread.dev/bus/backend/netctl"
	"crateread.dev/bus/backend/sfp"
	"crateread.dev/bus/backend/user"
	"crateread.dev/bus/backend/vme"
	"crateread.dev/config"
	"crateread.dev/control"
	"crateread.dev/crate"
	"crateread.dev/internal/logctx"
	"crateread.dev/module"
)

var (
	configPath = flag.String("config", "", "crate config file to load")
	addr       = flag.String("addr", "", "control server listen address (host:port)")
	backend    = flag.String("backend", "user", "bus backend: vme, sfp, netctl, user")
	vmeDevice  = flag.String("vme-device", "/dev/vme0", "vme backend device path")
	sfpDevice  = flag.String("sfp-device", "", "sfp backend serial device (empty auto-detects)")
	netctlAddr = flag.String("netctl-addr", "", "netctl backend controller address")
	freeRun    = flag.Duration("free-run-interval", 100*time.Millisecond, "poll interval for the free-running demo readout loop")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "craned: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	logctx.Setup()
	if *configPath == "" {
		return errors.New("-config is required")
	}

	be, sfpBackend, err := openBackend()
	if err != nil {
		return err
	}
	router := &bus.Router{Primary: be, User: user.New()}

	loader := config.NewLoader(filepath.Dir(*configPath))
	root, err := loader.Load(*configPath)
	if err != nil {
		return fmt.Errorf("craned: %w", err)
	}

	var crates []*crate.Crate
	for _, block := range root.Children("CRATE") {
		c, err := crate.Build(block, router)
		if err != nil {
			return fmt.Errorf("craned: %w", err)
		}
		c.SetSFP(sfpBackend)
		c.DTRelease = func() {} // no external dead-time hardware wired into this driver
		if err := c.Init(); err != nil {
			return fmt.Errorf("craned: %w", err)
		}
		crates = append(crates, c)
		go freeRunningLoop(c, logctx.ForCrate(c.Name))
	}
	if len(crates) == 0 {
		log.Println("craned: config declared no crates")
	}

	srv := control.NewServer(crates, logctx.ForCrate("control"))
	return srv.ListenAndServe(*addr)
}

// openBackend builds the bus backend selected by -backend. sfpBackend is
// non-nil only for the sfp choice, so the crate's goc_read/write control
// operation has something to dispatch through.
func openBackend() (bus.Backend, bus.Backend, error) {
	switch *backend {
	case "vme":
		b, err := vme.Open(*vmeDevice)
		if err != nil {
			return nil, nil, fmt.Errorf("craned: vme backend: %w", err)
		}
		return b, nil, nil
	case "sfp":
		port, err := sfp.Open(*sfpDevice)
		if err != nil {
			return nil, nil, fmt.Errorf("craned: sfp backend: %w", err)
		}
		b := sfp.New(port)
		return b, b, nil
	case "netctl":
		if *netctlAddr == "" {
			return nil, nil, errors.New("craned: -netctl-addr is required for -backend=netctl")
		}
		conn, err := netctl.Dial(*netctlAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("craned: netctl backend: %w", err)
		}
		return netctl.New(conn), nil, nil
	case "user":
		return user.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("craned: unknown -backend %q", *backend)
	}
}

// freeRunningLoop is the demo trigger source this binary supplies: the core
// readout engine is trigger-agnostic (spec §1 leaves trigger delivery to
// the application), so craned polls at a fixed interval instead of reacting
// to a real external trigger line.
func freeRunningLoop(c *crate.Crate, logger *log.Logger) {
	buf := module.NewEventBuffer(make([]byte, 64*1024))
	for range time.Tick(*freeRun) {
		buf.Reset()
		c.Lock()
		if _, err := c.ReadoutDT("default"); err != nil {
			logger.Printf("readout_dt: %v", err)
			c.Unlock()
			continue
		}
		diff, fail, err := c.Readout("default", buf)
		c.ReadoutFinalize()
		c.Unlock()
		if err != nil {
			logger.Printf("readout: %v", err)
			continue
		}
		if fail != 0 {
			logger.Printf("readout: %d events, fail=%s", diff, fail)
		}
	}
}
