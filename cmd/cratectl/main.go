// command cratectl is the thin control-protocol CLI of spec §6.4: it talks
// to a running craned over TCP and prints whatever it asked for.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"crateread.dev/control"
	"crateread.dev/control/wire"
)

var (
	addr         = flag.String("addr", fmt.Sprintf("localhost:%d", wire.DefaultPort), "craned control address, host[:port]")
	configDump   = flag.Bool("config-dump", false, "dump a crate's live config tree")
	spec         = flag.String("spec", "", "enumerate crates/modules: print or i[,j[,k]] for register_array_get")
	crateInfo    = flag.Bool("crate-info", false, "print one crate's live engine state")
	configStr    = flag.String("config", "", "merge a config snippet into a module: i,j[,k]=snippet (or - to read the snippet from stdin)")
	registerDump = flag.Bool("register-dump", false, "alias for -spec=i,j[,k] dumping registers")
	goc          = flag.String("goc", "", "serial-fibre passthrough: r|w,sfp,card,ofs[,value][,num]")
	crateIndex   = flag.Int("crate", 0, "crate index for -crate-info, -config-dump")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cratectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	addr := *addr
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, wire.DefaultPort)
	}
	c, err := control.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	switch {
	case *spec == "print":
		return printCrateArray(c)
	case *spec != "" || *registerDump:
		return printRegisters(c, *spec)
	case *crateInfo:
		return printCrateInfo(c, *crateIndex)
	case *configDump:
		return printConfigDump(c, *crateIndex)
	case *configStr != "":
		return applyConfig(c, *configStr)
	case *goc != "":
		return runGOC(c, *goc)
	default:
		flag.Usage()
		return nil
	}
}

func printCrateArray(c *control.Client) error {
	resp, err := c.CrateArrayGet()
	if err != nil {
		return err
	}
	for i, crate := range resp.Crates {
		fmt.Printf("%d: %s\n", i, crate.Name)
		for j, m := range crate.Modules {
			fmt.Printf("  %d: %s\n", j, m.Type)
			for k, sub := range m.SubModules {
				fmt.Printf("    %d: %s\n", k, sub.Type)
			}
		}
	}
	return nil
}

// parseIJK parses the "i[,j[,k]]" coordinate form shared by -spec and
// -register-dump.
func parseIJK(s string) (i, j, k int, err error) {
	parts := strings.Split(s, ",")
	vals := make([]int, len(parts))
	for n, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("cratectl: invalid index %q: %w", p, err)
		}
		vals[n] = v
	}
	switch len(vals) {
	case 1:
		return vals[0], 0, 0, nil
	case 2:
		return vals[0], vals[1], 0, nil
	case 3:
		return vals[0], vals[1], vals[2], nil
	default:
		return 0, 0, 0, fmt.Errorf("cratectl: expected i[,j[,k]], got %q", s)
	}
}

func printRegisters(c *control.Client, coords string) error {
	ci, mi, smi, err := parseIJK(coords)
	if err != nil {
		return err
	}
	resp, err := c.RegisterArrayGet(wire.RegisterArrayGetRequest{CrateIndex: ci, ModuleIndex: mi, SubModuleIndex: smi})
	if err != nil {
		return err
	}
	for _, r := range resp.Registers {
		fmt.Printf("%-16s %#06x  %v\n", r.Name, r.Address, r.Values)
	}
	return nil
}

func printCrateInfo(c *control.Client, crateIndex int) error {
	resp, err := c.CrateInfoGet(crateIndex)
	if err != nil {
		return err
	}
	fmt.Printf("event_max_override=%d dt_release=%v acvt_ns=%d shadow_buf_bytes=%d shadow_max_bytes=%d\n",
		resp.EventMaxOverride, resp.DTRelease, resp.ACVTNs, resp.ShadowBufBytes, resp.ShadowMaxBytes)
	return nil
}

func printConfigDump(c *control.Client, crateIndex int) error {
	resp, err := c.ConfigDump(crateIndex)
	if err != nil {
		return err
	}
	fmt.Print(resp.Tree)
	return nil
}

// applyConfig parses "i,j[,k]=snippet"; when the part after "=" is "-",
// the snippet is read from stdin instead.
func applyConfig(c *control.Client, str string) error {
	coords, snippet, ok := strings.Cut(str, "=")
	if !ok {
		return fmt.Errorf("cratectl: -config expects i,j[,k]=snippet")
	}
	ci, mi, smi, err := parseIJK(coords)
	if err != nil {
		return err
	}
	if snippet == "-" {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return err
		}
		snippet = string(data)
	}
	resp, err := c.Config(wire.ConfigRequest{CrateIndex: ci, ModuleIndex: mi, SubModuleIndex: smi, Snippet: snippet})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("cratectl: %s", resp.Error)
	}
	return nil
}

// runGOC parses "r|w,sfp,card,ofs[,value][,num]".
func runGOC(c *control.Client, str string) error {
	parts := strings.Split(str, ",")
	if len(parts) < 4 {
		return fmt.Errorf("cratectl: -goc expects r|w,sfp,card,ofs[,value][,num]")
	}
	write := parts[0] == "w"
	sfp, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	card, err := strconv.Atoi(parts[2])
	if err != nil {
		return err
	}
	ofs, err := strconv.ParseUint(parts[3], 0, 32)
	if err != nil {
		return err
	}
	req := wire.GOCRequest{SFP: sfp, Card: card, Offset: uint32(ofs), Write: write}
	if write {
		if len(parts) < 5 {
			return fmt.Errorf("cratectl: -goc write needs a value")
		}
		v, err := strconv.ParseUint(parts[4], 0, 32)
		if err != nil {
			return err
		}
		req.Value = uint32(v)
	} else if len(parts) >= 5 {
		n, err := strconv.Atoi(parts[4])
		if err != nil {
			return err
		}
		req.Num = n
	}
	resp, err := c.GOC(req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("cratectl: %s", resp.Error)
	}
	for _, v := range resp.Values {
		fmt.Printf("%#010x\n", v)
	}
	return nil
}
