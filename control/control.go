// Package control implements the control surface of spec §4.7: a small TCP
// server exposing crate/module introspection and live reconfiguration over
// the control/wire frame codec, and a client for cmd/cratectl.
package control

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/control/wire"
	"crateread.dev/crate"
	"crateread.dev/module"
)

// Server answers control requests against a fixed set of crates, serializing
// every request against each crate's own foreground readout loop via
// crate.Crate.Lock (spec §5's "quiet moment at readout_finalize").
type Server struct {
	Crates []*crate.Crate
	Log    *log.Logger
}

// NewServer builds a Server over the given crates. A nil logger discards
// log output.
func NewServer(crates []*crate.Crate, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{Crates: crates, Log: logger}
}

// ListenAndServe binds addr (host:port, or ":port"; an empty host:port uses
// wire.DefaultPort on all interfaces) and serves control connections until
// the listener errs or is closed.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", wire.DefaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	defer ln.Close()
	s.Log.Printf("control: listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		op, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.Log.Printf("control: %s: %v", peer, err)
			}
			return
		}
		respOp, resp := s.dispatch(op, payload)
		if err := wire.WriteFrame(conn, respOp, resp); err != nil {
			s.Log.Printf("control: %s: %v", peer, err)
			return
		}
	}
}

func (s *Server) crate(idx int) (*crate.Crate, error) {
	if idx < 0 || idx >= len(s.Crates) {
		return nil, fmt.Errorf("control: crate index %d out of range", idx)
	}
	return s.Crates[idx], nil
}

func (s *Server) dispatch(op wire.Opcode, payload []byte) (wire.Opcode, any) {
	switch op {
	case wire.OpCrateArrayGet:
		return op, s.crateArrayGet()
	case wire.OpCrateInfoGet:
		var req wire.CrateInfoGetRequest
		if err := cbor.Unmarshal(payload, &req); err != nil {
			return op, wire.CrateInfoGetResponse{}
		}
		return op, s.crateInfoGet(req)
	case wire.OpConfigDump:
		var req wire.ConfigDumpRequest
		cbor.Unmarshal(payload, &req)
		return op, s.configDump(req)
	case wire.OpRegisterArrayGet:
		var req wire.RegisterArrayGetRequest
		if err := cbor.Unmarshal(payload, &req); err != nil {
			return op, wire.RegisterArrayGetResponse{}
		}
		return op, s.registerArrayGet(req)
	case wire.OpConfig:
		var req wire.ConfigRequest
		if err := cbor.Unmarshal(payload, &req); err != nil {
			return op, wire.ConfigResponse{Error: err.Error()}
		}
		return op, s.config(req)
	case wire.OpGOC:
		var req wire.GOCRequest
		if err := cbor.Unmarshal(payload, &req); err != nil {
			return op, wire.GOCResponse{Error: err.Error()}
		}
		return op, s.goc(req)
	default:
		return op, wire.ConfigResponse{Error: fmt.Sprintf("control: unknown opcode %d", op)}
	}
}

func (s *Server) crateArrayGet() wire.CrateArrayResponse {
	resp := wire.CrateArrayResponse{Crates: make([]wire.CrateInfo, 0, len(s.Crates))}
	for _, c := range s.Crates {
		c.Lock()
		ci := wire.CrateInfo{Name: c.Name}
		for _, dev := range c.Modules() {
			mi := wire.ModuleInfo{Type: dev.Type()}
			if sl, ok := dev.(module.SubModuleLister); ok {
				for _, sub := range sl.SubModules() {
					mi.SubModules = append(mi.SubModules, wire.ModuleInfo{Type: sub.Type})
				}
			}
			ci.Modules = append(ci.Modules, mi)
		}
		c.Unlock()
		resp.Crates = append(resp.Crates, ci)
	}
	return resp
}

func (s *Server) crateInfoGet(req wire.CrateInfoGetRequest) wire.CrateInfoGetResponse {
	c, err := s.crate(req.CrateIndex)
	if err != nil {
		return wire.CrateInfoGetResponse{}
	}
	c.Lock()
	defer c.Unlock()
	return wire.CrateInfoGetResponse{
		EventMaxOverride: c.EventMaxOverride(),
		DTRelease:        c.DTReleaseEnabled(),
		ACVTNs:           c.ACVTNanoseconds(),
		ShadowBufBytes:   c.ShadowBufBytes(),
		ShadowMaxBytes:   c.ShadowMaxBytes(),
	}
}

func (s *Server) configDump(req wire.ConfigDumpRequest) wire.ConfigDumpResponse {
	c, err := s.crate(req.CrateIndex)
	if err != nil || c.ConfigBlock() == nil {
		return wire.ConfigDumpResponse{}
	}
	c.Lock()
	defer c.Unlock()
	return wire.ConfigDumpResponse{Tree: c.ConfigBlock().Dump()}
}

func (s *Server) registerArrayGet(req wire.RegisterArrayGetRequest) wire.RegisterArrayGetResponse {
	c, err := s.crate(req.CrateIndex)
	if err != nil {
		return wire.RegisterArrayGetResponse{}
	}
	c.Lock()
	defer c.Unlock()
	modules := c.Modules()
	if req.ModuleIndex < 0 || req.ModuleIndex >= len(modules) {
		return wire.RegisterArrayGetResponse{}
	}
	lister, ok := modules[req.ModuleIndex].(module.RegisterLister)
	if !ok {
		return wire.RegisterArrayGetResponse{}
	}
	var resp wire.RegisterArrayGetResponse
	for _, entry := range lister.RegisterList() {
		n := entry.ArrayLength
		if n == 0 {
			n = 1
		}
		rv := wire.RegisterValue{Name: entry.Name, Address: entry.Address, Bits: entry.Bits, Values: make([]uint32, 0, n)}
		for i := 0; i < n; i++ {
			v, err := lister.ReadRegister(entry, i)
			if err != nil {
				break
			}
			rv.Values = append(rv.Values, v)
		}
		resp.Registers = append(resp.Registers, rv)
	}
	return resp
}

func (s *Server) config(req wire.ConfigRequest) wire.ConfigResponse {
	c, err := s.crate(req.CrateIndex)
	if err != nil {
		return wire.ConfigResponse{Error: err.Error()}
	}
	snippet, err := config.ParseSnippet([]byte(req.Snippet))
	if err != nil {
		return wire.ConfigResponse{Error: err.Error()}
	}
	c.Lock()
	defer c.Unlock()
	if err := c.Reconfigure(req.ModuleIndex, snippet); err != nil {
		return wire.ConfigResponse{Error: err.Error()}
	}
	return wire.ConfigResponse{}
}

func (s *Server) goc(req wire.GOCRequest) wire.GOCResponse {
	c, err := s.crate(req.CrateIndex)
	if err != nil {
		return wire.GOCResponse{Error: err.Error()}
	}
	c.Lock()
	defer c.Unlock()
	backend := c.SFP()
	if backend == nil {
		return wire.GOCResponse{Error: fmt.Sprintf("control: crate %s has no SFP chain", c.Name)}
	}
	priv, err := backend.Map(uint32(req.Card)<<24, 0, bus.NoBLT)
	if err != nil {
		return wire.GOCResponse{Error: err.Error()}
	}
	defer backend.Unmap(priv)

	if req.Write {
		if err := backend.SicyWrite(priv, 32, req.Offset, req.Value); err != nil {
			return wire.GOCResponse{Error: err.Error()}
		}
		return wire.GOCResponse{}
	}
	num := req.Num
	if num <= 0 {
		num = 1
	}
	resp := wire.GOCResponse{Values: make([]uint32, 0, num)}
	for i := 0; i < num; i++ {
		v, err := backend.SicyRead(priv, 32, req.Offset+uint32(i*4))
		if err != nil {
			return wire.GOCResponse{Values: resp.Values, Error: err.Error()}
		}
		resp.Values = append(resp.Values, v)
	}
	return resp
}
