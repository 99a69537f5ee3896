package control

import (
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"crateread.dev/control/wire"
)

// Client is a blocking control-protocol client for cmd/cratectl.
type Client struct {
	conn net.Conn
}

// Dial connects to a control server at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(op wire.Opcode, req, resp any) error {
	if err := wire.WriteFrame(c.conn, op, req); err != nil {
		return err
	}
	gotOp, payload, err := wire.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if gotOp != op {
		return fmt.Errorf("control: expected %s reply, got %s", op, gotOp)
	}
	return cbor.Unmarshal(payload, resp)
}

// CrateArrayGet enumerates every crate and module the server holds.
func (c *Client) CrateArrayGet() (wire.CrateArrayResponse, error) {
	var resp wire.CrateArrayResponse
	err := c.call(wire.OpCrateArrayGet, struct{}{}, &resp)
	return resp, err
}

// CrateInfoGet fetches one crate's live engine state.
func (c *Client) CrateInfoGet(crateIndex int) (wire.CrateInfoGetResponse, error) {
	var resp wire.CrateInfoGetResponse
	err := c.call(wire.OpCrateInfoGet, wire.CrateInfoGetRequest{CrateIndex: crateIndex}, &resp)
	return resp, err
}

// ConfigDump fetches the parsed config tree of one crate.
func (c *Client) ConfigDump(crateIndex int) (wire.ConfigDumpResponse, error) {
	var resp wire.ConfigDumpResponse
	err := c.call(wire.OpConfigDump, wire.ConfigDumpRequest{CrateIndex: crateIndex}, &resp)
	return resp, err
}

// RegisterArrayGet dumps a module's documented registers from live
// hardware.
func (c *Client) RegisterArrayGet(req wire.RegisterArrayGetRequest) (wire.RegisterArrayGetResponse, error) {
	var resp wire.RegisterArrayGetResponse
	err := c.call(wire.OpRegisterArrayGet, req, &resp)
	return resp, err
}

// Config merges a config snippet into a live module.
func (c *Client) Config(req wire.ConfigRequest) (wire.ConfigResponse, error) {
	var resp wire.ConfigResponse
	err := c.call(wire.OpConfig, req, &resp)
	return resp, err
}

// GOC issues a serial-fibre register read or write.
func (c *Client) GOC(req wire.GOCRequest) (wire.GOCResponse, error) {
	var resp wire.GOCResponse
	err := c.call(wire.OpGOC, req, &resp)
	return resp, err
}
