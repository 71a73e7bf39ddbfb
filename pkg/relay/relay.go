// Package relay implements C6: a DERP-style relay client. It maintains a
// TLS session to the best-weighted relay server and multiplexes
// control-plane messages between peers.
//
// Wire format is grounded on the teacher's JSON-RPC envelope
// (pkg/rpc/protocol.go): every frame is a big-endian uint16 length
// prefix followed by a JSON object with "method" and "params" members
// (the JSON-RPC request shape, without "jsonrpc" or "id") whose Method
// is one of MethodPing/MethodPong/MethodForward/MethodServerMap. Reconnection uses
// exponential backoff via github.com/cenkalti/backoff/v4, already part
// of the teacher's dependency graph though previously unused directly.
package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quietmesh/meshnet/pkg/eventbus"
	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

const (
	MethodPing      = "ping"
	MethodPong      = "pong"
	MethodForward   = "forward"
	MethodServerMap = "server_map"

	maxFrameSize = 64 * 1024
)

// Frame is one decoded relay control-plane message.
type Frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ForwardParams is the payload of a "forward" frame: an opaque
// message addressed to a peer by public key, ferried through the relay
// as a fallback path. Payload's first byte is always one of the Tag*
// constants, identifying which subsystem's channel it belongs to, since
// both upgrade-sync control messages and proxied tunnel datagrams share
// this same forward channel.
type ForwardParams struct {
	From    wgcrypto.PublicKey `json:"from"`
	To      wgcrypto.PublicKey `json:"to"`
	Payload []byte             `json:"payload"`
}

const (
	// TagControl marks a Payload as an upgradesync JSON control message.
	TagControl byte = 0x01
	// TagTunnel marks a Payload as an opaque proxy (C7) tunnel datagram.
	TagTunnel byte = 0x02
	// TagPing marks a Payload as a cross-ping (C9) pong, forwarded via
	// the relay as the fallback path spec.md §4.4 requires alongside the
	// direct UDP pong.
	TagPing byte = 0x03
)

// ServerEvent is published on a best-server change, forwarded verbatim
// to the host as a DerpServer event (SPEC_FULL.md §6).
type ServerEvent struct {
	Server meshtypes.DerpServer
}

// Client maintains the relay session and server-weight bookkeeping.
type Client struct {
	log *slog.Logger

	mu         sync.Mutex
	candidates []meshtypes.DerpServer
	current    *meshtypes.DerpServer
	conn       net.Conn
	connected  bool
	stopCh     chan struct{}
	wg         sync.WaitGroup

	serverEvents *eventbus.Bus[ServerEvent]
	forwards     *eventbus.Bus[ForwardParams]

	dialFunc func(ctx context.Context, addr string) (net.Conn, error)
}

// New creates a relay client with no active session. Call SetCandidates
// then Start.
func New() *Client {
	return &Client{
		log:          meshlog.Component("relay"),
		stopCh:       make(chan struct{}),
		serverEvents: eventbus.New[ServerEvent](8),
		forwards:     eventbus.New[ForwardParams](256),
	}
}

// SetCandidates updates the known relay server set and re-weights the
// current selection (highest Weight wins; ties broken by RegionName for
// determinism).
func (c *Client) SetCandidates(servers []meshtypes.DerpServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append([]meshtypes.DerpServer(nil), servers...)
	best := bestServer(c.candidates)
	changed := best != nil && (c.current == nil || *best != *c.current)
	c.current = best
	if changed && best != nil {
		c.serverEvents.Publish(ServerEvent{Server: *best})
	}
}

func bestServer(servers []meshtypes.DerpServer) *meshtypes.DerpServer {
	if len(servers) == 0 {
		return nil
	}
	sorted := append([]meshtypes.DerpServer(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].RegionName < sorted[j].RegionName
	})
	best := sorted[0]
	return &best
}

// Start connects to the current best server and begins the read loop,
// reconnecting with exponential backoff on failure.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.connectLoop(ctx)
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		server := c.current
		c.mu.Unlock()
		if server == nil {
			time.Sleep(bo.NextBackOff())
			continue
		}

		conn, err := c.dial(ctx, server.Address)
		if err != nil {
			c.log.Warn("relay dial failed", "server", server.Address, "error", err)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			continue
		}

		bo.Reset()
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.dialFunc != nil {
		return c.dialFunc(ctx, addr)
	}
	dialer := tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS13}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: dialing %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				c.log.Debug("relay read loop ended", "error", err)
			}
			return
		}
		c.dispatch(frame)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
	}
}

func (c *Client) dispatch(frame Frame) {
	switch frame.Method {
	case MethodForward:
		var p ForwardParams
		if err := json.Unmarshal(frame.Params, &p); err == nil {
			c.forwards.Publish(p)
		}
	case MethodServerMap:
		var servers []meshtypes.DerpServer
		if err := json.Unmarshal(frame.Params, &servers); err == nil {
			c.SetCandidates(servers)
		}
	}
}

// Forward sends a control-plane message to peer `to` via the relay,
// used as the fallback path for pongs and as the sole path for
// upgrade-sync requests before a direct session exists.
func (c *Client) Forward(from, to wgcrypto.PublicKey, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: no active session")
	}
	params, err := json.Marshal(ForwardParams{From: from, To: to, Payload: payload})
	if err != nil {
		return fmt.Errorf("relay: encoding forward: %w", err)
	}
	wire, err := json.Marshal(Frame{Method: MethodForward, Params: params})
	if err != nil {
		return fmt.Errorf("relay: encoding frame: %w", err)
	}
	return writeFrame(conn, wire)
}

// Forwards returns the channel of inbound forwarded control-plane
// messages addressed through this relay session.
func (c *Client) Forwards() <-chan ForwardParams {
	return c.forwards.Subscribe()
}

// ServerEvents returns the channel of best-server changes (the "relay
// event (server change)" stimulus in spec.md §4.6).
func (c *Client) ServerEvents() <-chan ServerEvent {
	return c.serverEvents.Subscribe()
}

// Connected reports whether a relay session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stop tears down the relay session and read loop, waiting for drain.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.serverEvents.Close()
	c.forwards.Close()
}

func readFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > maxFrameSize {
		return Frame{}, fmt.Errorf("relay: frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("relay: decoding frame: %w", err)
	}
	return frame, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("relay: frame too large: %d bytes", len(payload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
