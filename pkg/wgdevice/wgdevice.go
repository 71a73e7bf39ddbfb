// Package wgdevice implements C4: the WireGuard driver adapter. It wraps
// a tunnel driver's UAPI control socket, publishes per-peer state events,
// and exposes the contract the rest of the runtime depends on
// (set_secret_key, get_interface, wait_for_listen_port, ...).
//
// Two implementations satisfy Driver: Device (talks to a real userspace
// WireGuard control socket, Unix-domain, in the style of wireguard-go's
// `/var/run/wireguard/<iface>.sock`) and the in-memory mock used by
// consolidator/runtime tests.
package wgdevice

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quietmesh/meshnet/pkg/eventbus"
	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// PeerState is the coarse connectivity classification derived from the
// connected threshold (uapi.ConnectedThreshold).
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
)

func (s PeerState) String() string {
	if s == PeerConnected {
		return "connected"
	}
	return "connecting"
}

// PeerEvent is emitted on every observed peer-state change.
type PeerEvent struct {
	PublicKey wgcrypto.PublicKey
	State     PeerState
}

// FirewallHook gates a packet to/from a peer; true allows it through.
type FirewallHook func(peer wgcrypto.PublicKey, packet []byte) bool

// Driver is the contract C14/C13 depend on (SPEC_FULL.md §4.2).
type Driver interface {
	SetSecretKey(ctx context.Context, k wgcrypto.SecretKey) error
	GetInterface(ctx context.Context) (uapi.Interface, error)
	WaitForListenPort(ctx context.Context, timeout time.Duration) (int, error)
	GetAdapterLUID() uint64
	DropConnectedSockets(ctx context.Context) error
	GetWGSocket(ipv6 bool) (fd int, ok bool)
	Apply(ctx context.Context, iface uapi.Interface) error
	Events() <-chan PeerEvent
	SetFirewallHooks(inbound, outbound FirewallHook)
	Close() error
}

// Device is a Driver backed by a real UAPI Unix-domain control socket.
type Device struct {
	log      slogLogger
	sockPath string
	mu       sync.Mutex
	conn     net.Conn

	events    *eventbus.Bus[PeerEvent]
	lastState map[wgcrypto.PublicKey]PeerState
	clock     func() time.Time

	inbound  FirewallHook
	outbound FirewallHook
}

type slogLogger = interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// NewDevice connects to a WireGuard userspace control socket at sockPath
// (e.g. "/var/run/wireguard/wg0.sock").
func NewDevice(sockPath string) *Device {
	return &Device{
		log:       meshlog.Component("wgdevice"),
		sockPath:  sockPath,
		events:    eventbus.New[PeerEvent](64),
		lastState: make(map[wgcrypto.PublicKey]PeerState),
		clock:     time.Now,
	}
}

func (d *Device) dial(ctx context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.sockPath)
	if err != nil {
		return nil, fmt.Errorf("wgdevice: dialing %s: %w", d.sockPath, err)
	}
	d.conn = conn
	return conn, nil
}

// exchange sends cmd and parses the uapi response in a single attempt;
// it does not retry. On a write or parse error it drops the cached
// connection and returns the error to the caller; the next call redials.
func (d *Device) exchange(ctx context.Context, cmd string) (uapi.Response, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return uapi.Response{}, err
	}
	if _, err := conn.Write([]byte(cmd)); err != nil {
		d.invalidate()
		return uapi.Response{}, fmt.Errorf("wgdevice: writing command: %w", err)
	}
	resp, err := uapi.Parse(bufio.NewReader(conn))
	if err != nil {
		d.invalidate()
		return uapi.Response{}, fmt.Errorf("wgdevice: parsing response: %w", err)
	}
	return resp, nil
}

func (d *Device) invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *Device) SetSecretKey(ctx context.Context, k wgcrypto.SecretKey) error {
	iface := uapi.Interface{PrivateKey: &k}
	return d.Apply(ctx, iface)
}

func (d *Device) GetInterface(ctx context.Context) (uapi.Interface, error) {
	resp, err := d.exchange(ctx, uapi.GetCommand)
	if err != nil {
		return uapi.Interface{}, err
	}
	now := d.clock()
	d.publishTransitions(resp.Interface, now)
	return resp.Interface, nil
}

// publishTransitions diffs newly-read peer states against the last seen
// classification and emits a PeerEvent for each change.
func (d *Device) publishTransitions(iface uapi.Interface, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[wgcrypto.PublicKey]struct{}, len(iface.Peers))
	for pk, p := range iface.Peers {
		seen[pk] = struct{}{}
		state := PeerConnecting
		if p.ElapsedSince(now).IsConnected() {
			state = PeerConnected
		}
		if prev, ok := d.lastState[pk]; !ok || prev != state {
			d.lastState[pk] = state
			d.events.Publish(PeerEvent{PublicKey: pk, State: state})
		}
	}
	for pk := range d.lastState {
		if _, ok := seen[pk]; !ok {
			delete(d.lastState, pk)
		}
	}
}

func (d *Device) WaitForListenPort(ctx context.Context, timeout time.Duration) (int, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		iface, err := d.GetInterface(ctx)
		if err == nil && iface.ListenPort != nil {
			return *iface.ListenPort, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return 0, fmt.Errorf("wgdevice: timed out waiting for listen port")
		case <-ticker.C:
		}
	}
}

// GetAdapterLUID is a Windows-only concept; 0 on every other platform.
func (d *Device) GetAdapterLUID() uint64 { return 0 }

func (d *Device) DropConnectedSockets(ctx context.Context) error {
	// Forces reconnection by clearing every peer's endpoint, causing the
	// driver to relearn it on the next incoming handshake.
	iface, err := d.GetInterface(ctx)
	if err != nil {
		return err
	}
	for pk, p := range iface.Peers {
		p.Endpoint = ""
		p.UpdateOnly = true
		iface.Peers[pk] = p
	}
	return d.Apply(ctx, iface)
}

func (d *Device) GetWGSocket(ipv6 bool) (int, bool) {
	// Userspace control-socket drivers do not expose the underlying UDP
	// fd directly; host-side socket protection must instead protect the
	// socket pool's own sockets. Concrete adapters for platforms that do
	// expose this (e.g. via an ioctl) override this method.
	return 0, false
}

func (d *Device) Apply(ctx context.Context, iface uapi.Interface) error {
	resp, err := d.exchange(ctx, uapi.SetCommand(iface))
	if err != nil {
		return err
	}
	if resp.Errno != 0 {
		return fmt.Errorf("wgdevice: set command failed with errno=%d", resp.Errno)
	}
	return nil
}

func (d *Device) Events() <-chan PeerEvent {
	return d.events.Subscribe()
}

func (d *Device) SetFirewallHooks(inbound, outbound FirewallHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = inbound
	d.outbound = outbound
}

func (d *Device) Close() error {
	d.events.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
