// Package proxy implements C7: the relay-tunneled proxy. When cross-ping
// (C9) has not yet confirmed a direct path for a peer, the consolidator
// (C13) points WireGuard's endpoint for that peer at a local loopback
// port instead of a real address; this package owns that port, shuttling
// datagrams between WireGuard and the relay's (C6) forward channel so a
// peer behind an uncooperative NAT still gets a working tunnel.
//
// Grounded on the teacher's pkg/proxy/proxy.go: a routing table keyed by
// destination (there: Host header to origin URL; here: public key to
// loopback socket) built once per active route and torn down when the
// route is no longer needed.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

const datagramBufferSize = 65535

// Proxy tunnels WireGuard UDP traffic for peers without a confirmed
// direct path through the relay's forward channel.
type Proxy struct {
	log   proxyLogger
	pool  *socketpool.Pool
	relay *relay.Client
	self  wgcrypto.PublicKey

	mu    sync.Mutex
	peers map[wgcrypto.PublicKey]*peerTunnel
}

type proxyLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// peerTunnel is one peer's loopback socket and the last address
// WireGuard's own UDP socket sent a packet from, needed to relay inbound
// traffic back to the right place.
type peerTunnel struct {
	conn *net.UDPConn
	port int

	mu     sync.Mutex
	wgAddr *net.UDPAddr
}

// New creates a Proxy bound to a relay client and socket pool. self is
// this device's public key, sent as ForwardParams.From on every tunneled
// datagram.
func New(pool *socketpool.Pool, relayClient *relay.Client, self wgcrypto.PublicKey) *Proxy {
	return &Proxy{
		log:   meshlog.Component("proxy"),
		pool:  pool,
		relay: relayClient,
		self:  self,
		peers: make(map[wgcrypto.PublicKey]*peerTunnel),
	}
}

// EnsurePeer opens (or returns the existing) loopback port for pk,
// returning the port consolidator should configure as that peer's
// WireGuard endpoint while no direct path is confirmed.
func (p *Proxy) EnsurePeer(ctx context.Context, pk wgcrypto.PublicKey) (int, error) {
	p.mu.Lock()
	if t, ok := p.peers[pk]; ok {
		p.mu.Unlock()
		return t.port, nil
	}
	p.mu.Unlock()

	conn, err := p.pool.ListenUDP(ctx, socketpool.KindPhysical, "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("proxy: opening loopback socket for peer %x: %w", pk, err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	t := &peerTunnel{conn: conn, port: port}
	p.mu.Lock()
	p.peers[pk] = t
	p.mu.Unlock()

	go p.readLoop(pk, t)
	return port, nil
}

// RemovePeer closes and discards a peer's loopback socket, e.g. once a
// direct path is confirmed and the relay fallback is no longer needed.
func (p *Proxy) RemovePeer(pk wgcrypto.PublicKey) {
	p.mu.Lock()
	t, ok := p.peers[pk]
	delete(p.peers, pk)
	p.mu.Unlock()
	if ok {
		t.conn.Close()
	}
}

// Ports returns the current peer -> loopback-port map, for feeding
// consolidator.LiveState.ProxyPorts.
func (p *Proxy) Ports() map[wgcrypto.PublicKey]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[wgcrypto.PublicKey]int, len(p.peers))
	for pk, t := range p.peers {
		out[pk] = t.port
	}
	return out
}

// readLoop reads datagrams WireGuard sends to pk's loopback socket and
// forwards them over the relay, tagged relay.TagTunnel.
func (p *Proxy) readLoop(pk wgcrypto.PublicKey, t *peerTunnel) {
	buf := make([]byte, datagramBufferSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.wgAddr = addr
		t.mu.Unlock()

		payload := make([]byte, n+1)
		payload[0] = relay.TagTunnel
		copy(payload[1:], buf[:n])
		if err := p.relay.Forward(p.self, pk, payload); err != nil {
			p.log.Debug("proxy: forward failed", "peer", pk, "error", err)
		}
	}
}

// HandleForward delivers an inbound relay.TagTunnel forward to the
// originating peer's loopback socket, addressed back to the last local
// address WireGuard sent from. Forwards tagged for another channel
// (e.g. upgrade-sync's relay.TagControl) are ignored.
func (p *Proxy) HandleForward(fp relay.ForwardParams) {
	if len(fp.Payload) == 0 || fp.Payload[0] != relay.TagTunnel {
		return
	}
	p.mu.Lock()
	t, ok := p.peers[fp.From]
	p.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	addr := t.wgAddr
	t.mu.Unlock()
	if addr == nil {
		// WireGuard has not yet sent anything through this tunnel; there is
		// nowhere local to deliver an inbound packet to.
		return
	}
	if _, err := t.conn.WriteToUDP(fp.Payload[1:], addr); err != nil {
		p.log.Debug("proxy: delivering inbound datagram failed", "peer", fp.From, "error", err)
	}
}

// Close tears down every peer's loopback socket.
func (p *Proxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pk, t := range p.peers {
		t.conn.Close()
		delete(p.peers, pk)
	}
}
