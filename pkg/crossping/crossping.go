// Package crossping implements C9: the cross-ping check. For every
// remote peer's endpoint candidates, it sends a ping over UDP (a frame
// carrying a nonce and the sender's public key, with no signature) and
// waits for a pong — direct, with a relay-forwarded fallback — tracking
// round-trip time per (peer, candidate) pair so it can elect a winning
// direct endpoint per spec.md §4.4's median-RTT rule.
//
// Grounded on the teacher's pkg/discovery/exchange.go rendezvous punch
// loop (PunchInterval retries, a pair-keyed cooldown to avoid punching
// the same pair twice within a window) adapted from its gossip-peer
// exchange semantics to a ping/pong round-trip probe.
package crossping

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/ratelimit"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

const (
	// PunchInterval mirrors the teacher's rendezvous retry cadence.
	PunchInterval = 300 * time.Millisecond
	// PunchCooldown prevents re-probing the same peer faster than this,
	// mirroring the teacher's RendezvousPunchCooldown.
	PunchCooldown = 15 * time.Second
	// WinWindow is how recently a pair's last successful round-trip must
	// have completed to still be eligible to win (spec.md §4.4).
	WinWindow = 2 * time.Second
	// PublishInterval is how often the current winner per peer is
	// (re-)announced on the Winners channel (spec.md §4.4's
	// wg_endpoint_publish cadence).
	PublishInterval = 2 * time.Second
	// maxSamples bounds the RTT history kept per (peer, candidate) pair.
	maxSamples = 5

	frameMagic = 0x6d657368 // "mesh" in ASCII, distinguishes probes from WireGuard traffic

	kindPing byte = 0x01
	kindPong byte = 0x02

	frameLen = 4 + 1 + 16 + wgcrypto.KeySize // magic + kind + nonce + sender pubkey
)

// Winner is published on every PublishInterval tick for each peer that
// has at least one recorded pong: Addr is the current direct winner, or nil
// if no pair currently qualifies (downgrading that peer to relay).
type Winner struct {
	PublicKey wgcrypto.PublicKey
	Addr      *net.UDPAddr
}

// pendingProbe is an outstanding ping awaiting its pong.
type pendingProbe struct {
	peer   wgcrypto.PublicKey
	addr   net.UDPAddr
	sentAt time.Time
}

// pairStats is the round-trip history for one (peer, candidate) pair.
type pairStats struct {
	addr        net.UDPAddr
	rtts        []time.Duration
	lastSuccess time.Time
}

func (s *pairStats) record(rtt time.Duration, now time.Time) {
	s.rtts = append(s.rtts, rtt)
	if len(s.rtts) > maxSamples {
		s.rtts = s.rtts[len(s.rtts)-maxSamples:]
	}
	s.lastSuccess = now
}

func (s *pairStats) medianRTT() time.Duration {
	sorted := append([]time.Duration(nil), s.rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Checker runs cross-ping checks and publishes winners for the runtime
// task to feed into LiveState.DirectEndpoints and upgradesync.OfferDirect.
type Checker struct {
	log     checkerLogger
	pool    *socketpool.Pool
	self    wgcrypto.PublicKey
	relay   *relay.Client
	conn    net.PacketConn
	limiter *ratelimit.IPRateLimiter
	clock   func() time.Time

	mu          sync.Mutex
	lastChecked map[wgcrypto.PublicKey]time.Time
	pending     map[uuid.UUID]pendingProbe
	stats       map[wgcrypto.PublicKey]map[string]*pairStats

	winners chan Winner
	done    chan struct{}
	cancel  context.CancelFunc
}

type checkerLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New creates a Checker bound to a UDP socket on the given local port
// (the same port WireGuard's own UAPI listen_port uses, so the peer's
// firewall already permits inbound traffic to it), and to a relay client
// used to forward pongs as a fallback when the direct return path fails.
func New(pool *socketpool.Pool, relayClient *relay.Client, self wgcrypto.PublicKey, localPort int) (*Checker, error) {
	ctx := context.Background()
	conn, err := pool.ListenUDP(ctx, socketpool.KindPhysical, fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("crossping: binding probe socket: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		log:         meshlog.Component("crossping"),
		pool:        pool,
		self:        self,
		relay:       relayClient,
		conn:        conn,
		limiter:     ratelimit.NewDefault(),
		clock:       time.Now,
		lastChecked: make(map[wgcrypto.PublicKey]time.Time),
		pending:     make(map[uuid.UUID]pendingProbe),
		stats:       make(map[wgcrypto.PublicKey]map[string]*pairStats),
		winners:     make(chan Winner, 64),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	go c.readLoop()
	go c.publishLoop(runCtx)
	return c, nil
}

// Winners returns the channel of periodic per-peer winner announcements.
func (c *Checker) Winners() <-chan Winner {
	return c.winners
}

// Check probes every candidate for a peer, honoring the cooldown, by
// sending an unsigned ping through the probe socket toward each
// candidate address.
func (c *Checker) Check(ctx context.Context, pk wgcrypto.PublicKey, candidates []meshtypes.EndpointCandidate) {
	c.mu.Lock()
	last, seen := c.lastChecked[pk]
	if seen && time.Since(last) < PunchCooldown {
		c.mu.Unlock()
		return
	}
	c.lastChecked[pk] = c.clock()
	c.mu.Unlock()

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}
		nonce := uuid.New()
		c.mu.Lock()
		c.pending[nonce] = pendingProbe{peer: pk, addr: cand.Address, sentAt: c.clock()}
		c.mu.Unlock()

		frame := encodeFrame(kindPing, nonce, c.self)
		if _, err := c.conn.WriteTo(frame, &cand.Address); err != nil {
			c.log.Debug("crossping: send failed", "peer", pk, "addr", cand.Address.String(), "error", err)
		}
		time.Sleep(PunchInterval)
	}
}

func (c *Checker) readLoop() {
	buf := make([]byte, 128)
	for {
		n, raddr, err := c.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		kind, nonce, senderPK, ok := decodeFrame(buf[:n])
		if !ok {
			continue
		}
		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if !c.limiter.Allow(udpAddr.IP.String()) {
			c.log.Debug("crossping: dropping probe, source IP over rate limit", "addr", udpAddr.String())
			continue
		}

		switch kind {
		case kindPing:
			c.replyPong(nonce, senderPK, *udpAddr)
		case kindPong:
			c.handlePong(nonce, c.clock())
		}
	}
}

// replyPong answers an inbound ping both directly, over the same UDP
// socket, and via the relay as a fallback (spec.md §4.4), since the
// return path for a NAT hole-punch probe is not guaranteed symmetric
// with the forward path that reached us.
func (c *Checker) replyPong(nonce uuid.UUID, proberPK wgcrypto.PublicKey, addr net.UDPAddr) {
	frame := encodeFrame(kindPong, nonce, c.self)
	if _, err := c.conn.WriteTo(frame, &addr); err != nil {
		c.log.Debug("crossping: direct pong failed", "addr", addr.String(), "error", err)
	}
	if c.relay == nil {
		return
	}
	if err := c.relay.Forward(c.self, proberPK, tagPayload(frame)); err != nil {
		c.log.Debug("crossping: relay pong fallback failed", "peer", proberPK, "error", err)
	}
}

// HandleForward processes an inbound relay forward addressed to the
// cross-ping channel (relay.TagPing): the relay-forwarded pong fallback.
func (c *Checker) HandleForward(fp relay.ForwardParams, now time.Time) {
	if len(fp.Payload) == 0 || fp.Payload[0] != relay.TagPing {
		return
	}
	kind, nonce, _, ok := decodeFrame(fp.Payload[1:])
	if !ok || kind != kindPong {
		return
	}
	c.handlePong(nonce, now)
}

func (c *Checker) handlePong(nonce uuid.UUID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[nonce]
	if !ok {
		return
	}
	delete(c.pending, nonce)
	rtt := now.Sub(p.sentAt)

	byAddr, ok := c.stats[p.peer]
	if !ok {
		byAddr = make(map[string]*pairStats)
		c.stats[p.peer] = byAddr
	}
	key := p.addr.String()
	ps, ok := byAddr[key]
	if !ok {
		ps = &pairStats{addr: p.addr}
		byAddr[key] = ps
	}
	ps.record(rtt, now)
}

// publishLoop announces the current winner per known peer every
// PublishInterval, publishing a nil Addr ("None") when no pair currently
// qualifies, which downgrades that peer to the relay path.
func (c *Checker) publishLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishWinners()
		}
	}
}

func (c *Checker) publishWinners() {
	now := c.clock()
	c.mu.Lock()
	peers := make([]wgcrypto.PublicKey, 0, len(c.stats))
	for pk := range c.stats {
		peers = append(peers, pk)
	}
	winners := make(map[wgcrypto.PublicKey]*net.UDPAddr, len(peers))
	for _, pk := range peers {
		var best *pairStats
		for _, ps := range c.stats[pk] {
			if now.Sub(ps.lastSuccess) > WinWindow {
				continue
			}
			if best == nil || ps.medianRTT() < best.medianRTT() {
				best = ps
			}
		}
		if best != nil {
			addr := best.addr
			winners[pk] = &addr
		} else {
			winners[pk] = nil
		}
	}
	c.mu.Unlock()

	for pk, addr := range winners {
		select {
		case c.winners <- Winner{PublicKey: pk, Addr: addr}:
		default:
			c.log.Debug("crossping: dropping winner announcement, channel full", "peer", pk)
		}
	}
}

// Close releases the probe socket and stops the publish loop.
func (c *Checker) Close() error {
	c.cancel()
	<-c.done
	return c.conn.Close()
}

func tagPayload(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, relay.TagPing)
	return append(out, payload...)
}

// encodeFrame builds a magic + kind + nonce + sender-pubkey probe frame.
// Distinct from a WireGuard handshake initiation so it can share the
// same listen_port without confusing the kernel/userspace device.
func encodeFrame(kind byte, nonce uuid.UUID, pk wgcrypto.PublicKey) []byte {
	out := make([]byte, frameLen)
	binary.BigEndian.PutUint32(out[0:4], frameMagic)
	out[4] = kind
	copy(out[5:21], nonce[:])
	copy(out[21:], pk[:])
	return out
}

func decodeFrame(data []byte) (kind byte, nonce uuid.UUID, pk wgcrypto.PublicKey, ok bool) {
	if len(data) != frameLen {
		return 0, uuid.UUID{}, wgcrypto.PublicKey{}, false
	}
	if binary.BigEndian.Uint32(data[0:4]) != frameMagic {
		return 0, uuid.UUID{}, wgcrypto.PublicKey{}, false
	}
	kind = data[4]
	if kind != kindPing && kind != kindPong {
		return 0, uuid.UUID{}, wgcrypto.PublicKey{}, false
	}
	copy(nonce[:], data[5:21])
	copy(pk[:], data[21:])
	return kind, nonce, pk, true
}
