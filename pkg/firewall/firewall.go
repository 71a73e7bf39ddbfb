// Package firewall implements C5: a stateful inbound/outbound packet
// filter keyed by remote public key. It plugs into the WireGuard driver
// adapter (C4) as the firewall_inbound/firewall_outbound hooks gating
// packets before they reach the tunnel.
//
// Policy is simple and explicit: peers are allowed by default once
// admitted to the meshnet config, with an optional per-peer inbound
// connection allowance (allow_incoming_connections, mirrored from Node)
// and a global per-peer packet rate limit grounded on the teacher's
// token-bucket rate limiter (pkg/ratelimit), reimplemented here against
// golang.org/x/time/rate since each peer already has a stable key to
// index by (no LRU eviction needed, unlike the by-source-IP limiter).
package firewall

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// DefaultPacketsPerSecond and DefaultBurst bound per-peer packet rate;
// chosen generously since WireGuard already authenticates every packet —
// this is a defense-in-depth backstop, not the primary access control.
const (
	DefaultPacketsPerSecond = 2000
	DefaultBurst            = 4000
)

// PeerPolicy controls filtering for a single remote peer.
type PeerPolicy struct {
	AllowIncomingConnections bool
	AllowPeerSendFiles       bool
}

// Firewall is the stateful per-peer packet filter.
type Firewall struct {
	mu       sync.RWMutex
	policies map[wgcrypto.PublicKey]PeerPolicy
	limiters map[wgcrypto.PublicKey]*rate.Limiter

	packetsPerSecond float64
	burst            int
}

// New creates an empty Firewall with no admitted peers.
func New() *Firewall {
	return &Firewall{
		policies:         make(map[wgcrypto.PublicKey]PeerPolicy),
		limiters:         make(map[wgcrypto.PublicKey]*rate.Limiter),
		packetsPerSecond: DefaultPacketsPerSecond,
		burst:            DefaultBurst,
	}
}

// AdmitPeer installs (or updates) a peer's policy, the point at which
// the consolidator's desired meshnet peer set becomes filterable.
func (f *Firewall) AdmitPeer(pk wgcrypto.PublicKey, policy PeerPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[pk] = policy
	if _, ok := f.limiters[pk]; !ok {
		f.limiters[pk] = rate.NewLimiter(rate.Limit(f.packetsPerSecond), f.burst)
	}
}

// RemovePeer revokes a peer's admission; subsequent packets from it are
// dropped until re-admitted.
func (f *Firewall) RemovePeer(pk wgcrypto.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, pk)
	delete(f.limiters, pk)
}

// Inbound gates a packet arriving from pk. Non-admitted peers and
// rate-limit violations are dropped silently (packet-level errors never
// escape the firewall, per SPEC_FULL.md §7).
func (f *Firewall) Inbound(pk wgcrypto.PublicKey, _ []byte) bool {
	f.mu.RLock()
	_, admitted := f.policies[pk]
	limiter := f.limiters[pk]
	f.mu.RUnlock()
	if !admitted {
		return false
	}
	return limiter.Allow()
}

// Outbound gates a packet destined to pk. Outbound traffic to admitted
// peers is always allowed; this hook exists primarily so a future
// per-peer egress policy has a slot without changing the C4 contract.
func (f *Firewall) Outbound(pk wgcrypto.PublicKey, _ []byte) bool {
	f.mu.RLock()
	_, admitted := f.policies[pk]
	f.mu.RUnlock()
	return admitted
}

// AllowIncomingConnections reports the policy bit mirrored onto Node.
func (f *Firewall) AllowIncomingConnections(pk wgcrypto.PublicKey) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.policies[pk].AllowIncomingConnections
}

// SetRateLimit reconfigures the per-peer packet rate for newly admitted
// peers and all currently admitted ones.
func (f *Firewall) SetRateLimit(packetsPerSecond float64, burst int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packetsPerSecond = packetsPerSecond
	f.burst = burst
	for pk := range f.limiters {
		f.limiters[pk] = rate.NewLimiter(rate.Limit(packetsPerSecond), burst)
	}
}

// AdmittedPeers returns the currently admitted peer set, for diagnostics.
func (f *Firewall) AdmittedPeers() []wgcrypto.PublicKey {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]wgcrypto.PublicKey, 0, len(f.policies))
	for pk := range f.policies {
		out = append(out, pk)
	}
	return out
}
