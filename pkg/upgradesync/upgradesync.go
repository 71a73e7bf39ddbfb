// Package upgradesync implements C10: upgrade synchronization. A direct
// endpoint discovered by cross-ping (C9) is only used once both sides
// have exchanged an explicit accept over the relay's control channel —
// this prevents one-sided path flapping when only one direction of the
// direct path actually works.
//
// Grounded on the teacher's rendezvousOffer/rendezvousStart exchange in
// pkg/discovery/exchange.go: a two-phase offer/accept handshake carried
// over an existing control channel (there: the peer-exchange UDP
// socket; here: the relay's Forward channel).
package upgradesync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// SessionTTL mirrors the teacher's RendezvousSessionTTL: an offer not
// accepted within this window is discarded.
const SessionTTL = 20 * time.Second

const (
	msgOffer  = "upgrade_offer"
	msgAccept = "upgrade_accept"
)

type message struct {
	Type      string `json:"type"`
	Direct    string `json:"direct,omitempty"` // "ip:port" the sender believes it is reachable at
	Timestamp int64  `json:"timestamp"`
}

// Sync tracks per-peer upgrade negotiation state.
type Sync struct {
	log   syncLogger
	relay *relay.Client
	self  wgcrypto.PublicKey

	mu       sync.Mutex
	pending  map[wgcrypto.PublicKey]time.Time // offers we've sent, awaiting accept
	accepted map[wgcrypto.PublicKey]bool
}

type syncLogger = interface {
	Debug(msg string, args ...any)
}

// New creates an upgrade-sync tracker bound to a relay client's forward
// channel.
func New(relayClient *relay.Client, self wgcrypto.PublicKey) *Sync {
	return &Sync{
		log:      meshlog.Component("upgradesync"),
		relay:    relayClient,
		self:     self,
		pending:  make(map[wgcrypto.PublicKey]time.Time),
		accepted: make(map[wgcrypto.PublicKey]bool),
	}
}

// OfferDirect sends an upgrade offer to peer pk once cross-ping has
// confirmed a direct round-trip, and records the offer as pending.
func (s *Sync) OfferDirect(pk wgcrypto.PublicKey, directAddr string, now time.Time) error {
	s.mu.Lock()
	s.pending[pk] = now
	s.mu.Unlock()

	msg := message{Type: msgOffer, Direct: directAddr, Timestamp: now.Unix()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.relay.Forward(s.self, pk, tagPayload(payload))
}

// HandleForward processes an inbound relay forward addressed to the
// upgrade-sync channel (relay.TagControl). Forwards tagged for another
// channel (e.g. the proxy's relay.TagTunnel) are ignored. An offer is
// answered with an accept; an accept marks the peer as upgraded.
func (s *Sync) HandleForward(fp relay.ForwardParams, now time.Time) {
	if len(fp.Payload) == 0 || fp.Payload[0] != relay.TagControl {
		return
	}
	var msg message
	if err := json.Unmarshal(fp.Payload[1:], &msg); err != nil {
		return
	}
	switch msg.Type {
	case msgOffer:
		accept := message{Type: msgAccept, Timestamp: now.Unix()}
		payload, err := json.Marshal(accept)
		if err != nil {
			return
		}
		if err := s.relay.Forward(s.self, fp.From, tagPayload(payload)); err != nil {
			s.log.Debug("upgradesync: accept send failed", "peer", fp.From, "error", err)
			return
		}
		s.markAccepted(fp.From)
	case msgAccept:
		s.markAccepted(fp.From)
	}
}

func tagPayload(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, relay.TagControl)
	return append(out, payload...)
}

func (s *Sync) markAccepted(pk wgcrypto.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[pk] = true
	delete(s.pending, pk)
}

// Accepted reports whether peer pk has completed the upgrade handshake
// (scenario: the consolidator's LiveState.UpgradeAccepted map).
func (s *Sync) Accepted(pk wgcrypto.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[pk]
}

// Snapshot returns the full accepted set, for feeding LiveState directly.
func (s *Sync) Snapshot() map[wgcrypto.PublicKey]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[wgcrypto.PublicKey]bool, len(s.accepted))
	for k, v := range s.accepted {
		out[k] = v
	}
	return out
}

// Expire clears pending offers older than SessionTTL. The accepted set
// is not touched: a peer that has completed the handshake stays accepted
// for the lifetime of the Sync.
func (s *Sync) Expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pk, sentAt := range s.pending {
		if now.Sub(sentAt) > SessionTTL {
			delete(s.pending, pk)
		}
	}
}
