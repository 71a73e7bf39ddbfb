// Package endpoints implements C8: endpoint providers. Each provider
// publishes candidate addresses a peer might be reachable at. The local
// provider enumerates interface addresses; the STUN provider is adapted
// from the teacher's pkg/discovery/stun.go RFC 5389 client; the UPnP
// provider is a best-effort IGD port mapping (no UPnP library exists
// anywhere in the retrieval pack, so it is hand-rolled SSDP+SOAP — see
// DESIGN.md for the stdlib justification).
package endpoints

import (
	"context"
	"net"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// Kind identifies which provider produced a Candidate.
type Kind string

const (
	KindLocal Kind = "local"
	KindSTUN  Kind = "stun"
	KindUPnP  Kind = "upnp"
)

// Candidate is one address a provider believes the local device is
// reachable at.
type Candidate struct {
	Kind    Kind
	Address net.UDPAddr
}

// Provider discovers candidate endpoints for the local WireGuard UDP
// socket. Implementations must not block Discover longer than the
// context allows.
type Provider interface {
	Kind() Kind
	Discover(ctx context.Context, localPort int) ([]Candidate, error)
}

// DefaultProviders returns the standard provider set (scenario S8):
// local interface enumeration, STUN, and best-effort UPnP.
func DefaultProviders(pool *socketpool.Pool) []Provider {
	return []Provider{
		NewLocalProvider(),
		NewSTUNProvider(pool, DefaultSTUNServers),
		NewUPnPProvider(),
	}
}

// Set runs every configured provider and merges their results, keyed by
// local public key so the runtime task (C14) can feed LiveState.DirectEndpoints
// once cross-ping (C9) and upgrade-sync (C10) agree on a winner.
type Set struct {
	log       meshlogLogger
	providers []Provider
}

type meshlogLogger = interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// NewSet creates a Set over the given providers.
func NewSet(providers ...Provider) *Set {
	return &Set{log: meshlog.Component("endpoints"), providers: providers}
}

// Discover runs every provider concurrently and returns the union of
// candidates, tagged with the owning public key for downstream
// cross-ping fan-out.
func (s *Set) Discover(ctx context.Context, self wgcrypto.PublicKey, localPort int) []meshtypes.EndpointCandidate {
	type result struct {
		kind Kind
		cs   []Candidate
		err  error
	}
	results := make(chan result, len(s.providers))
	for _, p := range s.providers {
		go func(p Provider) {
			cs, err := p.Discover(ctx, localPort)
			results <- result{kind: p.Kind(), cs: cs, err: err}
		}(p)
	}

	var out []meshtypes.EndpointCandidate
	for range s.providers {
		r := <-results
		if r.err != nil {
			s.log.Debug("endpoint provider failed", "kind", r.kind, "error", r.err)
			continue
		}
		for _, c := range r.cs {
			out = append(out, meshtypes.EndpointCandidate{
				PublicKeyOfSelf: self,
				Address:         c.Address,
				ProviderKind:    string(c.Kind),
				UDPPort:         localPort,
			})
		}
	}
	return out
}

const discoverTimeout = 3 * time.Second
