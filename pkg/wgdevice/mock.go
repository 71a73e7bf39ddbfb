package wgdevice

import (
	"context"
	"sync"
	"time"

	"github.com/quietmesh/meshnet/pkg/eventbus"
	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// Mock is an in-process Driver used by consolidator and runtime tests.
// It records every Apply call, letting tests assert idempotent
// consolidation (invariant 4: two consecutive consolidations with
// unchanged inputs produce zero UAPI writes).
type Mock struct {
	mu        sync.Mutex
	iface     uapi.Interface
	applyLog  []uapi.Interface
	listenPort int
	events    *eventbus.Bus[PeerEvent]
	clock     func() time.Time
}

// NewMock creates a Mock seeded with an empty interface.
func NewMock(clock func() time.Time) *Mock {
	if clock == nil {
		clock = time.Now
	}
	return &Mock{
		iface:  uapi.Interface{Peers: make(map[wgcrypto.PublicKey]uapi.Peer)},
		events: eventbus.New[PeerEvent](64),
		clock:  clock,
	}
}

func (m *Mock) SetSecretKey(_ context.Context, k wgcrypto.SecretKey) error {
	return m.Apply(context.Background(), uapi.Interface{PrivateKey: &k})
}

func (m *Mock) GetInterface(_ context.Context) (uapi.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneInterface(m.iface), nil
}

func (m *Mock) WaitForListenPort(_ context.Context, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listenPort == 0 {
		m.listenPort = 51820
	}
	return m.listenPort, nil
}

func (m *Mock) GetAdapterLUID() uint64 { return 0 }

func (m *Mock) DropConnectedSockets(_ context.Context) error { return nil }

func (m *Mock) GetWGSocket(_ bool) (int, bool) { return 0, false }

// Apply merges iface into the mock's live state the way a real UAPI set
// command would (peer.Remove deletes, otherwise upsert), and records the
// call verbatim for ApplyCallCount/AppliedCommands assertions.
func (m *Mock) Apply(_ context.Context, iface uapi.Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLog = append(m.applyLog, cloneInterface(iface))

	if iface.PrivateKey != nil {
		m.iface.PrivateKey = iface.PrivateKey
	}
	if iface.ListenPort != nil {
		m.iface.ListenPort = iface.ListenPort
	}
	if iface.Fwmark != 0 {
		m.iface.Fwmark = iface.Fwmark
	}
	for pk, p := range iface.Peers {
		if p.Remove {
			delete(m.iface.Peers, pk)
			continue
		}
		existing, had := m.iface.Peers[pk]
		if had && p.UpdateOnly {
			if p.Endpoint != "" {
				existing.Endpoint = p.Endpoint
			}
			if p.PersistentKeepaliveInterval != nil {
				existing.PersistentKeepaliveInterval = p.PersistentKeepaliveInterval
			}
			if len(p.AllowedIPs) > 0 {
				existing.AllowedIPs = p.AllowedIPs
			}
			m.iface.Peers[pk] = existing
			continue
		}
		p.PublicKey = pk
		m.iface.Peers[pk] = p
	}
	return nil
}

func (m *Mock) Events() <-chan PeerEvent {
	return m.events.Subscribe()
}

func (m *Mock) SetFirewallHooks(_, _ FirewallHook) {}

func (m *Mock) Close() error {
	m.events.Close()
	return nil
}

// ApplyCallCount returns the number of Apply invocations so far, the
// basis for the idempotent-consolidation test (invariant 4).
func (m *Mock) ApplyCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applyLog)
}

// AppliedCommands returns every Apply call recorded so far, in order.
func (m *Mock) AppliedCommands() []uapi.Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uapi.Interface, len(m.applyLog))
	copy(out, m.applyLog)
	return out
}

func cloneInterface(iface uapi.Interface) uapi.Interface {
	out := iface
	out.Peers = make(map[wgcrypto.PublicKey]uapi.Peer, len(iface.Peers))
	for k, v := range iface.Peers {
		peerCopy := v
		peerCopy.AllowedIPs = append([]string(nil), v.AllowedIPs...)
		out.Peers[k] = peerCopy
	}
	return out
}

var _ Driver = (*Mock)(nil)
var _ Driver = (*Device)(nil)
