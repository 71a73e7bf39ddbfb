// Package meshtypes holds the shared data model (spec.md §3 / SPEC_FULL.md §3)
// that both the consolidator (C13) and the runtime task (C14) operate
// on: MeshConfig, ExitNode, Node, and the process-singleton
// RequestedState. Keeping these in their own package lets C13 reduce
// (RequestedState, live state) without importing the runtime package
// that owns RequestedState's lifecycle.
package meshtypes

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// PeerBase is the user-supplied description of one meshnet peer.
type PeerBase struct {
	Identifier   string
	PublicKey    wgcrypto.PublicKey
	Hostname     string
	IPAddresses  []net.IP

	AllowIncomingConnections bool
	AllowPeerSendFiles       bool
	RoutableNetworks         []net.IPNet
	IsMeshnetExit            bool // this peer is currently serving as the meshnet exit
}

// DerpServer describes one candidate relay server.
type DerpServer struct {
	RegionName string
	Address    string // host:port
	PublicKey  wgcrypto.PublicKey
	Weight     int
}

// DNSConfig carries the optional upstream/forwarding configuration
// supplied alongside a MeshConfig.
type DNSConfig struct {
	Upstream []net.IP
}

// MeshConfig is the user-supplied configuration driving the meshnet.
type MeshConfig struct {
	This        PeerBase
	Peers       []PeerBase
	DerpServers []DerpServer
	DNS         *DNSConfig
}

// Validate enforces the Key Agreement invariant: This.PublicKey must
// equal public_key_of(device private key).
func (c MeshConfig) Validate(devicePublic wgcrypto.PublicKey) error {
	if c.This.PublicKey != devicePublic {
		return fmt.Errorf("meshtypes: this.public_key does not match device key: %w", ErrBadPublicKey)
	}
	return nil
}

// ErrBadPublicKey is returned when a supplied public key does not match
// the device's derived public key.
var ErrBadPublicKey = fmt.Errorf("bad public key")

// ExitNode is the peer (meshnet or VPN) currently receiving default-route
// traffic.
type ExitNode struct {
	Identifier string
	PublicKey  wgcrypto.PublicKey
	Endpoint   string // empty => meshnet exit; non-empty => VPN exit
	AllowedIPs []net.IPNet
}

// IsVPN reports whether this exit node is an external VPN gateway (as
// opposed to a peer already present in the meshnet).
func (e ExitNode) IsVPN() bool {
	return e.Endpoint != ""
}

// DefaultVPNAllowedIPs is {0.0.0.0/0, ::/0}, applied when a VPN ExitNode
// is connected without explicit allowed_ips.
func DefaultVPNAllowedIPs() []net.IPNet {
	_, v4, _ := net.ParseCIDR("0.0.0.0/0")
	_, v6, _ := net.ParseCIDR("::/0")
	return []net.IPNet{*v4, *v6}
}

// NodeState is the host-visible connectivity classification.
type NodeState int

const (
	NodeConnecting NodeState = iota
	NodeConnected
	NodeDisconnected
)

func (s NodeState) String() string {
	switch s {
	case NodeConnected:
		return "connected"
	case NodeDisconnected:
		return "disconnected"
	default:
		return "connecting"
	}
}

// Path is the transport a peer is currently reached over.
type Path int

const (
	PathRelay Path = iota
	PathDirect
)

func (p Path) String() string {
	if p == PathDirect {
		return "direct"
	}
	return "relay"
}

// Node is the host-visible representation of a peer.
type Node struct {
	Identifier               string
	PublicKey                wgcrypto.PublicKey
	Hostname                 string
	IPAddresses              []net.IP
	State                    NodeState
	IsExit                   bool
	IsVPN                    bool
	AllowIncomingConnections bool
	AllowPeerSendFiles       bool
	Path                     Path
}

// EndpointCandidate is an address a local endpoint provider has
// published as potentially reachable for the owning public key.
type EndpointCandidate struct {
	PublicKeyOfSelf wgcrypto.PublicKey
	Address         net.UDPAddr
	ProviderKind    string // "local", "stun", "upnp"
	UDPPort         int
}

// DeviceConfig is the start-time configuration (spec.md §6 DeviceConfig).
type DeviceConfig struct {
	PrivateKey   wgcrypto.SecretKey
	AdapterKind  string
	Fwmark       uint32
	TunName      string
}

// KeepalivePeriods selects persistent_keepalive_interval by path.
type KeepalivePeriods struct {
	Direct time.Duration
	Proxy  time.Duration
	VPN    time.Duration
}

// DefaultKeepalivePeriods mirrors WireGuard's common recommended
// interval for NAT keepalive (25s) on all paths unless overridden.
func DefaultKeepalivePeriods() KeepalivePeriods {
	return KeepalivePeriods{
		Direct: 25 * time.Second,
		Proxy:  25 * time.Second,
		VPN:    25 * time.Second,
	}
}

// RequestedState is the process-singleton declarative configuration
// owned exclusively by the runtime task (single-writer). It must only be
// mutated from within C14; other components read a snapshot via Clone.
type RequestedState struct {
	mu sync.Mutex

	DeviceConfig     DeviceConfig
	MeshnetConfig    *MeshConfig
	OldMeshnetConfig *MeshConfig
	ExitNode         *ExitNode
	LastExitNode     *ExitNode
	UpstreamServers  []net.IP
	WGStunServer     *DerpServer
	KeepalivePeriods KeepalivePeriods
}

// New creates a fresh RequestedState as constructed at Device.Start.
func New(cfg DeviceConfig) *RequestedState {
	return &RequestedState{
		DeviceConfig:     cfg,
		KeepalivePeriods: DefaultKeepalivePeriods(),
	}
}

// Clone returns a value copy safe for a consolidation pass to read
// without holding the runtime task's own lock-free single-writer
// discipline hostage; callers must not mutate the returned MeshConfig
// peer slices in place.
func (s *RequestedState) Clone() RequestedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RequestedState{
		DeviceConfig:     s.DeviceConfig,
		MeshnetConfig:    s.MeshnetConfig,
		OldMeshnetConfig: s.OldMeshnetConfig,
		ExitNode:         s.ExitNode,
		LastExitNode:     s.LastExitNode,
		UpstreamServers:  s.UpstreamServers,
		WGStunServer:     s.WGStunServer,
		KeepalivePeriods: s.KeepalivePeriods,
	}
}

// Mutate runs fn with exclusive access, the only sanctioned way to
// change RequestedState fields (enforces single-writer in-process; the
// runtime task is still responsible for never calling Mutate from more
// than one goroutine).
func (s *RequestedState) Mutate(fn func(*RequestedState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Reset restores defaults on stop, keeping the DeviceConfig's zero value
// per spec.md §3's "reset to default on stop" lifecycle rule.
func (s *RequestedState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = RequestedState{KeepalivePeriods: DefaultKeepalivePeriods()}
}

// CollectDNSRecords builds the hostname -> IP mapping for the internal
// zone from the current meshnet config's peers (scenario S7).
func (s *RequestedState) CollectDNSRecords() map[string][]net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make(map[string][]net.IP)
	if s.MeshnetConfig == nil {
		return records
	}
	for _, p := range s.MeshnetConfig.Peers {
		if p.Hostname == "" {
			continue
		}
		records[p.Hostname] = append(records[p.Hostname], p.IPAddresses...)
	}
	if s.MeshnetConfig.This.Hostname != "" {
		records[s.MeshnetConfig.This.Hostname] = append(records[s.MeshnetConfig.This.Hostname], s.MeshnetConfig.This.IPAddresses...)
	}
	return records
}
