// Package consolidator implements C13: the WireGuard state consolidator,
// the reducer that turns (requested_state, live_state) into UAPI set
// commands. It is modeled as a pure function per SPEC_FULL.md §9's design
// note ("prefer a pure function reduce(desired, live) -> list<UapiOp>"),
// grounded on the teacher's buildDesiredPeerConfigs/applyDesiredPeerConfigs
// pair in pkg/daemon/daemon.go: compute the full desired peer set, diff
// it against live state, and apply only the delta.
package consolidator

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// ErrBadAllowedIPs is returned when two peers claim the same allowed_ips
// network, or when a candidate exit node's allowed_ips contain an
// existing mesh peer's IP (invariant 2; scenario S4). Distinct networks
// that merely overlap are not rejected by Reduce.
var ErrBadAllowedIPs = errors.New("consolidator: allowed-ip collision")

// LiveState is everything the consolidator reads besides RequestedState:
// a readout of the current live Interface, the proxy's local port per
// remote peer, the cross-ping check's winning direct endpoint per peer,
// and upgrade-sync's per-peer accept decision.
type LiveState struct {
	Interface       uapi.Interface
	ProxyPorts      map[wgcrypto.PublicKey]int
	DirectEndpoints map[wgcrypto.PublicKey]net.UDPAddr
	UpgradeAccepted map[wgcrypto.PublicKey]bool
}

// CheckExitNodeAllowedIPs validates a candidate exit node against the
// current meshnet config before it is ever written into RequestedState,
// so a rejected connect_exit_node call leaves exit_node untouched and
// triggers zero UAPI writes (scenario S4). Callers (C14's
// connect_exit_node action) must call this before mutating RequestedState.
func CheckExitNodeAllowedIPs(cfg *meshtypes.MeshConfig, exit meshtypes.ExitNode) error {
	if cfg == nil || !exit.IsVPN() {
		return nil
	}
	candidateIPs := exit.AllowedIPs
	if len(candidateIPs) == 0 {
		candidateIPs = meshtypes.DefaultVPNAllowedIPs()
	}
	for _, peer := range cfg.Peers {
		for _, peerIP := range peer.IPAddresses {
			for _, candidate := range candidateIPs {
				if candidate.Contains(peerIP) {
					return fmt.Errorf("%w: VPN exit allowed_ips collide with mesh peer %s", ErrBadAllowedIPs, peer.Hostname)
				}
			}
		}
	}
	return nil
}

// Reduce builds the desired Interface from RequestedState and LiveState,
// following spec.md §4.3's six construction steps. It is pure: it reads
// its inputs and returns a value, performing no I/O and no side effects.
func Reduce(rs meshtypes.RequestedState, live LiveState, now time.Time) (uapi.Interface, error) {
	desired := uapi.Interface{
		Fwmark: rs.DeviceConfig.Fwmark,
		Peers:  make(map[wgcrypto.PublicKey]uapi.Peer),
	}
	sk := rs.DeviceConfig.PrivateKey
	desired.PrivateKey = &sk

	if live.Interface.ListenPort != nil {
		desired.ListenPort = live.Interface.ListenPort
	}

	assigned := make(map[string]wgcrypto.PublicKey) // CIDR string -> owning peer, for disjointness

	addAllowedIPs := func(pk wgcrypto.PublicKey, label string, nets []net.IPNet) error {
		for _, n := range nets {
			key := n.String()
			if owner, ok := assigned[key]; ok && owner != pk {
				return fmt.Errorf("%w: %s and existing peer both claim %s", ErrBadAllowedIPs, label, key)
			}
			assigned[key] = pk
		}
		return nil
	}

	if rs.MeshnetConfig != nil {
		for _, peer := range rs.MeshnetConfig.Peers {
			nets := hostRoutes(peer.IPAddresses)
			isExit := rs.ExitNode != nil && !rs.ExitNode.IsVPN() && rs.ExitNode.PublicKey == peer.PublicKey
			if isExit {
				nets = append(nets, meshtypes.DefaultVPNAllowedIPs()...)
			}
			if err := addAllowedIPs(peer.PublicKey, peer.Hostname, nets); err != nil {
				return uapi.Interface{}, err
			}

			path, endpoint := choosePath(peer.PublicKey, live)
			keepalive := keepaliveFor(path, rs.KeepalivePeriods)
			desired.Peers[peer.PublicKey] = uapi.Peer{
				PublicKey:                   peer.PublicKey,
				Endpoint:                    endpoint,
				AllowedIPs:                  cidrStrings(nets),
				PersistentKeepaliveInterval: &keepalive,
			}
		}
	}

	if rs.ExitNode != nil && rs.ExitNode.IsVPN() {
		allowed := rs.ExitNode.AllowedIPs
		if len(allowed) == 0 {
			allowed = meshtypes.DefaultVPNAllowedIPs()
		}
		if err := addAllowedIPs(rs.ExitNode.PublicKey, "VPN exit", allowed); err != nil {
			return uapi.Interface{}, err
		}
		keepalive := rs.KeepalivePeriods.VPN
		desired.Peers[rs.ExitNode.PublicKey] = uapi.Peer{
			PublicKey:                   rs.ExitNode.PublicKey,
			Endpoint:                    rs.ExitNode.Endpoint,
			AllowedIPs:                  cidrStrings(allowed),
			PersistentKeepaliveInterval: &keepalive,
		}
	}

	if rs.WGStunServer != nil {
		_, stunHost, err := net.ParseCIDR(hostCIDR(rs.WGStunServer.Address))
		if err == nil {
			desired.Peers[rs.WGStunServer.PublicKey] = uapi.Peer{
				PublicKey:  rs.WGStunServer.PublicKey,
				Endpoint:   rs.WGStunServer.Address,
				AllowedIPs: []string{stunHost.String()},
			}
		}
	}

	return desired, nil
}

func choosePath(pk wgcrypto.PublicKey, live LiveState) (meshtypes.Path, string) {
	if _, ok := live.DirectEndpoints[pk]; ok && live.UpgradeAccepted[pk] {
		addr := live.DirectEndpoints[pk]
		return meshtypes.PathDirect, addr.String()
	}
	if port, ok := live.ProxyPorts[pk]; ok {
		return meshtypes.PathRelay, fmt.Sprintf("127.0.0.1:%d", port)
	}
	return meshtypes.PathRelay, ""
}

func keepaliveFor(path meshtypes.Path, periods meshtypes.KeepalivePeriods) time.Duration {
	if path == meshtypes.PathDirect {
		return periods.Direct
	}
	return periods.Proxy
}

func hostRoutes(ips []net.IP) []net.IPNet {
	out := make([]net.IPNet, 0, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			out = append(out, net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)})
		} else {
			out = append(out, net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)})
		}
	}
	return out
}

func cidrStrings(nets []net.IPNet) []string {
	out := make([]string, len(nets))
	for i, n := range nets {
		out[i] = n.String()
	}
	return out
}

func hostCIDR(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "0.0.0.0/32"
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String() + "/32"
	}
	return ip.String() + "/128"
}

// Diff compares desired against live and returns the minimal Interface
// to send through a "set=1" command: changed/added peers in full,
// removed peers with Remove set, and interface-level fields only when
// they differ. An empty, zero-value Interface (no peers, nil
// PrivateKey) means "nothing to apply" — the idempotent-consolidation
// case (invariant 4).
func Diff(desired, live uapi.Interface) uapi.Interface {
	out := uapi.Interface{Peers: make(map[wgcrypto.PublicKey]uapi.Peer)}

	if desired.PrivateKey != nil && (live.PrivateKey == nil || *live.PrivateKey != *desired.PrivateKey) {
		out.PrivateKey = desired.PrivateKey
	}
	if desired.Fwmark != live.Fwmark {
		out.Fwmark = desired.Fwmark
	}

	for pk, dp := range desired.Peers {
		lp, existed := live.Peers[pk]
		if !existed {
			out.Peers[pk] = dp
			continue
		}
		if peerEqual(dp, lp) {
			continue
		}
		if onlyEndpointDiffers(dp, lp) {
			out.Peers[pk] = uapi.Peer{
				PublicKey:  pk,
				Endpoint:   dp.Endpoint,
				UpdateOnly: true,
			}
			continue
		}
		out.Peers[pk] = dp
	}

	for pk := range live.Peers {
		if _, stillWanted := desired.Peers[pk]; !stillWanted {
			out.Peers[pk] = uapi.Peer{PublicKey: pk, Remove: true}
		}
	}

	return out
}

// IsEmpty reports whether a Diff result has nothing to apply.
func IsEmpty(delta uapi.Interface) bool {
	return delta.PrivateKey == nil && delta.Fwmark == 0 && len(delta.Peers) == 0
}

func peerEqual(a, b uapi.Peer) bool {
	if a.Endpoint != b.Endpoint {
		return false
	}
	if !stringSlicesEqual(a.AllowedIPs, b.AllowedIPs) {
		return false
	}
	switch {
	case a.PersistentKeepaliveInterval == nil && b.PersistentKeepaliveInterval == nil:
	case a.PersistentKeepaliveInterval == nil || b.PersistentKeepaliveInterval == nil:
		return false
	case *a.PersistentKeepaliveInterval != *b.PersistentKeepaliveInterval:
		return false
	}
	return true
}

func onlyEndpointDiffers(a, b uapi.Peer) bool {
	if a.Endpoint == b.Endpoint {
		return false
	}
	if !stringSlicesEqual(a.AllowedIPs, b.AllowedIPs) {
		return false
	}
	switch {
	case a.PersistentKeepaliveInterval == nil && b.PersistentKeepaliveInterval == nil:
		return true
	case a.PersistentKeepaliveInterval == nil || b.PersistentKeepaliveInterval == nil:
		return false
	default:
		return *a.PersistentKeepaliveInterval == *b.PersistentKeepaliveInterval
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
