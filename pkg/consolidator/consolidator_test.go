package consolidator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
	"github.com/quietmesh/meshnet/pkg/wgdevice"
)

// canonicalNow is the fixed test instant from SPEC_FULL.md §9 / spec.md §9.
func canonicalNow() time.Time {
	return time.Date(2022, 3, 4, 17, 0, 5, 0, time.UTC)
}

func mustPeer(t *testing.T, hostname string, ip string) meshtypes.PeerBase {
	t.Helper()
	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	pk, err := wgcrypto.PublicKeyOf(sk)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}
	return meshtypes.PeerBase{
		Identifier:  hostname,
		PublicKey:   pk,
		Hostname:    hostname,
		IPAddresses: []net.IP{net.ParseIP(ip)},
	}
}

// S3 — Exit connect/disconnect.
func TestExitConnectDisconnectEmitsOneSetEach(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	mesh := mustPeer(t, "peer1", "10.10.0.2")

	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{mesh}}
	})

	mock := wgdevice.NewMock(canonicalNow)
	runner := NewRunner(mock, canonicalNow)

	delta1, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{})
	if err != nil {
		t.Fatalf("initial consolidate: %v", err)
	}
	if IsEmpty(delta1) {
		t.Fatal("expected initial consolidate to apply the peer")
	}
	if mock.ApplyCallCount() != 1 {
		t.Fatalf("ApplyCallCount = %d, want 1", mock.ApplyCallCount())
	}

	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.ExitNode = &meshtypes.ExitNode{PublicKey: mesh.PublicKey}
	})
	delta2, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{})
	if err != nil {
		t.Fatalf("connect exit consolidate: %v", err)
	}
	if IsEmpty(delta2) {
		t.Fatal("expected connect_exit_node to change allowed_ips and trigger a set")
	}
	if mock.ApplyCallCount() != 2 {
		t.Fatalf("ApplyCallCount = %d, want 2", mock.ApplyCallCount())
	}

	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.ExitNode = nil
	})
	delta3, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{})
	if err != nil {
		t.Fatalf("disconnect exit consolidate: %v", err)
	}
	if IsEmpty(delta3) {
		t.Fatal("expected disconnect_exit_nodes to change allowed_ips and trigger a set")
	}
	if mock.ApplyCallCount() != 3 {
		t.Fatalf("ApplyCallCount = %d, want 3", mock.ApplyCallCount())
	}
}

// S4 — Duplicate allowed-IP rejection.
func TestDuplicateAllowedIPRejectedBeforeAnyUAPIWrite(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	p1 := mustPeer(t, "p1", "10.10.0.2")
	p2 := mustPeer(t, "p2", "10.10.0.3")

	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	var cfg *meshtypes.MeshConfig
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{p1, p2}}
		cfg = s.MeshnetConfig
	})

	mock := wgdevice.NewMock(canonicalNow)
	runner := NewRunner(mock, canonicalNow)
	if _, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{}); err != nil {
		t.Fatalf("initial consolidate: %v", err)
	}
	baseline := mock.ApplyCallCount()

	_, p1Net, _ := net.ParseCIDR("10.10.0.2/32")
	vpnExit := meshtypes.ExitNode{
		PublicKey:  wgcrypto.PublicKey{0xAA},
		Endpoint:   "203.0.113.5:51820",
		AllowedIPs: []net.IPNet{*p1Net},
	}

	err := CheckExitNodeAllowedIPs(cfg, vpnExit)
	if err == nil {
		t.Fatal("expected ErrBadAllowedIPs for colliding VPN exit")
	}

	if mock.ApplyCallCount() != baseline {
		t.Fatalf("rejected connect_exit_node must issue no UAPI writes: before=%d after=%d", baseline, mock.ApplyCallCount())
	}
}

// Invariant 4 — idempotent consolidation.
func TestConsolidationIsIdempotent(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	p1 := mustPeer(t, "p1", "10.10.0.2")

	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{p1}}
	})

	mock := wgdevice.NewMock(canonicalNow)
	runner := NewRunner(mock, canonicalNow)

	if _, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{}); err != nil {
		t.Fatalf("first consolidate: %v", err)
	}
	afterFirst := mock.ApplyCallCount()

	for i := 0; i < 3; i++ {
		delta, err := runner.Consolidate(context.Background(), rs.Clone(), LiveState{})
		if err != nil {
			t.Fatalf("repeat consolidate %d: %v", i, err)
		}
		if !IsEmpty(delta) {
			t.Fatalf("repeat consolidate %d: expected empty delta, got %+v", i, delta)
		}
	}
	if got := mock.ApplyCallCount(); got != afterFirst {
		t.Fatalf("ApplyCallCount grew from %d to %d across repeated unchanged consolidations", afterFirst, got)
	}
}

// Invariant 2/3 — allowed-IP disjointness and exit uniqueness.
func TestDisjointAllowedIPsAndSingleExit(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	p1 := mustPeer(t, "p1", "10.10.0.2")
	p2 := mustPeer(t, "p2", "10.10.0.3")

	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{p1, p2}}
		s.ExitNode = &meshtypes.ExitNode{PublicKey: p1.PublicKey}
	})

	desired, err := Reduce(rs.Clone(), LiveState{}, canonicalNow())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}

	seen := make(map[string]wgcrypto.PublicKey)
	defaultRouteHolders := 0
	for pk, peer := range desired.Peers {
		for _, ip := range peer.AllowedIPs {
			if owner, ok := seen[ip]; ok && owner != pk {
				t.Fatalf("allowed_ips %s claimed by two peers", ip)
			}
			seen[ip] = pk
			if ip == "0.0.0.0/0" {
				defaultRouteHolders++
			}
		}
	}
	if defaultRouteHolders != 1 {
		t.Fatalf("expected exactly one peer with the default route, got %d", defaultRouteHolders)
	}
}

// Invariant 1 — key agreement.
func TestMeshConfigValidateEnforcesKeyAgreement(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	devPub, _ := wgcrypto.PublicKeyOf(devSK)
	wrongPub, _ := wgcrypto.PublicKeyOf(mustSecret(t))

	goodCfg := meshtypes.MeshConfig{This: meshtypes.PeerBase{PublicKey: devPub}}
	if err := goodCfg.Validate(devPub); err != nil {
		t.Fatalf("matching key should validate, got %v", err)
	}

	badCfg := meshtypes.MeshConfig{This: meshtypes.PeerBase{PublicKey: wrongPub}}
	if err := badCfg.Validate(devPub); err == nil {
		t.Fatal("mismatched key should fail validation")
	}
}

func mustSecret(t *testing.T) wgcrypto.SecretKey {
	t.Helper()
	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	return sk
}

// Invariant 8 — path classification.
func TestPathClassification(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	p1 := mustPeer(t, "p1", "10.10.0.2")

	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{p1}}
	})

	// No proxy port, no direct endpoint: relay with empty endpoint.
	desired, err := Reduce(rs.Clone(), LiveState{}, canonicalNow())
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if desired.Peers[p1.PublicKey].Endpoint != "" {
		t.Fatalf("expected empty endpoint with no proxy/direct candidate, got %q", desired.Peers[p1.PublicKey].Endpoint)
	}

	live := LiveState{ProxyPorts: map[wgcrypto.PublicKey]int{p1.PublicKey: 52000}}
	desired, err = Reduce(rs.Clone(), live, canonicalNow())
	if err != nil {
		t.Fatalf("Reduce with proxy: %v", err)
	}
	if got := desired.Peers[p1.PublicKey].Endpoint; got != "127.0.0.1:52000" {
		t.Fatalf("expected relay endpoint 127.0.0.1:52000, got %q", got)
	}

	live.DirectEndpoints = map[wgcrypto.PublicKey]net.UDPAddr{
		p1.PublicKey: {IP: net.ParseIP("203.0.113.9"), Port: 51820},
	}
	live.UpgradeAccepted = map[wgcrypto.PublicKey]bool{p1.PublicKey: true}
	desired, err = Reduce(rs.Clone(), live, canonicalNow())
	if err != nil {
		t.Fatalf("Reduce with direct: %v", err)
	}
	if got := desired.Peers[p1.PublicKey].Endpoint; got != "203.0.113.9:51820" {
		t.Fatalf("expected direct endpoint, got %q", got)
	}
}

// S8 — Default provider set has no test of its own in this module; this
// test only asserts the consolidator does not special-case provider config
// (it operates purely on LiveState.DirectEndpoints regardless of how
// many providers fed it).
func TestReduceIsAgnosticToProviderCount(t *testing.T) {
	devSK, _ := wgcrypto.NewSecretKey()
	p1 := mustPeer(t, "p1", "10.10.0.2")
	rs := meshtypes.New(meshtypes.DeviceConfig{PrivateKey: devSK})
	rs.Mutate(func(s *meshtypes.RequestedState) {
		s.MeshnetConfig = &meshtypes.MeshConfig{Peers: []meshtypes.PeerBase{p1}}
	})
	live := LiveState{
		DirectEndpoints: map[wgcrypto.PublicKey]net.UDPAddr{p1.PublicKey: {IP: net.ParseIP("1.2.3.4"), Port: 1}},
		UpgradeAccepted: map[wgcrypto.PublicKey]bool{p1.PublicKey: true},
	}
	if _, err := Reduce(rs.Clone(), live, canonicalNow()); err != nil {
		t.Fatalf("Reduce: %v", err)
	}
}
