package meshtypes

import (
	"net"
	"sort"
	"testing"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

func mustKey(t *testing.T) wgcrypto.PublicKey {
	t.Helper()
	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	pk, err := wgcrypto.PublicKeyOf(sk)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}
	return pk
}

// S7 — DNS records: given peers {alpha:[v4,v6], beta:[v4], gamma:[v6]},
// CollectDNSRecords produces exactly those mappings.
func TestCollectDNSRecords(t *testing.T) {
	rs := New(DeviceConfig{})
	rs.Mutate(func(s *RequestedState) {
		s.MeshnetConfig = &MeshConfig{
			This: PeerBase{Hostname: "me", IPAddresses: []net.IP{net.ParseIP("10.0.0.1")}},
			Peers: []PeerBase{
				{Hostname: "alpha", IPAddresses: []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("fd00::2")}},
				{Hostname: "beta", IPAddresses: []net.IP{net.ParseIP("10.0.0.3")}},
				{Hostname: "gamma", IPAddresses: []net.IP{net.ParseIP("fd00::4")}},
			},
		}
	})

	records := rs.CollectDNSRecords()
	want := map[string]int{"me": 1, "alpha": 2, "beta": 1, "gamma": 1}
	if len(records) != len(want) {
		t.Fatalf("got %d hostnames, want %d: %v", len(records), len(want), records)
	}
	for host, count := range want {
		if len(records[host]) != count {
			t.Fatalf("hostname %s: got %d addresses, want %d", host, len(records[host]), count)
		}
	}
}

func TestMeshConfigValidateRejectsKeyMismatch(t *testing.T) {
	devicePub := mustKey(t)
	otherPub := mustKey(t)
	cfg := MeshConfig{This: PeerBase{PublicKey: otherPub}}
	if err := cfg.Validate(devicePub); err == nil {
		t.Fatal("expected Validate to reject mismatched public key")
	}
}

func TestMeshConfigValidateAcceptsMatchingKey(t *testing.T) {
	devicePub := mustKey(t)
	cfg := MeshConfig{This: PeerBase{PublicKey: devicePub}}
	if err := cfg.Validate(devicePub); err != nil {
		t.Fatalf("expected Validate to accept matching key, got %v", err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	rs := New(DeviceConfig{Fwmark: 7})
	rs.Mutate(func(s *RequestedState) {
		s.MeshnetConfig = &MeshConfig{}
	})
	rs.Reset()
	snap := rs.Clone()
	if snap.MeshnetConfig != nil {
		t.Fatal("expected MeshnetConfig to be cleared after Reset")
	}
	if snap.DeviceConfig.Fwmark != 0 {
		t.Fatal("expected DeviceConfig to be reset to zero value")
	}
}

func TestDefaultVPNAllowedIPsCoversDefaultRoute(t *testing.T) {
	ips := DefaultVPNAllowedIPs()
	var ones []int
	for _, ipnet := range ips {
		size, _ := ipnet.Mask.Size()
		ones = append(ones, size)
	}
	sort.Ints(ones)
	if len(ones) != 2 || ones[0] != 0 || ones[1] != 0 {
		t.Fatalf("expected two /0 networks, got %v", ones)
	}
}
