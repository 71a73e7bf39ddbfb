package firewall

import (
	"testing"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

func testPeer(t *testing.T) wgcrypto.PublicKey {
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

func TestNonAdmittedPeerIsDropped(t *testing.T) {
	fw := New()
	pk := testPeer(t)
	if fw.Inbound(pk, nil) {
		t.Fatal("non-admitted peer should be dropped")
	}
	if fw.Outbound(pk, nil) {
		t.Fatal("non-admitted peer should be dropped outbound too")
	}
}

func TestAdmittedPeerIsAllowed(t *testing.T) {
	fw := New()
	pk := testPeer(t)
	fw.AdmitPeer(pk, PeerPolicy{AllowIncomingConnections: true})

	if !fw.Inbound(pk, nil) {
		t.Fatal("admitted peer should be allowed inbound")
	}
	if !fw.Outbound(pk, nil) {
		t.Fatal("admitted peer should be allowed outbound")
	}
	if !fw.AllowIncomingConnections(pk) {
		t.Fatal("expected AllowIncomingConnections policy bit to be set")
	}
}

func TestRemovePeerRevokesAdmission(t *testing.T) {
	fw := New()
	pk := testPeer(t)
	fw.AdmitPeer(pk, PeerPolicy{})
	fw.RemovePeer(pk)
	if fw.Inbound(pk, nil) {
		t.Fatal("removed peer should be dropped")
	}
}

func TestRateLimitEventuallyDropsBurst(t *testing.T) {
	fw := New()
	pk := testPeer(t)
	fw.SetRateLimit(1, 1)
	fw.AdmitPeer(pk, PeerPolicy{})

	allowedOnce := fw.Inbound(pk, nil)
	if !allowedOnce {
		t.Fatal("first packet within burst should be allowed")
	}
	if fw.Inbound(pk, nil) {
		t.Fatal("second immediate packet should exceed burst=1 and be dropped")
	}
}
