package sessionkeeper

import (
	"testing"
	"time"

	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

type fakeWaker struct {
	woken []wgcrypto.PublicKey
}

func (f *fakeWaker) Wake(pk wgcrypto.PublicKey) error {
	f.woken = append(f.woken, pk)
	return nil
}

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

// rawHandshake encodes an absolute instant the way the UAPI parser
// stashes it pre-ElapsedSince: nanoseconds-since-epoch held in a Duration.
func rawHandshake(at time.Time) *time.Duration {
	d := time.Duration(at.UnixNano())
	return &d
}

func TestSweepWakesStalePeerWithEndpoint(t *testing.T) {
	now := time.Date(2022, 3, 4, 17, 0, 5, 0, time.UTC)
	pk := mustKey(t)
	stale := now.Add(-200 * time.Second)

	iface := uapi.Interface{Peers: map[wgcrypto.PublicKey]uapi.Peer{
		pk: {PublicKey: pk, Endpoint: "203.0.113.1:51820", TimeSinceLastHandshake: rawHandshake(stale)},
	}}

	waker := &fakeWaker{}
	k := New(waker, func() time.Time { return now })
	k.Sweep(iface, now)

	if len(waker.woken) != 1 || waker.woken[0] != pk {
		t.Fatalf("expected peer %x to be woken, got %v", pk, waker.woken)
	}
}

func TestSweepSkipsFreshHandshake(t *testing.T) {
	now := time.Date(2022, 3, 4, 17, 0, 5, 0, time.UTC)
	pk := mustKey(t)
	fresh := now.Add(-5 * time.Second)

	iface := uapi.Interface{Peers: map[wgcrypto.PublicKey]uapi.Peer{
		pk: {PublicKey: pk, Endpoint: "203.0.113.1:51820", TimeSinceLastHandshake: rawHandshake(fresh)},
	}}

	waker := &fakeWaker{}
	k := New(waker, func() time.Time { return now })
	k.Sweep(iface, now)

	if len(waker.woken) != 0 {
		t.Fatalf("expected no wakes for a fresh handshake, got %v", waker.woken)
	}
}

func TestSweepSkipsPeerWithoutEndpoint(t *testing.T) {
	now := time.Date(2022, 3, 4, 17, 0, 5, 0, time.UTC)
	pk := mustKey(t)
	stale := now.Add(-300 * time.Second)

	iface := uapi.Interface{Peers: map[wgcrypto.PublicKey]uapi.Peer{
		pk: {PublicKey: pk, Endpoint: "", TimeSinceLastHandshake: rawHandshake(stale)},
	}}

	waker := &fakeWaker{}
	k := New(waker, func() time.Time { return now })
	k.Sweep(iface, now)

	if len(waker.woken) != 0 {
		t.Fatalf("expected no wakes for a peer without an endpoint, got %v", waker.woken)
	}
}
