package wgdevice

import (
	"context"
	"testing"

	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

func TestMockApplyUpsertsAndRemoves(t *testing.T) {
	mock := NewMock(nil)
	sk, _ := wgcrypto.NewSecretKey()
	pk, _ := wgcrypto.PublicKeyOf(sk)

	err := mock.Apply(context.Background(), uapi.Interface{
		Peers: map[wgcrypto.PublicKey]uapi.Peer{
			pk: {PublicKey: pk, AllowedIPs: []string{"10.0.0.1/32"}},
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	iface, _ := mock.GetInterface(context.Background())
	if _, ok := iface.Peers[pk]; !ok {
		t.Fatal("expected peer to be present after upsert")
	}

	err = mock.Apply(context.Background(), uapi.Interface{
		Peers: map[wgcrypto.PublicKey]uapi.Peer{
			pk: {PublicKey: pk, Remove: true},
		},
	})
	if err != nil {
		t.Fatalf("Apply (remove): %v", err)
	}
	iface, _ = mock.GetInterface(context.Background())
	if _, ok := iface.Peers[pk]; ok {
		t.Fatal("expected peer to be removed")
	}
}

func TestMockApplyCallCountTracksInvocations(t *testing.T) {
	mock := NewMock(nil)
	if mock.ApplyCallCount() != 0 {
		t.Fatalf("initial ApplyCallCount = %d, want 0", mock.ApplyCallCount())
	}
	_ = mock.Apply(context.Background(), uapi.Interface{})
	_ = mock.Apply(context.Background(), uapi.Interface{})
	if got := mock.ApplyCallCount(); got != 2 {
		t.Fatalf("ApplyCallCount = %d, want 2", got)
	}
}
