package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
	"github.com/quietmesh/meshnet/pkg/wgdevice"
)

func canonicalNow() time.Time {
	return time.Date(2022, 3, 4, 17, 0, 5, 0, time.UTC)
}

func newTestDevice(t *testing.T) (*Device, wgcrypto.SecretKey) {
	t.Helper()
	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}

	dev, err := New(Config{
		DeviceConfig: meshtypes.DeviceConfig{PrivateKey: sk},
		Driver:       wgdevice.NewMock(canonicalNow),
		Pool:         socketpool.New("", "", 0, nil),
		Relay:        relay.New(),
		Clock:        canonicalNow,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dev, sk
}

func TestSetMeshnetConfigRejectsKeyMismatch(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop(context.Background())

	otherPub := wgcrypto.PublicKey{0x01}
	err := dev.SetMeshnetConfig(ctx, meshtypes.MeshConfig{This: meshtypes.PeerBase{PublicKey: otherPub}})
	if err == nil {
		t.Fatal("expected SetMeshnetConfig to reject a mismatched device key")
	}
}

func TestSetMeshnetConfigAppliesAndAdmitsPeers(t *testing.T) {
	dev, sk := newTestDevice(t)
	selfPub, _ := wgcrypto.PublicKeyOf(sk)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop(context.Background())

	peerSK, _ := wgcrypto.NewSecretKey()
	peerPub, _ := wgcrypto.PublicKeyOf(peerSK)
	peer := meshtypes.PeerBase{
		Hostname:    "alpha",
		PublicKey:   peerPub,
		IPAddresses: []net.IP{net.ParseIP("10.10.0.2")},
	}

	cfg := meshtypes.MeshConfig{This: meshtypes.PeerBase{PublicKey: selfPub}, Peers: []meshtypes.PeerBase{peer}}
	if err := dev.SetMeshnetConfig(ctx, cfg); err != nil {
		t.Fatalf("SetMeshnetConfig: %v", err)
	}

	admitted := dev.firewall.AdmittedPeers()
	if len(admitted) != 1 || admitted[0] != peerPub {
		t.Fatalf("expected peer %x admitted, got %v", peerPub, admitted)
	}
}

func TestConnectExitNodeRejectsCollidingAllowedIPs(t *testing.T) {
	dev, sk := newTestDevice(t)
	selfPub, _ := wgcrypto.PublicKeyOf(sk)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop(context.Background())

	peerSK, _ := wgcrypto.NewSecretKey()
	peerPub, _ := wgcrypto.PublicKeyOf(peerSK)
	peer := meshtypes.PeerBase{Hostname: "alpha", PublicKey: peerPub, IPAddresses: []net.IP{net.ParseIP("10.10.0.2")}}
	cfg := meshtypes.MeshConfig{This: meshtypes.PeerBase{PublicKey: selfPub}, Peers: []meshtypes.PeerBase{peer}}
	if err := dev.SetMeshnetConfig(ctx, cfg); err != nil {
		t.Fatalf("SetMeshnetConfig: %v", err)
	}

	_, collidingNet, _ := net.ParseCIDR("10.10.0.2/32")
	exitSK, _ := wgcrypto.NewSecretKey()
	exitPub, _ := wgcrypto.PublicKeyOf(exitSK)
	exit := meshtypes.ExitNode{
		PublicKey:  exitPub,
		Endpoint:   "203.0.113.9:51820",
		AllowedIPs: []net.IPNet{*collidingNet},
	}

	if err := dev.ConnectExitNode(ctx, exit); err == nil {
		t.Fatal("expected ConnectExitNode to reject colliding allowed_ips")
	}
}
