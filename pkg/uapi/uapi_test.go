package uapi

import (
	"strings"
	"testing"
	"time"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// S1 — Zero listen port: listen_port=0 parses to "no listen port" (absent).
func TestZeroListenPortBecomesAbsent(t *testing.T) {
	resp, err := Parse(strings.NewReader("listen_port=0\nerrno=0\n\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if resp.Errno != 0 {
		t.Fatalf("errno = %d, want 0", resp.Errno)
	}
	if resp.Interface.ListenPort != nil {
		t.Fatalf("ListenPort = %d, want nil (absent)", *resp.Interface.ListenPort)
	}
}

func TestNonZeroListenPortIsPresent(t *testing.T) {
	resp, err := Parse(strings.NewReader("listen_port=51820\n\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if resp.Interface.ListenPort == nil || *resp.Interface.ListenPort != 51820 {
		t.Fatalf("ListenPort = %v, want 51820", resp.Interface.ListenPort)
	}
}

// S2 — Parser overflow: rx_bytes=1000000000000 (1e12) must parse as a
// 64-bit unsigned value, not overflow a 32-bit one.
func TestRxBytesOverflowParsesAsUint64(t *testing.T) {
	sk, _ := wgcrypto.NewSecretKey()
	pk, _ := wgcrypto.PublicKeyOf(sk)
	body := "public_key=" + wgcrypto.HexPublicKey(pk) + "\n" +
		"rx_bytes=1000000000000\ntx_bytes=100\n\n"

	resp, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	peer, ok := resp.Interface.Peers[pk]
	if !ok {
		t.Fatalf("peer %v not found", pk)
	}
	if peer.RxBytes != 1000000000000 {
		t.Fatalf("RxBytes = %d, want 1000000000000", peer.RxBytes)
	}
	if peer.TxBytes != 100 {
		t.Fatalf("TxBytes = %d, want 100", peer.TxBytes)
	}
}

func TestUnknownKeysAreIgnored(t *testing.T) {
	resp, err := Parse(strings.NewReader("some_future_key=123\nerrno=0\n\n"))
	if err != nil {
		t.Fatalf("Parse should ignore unknown keys, got error: %v", err)
	}
	if resp.Errno != 0 {
		t.Fatalf("errno = %d, want 0", resp.Errno)
	}
}

func TestMalformedLineFailsWithParseError(t *testing.T) {
	_, err := Parse(strings.NewReader("not-a-key-value-line\n\n"))
	if err == nil {
		t.Fatal("expected ParseError for malformed line")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

func TestZeroHandshakeMeansNoHandshake(t *testing.T) {
	sk, _ := wgcrypto.NewSecretKey()
	pk, _ := wgcrypto.PublicKeyOf(sk)
	body := "public_key=" + wgcrypto.HexPublicKey(pk) + "\n" +
		"last_handshake_time_sec=0\nlast_handshake_time_nsec=0\n\n"

	resp, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	peer := resp.Interface.Peers[pk]
	if peer.TimeSinceLastHandshake != nil {
		t.Fatalf("expected no handshake, got %v", *peer.TimeSinceLastHandshake)
	}
	if peer.IsConnected() {
		t.Fatal("peer with no handshake must not be connected")
	}
}

// S6 — Connected threshold: boundary values at 179.999s (true) and
// 180.334s (false) must match exactly.
func TestConnectedThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"just under threshold", 179*time.Second + 999*time.Millisecond, true},
		{"exactly at threshold", ConnectedThreshold, false},
		{"well under", 10 * time.Second, true},
		{"well over", 200 * time.Second, false},
		{"179.999s", 179*time.Second + 999*time.Millisecond, true},
		{"180.334s", 180*time.Second + 334*time.Millisecond, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Peer{TimeSinceLastHandshake: &tt.elapsed}
			if got := p.IsConnected(); got != tt.want {
				t.Fatalf("IsConnected() at %v = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}

// S5 — UAPI round-trip: parse(serialize(D)) == D modulo listen_port=0
// defaulting to absent.
func TestSetCommandRoundTrip(t *testing.T) {
	sk, _ := wgcrypto.NewSecretKey()
	pk1, _ := wgcrypto.PublicKeyOf(sk)
	sk2, _ := wgcrypto.NewSecretKey()
	pk2, _ := wgcrypto.PublicKeyOf(sk2)

	keepalive := 25 * time.Second
	iface := Interface{
		PrivateKey: &sk,
		Fwmark:     42,
		Peers: map[wgcrypto.PublicKey]Peer{
			pk1: {
				PublicKey:                   pk1,
				Endpoint:                    "10.0.0.1:51820",
				AllowedIPs:                  []string{"10.10.0.1/32"},
				PersistentKeepaliveInterval: &keepalive,
			},
			pk2: {
				PublicKey:  pk2,
				AllowedIPs: []string{"10.10.0.2/32", "fd00::2/128"},
			},
		},
	}

	wire := SetCommand(iface)
	if !strings.HasPrefix(wire, "set=1\n") {
		t.Fatalf("serialized command must start with set=1, got: %q", wire)
	}

	// Parse back only the body after "set=1\n" — Parse expects a bare
	// key=value body, mirroring what a driver reads back from a get=1
	// after applying the set.
	body := strings.TrimPrefix(wire, "set=1\n")
	resp, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse(serialize(iface)): %v", err)
	}

	if resp.Interface.Fwmark != 42 {
		t.Fatalf("Fwmark = %d, want 42", resp.Interface.Fwmark)
	}
	got1, ok := resp.Interface.Peers[pk1]
	if !ok {
		t.Fatal("peer1 missing after round trip")
	}
	if got1.Endpoint != "10.0.0.1:51820" {
		t.Fatalf("peer1 endpoint = %q", got1.Endpoint)
	}
	if len(got1.AllowedIPs) != 1 || got1.AllowedIPs[0] != "10.10.0.1/32" {
		t.Fatalf("peer1 allowed ips = %v", got1.AllowedIPs)
	}
	if got1.PersistentKeepaliveInterval == nil || *got1.PersistentKeepaliveInterval != keepalive {
		t.Fatalf("peer1 keepalive = %v, want %v", got1.PersistentKeepaliveInterval, keepalive)
	}

	got2, ok := resp.Interface.Peers[pk2]
	if !ok {
		t.Fatal("peer2 missing after round trip")
	}
	if len(got2.AllowedIPs) != 2 {
		t.Fatalf("peer2 allowed ips = %v", got2.AllowedIPs)
	}
}

func TestSetCommandIsDeterministic(t *testing.T) {
	sk, _ := wgcrypto.NewSecretKey()
	pk1, _ := wgcrypto.PublicKeyOf(sk)
	sk2, _ := wgcrypto.NewSecretKey()
	pk2, _ := wgcrypto.PublicKeyOf(sk2)

	iface := Interface{
		Peers: map[wgcrypto.PublicKey]Peer{
			pk1: {PublicKey: pk1, AllowedIPs: []string{"10.0.0.1/32"}},
			pk2: {PublicKey: pk2, AllowedIPs: []string{"10.0.0.2/32"}},
		},
	}
	a := SetCommand(iface)
	b := SetCommand(iface)
	if a != b {
		t.Fatalf("SetCommand is not deterministic:\n%q\n%q", a, b)
	}
}

func TestRemovePeerCommand(t *testing.T) {
	sk, _ := wgcrypto.NewSecretKey()
	pk, _ := wgcrypto.PublicKeyOf(sk)
	iface := Interface{
		Peers: map[wgcrypto.PublicKey]Peer{
			pk: {PublicKey: pk, Remove: true},
		},
	}
	wire := SetCommand(iface)
	if !strings.Contains(wire, "remove=true") {
		t.Fatalf("expected remove=true in wire output, got: %q", wire)
	}
	if strings.Contains(wire, "allowed_ip=") {
		t.Fatalf("removed peer should not carry allowed_ip lines: %q", wire)
	}
}
