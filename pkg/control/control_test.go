package control

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
)

func dialAndSend(socketPath, line string) (string, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return resp, nil
}

func TestStatusRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "meshnetd.sock")

	want := StatusResult{
		PublicKey: "abc123",
		Interface: "meshnet0",
		Peers: []PeerStatus{
			{PublicKey: "peer1", Hostname: "laptop", Addresses: []string{"100.64.0.2"}},
		},
	}

	srv, err := NewServer(socketPath, func() (StatusResult, error) { return want, nil })
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	client := NewClient(socketPath)
	got, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.PublicKey != want.PublicKey || got.Interface != want.Interface {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.Peers) != 1 || got.Peers[0].Hostname != "laptop" {
		t.Fatalf("unexpected peers: %+v", got.Peers)
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "meshnetd.sock")

	srv, err := NewServer(socketPath, func() (StatusResult, error) { return StatusResult{}, nil })
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	conn, err := dialAndSend(socketPath, `{"jsonrpc":"2.0","method":"bogus","id":1}`)
	if err != nil {
		t.Fatalf("dialAndSend: %v", err)
	}
	if conn == "" {
		t.Fatal("expected a response line")
	}
}
