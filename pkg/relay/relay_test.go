package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
)

func TestBestServerPrefersHighestWeight(t *testing.T) {
	servers := []meshtypes.DerpServer{
		{RegionName: "eu-west", Address: "relay-eu:443", Weight: 5},
		{RegionName: "us-east", Address: "relay-us:443", Weight: 10},
		{RegionName: "ap-south", Address: "relay-ap:443", Weight: 10},
	}
	best := bestServer(servers)
	if best == nil {
		t.Fatal("expected a best server")
	}
	// Tie on weight between us-east and ap-south broken by RegionName.
	if best.RegionName != "ap-south" {
		t.Fatalf("got %q, want ap-south", best.RegionName)
	}
}

func TestBestServerEmptyCandidates(t *testing.T) {
	if best := bestServer(nil); best != nil {
		t.Fatalf("expected nil for empty candidate set, got %+v", best)
	}
}

func TestSetCandidatesPublishesOnChange(t *testing.T) {
	c := New()
	defer c.Stop()

	events := c.ServerEvents()
	c.SetCandidates([]meshtypes.DerpServer{{RegionName: "eu", Address: "a:1", Weight: 1}})

	select {
	case ev := <-events:
		if ev.Server.RegionName != "eu" {
			t.Fatalf("got %q, want eu", ev.Server.RegionName)
		}
	default:
		t.Fatal("expected a server event on first candidate set")
	}

	// Re-setting with the same best server must not re-publish.
	c.SetCandidates([]meshtypes.DerpServer{{RegionName: "eu", Address: "a:1", Weight: 1}})
	select {
	case ev := <-events:
		t.Fatalf("unexpected repeat event: %+v", ev)
	default:
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wire, err := json.Marshal(Frame{Method: MethodPing})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := writeFrame(&buf, wire); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	frame, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if frame.Method != MethodPing {
		t.Fatalf("got method %q, want %q", frame.Method, MethodPing)
	}
}

func TestReadFrameRejectsTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x20}) // claims a 32-byte payload
	buf.Write(make([]byte, 10))   // but only 10 bytes follow
	if _, err := readFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected an error for a frame shorter than its declared length")
	}
}

func TestForwardWithoutConnectionFails(t *testing.T) {
	c := New()
	defer c.Stop()
	var to, from [32]byte
	if err := c.Forward(from, to, []byte("hello")); err == nil {
		t.Fatal("expected Forward to fail with no active session")
	}
}
