// Package uapi implements WireGuard's cross-platform text configuration
// protocol: line-oriented "key=value" frames terminated by a blank line,
// as spoken over the kernel's UAPI control socket (or userspace
// equivalents such as wireguard-go's unix socket).
//
// The wire format and parsing rules mirror the upstream userspace
// implementation's conventions, not any particular driver: unknown keys
// are ignored, listen_port=0 means "no listen port", and rx/tx byte
// counters are 64-bit unsigned.
package uapi

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// RejectAfterTime and RekeyTimeoutJitter together define the "connected"
// threshold: a peer is connected iff its time since last handshake is
// strictly less than their sum. Looser than WireGuard's own
// Rekey-Attempt-Time, by design (see SPEC_FULL.md §9, Open Question 2).
const (
	RejectAfterTime   = 180 * time.Second
	RekeyTimeoutJitter = 334 * time.Millisecond
)

// ConnectedThreshold is RejectAfterTime + RekeyTimeoutJitter.
const ConnectedThreshold = RejectAfterTime + RekeyTimeoutJitter

// Peer is the UAPI representation of one WireGuard peer.
type Peer struct {
	PublicKey                   wgcrypto.PublicKey
	Endpoint                    string // "" means absent
	PersistentKeepaliveInterval *time.Duration
	AllowedIPs                  []string
	RxBytes                     uint64
	TxBytes                     uint64
	// TimeSinceLastHandshake is nil when no handshake has occurred
	// (last_handshake_time_sec == 0 && last_handshake_time_nsec == 0).
	TimeSinceLastHandshake *time.Duration
	Remove                 bool
	UpdateOnly             bool
	Errno                  int
}

// IsConnected reports whether the peer counts as Connected per the
// spec's threshold (invariant 6): true iff TimeSinceLastHandshake is set
// and strictly less than ConnectedThreshold.
func (p Peer) IsConnected() bool {
	if p.TimeSinceLastHandshake == nil {
		return false
	}
	return *p.TimeSinceLastHandshake < ConnectedThreshold
}

// Interface is the UAPI representation of the device as a whole.
type Interface struct {
	PrivateKey *wgcrypto.SecretKey
	ListenPort *int // nil means "no listen port" (listen_port=0 on the wire)
	Fwmark     uint32
	PublicKey  *wgcrypto.PublicKey
	Peers      map[wgcrypto.PublicKey]Peer // ordered by PublicKey when serialized
	Errno      int
}

// Response is the parsed result of a "get=1" or "set=1" command.
type Response struct {
	Errno     int
	Interface Interface
}

// ParseError mirrors the original implementation's ParsingError("cmd", line):
// a malformed non-"key=value" line anywhere in the body.
type ParseError struct {
	Context string
	Line    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("uapi: parsing error in %s: %q", e.Context, e.Line)
}

// Parse reads a UAPI response body (one or more "key=value" lines
// terminated by a blank line) from r.
func Parse(r io.Reader) (Response, error) {
	scanner := bufio.NewScanner(r)
	var resp Response
	resp.Interface.Peers = make(map[wgcrypto.PublicKey]Peer)

	var curPeer *Peer
	var havePeer bool

	flush := func() {
		if havePeer && curPeer != nil {
			resp.Interface.Peers[curPeer.PublicKey] = *curPeer
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return Response{}, &ParseError{Context: "cmd", Line: line}
		}
		key, value := line[:idx], line[idx+1:]

		if key == "public_key" {
			flush()
			pk, err := wgcrypto.PublicKeyFromHex(value)
			if err != nil {
				return Response{}, fmt.Errorf("uapi: %w", err)
			}
			curPeer = &Peer{PublicKey: pk}
			havePeer = true
			continue
		}

		if havePeer {
			if err := parsePeerField(curPeer, key, value); err != nil {
				return Response{}, err
			}
			continue
		}

		if err := parseInterfaceField(&resp.Interface, &resp.Errno, key, value); err != nil {
			return Response{}, err
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("uapi: reading response: %w", err)
	}

	return resp, nil
}

func parseInterfaceField(iface *Interface, errno *int, key, value string) error {
	switch key {
	case "private_key":
		secret, err := wgcrypto.SecretKeyFromHex(value)
		if err != nil {
			return fmt.Errorf("uapi: bad private_key: %w", err)
		}
		iface.PrivateKey = &secret
	case "listen_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("uapi: bad listen_port %q: %w", value, err)
		}
		if port != 0 {
			iface.ListenPort = &port
		}
	case "fwmark":
		mark, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("uapi: bad fwmark %q: %w", value, err)
		}
		iface.Fwmark = uint32(mark)
	case "errno":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("uapi: bad errno %q: %w", value, err)
		}
		*errno = n
		iface.Errno = n
	default:
		// unknown interface-level keys are ignored
	}
	return nil
}

func parsePeerField(p *Peer, key, value string) error {
	switch key {
	case "endpoint":
		p.Endpoint = value
	case "persistent_keepalive_interval":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("uapi: bad persistent_keepalive_interval %q: %w", value, err)
		}
		d := time.Duration(secs) * time.Second
		p.PersistentKeepaliveInterval = &d
	case "allowed_ip":
		p.AllowedIPs = append(p.AllowedIPs, value)
	case "rx_bytes":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("uapi: bad rx_bytes %q: %w", value, err)
		}
		p.RxBytes = n
	case "tx_bytes":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("uapi: bad tx_bytes %q: %w", value, err)
		}
		p.TxBytes = n
	case "last_handshake_time_sec":
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("uapi: bad last_handshake_time_sec %q: %w", value, err)
		}
		applyHandshakeSec(p, secs)
	case "last_handshake_time_nsec":
		nsec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("uapi: bad last_handshake_time_nsec %q: %w", value, err)
		}
		applyHandshakeNsec(p, nsec)
	case "errno":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("uapi: bad errno %q: %w", value, err)
		}
		p.Errno = n
	default:
		// unknown peer-level keys are ignored
	}
	return nil
}

// applyHandshakeSec and applyHandshakeNsec combine the raw sec/nsec pair
// of a peer, which can arrive in either order on the wire. Each stores
// the combined value in TimeSinceLastHandshake at once, recovering the
// other half from what was stored before.
func applyHandshakeSec(p *Peer, secs int64) {
	var nsec int64
	if p.TimeSinceLastHandshake != nil {
		// nsec arrived first; recover it and recombine.
		nsec = int64(*p.TimeSinceLastHandshake % time.Second)
	}
	setHandshake(p, secs, nsec)
}

func applyHandshakeNsec(p *Peer, nsec int64) {
	var secs int64
	if p.TimeSinceLastHandshake != nil {
		secs = int64(*p.TimeSinceLastHandshake / time.Second)
	}
	setHandshake(p, secs, nsec)
}

func setHandshake(p *Peer, secs, nsec int64) {
	if secs == 0 && nsec == 0 {
		p.TimeSinceLastHandshake = nil
		return
	}
	d := time.Duration(secs)*time.Second + time.Duration(nsec)*time.Nanosecond
	// TimeSinceLastHandshake here stores the absolute UNIX time of the
	// handshake as reported by the device; callers convert to "time
	// since" using a clock (see Peer.ElapsedSince).
	p.TimeSinceLastHandshake = &d
}

// ElapsedSince converts a raw handshake UNIX timestamp (as stashed by
// the parser) into an elapsed duration relative to now, and returns a
// Peer with TimeSinceLastHandshake rewritten in that form. Drivers call
// this once after reading a UAPI response, passing a clock so tests can
// inject the canonical fixed instant.
func (p Peer) ElapsedSince(now time.Time) Peer {
	if p.TimeSinceLastHandshake == nil {
		return p
	}
	handshakeAt := time.Unix(0, p.TimeSinceLastHandshake.Nanoseconds())
	elapsed := now.Sub(handshakeAt)
	if elapsed < 0 {
		elapsed = 0
	}
	p.TimeSinceLastHandshake = &elapsed
	return p
}
