package endpoints

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/quietmesh/meshnet/pkg/socketpool"
)

// STUN constants per RFC 5389, adapted from pkg/discovery/stun.go.
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	stunHeaderSize      = 20

	stunAttrMappedAddress    = 0x0001
	stunAttrXORMappedAddress = 0x0020
)

// DefaultSTUNServers are public, free, reliable well-known STUN servers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNProvider discovers the server-reflexive (external NAT-mapped)
// address of the local WireGuard UDP socket via RFC 5389 Binding
// Requests, dialed through the socketpool so the query honors the same
// SO_MARK/SO_BINDTODEVICE/protect constraints as every other socket.
type STUNProvider struct {
	pool    *socketpool.Pool
	servers []string
}

func NewSTUNProvider(pool *socketpool.Pool, servers []string) *STUNProvider {
	return &STUNProvider{pool: pool, servers: servers}
}

func (p *STUNProvider) Kind() Kind { return KindSTUN }

func (p *STUNProvider) Discover(ctx context.Context, localPort int) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	conn, err := p.pool.ListenUDP(ctx, socketpool.KindPhysical, fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("endpoints: binding STUN query socket: %w", err)
	}
	defer conn.Close()

	var out []Candidate
	for _, server := range p.servers {
		ip, port, err := stunQuery(ctx, conn, server)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Kind: KindSTUN, Address: net.UDPAddr{IP: ip, Port: port}})
		break // first success is sufficient
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("endpoints: all STUN servers failed")
	}
	return out, nil
}

func buildBindingRequest() ([]byte, [12]byte) {
	req := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	var txnID [12]byte
	rand.Read(txnID[:])
	copy(req[8:20], txnID[:])
	return req, txnID
}

func stunQuery(ctx context.Context, conn net.PacketConn, server string) (net.IP, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", server, err)
	}

	req, txnID := buildBindingRequest()
	if _, err := conn.WriteTo(req, raddr); err != nil {
		return nil, 0, fmt.Errorf("send to %s: %w", server, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	}
	buf := make([]byte, 512)
	n, sender, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("read from %s: %w", server, err)
	}
	if udpSender, ok := sender.(*net.UDPAddr); !ok || !udpSender.IP.Equal(raddr.IP) {
		return nil, 0, fmt.Errorf("STUN response from unexpected sender %v (expected %v)", sender, raddr)
	}

	return parseBindingResponse(buf[:n], txnID)
}

func parseBindingResponse(data []byte, txnID [12]byte) (net.IP, int, error) {
	if len(data) < stunHeaderSize {
		return nil, 0, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if msgType := binary.BigEndian.Uint16(data[0:2]); msgType != stunBindingResponse {
		return nil, 0, fmt.Errorf("unexpected message type: 0x%04x", msgType)
	}
	if cookie := binary.BigEndian.Uint32(data[4:8]); cookie != stunMagicCookie {
		return nil, 0, fmt.Errorf("invalid magic cookie: 0x%08x", cookie)
	}
	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return nil, 0, fmt.Errorf("transaction ID mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-stunHeaderSize {
		return nil, 0, fmt.Errorf("attribute length %d exceeds data", attrLen)
	}
	attrs := data[stunHeaderSize : stunHeaderSize+int(attrLen)]

	var mappedIP net.IP
	var mappedPort int
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}
		if int(4+valLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+valLen]

		switch attrType {
		case stunAttrXORMappedAddress:
			if ip, port, err := parseXORMappedAddress(val, txnID); err == nil {
				return ip, port, nil
			}
		case stunAttrMappedAddress:
			if ip, port, err := parseMappedAddress(val); err == nil {
				mappedIP, mappedPort = ip, port
			}
		}
		attrs = attrs[4+padLen:]
	}

	if mappedIP != nil {
		return mappedIP, mappedPort, nil
	}
	return nil, 0, fmt.Errorf("no mapped address in response")
}

func parseXORMappedAddress(val []byte, txnID [12]byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]) ^ uint16(stunMagicCookie>>16))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], stunMagicCookie)
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], stunMagicCookie)
		copy(xorKey[4:16], txnID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

func parseMappedAddress(val []byte) (net.IP, int, error) {
	if len(val) < 4 {
		return nil, 0, fmt.Errorf("MAPPED-ADDRESS too short")
	}
	family := val[1]
	port := int(binary.BigEndian.Uint16(val[2:4]))

	switch family {
	case 0x01:
		if len(val) < 8 {
			return nil, 0, fmt.Errorf("MAPPED-ADDRESS IPv4 too short")
		}
		ip := make(net.IP, 4)
		copy(ip, val[4:8])
		return ip, port, nil
	case 0x02:
		if len(val) < 20 {
			return nil, 0, fmt.Errorf("MAPPED-ADDRESS IPv6 too short")
		}
		ip := make(net.IP, 16)
		copy(ip, val[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}
