// Package rendezvous implements the relay/STUN server discovery
// supplement (SPEC_FULL.md §4.10): announcing this node's presence on
// the BitTorrent Mainline DHT under an infohash derived from the mesh's
// network name, and harvesting the addresses of other nodes announcing
// under the same infohash as candidate STUN/relay bootstrap servers.
//
// Grounded on the teacher's pkg/discovery/dht.go DHTDiscovery: a
// *dht.Server bound to a dedicated UDP socket, bootstrapped from a
// fixed set of well-known nodes, driven by an announce loop and a query
// loop on independent tickers. Generalized here from wgmesh's "find
// peers running this mesh" use to "find candidate relay bootstrap
// addresses", since spec.md has no peer-exchange concept of its own —
// peer configuration remains host-supplied (or directory-supplied, see
// pkg/directory) and never flows from the DHT.
package rendezvous

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
)

// AnnounceInterval mirrors the teacher's DHTAnnounceInterval.
const AnnounceInterval = 15 * time.Minute

// QueryInterval mirrors the teacher's DHTQueryInterval.
const QueryInterval = 30 * time.Second

// BootstrapNodes are the well-known BitTorrent DHT bootstrap nodes,
// carried verbatim from the teacher's DHTBootstrapNodes.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// StunServerEvent is published whenever rendezvous harvests a new
// candidate STUN/relay bootstrap address, feeding the runtime's "STUN
// server discovered/changed" stimulus (spec.md §4.6).
type StunServerEvent struct {
	Address string // host:port
}

// Discovery announces this node's presence under the mesh's derived
// infohash and surfaces other announcing nodes as StunServerEvents.
// Nodes that prefer static configuration skip this package entirely and
// call Device.SetStunServer directly.
type Discovery struct {
	log      discoveryLogger
	server   *dht.Server
	infohash [20]byte
	events   chan StunServerEvent

	cancel context.CancelFunc
	done   chan struct{}
}

type discoveryLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// NetworkInfohash derives the BitTorrent DHT infohash used to group this
// mesh's rendezvous traffic, the same way the teacher derives a network
// ID from a shared secret (pkg/crypto.GetCurrentAndPreviousNetworkIDs),
// generalized here to a plain network name since spec.md carries no
// rotating-secret concept of its own.
func NetworkInfohash(networkName string) [20]byte {
	return sha1.Sum([]byte("meshnet-rendezvous:" + networkName))
}

// New binds a DHT server to an ephemeral UDP port and bootstraps it
// against BootstrapNodes. It does not announce or query until Start is
// called.
func New(networkName string) (*Discovery, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("rendezvous: binding dht socket: %w", err)
	}

	var bootstrapAddrs []dht.Addr
	for _, node := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: no bootstrap nodes resolved")
	}

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous: starting dht server: %w", err)
	}

	return &Discovery{
		log:      meshlog.Component("rendezvous"),
		server:   server,
		infohash: NetworkInfohash(networkName),
		events:   make(chan StunServerEvent, 32),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the channel of discovered STUN/relay candidate
// addresses.
func (d *Discovery) Events() <-chan StunServerEvent {
	return d.events
}

// Start launches the announce and query loops in the background.
func (d *Discovery) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.run(runCtx)
}

func (d *Discovery) run(ctx context.Context) {
	defer close(d.done)

	announceTicker := time.NewTicker(AnnounceInterval)
	defer announceTicker.Stop()
	queryTicker := time.NewTicker(QueryInterval)
	defer queryTicker.Stop()

	d.announce(ctx)
	d.query(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-announceTicker.C:
			d.announce(ctx)
		case <-queryTicker.C:
			d.query(ctx)
		}
	}
}

func (d *Discovery) announce(ctx context.Context) {
	announceCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := d.server.Announce(d.infohash, 0, false)
	if err != nil {
		d.log.Debug("rendezvous: announce failed", "error", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-announceCtx.Done():
			return
		case _, ok := <-a.Peers:
			if !ok {
				return
			}
		}
	}
}

func (d *Discovery) query(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := d.server.Announce(d.infohash, 0, false)
	if err != nil {
		d.log.Debug("rendezvous: query failed", "error", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-queryCtx.Done():
			return
		case peerAddrs, ok := <-a.Peers:
			if !ok {
				return
			}
			for _, addr := range peerAddrs.Peers {
				d.publish(addr)
			}
		}
	}
}

func (d *Discovery) publish(addr krpc.NodeAddr) {
	select {
	case d.events <- StunServerEvent{Address: addr.String()}:
	default:
		d.log.Debug("rendezvous: dropping stun event, events channel full", "addr", addr.String())
	}
}

// ApplyTo wires discovered candidates into a runtime Device by calling
// setStunServer for every harvested address, tagged with a fixed weight
// since the DHT gives no signal to rank candidates by.
func (d *Discovery) ApplyTo(ctx context.Context, setStunServer func(context.Context, meshtypes.DerpServer) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			if err := setStunServer(ctx, meshtypes.DerpServer{
				RegionName: "rendezvous",
				Address:    ev.Address,
				Weight:     1,
			}); err != nil {
				d.log.Warn("rendezvous: applying discovered stun server failed", "error", err)
			}
		}
	}
}

// Close stops the DHT server and its background loops.
func (d *Discovery) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	d.server.Close()
}
