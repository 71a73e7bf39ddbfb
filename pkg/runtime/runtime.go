// Package runtime implements C14: the runtime task, the single
// goroutine that owns RequestedState and drives every other component.
// It is the only writer of meshtypes.RequestedState and the only caller
// of consolidator.Runner.Consolidate (per the "consolidator never races
// with itself" invariant).
//
// Grounded on the teacher's Daemon struct/NewDaemon/Run lifecycle in
// pkg/daemon/daemon.go: a long-lived struct constructed once at
// start-of-day, holding every subsystem handle, with a Run loop driven
// by a set of tickers plus an explicit actions channel for host-issued
// commands (connect_exit_node, set_meshnet_config, ...) instead of the
// teacher's periodic-reconcile-only loop, since the spec requires
// immediate consolidation on every action (scenario S3).
package runtime

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quietmesh/meshnet/pkg/consolidator"
	"github.com/quietmesh/meshnet/pkg/crossping"
	"github.com/quietmesh/meshnet/pkg/dns"
	"github.com/quietmesh/meshnet/pkg/endpoints"
	"github.com/quietmesh/meshnet/pkg/eventbus"
	"github.com/quietmesh/meshnet/pkg/firewall"
	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/proxy"
	"github.com/quietmesh/meshnet/pkg/relay"
	"github.com/quietmesh/meshnet/pkg/sessionkeeper"
	"github.com/quietmesh/meshnet/pkg/socketpool"
	"github.com/quietmesh/meshnet/pkg/upgradesync"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
	"github.com/quietmesh/meshnet/pkg/wgdevice"
)

// ConsolidationInterval is the periodic fallback tick that re-runs
// consolidation even absent an explicit action, catching externally
// observed state changes (a new direct endpoint, an upgraded session).
const ConsolidationInterval = 5 * time.Second

// EndpointDiscoveryInterval controls how often endpoint providers (C8)
// are re-polled for fresh candidates.
const EndpointDiscoveryInterval = 30 * time.Second

// action is a host-issued command, applied on the runtime task's single
// goroutine so RequestedState mutation is always single-writer.
type action struct {
	apply func(*meshtypes.RequestedState) error
	done  chan error
}

// Device is the public API: the host-facing entry point wrapping the
// entire meshnet device runtime (spec.md §6's DeviceConfig-constructed
// "Device").
type Device struct {
	log   deviceLogger
	clock func() time.Time

	rs       *meshtypes.RequestedState
	driver   wgdevice.Driver
	runner   *consolidator.Runner
	firewall *firewall.Firewall
	pool     *socketpool.Pool
	relay    *relay.Client
	endpoints *endpoints.Set
	crossping *crossping.Checker
	proxy     *proxy.Proxy
	upgrade  *upgradesync.Sync
	dnsSrv   *dns.Server
	keeper   *sessionkeeper.Keeper

	// directEndpoints holds the winning direct UDP address per peer, as
	// elected by crossping's (C9) median-RTT selection. It feeds
	// consolidator.LiveState.DirectEndpoints; a peer absent from this map
	// stays on the relay path.
	directEndpoints map[wgcrypto.PublicKey]net.UDPAddr

	nodeEvents   *eventbus.Bus[meshtypes.Node]
	serverEvents *eventbus.Bus[meshtypes.DerpServer]

	actions chan action
	cancel  context.CancelFunc
	done    chan struct{}
}

type deviceLogger = interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Config bundles every dependency Device needs at construction. All
// fields are required except Clock, which defaults to time.Now.
type Config struct {
	DeviceConfig meshtypes.DeviceConfig
	Driver       wgdevice.Driver
	Pool         *socketpool.Pool
	Relay        *relay.Client
	Clock        func() time.Time
}

// New assembles a Device from its dependencies, wiring every component
// built for SPEC_FULL.md's runtime task.
func New(cfg Config) (*Device, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	self, err := wgcrypto.PublicKeyOf(cfg.DeviceConfig.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("runtime: deriving device public key: %w", err)
	}

	rs := meshtypes.New(cfg.DeviceConfig)
	fw := firewall.New()
	epSet := endpoints.NewSet(endpoints.DefaultProviders(cfg.Pool)...)

	cp, err := crossping.New(cfg.Pool, cfg.Relay, self, 0)
	if err != nil {
		return nil, fmt.Errorf("runtime: starting cross-ping checker: %w", err)
	}

	d := &Device{
		log:             meshlog.Component("runtime"),
		clock:           cfg.Clock,
		rs:              rs,
		driver:          cfg.Driver,
		runner:          consolidator.NewRunner(cfg.Driver, cfg.Clock),
		firewall:        fw,
		pool:            cfg.Pool,
		relay:           cfg.Relay,
		endpoints:       epSet,
		crossping:       cp,
		proxy:           proxy.New(cfg.Pool, cfg.Relay, self),
		upgrade:         upgradesync.New(cfg.Relay, self),
		dnsSrv:          dns.New(),
		keeper:          sessionkeeper.New(waker{pool: cfg.Pool, driver: cfg.Driver}, cfg.Clock),
		directEndpoints: make(map[wgcrypto.PublicKey]net.UDPAddr),
		nodeEvents:      eventbus.New[meshtypes.Node](32),
		serverEvents:    eventbus.New[meshtypes.DerpServer](8),
		actions:         make(chan action, 16),
		done:            make(chan struct{}),
	}
	return d, nil
}

// waker implements sessionkeeper.Waker by sending a single zero-length
// UDP datagram to the peer's current endpoint over an ephemeral socket
// from the pool — enough traffic for WireGuard's own handshake logic to
// notice and re-initiate a session on its next retransmit tick.
type waker struct {
	pool   *socketpool.Pool
	driver wgdevice.Driver
}

func (w waker) Wake(pk wgcrypto.PublicKey) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	iface, err := w.driver.GetInterface(ctx)
	if err != nil {
		return fmt.Errorf("sessionkeeper waker: reading interface: %w", err)
	}
	peer, ok := iface.Peers[pk]
	if !ok || peer.Endpoint == "" {
		return fmt.Errorf("sessionkeeper waker: peer %x has no known endpoint", pk)
	}
	addr, err := net.ResolveUDPAddr("udp", peer.Endpoint)
	if err != nil {
		return fmt.Errorf("sessionkeeper waker: resolving endpoint %q: %w", peer.Endpoint, err)
	}

	conn, err := w.pool.ListenUDP(ctx, socketpool.KindPhysical, ":0")
	if err != nil {
		return fmt.Errorf("sessionkeeper waker: opening wake socket: %w", err)
	}
	defer conn.Close()

	_, err = conn.WriteToUDP([]byte{}, addr)
	return err
}

// Start launches the runtime task's goroutine and returns without
// waiting for it; no consolidation pass has run yet when Start returns.
func (d *Device) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.driver.SetFirewallHooks(d.firewall.Inbound, d.firewall.Outbound)

	if err := d.dnsSrv.Start("127.0.0.1:0"); err != nil {
		d.log.Warn("runtime: dns server failed to start", "error", err)
	}
	d.relay.Start(runCtx)

	go d.run(runCtx)
	return nil
}

// Stop cancels the runtime task and waits for it to exit, then resets
// RequestedState to its zero value per spec.md §3's stop lifecycle.
func (d *Device) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.relay.Stop()
	d.crossping.Close()
	d.proxy.Close()
	d.dnsSrv.Stop(ctx)
	d.rs.Reset()
	return nil
}

// NodeEvents returns the channel of host-visible peer state changes.
func (d *Device) NodeEvents() <-chan meshtypes.Node {
	return d.nodeEvents.Subscribe()
}

// ServerEvents returns the channel of relay server changes, translated
// from the relay client's internal best-server selection (spec.md
// §4.6's "relay event (server change)" stimulus).
func (d *Device) ServerEvents() <-chan meshtypes.DerpServer {
	return d.serverEvents.Subscribe()
}

// SetMeshnetConfig applies a new mesh configuration, validating the
// device key agreement invariant before committing it.
func (d *Device) SetMeshnetConfig(ctx context.Context, cfg meshtypes.MeshConfig) error {
	selfKey, err := wgcrypto.PublicKeyOf(d.rs.Clone().DeviceConfig.PrivateKey)
	if err != nil {
		return fmt.Errorf("runtime: deriving device public key: %w", err)
	}
	if err := cfg.Validate(selfKey); err != nil {
		return err
	}
	err = d.dispatch(ctx, func(s *meshtypes.RequestedState) error {
		s.OldMeshnetConfig = s.MeshnetConfig
		s.MeshnetConfig = &cfg
		return nil
	})
	if err != nil {
		return err
	}
	d.syncFirewallAdmissions(cfg)
	d.dnsSrv.SetRecords(d.rs.CollectDNSRecords())
	return nil
}

// syncFirewallAdmissions admits every peer in cfg and revokes admission
// for any previously admitted peer no longer present, so the firewall
// (C5) never diverges from the meshnet config it was built to gate.
func (d *Device) syncFirewallAdmissions(cfg meshtypes.MeshConfig) {
	wanted := make(map[wgcrypto.PublicKey]struct{}, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		wanted[peer.PublicKey] = struct{}{}
		d.firewall.AdmitPeer(peer.PublicKey, firewall.PeerPolicy{
			AllowIncomingConnections: peer.AllowIncomingConnections,
			AllowPeerSendFiles:       peer.AllowPeerSendFiles,
		})
	}
	for _, pk := range d.firewall.AdmittedPeers() {
		if _, ok := wanted[pk]; !ok {
			d.firewall.RemovePeer(pk)
		}
	}
}

// ConnectExitNode validates the candidate exit node's allowed_ips
// against the current mesh config BEFORE mutating RequestedState
// (scenario S4: a rejected call must cause zero UAPI writes).
func (d *Device) ConnectExitNode(ctx context.Context, exit meshtypes.ExitNode) error {
	snap := d.rs.Clone()
	if err := consolidator.CheckExitNodeAllowedIPs(snap.MeshnetConfig, exit); err != nil {
		return err
	}
	return d.dispatch(ctx, func(s *meshtypes.RequestedState) error {
		s.LastExitNode = s.ExitNode
		s.ExitNode = &exit
		return nil
	})
}

// SetStunServer updates the WireGuard STUN/relay server peer (spec.md
// §4.6's "STUN server discovered/changed" stimulus), sourced either from
// static host configuration or pkg/rendezvous's DHT-based discovery.
func (d *Device) SetStunServer(ctx context.Context, server meshtypes.DerpServer) error {
	return d.dispatch(ctx, func(s *meshtypes.RequestedState) error {
		s.WGStunServer = &server
		return nil
	})
}

// DisconnectExitNode clears the current exit node.
func (d *Device) DisconnectExitNode(ctx context.Context) error {
	return d.dispatch(ctx, func(s *meshtypes.RequestedState) error {
		s.LastExitNode = s.ExitNode
		s.ExitNode = nil
		return nil
	})
}

// PeerStatus is a read-only snapshot of one configured mesh peer, as
// surfaced to pkg/control's status query.
type PeerStatus struct {
	PublicKey wgcrypto.PublicKey
	Hostname  string
	IPAddresses []net.IP
	IsExit    bool
}

// Status is a read-only snapshot of the device's current configuration,
// independent of whether a consolidation pass has run since the last
// change.
type Status struct {
	PublicKey wgcrypto.PublicKey
	Interface string
	ExitNode  *meshtypes.ExitNode
	Peers     []PeerStatus
}

// Status returns a snapshot of the device's current configuration. It
// reads RequestedState directly rather than going through the action
// queue, since it observes rather than mutates.
func (d *Device) Status() (Status, error) {
	snap := d.rs.Clone()
	selfKey, err := wgcrypto.PublicKeyOf(snap.DeviceConfig.PrivateKey)
	if err != nil {
		return Status{}, fmt.Errorf("runtime: deriving public key: %w", err)
	}
	st := Status{
		PublicKey: selfKey,
		Interface: snap.DeviceConfig.TunName,
		ExitNode:  snap.ExitNode,
	}
	if snap.MeshnetConfig != nil {
		for _, peer := range snap.MeshnetConfig.Peers {
			st.Peers = append(st.Peers, PeerStatus{
				PublicKey:   peer.PublicKey,
				Hostname:    peer.Hostname,
				IPAddresses: peer.IPAddresses,
				IsExit:      peer.IsMeshnetExit,
			})
		}
	}
	return st, nil
}

// dispatch enqueues a RequestedState mutation onto the runtime task's
// goroutine and blocks until it (and the consolidation it triggers)
// completes.
func (d *Device) dispatch(ctx context.Context, apply func(*meshtypes.RequestedState) error) error {
	a := action{apply: apply, done: make(chan error, 1)}
	select {
	case d.actions <- a:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)

	consolidateTicker := time.NewTicker(ConsolidationInterval)
	defer consolidateTicker.Stop()
	discoveryTicker := time.NewTicker(EndpointDiscoveryInterval)
	defer discoveryTicker.Stop()

	go d.keeper.Run(ctx, d.driver.GetInterface)

	for {
		select {
		case <-ctx.Done():
			return

		case a := <-d.actions:
			var applyErr error
			d.rs.Mutate(func(s *meshtypes.RequestedState) {
				applyErr = a.apply(s)
			})
			if applyErr == nil {
				_, applyErr = d.consolidate(ctx)
			}
			a.done <- applyErr

		case <-consolidateTicker.C:
			if _, err := d.consolidate(ctx); err != nil {
				d.log.Warn("runtime: periodic consolidation failed", "error", err)
			}

		case <-discoveryTicker.C:
			d.refreshEndpoints(ctx)

		case fp := <-d.relay.Forwards():
			d.dispatchForward(fp)

		case w := <-d.crossping.Winners():
			d.handleWinner(ctx, w)

		case ev := <-d.driver.Events():
			d.nodeEvents.Publish(d.translatePeerEvent(ev))

		case ev := <-d.relay.ServerEvents():
			d.serverEvents.Publish(ev.Server)
		}
	}
}

// dispatchForward routes an inbound relay forward to whichever channel
// its leading tag byte names; either side ignores a forward tagged for
// the other, so a single forward stream can safely carry both.
func (d *Device) dispatchForward(fp relay.ForwardParams) {
	if len(fp.Payload) == 0 {
		return
	}
	switch fp.Payload[0] {
	case relay.TagControl:
		d.upgrade.HandleForward(fp, d.clock())
	case relay.TagTunnel:
		d.proxy.HandleForward(fp)
	case relay.TagPing:
		d.crossping.HandleForward(fp, d.clock())
	}
}

// handleWinner applies a crossping (C9) winner announcement: a non-nil
// Addr records the peer's elected direct endpoint and offers it for
// relay-to-direct upgrade (spec.md §4.5); a nil Addr clears any prior
// winner, downgrading the peer back to the relay path. Either way,
// consolidation is re-run so the new LiveState takes effect immediately.
func (d *Device) handleWinner(ctx context.Context, w crossping.Winner) {
	if w.Addr == nil {
		delete(d.directEndpoints, w.PublicKey)
		if _, err := d.consolidate(ctx); err != nil {
			d.log.Warn("runtime: consolidation after direct-endpoint loss failed", "peer", w.PublicKey, "error", err)
		}
		return
	}

	d.directEndpoints[w.PublicKey] = *w.Addr
	if err := d.upgrade.OfferDirect(w.PublicKey, w.Addr.String(), d.clock()); err != nil {
		d.log.Debug("runtime: offering direct upgrade failed", "peer", w.PublicKey, "error", err)
	}
	if _, err := d.consolidate(ctx); err != nil {
		d.log.Warn("runtime: consolidation after direct endpoint win failed", "peer", w.PublicKey, "error", err)
	}
}

// translatePeerEvent converts a wgdevice (C4) connectivity transition
// into the host-visible Node shape, filling in everything the event
// itself doesn't carry from the current mesh configuration.
func (d *Device) translatePeerEvent(ev wgdevice.PeerEvent) meshtypes.Node {
	snap := d.rs.Clone()
	node := meshtypes.Node{
		PublicKey: ev.PublicKey,
		State:     meshtypes.NodeConnecting,
	}
	if ev.State == wgdevice.PeerConnected {
		node.State = meshtypes.NodeConnected
	}

	if snap.MeshnetConfig != nil {
		for _, peer := range snap.MeshnetConfig.Peers {
			if peer.PublicKey != ev.PublicKey {
				continue
			}
			node.Identifier = peer.Identifier
			node.Hostname = peer.Hostname
			node.IPAddresses = peer.IPAddresses
			node.IsExit = peer.IsMeshnetExit
			node.AllowIncomingConnections = peer.AllowIncomingConnections
			node.AllowPeerSendFiles = peer.AllowPeerSendFiles
			break
		}
	}
	if snap.ExitNode != nil && snap.ExitNode.PublicKey == ev.PublicKey {
		node.IsVPN = snap.ExitNode.IsVPN()
	}

	if _, ok := d.directEndpoints[ev.PublicKey]; ok && d.upgrade.Accepted(ev.PublicKey) {
		node.Path = meshtypes.PathDirect
	} else {
		node.Path = meshtypes.PathRelay
	}
	return node
}

func (d *Device) consolidate(ctx context.Context) (bool, error) {
	snap := d.rs.Clone()
	d.ensureProxyRoutes(ctx, snap.MeshnetConfig)
	live := consolidator.LiveState{
		ProxyPorts:      d.proxy.Ports(),
		DirectEndpoints: d.directEndpoints,
		UpgradeAccepted: d.upgrade.Snapshot(),
	}
	delta, err := d.runner.Consolidate(ctx, snap, live)
	if err != nil {
		return false, err
	}
	return !consolidator.IsEmpty(delta), nil
}

// ensureProxyRoutes opens a proxy tunnel (C7) for every current mesh
// peer and tears down any previously opened tunnel for a peer no longer
// present, so LiveState.ProxyPorts always matches the active config.
func (d *Device) ensureProxyRoutes(ctx context.Context, cfg *meshtypes.MeshConfig) {
	wanted := make(map[wgcrypto.PublicKey]struct{})
	if cfg != nil {
		for _, peer := range cfg.Peers {
			wanted[peer.PublicKey] = struct{}{}
			if _, err := d.proxy.EnsurePeer(ctx, peer.PublicKey); err != nil {
				d.log.Warn("runtime: opening proxy tunnel failed", "peer", peer.PublicKey, "error", err)
			}
		}
	}
	for pk := range d.proxy.Ports() {
		if _, ok := wanted[pk]; !ok {
			d.proxy.RemovePeer(pk)
		}
	}
}

func (d *Device) refreshEndpoints(ctx context.Context) {
	snap := d.rs.Clone()
	if snap.MeshnetConfig == nil {
		return
	}
	selfKey, err := wgcrypto.PublicKeyOf(snap.DeviceConfig.PrivateKey)
	if err != nil {
		return
	}
	listenPort := 0
	iface, ifaceErr := d.driver.GetInterface(ctx)
	if ifaceErr == nil && iface.ListenPort != nil {
		listenPort = *iface.ListenPort
	}
	d.endpoints.Discover(ctx, selfKey, listenPort)
	if ifaceErr != nil {
		return
	}
	for _, peer := range snap.MeshnetConfig.Peers {
		live, ok := iface.Peers[peer.PublicKey]
		if !ok || live.Endpoint == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", live.Endpoint)
		if err != nil {
			continue
		}
		d.crossping.Check(ctx, peer.PublicKey, []meshtypes.EndpointCandidate{{
			PublicKeyOfSelf: selfKey,
			Address:         *addr,
			ProviderKind:    "uapi",
		}})
	}
}
