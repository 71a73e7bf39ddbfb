// Package sessionkeeper implements C11: the session keeper. WireGuard's
// own persistent_keepalive_interval maintains NAT bindings, but it does
// not force a new handshake when a peer's session key has expired
// without normal traffic flowing — this package runs a periodic tick
// (grounded on the teacher's ticker-driven reconcileLoop in
// pkg/daemon/daemon.go) that looks at each peer's live handshake age
// and re-keys any session past RejectAfterTime by sending a single
// zero-length "wake" packet through the driver, forcing a fresh
// handshake on the next tick of the underlying WireGuard device.
package sessionkeeper

import (
	"context"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshlog"
	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

// TickInterval is how often the keeper re-evaluates peer handshake ages.
const TickInterval = 5 * time.Second

// Waker sends a wake-up trigger (an empty UDP datagram to the peer's
// current endpoint) to force libwg to attempt a new handshake. In
// production this is the WireGuard device's own socket; tests supply a
// recording fake.
type Waker interface {
	Wake(pk wgcrypto.PublicKey) error
}

// Keeper runs the periodic re-key sweep.
type Keeper struct {
	log   keeperLogger
	waker Waker
	clock func() time.Time
}

type keeperLogger = interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// New creates a Keeper. clock defaults to time.Now.
func New(waker Waker, clock func() time.Time) *Keeper {
	if clock == nil {
		clock = time.Now
	}
	return &Keeper{log: meshlog.Component("sessionkeeper"), waker: waker, clock: clock}
}

// Run blocks, ticking every TickInterval until ctx is canceled. snapshot
// must return the current live interface peers on each tick.
func (k *Keeper) Run(ctx context.Context, snapshot func(context.Context) (uapi.Interface, error)) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iface, err := snapshot(ctx)
			if err != nil {
				k.log.Warn("sessionkeeper: snapshot failed", "error", err)
				continue
			}
			k.Sweep(iface, k.clock())
		}
	}
}

// Sweep checks every peer's elapsed-since-handshake and wakes any whose
// session has gone stale (handshake older than RejectAfterTime, but the
// peer still has a configured endpoint — i.e. it should be connected).
func (k *Keeper) Sweep(iface uapi.Interface, now time.Time) {
	for pk, peer := range iface.Peers {
		if peer.Endpoint == "" {
			continue
		}
		elapsed := peer.ElapsedSince(now)
		if elapsed.TimeSinceLastHandshake == nil {
			continue
		}
		if *elapsed.TimeSinceLastHandshake <= uapi.RejectAfterTime {
			continue
		}
		if err := k.waker.Wake(pk); err != nil {
			k.log.Debug("sessionkeeper: wake failed", "peer", pk, "error", err)
		}
	}
}
