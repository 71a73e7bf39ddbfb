package consolidator

import (
	"context"
	"fmt"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/uapi"
	"github.com/quietmesh/meshnet/pkg/wgdevice"
)

// Driver is the subset of wgdevice.Driver the consolidator needs: read
// live state, apply a delta. Declared locally so this package does not
// need wgdevice's full surface (firewall hooks, events) to stay decoupled.
type Driver interface {
	GetInterface(ctx context.Context) (uapi.Interface, error)
	Apply(ctx context.Context, iface uapi.Interface) error
}

var _ Driver = (*wgdevice.Device)(nil)
var _ Driver = (*wgdevice.Mock)(nil)

// Runner drives Reduce+Diff against a Driver, invoked only from the
// runtime task (C14) — "the consolidator never races with itself"
// (invariant from spec.md §4.3).
type Runner struct {
	driver Driver
	clock  func() time.Time
}

// NewRunner creates a Runner. clock defaults to time.Now; tests inject
// the canonical fixed instant (2022-03-04T17:00:05Z).
func NewRunner(driver Driver, clock func() time.Time) *Runner {
	if clock == nil {
		clock = time.Now
	}
	return &Runner{driver: driver, clock: clock}
}

// Consolidate reads live state, reduces it against rs, diffs the result,
// and — only if the diff is non-empty — applies it through the driver.
// Returns the applied delta (empty if nothing changed) so callers (and
// tests) can assert idempotency without inspecting driver internals.
func (r *Runner) Consolidate(ctx context.Context, rs meshtypes.RequestedState, live LiveState) (uapi.Interface, error) {
	liveIface, err := r.driver.GetInterface(ctx)
	if err != nil {
		return uapi.Interface{}, fmt.Errorf("consolidator: reading live interface: %w", err)
	}
	live.Interface = liveIface

	desired, err := Reduce(rs, live, r.clock())
	if err != nil {
		return uapi.Interface{}, err
	}

	delta := Diff(desired, liveIface)
	if IsEmpty(delta) {
		return delta, nil
	}
	if err := r.driver.Apply(ctx, delta); err != nil {
		return uapi.Interface{}, fmt.Errorf("consolidator: applying delta: %w", err)
	}
	return delta, nil
}
