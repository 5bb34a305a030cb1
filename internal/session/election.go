package session

import (
	"context"
	"fmt"
	"time"

	"github.com/satindergrewal/spoly/internal/clock"
	"github.com/satindergrewal/spoly/internal/store"
)

// Election arbitrates the master role through compare-and-swap on the
// masterTabId key. A holder keeps the role by refreshing masterHeartbeat;
// a holder whose heartbeat is older than the lease timeout may be
// replaced.
type Election struct {
	store   store.Store
	tabID   string
	timeout time.Duration
	clock   clock.Clock
}

// NewElection returns the election view for tabID.
func NewElection(st store.Store, tabID string, timeout time.Duration, clk clock.Clock) *Election {
	if clk == nil {
		clk = clock.Real()
	}
	return &Election{store: st, tabID: tabID, timeout: timeout, clock: clk}
}

// TryAcquire claims the master role. It returns false without error when
// another tab holds a live lease.
func (e *Election) TryAcquire(ctx context.Context) (bool, error) {
	values, err := e.store.Get(ctx, store.KeyMasterTabID, store.KeyMasterHeartbeat)
	if err != nil {
		return false, fmt.Errorf("election: read master: %w", err)
	}
	current, held := values[store.KeyMasterTabID]
	if held {
		holder, _ := values.String(store.KeyMasterTabID)
		if holder != e.tabID && !e.expired(values) {
			return false, nil
		}
	}

	// The heartbeat goes first so that nobody sees a fresh holder without
	// a lease.
	if err := e.beat(ctx); err != nil {
		return false, err
	}
	var old []byte
	if held {
		old = current
	}
	ok, err := e.store.CompareAndSwap(ctx, store.KeyMasterTabID, old, store.String(e.tabID))
	if err != nil {
		return false, fmt.Errorf("election: claim master: %w", err)
	}
	return ok, nil
}

// Heartbeat refreshes the lease. It returns false when this tab no longer
// holds the role. The refresh is a compare-and-swap on the heartbeat read
// alongside the holder, so a takeover that lands in between is never
// refreshed on the new holder's behalf.
func (e *Election) Heartbeat(ctx context.Context) (bool, error) {
	values, err := e.store.Get(ctx, store.KeyMasterTabID, store.KeyMasterHeartbeat)
	if err != nil {
		return false, fmt.Errorf("election: read master: %w", err)
	}
	if holder, _ := values.String(store.KeyMasterTabID); holder != e.tabID {
		return false, nil
	}
	next := store.Int(e.clock.Now().UnixMilli())
	ok, err := e.store.CompareAndSwap(ctx, store.KeyMasterHeartbeat, values[store.KeyMasterHeartbeat], next)
	if err != nil {
		return false, fmt.Errorf("election: heartbeat: %w", err)
	}
	if ok {
		return true, nil
	}

	// Only a contender writes the heartbeat of a lease it does not hold.
	values, err = e.store.Get(ctx, store.KeyMasterTabID)
	if err != nil {
		return false, fmt.Errorf("election: read master: %w", err)
	}
	holder, _ := values.String(store.KeyMasterTabID)
	return holder == e.tabID, nil
}

// Release gives up the role if this tab holds it.
func (e *Election) Release(ctx context.Context) error {
	ok, err := e.store.CompareAndSwap(ctx, store.KeyMasterTabID, store.String(e.tabID), nil)
	if err != nil {
		return fmt.Errorf("election: release master: %w", err)
	}
	if ok {
		return e.store.Set(ctx, store.Values{store.KeyMasterHeartbeat: nil})
	}
	return nil
}

// Expired reports whether the lease recorded in values has lapsed at now.
func Expired(values store.Values, now time.Time, timeout time.Duration) bool {
	hb, ok := values.Int(store.KeyMasterHeartbeat)
	if !ok {
		return true
	}
	return now.Sub(time.UnixMilli(hb)) > timeout
}

func (e *Election) expired(values store.Values) bool {
	return Expired(values, e.clock.Now(), e.timeout)
}

func (e *Election) beat(ctx context.Context) error {
	err := e.store.Set(ctx, store.Values{store.KeyMasterHeartbeat: store.Int(e.clock.Now().UnixMilli())})
	if err != nil {
		return fmt.Errorf("election: heartbeat: %w", err)
	}
	return nil
}
