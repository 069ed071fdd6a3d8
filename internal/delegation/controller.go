// Package delegation moves exclusive write authority over account records
// between the base ledger and rollup executors.
//
// Per address the lifecycle is:
//
//	BaseResident --Delegate--> Delegated --Commit--> Delegated
//	Delegated --CommitAndUndelegate--> CommitPending --> BaseResident
//
// The delegation record lives on the base ledger at an address derived from
// the target. No record means BaseResident. While a record is Delegated only
// the named executor may mutate the target; while CommitPending nobody may.
// The hosting executors serialize calls per address, so the controller only
// checks state tags and takes no locks of its own.
package delegation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traderings/arena-ledger/internal/events"
	"github.com/traderings/arena-ledger/internal/metrics"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/registry"
	"github.com/traderings/arena-ledger/internal/store"
)

// BaseExecutor is the executor id of the base ledger.
const BaseExecutor = "base"

// DefaultCommitInterval is used when Delegate is given no interval and none
// was configured with SetCommitInterval.
const DefaultCommitInterval = 30 * time.Second

var (
	ErrAlreadyDelegated = errors.New("delegation: record is already delegated")
	ErrNotDelegated     = errors.New("delegation: record is not delegated")
	ErrNotWritable      = errors.New("delegation: executor does not hold write authority over record")
	ErrUnknownExecutor  = errors.New("delegation: unknown executor")
	ErrUnknownRecord    = errors.New("delegation: record does not exist on the base ledger")
	ErrUnauthorised     = registry.ErrUnauthorised
)

// OwnerResolver returns the identity allowed to delegate a record.
// registry.Registry satisfies it.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, addr model.Address) (model.Identity, error)
}

// Controller runs the delegation lifecycle.
type Controller struct {
	base      store.Store
	executors map[string]store.Store
	addrs     registry.Addresses
	owners    OwnerResolver
	events    events.Publisher
	interval  time.Duration
	now       func() time.Time
}

// New creates a controller over the base ledger store. owners and pub may be
// nil; without owners any caller may delegate.
func New(base store.Store, deriver registry.Deriver, owners OwnerResolver, pub events.Publisher) *Controller {
	return &Controller{
		base:      base,
		executors: make(map[string]store.Store),
		addrs:     registry.Addresses{Deriver: deriver},
		owners:    owners,
		events:    pub,
		interval:  DefaultCommitInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetOwners sets the resolver used to authorise Delegate. The registry and
// the controller reference each other, so one of them is wired late.
func (c *Controller) SetOwners(owners OwnerResolver) { c.owners = owners }

// SetCommitInterval sets the interval applied when Delegate is given none.
// Non-positive values restore DefaultCommitInterval.
func (c *Controller) SetCommitInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultCommitInterval
	}
	c.interval = d
}

// RegisterExecutor makes a rollup executor's store available as a
// delegation target. Must be called before serving requests.
func (c *Controller) RegisterExecutor(id string, st store.Store) error {
	if id == "" || id == BaseExecutor {
		return fmt.Errorf("register executor %q: reserved id", id)
	}
	if _, ok := c.executors[id]; ok {
		return fmt.Errorf("register executor %q: already registered", id)
	}
	c.executors[id] = st
	return nil
}

// Executors returns the registered rollup executor ids.
func (c *Controller) Executors() []string {
	out := make([]string, 0, len(c.executors))
	for id := range c.executors {
		out = append(out, id)
	}
	return out
}

// State returns the delegation record of addr. Addresses without a record
// are BaseResident.
func (c *Controller) State(ctx context.Context, addr model.Address) (model.DelegationRecord, error) {
	rec, _, err := c.load(ctx, addr)
	return rec, err
}

// Delegate hands write authority over addr to executor. The current base
// state is mirrored into the executor before the delegation is recorded, so
// a crash in between leaves the record BaseResident.
func (c *Controller) Delegate(ctx context.Context, caller model.Identity, addr model.Address, executor string, commitIntervalMs int64) (model.DelegationRecord, error) {
	rollup, ok := c.executors[executor]
	if !ok {
		return model.DelegationRecord{}, fmt.Errorf("%w: %s", ErrUnknownExecutor, executor)
	}

	cur, _, err := c.load(ctx, addr)
	if err != nil {
		return model.DelegationRecord{}, err
	}
	if cur.State != model.BaseResident {
		return model.DelegationRecord{}, fmt.Errorf("%w: %s is %s", ErrAlreadyDelegated, addr, cur.State)
	}

	rec, err := c.base.Read(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return model.DelegationRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, addr)
	}
	if err != nil {
		return model.DelegationRecord{}, err
	}

	if c.owners != nil {
		owner, err := c.owners.OwnerOf(ctx, addr)
		if err != nil {
			return model.DelegationRecord{}, fmt.Errorf("resolve owner of %s: %w", addr, err)
		}
		if caller != owner {
			return model.DelegationRecord{}, ErrUnauthorised
		}
	}

	if commitIntervalMs <= 0 {
		commitIntervalMs = c.interval.Milliseconds()
	}

	if err := rollup.Put(ctx, *rec); err != nil {
		return model.DelegationRecord{}, fmt.Errorf("mirror %s to %s: %w", addr, executor, err)
	}

	drec := model.DelegationRecord{
		Target:           addr,
		State:            model.Delegated,
		Executor:         executor,
		CommitIntervalMs: commitIntervalMs,
		DelegatedAt:      c.now(),
	}
	if err := c.create(ctx, drec); err != nil {
		return model.DelegationRecord{}, err
	}

	slog.Info("record delegated",
		"address", addr.String(),
		"kind", rec.Kind,
		"executor", executor,
		"commit_interval_ms", commitIntervalMs,
	)
	metrics.DelegatedAccounts.WithLabelValues(executor).Inc()
	c.publish(ctx, events.AccountDelegated, executor, addr)
	return drec, nil
}

// Commit checkpoints the executor's copy of addr to the base ledger without
// changing ownership. Committing an unchanged record is a no-op and leaves
// the base ledger untouched. It reports whether the base ledger changed.
func (c *Controller) Commit(ctx context.Context, addr model.Address) (bool, error) {
	drec, version, err := c.load(ctx, addr)
	if err != nil {
		return false, err
	}
	if drec.State != model.Delegated {
		return false, fmt.Errorf("%w: %s is %s", ErrNotDelegated, addr, drec.State)
	}

	changed, _, err := c.commit(ctx, drec, version)
	return changed, err
}

// CommitAndUndelegate commits addr and returns write authority to the base
// ledger. The record passes through CommitPending, during which no executor
// may write it; calling again after a crash completes the transition.
func (c *Controller) CommitAndUndelegate(ctx context.Context, addr model.Address) (bool, error) {
	drec, version, err := c.load(ctx, addr)
	if err != nil {
		return false, err
	}
	switch drec.State {
	case model.Delegated:
		drec.State = model.CommitPending
		version, err = c.write(ctx, drec, version)
		if err != nil {
			return false, err
		}
	case model.CommitPending:
		slog.Info("resuming undelegation", "address", addr.String(), "executor", drec.Executor, "committed", drec.Committed)
	default:
		return false, fmt.Errorf("%w: %s is %s", ErrNotDelegated, addr, drec.State)
	}

	var changed bool
	if !drec.Committed {
		var ended bool
		changed, ended, err = c.commit(ctx, drec, version)
		if err != nil {
			return false, err
		}
		if ended {
			return changed, nil
		}
		if err := c.markCommitted(ctx, addr); err != nil {
			return changed, err
		}
	}

	if err := c.drop(ctx, drec); err != nil {
		return changed, err
	}

	slog.Info("record undelegated", "address", addr.String(), "executor", drec.Executor, "changed", changed)
	metrics.DelegatedAccounts.WithLabelValues(drec.Executor).Dec()
	c.publish(ctx, events.AccountUndelegated, drec.Executor, addr)
	return changed, nil
}

// markCommitted records that the final commit of a CommitPending record is
// on the base ledger. From here on a missing executor copy means it was
// dropped, not closed.
func (c *Controller) markCommitted(ctx context.Context, addr model.Address) error {
	drec, version, err := c.load(ctx, addr)
	if err != nil {
		return err
	}
	drec.Committed = true
	_, err = c.write(ctx, drec, version)
	return err
}

// drop removes the executor copy of drec.Target and clears the delegation.
func (c *Controller) drop(ctx context.Context, drec model.DelegationRecord) error {
	addr := drec.Target
	if rollup, ok := c.executors[drec.Executor]; ok {
		if err := rollup.Close(ctx, addr, model.Identity(drec.Executor)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("drop %s from %s: %w", addr, drec.Executor, err)
		}
	}
	if err := c.base.Close(ctx, c.addrs.Delegation(addr), ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear delegation of %s: %w", addr, err)
	}
	return nil
}

// ListDelegated returns the delegation records held by executor, or all of
// them when executor is empty.
func (c *Controller) ListDelegated(ctx context.Context, executor string) ([]model.DelegationRecord, error) {
	recs, err := c.base.List(ctx, model.KindDelegation)
	if err != nil {
		return nil, err
	}
	var out []model.DelegationRecord
	for _, rec := range recs {
		var drec model.DelegationRecord
		if err := store.Unmarshal(rec, &drec); err != nil {
			return nil, err
		}
		if executor == "" || drec.Executor == executor {
			out = append(out, drec)
		}
	}
	return out, nil
}

// Authorize implements registry.Gate.
func (c *Controller) Authorize(ctx context.Context, executor string, addrs ...model.Address) error {
	for _, addr := range addrs {
		drec, _, err := c.load(ctx, addr)
		if err != nil {
			return err
		}
		var ok bool
		switch drec.State {
		case model.BaseResident:
			ok = executor == BaseExecutor
		case model.Delegated:
			ok = executor == drec.Executor
		}
		if !ok {
			return fmt.Errorf("%w: %s is %s (executor %q), caller executor %q",
				ErrNotWritable, addr, drec.State, drec.Executor, executor)
		}
	}
	return nil
}

// Adopt implements registry.Gate. A record created by a rollup executor is
// delegated to it with the parent's commit interval, so it is committed to
// the base ledger like any other delegated record.
func (c *Controller) Adopt(ctx context.Context, executor string, parent, child model.Address) error {
	if executor == BaseExecutor {
		return nil
	}
	prec, _, err := c.load(ctx, parent)
	if err != nil {
		return err
	}
	if prec.State != model.Delegated || prec.Executor != executor {
		return fmt.Errorf("%w: parent %s", ErrNotWritable, parent)
	}

	existing, _, err := c.load(ctx, child)
	if err != nil {
		return err
	}
	if existing.State != model.BaseResident {
		if existing.Executor == executor {
			return nil // left over from an interrupted open
		}
		return fmt.Errorf("%w: %s", ErrAlreadyDelegated, child)
	}

	drec := model.DelegationRecord{
		Target:           child,
		State:            model.Delegated,
		Executor:         executor,
		CommitIntervalMs: prec.CommitIntervalMs,
		DelegatedAt:      c.now(),
	}
	if err := c.create(ctx, drec); err != nil {
		return err
	}
	metrics.DelegatedAccounts.WithLabelValues(executor).Inc()
	return nil
}

// commit pushes the executor's copy of drec.Target to the base ledger. ended
// reports that the record no longer exists anywhere and the delegation was
// cleared.
func (c *Controller) commit(ctx context.Context, drec model.DelegationRecord, version uint64) (changed, ended bool, err error) {
	addr := drec.Target
	rollup, ok := c.executors[drec.Executor]
	if !ok {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownExecutor, drec.Executor)
	}

	working, err := rollup.Read(ctx, addr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, false, err
	}
	committed, err := c.base.Read(ctx, addr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, false, err
	}

	switch {
	case working == nil:
		// Destroyed on the executor: settle the close on the base ledger
		// and end the delegation.
		if committed != nil {
			refundTo := model.Identity(drec.Executor)
			if c.owners != nil {
				if owner, err := c.owners.OwnerOf(ctx, addr); err == nil {
					refundTo = owner
				}
			}
			if err := c.base.Close(ctx, addr, refundTo); err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, false, fmt.Errorf("commit close of %s: %w", addr, err)
			}
			changed = true
		}
		if err := c.base.Close(ctx, c.addrs.Delegation(addr), ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			return changed, false, fmt.Errorf("clear delegation of %s: %w", addr, err)
		}
		metrics.DelegatedAccounts.WithLabelValues(drec.Executor).Dec()
		c.observeCommit(ctx, drec, changed)
		return changed, true, nil

	case committed == nil:
		if err := c.base.Put(ctx, *working); err != nil {
			return false, false, fmt.Errorf("commit %s: %w", addr, err)
		}
		changed = true

	case committed.Kind == working.Kind && bytes.Equal(committed.Data, working.Data):
		c.observeCommit(ctx, drec, false)
		return false, false, nil

	default:
		if _, err := c.base.Write(ctx, addr, working.Data); err != nil {
			return false, false, fmt.Errorf("commit %s: %w", addr, err)
		}
		changed = true
	}

	drec.LastCommitAt = c.now()
	if _, err := c.write(ctx, drec, version); err != nil {
		return changed, false, err
	}
	c.observeCommit(ctx, drec, changed)
	return changed, false, nil
}

func (c *Controller) observeCommit(ctx context.Context, drec model.DelegationRecord, changed bool) {
	outcome := "unchanged"
	if changed {
		outcome = "changed"
		c.publish(ctx, events.AccountCommitted, drec.Executor, drec.Target)
	}
	metrics.Commits.WithLabelValues(drec.Executor, outcome).Inc()
	slog.Debug("record committed", "address", drec.Target.String(), "executor", drec.Executor, "outcome", outcome)
}

func (c *Controller) load(ctx context.Context, addr model.Address) (model.DelegationRecord, uint64, error) {
	var drec model.DelegationRecord
	rec, err := store.Decode(ctx, c.base, c.addrs.Delegation(addr), model.KindDelegation, &drec)
	if errors.Is(err, store.ErrNotFound) {
		return model.DelegationRecord{Target: addr, State: model.BaseResident}, 0, nil
	}
	if err != nil {
		return model.DelegationRecord{}, 0, fmt.Errorf("load delegation of %s: %w", addr, err)
	}
	return drec, rec.Version, nil
}

func (c *Controller) create(ctx context.Context, drec model.DelegationRecord) error {
	data, err := store.Encode(&drec)
	if err != nil {
		return err
	}
	_, err = c.base.Create(ctx, c.addrs.Delegation(drec.Target), model.KindDelegation, data)
	if errors.Is(err, store.ErrExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyDelegated, drec.Target)
	}
	if err != nil {
		return fmt.Errorf("record delegation of %s: %w", drec.Target, err)
	}
	return nil
}

func (c *Controller) write(ctx context.Context, drec model.DelegationRecord, version uint64) (uint64, error) {
	data, err := store.Encode(&drec)
	if err != nil {
		return 0, err
	}
	addr := c.addrs.Delegation(drec.Target)
	err = c.base.Apply(ctx, []store.Mutation{{Op: store.OpWrite, Address: addr, Data: data, Version: version}})
	if err != nil {
		return 0, fmt.Errorf("update delegation of %s: %w", drec.Target, err)
	}
	return version + 1, nil
}

func (c *Controller) publish(ctx context.Context, typ, executor string, addr model.Address) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, events.New(typ, executor, addr))
}
