// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package driver implements the coordinator's three-phase build algorithm:
// scan into a side-table-backed sort, drain the side table without
// blocking writers, then commit under an exclusive lock.
// The phase/backoff bookkeeping style is grounded on schedIndexCreator's
// retry loop (secondary/indexer/sched_index_creator.go); the "coordinator
// hands out one phase at a time to a worker" shape is enriched from
// jeffswenson-cockroach's pkg/sstmerge/merge_coordinator.go, since GSI
// builds run single-node and have no replication commit gate of their
// own.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/couchbase/indexbuild/secondary/buildstate"
	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
	"github.com/couchbase/indexbuild/secondary/logging"
	"github.com/couchbase/indexbuild/secondary/metrics"
	"github.com/couchbase/indexbuild/secondary/registry"
)

// Driver runs the three-phase build for a single BuildState. One Driver
// instance is scheduled per build; Pool below bounds how many run
// concurrently.
type Driver struct {
	Builder   collab.Builder
	Oplog     collab.Oplog
	ReplCoord collab.ReplCoord
	Catalog   collab.Catalog
	LockMgr   collab.LockMgr
	Registry  *registry.Registry
	Metrics   *metrics.Collectors // nil is valid: metrics become a no-op
}

func (d *Driver) observeCommitted() {
	if d.Metrics != nil {
		d.Metrics.BuildsCommitted.Inc()
	}
}

func (d *Driver) observeAborted(reason string) {
	if d.Metrics != nil {
		d.Metrics.BuildsAborted.WithLabelValues(reason).Inc()
	}
}

// Pool bounds concurrent Drivers to the configured worker count: the
// scheduling model is parallel OS-level worker threads, and Driver is the
// component most sensitive to unbounded fan-out.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPool(numWorkers int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(numWorkers))}
}

// Drain blocks until every build scheduled so far has returned. Callers
// must have already interrupted the contexts passed to Schedule (through
// the shutdown channel) or this can block indefinitely.
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Schedule runs bs's build on a pool worker once one is free, returning
// immediately; the caller observes completion through bs itself (or
// registry.Handle.Join). It is the async counterpart to RunInline, used
// for every path except recovery, which calls RunInline directly instead
// of going through a Pool.
func (p *Pool) Schedule(ctx context.Context, d *Driver, bs *buildstate.BuildState, nss string, shutdown <-chan struct{}, suppressInterrupt bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			d.fail(bs, ixerrors.Wrap(ixerrors.KindInterruptedAtShutdown, ixerrors.CategoryDriver, err, "could not acquire a build worker"))
			return
		}
		defer p.sem.Release(1)
		d.RunInline(ctx, bs, nss, shutdown, suppressInterrupt)
	}()
}

// RunInline executes bs's build synchronously on the calling goroutine
// (used directly by recovery.RecoveryRebuilder, and by Pool.Schedule).
func (d *Driver) RunInline(ctx context.Context, bs *buildstate.BuildState, nss string, shutdown <-chan struct{}, suppressInterrupt bool) {
	opctx := NewOpContext(ctx, shutdown, suppressInterrupt)

	stats, err := d.run(opctx, bs, nss)
	if err != nil {
		d.fail(bs, err)
		return
	}

	d.observeCommitted()
	bs.Publish(buildstate.Outcome{Stats: stats})
	d.Registry.Unregister(bs)
}

func (d *Driver) fail(bs *buildstate.BuildState, err error) {
	reason := "unknown"
	if ixerr, ok := err.(*ixerrors.Error); ok {
		reason = ixerr.Kind().String()
	}
	d.observeAborted(reason)
	bs.Publish(buildstate.Outcome{Err: err})
	d.Registry.Unregister(bs)
}

// run walks scan, drain, and commit, branching to the single-phase fast
// path or the two-phase commit-gated path.
func (d *Driver) run(opctx *OpContext, bs *buildstate.BuildState, nss string) (stats buildstate.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.teardown(opctx, bs, fmt.Errorf("panic in driver: %v", r))
		}
	}()

	if opctx.Interrupted() {
		return buildstate.Stats{}, d.teardown(opctx, bs, ixerrors.Wrap(ixerrors.KindInterruptedAtShutdown, ixerrors.CategoryDriver, nil, "interrupted before build started"))
	}

	// The replication-state lock is held (intent-shared) across Phase 1/2
	// and dropped before the commit gate wait: holding it across that wait
	// would let a blocked build deadlock against a concurrent step-down,
	// since exclusive acquisition of this lock is how step-down advances.
	releaseRepl, err := d.LockMgr.AcquireReplicationState(opctx.Context(), collab.LockIntentShared)
	if err != nil {
		return buildstate.Stats{}, d.teardown(opctx, bs, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "acquire replication-state lock"))
	}

	if err := d.phase1Scan(opctx, bs); err != nil {
		releaseRepl()
		return buildstate.Stats{}, d.teardown(opctx, bs, err)
	}

	finalNss, err := d.phase2Drain(opctx, bs, nss)
	if err != nil {
		releaseRepl()
		return buildstate.Stats{}, d.teardown(opctx, bs, err)
	}

	releaseRepl()

	if bs.Protocol == collab.ProtocolTwoPhase {
		if err := d.waitForCommitOrAbort(opctx, bs, finalNss, nil); err != nil {
			return buildstate.Stats{}, d.teardown(opctx, bs, err)
		}
	}

	stats, err = d.phase3Commit(opctx, bs, finalNss)
	if err != nil {
		return buildstate.Stats{}, d.teardown(opctx, bs, err)
	}
	return stats, nil
}

// phase1Scan acquires DB intent-shared and collection exclusive, downgrades
// to collection intent-shared, then scans the collection into the sorter.
func (d *Driver) phase1Scan(opctx *OpContext, bs *buildstate.BuildState) error {
	releaseDB, err := d.LockMgr.AcquireDB(opctx.Context(), bs.DBName, collab.LockIntentShared)
	if err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "acquire db intent-shared lock")
	}
	defer releaseDB()

	releaseCollX, err := d.LockMgr.AcquireCollection(opctx.Context(), bs.CollectionUUID, collab.LockExclusive)
	if err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "acquire collection exclusive lock")
	}

	logging.Infof("driver: build %v phase1: scanning collection %v", bs.BuildUUID, bs.CollectionUUID)

	// Downgrade X -> IS before the (potentially long) scan so concurrent
	// writers are only funneled into the side table, never blocked outright.
	releaseCollX()
	releaseCollIS, err := d.LockMgr.AcquireCollection(opctx.Context(), bs.CollectionUUID, collab.LockIntentShared)
	if err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "downgrade to collection intent-shared lock")
	}
	defer releaseCollIS()

	if err := d.Builder.ScanAndSort(opctx.Context(), bs.CollectionUUID, bs.BuildUUID); err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "scan_and_sort failed")
	}
	return nil
}

// phase2Drain replays the side table into the new index: first with
// yielding under collection intent-shared, then a quiescent pass under
// collection shared, then resolves the (possibly renamed) namespace.
func (d *Driver) phase2Drain(opctx *OpContext, bs *buildstate.BuildState, nss string) (string, error) {
	releaseIS, err := d.LockMgr.AcquireCollection(opctx.Context(), bs.CollectionUUID, collab.LockIntentShared)
	if err != nil {
		return "", ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "acquire collection intent-shared lock for first drain")
	}
	if err := d.Builder.Drain(opctx.Context(), bs.BuildUUID, collab.YieldBetweenBatches); err != nil {
		releaseIS()
		return "", ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "first drain failed")
	}
	releaseIS()

	releaseS, err := d.LockMgr.AcquireCollection(opctx.Context(), bs.CollectionUUID, collab.LockShared)
	if err != nil {
		return "", ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "upgrade to collection shared lock")
	}
	defer releaseS()
	if err := d.Builder.Drain(opctx.Context(), bs.BuildUUID, collab.NoYield); err != nil {
		return "", ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "second (quiescent) drain failed")
	}

	if resolved, ok := d.Catalog.LookupNamespaceByUUID(bs.CollectionUUID); ok {
		return resolved, nil
	}
	return nss, nil
}

// waitForCommitOrAbort is the commit gate: the Phase 2 -> Phase 3 boundary
// where a secondary blocks for the primary's commit or abort decision.
func (d *Driver) waitForCommitOrAbort(opctx *OpContext, bs *buildstate.BuildState, nss string, preAbort error) error {
	if d.ReplCoord.AcceptsWritesFor(nss) {
		// This node is primary: it will itself emit the commit in Phase 3.
		return nil
	}

	// All locks, including the replication-state lock, must be released
	// before this wait begins: run and phase2Drain release theirs before
	// the normal commit gate, and phase3Commit releases the collection
	// exclusive lock before reconcileConstraintViolation can wait here.
	logging.Infof("driver: build %v waiting at commit gate for %v", bs.BuildUUID, nss)

	waitStart := time.Now()
	woken := bs.WaitForSignal(opctx.Done(), func() bool {
		commitReady, _, aborted, _, _ := bs.Snapshot()
		return commitReady || aborted
	})
	if d.Metrics != nil {
		d.Metrics.CommitGateWaits.Observe(time.Since(waitStart).Seconds())
	}
	if !woken {
		if opctx.ShutdownRequested() {
			return ixerrors.Wrap(ixerrors.KindInterruptedAtShutdown, ixerrors.CategoryDriver, nil, "shutdown while waiting at commit gate")
		}
		return ixerrors.Wrap(ixerrors.KindInterruptedAtShutdown, ixerrors.CategoryDriver, nil, "interrupted while waiting at commit gate")
	}

	commitReady, _, aborted, abortReason, abortTs := bs.Snapshot()
	if commitReady {
		if preAbort != nil {
			return ixerrors.Wrap(ixerrors.KindConstraintViolation, ixerrors.CategoryDriver, preAbort, "node failed locally and cannot accept a commit signal")
		}
		return nil
	}
	if aborted {
		if preAbort != nil {
			return preAbort
		}
		return ixerrors.Wrap(ixerrors.KindIndexBuildAborted, ixerrors.CategoryDriver, nil,
			fmt.Sprintf("%s (abort_timestamp=%s)", abortReason, abortTs))
	}
	return nil
}

// phase3Commit reacquires the collection exclusive, does a final drain and
// constraint check, then commits within a timestamped write unit.
func (d *Driver) phase3Commit(opctx *OpContext, bs *buildstate.BuildState, nss string) (buildstate.Stats, error) {
	releaseX, err := d.LockMgr.AcquireCollection(opctx.Context(), bs.CollectionUUID, collab.LockExclusive)
	if err != nil {
		return buildstate.Stats{}, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "acquire collection exclusive lock for commit")
	}
	var releaseXOnce sync.Once
	unlockX := func() { releaseXOnce.Do(releaseX) }
	defer unlockX()

	if err := d.Builder.Drain(opctx.Context(), bs.BuildUUID, collab.NoYield); err != nil {
		return buildstate.Stats{}, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "final drain failed")
	}

	if err := d.Builder.CheckViolations(opctx.Context(), bs.BuildUUID); err != nil {
		if bs.Protocol == collab.ProtocolTwoPhase {
			// A secondary may block at the commit gate below, which must
			// not be entered holding the collection lock.
			unlockX()
			return buildstate.Stats{}, d.reconcileConstraintViolation(opctx, bs, nss, err)
		}
		return buildstate.Stats{}, ixerrors.Wrap(ixerrors.KindConstraintViolation, ixerrors.CategoryDriver, err, "constraint violation at commit")
	}

	before, after := 0, 0
	if coll, ok := d.Catalog.LookupByUUID(bs.CollectionUUID); ok {
		before = coll.NumIndexesTotal()
	}

	onCommit := func() error {
		if !d.ReplCoord.AcceptsWritesFor(nss) {
			return nil
		}
		if bs.Protocol == collab.ProtocolTwoPhase {
			_, err := d.Oplog.Append(opctx.Context(), collab.OplogRecord{
				Kind: collab.OplogCommitIndexBuild, Namespace: nss,
				Collection: bs.CollectionUUID, BuildUUID: bs.BuildUUID, Specs: bs.Specs,
			})
			return err
		}
		for _, s := range bs.Specs {
			if _, err := d.Oplog.Append(opctx.Context(), collab.OplogRecord{
				Kind: collab.OplogCreateIndex, Namespace: nss,
				Collection: bs.CollectionUUID, BuildUUID: bs.BuildUUID, Specs: []collab.IndexSpec{s},
			}); err != nil {
				return err
			}
		}
		return nil
	}

	// On a secondary the commit timestamp was fixed by the primary's oplog
	// record and already recorded into bs by replcoord.Commit; apply it
	// verbatim so the new indexes become visible at that exact logical
	// time rather than one this node mints itself. A primary passes the
	// null timestamp: its own storage engine assigns the real one as part
	// of this commit, which onCommit then uses as the oplog record's
	// timestamp.
	commitTimestamp := common.NullTimestamp
	if !d.ReplCoord.AcceptsWritesFor(nss) {
		_, commitTimestamp, _, _, _ = bs.Snapshot()
	}

	if err := d.Builder.Commit(opctx.Context(), bs.CollectionUUID, nss, bs.BuildUUID, commitTimestamp, nil, onCommit); err != nil {
		return buildstate.Stats{}, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "commit failed")
	}

	if coll, ok := d.Catalog.LookupByUUID(bs.CollectionUUID); ok {
		after = coll.NumIndexesTotal()
	} else {
		after = before + len(bs.Specs)
	}

	logging.Infof("driver: build %v committed on %v (%d -> %d indexes)", bs.BuildUUID, nss, before, after)
	return buildstate.Stats{NumIndexesBefore: before, NumIndexesAfter: after}, nil
}

// reconcileConstraintViolation surfaces a Phase 3 violation through the
// commit gate on a two-phase build: the primary reconciles by issuing an
// abort; a secondary instead waits for the primary's decision.
func (d *Driver) reconcileConstraintViolation(opctx *OpContext, bs *buildstate.BuildState, nss string, violation error) error {
	if d.ReplCoord.AcceptsWritesFor(nss) {
		ts, err := d.Oplog.Append(opctx.Context(), collab.OplogRecord{
			Kind: collab.OplogAbortIndexBuild, Namespace: nss,
			Collection: bs.CollectionUUID, BuildUUID: bs.BuildUUID, Specs: bs.Specs,
			Cause: violation.Error(),
		})
		if err != nil {
			logging.Warnf("driver: build %v failed to emit abortIndexBuild after violation: %v", bs.BuildUUID, err)
		} else {
			// Mark aborted with the timestamp this node just minted so the
			// caller's teardown sees aborted=true and skips re-emitting the
			// record this branch already wrote.
			bs.SetAborted(violation.Error(), ts)
		}
		return ixerrors.Wrap(ixerrors.KindConstraintViolation, ixerrors.CategoryDriver, violation, "constraint violation at commit")
	}
	return d.waitForCommitOrAbort(opctx, bs, nss, violation)
}

// teardown is the failure path, invoked whenever any phase returns an error.
func (d *Driver) teardown(opctx *OpContext, bs *buildstate.BuildState, cause error) error {
	release, lockErr := d.LockMgr.AcquireCollection(context.Background(), bs.CollectionUUID, collab.LockExclusive)
	if lockErr == nil {
		defer release()
	}

	_, _, aborted, _, abortTs := bs.Snapshot()

	nss, _ := d.Catalog.LookupNamespaceByUUID(bs.CollectionUUID)

	tsForTeardown := common.NullTimestamp
	switch {
	case aborted && bs.Protocol == collab.ProtocolTwoPhase && !d.ReplCoord.AcceptsWritesFor(nss):
		// Secondary under two-phase: teardown must use the primary-supplied
		// abort_timestamp rather than minting its own.
		tsForTeardown = abortTs
	default:
		tsForTeardown = common.GhostTimestamp(0)
	}

	d.Builder.Teardown(context.Background(), bs.CollectionUUID, bs.BuildUUID, func() {
		logging.Infof("driver: build %v torn down at %v: %v", bs.BuildUUID, tsForTeardown, cause)
	})

	if d.ReplCoord.AcceptsWritesFor(nss) && !aborted {
		if _, err := d.Oplog.Append(context.Background(), collab.OplogRecord{
			Kind: collab.OplogAbortIndexBuild, Namespace: nss,
			Collection: bs.CollectionUUID, BuildUUID: bs.BuildUUID, Specs: bs.Specs,
			Cause: cause.Error(),
		}); err != nil {
			logging.Warnf("driver: build %v failed to emit abortIndexBuild: %v", bs.BuildUUID, err)
		}
	}

	if opctx.ShutdownRequested() && !d.ReplCoord.AcceptsWritesFor(nss) {
		// Shutdown interruption on a secondary is recoverable: leave the
		// catalog in the "unfinished index present" state, the next start
		// will rebuild it.
		logging.Infof("driver: build %v left unfinished for recovery after shutdown", bs.BuildUUID)
		return ixerrors.Wrap(ixerrors.KindInterruptedAtShutdown, ixerrors.CategoryDriver, cause, "shutdown, left unfinished for recovery")
	}

	return cause
}
