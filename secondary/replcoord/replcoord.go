// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package replcoord implements the replication role machine's hooks into
// the build registry: step-up, rollback, and oplog-driven commit/abort
// application. It is the index-build-specific target that a node's
// replication coordinator calls into on every role transition; it is not
// itself a replication coordinator. The broadcast-to-waiters shape is
// grounded on manager/coordinator.go, which drives its own CoordinatorState
// through the same "role changes, wake every waiter" pattern, generalized
// here from Paxos roles to primary/secondary.
package replcoord

import (
	"sync"

	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
	"github.com/couchbase/indexbuild/secondary/logging"
	"github.com/couchbase/indexbuild/secondary/registry"
)

// ReplCoordinator applies role-transition and oplog-commit/abort events to
// every BuildState tracked by a Registry.
type ReplCoordinator struct {
	reg *registry.Registry

	mutex             sync.Mutex
	shutdownRequested bool
}

func New(reg *registry.Registry) *ReplCoordinator {
	return &ReplCoordinator{reg: reg}
}

// OnStepUp marks every non-aborted build commit-ready with a null
// timestamp; the Driver that owns each build allocates its own commit
// timestamp from its own oplog write. No BuildState may already have
// commit_ready set before step-up — a double step-up without an
// intervening step-down is a coordinator invariant violation.
func (rc *ReplCoordinator) OnStepUp() {
	for _, bs := range rc.reg.Snapshot() {
		commitReady, _, aborted, _, _ := bs.Snapshot()
		if aborted {
			continue
		}
		if commitReady {
			logging.Warnf("replcoord: build %v was already commit_ready before step-up", bs.BuildUUID)
			continue
		}
		bs.SetCommitReady(common.NullTimestamp)
	}
	logging.Infof("replcoord: step-up processed")
}

// OnRollback aborts every non-aborted build with a null timestamp; the
// real abort_timestamp is unavailable during rollback, so teardown falls
// back to a storage-assigned ghost timestamp of its own.
func (rc *ReplCoordinator) OnRollback() {
	for _, bs := range rc.reg.Snapshot() {
		_, _, aborted, _, _ := bs.Snapshot()
		if aborted {
			continue
		}
		bs.SetAborted("rollback", common.NullTimestamp)
	}
	logging.Infof("replcoord: rollback processed")
}

// Commit applies a commitIndexBuild oplog record to the named build.
// Precondition: commitTimestamp is non-null (the caller is responsible for
// this; applying a null commit timestamp here would be indistinguishable
// from a step-up and is rejected).
func (rc *ReplCoordinator) Commit(buildUUID common.BuildUUID, commitTimestamp common.Timestamp) error {
	if commitTimestamp.IsNull() {
		return ixerrors.New(ixerrors.KindCannotCreateIndex, ixerrors.CategoryReplCoordinator, "commitIndexBuild applied with a null commit timestamp")
	}
	bs, ok := rc.reg.Get(buildUUID)
	if !ok {
		logging.Warnf("replcoord: commitIndexBuild for unknown build %v (already unregistered?)", buildUUID)
		return nil
	}
	bs.SetCommitReady(commitTimestamp)
	return nil
}

// AbortByBuildUUID applies an abortIndexBuild oplog record, forwarding the
// record's own timestamp: driver.teardown reads this back as abortTs for
// a secondary's two-phase teardown, and must see the primary-supplied
// value rather than a null one.
func (rc *ReplCoordinator) AbortByBuildUUID(buildUUID common.BuildUUID, reason string, abortTimestamp common.Timestamp) {
	bs, ok := rc.reg.Get(buildUUID)
	if !ok {
		logging.Warnf("replcoord: abortIndexBuild for unknown build %v (already unregistered?)", buildUUID)
		return
	}
	bs.SetAborted(reason, abortTimestamp)
}

// RequestShutdown marks shutdown in progress, as later reported by
// ShutdownRequested. WaitForShutdown does not consult this flag.
func (rc *ReplCoordinator) RequestShutdown() {
	rc.mutex.Lock()
	rc.shutdownRequested = true
	rc.mutex.Unlock()
}

// WaitForShutdown blocks until the tracker of every database named in
// databases reports empty; databases not listed are not waited on.
// Callers must have already interrupted every build's operation context
// (via the shutdown channel threaded through driver.OpContext) so that
// Drivers actually unwind instead of running indefinitely.
func (rc *ReplCoordinator) WaitForShutdown(databases []string) {
	for _, db := range databases {
		rc.reg.AwaitNoneForDB(db)
	}
	logging.Infof("replcoord: shutdown wait complete, all builds drained")
}

func (rc *ReplCoordinator) ShutdownRequested() bool {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return rc.shutdownRequested
}
