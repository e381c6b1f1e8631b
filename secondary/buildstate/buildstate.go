// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package buildstate implements the coordinator's per-build record: the
// reference-counted object shared between the
// Registry, the Driver, and any caller waiting on the build's outcome.
// It is passive — a mutex, a condition variable, and a one-shot
// completion broadcast — grounded on the mutex+sync.Cond discipline of
// manager/coordinator.go's CoordinatorState and the CondVar.Wait()
// pattern of manager/client/metadata_provider.go's protocol.RequestHandle.
package buildstate

import (
	"sync"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
)

// Stats reports the index counts observed before and after a commit.
type Stats struct {
	NumIndexesBefore int
	NumIndexesAfter  int
}

// Outcome is what a build's completion handle resolves to: either final
// stats, or an error.
type Outcome struct {
	Stats Stats
	Err   error
}

// BuildState is the per-build record shared between the Registry, the
// Driver, and any caller waiting on the build's outcome. All mutable
// fields are guarded by mutex; signal wakes Driver goroutines blocked in
// the commit gate.
type BuildState struct {
	BuildUUID      common.BuildUUID
	CollectionUUID common.CollectionUUID
	DBName         string
	Specs          []collab.IndexSpec
	IndexNames     map[string]bool
	Protocol       collab.Protocol
	CommitQuorum   interface{} // opaque quorum policy, two-phase only

	mutex sync.Mutex
	cond  *sync.Cond

	commitReady     bool
	commitTimestamp common.Timestamp
	aborted         bool
	abortReason     string
	abortTimestamp  common.Timestamp

	resolved bool // set by the first Publish; a second Publish panics
	outcome  Outcome
	done     chan struct{}
}

// New constructs a BuildState registered under the given identifiers. It
// is the Registry's job to insert it into its maps; New only initializes
// the object itself.
func New(buildUUID common.BuildUUID, collectionUUID common.CollectionUUID, dbName string, specs []collab.IndexSpec, protocol collab.Protocol, commitQuorum interface{}) *BuildState {
	names := make(map[string]bool, len(specs))
	for _, s := range specs {
		names[s.Name] = true
	}
	bs := &BuildState{
		BuildUUID:      buildUUID,
		CollectionUUID: collectionUUID,
		DBName:         dbName,
		Specs:          specs,
		IndexNames:     names,
		Protocol:       protocol,
		CommitQuorum:   commitQuorum,
		done:           make(chan struct{}),
	}
	bs.cond = sync.NewCond(&bs.mutex)
	return bs
}

// WaitForSignal blocks on signal under mutex until predicate() is true or
// ctxDone fires. It returns false if ctxDone fired first.
func (b *BuildState) WaitForSignal(ctxDone <-chan struct{}, predicate func() bool) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if predicate() {
		return true
	}

	// sync.Cond has no context-aware wait, so a watcher goroutine turns
	// ctxDone into a broadcast the way protocol.RequestHandle is woken by
	// an explicit Terminate() call rather than a channel select.
	interrupted := false
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctxDone:
			b.mutex.Lock()
			interrupted = true
			b.mutex.Unlock()
			b.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	for !predicate() && !interrupted {
		b.cond.Wait()
	}
	return !interrupted
}

// SetCommitReady implements the commit_ready transition:
// on_step_up (null timestamp) or oplog commit application (non-null
// timestamp). It is a no-op once the build has already resolved to
// aborted, per the first-writer-wins rule.
func (b *BuildState) SetCommitReady(ts common.Timestamp) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.aborted {
		return
	}
	b.commitReady = true
	b.commitTimestamp = ts
	b.cond.Broadcast()
}

// SetAborted implements the aborted transition:
// on_rollback or oplog abort application. A commit which already recorded
// a real timestamp stands: a later SetAborted is ignored. A step-up-only
// commit_ready (null timestamp) does not: the abort wins and commit_ready
// is cleared.
func (b *BuildState) SetAborted(reason string, ts common.Timestamp) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.commitReady && !b.aborted {
		// Rollback racing a commit that already landed: aborted wins over a
		// step-up-only commit_ready (no timestamp yet), but a commit with a
		// real timestamp already recorded must stand.
		if !b.commitTimestamp.IsNull() {
			return
		}
		b.commitReady = false
	}
	b.aborted = true
	b.abortReason = reason
	b.abortTimestamp = ts
	b.cond.Broadcast()
}

// Snapshot returns a consistent read of the commit/abort fields.
func (b *BuildState) Snapshot() (commitReady bool, commitTimestamp common.Timestamp, aborted bool, abortReason string, abortTimestamp common.Timestamp) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.commitReady, b.commitTimestamp, b.aborted, b.abortReason, b.abortTimestamp
}

// Publish broadcasts the final outcome to all current and future joiners.
// It is a programming error to publish twice; the second call panics
// rather than silently overwriting a result a joiner may already have
// observed.
func (b *BuildState) Publish(outcome Outcome) {
	b.mutex.Lock()
	if b.resolved {
		b.mutex.Unlock()
		panic("buildstate: Publish called twice for build " + b.BuildUUID.String())
	}
	b.resolved = true
	b.outcome = outcome
	b.mutex.Unlock()
	close(b.done)
}

// Join blocks until Publish is called (or ctxDone fires) and returns the
// outcome. Multiple goroutines may Join concurrently; all observe the same
// outcome once published.
func (b *BuildState) Join(ctxDone <-chan struct{}) (Outcome, bool) {
	select {
	case <-b.done:
		b.mutex.Lock()
		outcome := b.outcome
		b.mutex.Unlock()
		return outcome, true
	case <-ctxDone:
		return Outcome{}, false
	}
}

// Done exposes the completion channel directly for select statements.
func (b *BuildState) Done() <-chan struct{} {
	return b.done
}
