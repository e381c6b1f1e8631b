// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package collab names the external collaborators the coordinator treats
// as contracts rather than implementations: the key
// generator ("Builder"), the replication log ("Oplog"), the replication
// role machine ("ReplCoord"), and the collection/catalog lookup. The
// coordinator itself never knows how a B-tree is built or how an oplog
// record reaches disk; it only calls through these interfaces.
package collab

import (
	"context"

	"github.com/couchbase/indexbuild/secondary/common"
)

// IndexSpec is an opaque, already shape-checked index specification. The
// coordinator never interprets its contents beyond extracting a name.
type IndexSpec struct {
	Name       string
	Definition map[string]interface{}
	Unique     bool
}

// Protocol selects how a build reaches commit (Glossary: Two-phase /
// Single-phase protocol).
type Protocol int

const (
	ProtocolSinglePhase Protocol = iota
	ProtocolTwoPhase
)

// YieldPolicy controls whether Drain yields to the lock manager between
// batches.
type YieldPolicy bool

const (
	YieldBetweenBatches YieldPolicy = true
	NoYield             YieldPolicy = false
)

// Builder is the B-tree/sorted-set key generator.
type Builder interface {
	Setup(ctx context.Context, collection CollectionUUID, specs []IndexSpec, buildUUID common.BuildUUID, onInit func() error) error
	ScanAndSort(ctx context.Context, collection CollectionUUID, buildUUID common.BuildUUID) error
	Drain(ctx context.Context, buildUUID common.BuildUUID, policy YieldPolicy) error
	CheckViolations(ctx context.Context, buildUUID common.BuildUUID) error

	// Commit applies the build within a single timestamped write unit and
	// calls onCreateEach once per finished index (if non-nil), then
	// onCommit inside that same unit once the indexes are about to become
	// visible — the point at which the caller appends its oplog record.
	// commitTimestamp is common.NullTimestamp on a primary: the storage
	// engine assigns the unit's own commit time, and that assigned value
	// becomes the timestamp on whatever oplog record onCommit appends. On
	// a secondary, commitTimestamp is the non-null, primary-supplied time
	// received over replcoord.Commit, and the new indexes must become
	// visible at exactly that logical time rather than one of this node's
	// own choosing.
	Commit(ctx context.Context, collection CollectionUUID, nss string, buildUUID common.BuildUUID, commitTimestamp common.Timestamp, onCreateEach func(IndexSpec) error, onCommit func() error) error

	Teardown(ctx context.Context, collection CollectionUUID, buildUUID common.BuildUUID, onCleanup func())
	Abort(buildUUID common.BuildUUID, reason string) bool
	IsBackground(buildUUID common.BuildUUID) bool
	StartForRecovery(ctx context.Context, nss string, buildUUID common.BuildUUID) (recordsScanned, bytesScanned int64, err error)
}

// CollectionUUID aliases common.CollectionUUID so collab's interfaces read
// naturally without importing common everywhere downstream.
type CollectionUUID = common.CollectionUUID

// OplogRecord is one of the five oplog record shapes the coordinator emits.
type OplogRecord struct {
	Kind         OplogKind
	Namespace    string
	Collection   CollectionUUID
	BuildUUID    common.BuildUUID
	Specs        []IndexSpec
	Cause        string
	Timestamp    common.Timestamp
}

type OplogKind int

const (
	OplogStartIndexBuild OplogKind = iota
	OplogCommitIndexBuild
	OplogAbortIndexBuild
	OplogCreateIndex
	OplogCreateIndexesApplyOps
)

// Oplog is the replication log.
type Oplog interface {
	Append(ctx context.Context, rec OplogRecord) (common.Timestamp, error)
}

// ReplCoord is the replication role machine, not to be
// confused with this module's own replcoord.ReplCoordinator, which is the
// index-build-specific hook target that ReplCoord calls into.
type ReplCoord interface {
	AcceptsWritesFor(nss string) bool
	UsingReplicaSets() bool
	ShouldRelaxConstraints(nss string) bool
}

// Catalog is the collection/catalog lookup by UUID.
type Catalog interface {
	LookupByUUID(collection CollectionUUID) (CollectionHandle, bool)
	LookupNamespaceByUUID(collection CollectionUUID) (string, bool)

	// LookupByNamespace resolves a collection that predates UUID tracking:
	// the catalog knows it only by name, so recovery must go by nss instead
	// of a UUID it does not yet have. The returned CollectionUUID is the
	// zero value if the catalog has not assigned this collection one yet.
	LookupByNamespace(nss string) (CollectionHandle, CollectionUUID, bool)

	// AssignUUID adopts a legacy, pre-UUID-tracking collection under uid,
	// making it reachable through LookupByUUID from then on. Reports false
	// if nss is not present in the catalog at all.
	AssignUUID(nss string, uid CollectionUUID) bool
}

// CollectionHandle is the subset of catalog.Collection the coordinator
// needs.
type CollectionHandle interface {
	NumRecords() int64
	NumIndexesTotal() int
	AddCollationDefaults(specs []IndexSpec) []IndexSpec
	RemoveExistingIndexes(specs []IndexSpec) []IndexSpec
	IsShardKeyCompatible(spec IndexSpec) bool
}

// LockMgr models the database/collection/replication-state locks Phase 1
// and Phase 2 escalate through. Acquire blocks until the mode is granted;
// Release is idempotent-per-call (each Acquire must be matched by exactly
// one Release).
type LockMgr interface {
	AcquireDB(ctx context.Context, db string, mode LockMode) (release func(), err error)
	AcquireCollection(ctx context.Context, collection CollectionUUID, mode LockMode) (release func(), err error)
	AcquireReplicationState(ctx context.Context, mode LockMode) (release func(), err error)
}

// LockMode is a multi-granularity lock mode.
type LockMode int

const (
	LockIntentShared LockMode = iota
	LockShared
	LockIntentExclusive
	LockExclusive
)
