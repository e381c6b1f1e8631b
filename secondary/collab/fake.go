// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/indexbuild/secondary/common"
)

// FakeBuilder is an in-memory Builder double, shaped after the
// watcher/metadataRepo split in manager/client/metadata_provider.go: a
// thin client surface (this type's methods) backed by a locked map of
// per-build bookkeeping (fakeBuild below).
type FakeBuilder struct {
	mu     sync.Mutex
	builds map[string]*fakeBuild

	// FailScanAndSort, when non-nil, is returned from ScanAndSort for the
	// named build, letting tests exercise the Phase 1 failure path.
	FailScanAndSort map[string]error

	// FailCheckViolations, when non-nil, is returned from CheckViolations
	// for the named build.
	FailCheckViolations map[string]error

	// FailSetup, when non-nil, is returned from Setup for the named build
	// instead of registering it, letting tests exercise the
	// already-exists/relaxed-options-conflict success paths.
	FailSetup map[string]error
}

type fakeBuild struct {
	specs           []IndexSpec
	aborted         bool
	drainCount      int
	commitTimestamp common.Timestamp
}

func NewFakeBuilder() *FakeBuilder {
	return &FakeBuilder{
		builds:              make(map[string]*fakeBuild),
		FailScanAndSort:     make(map[string]error),
		FailCheckViolations: make(map[string]error),
		FailSetup:           make(map[string]error),
	}
}

func (f *FakeBuilder) Setup(ctx context.Context, collection CollectionUUID, specs []IndexSpec, buildUUID common.BuildUUID, onInit func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailSetup[buildUUID.String()]; err != nil {
		return err
	}
	if onInit != nil {
		if err := onInit(); err != nil {
			return err
		}
	}
	f.builds[buildUUID.String()] = &fakeBuild{specs: specs}
	return nil
}

func (f *FakeBuilder) ScanAndSort(ctx context.Context, collection CollectionUUID, buildUUID common.BuildUUID) error {
	f.mu.Lock()
	err := f.FailScanAndSort[buildUUID.String()]
	f.mu.Unlock()
	return err
}

func (f *FakeBuilder) Drain(ctx context.Context, buildUUID common.BuildUUID, policy YieldPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildUUID.String()]
	if !ok {
		return fmt.Errorf("collab: no such build %v", buildUUID)
	}
	b.drainCount++
	return nil
}

func (f *FakeBuilder) CheckViolations(ctx context.Context, buildUUID common.BuildUUID) error {
	f.mu.Lock()
	err := f.FailCheckViolations[buildUUID.String()]
	f.mu.Unlock()
	return err
}

func (f *FakeBuilder) Commit(ctx context.Context, collection CollectionUUID, nss string, buildUUID common.BuildUUID, commitTimestamp common.Timestamp, onCreateEach func(IndexSpec) error, onCommit func() error) error {
	f.mu.Lock()
	b, ok := f.builds[buildUUID.String()]
	if ok {
		b.commitTimestamp = commitTimestamp
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("collab: no such build %v", buildUUID)
	}
	if onCreateEach != nil {
		for _, spec := range b.specs {
			if err := onCreateEach(spec); err != nil {
				return err
			}
		}
	}
	if onCommit != nil {
		return onCommit()
	}
	return nil
}

// CommitTimestampFor returns the timestamp passed to the most recent
// Commit call for buildUUID, for tests asserting that a secondary's
// commit applied the primary-supplied timestamp rather than one it
// minted itself.
func (f *FakeBuilder) CommitTimestampFor(buildUUID common.BuildUUID) (common.Timestamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildUUID.String()]
	if !ok {
		return common.Timestamp{}, false
	}
	return b.commitTimestamp, true
}

func (f *FakeBuilder) Teardown(ctx context.Context, collection CollectionUUID, buildUUID common.BuildUUID, onCleanup func()) {
	f.mu.Lock()
	delete(f.builds, buildUUID.String())
	f.mu.Unlock()
	if onCleanup != nil {
		onCleanup()
	}
}

func (f *FakeBuilder) Abort(buildUUID common.BuildUUID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[buildUUID.String()]
	if !ok {
		return false
	}
	b.aborted = true
	return true
}

func (f *FakeBuilder) IsBackground(buildUUID common.BuildUUID) bool {
	return false
}

func (f *FakeBuilder) StartForRecovery(ctx context.Context, nss string, buildUUID common.BuildUUID) (int64, int64, error) {
	return 0, 0, nil
}

// FakeOplog is an in-memory Oplog double that assigns a monotonically
// increasing counter as the timestamp for every appended record, and
// records every record for assertions in tests.
type FakeOplog struct {
	mu      sync.Mutex
	term    int64
	counter int64
	Records []OplogRecord
}

func NewFakeOplog(term int64) *FakeOplog {
	return &FakeOplog{term: term}
}

func (o *FakeOplog) Append(ctx context.Context, rec OplogRecord) (common.Timestamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter++
	ts := common.Timestamp{Term: o.term, Counter: o.counter}
	rec.Timestamp = ts
	o.Records = append(o.Records, rec)
	return ts, nil
}

// FakeReplCoord is an in-memory ReplCoord double whose accept-writes and
// replica-set membership are toggled directly by tests.
type FakeReplCoord struct {
	mu               sync.Mutex
	acceptsWrites    map[string]bool
	usingReplicaSets bool
	relaxConstraints bool
}

func NewFakeReplCoord(usingReplicaSets bool) *FakeReplCoord {
	return &FakeReplCoord{
		acceptsWrites:    make(map[string]bool),
		usingReplicaSets: usingReplicaSets,
	}
}

func (r *FakeReplCoord) SetAcceptsWrites(nss string, accepts bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptsWrites[nss] = accepts
}

func (r *FakeReplCoord) AcceptsWritesFor(nss string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acceptsWrites[nss]
}

func (r *FakeReplCoord) UsingReplicaSets() bool {
	return r.usingReplicaSets
}

func (r *FakeReplCoord) ShouldRelaxConstraints(nss string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relaxConstraints
}

// FakeCatalog is an in-memory Catalog double keyed by CollectionUUID.
type FakeCatalog struct {
	mu    sync.Mutex
	byUID map[CollectionUUID]*FakeCollection
	nss   map[CollectionUUID]string
}

func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{
		byUID: make(map[CollectionUUID]*FakeCollection),
		nss:   make(map[CollectionUUID]string),
	}
}

func (c *FakeCatalog) Register(uid CollectionUUID, nss string, coll *FakeCollection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUID[uid] = coll
	c.nss[uid] = nss
}

func (c *FakeCatalog) Rename(uid CollectionUUID, newNss string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nss[uid] = newNss
}

func (c *FakeCatalog) LookupByUUID(uid CollectionUUID) (CollectionHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.byUID[uid]
	return coll, ok
}

func (c *FakeCatalog) LookupNamespaceByUUID(uid CollectionUUID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nss, ok := c.nss[uid]
	return nss, ok
}

func (c *FakeCatalog) LookupByNamespace(target string) (CollectionHandle, CollectionUUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, nss := range c.nss {
		if nss == target {
			return c.byUID[uid], uid, true
		}
	}
	return nil, CollectionUUID{}, false
}

func (c *FakeCatalog) AssignUUID(target string, uid CollectionUUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for old, nss := range c.nss {
		if nss == target {
			coll := c.byUID[old]
			delete(c.byUID, old)
			delete(c.nss, old)
			c.byUID[uid] = coll
			c.nss[uid] = target
			return true
		}
	}
	return false
}

// FakeCollection is a minimal CollectionHandle double.
type FakeCollection struct {
	Records              int64
	IndexesTotal         int
	ExistingIndexNames   map[string]bool
	ShardKeyIncompatible map[string]bool
}

func NewFakeCollection(records int64, indexesTotal int) *FakeCollection {
	return &FakeCollection{
		Records:              records,
		IndexesTotal:         indexesTotal,
		ExistingIndexNames:   make(map[string]bool),
		ShardKeyIncompatible: make(map[string]bool),
	}
}

func (c *FakeCollection) NumRecords() int64 {
	return c.Records
}

func (c *FakeCollection) NumIndexesTotal() int {
	return c.IndexesTotal
}

func (c *FakeCollection) AddCollationDefaults(specs []IndexSpec) []IndexSpec {
	return specs
}

func (c *FakeCollection) RemoveExistingIndexes(specs []IndexSpec) []IndexSpec {
	out := specs[:0:0]
	for _, s := range specs {
		if !c.ExistingIndexNames[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

func (c *FakeCollection) IsShardKeyCompatible(spec IndexSpec) bool {
	return !c.ShardKeyIncompatible[spec.Name]
}

// FakeLockMgr grants every lock immediately; it exists to give the Driver
// a real code path to call through in tests without modelling fairness or
// contention, which belongs to the real lock manager, not this coordinator.
type FakeLockMgr struct{}

func NewFakeLockMgr() *FakeLockMgr {
	return &FakeLockMgr{}
}

func (f *FakeLockMgr) AcquireDB(ctx context.Context, db string, mode LockMode) (func(), error) {
	return func() {}, nil
}

func (f *FakeLockMgr) AcquireCollection(ctx context.Context, collection CollectionUUID, mode LockMode) (func(), error) {
	return func() {}, nil
}

func (f *FakeLockMgr) AcquireReplicationState(ctx context.Context, mode LockMode) (func(), error) {
	return func() {}, nil
}

// AcquireGlobalExclusive satisfies recovery.GlobalLock for tests and the
// standalone entrypoint, which has no real lock manager of its own.
func (f *FakeLockMgr) AcquireGlobalExclusive(ctx context.Context) (func(), error) {
	return func() {}, nil
}
