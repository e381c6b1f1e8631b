// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package registry implements the coordinator's in-memory build registry:
// the unique index-build table, its per-database and
// per-collection indices, and admission control. It is grounded on
// DDLServiceMgr's singleton-with-mutex shape
// (secondary/indexer/ddl_service_manager.go) and on the per-indexer index
// tracking in secondary/manager/client/metadata_provider.go's
// metadataRepo, generalized from "per indexer" to "per collection/per
// database".
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/indexbuild/secondary/buildstate"
	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
	"github.com/couchbase/indexbuild/secondary/logging"
	"github.com/couchbase/indexbuild/secondary/metrics"
)

// StartOptions carries the caller-supplied knobs for a new build's
// `options` parameter.
type StartOptions struct {
	CommitQuorum interface{}
}

// Handle is the completion handle returned by Start: a thin wrapper over
// buildstate.BuildState that only exposes what a caller of Start needs.
type Handle struct {
	state *buildstate.BuildState
}

// State exposes the underlying BuildState for the Driver package; callers
// of Registry.Start only need Join.
func (h *Handle) State() *buildstate.BuildState {
	return h.state
}

// Join blocks until the build completes.
func (h *Handle) Join(ctx context.Context) (buildstate.Stats, error) {
	outcome, ok := h.state.Join(ctx.Done())
	if !ok {
		return buildstate.Stats{}, ctx.Err()
	}
	return outcome.Stats, outcome.Err
}

// immediateHandle returns a Handle that has already resolved, used for the
// empty-normalized-set and already-exists fast paths.
func immediateHandle(stats buildstate.Stats) *Handle {
	bs := buildstate.New(common.BuildUUID{}, common.CollectionUUID{}, "", nil, collab.ProtocolSinglePhase, nil)
	bs.Publish(buildstate.Outcome{Stats: stats})
	return &Handle{state: bs}
}

// Registry is the coordinator's unique index-build table.
type Registry struct {
	builder collab.Builder
	catalog collab.Catalog
	metrics *metrics.Collectors // nil is valid: metrics become a no-op

	mutex sync.Mutex

	allBuilds    map[common.BuildUUID]*buildstate.BuildState
	byCollection map[common.CollectionUUID]*tracker
	byDatabase   map[string]*tracker

	disallowedDBs         map[string]int
	disallowedCollections map[common.CollectionUUID]int
}

func New(builder collab.Builder, catalog collab.Catalog) *Registry {
	return &Registry{
		builder:               builder,
		catalog:               catalog,
		allBuilds:             make(map[common.BuildUUID]*buildstate.BuildState),
		byCollection:          make(map[common.CollectionUUID]*tracker),
		byDatabase:            make(map[string]*tracker),
		disallowedDBs:         make(map[string]int),
		disallowedCollections: make(map[common.CollectionUUID]int),
	}
}

// WithMetrics attaches a Collectors instance; New returns a Registry with
// metrics disabled so tests never need a prometheus.Registerer.
func (r *Registry) WithMetrics(m *metrics.Collectors) *Registry {
	r.metrics = m
	return r
}

// Start registers a new build. It never blocks on the
// Driver; scheduling the Driver is the caller's job (see package driver).
func (r *Registry) Start(ctx context.Context, db string, collectionUUID common.CollectionUUID, specs []collab.IndexSpec, buildUUID common.BuildUUID, protocol collab.Protocol, opts StartOptions) (*Handle, error) {
	r.mutex.Lock()

	if r.disallowedDBs[db] > 0 {
		r.mutex.Unlock()
		return nil, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryRegistry, nil, fmt.Sprintf("database %q is disallowed for new index builds", db))
	}
	if r.disallowedCollections[collectionUUID] > 0 {
		r.mutex.Unlock()
		return nil, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryRegistry, nil, fmt.Sprintf("collection %v is disallowed for new index builds", collectionUUID))
	}

	coll, ok := r.catalog.LookupByUUID(collectionUUID)
	if !ok {
		r.mutex.Unlock()
		return nil, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryRegistry, nil, fmt.Sprintf("no such collection %v", collectionUUID))
	}

	normalized := coll.AddCollationDefaults(specs)
	normalized = coll.RemoveExistingIndexes(normalized)

	for _, s := range normalized {
		if s.Unique && !coll.IsShardKeyCompatible(s) {
			r.mutex.Unlock()
			return nil, ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryRegistry, nil, fmt.Sprintf("unique index %q is not shard-key compatible", s.Name))
		}
	}

	if len(normalized) == 0 {
		r.mutex.Unlock()
		before := coll.NumIndexesTotal()
		return immediateHandle(buildstate.Stats{NumIndexesBefore: before, NumIndexesAfter: before}), nil
	}

	if existing := r.byCollection[collectionUUID]; existing != nil {
		for _, other := range existing.snapshot() {
			for _, s := range normalized {
				if other.IndexNames[s.Name] {
					r.mutex.Unlock()
					if _, _, aborted, reason, _ := other.Snapshot(); aborted {
						return nil, ixerrors.Wrap(ixerrors.KindIndexBuildAborted, ixerrors.CategoryRegistry, nil, fmt.Sprintf("colliding build %v already aborted: %s", other.BuildUUID, reason))
					}
					return nil, ixerrors.Wrap(ixerrors.KindAlreadyInProgress, ixerrors.CategoryRegistry, nil, fmt.Sprintf("index %q already being built by %v", s.Name, other.BuildUUID))
				}
			}
		}
	}

	bs := buildstate.New(buildUUID, collectionUUID, db, normalized, protocol, opts.CommitQuorum)
	before := coll.NumIndexesTotal()

	r.allBuilds[buildUUID] = bs
	r.trackerForCollection(collectionUUID).add(bs)
	r.trackerForDatabase(db).add(bs)
	r.mutex.Unlock()

	// Counted on insertion so that unregister's decrement on a failed
	// Setup below is always matched.
	if r.metrics != nil {
		r.metrics.InProgressBuilds.WithLabelValues(protocolLabel(protocol)).Inc()
	}

	if err := r.builder.Setup(ctx, collectionUUID, normalized, buildUUID, nil); err != nil {
		r.unregister(bs)
		if ixerr, ok := err.(*ixerrors.Error); ok && (ixerr.Kind() == ixerrors.KindIndexAlreadyExists || ixerr.Kind() == ixerrors.KindOptionsConflict) {
			// Both kinds mean the requested spec is already subsumed by the
			// catalog's current state (an identical index, or one whose
			// differing options are compatible enough to relax into a
			// no-op) rather than a real failure to build anything.
			return immediateHandle(buildstate.Stats{NumIndexesBefore: before, NumIndexesAfter: before}), nil
		}
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.BuildsStarted.Inc()
	}

	logging.Infof("registry: started build %v on collection %v (%d specs)", buildUUID, collectionUUID, len(normalized))
	return &Handle{state: bs}, nil
}

func protocolLabel(p collab.Protocol) string {
	if p == collab.ProtocolTwoPhase {
		return "two_phase"
	}
	return "single_phase"
}

// unregister removes bs from all three maps.
func (r *Registry) unregister(bs *buildstate.BuildState) {
	r.mutex.Lock()
	_, tracked := r.allBuilds[bs.BuildUUID]
	delete(r.allBuilds, bs.BuildUUID)

	if t, ok := r.byCollection[bs.CollectionUUID]; ok {
		if t.remove(bs) {
			delete(r.byCollection, bs.CollectionUUID)
		}
	}
	if t, ok := r.byDatabase[bs.DBName]; ok {
		if t.remove(bs) {
			delete(r.byDatabase, bs.DBName)
		}
	}
	r.mutex.Unlock()

	if tracked && r.metrics != nil {
		r.metrics.InProgressBuilds.WithLabelValues(protocolLabel(bs.Protocol)).Dec()
	}
}

// Unregister is the exported form Driver calls once it publishes an outcome.
func (r *Registry) Unregister(bs *buildstate.BuildState) {
	r.unregister(bs)
}

func (r *Registry) trackerForCollection(uid common.CollectionUUID) *tracker {
	t, ok := r.byCollection[uid]
	if !ok {
		t = newTracker()
		r.byCollection[uid] = t
	}
	return t
}

func (r *Registry) trackerForDatabase(db string) *tracker {
	t, ok := r.byDatabase[db]
	if !ok {
		t = newTracker()
		r.byDatabase[db] = t
	}
	return t
}

// Get looks up a build by UUID.
func (r *Registry) Get(buildUUID common.BuildUUID) (*buildstate.BuildState, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	bs, ok := r.allBuilds[buildUUID]
	return bs, ok
}

// Snapshot returns every currently registered BuildState.
func (r *Registry) Snapshot() []*buildstate.BuildState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	out := make([]*buildstate.BuildState, 0, len(r.allBuilds))
	for _, bs := range r.allBuilds {
		out = append(out, bs)
	}
	return out
}

// AbortByBuildUUID is best-effort and idempotent.
func (r *Registry) AbortByBuildUUID(buildUUID common.BuildUUID, reason string) {
	bs, ok := r.Get(buildUUID)
	if !ok {
		return
	}
	r.builder.Abort(buildUUID, reason)
	bs.SetAborted(reason, common.NullTimestamp)
}

// AbortCollection requires the caller to have already pushed a disallow
// entry.
func (r *Registry) AbortCollection(collectionUUID common.CollectionUUID, reason string) {
	r.mutex.Lock()
	t, ok := r.byCollection[collectionUUID]
	r.mutex.Unlock()
	if !ok {
		return
	}
	for _, bs := range t.snapshot() {
		r.AbortByBuildUUID(bs.BuildUUID, reason)
	}
	t.awaitEmpty()
}

// AbortDatabase mirrors AbortCollection for the whole database.
func (r *Registry) AbortDatabase(db string, reason string) {
	r.mutex.Lock()
	t, ok := r.byDatabase[db]
	r.mutex.Unlock()
	if !ok {
		return
	}
	for _, bs := range t.snapshot() {
		r.AbortByBuildUUID(bs.BuildUUID, reason)
	}
	t.awaitEmpty()
}

// NumInProgressForDB returns the number of in-flight builds on db.
func (r *Registry) NumInProgressForDB(db string) int {
	r.mutex.Lock()
	t, ok := r.byDatabase[db]
	r.mutex.Unlock()
	if !ok {
		return 0
	}
	return t.count()
}

// InProgressForCollection reports whether any build is running on collectionUUID.
func (r *Registry) InProgressForCollection(collectionUUID common.CollectionUUID) bool {
	r.mutex.Lock()
	t, ok := r.byCollection[collectionUUID]
	r.mutex.Unlock()
	return ok && t.count() > 0
}

// InProgressForDB reports whether any build is running on db.
func (r *Registry) InProgressForDB(db string) bool {
	return r.NumInProgressForDB(db) > 0
}

// AwaitNoneForCollection blocks until no build is registered for collectionUUID.
func (r *Registry) AwaitNoneForCollection(collectionUUID common.CollectionUUID) {
	r.mutex.Lock()
	t, ok := r.byCollection[collectionUUID]
	r.mutex.Unlock()
	if ok {
		t.awaitEmpty()
	}
}

// AwaitNoneForDB blocks until no build is registered for db.
func (r *Registry) AwaitNoneForDB(db string) {
	r.mutex.Lock()
	t, ok := r.byDatabase[db]
	r.mutex.Unlock()
	if ok {
		t.awaitEmpty()
	}
}

// DisallowDatabase and DisallowCollection are the counter bumps behind
// scoped.ScopedDisallow*; they live here so Registry.Start
// can read the same counters under the same mutex.
func (r *Registry) DisallowDatabase(db string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.disallowedDBs[db]++
}

func (r *Registry) AllowDatabase(db string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.disallowedDBs[db] > 0 {
		r.disallowedDBs[db]--
	}
	if r.disallowedDBs[db] == 0 {
		delete(r.disallowedDBs, db)
	}
}

func (r *Registry) DisallowCollection(collectionUUID common.CollectionUUID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.disallowedCollections[collectionUUID]++
}

func (r *Registry) AllowCollection(collectionUUID common.CollectionUUID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.disallowedCollections[collectionUUID] > 0 {
		r.disallowedCollections[collectionUUID]--
	}
	if r.disallowedCollections[collectionUUID] == 0 {
		delete(r.disallowedCollections, collectionUUID)
	}
}

// OnTopologyChange records a replica set reconfiguration by logging how
// many builds are in flight, grounded on
// DDLServiceMgr.refreshOnTopologyChange. The Registry keeps no cached
// routing information, so there is nothing to invalidate. It performs no
// quorum evaluation — that remains out of scope.
func (r *Registry) OnTopologyChange() {
	logging.Infof("registry: topology change observed, %d builds in flight", len(r.Snapshot()))
}
