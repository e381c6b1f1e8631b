// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package recovery implements crash-recovery rebuild of unfinished index
// builds under a global exclusive lock. A node that cannot rebuild its own
// unfinished index cannot serve, so every failure here is fatal. The
// "resolve against current metadata, reconcile" shape is grounded on
// DDLServiceMgr.rebalanceDone, retargeted from rebalance-token cleanup to
// index-build recovery; fanning multiple collections' rebuilds out
// concurrently with bounded-fail-fast semantics is enriched with
// golang.org/x/sync/errgroup, which the original single-token loop never
// needed.
package recovery

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/driver"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
	"github.com/couchbase/indexbuild/secondary/logging"
	"github.com/couchbase/indexbuild/secondary/metrics"
	"github.com/couchbase/indexbuild/secondary/registry"
)

// GlobalLock is the coordinator's global exclusive lock, held for the
// duration of an entire recovery pass across all collections.
type GlobalLock interface {
	AcquireGlobalExclusive(ctx context.Context) (release func(), err error)
}

// UnfinishedBuild describes one index build the catalog left in the
// "unfinished index present" state at startup. CollectionUUID is the
// catalog's own identifier for the collection; it is the zero value only
// for a collection that predates UUID tracking, in which case recovery
// mints a fresh one and the collection is treated as freshly adopted.
type UnfinishedBuild struct {
	Namespace      string
	Specs          []collab.IndexSpec
	BuildUUID      common.BuildUUID
	CollectionUUID common.CollectionUUID
}

// RecoveryRebuilder drives start_rebuild_for_recovery.
type RecoveryRebuilder struct {
	Registry *registry.Registry
	Catalog  collab.Catalog
	Builder  collab.Builder
	Driver   *driver.Driver
	Metrics  *metrics.Collectors // nil is valid: metrics become a no-op
}

// Fatal marks any recovery failure as process-fatal so callers can
// dispatch straight to process termination without string matching. A
// rebuild failure's Cause carries ixerrors.KindFatalRebuildFailure; a
// failure to take the global lock carries the lock's own error unchanged.
type Fatal struct {
	Namespace string
	Cause     error
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("recovery: fatal rebuild failure for %s: %v", f.Namespace, f.Cause)
}

func (f *Fatal) Unwrap() error { return f.Cause }

// RebuildAll runs start_rebuild_for_recovery for every unfinished build
// found at startup, holding the global exclusive lock for the whole pass.
// Any single failure is fatal for the whole pass: a node that cannot
// rebuild one of its own unfinished indexes cannot serve, so there is no
// point continuing to rebuild the others.
func (r *RecoveryRebuilder) RebuildAll(ctx context.Context, lock GlobalLock, pending []UnfinishedBuild) error {
	release, err := lock.AcquireGlobalExclusive(ctx)
	if err != nil {
		return &Fatal{Cause: err}
	}
	defer release()

	grp, gctx := errgroup.WithContext(ctx)
	for _, ub := range pending {
		ub := ub
		grp.Go(func() error {
			_, _, err := r.startRebuildForRecovery(gctx, ub.Namespace, ub.Specs, ub.BuildUUID, ub.CollectionUUID)
			if err != nil {
				return &Fatal{Namespace: ub.Namespace, Cause: err}
			}
			return nil
		})
	}
	return grp.Wait()
}

// startRebuildForRecovery is start_rebuild_for_recovery: look up the
// collection handle, register a BuildState under the collection's UUID
// (minting a fresh one only for a collection that predates UUID tracking)
// with the single-phase protocol, then run the build inline with no
// scheduling. It does not drop any index: specs whose index already exists
// in the catalog are skipped rather than rebuilt, and if every spec already
// exists nothing is rebuilt.
func (r *RecoveryRebuilder) startRebuildForRecovery(ctx context.Context, nss string, specs []collab.IndexSpec, buildUUID common.BuildUUID, collectionUUID common.CollectionUUID) (recordsScanned, bytesScanned int64, err error) {
	logging.Infof("recovery: rebuilding %d indexes on %s (build %v)", len(specs), nss, buildUUID)

	recordsScanned, bytesScanned, err = r.Builder.StartForRecovery(ctx, nss, buildUUID)
	if err != nil {
		return 0, 0, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, err, "start_for_recovery failed")
	}

	if collectionUUID.IsZero() {
		_, existingUUID, ok := r.Catalog.LookupByNamespace(nss)
		if !ok {
			return recordsScanned, bytesScanned, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, nil, fmt.Sprintf("no catalog entry for recovered collection %s", nss))
		}
		if !existingUUID.IsZero() {
			collectionUUID = existingUUID
		} else {
			collectionUUID = common.NewCollectionUUID()
			if !r.Catalog.AssignUUID(nss, collectionUUID) {
				return recordsScanned, bytesScanned, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, nil, fmt.Sprintf("failed to adopt legacy collection %s under a new UUID", nss))
			}
		}
	}

	coll, ok := r.Catalog.LookupByUUID(collectionUUID)
	if !ok {
		return recordsScanned, bytesScanned, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, nil, fmt.Sprintf("no catalog entry for recovered collection %v", collectionUUID))
	}

	normalized := coll.RemoveExistingIndexes(specs)
	if len(normalized) == 0 {
		logging.Infof("recovery: %s already has every index in %v, nothing to rebuild", nss, buildUUID)
		return recordsScanned, bytesScanned, nil
	}

	handle, err := r.Registry.Start(ctx, "", collectionUUID, normalized, buildUUID, collab.ProtocolSinglePhase, registry.StartOptions{})
	if err != nil {
		return recordsScanned, bytesScanned, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, err, "registry.Start failed during recovery")
	}

	// Registry.Start's own empty-normalized-set fast path can also return an
	// already-resolved handle (e.g. every spec turned out to already exist);
	// detect that before scheduling a Driver onto something already
	// published, since BuildState.Publish forbids a second call.
	alreadyDone := false
	select {
	case <-handle.State().Done():
		alreadyDone = true
	default:
	}

	if !alreadyDone {
		r.Driver.RunInline(ctx, handle.State(), nss, make(chan struct{}), false)
	}

	stats, err := handle.Join(ctx)
	if err != nil {
		return recordsScanned, bytesScanned, ixerrors.Wrap(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, err, "recovery rebuild failed")
	}

	if r.Metrics != nil {
		r.Metrics.RecoveryRebuilds.Add(float64(len(normalized)))
	}

	logging.Infof("recovery: rebuilt %s (build %v): %d -> %d indexes", nss, buildUUID, stats.NumIndexesBefore, stats.NumIndexesAfter)
	return recordsScanned, bytesScanned, nil
}
