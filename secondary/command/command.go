// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package command implements the foreground createIndexes command glue:
// the caller already holds the collection exclusive lock, so there is no
// concurrent writer to buffer into a side table and the build collapses to
// Phase 1 + Phase 3 with no drains. It also carries the collection's empty
// fast path and the ScheduleRetry backoff helper used when a build must be
// retried after a transient failure, whose constants are lifted directly
// from sched_index_creator.go's retry loop.
package command

import (
	"context"
	"math/rand"
	"time"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
	"github.com/couchbase/indexbuild/secondary/logging"
)

// Foreground runs create_indexes and create_indexes_on_empty_collection on
// a caller-held collection-X lock.
type Foreground struct {
	Builder   collab.Builder
	Oplog     collab.Oplog
	ReplCoord collab.ReplCoord
	Catalog   collab.Catalog
}

// CreateIndexes runs Phase 1 then Phase 3 directly, with no drain and no
// side table: the caller's collection-X lock already excludes every
// concurrent writer, so nothing can land in a side table in the first
// place. fromMigrate only affects the oplog shape emitted: a chunk
// migration reapplies indexes that already exist elsewhere in the cluster
// and is expected to use the legacy createIndexes applyOps record.
func (f *Foreground) CreateIndexes(ctx context.Context, nss string, collectionUUID common.CollectionUUID, specs []collab.IndexSpec, buildUUID common.BuildUUID, protocol collab.Protocol, fromMigrate bool) error {
	coll, ok := f.Catalog.LookupByUUID(collectionUUID)
	if !ok {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, nil, "no such collection")
	}
	normalized := coll.AddCollationDefaults(specs)
	normalized = coll.RemoveExistingIndexes(normalized)
	if len(normalized) == 0 {
		return nil
	}

	if err := f.Builder.Setup(ctx, collectionUUID, normalized, buildUUID, nil); err != nil {
		if ixerr, ok := err.(*ixerrors.Error); ok && (ixerr.Kind() == ixerrors.KindIndexAlreadyExists || ixerr.Kind() == ixerrors.KindOptionsConflict) {
			return nil
		}
		return err
	}

	if err := f.Builder.ScanAndSort(ctx, collectionUUID, buildUUID); err != nil {
		f.Builder.Teardown(ctx, collectionUUID, buildUUID, func() {})
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "scan_and_sort failed")
	}

	if err := f.Builder.CheckViolations(ctx, buildUUID); err != nil {
		f.Builder.Teardown(ctx, collectionUUID, buildUUID, func() {})
		return ixerrors.Wrap(ixerrors.KindConstraintViolation, ixerrors.CategoryDriver, err, "constraint violation at foreground commit")
	}

	isPrimary := f.ReplCoord.AcceptsWritesFor(nss)

	if protocol == collab.ProtocolTwoPhase && isPrimary {
		if _, err := f.Oplog.Append(ctx, collab.OplogRecord{
			Kind: collab.OplogStartIndexBuild, Namespace: nss,
			Collection: collectionUUID, BuildUUID: buildUUID, Specs: normalized,
		}); err != nil {
			f.Builder.Teardown(ctx, collectionUUID, buildUUID, func() {})
			return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "startIndexBuild append failed")
		}
	}

	onCommit := func() error {
		if !isPrimary {
			return nil
		}
		switch {
		case fromMigrate:
			_, err := f.Oplog.Append(ctx, collab.OplogRecord{
				Kind: collab.OplogCreateIndexesApplyOps, Namespace: nss,
				Collection: collectionUUID, BuildUUID: buildUUID, Specs: normalized,
			})
			return err
		case protocol == collab.ProtocolTwoPhase:
			_, err := f.Oplog.Append(ctx, collab.OplogRecord{
				Kind: collab.OplogCommitIndexBuild, Namespace: nss,
				Collection: collectionUUID, BuildUUID: buildUUID, Specs: normalized,
			})
			return err
		default:
			for _, s := range normalized {
				if _, err := f.Oplog.Append(ctx, collab.OplogRecord{
					Kind: collab.OplogCreateIndex, Namespace: nss,
					Collection: collectionUUID, BuildUUID: buildUUID, Specs: []collab.IndexSpec{s},
				}); err != nil {
					return err
				}
			}
			return nil
		}
	}

	// The foreground path has no BuildState and no commit-gate wait, so
	// there is no primary-supplied timestamp to apply: this always mints
	// its own, the way a primary does in the Driver's phased commit.
	if err := f.Builder.Commit(ctx, collectionUUID, nss, buildUUID, common.NullTimestamp, nil, onCommit); err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "foreground commit failed")
	}

	logging.Infof("command: foreground createIndexes committed %d specs on %s (build %v)", len(normalized), nss, buildUUID)
	return nil
}

// CreateIndexesOnEmptyCollection bypasses Phase 1 entirely: with zero
// documents there is nothing to scan, so each spec is appended to the
// catalog as an already-complete index and the same oplog records are
// emitted as the scanning path would have produced.
func (f *Foreground) CreateIndexesOnEmptyCollection(ctx context.Context, nss string, collectionUUID common.CollectionUUID, specs []collab.IndexSpec, buildUUID common.BuildUUID, protocol collab.Protocol) error {
	coll, ok := f.Catalog.LookupByUUID(collectionUUID)
	if !ok {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, nil, "no such collection")
	}
	if coll.NumRecords() != 0 {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, nil, "collection is not empty")
	}

	normalized := coll.AddCollationDefaults(specs)
	normalized = coll.RemoveExistingIndexes(normalized)
	if len(normalized) == 0 {
		return nil
	}

	if err := f.Builder.Setup(ctx, collectionUUID, normalized, buildUUID, nil); err != nil {
		if ixerr, ok := err.(*ixerrors.Error); ok && (ixerr.Kind() == ixerrors.KindIndexAlreadyExists || ixerr.Kind() == ixerrors.KindOptionsConflict) {
			return nil
		}
		return err
	}

	isPrimary := f.ReplCoord.AcceptsWritesFor(nss)

	if protocol == collab.ProtocolTwoPhase && isPrimary {
		if _, err := f.Oplog.Append(ctx, collab.OplogRecord{
			Kind: collab.OplogStartIndexBuild, Namespace: nss,
			Collection: collectionUUID, BuildUUID: buildUUID, Specs: normalized,
		}); err != nil {
			f.Builder.Teardown(ctx, collectionUUID, buildUUID, func() {})
			return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "startIndexBuild append failed")
		}
	}

	onCommit := func() error {
		if !isPrimary {
			return nil
		}
		if protocol == collab.ProtocolTwoPhase {
			_, err := f.Oplog.Append(ctx, collab.OplogRecord{
				Kind: collab.OplogCommitIndexBuild, Namespace: nss,
				Collection: collectionUUID, BuildUUID: buildUUID, Specs: normalized,
			})
			return err
		}
		for _, s := range normalized {
			if _, err := f.Oplog.Append(ctx, collab.OplogRecord{
				Kind: collab.OplogCreateIndex, Namespace: nss,
				Collection: collectionUUID, BuildUUID: buildUUID, Specs: []collab.IndexSpec{s},
			}); err != nil {
				return err
			}
		}
		return nil
	}

	// Same as CreateIndexes: no BuildState, no commit gate, so this always
	// mints its own timestamp rather than applying one from a primary.
	if err := f.Builder.Commit(ctx, collectionUUID, nss, buildUUID, common.NullTimestamp, nil, onCommit); err != nil {
		return ixerrors.Wrap(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, err, "empty-collection commit failed")
	}

	logging.Infof("command: empty-collection fast path committed %d specs on %s (build %v)", len(normalized), nss, buildUUID)
	return nil
}

// Retry backoff defaults, carried over unchanged from
// sched_index_creator.go's token-check loop.
const (
	defaultBackoffStart = 50 * time.Millisecond
	defaultBackoffEnd   = 5 * time.Second
)

// ScheduleRetry runs attempt repeatedly with exponentially growing jittered
// backoff (bounded by defaultBackoffEnd) until it returns a nil error, ctx
// is done, or maxAttempts is exhausted. It re-attempts a pending build on
// the calling goroutine, blocking until it returns, rather than failing it
// outright on a transient error; the Driver itself never retries on its
// own, so callers that want this behavior opt into it explicitly.
func ScheduleRetry(ctx context.Context, maxAttempts int, attempt func(ctx context.Context) error) error {
	backoff := defaultBackoffStart
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if ixerr, ok := lastErr.(*ixerrors.Error); ok && ixerr.IsFatal() {
			return lastErr
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)))
		wait := backoff/2 + jitter/2
		logging.Debugf("command: retry %d/%d failed (%v), backing off %v", i+1, maxAttempts, lastErr, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > defaultBackoffEnd {
			backoff = defaultBackoffEnd
		}
	}
	return lastErr
}
