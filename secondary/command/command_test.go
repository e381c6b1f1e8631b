package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
)

func newTestForeground(t *testing.T, primary bool) (*Foreground, *collab.FakeOplog, *collab.FakeCatalog, common.CollectionUUID, string) {
	builder := collab.NewFakeBuilder()
	oplog := collab.NewFakeOplog(1)
	repl := collab.NewFakeReplCoord(true)
	catalog := collab.NewFakeCatalog()

	nss := "test.coll"
	uid := common.NewCollectionUUID()
	catalog.Register(uid, nss, collab.NewFakeCollection(0, 0))
	repl.SetAcceptsWrites(nss, primary)

	return &Foreground{Builder: builder, Oplog: oplog, ReplCoord: repl, Catalog: catalog}, oplog, catalog, uid, nss
}

func TestCreateIndexesSinglePhaseEmitsCreateIndexPerSpec(t *testing.T) {
	fg, oplog, _, uid, nss := newTestForeground(t, true)
	specs := []collab.IndexSpec{{Name: "idx1"}, {Name: "idx2"}}

	err := fg.CreateIndexes(context.Background(), nss, uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, false)
	require.NoError(t, err)
	require.Len(t, oplog.Records, 2)
	for _, rec := range oplog.Records {
		require.Equal(t, collab.OplogCreateIndex, rec.Kind)
	}
}

func TestCreateIndexesTwoPhaseEmitsStartThenCommit(t *testing.T) {
	fg, oplog, _, uid, nss := newTestForeground(t, true)
	specs := []collab.IndexSpec{{Name: "idx1"}}

	err := fg.CreateIndexes(context.Background(), nss, uid, specs, common.NewBuildUUID(), collab.ProtocolTwoPhase, false)
	require.NoError(t, err)
	require.Len(t, oplog.Records, 2)
	require.Equal(t, collab.OplogStartIndexBuild, oplog.Records[0].Kind)
	require.Equal(t, collab.OplogCommitIndexBuild, oplog.Records[1].Kind)
}

func TestCreateIndexesFromMigrateEmitsApplyOps(t *testing.T) {
	fg, oplog, _, uid, nss := newTestForeground(t, true)
	specs := []collab.IndexSpec{{Name: "idx1"}}

	err := fg.CreateIndexes(context.Background(), nss, uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, true)
	require.NoError(t, err)
	require.Len(t, oplog.Records, 1)
	require.Equal(t, collab.OplogCreateIndexesApplyOps, oplog.Records[0].Kind)
}

func TestCreateIndexesSecondaryEmitsNoOplogRecords(t *testing.T) {
	fg, oplog, _, uid, nss := newTestForeground(t, false)
	specs := []collab.IndexSpec{{Name: "idx1"}}

	err := fg.CreateIndexes(context.Background(), nss, uid, specs, common.NewBuildUUID(), collab.ProtocolTwoPhase, false)
	require.NoError(t, err)
	require.Empty(t, oplog.Records)
}

func TestCreateIndexesNoopWhenEveryIndexAlreadyExists(t *testing.T) {
	fg, oplog, catalog, uid, nss := newTestForeground(t, true)
	coll, _ := catalog.LookupByUUID(uid)
	coll.(*collab.FakeCollection).ExistingIndexNames["idx1"] = true

	err := fg.CreateIndexes(context.Background(), nss, uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, false)
	require.NoError(t, err)
	require.Empty(t, oplog.Records)
}

func TestCreateIndexesOnEmptyCollectionBypassesScan(t *testing.T) {
	fg, oplog, catalog, uid, nss := newTestForeground(t, true)
	coll, _ := catalog.LookupByUUID(uid)
	require.Equal(t, int64(0), coll.NumRecords())

	err := fg.CreateIndexesOnEmptyCollection(context.Background(), nss, uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase)
	require.NoError(t, err)
	require.Len(t, oplog.Records, 2)
	require.Equal(t, collab.OplogStartIndexBuild, oplog.Records[0].Kind)
	require.Equal(t, collab.OplogCommitIndexBuild, oplog.Records[1].Kind)
}

func TestCreateIndexesOnEmptyCollectionRejectsNonEmptyCollection(t *testing.T) {
	builder := collab.NewFakeBuilder()
	oplog := collab.NewFakeOplog(1)
	repl := collab.NewFakeReplCoord(true)
	catalog := collab.NewFakeCatalog()

	nss := "test.coll"
	uid := common.NewCollectionUUID()
	catalog.Register(uid, nss, collab.NewFakeCollection(5, 0))
	repl.SetAcceptsWrites(nss, true)
	fg := &Foreground{Builder: builder, Oplog: oplog, ReplCoord: repl, Catalog: catalog}

	err := fg.CreateIndexesOnEmptyCollection(context.Background(), nss, uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase)
	require.Error(t, err)
}

func TestScheduleRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := ScheduleRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestScheduleRetryRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := ScheduleRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestScheduleRetryShortCircuitsOnFatalError(t *testing.T) {
	calls := 0
	fatalErr := ixerrors.New(ixerrors.KindFatalRebuildFailure, ixerrors.CategoryRecovery, "unrecoverable")
	err := ScheduleRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return fatalErr
	})
	require.ErrorIs(t, err, fatalErr)
	require.Equal(t, 1, calls)
}

func TestScheduleRetryExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	err := ScheduleRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestScheduleRetryAbortsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := ScheduleRetry(ctx, 1000, func(ctx context.Context) error {
		calls++
		return errors.New("keeps failing")
	})
	require.Error(t, err)
	require.Less(t, calls, 1000)
}
