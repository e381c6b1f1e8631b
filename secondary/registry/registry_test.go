package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/ixerrors"
)

func newTestFixture() (*Registry, *collab.FakeBuilder, *collab.FakeCatalog, common.CollectionUUID) {
	builder := collab.NewFakeBuilder()
	catalog := collab.NewFakeCatalog()
	reg := New(builder, catalog)

	uid := common.NewCollectionUUID()
	catalog.Register(uid, "test.coll", collab.NewFakeCollection(0, 0))
	return reg, builder, catalog, uid
}

func TestStartRegistersAcrossAllThreeMaps(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	specs := []collab.IndexSpec{{Name: "idx1"}}

	handle, err := reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
	require.NotNil(t, handle)

	bs := handle.State()
	_, ok := reg.Get(bs.BuildUUID)
	require.True(t, ok)
	require.True(t, reg.InProgressForCollection(uid))
	require.True(t, reg.InProgressForDB("testdb"))
	require.Equal(t, 1, reg.NumInProgressForDB("testdb"))
}

func TestUnregisterRemovesFromAllThreeMaps(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	specs := []collab.IndexSpec{{Name: "idx1"}}

	handle, err := reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)

	reg.Unregister(handle.State())

	_, ok := reg.Get(handle.State().BuildUUID)
	require.False(t, ok)
	require.False(t, reg.InProgressForCollection(uid))
	require.False(t, reg.InProgressForDB("testdb"))
}

func TestStartNameCollisionExactlyOneWinner(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	specs := []collab.IndexSpec{{Name: "idx1"}}

	first, err := reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)
	var ixerr *ixerrors.Error
	require.ErrorAs(t, err, &ixerr)
	require.Equal(t, ixerrors.KindAlreadyInProgress, ixerr.Kind())
}

func TestStartNameCollisionAgainstAbortedBuildReportsAborted(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	specs := []collab.IndexSpec{{Name: "idx1"}}

	first, err := reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
	reg.AbortByBuildUUID(first.State().BuildUUID, "test abort")

	_, err = reg.Start(context.Background(), "testdb", uid, specs, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)
	var ixerr *ixerrors.Error
	require.ErrorAs(t, err, &ixerr)
	require.Equal(t, ixerrors.KindIndexBuildAborted, ixerr.Kind())
}

func TestStartRejectsDisallowedDatabase(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	reg.DisallowDatabase("testdb")

	_, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)

	reg.AllowDatabase("testdb")
	_, err = reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
}

func TestStartRejectsDisallowedCollection(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	reg.DisallowCollection(uid)

	_, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)
}

func TestDisallowStacksAcrossMultipleGuards(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	reg.DisallowCollection(uid)
	reg.DisallowCollection(uid)
	reg.AllowCollection(uid)

	_, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)

	reg.AllowCollection(uid)
	_, err = reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
}

func TestStartEmptyNormalizedSetReturnsImmediateHandle(t *testing.T) {
	builder := collab.NewFakeBuilder()
	catalog := collab.NewFakeCatalog()
	reg := New(builder, catalog)

	uid := common.NewCollectionUUID()
	coll := collab.NewFakeCollection(0, 1)
	coll.ExistingIndexNames["idx1"] = true
	catalog.Register(uid, "test.coll", coll)

	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)

	select {
	case <-handle.State().Done():
	default:
		t.Fatal("expected an already-resolved handle for an empty normalized set")
	}

	stats, err := handle.Join(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumIndexesBefore)
	require.Equal(t, 1, stats.NumIndexesAfter)
}

func TestStartSetupIndexAlreadyExistsResolvesAsSuccess(t *testing.T) {
	reg, builder, _, uid := newTestFixture()
	buildUUID := common.NewBuildUUID()
	builder.FailSetup[buildUUID.String()] = ixerrors.New(ixerrors.KindIndexAlreadyExists, ixerrors.CategoryDriver, "already built elsewhere")

	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, buildUUID, collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)

	stats, err := handle.Join(context.Background())
	require.NoError(t, err)
	require.Equal(t, stats.NumIndexesBefore, stats.NumIndexesAfter)

	_, ok := reg.Get(buildUUID)
	require.False(t, ok, "a resolved-as-success setup failure must not leave the build registered")
}

func TestStartSetupRelaxedOptionsConflictResolvesAsSuccess(t *testing.T) {
	reg, builder, _, uid := newTestFixture()
	buildUUID := common.NewBuildUUID()
	builder.FailSetup[buildUUID.String()] = ixerrors.New(ixerrors.KindOptionsConflict, ixerrors.CategoryDriver, "spec subsumed by an existing index with compatible options")

	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, buildUUID, collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)

	stats, err := handle.Join(context.Background())
	require.NoError(t, err)
	require.Equal(t, stats.NumIndexesBefore, stats.NumIndexesAfter)

	_, ok := reg.Get(buildUUID)
	require.False(t, ok, "a resolved-as-success setup failure must not leave the build registered")
}

func TestStartSetupOtherErrorsPropagate(t *testing.T) {
	reg, builder, _, uid := newTestFixture()
	buildUUID := common.NewBuildUUID()
	builder.FailSetup[buildUUID.String()] = ixerrors.New(ixerrors.KindCannotCreateIndex, ixerrors.CategoryDriver, "injected setup failure")

	_, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, buildUUID, collab.ProtocolSinglePhase, StartOptions{})
	require.Error(t, err)

	_, ok := reg.Get(buildUUID)
	require.False(t, ok)
}

func TestAbortCollectionDrainsAllBuildsOnTarget(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Unregister(handle.State())
	}()

	done := make(chan struct{})
	go func() {
		reg.AbortCollection(uid, "drop collection")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AbortCollection never returned after the tracked build unregistered")
	}
	require.False(t, reg.InProgressForCollection(uid))
}

func TestSnapshotReflectsCurrentMembership(t *testing.T) {
	reg, _, _, uid := newTestFixture()
	require.Empty(t, reg.Snapshot())

	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, StartOptions{})
	require.NoError(t, err)
	require.Len(t, reg.Snapshot(), 1)

	reg.Unregister(handle.State())
	require.Empty(t, reg.Snapshot())
}
