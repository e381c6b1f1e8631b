package replcoord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *collab.FakeCatalog, common.CollectionUUID) {
	builder := collab.NewFakeBuilder()
	catalog := collab.NewFakeCatalog()
	reg := registry.New(builder, catalog)

	uid := common.NewCollectionUUID()
	catalog.Register(uid, "test.coll", collab.NewFakeCollection(0, 0))
	return reg, catalog, uid
}

func TestOnStepUpMarksAllBuildsCommitReady(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	rc.OnStepUp()

	ready, ts, aborted, _, _ := handle.State().Snapshot()
	require.True(t, ready)
	require.True(t, ts.IsNull())
	require.False(t, aborted)
}

func TestOnStepUpSkipsAlreadyAbortedBuilds(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)
	reg.AbortByBuildUUID(handle.State().BuildUUID, "already aborted")

	rc := New(reg)
	rc.OnStepUp()

	ready, _, aborted, reason, _ := handle.State().Snapshot()
	require.False(t, ready)
	require.True(t, aborted)
	require.Equal(t, "already aborted", reason)
}

func TestOnRollbackAbortsEveryInFlightBuild(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	rc.OnRollback()

	_, _, aborted, reason, _ := handle.State().Snapshot()
	require.True(t, aborted)
	require.Equal(t, "rollback", reason)
}

func TestCommitRejectsNullTimestamp(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	err = rc.Commit(handle.State().BuildUUID, common.NullTimestamp)
	require.Error(t, err)

	ready, _, _, _, _ := handle.State().Snapshot()
	require.False(t, ready)
}

func TestCommitAppliesNonNullTimestamp(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	commitTs := common.Timestamp{Term: 1, Counter: 1}
	require.NoError(t, rc.Commit(handle.State().BuildUUID, commitTs))

	ready, ts, _, _, _ := handle.State().Snapshot()
	require.True(t, ready)
	require.Equal(t, commitTs, ts)
}

func TestCommitOnUnknownBuildIsANoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	rc := New(reg)
	err := rc.Commit(common.NewBuildUUID(), common.Timestamp{Term: 1, Counter: 1})
	require.NoError(t, err)
}

func TestAbortByBuildUUIDOnUnknownBuildIsANoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	rc := New(reg)
	require.NotPanics(t, func() {
		rc.AbortByBuildUUID(common.NewBuildUUID(), "doesn't exist", common.Timestamp{Term: 1, Counter: 1})
	})
}

func TestAbortByBuildUUIDForwardsTimestampToBuildState(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolTwoPhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	abortTs := common.Timestamp{Term: 3, Counter: 7}
	rc.AbortByBuildUUID(handle.State().BuildUUID, "primary aborted", abortTs)

	_, _, aborted, reason, ts := handle.State().Snapshot()
	require.True(t, aborted)
	require.Equal(t, "primary aborted", reason)
	require.Equal(t, abortTs, ts)
}

func TestRequestShutdownAndShutdownRequested(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	rc := New(reg)
	require.False(t, rc.ShutdownRequested())
	rc.RequestShutdown()
	require.True(t, rc.ShutdownRequested())
}

func TestWaitForShutdownBlocksUntilDatabaseDrains(t *testing.T) {
	reg, _, uid := newTestRegistry(t)
	handle, err := reg.Start(context.Background(), "testdb", uid, []collab.IndexSpec{{Name: "idx1"}}, common.NewBuildUUID(), collab.ProtocolSinglePhase, registry.StartOptions{})
	require.NoError(t, err)

	rc := New(reg)
	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Unregister(handle.State())
	}()

	done := make(chan struct{})
	go func() {
		rc.WaitForShutdown([]string{"testdb"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown never returned after the database drained")
	}
}
