package scoped

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/indexbuild/secondary/common"
)

type fakeRegistrar struct {
	disallowedDBs         map[string]int
	disallowedCollections map[common.CollectionUUID]int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		disallowedDBs:         make(map[string]int),
		disallowedCollections: make(map[common.CollectionUUID]int),
	}
}

func (r *fakeRegistrar) DisallowDatabase(db string)                   { r.disallowedDBs[db]++ }
func (r *fakeRegistrar) AllowDatabase(db string)                      { r.disallowedDBs[db]-- }
func (r *fakeRegistrar) DisallowCollection(uid common.CollectionUUID) { r.disallowedCollections[uid]++ }
func (r *fakeRegistrar) AllowCollection(uid common.CollectionUUID)    { r.disallowedCollections[uid]-- }

func TestDatabaseGuardDisallowsThenAllows(t *testing.T) {
	reg := newFakeRegistrar()
	guard := DisallowDatabase(reg, "testdb")
	require.Equal(t, 1, reg.disallowedDBs["testdb"])

	guard.Release()
	require.Equal(t, 0, reg.disallowedDBs["testdb"])
}

func TestDatabaseGuardReleaseIsIdempotent(t *testing.T) {
	reg := newFakeRegistrar()
	guard := DisallowDatabase(reg, "testdb")
	guard.Release()
	guard.Release()
	require.Equal(t, 0, reg.disallowedDBs["testdb"])
}

func TestDatabaseGuardsStackAcrossOverlappingCallers(t *testing.T) {
	reg := newFakeRegistrar()
	first := DisallowDatabase(reg, "testdb")
	second := DisallowDatabase(reg, "testdb")
	require.Equal(t, 2, reg.disallowedDBs["testdb"])

	first.Release()
	require.Equal(t, 1, reg.disallowedDBs["testdb"])

	second.Release()
	require.Equal(t, 0, reg.disallowedDBs["testdb"])
}

func TestCollectionGuardDisallowsThenAllows(t *testing.T) {
	reg := newFakeRegistrar()
	uid := common.NewCollectionUUID()
	guard := DisallowCollection(reg, uid)
	require.Equal(t, 1, reg.disallowedCollections[uid])

	guard.Release()
	require.Equal(t, 0, reg.disallowedCollections[uid])
}
