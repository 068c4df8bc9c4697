package nodedb

import (
	"crypto/ed25519"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"lokinet-path/internal/rc"
)

func immediate(f func()) { f() }

func makeRC(t *testing.T, lastUpdated int64) *rc.RC {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var encKey [32]byte
	addr := rc.Address{IP: net.ParseIP("203.0.113.9"), Port: 1090}
	r := rc.NewUnsigned(pub, encKey, []rc.Address{addr}, lastUpdated)
	require.NoError(t, r.Sign(priv))
	return r
}

func TestPutIfNewerInsertsOnce(t *testing.T) {
	db := New(t.TempDir(), immediate)
	r := makeRC(t, 100)

	require.True(t, db.PutIfNewer(r, 0))
	require.Equal(t, 1, db.NumLoaded())

	got, ok := db.Get(r.PubKey)
	require.True(t, ok)
	require.Equal(t, r.PubKey, got.PubKey)
}

func TestPutIfNewerRejectsOlderAndTies(t *testing.T) {
	db := New(t.TempDir(), immediate)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var encKey [32]byte
	addr := rc.Address{IP: net.ParseIP("203.0.113.9"), Port: 1090}

	older := rc.NewUnsigned(pub, encKey, []rc.Address{addr}, 100)
	require.NoError(t, older.Sign(priv))
	require.True(t, db.PutIfNewer(older, 0))

	sameAge := rc.NewUnsigned(pub, encKey, []rc.Address{addr}, 100)
	require.NoError(t, sameAge.Sign(priv))
	require.False(t, db.PutIfNewer(sameAge, 0))

	newer := rc.NewUnsigned(pub, encKey, []rc.Address{addr}, 200)
	require.NoError(t, newer.Sign(priv))
	require.True(t, db.PutIfNewer(newer, 0))

	got, _ := db.Get(older.PubKey)
	require.Equal(t, int64(200), got.LastUpdated)
}

func TestPersistsToDiskAndReloads(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, immediate)
	r := makeRC(t, 100)
	db.Put(r, 0)

	reloaded := New(dir, immediate)
	loaded, errs := reloaded.LoadFromDisk(0)
	require.Empty(t, errs)
	require.Equal(t, 1, loaded)
	require.True(t, reloaded.Has(r.PubKey))
}

func TestFindClosestAndManyClosest(t *testing.T) {
	db := New(t.TempDir(), immediate)
	var target rc.RouterID
	var ids []*rc.RC
	for i := 0; i < 5; i++ {
		r := makeRC(t, int64(100+i))
		ids = append(ids, r)
		db.Put(r, 0)
	}

	closest, ok := db.FindClosestTo(target)
	require.True(t, ok)
	require.NotNil(t, closest)

	many := db.FindManyClosestTo(target, 3)
	require.Len(t, many, 3)
	// ascending distance
	d0 := rc.XORDistance(many[0].PubKey, target)
	d1 := rc.XORDistance(many[1].PubKey, target)
	require.LessOrEqual(t, d0.Cmp(d1), 0)
	_ = ids
}

func TestGetRandomRespectsFilter(t *testing.T) {
	db := New(t.TempDir(), immediate)
	a := makeRC(t, 100)
	b := makeRC(t, 200)
	db.Put(a, 0)
	db.Put(b, 0)

	r, ok := db.GetRandom(func(r *rc.RC) bool { return r.PubKey == b.PubKey })
	require.True(t, ok)
	require.Equal(t, b.PubKey, r.PubKey)

	_, ok = db.GetRandom(func(r *rc.RC) bool { return false })
	require.False(t, ok)
}

func TestRemoveStaleRCsKeepsKeepSet(t *testing.T) {
	db := New(t.TempDir(), immediate)
	keep := makeRC(t, 100)
	drop := makeRC(t, 100)
	db.Put(keep, 0)
	db.Put(drop, 0)

	removed := db.RemoveStaleRCs(map[rc.RouterID]struct{}{keep.PubKey: {}}, 50)
	require.Equal(t, 1, removed)
	require.True(t, db.Has(keep.PubKey))
	require.False(t, db.Has(drop.PubKey))
}

func TestTickExpiresOldRCs(t *testing.T) {
	db := New(t.TempDir(), immediate)
	r := makeRC(t, 0)
	db.Put(r, 0)

	removed := db.Tick(rc.Lifetime + 1)
	require.Equal(t, 1, removed)
	require.False(t, db.Has(r.PubKey))
}
