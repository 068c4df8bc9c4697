// Package nodedb implements the local, signed-contact cache the path
// builder selects hops from: an in-memory map backed by one flat file
// per router id, with asynchronous disk writes funneled through an
// injected work dispatcher so the core itself never owns a thread
// pool.
package nodedb

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"lokinet-path/internal/rc"
)

// FlushIntervalMs is how often Tick should be invoked to expire stale
// entries (spec.md §6: 5 minutes); writes are dispatched eagerly by
// Put/PutIfNewer, not by Tick.
const FlushIntervalMs = 5 * 60 * 1000

// Dispatcher posts a closure for asynchronous execution (disk I/O,
// typically). cmd/lokinetd wires this to a worker-pool submit
// function; tests wire it to immediate execution.
type Dispatcher func(func())

type entry struct {
	rc         *rc.RC
	insertedAt int64 // ms, caller-supplied clock
}

// DB is the in-memory router-contact cache with on-disk persistence.
type DB struct {
	mu      sync.RWMutex
	entries map[rc.RouterID]entry
	root    string
	disk    Dispatcher
}

// New returns an empty DB rooted at dir, dispatching writes through
// disk.
func New(dir string, disk Dispatcher) *DB {
	return &DB{
		entries: make(map[rc.RouterID]entry),
		root:    dir,
		disk:    disk,
	}
}

func (db *DB) pathFor(id rc.RouterID) string {
	return filepath.Join(db.root, hex.EncodeToString(id[:])+".signed")
}

// LoadFromDisk scans root and decodes each ".signed" file
// independently; a file that fails to decode is logged by the caller
// (LoadFromDisk reports it via the returned slice) and skipped, never
// deleted.
func (db *DB) LoadFromDisk(insertedAt int64) (loaded int, decodeErrors []error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return 0, []error{err}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, f := range entries {
		if f.IsDir() || filepath.Ext(f.Name()) != ".signed" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(db.root, f.Name()))
		if err != nil {
			decodeErrors = append(decodeErrors, err)
			continue
		}
		parsed, err := rc.Decode(data)
		if err != nil {
			decodeErrors = append(decodeErrors, err)
			continue
		}
		db.entries[parsed.PubKey] = entry{rc: parsed, insertedAt: insertedAt}
		loaded++
	}
	return loaded, decodeErrors
}

func (db *DB) writeAsync(r *rc.RC) {
	path := db.pathFor(r.PubKey)
	data := r.Encode()
	db.disk(func() {
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
		_ = os.WriteFile(path, data, 0o600)
	})
}

func (db *DB) removeAsync(ids []rc.RouterID) {
	db.disk(func() {
		for _, id := range ids {
			_ = os.Remove(db.pathFor(id))
		}
	})
}

// PutIfNewer inserts r when absent, or replaces the existing entry
// when r is strictly newer (ties keep the existing entry), scheduling
// an async write either way a replacement happened. Returns true if
// the map was changed.
func (db *DB) PutIfNewer(r *rc.RC, insertedAt int64) bool {
	db.mu.Lock()
	existing, ok := db.entries[r.PubKey]
	if ok && !r.NewerThan(existing.rc) {
		db.mu.Unlock()
		return false
	}
	db.entries[r.PubKey] = entry{rc: r, insertedAt: insertedAt}
	db.mu.Unlock()
	db.writeAsync(r)
	return true
}

// Put unconditionally replaces (or inserts) the entry for r and
// schedules an async write.
func (db *DB) Put(r *rc.RC, insertedAt int64) {
	db.mu.Lock()
	db.entries[r.PubKey] = entry{rc: r, insertedAt: insertedAt}
	db.mu.Unlock()
	db.writeAsync(r)
}

// Get returns a copy of the RC for pk, if present. The copy is shallow:
// its slice fields share storage with the stored entry.
func (db *DB) Get(pk rc.RouterID) (*rc.RC, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.entries[pk]
	if !ok {
		return nil, false
	}
	cp := *e.rc
	return &cp, true
}

// Has reports whether pk is present.
func (db *DB) Has(pk rc.RouterID) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.entries[pk]
	return ok
}

// NumLoaded returns the number of entries currently held.
func (db *DB) NumLoaded() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// FindClosestTo returns the single RC minimizing XOR distance to key.
func (db *DB) FindClosestTo(key rc.RouterID) (*rc.RC, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var best *rc.RC
	var bestDist *big.Int
	for id, e := range db.entries {
		d := rc.XORDistance(id, key)
		if bestDist == nil || d.Cmp(bestDist) < 0 {
			best, bestDist = e.rc, d
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// FindManyClosestTo returns up to n RCs sorted by XOR distance to key
// ascending, ties broken by pubkey order.
func (db *DB) FindManyClosestTo(key rc.RouterID, n int) []*rc.RC {
	db.mu.RLock()
	type scored struct {
		rc   *rc.RC
		dist *big.Int
	}
	all := make([]scored, 0, len(db.entries))
	for id, e := range db.entries {
		all = append(all, scored{rc: e.rc, dist: rc.XORDistance(id, key)})
	}
	db.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		c := all[i].dist.Cmp(all[j].dist)
		if c != 0 {
			return c < 0
		}
		return all[i].rc.PubKey.Less(all[j].rc.PubKey)
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]*rc.RC, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].rc
	}
	return out
}

// Filter decides whether an RC should be visited/matched.
type Filter func(*rc.RC) bool

// GetRandom returns a uniformly random RC passing filter, if any.
func (db *DB) GetRandom(filter Filter) (*rc.RC, bool) {
	db.mu.RLock()
	all := make([]*rc.RC, 0, len(db.entries))
	for _, e := range db.entries {
		all = append(all, e.rc)
	}
	db.mu.RUnlock()

	// Fisher-Yates using a CSPRNG, mirroring the original's
	// std::shuffle-with-CSRNG approach to GetRandom.
	for i := len(all) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		all[i], all[j] = all[j], all[i]
	}
	for _, r := range all {
		if filter == nil || filter(r) {
			return r, true
		}
	}
	return nil, false
}

// RemoveIf removes every entry matching filter and schedules async
// deletion of their files.
func (db *DB) RemoveIf(filter Filter) int {
	db.mu.Lock()
	var removed []rc.RouterID
	for id, e := range db.entries {
		if filter(e.rc) {
			removed = append(removed, id)
			delete(db.entries, id)
		}
	}
	db.mu.Unlock()
	if len(removed) > 0 {
		db.removeAsync(removed)
	}
	return len(removed)
}

// RemoveStaleRCs removes entries inserted before cutoff whose pubkey
// is not in keep, scheduling async deletion of their files.
func (db *DB) RemoveStaleRCs(keep map[rc.RouterID]struct{}, cutoff int64) int {
	db.mu.Lock()
	var removed []rc.RouterID
	for id, e := range db.entries {
		if _, kept := keep[id]; kept {
			continue
		}
		if e.insertedAt < cutoff {
			removed = append(removed, id)
			delete(db.entries, id)
		}
	}
	db.mu.Unlock()
	if len(removed) > 0 {
		db.removeAsync(removed)
	}
	return len(removed)
}

// Tick runs periodic housekeeping: removing RCs that have aged past
// rc.Lifetime. Flushing happens eagerly on every Put/PutIfNewer, so
// Tick's only remaining job, beyond what the builder drives directly,
// is expiry.
func (db *DB) Tick(now int64) int {
	return db.RemoveIf(func(r *rc.RC) bool {
		return now-r.LastUpdated > rc.Lifetime
	})
}
