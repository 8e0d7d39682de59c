// Package rtdb implements the real-time tag database: a sharded,
// read-mostly key/value store with per-shard RW locks, monotonic
// per-tag version counters, and update-callback fan-out.
package rtdb

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldforge/vsoa/internal/metrics"
)

// HealthCPUPercentMax and HealthMemPercentMax bound the host resource
// sample folded into Health; a reading above either is reported as
// unhealthy alongside shard-lock contention.
const (
	HealthCPUPercentMax = 90.0
	HealthMemPercentMax = 90.0
)

// TagRecord is a snapshot copy of one named point.
type TagRecord struct {
	Name       string
	Value      string
	TimestampMs uint64
	Driver     string
	Device     string
	Version    uint64
}

type tagSlot struct {
	name        string
	value       string
	timestampMs uint64
	driver      string
	device      string
	version     uint64
}

func (s *tagSlot) snapshot() TagRecord {
	return TagRecord{
		Name: s.name, Value: s.value, TimestampMs: s.timestampMs,
		Driver: s.driver, Device: s.device, Version: s.version,
	}
}

type shard struct {
	mu  sync.RWMutex
	tags map[string]*tagSlot
}

// UpdateCallback is invoked with a snapshot copy of the record after a
// write, outside the shard's write lock.
type UpdateCallback func(TagRecord)

// Stats is a monitoring-only, non-strongly-consistent counter snapshot.
type Stats struct {
	TotalTags  uint64
	Reads      uint64
	Writes     uint64
	LastWriteTs uint64
}

// DB is the sharded tag store.
type DB struct {
	shards []*shard

	reads       atomic.Uint64
	writes      atomic.Uint64
	lastWriteTs atomic.Uint64

	cbMu      sync.Mutex
	callbacks map[uint64]UpdateCallback
	nextCbID  uint64
}

// New returns a DB with shardCount shards, or a computed default of
// max(2*GOMAXPROCS, 8) when shardCount is 0.
func New(shardCount int) *DB {
	if shardCount <= 0 {
		shardCount = runtime.GOMAXPROCS(0) * 2
		if shardCount < 8 {
			shardCount = 8
		}
	}
	db := &DB{
		shards:    make([]*shard, shardCount),
		callbacks: make(map[uint64]UpdateCallback),
	}
	for i := range db.shards {
		db.shards[i] = &shard{tags: make(map[string]*tagSlot)}
	}
	return db
}

func (db *DB) shardFor(name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return db.shards[int(h.Sum32())%len(db.shards)]
}

// Register pre-allocates a slot for name; returns false if it already
// exists.
func (db *DB) Register(name string) bool {
	sh := db.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.tags[name]; ok {
		return false
	}
	sh.tags[name] = &tagSlot{name: name}
	return true
}

// Unregister removes a tag's record entirely.
func (db *DB) Unregister(name string) bool {
	sh := db.shardFor(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.tags[name]
	if ok {
		delete(sh.tags, name)
	}
	return ok
}

// Set writes name=value, creating the record if absent. timestampMs=0
// means "use current wall-clock ms". The update callbacks are invoked
// after the shard's write lock is released.
func (db *DB) Set(name, value string, timestampMs uint64, driver, device string) error {
	if name == "" {
		return fmt.Errorf("rtdb: empty tag name")
	}
	if timestampMs == 0 {
		timestampMs = uint64(time.Now().UnixMilli())
	}

	sh := db.shardFor(name)
	sh.mu.Lock()
	slot, ok := sh.tags[name]
	if !ok {
		slot = &tagSlot{name: name}
		sh.tags[name] = slot
	}
	slot.value = value
	slot.timestampMs = timestampMs
	slot.driver = driver
	slot.device = device
	slot.version++
	rec := slot.snapshot()
	sh.mu.Unlock()

	db.writes.Add(1)
	db.lastWriteTs.Store(timestampMs)
	db.fanOut(rec)
	return nil
}

func (db *DB) fanOut(rec TagRecord) {
	db.cbMu.Lock()
	cbs := make([]UpdateCallback, 0, len(db.callbacks))
	for _, cb := range db.callbacks {
		cbs = append(cbs, cb)
	}
	db.cbMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// one bad callback must never block subsequent updates
					_ = r
				}
			}()
			cb(rec)
		}()
	}
}

// Get returns a snapshot copy of name, if present.
func (db *DB) Get(name string) (TagRecord, bool) {
	sh := db.shardFor(name)
	sh.mu.RLock()
	slot, ok := sh.tags[name]
	var rec TagRecord
	if ok {
		rec = slot.snapshot()
	}
	sh.mu.RUnlock()
	db.reads.Add(1)
	return rec, ok
}

// GetMany looks up names, grouping by shard to amortize locking, and
// returns only the records that exist.
func (db *DB) GetMany(names []string) []TagRecord {
	byShard := make(map[*shard][]string)
	for _, n := range names {
		sh := db.shardFor(n)
		byShard[sh] = append(byShard[sh], n)
	}

	var out []TagRecord
	for sh, ns := range byShard {
		sh.mu.RLock()
		for _, n := range ns {
			if slot, ok := sh.tags[n]; ok {
				out = append(out, slot.snapshot())
			}
		}
		sh.mu.RUnlock()
	}
	db.reads.Add(uint64(len(names)))
	return out
}

// SetEntry is one row of a SetMany batch.
type SetEntry struct {
	Name        string
	Value       string
	TimestampMs uint64
	Driver      string
	Device      string
}

// SetMany writes entries, grouping by shard, and returns the count
// actually written (entries with an empty name are skipped).
func (db *DB) SetMany(entries []SetEntry) int {
	byShard := make(map[*shard][]SetEntry)
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		sh := db.shardFor(e.Name)
		byShard[sh] = append(byShard[sh], e)
	}

	var written int
	var updated []TagRecord
	now := uint64(time.Now().UnixMilli())
	for sh, es := range byShard {
		sh.mu.Lock()
		for _, e := range es {
			slot, ok := sh.tags[e.Name]
			if !ok {
				slot = &tagSlot{name: e.Name}
				sh.tags[e.Name] = slot
			}
			ts := e.TimestampMs
			if ts == 0 {
				ts = now
			}
			slot.value = e.Value
			slot.timestampMs = ts
			slot.driver = e.Driver
			slot.device = e.Device
			slot.version++
			updated = append(updated, slot.snapshot())
			written++
		}
		sh.mu.Unlock()
	}

	if written > 0 {
		db.writes.Add(uint64(written))
		db.lastWriteTs.Store(now)
		for _, rec := range updated {
			db.fanOut(rec)
		}
	}
	return written
}

// AddUpdateCallback registers a callback invoked on every Set/SetMany
// write, after the writer's shard lock is released. It returns an id
// that can be passed to RemoveUpdateCallback.
func (db *DB) AddUpdateCallback(cb UpdateCallback) uint64 {
	db.cbMu.Lock()
	defer db.cbMu.Unlock()
	db.nextCbID++
	id := db.nextCbID
	db.callbacks[id] = cb
	return id
}

// RemoveUpdateCallback unregisters a callback previously added with
// AddUpdateCallback.
func (db *DB) RemoveUpdateCallback(id uint64) bool {
	db.cbMu.Lock()
	defer db.cbMu.Unlock()
	if _, ok := db.callbacks[id]; !ok {
		return false
	}
	delete(db.callbacks, id)
	return true
}

// Size returns the current tag count across all shards.
func (db *DB) Size() int {
	n := 0
	for _, sh := range db.shards {
		sh.mu.RLock()
		n += len(sh.tags)
		sh.mu.RUnlock()
	}
	return n
}

// Stats returns a monitoring-only counter snapshot.
func (db *DB) Stats() Stats {
	return Stats{
		TotalTags:   uint64(db.Size()),
		Reads:       db.reads.Load(),
		Writes:      db.writes.Load(),
		LastWriteTs: db.lastWriteTs.Load(),
	}
}

// Health reports whether the store looks operable, with a human-readable
// reason on failure: either a shard lock that cannot be acquired
// promptly, or a host CPU/memory sample over HealthCPUPercentMax /
// HealthMemPercentMax.
func (db *DB) Health(ctx context.Context) (bool, string) {
	for i, sh := range db.shards {
		acquired := sh.mu.TryRLock()
		if !acquired {
			return false, fmt.Sprintf("rtdb: shard %d contended", i)
		}
		sh.mu.RUnlock()
	}

	sample, err := metrics.SampleHost(ctx)
	if err != nil {
		return false, fmt.Sprintf("rtdb: host sample failed: %v", err)
	}
	if sample.CPUPercent > HealthCPUPercentMax || sample.MemPercent > HealthMemPercentMax {
		return false, fmt.Sprintf("rtdb: host resource pressure (cpu=%.1f%% mem=%.1f%%)",
			sample.CPUPercent, sample.MemPercent)
	}
	return true, ""
}
