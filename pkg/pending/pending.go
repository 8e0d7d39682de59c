// Package pending implements the client-side correlation table that
// matches outgoing requests to incoming replies by sequence number, and
// enforces per-entry timeouts on a shared tick.
package pending

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Reserve when no slow-lane seqno is free.
var ErrQueueFull = errors.New("pending: queue full")

var log = logrus.WithField("pkg", "pending")

// Kind distinguishes an entry awaiting an RPC reply from one awaiting a
// subscribe/unsubscribe/ping result.
type Kind uint8

const (
	KindRPC Kind = iota
	KindResult
)

const (
	// SlowLaneSize is the number of callback-bearing seqnos (0..254); the
	// low-byte seqno space reserved for entries that need a pending record.
	SlowLaneSize = 255
	// FastPoolSize is the size of the pre-allocated slot pool that avoids
	// heap traffic for a typical burst of slow-lane reservations.
	FastPoolSize = 8
)

// Callback receives the reply packet view (nil on timeout/disconnect).
type Callback func(ok bool, status uint8, payload []byte)

// Entry is one outstanding request awaiting a reply or timeout.
type Entry struct {
	Seqno    uint16
	Kind     Kind
	Callback Callback
	deadline int64 // remaining ms
	inUse    bool
}

// Table correlates outgoing requests with incoming replies for a single
// client connection. Seqnos below SlowLaneSize are callback-bearing
// ("slow lane"); fast-lane fire-and-forget sends use an upper 15-bit
// counter so the two spaces never collide (see NextFastSeqno).
type Table struct {
	mu      sync.Mutex
	slots   [SlowLaneSize]Entry
	pool    [FastPoolSize]int // free-list stack of slot indexes; pool[:poolLen] is live
	poolLen int
	cursor  int
	count   int

	fastCounter uint16 // 15-bit counter, shifted left 8 on use
}

// NewTable returns an empty pending table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.pool {
		t.pool[i] = i
	}
	t.poolLen = FastPoolSize
	return t
}

// NextFastSeqno returns the next fire-and-forget seqno, matching the
// source's `seqno_nq << 8` allocation. The shift keeps the low byte
// clear, and counter values whose low byte is zero are skipped, so every
// result is a non-zero multiple of 256 (256..65280) and never collides
// with a slow-lane seqno (< SlowLaneSize).
func (t *Table) NextFastSeqno() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fastCounter = (t.fastCounter + 1) & 0x7fff
	if t.fastCounter&0xff == 0 {
		t.fastCounter = (t.fastCounter + 1) & 0x7fff
	}
	return t.fastCounter << 8
}

// Reserve allocates a slow-lane seqno for a callback-bearing request. It
// first tries the fast-pool, a small stack of recently-freed low-index
// slots kept to avoid the rotating scan below on the common path; once
// the pool is empty it falls back to scanning up to SlowLaneSize slots
// starting from a rotating cursor so repeated reservations don't always
// retry the same recently-freed slot.
func (t *Table) Reserve(kind Kind, timeoutMs int64, cb Callback) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poolLen > 0 {
		t.poolLen--
		idx := t.pool[t.poolLen]
		t.slots[idx] = Entry{
			Seqno:    uint16(idx),
			Kind:     kind,
			Callback: cb,
			deadline: timeoutMs,
			inUse:    true,
		}
		t.count++
		return uint16(idx), nil
	}

	for i := 0; i < SlowLaneSize; i++ {
		idx := (t.cursor + i) % SlowLaneSize
		if !t.slots[idx].inUse {
			t.slots[idx] = Entry{
				Seqno:    uint16(idx),
				Kind:     kind,
				Callback: cb,
				deadline: timeoutMs,
				inUse:    true,
			}
			t.cursor = (idx + 1) % SlowLaneSize
			t.count++
			return uint16(idx), nil
		}
	}
	return 0, ErrQueueFull
}

// Pop removes and returns the entry for seqno, if present.
func (t *Table) Pop(seqno uint16) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.popLocked(seqno)
}

func (t *Table) popLocked(seqno uint16) (Entry, bool) {
	idx := int(seqno)
	if idx < 0 || idx >= SlowLaneSize || !t.slots[idx].inUse {
		return Entry{}, false
	}
	e := t.slots[idx]
	t.slots[idx] = Entry{}
	t.count--
	t.freeToPoolLocked(idx)
	return e, true
}

// freeToPoolLocked returns idx to the fast-pool when it's a low-index
// slot and the pool has room; the mu lock is already held.
func (t *Table) freeToPoolLocked(idx int) {
	if idx < FastPoolSize && t.poolLen < FastPoolSize {
		t.pool[t.poolLen] = idx
		t.poolLen++
	}
}

// Len reports the number of outstanding slow-lane entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Tick decrements every entry's deadline by deltaMs and returns the
// entries whose deadline has crossed zero, removing them from the table.
// The caller invokes their callbacks; vsoaclient.Client.Tick does so on
// the shared timer goroutine (see internal/timer).
func (t *Table) Tick(deltaMs int64) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Entry
	for idx := range t.slots {
		if !t.slots[idx].inUse {
			continue
		}
		t.slots[idx].deadline -= deltaMs
		if t.slots[idx].deadline <= 0 {
			e := t.slots[idx]
			t.slots[idx] = Entry{}
			t.count--
			t.freeToPoolLocked(idx)
			expired = append(expired, e)
		}
	}
	return expired
}

// Drain removes and returns every outstanding entry, in slot order. Used
// by AbortAll on disconnect.
func (t *Table) Drain() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []Entry
	for idx := range t.slots {
		if t.slots[idx].inUse {
			all = append(all, t.slots[idx])
			t.slots[idx] = Entry{}
			t.freeToPoolLocked(idx)
		}
	}
	t.count = 0
	return all
}

// AbortAll invokes every outstanding RPC entry's callback with a null
// reply (NO_RESPONDING-equivalent); RESULT-kind entries are dropped
// silently, matching the source's disconnect behavior.
func (t *Table) AbortAll() {
	for _, e := range t.Drain() {
		if e.Kind == KindRPC && e.Callback != nil {
			e.Callback(false, 0, nil)
		} else if e.Kind != KindRPC {
			log.Debugf("pending: dropping result-kind entry seqno=%d on abort", e.Seqno)
		}
	}
}
