package breadcrumb

import (
	"sync/atomic"
	"time"
)

// DefaultCapacity is used when a ledger is created with a non-positive capacity
const DefaultCapacity = 50

type slot struct {
	seq   uint64
	crumb Breadcrumb
}

// Ledger is a fixed-capacity ring of breadcrumbs that is safe to write from
// any goroutine, including one that is recovering from a panic.
//
// Writers claim a sequence number with an atomic add and publish into slot
// seq%capacity with a compare-and-swap that never replaces a newer entry.
// No locks are taken, so Record cannot block.
type Ledger struct {
	slots    []atomic.Pointer[slot]
	capacity uint64
	cursor   atomic.Uint64
	floor    atomic.Uint64

	now      func() time.Time
	observer atomic.Pointer[func(Type)]
}

// NewLedger creates a ledger holding at most capacity breadcrumbs
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		slots:    make([]atomic.Pointer[slot], capacity),
		capacity: uint64(capacity),
		now:      time.Now,
	}
}

// SetClock replaces the timestamp source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// SetObserver installs a hook that is called after every record. The hook
// must not block.
func (l *Ledger) SetObserver(fn func(Type)) {
	if fn == nil {
		l.observer.Store(nil)
		return
	}
	l.observer.Store(&fn)
}

// Record appends a breadcrumb, evicting the oldest when full. It never fails.
func (l *Ledger) Record(message string, metadata map[string]any, typ Type) {
	if !typ.Valid() {
		typ = Manual
	}
	l.publish(Breadcrumb{
		Message:   message,
		Metadata:  CopyMetadata(metadata),
		Type:      typ,
		Timestamp: l.now(),
	})
}

// Add appends an already-built breadcrumb. A zero timestamp is filled in.
func (l *Ledger) Add(b Breadcrumb) {
	if b.Timestamp.IsZero() {
		b.Timestamp = l.now()
	}
	if !b.Type.Valid() {
		b.Type = Manual
	}
	b.Metadata = CopyMetadata(b.Metadata)
	l.publish(b)
}

func (l *Ledger) publish(b Breadcrumb) {
	seq := l.cursor.Add(1) - 1
	entry := &slot{seq: seq, crumb: b}
	target := &l.slots[seq%l.capacity]

	for {
		old := target.Load()
		if old != nil && old.seq > seq {
			// A writer that started later already lapped us; our entry
			// would have been evicted anyway.
			break
		}
		if target.CompareAndSwap(old, entry) {
			break
		}
	}

	if fn := l.observer.Load(); fn != nil {
		(*fn)(b.Type)
	}
}

// Snapshot returns a point-in-time copy of the trail, oldest first
func (l *Ledger) Snapshot() []Breadcrumb {
	return l.SnapshotInto(make([]Breadcrumb, 0, l.Len()))
}

// SnapshotInto appends the trail to dst[:0]. With a buffer of Cap()
// elements it does not allocate.
//
// Slots that were claimed but not yet published, or that were overwritten
// during the copy, are skipped; the result stays in insertion order.
func (l *Ledger) SnapshotInto(dst []Breadcrumb) []Breadcrumb {
	dst = dst[:0]

	end := l.cursor.Load()
	start := l.window(end)

	for seq := start; seq < end; seq++ {
		entry := l.slots[seq%l.capacity].Load()
		if entry == nil || entry.seq != seq {
			continue
		}
		dst = append(dst, entry.crumb)
	}
	return dst
}

// window returns the first sequence number still retained for a cursor value
func (l *Ledger) window(end uint64) uint64 {
	start := uint64(0)
	if end > l.capacity {
		start = end - l.capacity
	}
	if floor := l.floor.Load(); floor > start {
		start = floor
	}
	return start
}

// Len returns the number of breadcrumbs currently retained
func (l *Ledger) Len() int {
	end := l.cursor.Load()
	start := l.window(end)
	if start >= end {
		return 0
	}
	return int(end - start)
}

// Cap returns the ledger capacity
func (l *Ledger) Cap() int {
	return int(l.capacity)
}

// Total returns how many breadcrumbs have ever been recorded
func (l *Ledger) Total() uint64 {
	return l.cursor.Load()
}

// Clear drops every retained breadcrumb. The sequence keeps counting so a
// concurrent writer can never resurrect a cleared slot.
func (l *Ledger) Clear() {
	end := l.cursor.Load()
	for {
		floor := l.floor.Load()
		if floor >= end || l.floor.CompareAndSwap(floor, end) {
			break
		}
	}

	for i := range l.slots {
		for {
			old := l.slots[i].Load()
			if old == nil || old.seq >= end {
				break
			}
			if l.slots[i].CompareAndSwap(old, nil) {
				break
			}
		}
	}
}
