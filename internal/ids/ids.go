// Package ids implements the connection-scoped identifier tables: an
// allocating table for ids this side assigns (questions, exports,
// embargoes) and a tracking table for ids assigned by the peer (answers,
// imports).
//
// Ids are dense 32-bit unsigned integers. The allocating table recycles
// released ids through a free list so tables stay small over long
// sessions.
package ids

import "fmt"

// ErrNotFound reports a lookup of an id with no live entry. A missing id
// referenced by a peer message is a protocol error; callers surface it
// as connection-fatal.
type ErrNotFound struct {
	Table string
	ID    uint32
}

// Error implements the error interface.
func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s table has no entry for id %d", e.Table, e.ID)
}

// Allocator hands out dense ids and maps them to values.
//
// Invariant: no live id is ever on the free list. Release removes the
// entry before recycling the id, and Alloc removes the id from the free
// list before recording the entry.
type Allocator[V any] struct {
	name string
	next uint32
	free []uint32
	live map[uint32]V
}

// NewAllocator creates an empty allocating table. The name appears in
// lookup errors ("question", "export", ...).
func NewAllocator[V any](name string) *Allocator[V] {
	return &Allocator[V]{name: name, live: make(map[uint32]V)}
}

// Alloc draws an id (recycled if available, fresh otherwise), records
// f(id), and returns both.
func (a *Allocator[V]) Alloc(f func(id uint32) V) (uint32, V) {
	var id uint32
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		id = a.next
		a.next++
	}
	v := f(id)
	a.live[id] = v
	return id, v
}

// Find returns the value for id, if live.
func (a *Allocator[V]) Find(id uint32) (V, bool) {
	v, ok := a.live[id]
	return v, ok
}

// FindExn returns the value for id or an ErrNotFound suitable for
// escalation to a protocol error.
func (a *Allocator[V]) FindExn(id uint32) (V, error) {
	v, ok := a.live[id]
	if !ok {
		var zero V
		return zero, &ErrNotFound{Table: a.name, ID: id}
	}
	return v, nil
}

// Release removes the entry for id and recycles the id. Releasing an id
// with no live entry is an error (double release or bookkeeping bug).
func (a *Allocator[V]) Release(id uint32) error {
	if _, ok := a.live[id]; !ok {
		return &ErrNotFound{Table: a.name, ID: id}
	}
	delete(a.live, id)
	a.free = append(a.free, id)
	return nil
}

// Len returns the number of live entries.
func (a *Allocator[V]) Len() int {
	return len(a.live)
}

// ForEach visits every live entry. Used for teardown sweeps; the table
// must not be mutated during iteration.
func (a *Allocator[V]) ForEach(f func(id uint32, v V)) {
	for id, v := range a.live {
		f(id, v)
	}
}

// Reset drops all entries and forgets the free list.
func (a *Allocator[V]) Reset() {
	a.live = make(map[uint32]V)
	a.free = nil
	a.next = 0
}

// Table tracks ids assigned by the peer.
type Table[V any] struct {
	name string
	live map[uint32]V
}

// NewTable creates an empty tracking table.
func NewTable[V any](name string) *Table[V] {
	return &Table[V]{name: name, live: make(map[uint32]V)}
}

// Set records a value under a peer-assigned id. Reusing a live id is an
// error: the peer must not recycle an id before releasing it.
func (t *Table[V]) Set(id uint32, v V) error {
	if _, ok := t.live[id]; ok {
		return fmt.Errorf("%s table id %d is already in use", t.name, id)
	}
	t.live[id] = v
	return nil
}

// Find returns the value for id, if live.
func (t *Table[V]) Find(id uint32) (V, bool) {
	v, ok := t.live[id]
	return v, ok
}

// FindExn returns the value for id or an ErrNotFound suitable for
// escalation to a protocol error.
func (t *Table[V]) FindExn(id uint32) (V, error) {
	v, ok := t.live[id]
	if !ok {
		var zero V
		return zero, &ErrNotFound{Table: t.name, ID: id}
	}
	return v, nil
}

// Release removes the entry for id.
func (t *Table[V]) Release(id uint32) error {
	if _, ok := t.live[id]; !ok {
		return &ErrNotFound{Table: t.name, ID: id}
	}
	delete(t.live, id)
	return nil
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	return len(t.live)
}

// ForEach visits every live entry. The table must not be mutated during
// iteration.
func (t *Table[V]) ForEach(f func(id uint32, v V)) {
	for id, v := range t.live {
		f(id, v)
	}
}

// Reset drops all entries.
func (t *Table[V]) Reset() {
	t.live = make(map[uint32]V)
}
