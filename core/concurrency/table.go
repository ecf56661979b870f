// File: core/concurrency/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Table is the u64-keyed, pointer-valued associative container every lookup
// table of the server is built on: reactor registrations, clients by fd and
// by user id, sessions and upload tokens. One mutex guards each table for the
// whole duration of an operation; the bucket array grows and shrinks with the
// load factor.

package concurrency

import "sync"

const (
	// DefaultTableSize is the initial bucket count when none is given.
	DefaultTableSize = 10

	loadHigh = 0.7
	loadLow  = 0.2
)

type node[T any] struct {
	key  uint64
	val  *T
	next *node[T]
}

// TableOption configures a Table at construction.
type TableOption[T any] func(*Table[T])

// WithIgnoreResize pins the bucket array at its initial size.
func WithIgnoreResize[T any]() TableOption[T] {
	return func(t *Table[T]) { t.ignoreResize = true }
}

// WithFree installs a destructor run for every entry removed by Delete or Clear.
func WithFree[T any](fn func(key uint64, v *T)) TableOption[T] {
	return func(t *Table[T]) { t.free = fn }
}

// Table is a chained hash map keyed by uint64.
type Table[T any] struct {
	mu           sync.Mutex
	buckets      []*node[T]
	count        int
	initial      int
	ignoreResize bool
	free         func(key uint64, v *T)
}

// NewTable creates a table with the given initial bucket count.
func NewTable[T any](size int, opts ...TableOption[T]) *Table[T] {
	if size <= 0 {
		size = DefaultTableSize
	}
	t := &Table[T]{
		buckets: make([]*node[T], size),
		initial: size,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table[T]) slot(key uint64) int {
	return int(key % uint64(len(t.buckets)))
}

// Insert stores v under key. It fails when v is nil or key is already present.
func (t *Table[T]) Insert(key uint64, v *T) bool {
	if v == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.slot(key)
	for n := t.buckets[i]; n != nil; n = n.next {
		if n.key == key {
			return false
		}
	}
	t.buckets[i] = &node[T]{key: key, val: v, next: t.buckets[i]}
	t.count++
	t.checkLoad()
	return true
}

// Get returns the value stored under key.
func (t *Table[T]) Get(key uint64) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n := t.buckets[t.slot(key)]; n != nil; n = n.next {
		if n.key == key {
			return n.val, true
		}
	}
	return nil, false
}

// Delete removes key, running the destructor if one is installed.
// It reports false when key is absent.
func (t *Table[T]) Delete(key uint64) bool {
	t.mu.Lock()
	v, ok := t.unlink(key)
	t.mu.Unlock()
	if ok && t.free != nil {
		t.free(key, v)
	}
	return ok
}

// Take removes key and hands its value to the caller without running the
// destructor. Only one of several concurrent callers observes ok == true.
func (t *Table[T]) Take(key uint64) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unlink(key)
}

func (t *Table[T]) unlink(key uint64) (*T, bool) {
	i := t.slot(key)
	var prev *node[T]
	for n := t.buckets[i]; n != nil; prev, n = n, n.next {
		if n.key != key {
			continue
		}
		if prev == nil {
			t.buckets[i] = n.next
		} else {
			prev.next = n.next
		}
		n.next = nil
		t.count--
		t.checkLoad()
		return n.val, true
	}
	return nil, false
}

// Clear removes every entry and restores the initial size.
func (t *Table[T]) Clear() {
	t.mu.Lock()
	old := t.buckets
	t.buckets = make([]*node[T], t.initial)
	t.count = 0
	t.mu.Unlock()

	if t.free == nil {
		return
	}
	for _, head := range old {
		for n := head; n != nil; n = n.next {
			t.free(n.key, n.val)
		}
	}
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Size returns the current bucket count.
func (t *Table[T]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Range calls fn for every entry of a snapshot taken under the lock, so fn
// may freely mutate the table. Iteration stops when fn returns false.
func (t *Table[T]) Range(fn func(key uint64, v *T) bool) {
	t.mu.Lock()
	keys := make([]uint64, 0, t.count)
	vals := make([]*T, 0, t.count)
	for _, head := range t.buckets {
		for n := head; n != nil; n = n.next {
			keys = append(keys, n.key)
			vals = append(vals, n.val)
		}
	}
	t.mu.Unlock()

	for i := range keys {
		if !fn(keys[i], vals[i]) {
			return
		}
	}
}

// checkLoad must be called with t.mu held.
func (t *Table[T]) checkLoad() {
	if t.ignoreResize {
		return
	}
	size := len(t.buckets)
	load := float64(t.count) / float64(size)
	switch {
	case load > loadHigh:
		t.resize(size * 2)
	case load < loadLow && size > t.initial:
		t.resize(max(size/2, t.initial))
	}
}

func (t *Table[T]) resize(size int) {
	buckets := make([]*node[T], size)
	for _, head := range t.buckets {
		for n := head; n != nil; {
			next := n.next
			i := int(n.key % uint64(size))
			n.next = buckets[i]
			buckets[i] = n
			n = next
		}
	}
	t.buckets = buckets
}

// HashString derives a table key from a string (djb2).
func HashString(s string) uint64 {
	var h uint64 = 5381
	for i := 0; i < len(s); i++ {
		h = h<<5 + h + uint64(s[i])
	}
	return h
}
