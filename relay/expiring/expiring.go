// Package expiring introduces tables with the ability to prune their own elements.
// The relay keeps its sessions in one, so circuits that go quiet release their sockets on their own.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with an expiration timer attached
type entry[key_t comparable, value_t any] struct {
	val     value_t
	exp     *time.Timer // fires once to remove this entry
	cleanup []func(key_t, value_t)
}

// A Table is a map whose elements prune themselves after their duration elapses.
// Construct with New.
//
// NOTE(rlandau): Tables should only be passed by reference due to underlying mutex use.
//
// NOTE(rlandau): accessing elements AT their expiration time is, by its very nature, a race.
// If a timer has not expired, then its associated data is guaranteed to not have been pruned. The inverse is not guaranteed.
type Table[key_t comparable, value_t any] struct {
	mu sync.Mutex
	m  map[key_t]*entry[key_t, value_t]
}

// New returns an empty table.
func New[key_t comparable, value_t any]() *Table[key_t, value_t] {
	return &Table[key_t, value_t]{m: make(map[key_t]*entry[key_t, value_t])}
}

// Store saves the given k/v and sets them to expire after the given time.
// If a value was previously associated to this key, it will be overwritten and its timer stopped; the prior value's cleanup functions are NOT called.
// cleanup functions will be called in given order after the key expires out of the table.
func (tbl *Table[k, v]) Store(key k, value v, expire time.Duration, cleanup ...func(k, v)) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.storeLocked(key, value, expire, cleanup)
}

// caller must hold tbl.mu
func (tbl *Table[k, v]) storeLocked(key k, value v, expire time.Duration, cleanup []func(k, v)) {
	if prior, found := tbl.m[key]; found {
		prior.exp.Stop()
	}
	e := &entry[k, v]{val: value, cleanup: cleanup}
	e.exp = time.AfterFunc(expire, func() { tbl.expire(key, e) })
	tbl.m[key] = e
}

// expire removes e if it is still the entry held under key, then runs its cleanup functions outside the lock.
func (tbl *Table[k, v]) expire(key k, e *entry[k, v]) {
	tbl.mu.Lock()
	if cur, found := tbl.m[key]; !found || cur != e {
		tbl.mu.Unlock()
		return
	}
	delete(tbl.m, key)
	tbl.mu.Unlock()

	for _, f := range e.cleanup {
		f(key, e.val)
	}
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, found := tbl.m[key]
	if !found {
		return value, false
	}
	return e.val, true
}

// Delete destroys a key in the map and stops its timer (if found).
// Cleanup functions are not called.
// Ineffectual if key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, found := tbl.m[key]
	if !found {
		return false
	}
	e.exp.Stop()
	delete(tbl.m, key)
	return true
}

// Refresh refreshes the given key (if it exists) with the given duration.
// Returns false if the key is absent or its timer already fired.
func (tbl *Table[key_t, value_t]) Refresh(key key_t, expire time.Duration) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	e, found := tbl.m[key]
	if !found {
		return false
	}
	if alreadyExpired := !e.exp.Stop(); alreadyExpired {
		return false
	}
	e.exp.Reset(expire)
	return true
}

// CompareAndSwap stores new under key if the current value equals old.
// A missing key compares equal to the zero value, so CompareAndSwap(k, zero, v, d) inserts only if k is absent.
// On success the key is given a fresh timer and cleanup functions.
//
// Panics if value_t is not comparable at runtime, same as sync.Map.
func (tbl *Table[k, v]) CompareAndSwap(key k, old, new v, expire time.Duration, cleanup ...func(k, v)) (swapped bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	var cur v
	if e, found := tbl.m[key]; found {
		cur = e.val
	}
	if any(cur) != any(old) {
		return false
	}
	tbl.storeLocked(key, new, expire, cleanup)
	return true
}

// RangeLocked calls fn for every element until fn returns false.
// The table is locked for the duration; fn must not call back into the table.
func (tbl *Table[k, v]) RangeLocked(fn func(k, v) bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for key, e := range tbl.m {
		if !fn(key, e.val) {
			return
		}
	}
}

// Len returns the number of elements currently in the table.
func (tbl *Table[k, v]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}
