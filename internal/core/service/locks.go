package service

import (
	"hash/fnv"
	"sort"
	"sync"
)

// stripedLocks serializes store mutations per affected key. Two keys that
// hash to the same stripe share a mutex, which is harmless: it only widens
// the critical section, never narrows it.
type stripedLocks struct {
	stripes [64]sync.Mutex
}

func (l *stripedLocks) stripe(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(l.stripes)
}

// lockPair takes both stripes in index order so concurrent callers locking
// the same pair in opposite roles cannot deadlock.
func (l *stripedLocks) lockPair(a, b string) func() {
	ia, ib := l.stripe(a), l.stripe(b)
	if ia == ib {
		l.stripes[ia].Lock()
		return l.stripes[ia].Unlock
	}
	idx := []int{ia, ib}
	sort.Ints(idx)
	l.stripes[idx[0]].Lock()
	l.stripes[idx[1]].Lock()
	return func() {
		l.stripes[idx[1]].Unlock()
		l.stripes[idx[0]].Unlock()
	}
}
