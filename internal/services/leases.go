package services

import (
	"sort"
	"sync"
)

// leases tracks record ids held by in-flight updates and exports.
// A lease is counted so overlapping holders release independently.
type leases struct {
	mu   sync.Mutex
	held map[int64]int
}

func newLeases() *leases { return &leases{held: map[int64]int{}} }

func (l *leases) acquire(ids ...int64) (release func()) {
	l.mu.Lock()
	for _, id := range ids {
		l.held[id]++
	}
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, id := range ids {
				if l.held[id] <= 1 {
					delete(l.held, id)
					continue
				}
				l.held[id]--
			}
		})
	}
}

// busy returns the sorted subset of ids currently leased.
func (l *leases) busy(ids []int64) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int64
	for _, id := range ids {
		if l.held[id] > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
