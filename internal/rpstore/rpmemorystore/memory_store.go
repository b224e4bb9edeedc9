package rpmemorystore

import (
	"container/list"
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStore is the in-process visitor store. A map keyed by fingerprint
// gives O(1) lookup, and a doubly-linked list kept in insertion order gives
// O(1) FIFO eviction when the visitor cap is exceeded. Eviction order is
// deliberately insertion order rather than access recency: the TTL sweep is
// the primary bound on staleness, and the cap is a backstop against
// pathological growth, not a precision cache policy.
type MemoryStore struct {
	entries          map[string]*list.Element
	logger           *logrus.Logger
	maxVisitors      int
	mut              sync.Mutex
	name             string
	order            *list.List // front = oldest insertion
	sweepInterval    time.Duration
	sweepLoopStarted bool
	timeNow          func() time.Time
	ttl              time.Duration
}

type visitorEntry struct {
	key        string
	lastAccess time.Time
	nextIndex  int
}

func NewMemoryStore(logger *logrus.Logger, maxVisitors int, ttl, sweepInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*list.Element),
		logger:        logger,
		maxVisitors:   maxVisitors,
		name:          reflect.TypeOf(MemoryStore{}).Name(),
		order:         list.New(),
		sweepInterval: sweepInterval,
		timeNow:       time.Now,
		ttl:           ttl,
	}
}

func (s *MemoryStore) GetAndAdvance(ctx context.Context, key string, frameCount int) int {
	if frameCount < 1 {
		return 0
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	now := s.timeNow()

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*visitorEntry)

		// The animation may have been swapped for one with fewer frames
		// since this entry was written, so reduce before serving to keep the
		// index in range.
		current := entry.nextIndex % frameCount

		entry.nextIndex = (current + 1) % frameCount
		entry.lastAccess = now
		return current
	}

	s.entries[key] = s.order.PushBack(&visitorEntry{
		key:        key,
		lastAccess: now,
		nextIndex:  1 % frameCount,
	})
	s.evictLocked()

	return 0
}

// evictLocked trims the oldest-inserted entries until the store is back at or
// under its cap. Must be called with the mutex held.
func (s *MemoryStore) evictLocked() {
	var numEvicted int

	for len(s.entries) > s.maxVisitors {
		el := s.order.Front()
		entry := el.Value.(*visitorEntry)
		s.order.Remove(el)
		delete(s.entries, entry.key)
		numEvicted++
	}

	if numEvicted > 0 {
		s.logger.WithFields(logrus.Fields{
			"num_evicted": numEvicted,
		}).Infof(s.name+": Evicted %d visitor(s) over capacity %d", numEvicted, s.maxVisitors)
	}
}

func (s *MemoryStore) SweepLoop(shutdown <-chan struct{}) {
	if s.sweepLoopStarted {
		panic("SweepLoop already started -- should only be run once")
	}

	s.sweepLoopStarted = true

	for {
		_ = s.sweep()

		select {
		case <-shutdown:
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(s.sweepInterval):
		}
	}
}

// sweep removes every entry idle for longer than the TTL and returns how many
// were removed. The scan is bounded by the visitor cap, so holding the lock
// for its duration stays negligible next to request traffic.
func (s *MemoryStore) sweep() int {
	s.mut.Lock()
	defer s.mut.Unlock()

	now := s.timeNow()
	var numSwept int

	var next *list.Element
	for el := s.order.Front(); el != nil; el = next {
		next = el.Next()

		entry := el.Value.(*visitorEntry)
		if now.After(entry.lastAccess.Add(s.ttl)) {
			s.order.Remove(el)
			delete(s.entries, entry.key)
			numSwept++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"num_swept": numSwept,
	}).Infof(s.name+": Swept %d idle visitor(s)", numSwept)

	return numSwept
}
