package ratelimit

import (
	"container/list"
	"sync"
)

// DefaultMaxKeys bounds the number of buckets a Keyed limiter retains.
const DefaultMaxKeys = 4096

// Keyed keeps one TokenBucket per key (a sender id or client address). The
// least recently used bucket is evicted when MaxKeys is reached, so a key
// spray cannot grow memory without bound; an evicted key starts over with a
// full bucket.
type Keyed struct {
	clk       Clock
	capacity  int64
	perSecond int64
	maxKeys   int

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewKeyed returns a limiter allowing perSecond events per key with a burst of
// perSecond. perSecond <= 0 disables limiting.
func NewKeyed(clk Clock, perSecond int, maxKeys int) *Keyed {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Keyed{
		clk:       clk,
		capacity:  int64(perSecond),
		perSecond: int64(perSecond),
		maxKeys:   maxKeys,
		buckets:   make(map[string]*keyedEntry),
		lru:       list.New(),
	}
}

func (k *Keyed) Allow(key string) bool {
	if k == nil || k.perSecond <= 0 {
		return true
	}
	return k.bucket(key).Allow(1)
}

// Len returns the number of retained buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *Keyed) bucket(key string) *TokenBucket {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(e.elem)
		return e.bucket
	}

	if len(k.buckets) >= k.maxKeys {
		if oldest := k.lru.Back(); oldest != nil {
			k.lru.Remove(oldest)
			delete(k.buckets, oldest.Value.(string))
		}
	}

	b := NewTokenBucket(k.clk, k.capacity, k.perSecond)
	k.buckets[key] = &keyedEntry{bucket: b, elem: k.lru.PushFront(key)}
	return b
}
