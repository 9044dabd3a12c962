package cache

import (
	"container/list"
	"time"
)

// responseCache is a small FIFO cache with TTL for assembled scan
// responses, keyed by the hash of the normalized query parameters.
// Entries fall out in insertion order once the cache is full, and any
// cache-affecting insert purges the whole thing: correctness over
// retention.
type responseCache struct {
	ttl     time.Duration
	maxSize int
	entries map[uint64]*list.Element
	order   *list.List
}

type respEntry struct {
	key     uint64
	result  *ScanResult
	expires time.Time
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

func (rc *responseCache) get(key uint64) (*ScanResult, bool) {
	el, ok := rc.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*respEntry)
	if time.Now().After(entry.expires) {
		rc.order.Remove(el)
		delete(rc.entries, key)
		return nil, false
	}
	return entry.result, true
}

func (rc *responseCache) put(key uint64, result *ScanResult) {
	if el, ok := rc.entries[key]; ok {
		el.Value.(*respEntry).result = result
		el.Value.(*respEntry).expires = time.Now().Add(rc.ttl)
		return
	}
	for len(rc.entries) >= rc.maxSize {
		oldest := rc.order.Front()
		if oldest == nil {
			break
		}
		rc.order.Remove(oldest)
		delete(rc.entries, oldest.Value.(*respEntry).key)
	}
	el := rc.order.PushBack(&respEntry{key: key, result: result, expires: time.Now().Add(rc.ttl)})
	rc.entries[key] = el
}

func (rc *responseCache) purge() {
	rc.entries = make(map[uint64]*list.Element)
	rc.order.Init()
}
