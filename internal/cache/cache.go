package cache

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/catatsuy/kura/internal/model"
	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Cache is the sharded LRU engine. Each shard owns a byte budget, a map and
// an LRU list under its own mutex, so keys in different shards never contend.
type Cache struct {
	shards []*shard
	mask   uint64

	limitBytes            int64
	entryOverhead         int64
	maxEvictPerOp         int
	incrSlidingTTLSeconds int64
	dialect               Dialect

	nextCAS    atomic.Uint64
	totalItems atomic.Uint64
}

type shard struct {
	mu sync.Mutex

	maxBytes    int64
	targetBytes int64
	usedBytes   int64

	items map[string]*listElement[*model.Item]
	lru   *linkedList[*model.Item]

	evictions uint64
	reclaimed uint64
}

func NewCache(opts Options) *Cache {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024
	}
	targetBytes := opts.TargetBytes
	if targetBytes <= 0 || targetBytes > maxBytes {
		targetBytes = maxBytes * 95 / 100
	}
	entryOverhead := opts.EntryOverhead
	if entryOverhead < 0 {
		entryOverhead = 0
	}
	maxEvictPerOp := opts.MaxEvictPerOp
	if maxEvictPerOp <= 0 {
		maxEvictPerOp = 64
	}
	incrSlidingTTLSeconds := opts.IncrSlidingTTLSeconds
	if incrSlidingTTLSeconds < 0 {
		incrSlidingTTLSeconds = 0
	}
	n := shardCount(opts.Shards)

	c := &Cache{
		shards:                make([]*shard, n),
		mask:                  uint64(n - 1),
		limitBytes:            maxBytes,
		entryOverhead:         entryOverhead,
		maxEvictPerOp:         maxEvictPerOp,
		incrSlidingTTLSeconds: incrSlidingTTLSeconds,
		dialect:               opts.Dialect.orDefault(),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			maxBytes:    max(maxBytes/int64(n), 1),
			targetBytes: max(targetBytes/int64(n), 1),
			items:       make(map[string]*listElement[*model.Item]),
			lru:         newLinkedList[*model.Item](),
		}
	}
	return c
}

// shardCount rounds n up to a power of two.
func shardCount(n int) int {
	if n <= 0 {
		n = defaultShards
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *Cache) Dialect() Dialect {
	return c.dialect
}

// MaxItemSize is the largest value a single shard accepts next to a key of
// maxKeyLength bytes.
func (c *Cache) MaxItemSize() int {
	limit := c.shards[0].maxBytes
	for _, s := range c.shards[1:] {
		limit = min(limit, s.maxBytes)
	}
	return int(max(limit-c.entryOverhead-maxKeyLength, 0))
}

func (c *Cache) Get(key string) (*model.Item, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if elem.Value.Expired(nowUnixNano()) {
		s.reclaimLocked(elem)
		return nil, false
	}
	s.lru.MoveToFront(elem)

	return elem.Value.Clone(), true
}

func (c *Cache) Set(key string, flags uint32, value []byte, exptime int64) error {
	now := nowUnixNano()
	at, dead := expiresAt(exptime, now)

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if dead {
		if elem, ok := s.items[key]; ok {
			s.removeLocked(elem)
		}
		return nil
	}
	if err := c.setLocked(s, key, flags, value, at, now); err != nil {
		return err
	}
	c.totalItems.Add(1)
	return nil
}

func (c *Cache) Delete(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	if elem.Value.Expired(nowUnixNano()) {
		s.reclaimLocked(elem)
		return false
	}
	s.removeLocked(elem)
	return true
}

func (c *Cache) Incr(key string, delta uint64) (string, bool, error) {
	return c.addDelta(key, delta, true)
}

func (c *Cache) Decr(key string, delta uint64) (string, bool, error) {
	return c.addDelta(key, delta, false)
}

func (c *Cache) addDelta(key string, delta uint64, incr bool) (string, bool, error) {
	now := nowUnixNano()

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return "", false, nil
	}
	item := elem.Value
	if item.Expired(now) {
		s.reclaimLocked(elem)
		return "", false, nil
	}

	next, err := c.dialect.applyDelta(item.Value, delta, incr)
	if err != nil {
		if errors.Is(err, ErrNonNumeric) && c.dialect.NonNumeric == NonNumericNotFound {
			return "", false, nil
		}
		return "", false, err
	}

	exp := slidingExpiry(c.incrSlidingTTLSeconds, item.ExpiresAt, now)
	if err := c.setLocked(s, key, item.Flags, next, exp, now); err != nil {
		return "", false, err
	}
	return string(next), true, nil
}

// Sweep removes every expired item and returns how many were reclaimed.
func (c *Cache) Sweep() int {
	n := 0
	for _, s := range c.shards {
		now := nowUnixNano()
		s.mu.Lock()
		for elem := s.lru.Back(); elem != nil; {
			prev := elem.Prev()
			if elem.Value.Expired(now) {
				s.reclaimLocked(elem)
				n++
			}
			elem = prev
		}
		s.mu.Unlock()
	}
	return n
}

func (c *Cache) Stats() Stats {
	st := Stats{
		TotalItems: c.totalItems.Load(),
		LimitBytes: c.limitBytes,
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Items += int64(len(s.items))
		st.Bytes += s.usedBytes
		st.Evictions += s.evictions
		st.Reclaimed += s.reclaimed
		s.mu.Unlock()
	}
	return st
}

func (c *Cache) setLocked(s *shard, key string, flags uint32, value []byte, expiresAt, now int64) error {
	need := c.entrySize(key, value)
	if need > s.maxBytes {
		return ErrObjectTooLarge
	}

	if elem, ok := s.items[key]; ok {
		item := elem.Value
		if item.Expired(now) {
			s.reclaimLocked(elem)
		} else {
			delta := need - item.Size
			if delta > 0 {
				c.evictLocked(s, delta, key, now)
			}
			if s.usedBytes+delta > s.maxBytes {
				return ErrNoSpace
			}

			item.Value = cloneBytes(value)
			item.Flags = flags
			item.Size = need
			item.CAS = c.nextCAS.Add(1)
			item.ExpiresAt = expiresAt
			s.usedBytes += delta
			s.lru.MoveToFront(elem)
			c.evictBestEffortLocked(s, key, now)
			return nil
		}
	}

	c.evictLocked(s, need, "", now)
	if s.usedBytes+need > s.maxBytes {
		return ErrNoSpace
	}

	item := &model.Item{
		Key:       key,
		Value:     cloneBytes(value),
		Flags:     flags,
		Size:      need,
		CAS:       c.nextCAS.Add(1),
		ExpiresAt: expiresAt,
	}
	s.items[key] = s.lru.PushFront(item)
	s.usedBytes += need
	c.evictBestEffortLocked(s, key, now)
	return nil
}

// evictLocked makes room for incomingDelta bytes, first under the hard limit
// and then under the target, never evicting protectKey.
func (c *Cache) evictLocked(s *shard, incomingDelta int64, protectKey string, now int64) {
	evicted := 0
	for s.usedBytes+incomingDelta > s.maxBytes && evicted < c.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}

	for s.usedBytes+incomingDelta > s.targetBytes && evicted < c.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}
}

func (c *Cache) evictBestEffortLocked(s *shard, protectKey string, now int64) {
	evicted := 0
	for s.usedBytes > s.targetBytes && evicted < c.maxEvictPerOp {
		if !s.evictOneLocked(protectKey, now) {
			return
		}
		evicted++
	}
}

func (s *shard) evictOneLocked(protectKey string, now int64) bool {
	victim, expired := s.selectVictimLocked(protectKey, now)
	if victim == nil {
		return false
	}
	if expired {
		s.reclaimLocked(victim)
	} else {
		s.removeLocked(victim)
		s.evictions++
	}
	return true
}

// selectVictimLocked prefers the least recently used expired item and falls
// back to the least recently used live one.
func (s *shard) selectVictimLocked(protectKey string, now int64) (*listElement[*model.Item], bool) {
	var fallback *listElement[*model.Item]
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.Key == protectKey {
			continue
		}
		if elem.Value.Expired(now) {
			return elem, true
		}
		if fallback == nil {
			fallback = elem
		}
	}
	return fallback, false
}

func (s *shard) removeLocked(elem *listElement[*model.Item]) {
	delete(s.items, elem.Value.Key)
	s.lru.Remove(elem)
	s.usedBytes -= elem.Value.Size
	if s.usedBytes < 0 {
		s.usedBytes = 0
	}
}

func (s *shard) reclaimLocked(elem *listElement[*model.Item]) {
	s.removeLocked(elem)
	s.reclaimed++
}

func (c *Cache) entrySize(key string, value []byte) int64 {
	return int64(len(key)+len(value)) + c.entryOverhead
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
