package cache

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catatsuy/kura/internal/model"
	"github.com/cespare/xxhash/v2"
	"github.com/coocood/freecache"
)

const (
	stripeCount = 256

	// header layout: flags(4) expiresAt(8) cas(8)
	headerSize = 20

	// freecache sizing: 256 segments, each refusing entries above a quarter
	// of its ring buffer less a 24 byte entry header.
	freecacheMinBytes    = 512 * 1024
	freecacheSegments    = 256
	freecacheEntryHeader = 24
)

// FreeCache keeps items in a preallocated freecache ring buffer. freecache
// handles memory bounds and eviction; the stripe locks make read-modify-write
// sequences atomic per key.
type FreeCache struct {
	fc    *freecache.Cache
	locks [stripeCount]sync.Mutex

	limitBytes            int64
	maxItemSize           int
	incrSlidingTTLSeconds int64
	dialect               Dialect

	nextCAS    atomic.Uint64
	totalItems atomic.Uint64
	reclaimed  atomic.Uint64
}

// storeClock feeds freecache the same clock as the rest of the package.
type storeClock struct{}

func (storeClock) Now() uint32 {
	return uint32(nowUnixNano() / int64(time.Second))
}

func NewFreeCache(opts Options) *FreeCache {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024
	}
	segment := max(maxBytes, freecacheMinBytes) / freecacheSegments
	return &FreeCache{
		fc:                    freecache.NewCacheCustomTimer(int(maxBytes), storeClock{}),
		limitBytes:            maxBytes,
		maxItemSize:           int(max(segment/4-freecacheEntryHeader-headerSize-maxKeyLength, 0)),
		incrSlidingTTLSeconds: max(opts.IncrSlidingTTLSeconds, 0),
		dialect:               opts.Dialect.orDefault(),
	}
}

func (c *FreeCache) lockFor(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%stripeCount]
}

func (c *FreeCache) Dialect() Dialect {
	return c.dialect
}

func (c *FreeCache) MaxItemSize() int {
	return c.maxItemSize
}

func (c *FreeCache) Get(key string) (*model.Item, bool) {
	raw, err := c.fc.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	item := decodeItem(key, raw)
	if item.Expired(nowUnixNano()) {
		c.reclaim(key)
		return nil, false
	}
	return item, true
}

func (c *FreeCache) Set(key string, flags uint32, value []byte, exptime int64) error {
	now := nowUnixNano()
	at, dead := expiresAt(exptime, now)

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if dead {
		c.fc.Del([]byte(key))
		return nil
	}
	if err := c.storeLocked(key, flags, value, at, now); err != nil {
		return err
	}
	c.totalItems.Add(1)
	return nil
}

func (c *FreeCache) Delete(key string) bool {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	raw, err := c.fc.Peek([]byte(key))
	if err != nil {
		return false
	}
	expired := decodeItem(key, raw).Expired(nowUnixNano())
	c.fc.Del([]byte(key))
	if expired {
		c.reclaimed.Add(1)
		return false
	}
	return true
}

func (c *FreeCache) Incr(key string, delta uint64) (string, bool, error) {
	return c.addDelta(key, delta, true)
}

func (c *FreeCache) Decr(key string, delta uint64) (string, bool, error) {
	return c.addDelta(key, delta, false)
}

func (c *FreeCache) addDelta(key string, delta uint64, incr bool) (string, bool, error) {
	now := nowUnixNano()

	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	raw, err := c.fc.Peek([]byte(key))
	if err != nil {
		return "", false, nil
	}
	item := decodeItem(key, raw)
	if item.Expired(now) {
		c.fc.Del([]byte(key))
		c.reclaimed.Add(1)
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
	if err := c.storeLocked(key, item.Flags, next, exp, now); err != nil {
		return "", false, err
	}
	return string(next), true, nil
}

// Sweep deletes every item whose header deadline has passed. freecache keeps
// each entry one second past that deadline, so the iterator still yields it.
func (c *FreeCache) Sweep() int {
	now := nowUnixNano()

	// The iterator holds one segment lock at a time; deleting while it runs
	// would shift the slot it is walking.
	var expired []string
	it := c.fc.NewIterator()
	for e := it.Next(); e != nil; e = it.Next() {
		if len(e.Value) < headerSize {
			continue
		}
		key := string(e.Key)
		if decodeItem(key, e.Value).Expired(now) {
			expired = append(expired, key)
		}
	}

	n := 0
	for _, key := range expired {
		if c.reclaim(key) {
			n++
		}
	}
	return n
}

func (c *FreeCache) Stats() Stats {
	// freecache does not expose resident bytes, and Items includes expired
	// entries that have not been recycled yet.
	return Stats{
		Items:      c.fc.EntryCount(),
		TotalItems: c.totalItems.Load(),
		LimitBytes: c.limitBytes,
		Evictions:  uint64(c.fc.EvacuateCount()),
		Reclaimed:  c.reclaimed.Load() + uint64(c.fc.ExpiredCount()),
	}
}

// reclaim deletes key if it is still expired once the stripe lock is held.
func (c *FreeCache) reclaim(key string) bool {
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	raw, err := c.fc.Peek([]byte(key))
	if err != nil {
		return false
	}
	if !decodeItem(key, raw).Expired(nowUnixNano()) {
		return false
	}
	c.fc.Del([]byte(key))
	c.reclaimed.Add(1)
	return true
}

func (c *FreeCache) storeLocked(key string, flags uint32, value []byte, expiresAt, now int64) error {
	raw := encodeItem(flags, expiresAt, c.nextCAS.Add(1), value)
	err := c.fc.Set([]byte(key), raw, ttlSeconds(expiresAt, now))
	if errors.Is(err, freecache.ErrLargeEntry) || errors.Is(err, freecache.ErrLargeKey) {
		return ErrObjectTooLarge
	}
	return err
}

// ttlSeconds rounds the remaining lifetime up and adds one second, so
// freecache never drops an item before Sweep has seen it expire. It returns 0
// (no freecache expiry) when the deadline is past what freecache's uint32
// clock can hold; the header deadline still applies.
func ttlSeconds(expiresAt, now int64) int {
	if expiresAt == 0 {
		return 0
	}
	// freecache counts from the start of the current second.
	base := now - now%int64(time.Second)
	remaining := expiresAt - base
	secs := remaining / int64(time.Second)
	if remaining%int64(time.Second) != 0 {
		secs++
	}
	secs = max(secs+1, 1)
	if secs > math.MaxUint32-base/int64(time.Second) {
		return 0
	}
	return int(secs)
}

func encodeItem(flags uint32, expiresAt int64, cas uint64, value []byte) []byte {
	raw := make([]byte, headerSize+len(value))
	binary.BigEndian.PutUint32(raw[0:4], flags)
	binary.BigEndian.PutUint64(raw[4:12], uint64(expiresAt))
	binary.BigEndian.PutUint64(raw[12:20], cas)
	copy(raw[headerSize:], value)
	return raw
}

func decodeItem(key string, raw []byte) *model.Item {
	value := raw[headerSize:]
	return &model.Item{
		Key:       key,
		Value:     value,
		Flags:     binary.BigEndian.Uint32(raw[0:4]),
		Size:      int64(len(key) + len(raw)),
		CAS:       binary.BigEndian.Uint64(raw[12:20]),
		ExpiresAt: int64(binary.BigEndian.Uint64(raw[4:12])),
	}
}
