package cache

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/catatsuy/kura/internal/model"
)

var (
	ErrObjectTooLarge = errors.New("object too large for cache")
	ErrNoSpace        = errors.New("out of memory storing object")
	ErrNonNumeric     = errors.New("cannot increment or decrement non-numeric value")
	ErrOverflow       = errors.New("increment or decrement overflow")
)

// Store is the concurrent key to item mapping served by the protocol layer.
// Every operation is linearizable per key.
type Store interface {
	Get(key string) (*model.Item, bool)
	Set(key string, flags uint32, value []byte, exptime int64) error
	Delete(key string) bool
	// Incr and Decr report ok=false when the key is absent or expired, and
	// also for a non-numeric value under NonNumericNotFound.
	Incr(key string, delta uint64) (value string, ok bool, err error)
	Decr(key string, delta uint64) (value string, ok bool, err error)

	Sweep() int
	Stats() Stats
	Dialect() Dialect
	// MaxItemSize is the largest value Set accepts for any valid key.
	MaxItemSize() int
}

type Stats struct {
	Items      int64
	TotalItems uint64
	Bytes      int64
	LimitBytes int64
	Evictions  uint64
	Reclaimed  uint64
}

const (
	EngineLRU       = "lru"
	EngineFreecache = "freecache"
)

type Options struct {
	Engine string
	Shards int

	MaxBytes      int64
	TargetBytes   int64
	EntryOverhead int64
	MaxEvictPerOp int

	// IncrSlidingTTLSeconds resets the expiry of an item on every successful
	// incr/decr. 0 keeps the existing expiry.
	IncrSlidingTTLSeconds int64

	// Dialect defaults to DialectMemcached when left zero.
	Dialect Dialect
}

func New(opts Options) (Store, error) {
	switch opts.Engine {
	case "", EngineLRU:
		return NewCache(opts), nil
	case EngineFreecache:
		return NewFreeCache(opts), nil
	}
	return nil, fmt.Errorf("unknown engine %q", opts.Engine)
}

var nowUnixNano = func() int64 { return time.Now().UnixNano() }

// relativeExptimeLimit is the largest exptime read as an offset in seconds;
// larger values are absolute Unix seconds.
const relativeExptimeLimit = 60 * 60 * 24 * 30

// maxExptime keeps exptime*time.Second inside int64. Later absolute times
// are clamped to it.
const maxExptime = math.MaxInt64 / int64(time.Second)

// maxKeyLength bounds the key when computing MaxItemSize.
const maxKeyLength = 250

// expiresAt converts a protocol exptime into absolute Unix nanoseconds.
// dead is true when the item would be expired on arrival.
func expiresAt(exptime, now int64) (at int64, dead bool) {
	switch {
	case exptime == 0:
		return 0, false
	case exptime < 0:
		return 0, true
	case exptime > maxExptime:
		at = maxExptime * int64(time.Second)
	case exptime > relativeExptimeLimit:
		at = exptime * int64(time.Second)
	default:
		at = now + exptime*int64(time.Second)
	}
	return at, at <= now
}

func slidingExpiry(ttlSeconds, current, now int64) int64 {
	if ttlSeconds <= 0 {
		return current
	}
	return now + ttlSeconds*int64(time.Second)
}
