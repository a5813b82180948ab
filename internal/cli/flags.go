package cli

import (
	"flag"
	"fmt"
	"time"

	"github.com/catatsuy/kura/internal/cache"
)

type options struct {
	listenAddr            string
	engine                string
	shards                int
	maxBytes              int64
	targetBytes           int64
	maxEvictPerOp         int
	incrSlidingTTLSeconds int64

	dialect    string
	counter    string
	nonNumeric string

	maxConns     int
	maxItemSize  int
	readTimeout  time.Duration
	writeTimeout time.Duration
	sweepEvery   time.Duration

	verbose     bool
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	opt := options{}
	fs := flag.NewFlagSet("kura", flag.ContinueOnError)
	fs.StringVar(&opt.listenAddr, "listen", "127.0.0.1:11211", "TCP address to listen on")
	fs.StringVar(&opt.engine, "engine", cache.EngineLRU, "store engine: lru or freecache")
	fs.IntVar(&opt.shards, "shards", 64, "lru engine shard count, rounded up to a power of two")
	fs.Int64Var(&opt.maxBytes, "max-bytes", 256*1024*1024, "max logical bytes")
	fs.Int64Var(&opt.targetBytes, "target-bytes", 0, "eviction target bytes")
	fs.IntVar(&opt.maxEvictPerOp, "evict-max", 64, "max evictions per operation")
	fs.Int64Var(&opt.incrSlidingTTLSeconds, "incr-sliding-ttl-seconds", 0, "sliding TTL in seconds for successful incr/decr; 0 disables")
	fs.StringVar(&opt.dialect, "dialect", "memcached", "protocol dialect: memcached or go")
	fs.StringVar(&opt.counter, "counter", "", "override the dialect counter mode: unsigned or signed")
	fs.StringVar(&opt.nonNumeric, "non-numeric", "", "override the dialect non-numeric policy: error or not-found")
	fs.IntVar(&opt.maxConns, "max-conns", 1024, "max concurrent client connections; 0 is unlimited")
	fs.IntVar(&opt.maxItemSize, "max-item-size", 1<<20, "max value size in bytes")
	fs.DurationVar(&opt.readTimeout, "read-timeout", 0, "idle read timeout per connection; 0 disables")
	fs.DurationVar(&opt.writeTimeout, "write-timeout", 10*time.Second, "write timeout per reply; 0 disables")
	fs.DurationVar(&opt.sweepEvery, "sweep-interval", time.Minute, "expired item sweep interval; 0 disables")
	fs.BoolVar(&opt.verbose, "verbose", false, "verbose logging")
	fs.BoolVar(&opt.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if opt.targetBytes <= 0 {
		opt.targetBytes = opt.maxBytes * 95 / 100
	}
	if opt.maxConns < 0 {
		return options{}, fmt.Errorf("-max-conns must not be negative")
	}

	return opt, nil
}

// resolveDialect resolves -dialect and applies the -counter and -non-numeric
// overrides on top of the preset.
func (o options) resolveDialect() (cache.Dialect, error) {
	d, err := cache.ParseDialect(o.dialect)
	if err != nil {
		return cache.Dialect{}, err
	}
	if o.counter != "" {
		if d.Counter, err = cache.ParseCounterMode(o.counter); err != nil {
			return cache.Dialect{}, err
		}
	}
	if o.nonNumeric != "" {
		if d.NonNumeric, err = cache.ParseNonNumericPolicy(o.nonNumeric); err != nil {
			return cache.Dialect{}, err
		}
	}
	return d, nil
}

func (o options) cacheOptions(d cache.Dialect) cache.Options {
	return cache.Options{
		Engine:                o.engine,
		Shards:                o.shards,
		MaxBytes:              o.maxBytes,
		TargetBytes:           o.targetBytes,
		MaxEvictPerOp:         o.maxEvictPerOp,
		IncrSlidingTTLSeconds: o.incrSlidingTTLSeconds,
		Dialect:               d,
	}
}
