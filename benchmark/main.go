package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/catatsuy/kura/internal/cache"
	"github.com/catatsuy/kura/internal/server"
)

const defaultAddr = "127.0.0.1:11211"

type loadConfig struct {
	Writers      int
	KeysPerConn  int
	PollInterval time.Duration
}

func main() {
	var (
		mode    string
		addr    string
		dialect string
		cfg     loadConfig
	)
	flag.StringVar(&mode, "mode", "demo", "demo or load")
	flag.StringVar(&addr, "addr", defaultAddr, "address for the embedded server")
	flag.StringVar(&dialect, "dialect", "memcached", "server dialect: memcached or go")
	flag.IntVar(&cfg.Writers, "writers", 32, "concurrent writer connections in load mode")
	flag.IntVar(&cfg.KeysPerConn, "keys", 200, "keys written per writer in load mode")
	flag.DurationVar(&cfg.PollInterval, "poll", 5*time.Millisecond, "stats poll interval in load mode")
	flag.Parse()

	d, err := cache.ParseDialect(dialect)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	switch mode {
	case "demo":
		err = runDemo(os.Stdout, addr, d)
	case "load":
		_, err = runLoad(os.Stdout, addr, d, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startServer runs an embedded server and returns its bound address and a
// stop function that waits for shutdown.
func startServer(addr string, d cache.Dialect) (string, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := server.NewServer(server.Config{
		ListenAddr: addr,
		Cache:      cache.Options{MaxBytes: 64 << 20, Dialect: d},
	})
	if err != nil {
		cancel()
		return "", nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		if err != nil {
			return "", nil, fmt.Errorf("server failed before ready: %w", err)
		}
		return "", nil, fmt.Errorf("server exited before ready")
	case <-time.After(3 * time.Second):
		cancel()
		return "", nil, fmt.Errorf("server did not become ready")
	}

	bound := srv.Addr()
	if bound == "" {
		cancel()
		return "", nil, fmt.Errorf("server address is empty")
	}

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server stop error: %w", err)
			}
			return nil
		case <-time.After(3 * time.Second):
			return fmt.Errorf("server shutdown timeout")
		}
	}
	return bound, stop, nil
}

func runDemo(w io.Writer, addr string, d cache.Dialect) (err error) {
	addr, stop, err := startServer(addr, d)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := stop(); err == nil {
			err = stopErr
		}
	}()

	mc := memcache.New(addr)
	defer mc.Close()

	if err := mc.Ping(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	if err := mc.Set(&memcache.Item{Key: "hello", Value: []byte("world")}); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	item, err := mc.Get("hello")
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	fmt.Fprintf(w, "get hello => %s\n", string(item.Value))

	if _, err := mc.Increment("counter", 1); !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("incr missing: want cache miss, got %v", err)
	}
	fmt.Fprintln(w, "incr counter 1 (missing key) => NOT_FOUND")

	if err := mc.Set(&memcache.Item{Key: "counter", Value: []byte("1")}); err != nil {
		return fmt.Errorf("set counter failed: %w", err)
	}
	v, err := mc.Increment("counter", 2)
	if err != nil {
		return fmt.Errorf("incr existing failed: %w", err)
	}
	fmt.Fprintf(w, "incr counter 2 => %d\n", v)

	v, err = mc.Decrement("counter", 10)
	if err != nil {
		// The signed dialect goes negative, which gomemcache cannot parse as uint64.
		fmt.Fprintf(w, "decr counter 10 => %v\n", err)
	} else {
		fmt.Fprintf(w, "decr counter 10 => %d\n", v)
	}

	fmt.Fprintf(w, "gomemcache client works with the %s dialect\n", d.Name)
	return nil
}

type loadResult struct {
	Stored       int
	Verified     int
	MaxCurrConns int64
	Polls        int
}

// runLoad opens cfg.Writers connections that each store and read back a
// disjoint key range while one more connection polls stats.
func runLoad(w io.Writer, addr string, d cache.Dialect, cfg loadConfig) (res loadResult, err error) {
	addr, stop, err := startServer(addr, d)
	if err != nil {
		return res, err
	}
	defer func() {
		if stopErr := stop(); err == nil {
			err = stopErr
		}
	}()

	poller, err := net.Dial("tcp", addr)
	if err != nil {
		return res, err
	}
	defer poller.Close()
	pr := bufio.NewReader(poller)

	pollCtx, stopPoll := context.WithCancel(context.Background())
	pollDone := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			st, err := pollStats(poller, pr)
			if err != nil {
				pollDone <- err
				return
			}
			n, _ := strconv.ParseInt(st["curr_connections"], 10, 64)
			if n > res.MaxCurrConns {
				res.MaxCurrConns = n
			}
			res.Polls++
			select {
			case <-pollCtx.Done():
				pollDone <- nil
				return
			case <-ticker.C:
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		stored   int
		verified int
	)
	for i := 0; i < cfg.Writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s, v, err := writeAndVerify(addr, id, cfg.KeysPerConn)
			mu.Lock()
			defer mu.Unlock()
			stored += s
			verified += v
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(i)
	}
	wg.Wait()
	stopPoll()
	pollErr := <-pollDone

	res.Stored = stored
	res.Verified = verified
	if firstErr != nil {
		return res, firstErr
	}
	if pollErr != nil {
		return res, fmt.Errorf("stats poller: %w", pollErr)
	}
	fmt.Fprintf(w, "writers=%d stored=%d verified=%d polls=%d max_curr_connections=%d\n",
		cfg.Writers, res.Stored, res.Verified, res.Polls, res.MaxCurrConns)
	return res, nil
}

func writeAndVerify(addr string, id, keys int) (stored, verified int, err error) {
	mc := memcache.New(addr)
	mc.MaxIdleConns = 1
	defer mc.Close()

	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("w%d:k%d", id, k)
		if err := mc.Set(&memcache.Item{Key: key, Value: []byte(key), Flags: uint32(id)}); err != nil {
			return stored, verified, fmt.Errorf("set %s: %w", key, err)
		}
		stored++
	}
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("w%d:k%d", id, k)
		it, err := mc.Get(key)
		if err != nil {
			return stored, verified, fmt.Errorf("get %s: %w", key, err)
		}
		if string(it.Value) != key || it.Flags != uint32(id) {
			return stored, verified, fmt.Errorf("get %s: got value=%q flags=%d", key, it.Value, it.Flags)
		}
		verified++
	}
	return stored, verified, nil
}

func pollStats(conn net.Conn, r *bufio.Reader) (map[string]string, error) {
	if _, err := io.WriteString(conn, "stats\r\n"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "END" {
			return out, nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 || fields[0] != "STAT" {
			return nil, fmt.Errorf("unexpected stats line %q", line)
		}
		out[fields[1]] = fields[2]
	}
}
