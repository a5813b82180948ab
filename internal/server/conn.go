package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catatsuy/kura/internal/cache"
)

// ErrNotConnected is returned by a session that has already been closed.
var ErrNotConnected = errors.New("not connected")

var errQuit = errors.New("quit")

type connState int32

const (
	stateAwaitingCommand connState = iota
	stateDispatching
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingCommand:
		return "awaiting-command"
	case stateDispatching:
		return "dispatching"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("connState(%d)", int32(s))
}

// session is one accepted connection. Commands are read and answered
// strictly in arrival order by the goroutine running serve.
type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

func (c *session) State() connState {
	return connState(c.state.Load())
}

// close shuts the socket and releases the connection slot exactly once, no
// matter whether quit, an I/O fault or server shutdown got here first.
func (c *session) close() error {
	err := ErrNotConnected
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		err = c.conn.Close()
		c.srv.releaseSession(c)
	})
	return err
}

func (c *session) serve() {
	defer c.close()

	for {
		err := c.serveOne()
		if err == nil {
			continue
		}
		if !isQuietClose(err) {
			c.srv.logf("connection %s: %v", c.conn.RemoteAddr(), err)
		}
		return
	}
}

// serveOne runs one awaiting-command → dispatching → awaiting-command cycle.
// Any returned error ends the session.
func (c *session) serveOne() error {
	if c.State() == stateClosed {
		return ErrNotConnected
	}
	if err := c.extendReadDeadline(); err != nil {
		return err
	}

	line, err := readCommandLine(c.r)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return c.replyParseError(err)
		}
		return err
	}
	if line == eot {
		return errQuit
	}

	req, err := parseLine(line)
	if err != nil {
		return c.replyParseError(err)
	}
	if req.isQuit {
		return errQuit
	}

	if !c.state.CompareAndSwap(int32(stateAwaitingCommand), int32(stateDispatching)) {
		return ErrNotConnected
	}
	if err := c.dispatch(req); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(stateDispatching), int32(stateAwaitingCommand)) {
		return ErrNotConnected
	}
	return nil
}

func (c *session) dispatch(req request) error {
	switch req.cmd {
	case "get":
		return c.handleGet(req, false)
	case "gets":
		return c.handleGet(req, true)
	case "set":
		return c.handleSet(req)
	case "delete":
		return c.handleDelete(req)
	case "incr":
		return c.handleIncrDecr(req, true)
	case "decr":
		return c.handleIncrDecr(req, false)
	case "stats":
		return c.handleStats()
	case "version":
		return writeLine(c.w, "VERSION "+c.srv.versionString())
	case "verbosity":
		c.srv.verbose.Store(req.level > 0)
		return c.reply(req, "OK")
	}
	return writeLine(c.w, "ERROR")
}

func (c *session) replyParseError(err error) error {
	var perr *protocolError
	if !errors.As(err, &perr) {
		if errors.Is(err, errUnknownCommand) {
			if err := writeLine(c.w, "ERROR"); err != nil {
				return err
			}
			return c.flush()
		}
		return err
	}

	if perr.swallow >= 0 {
		if err := c.discardData(perr.swallow); err != nil {
			return err
		}
	}
	if err := writeClientError(c.w, perr.msg); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	if perr.fatal {
		return perr
	}
	return nil
}

func (c *session) reply(req request, line string) error {
	if req.noreply {
		return nil
	}
	return writeLine(c.w, line)
}

func (c *session) handleGet(req request, withCAS bool) error {
	for _, key := range req.keys {
		item, ok := c.srv.store.Get(key)
		c.srv.stats.RecordGet(ok)
		if !ok {
			continue
		}
		if err := writeValue(c.w, item, withCAS); err != nil {
			return err
		}
	}
	return writeLine(c.w, "END")
}

func (c *session) handleSet(req request) error {
	if req.bytes > c.srv.maxItemSize() {
		if err := c.discardData(req.bytes); err != nil {
			return err
		}
		if req.noreply {
			return nil
		}
		return writeServerError(c.w, cache.ErrObjectTooLarge.Error())
	}

	value := make([]byte, req.bytes)
	if _, err := io.ReadFull(c.r, value); err != nil {
		return err
	}
	if err := consumeChunkTerminator(c.r); err != nil {
		if errors.Is(err, errBadChunk) {
			return writeClientError(c.w, "bad data chunk")
		}
		return err
	}

	c.srv.stats.RecordSet()
	if err := c.srv.store.Set(req.key, req.flags, value, req.exptime); err != nil {
		if req.noreply {
			return nil
		}
		return c.writeStoreError(err)
	}
	return c.reply(req, "STORED")
}

func (c *session) handleDelete(req request) error {
	ok := c.srv.store.Delete(req.key)
	c.srv.stats.RecordDelete(ok)
	if ok {
		return c.reply(req, "DELETED")
	}
	return c.reply(req, "NOT_FOUND")
}

func (c *session) handleIncrDecr(req request, incr bool) error {
	var (
		value string
		ok    bool
		err   error
	)
	if incr {
		value, ok, err = c.srv.store.Incr(req.key, req.delta)
		c.srv.stats.RecordIncr(ok)
	} else {
		value, ok, err = c.srv.store.Decr(req.key, req.delta)
		c.srv.stats.RecordDecr(ok)
	}

	if req.noreply {
		return nil
	}
	if err != nil {
		return c.writeStoreError(err)
	}
	if !ok {
		return writeLine(c.w, "NOT_FOUND")
	}
	return writeLine(c.w, value)
}

func (c *session) writeStoreError(err error) error {
	switch {
	case errors.Is(err, cache.ErrNonNumeric), errors.Is(err, cache.ErrOverflow):
		return writeClientError(c.w, err.Error())
	case errors.Is(err, cache.ErrObjectTooLarge), errors.Is(err, cache.ErrNoSpace):
		return writeServerError(c.w, err.Error())
	}
	c.srv.logf("store error: %v", err)
	return writeServerError(c.w, "internal error")
}

func (c *session) handleStats() error {
	now := time.Now()
	snap := c.srv.stats.Snapshot(now)
	st := c.srv.store.Stats()

	lines := []struct {
		name  string
		value any
	}{
		{"pid", os.Getpid()},
		{"uptime", int64(snap.Uptime.Seconds())},
		{"time", now.Unix()},
		{"version", c.srv.versionString()},
		{"dialect", c.srv.store.Dialect().Name},
		{"curr_connections", snap.CurrConnections},
		{"total_connections", snap.TotalConnections},
		{"rejected_connections", snap.RejectedConnections},
		{"cmd_get", snap.CmdGet},
		{"cmd_set", snap.CmdSet},
		{"get_hits", snap.GetHits},
		{"get_misses", snap.GetMisses},
		{"delete_hits", snap.DeleteHits},
		{"delete_misses", snap.DeleteMisses},
		{"incr_hits", snap.IncrHits},
		{"incr_misses", snap.IncrMisses},
		{"decr_hits", snap.DecrHits},
		{"decr_misses", snap.DecrMisses},
		{"curr_items", st.Items},
		{"total_items", st.TotalItems},
		{"bytes", st.Bytes},
		{"limit_maxbytes", st.LimitBytes},
		{"evictions", st.Evictions},
		{"reclaimed", st.Reclaimed},
	}
	for _, l := range lines {
		if err := writeStat(c.w, l.name, l.value); err != nil {
			return err
		}
	}
	return writeLine(c.w, "END")
}

// discardData skips a data block of n bytes and its terminator.
func (c *session) discardData(n int) error {
	if _, err := io.CopyN(io.Discard, c.r, int64(n)); err != nil {
		return err
	}
	if err := consumeChunkTerminator(c.r); err != nil && !errors.Is(err, errBadChunk) {
		return err
	}
	return nil
}

func (c *session) flush() error {
	if d := c.srv.cfg.WriteTimeout; d > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *session) extendReadDeadline() error {
	d := c.srv.cfg.ReadTimeout
	if d <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func isQuietClose(err error) bool {
	return errors.Is(err, errQuit) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrNotConnected)
}
