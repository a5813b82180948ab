package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/catatsuy/kura/internal/model"
)

const (
	maxKeyLength  = 250
	maxLineLength = 2048

	// eot is Ctrl-D sent alone on a line by interactive clients.
	eot = "\x04"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errLineTooLong    = &protocolError{msg: "line too long", fatal: true, swallow: -1}
	errBadChunk       = errors.New("invalid chunk terminator")
)

type request struct {
	cmd string

	keys    []string
	key     string
	flags   uint32
	exptime int64
	bytes   int
	delta   uint64
	level   int
	noreply bool
	isQuit  bool
}

// protocolError is a malformed command reported as CLIENT_ERROR. fatal means
// the stream framing is lost and the connection must be closed. swallow is
// the size of a set data block the handler still has to discard, or -1.
type protocolError struct {
	msg     string
	fatal   bool
	swallow int
}

func (e *protocolError) Error() string {
	return e.msg
}

func badLine(msg string) error {
	return &protocolError{msg: msg, swallow: -1}
}

func parseLine(line string) (request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return request{}, errUnknownCommand
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	switch cmd {
	case "get", "gets":
		return parseGetArgs(cmd, args)
	case "set":
		return parseSetArgs(args)
	case "delete":
		return parseDeleteArgs(args)
	case "incr", "decr":
		return parseDeltaArgs(cmd, args)
	case "verbosity":
		return parseVerbosityArgs(args)
	case "stats", "version":
		if len(args) != 0 {
			return request{}, badLine(cmd + " takes no arguments")
		}
		return request{cmd: cmd}, nil
	case "quit":
		return request{cmd: cmd, isQuit: true}, nil
	}
	return request{}, errUnknownCommand
}

func parseGetArgs(cmd string, args []string) (request, error) {
	if len(args) == 0 {
		return request{}, badLine(cmd + " requires at least one key")
	}
	for _, key := range args {
		if !validKey(key) {
			return request{}, badLine("bad command line format")
		}
	}
	return request{cmd: cmd, keys: args}, nil
}

// parseSetArgs reads the byte count first: once it is known, a bad header
// only costs the data block, otherwise the stream cannot be resynchronized.
func parseSetArgs(args []string) (request, error) {
	if len(args) != 4 && len(args) != 5 {
		return request{}, &protocolError{msg: "bad command line format", fatal: true, swallow: -1}
	}
	n, err := strconv.ParseInt(args[3], 10, 32)
	if err != nil || n < 0 {
		return request{}, &protocolError{msg: "bad data chunk", fatal: true, swallow: -1}
	}
	req := request{cmd: "set", bytes: int(n)}
	bad := func(msg string) (request, error) {
		return req, &protocolError{msg: msg, swallow: req.bytes}
	}

	if !validKey(args[0]) {
		return bad("bad command line format")
	}
	req.key = args[0]

	flags, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return bad("invalid flags")
	}
	req.flags = uint32(flags)

	req.exptime, err = strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return bad("invalid exptime argument")
	}

	if req.noreply, err = parseNoreply(args, 4); err != nil {
		return bad(err.Error())
	}
	return req, nil
}

func parseDeleteArgs(args []string) (request, error) {
	if len(args) == 0 || len(args) > 3 {
		return request{}, badLine("usage: delete <key> [noreply]")
	}
	if !validKey(args[0]) {
		return request{}, badLine("bad command line format")
	}
	req := request{cmd: "delete", key: args[0]}

	rest := args[1:]
	// Old clients send a hold time, only 0 is meaningful.
	if len(rest) > 0 && rest[0] != "noreply" {
		if rest[0] != "0" {
			return request{}, badLine("bad command line format.  Usage: delete <key> [noreply]")
		}
		rest = rest[1:]
	}
	var err error
	if req.noreply, err = parseNoreply(rest, 0); err != nil {
		return request{}, badLine(err.Error())
	}
	return req, nil
}

func parseDeltaArgs(cmd string, args []string) (request, error) {
	if len(args) != 2 && len(args) != 3 {
		return request{}, badLine("requires key and delta")
	}
	if !validKey(args[0]) {
		return request{}, badLine("bad command line format")
	}
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return request{}, badLine("invalid numeric delta argument")
	}
	noreply, err := parseNoreply(args, 2)
	if err != nil {
		return request{}, badLine(err.Error())
	}
	return request{cmd: cmd, key: args[0], delta: delta, noreply: noreply}, nil
}

func parseVerbosityArgs(args []string) (request, error) {
	if len(args) != 1 && len(args) != 2 {
		return request{}, badLine("bad command line format")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil || level < 0 {
		return request{}, badLine("bad command line format")
	}
	noreply, err := parseNoreply(args, 1)
	if err != nil {
		return request{}, badLine(err.Error())
	}
	return request{cmd: "verbosity", level: level, noreply: noreply}, nil
}

// parseNoreply accepts exactly one optional "noreply" token at args[at].
func parseNoreply(args []string, at int) (bool, error) {
	switch {
	case len(args) == at:
		return false, nil
	case len(args) == at+1 && args[at] == "noreply":
		return true, nil
	}
	return false, fmt.Errorf("bad command line format")
}

func validKey(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if b := key[i]; b <= ' ' || b == 0x7f {
			return false
		}
	}
	return true
}

func writeValue(w *bufio.Writer, item *model.Item, withCAS bool) error {
	var err error
	if withCAS {
		_, err = fmt.Fprintf(w, "VALUE %s %d %d %d\r\n", item.Key, item.Flags, len(item.Value), item.CAS)
	} else {
		_, err = fmt.Fprintf(w, "VALUE %s %d %d\r\n", item.Key, item.Flags, len(item.Value))
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(item.Value); err != nil {
		return err
	}
	_, err = w.WriteString("\r\n")
	return err
}

func writeLine(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeStat(w *bufio.Writer, name string, value any) error {
	_, err := fmt.Fprintf(w, "STAT %s %v\r\n", name, value)
	return err
}

func writeClientError(w *bufio.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "CLIENT_ERROR %s\r\n", msg)
	return err
}

func writeServerError(w *bufio.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "SERVER_ERROR %s\r\n", msg)
	return err
}

// readCommandLine accepts CRLF, LF, CR and CR NUL (common telnet newline).
func readCommandLine(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return buf.String(), nil
		case '\r':
			next, err := r.ReadByte()
			if err == nil {
				if next != '\n' && next != 0x00 {
					if unreadErr := r.UnreadByte(); unreadErr != nil {
						return "", unreadErr
					}
				}
			} else if !errors.Is(err, io.EOF) {
				return "", err
			}
			return buf.String(), nil
		default:
			if buf.Len() >= maxLineLength {
				return "", errLineTooLong
			}
			buf.WriteByte(b)
		}
	}
}

// consumeChunkTerminator accepts CRLF, LF, CR and CR NUL after set payload.
func consumeChunkTerminator(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch b {
	case '\n':
		return nil
	case '\r':
		next, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if next == '\n' || next == 0x00 {
			return nil
		}
		return errBadChunk
	default:
		return errBadChunk
	}
}
