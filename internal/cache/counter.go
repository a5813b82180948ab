package cache

import (
	"math"
	"strconv"
)

// applyDelta computes the next counter text for cur. It never mutates cur.
func (d Dialect) applyDelta(cur []byte, delta uint64, incr bool) ([]byte, error) {
	if d.Counter == CounterSigned {
		return applySigned(cur, delta, incr)
	}
	return applyUnsigned(cur, delta, incr)
}

func applyUnsigned(cur []byte, delta uint64, incr bool) ([]byte, error) {
	if !isDecimal(cur) {
		return nil, ErrNonNumeric
	}
	v, err := strconv.ParseUint(string(cur), 10, 64)
	if err != nil {
		return nil, ErrNonNumeric
	}

	switch {
	case incr:
		if v > math.MaxUint64-delta {
			return nil, ErrOverflow
		}
		v += delta
	case delta >= v:
		v = 0
	default:
		v -= delta
	}
	return strconv.AppendUint(nil, v, 10), nil
}

func applySigned(cur []byte, delta uint64, incr bool) ([]byte, error) {
	digits := cur
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	if !isDecimal(digits) {
		return nil, ErrNonNumeric
	}
	v, err := strconv.ParseInt(string(cur), 10, 64)
	if err != nil {
		return nil, ErrNonNumeric
	}

	// room is the distance to the bound in the delta's direction. It spans
	// the full uint64 range, so deltas above MaxInt64 can still land inside
	// int64, and the wrapping uint64 sum is then the exact result.
	u := uint64(v)
	if incr {
		if room := uint64(math.MaxInt64) - u; delta > room {
			return nil, ErrOverflow
		}
		u += delta
	} else {
		// v - MinInt64, computed modulo 2^64.
		if room := u + (1 << 63); delta > room {
			return nil, ErrOverflow
		}
		u -= delta
	}
	return strconv.AppendInt(nil, int64(u), 10), nil
}

func isDecimal(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
