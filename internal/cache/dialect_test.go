package cache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDelta(t *testing.T) {
	tests := []struct {
		name    string
		mode    CounterMode
		cur     string
		delta   uint64
		incr    bool
		want    string
		wantErr error
	}{
		{"unsigned incr", CounterUnsigned, "1", 17, true, "18", nil},
		{"unsigned decr", CounterUnsigned, "18", 5, false, "13", nil},
		{"unsigned decr clamps", CounterUnsigned, "1", 4, false, "0", nil},
		{"unsigned leading zeros", CounterUnsigned, "007", 1, true, "8", nil},
		{"unsigned max", CounterUnsigned, "18446744073709551614", 1, true, "18446744073709551615", nil},
		{"unsigned overflow", CounterUnsigned, "18446744073709551615", 1, true, "", ErrOverflow},
		{"unsigned rejects sign", CounterUnsigned, "-1", 1, true, "", ErrNonNumeric},
		{"unsigned rejects plus", CounterUnsigned, "+1", 1, true, "", ErrNonNumeric},
		{"unsigned rejects text", CounterUnsigned, "world", 1, true, "", ErrNonNumeric},
		{"unsigned rejects empty", CounterUnsigned, "", 1, true, "", ErrNonNumeric},
		{"unsigned rejects spaces", CounterUnsigned, "12 ", 1, true, "", ErrNonNumeric},
		{"unsigned rejects 21 digits", CounterUnsigned, "184467440737095516150", 1, true, "", ErrNonNumeric},
		{"signed decr negative", CounterSigned, "0", 4, false, "-4", nil},
		{"signed incr from negative", CounterSigned, "-4", 10, true, "6", nil},
		{"signed overflow", CounterSigned, "9223372036854775807", 1, true, "", ErrOverflow},
		{"signed underflow", CounterSigned, "-9223372036854775808", 1, false, "", ErrOverflow},
		{"signed huge delta", CounterSigned, "0", 1 << 63, true, "", ErrOverflow},
		{"signed huge incr from negative", CounterSigned, "-10", 1 << 63, true, "9223372036854775798", nil},
		{"signed huge decr from positive", CounterSigned, "10", 1 << 63, false, "-9223372036854775798", nil},
		{"signed decr to min", CounterSigned, "0", 1 << 63, false, "-9223372036854775808", nil},
		{"signed full span", CounterSigned, "-9223372036854775808", 18446744073709551615, true, "9223372036854775807", nil},
		{"signed full span overflow", CounterSigned, "-9223372036854775807", 18446744073709551615, true, "", ErrOverflow},
		{"signed decr full span", CounterSigned, "9223372036854775807", 18446744073709551615, false, "-9223372036854775808", nil},
		{"signed rejects text", CounterSigned, "abcd", 2, true, "", ErrNonNumeric},
		{"signed rejects lone minus", CounterSigned, "-", 2, true, "", ErrNonNumeric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Dialect{Counter: tt.mode}
			got, err := d.applyDelta([]byte(tt.cur), tt.delta, tt.incr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectMemcached, d)

	d, err = ParseDialect("go")
	require.NoError(t, err)
	assert.Equal(t, CounterSigned, d.Counter)
	assert.Equal(t, NonNumericNotFound, d.NonNumeric)
	assert.Equal(t, "go1.2.3", d.VersionString("1.2.3"))
	assert.Equal(t, "1.2.3", DialectMemcached.VersionString("1.2.3"))

	_, err = ParseDialect("redis")
	assert.Error(t, err)
}

func TestParseModes(t *testing.T) {
	m, err := ParseCounterMode("signed")
	require.NoError(t, err)
	assert.Equal(t, CounterSigned, m)
	assert.Equal(t, "signed", m.String())
	_, err = ParseCounterMode("float")
	assert.Error(t, err)

	p, err := ParseNonNumericPolicy("not-found")
	require.NoError(t, err)
	assert.Equal(t, NonNumericNotFound, p)
	assert.Equal(t, "not-found", p.String())
	_, err = ParseNonNumericPolicy("zero")
	assert.Error(t, err)
}

func TestExpiresAt(t *testing.T) {
	const sec = int64(1e9)
	now := 100 * sec

	at, dead := expiresAt(0, now)
	assert.Equal(t, int64(0), at)
	assert.False(t, dead)

	at, dead = expiresAt(5, now)
	assert.Equal(t, 105*sec, at)
	assert.False(t, dead)

	_, dead = expiresAt(-1, now)
	assert.True(t, dead)

	at, dead = expiresAt(relativeExptimeLimit, now)
	assert.Equal(t, now+relativeExptimeLimit*sec, at)
	assert.False(t, dead)

	at, dead = expiresAt(relativeExptimeLimit+1, now)
	assert.Equal(t, (relativeExptimeLimit+1)*sec, at)
	assert.False(t, dead)

	_, dead = expiresAt(relativeExptimeLimit+1, (relativeExptimeLimit+1)*sec)
	assert.True(t, dead)
}

func TestTTLSecondsNeverUndershoots(t *testing.T) {
	const sec = int64(1e9)
	now := 100*sec + 900_000_000
	exp := now + sec
	ttl := ttlSeconds(exp, now)
	assert.GreaterOrEqual(t, 100*sec+int64(ttl)*sec, exp)
	assert.Equal(t, 0, ttlSeconds(0, now))
}

func TestTTLSecondsOutlivesHeaderDeadline(t *testing.T) {
	const sec = int64(1e9)
	now := 100 * sec
	ttl := ttlSeconds(now+sec, now)
	assert.Equal(t, 2, ttl)
}

func TestTTLSecondsPastFreecacheClock(t *testing.T) {
	const sec = int64(1e9)
	now := 1_700_000_000 * sec
	assert.Equal(t, 0, ttlSeconds(maxExptime*sec, now))
	assert.Equal(t, 0, ttlSeconds((math.MaxUint32+1)*sec, now))
	assert.Positive(t, ttlSeconds((math.MaxUint32-10)*sec, now))
}

func TestExpiresAtClampsFarFuture(t *testing.T) {
	const sec = int64(1e9)
	now := 1_700_000_000 * sec
	at, dead := expiresAt(math.MaxInt64, now)
	assert.False(t, dead)
	assert.Equal(t, maxExptime*sec, at)

	at, dead = expiresAt(maxExptime+1, now)
	assert.False(t, dead)
	assert.Greater(t, at, now)
}
