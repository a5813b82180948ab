package cache

// SetNowForTest overrides the store clock (Unix nanoseconds) and returns a
// restore function.
func SetNowForTest(f func() int64) func() {
	prev := nowUnixNano
	nowUnixNano = f
	return func() {
		nowUnixNano = prev
	}
}
