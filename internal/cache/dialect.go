package cache

import "fmt"

// CounterMode selects the integer domain of incr/decr.
type CounterMode int

const (
	// CounterUnsigned stores uint64 values and clamps decr at zero.
	CounterUnsigned CounterMode = iota
	// CounterSigned stores int64 values and lets decr go negative.
	CounterSigned
)

func (m CounterMode) String() string {
	switch m {
	case CounterUnsigned:
		return "unsigned"
	case CounterSigned:
		return "signed"
	}
	return fmt.Sprintf("CounterMode(%d)", int(m))
}

func ParseCounterMode(s string) (CounterMode, error) {
	switch s {
	case "unsigned":
		return CounterUnsigned, nil
	case "signed":
		return CounterSigned, nil
	}
	return 0, fmt.Errorf("unknown counter mode %q", s)
}

// NonNumericPolicy decides what incr/decr do with a value that is not a number.
type NonNumericPolicy int

const (
	// NonNumericError rejects the operation with ErrNonNumeric.
	NonNumericError NonNumericPolicy = iota
	// NonNumericNotFound reports the key as absent.
	NonNumericNotFound
)

func (p NonNumericPolicy) String() string {
	switch p {
	case NonNumericError:
		return "error"
	case NonNumericNotFound:
		return "not-found"
	}
	return fmt.Sprintf("NonNumericPolicy(%d)", int(p))
}

func ParseNonNumericPolicy(s string) (NonNumericPolicy, error) {
	switch s {
	case "error":
		return NonNumericError, nil
	case "not-found":
		return NonNumericNotFound, nil
	}
	return 0, fmt.Errorf("unknown non-numeric policy %q", s)
}

// Dialect is the set of counter behaviors a server instance commits to.
// VersionPrefix is prepended to the version reply so clients can tell
// dialects apart.
type Dialect struct {
	Name          string
	Counter       CounterMode
	NonNumeric    NonNumericPolicy
	VersionPrefix string
}

var (
	DialectMemcached = Dialect{
		Name:       "memcached",
		Counter:    CounterUnsigned,
		NonNumeric: NonNumericError,
	}
	DialectGo = Dialect{
		Name:          "go",
		Counter:       CounterSigned,
		NonNumeric:    NonNumericNotFound,
		VersionPrefix: "go",
	}
)

func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "", DialectMemcached.Name:
		return DialectMemcached, nil
	case DialectGo.Name:
		return DialectGo, nil
	}
	return Dialect{}, fmt.Errorf("unknown dialect %q", name)
}

// orDefault maps the zero Dialect to DialectMemcached.
func (d Dialect) orDefault() Dialect {
	if d.Name == "" {
		return DialectMemcached
	}
	return d
}

func (d Dialect) VersionString(version string) string {
	return d.VersionPrefix + version
}
