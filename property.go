package supervisor

import (
	"math"
	"strconv"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

// NormalizeInt converts a loosely typed property value, as delivered by D-Bus
// or XML-RPC, into an int. Accepted representations are the Go integer
// types, integral floats, decimal strings, and D-Bus variants or properties
// wrapping one of those. Anything else yields a *PropertyTypeError.
func NormalizeInt(property string, v any) (int, error) {
	bad := &PropertyTypeError{Property: property, Value: v}

	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return 0, bad
		}
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		if uint64(n) > math.MaxInt {
			return 0, bad
		}
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, bad
		}
		return int(n), nil
	case uint:
		if uint64(n) > math.MaxInt {
			return 0, bad
		}
		return int(n), nil
	case float32:
		return normalizeFloat(float64(n), bad)
	case float64:
		return normalizeFloat(n, bad)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, bad
		}
		return i, nil
	case dbus.Variant:
		return NormalizeInt(property, n.Value())
	case *dbus.Variant:
		if n == nil {
			return 0, bad
		}
		return NormalizeInt(property, n.Value())
	case *sddbus.Property:
		if n == nil {
			return 0, bad
		}
		return NormalizeInt(property, n.Value.Value())
	default:
		return 0, bad
	}
}

func normalizeFloat(f float64, bad error) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, bad
	}
	if f >= float64(math.MaxInt) || f < float64(math.MinInt) {
		return 0, bad
	}
	return int(f), nil
}

// NormalizePID is NormalizeInt for process IDs: a value that normalizes to
// zero or less means the backend has no process and yields ErrPIDNotFound.
func NormalizePID(property string, v any) (int, error) {
	pid, err := NormalizeInt(property, v)
	if err != nil {
		return NotRunning, err
	}
	if pid <= 0 {
		return NotRunning, ErrPIDNotFound
	}
	return pid, nil
}
