package supervisor

import (
	"errors"
	"math"
	"testing"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInt(t *testing.T) {
	variant := dbus.MakeVariant(uint32(4242))

	tests := []struct {
		name string
		in   any
		want int
	}{
		{"int", 12, 12},
		{"negative int", -3, -3},
		{"int8", int8(-8), -8},
		{"int16", int16(1600), 1600},
		{"int32", int32(320000), 320000},
		{"int64", int64(1) << 40, 1 << 40},
		{"uint8", uint8(255), 255},
		{"uint16", uint16(65535), 65535},
		{"uint32", uint32(4000000000), 4000000000},
		{"uint64", uint64(77), 77},
		{"uint", uint(99), 99},
		{"float32 integral", float32(1024), 1024},
		{"float64 integral", float64(31337), 31337},
		{"float64 negative zero", math.Copysign(0, -1), 0},
		{"string", "1234", 1234},
		{"string padded", " 56\n", 56},
		{"string negative", "-1", -1},
		{"variant", dbus.MakeVariant(int32(17)), 17},
		{"variant of string", dbus.MakeVariant("88"), 88},
		{"variant pointer", &variant, 4242},
		{"nested variant", dbus.MakeVariant(dbus.MakeVariant(uint64(5))), 5},
		{"property", &sddbus.Property{Name: "ExecMainPID", Value: dbus.MakeVariant(uint32(901))}, 901},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeInt("p", tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIntRejects(t *testing.T) {
	var nilVariant *dbus.Variant
	var nilProperty *sddbus.Property

	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"bool", true},
		{"fractional float", 1.5},
		{"NaN", math.NaN()},
		{"infinity", math.Inf(1)},
		{"huge float", 1e300},
		{"uint64 overflow", uint64(math.MaxUint64)},
		{"empty string", ""},
		{"hex string", "0x10"},
		{"decimal string", "3.0"},
		{"word", "pid"},
		{"slice", []int{1}},
		{"map", map[string]any{"pid": 1}},
		{"byte slice", []byte("12")},
		{"nil variant pointer", nilVariant},
		{"nil property", nilProperty},
		{"variant of bool", dbus.MakeVariant(false)},
		{"property of object path", &sddbus.Property{Name: "Unit", Value: dbus.MakeVariant(dbus.ObjectPath("/x"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeInt("ExecMainPID", tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPropertyType)

			var pte *PropertyTypeError
			require.True(t, errors.As(err, &pte))
			assert.Equal(t, "ExecMainPID", pte.Property)
		})
	}
}

func TestNormalizePID(t *testing.T) {
	pid, err := NormalizePID("pid", int64(4321))
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)

	for _, v := range []any{0, int64(0), "0", uint32(0), -7, float64(0)} {
		pid, err := NormalizePID("pid", v)
		assert.ErrorIs(t, err, ErrPIDNotFound, "value %#v", v)
		assert.Equal(t, NotRunning, pid)
	}

	pid, err = NormalizePID("pid", "abc")
	assert.ErrorIs(t, err, ErrInvalidPropertyType)
	assert.Equal(t, NotRunning, pid)
}
