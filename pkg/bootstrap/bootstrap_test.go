package bootstrap

import (
	"testing"
	"unsafe"

	"gotest.tools/v3/assert"
)

// Fork itself is exercised only indirectly through pkg/instance's
// integration tests: it runs entirely through raw syscalls on the
// child side and never returns to ordinary Go code, so there is
// nothing to assert on here beyond its pure helpers.

func TestParseUintAcceptsDigits(t *testing.T) {
	v, ok := parseUint("42")
	assert.Assert(t, ok)
	assert.Equal(t, v, 42)
}

func TestParseUintRejectsNonDigits(t *testing.T) {
	_, ok := parseUint("self")
	assert.Assert(t, !ok)

	_, ok = parseUint("")
	assert.Assert(t, !ok)
}

func TestCstringAtStopsAtNUL(t *testing.T) {
	buf := []byte("123\x00garbage")
	got := cstringAt(unsafe.Pointer(&buf[0]))
	assert.Equal(t, got, "123")
}
