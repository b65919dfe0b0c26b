package instance

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseStatusIntParsesSecondField(t *testing.T) {
	assert.Equal(t, parseStatusInt("Seccomp:\t2"), 2)
	assert.Equal(t, parseStatusInt("NoNewPrivs:\t1"), 1)
}

func TestParseStatusIntRejectsMalformedLine(t *testing.T) {
	assert.Equal(t, parseStatusInt("garbage"), -1)
	assert.Equal(t, parseStatusInt("Seccomp: not-a-number"), -1)
}

func TestSeccompActiveRequiresBothFields(t *testing.T) {
	both := []byte("Name:\tfoo\nSeccomp:\t2\nNoNewPrivs:\t1\n")
	assert.Assert(t, seccompActive(both))

	onlySeccomp := []byte("Seccomp:\t2\nNoNewPrivs:\t0\n")
	assert.Assert(t, !seccompActive(onlySeccomp))

	neither := []byte("Name:\tfoo\n")
	assert.Assert(t, !seccompActive(neither))
}

func TestScpMappedAtReturnsFalseForUnknownPid(t *testing.T) {
	assert.Assert(t, !scpMappedAt(-1, 0x1000, 4096))
}

func TestParseMapsRangeUnpaddedHex(t *testing.T) {
	// /proc/pid/maps never zero-pads addresses to a fixed width.
	start, end, ok := parseMapsRange("7f7f00000000-7f7f00010000")
	assert.Assert(t, ok)
	assert.Equal(t, start, uintptr(0x7f7f00000000))
	assert.Equal(t, end, uintptr(0x7f7f00010000))
}

func TestParseMapsRangeRejectsMalformed(t *testing.T) {
	_, _, ok := parseMapsRange("not-a-range")
	assert.Assert(t, !ok)

	_, _, ok = parseMapsRange("noseparatorhere")
	assert.Assert(t, !ok)
}
