//go:build amd64

package arch

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAMD64RegisterTableCompleteness(t *testing.T) {
	names := []string{
		"rax", "rbx", "rsp", "rip", "eflags",
		"cs", "fs_base",
		"fctrl", "fstat", "ftag", "fip", "fop", "mxcsr",
		"st0", "st7", "mm0", "mm7",
		"xmm0", "xmm15",
	}
	for _, n := range names {
		_, ok := AMD64.Lookup(n)
		assert.Assert(t, ok, "expected register %q in table", n)
	}

	_, ok := AMD64.Lookup("not-a-register")
	assert.Assert(t, !ok)
}

func TestAMD64TrapOpcodeAndTargetAddress(t *testing.T) {
	assert.DeepEqual(t, AMD64.TrapOpcode(), []byte{0xCC})
	assert.Equal(t, AMD64.TargetAddress(), targetAddress64)
}

func TestDecodeStatusEflagsCarryAndZero(t *testing.T) {
	d, ok := AMD64.Lookup("eflags")
	assert.Assert(t, ok)

	// CF (bit 0) and ZF (bit 6) set, nothing else. The multi-bit IOPL
	// field is always rendered, here as IOPL=0.
	value := uint64(1<<0 | 1<<6)
	flags := DecodeStatus(d, value)
	assert.DeepEqual(t, flags, []string{"CF", "ZF", "IOPL=0"})
}

func TestDecodeStatusMultiBitField(t *testing.T) {
	d, ok := AMD64.Lookup("eflags")
	assert.Assert(t, ok)

	value := uint64(2 << 12) // IOPL = 2
	flags := DecodeStatus(d, value)
	assert.DeepEqual(t, flags, []string{"IOPL=2"})
}

func TestDecodeStatusDeterministic(t *testing.T) {
	d, ok := AMD64.Lookup("eflags")
	assert.Assert(t, ok)

	value := uint64(1<<0 | 1<<7 | 1<<11)
	first := DecodeStatus(d, value)
	second := DecodeStatus(d, value)
	assert.DeepEqual(t, first, second)
}

func TestValueFromUint64RoundTrip(t *testing.T) {
	cases := []struct {
		w Width
		u uint64
	}{
		{U8, 0xAB},
		{U16, 0xBEEF},
		{U32, 0xDEADBEEF},
		{U64, 0x0102030405060708},
	}
	for _, c := range cases {
		v := ValueFromUint64(c.w, c.u)
		assert.Equal(t, v.Uint64(), c.u)
	}
}

func fpWithSlot(phys int, mantissa uint64, exponentAndSign uint16, ftwBit bool) FPRegs {
	var fp FPRegs
	base := phys * 4
	fp.StSpace[base] = uint32(mantissa)
	fp.StSpace[base+1] = uint32(mantissa >> 32)
	fp.StSpace[base+2] = uint32(exponentAndSign)
	if ftwBit {
		fp.Ftw |= 1 << uint(phys)
	}
	return fp
}

func TestReconstructTagEmpty(t *testing.T) {
	fp := fpWithSlot(0, 0, 0, false)
	assert.Equal(t, reconstructTag(&fp, 0), TagEmpty)
}

func TestReconstructTagZero(t *testing.T) {
	fp := fpWithSlot(1, 0, 0, true)
	assert.Equal(t, reconstructTag(&fp, 1), TagZero)
}

func TestReconstructTagValid(t *testing.T) {
	// Integer bit (bit 63 of the 64-bit mantissa) set, non-zero non-max
	// exponent: a normal extended-precision value.
	fp := fpWithSlot(2, 1<<63, 0x4000, true)
	assert.Equal(t, reconstructTag(&fp, 2), TagValid)
}

func TestReconstructTagSpecialOnMaxExponent(t *testing.T) {
	fp := fpWithSlot(3, 1<<63, 0x7FFF, true)
	assert.Equal(t, reconstructTag(&fp, 3), TagSpecial)
}

func TestReconstructTagSpecialWhenIntegerBitClear(t *testing.T) {
	// Non-zero exponent but integer bit (bit 63) clear: an unnormal,
	// architecturally invalid pattern classified Special.
	fp := fpWithSlot(4, 0, 0x4000, true)
	assert.Equal(t, reconstructTag(&fp, 4), TagSpecial)
}

func TestLogicalSTAppliesStackRotation(t *testing.T) {
	var fp FPRegs
	// TOP = 3: logical st(0) should read physical slot 3.
	fp.Swd = 3 << 11
	fp.StSpace[3*4] = 0x11111111
	fp.StSpace[3*4+1] = 0x22222222
	fp.StSpace[3*4+2] = 0x3333

	snap := &Snapshot{FP: fp, haveFP: true}
	extract := logicalST(0)
	v, err := extract(snap)
	assert.NilError(t, err)
	assert.Equal(t, v.Width, Extended80)
	assert.Equal(t, v.Bytes[0], byte(0x11))
	assert.Equal(t, v.Bytes[8], byte(0x33))
}

func TestMMXAliasReadsPhysicalSlotUnrotated(t *testing.T) {
	var fp FPRegs
	fp.Swd = 5 << 11 // TOP = 5, must not affect mm0 which reads phys 0
	fp.StSpace[0] = 0xAABBCCDD
	fp.StSpace[1] = 0x00112233

	snap := &Snapshot{FP: fp, haveFP: true}
	extract := mmxAlias(0)
	v, err := extract(snap)
	assert.NilError(t, err)
	assert.Equal(t, v.Uint64(), uint64(0x00112233AABBCCDD))
}

func TestExtractOffsetOutOfRange(t *testing.T) {
	_, err := extractOffset([]byte{1, 2, 3}, 0, U64)
	assert.ErrorContains(t, err, "out of range")
}
