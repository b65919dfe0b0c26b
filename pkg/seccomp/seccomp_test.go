package seccomp

import (
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestTrapAllExceptMunmapShape(t *testing.T) {
	filter, err := TrapAllExceptMunmap()
	assert.NilError(t, err)
	assert.Equal(t, len(filter), 4)

	// Instruction 0 loads seccomp_data.nr.
	assert.Equal(t, filter[0].Code, uint16(0x20)) // BPF_LD|BPF_W|BPF_ABS
	assert.Equal(t, filter[0].K, uint32(0))

	// Instruction 1 compares against SYS_MUNMAP and skips the allow
	// return (instruction 2) on mismatch.
	assert.Equal(t, filter[1].K, uint32(unix.SYS_MUNMAP))
	assert.Equal(t, filter[1].Jf, uint8(1))

	// Instruction 2 allows, instruction 3 traps everything else.
	assert.Equal(t, filter[2].K, retAllow)
	assert.Equal(t, filter[3].K, retTrap)
}

func TestInstallRejectsEmptyFilter(t *testing.T) {
	err := Install(nil)
	assert.ErrorContains(t, err, "empty filter")
}
