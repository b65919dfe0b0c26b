// Package scp implements the Shared Code Page: a memfd-backed, fixed-size
// region mapped into both the tracer and a tracee, used as the tracee's
// code buffer and execution stack.
//
// The mapping is created once via memfd_create and reused across many
// Execute calls rather than recreated per call.
package scp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// PageSize is the page size assumed for the SCP; validated against
	// the runtime page size at Create time.
	PageSize = 4096

	// NumPages is the total size of the SCP in pages: one page of user
	// code, the rest used as the tracee's stack.
	NumPages = 16

	// Size is the total byte size of the SCP.
	Size = NumPages * PageSize

	// CodeMax bounds the user-code region within the first page. The
	// engine always writes code immediately followed by a trap opcode,
	// so the real limit enforced by callers is CodeMax - len(trapOpcode).
	CodeMax = PageSize
)

// SCP is a shared, file-descriptor-backed memory region mapped
// read/write in the tracer's own address space. The tracee maps the
// same descriptor read/write/execute at a fixed address during
// bootstrap.
type SCP struct {
	fd  int
	mem []byte
}

// Create allocates an anonymous memory file sized to Size and maps it
// into the caller's address space read/write.
func Create() (*SCP, error) {
	if unix.Getpagesize() != PageSize {
		return nil, fmt.Errorf("asmase: scp: unexpected page size %d, want %d", unix.Getpagesize(), PageSize)
	}

	fd, err := unix.MemfdCreate("asmase-scp", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("asmase: scp: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, Size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("asmase: scp: ftruncate: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("asmase: scp: mmap: %w", err)
	}

	return &SCP{fd: fd, mem: mem}, nil
}

// FD returns the memfd descriptor, which the forked child inherits and
// maps at its fixed address in the bootstrap's MAP_FIXED remap.
func (s *SCP) FD() int { return s.fd }

// Write copies bytes into the mapping at offset. The caller is
// responsible for ensuring the tracee is stopped; the SCP performs no
// synchronization of its own.
func (s *SCP) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(s.mem) {
		return fmt.Errorf("asmase: scp: write [%d,%d) out of bounds (size %d)", offset, offset+len(data), len(s.mem))
	}
	copy(s.mem[offset:], data)
	return nil
}

// Read returns a copy of length bytes starting at offset.
func (s *SCP) Read(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(s.mem) {
		return nil, fmt.Errorf("asmase: scp: read [%d,%d) out of bounds (size %d)", offset, offset+length, len(s.mem))
	}
	out := make([]byte, length)
	copy(out, s.mem[offset:offset+length])
	return out, nil
}

// Clear zeroes the entire mapping. Used by the Instance Controller once
// the tracee's first stop is observed, so stale bootstrap scratch data
// (notably the self-pointer word) never leaks into the first Execute.
func (s *SCP) Clear() {
	for i := range s.mem {
		s.mem[i] = 0
	}
}

// Release unmaps and closes the descriptor.
func (s *SCP) Release() error {
	var err error
	if s.mem != nil {
		err = unix.Munmap(s.mem)
		s.mem = nil
	}
	if cerr := unix.Close(s.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
