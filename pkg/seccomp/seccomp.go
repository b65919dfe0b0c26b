// Package seccomp builds and installs the classic-BPF syscall filter the
// Tracee Bootstrap installs when SandboxSyscalls is requested: trap on
// every syscall except munmap, which is allowed. The bootstrap itself
// makes no munmap call after installing the filter.
//
// The program is assembled with golang.org/x/net/bpf and installed as a
// classic SockFprog: one default-allow rule for munmap, SIGSYS for
// everything else.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Seccomp return-action values (linux/seccomp.h); not exported by
// golang.org/x/sys/unix at this version, so named here directly.
const (
	retTrap  uint32 = 0x00030000
	retAllow uint32 = 0x7fff0000

	// seccompDataOffNR is the byte offset of seccomp_data.nr, the field
	// every rule in this filter matches on.
	seccompDataOffNR = 0
)

// TrapAllExceptMunmap returns the raw classic-BPF instructions for a
// seccomp filter that returns SECCOMP_RET_TRAP for every syscall except
// munmap, which it allows. RET_TRAP delivers SIGSYS synchronously to the
// calling thread rather than raising a PTRACE_EVENT_SECCOMP stop, so the
// tracer observes it as an ordinary signal-delivery-stop and needs no
// PTRACE_O_TRACESECCOMP option to see it — including during bootstrap,
// before any ptrace options have been set at all.
func TrapAllExceptMunmap() ([]unix.SockFilter, error) {
	insts := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompDataOffNR, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(unix.SYS_MUNMAP), SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: retAllow},
		bpf.RetConstant{Val: retTrap},
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("asmase: seccomp: assemble: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		filter[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	return filter, nil
}

// Install activates the filter in the calling process (the forked
// tracee, before it raises its bootstrap trap). It first sets
// no-new-privs, required by the kernel for an unprivileged seccomp
// filter install.
//
// Safe to call from the allocation-free child path: the SockFprog is a
// small stack value and filter is preallocated by the caller before
// fork.
func Install(filter []unix.SockFilter) error {
	if len(filter) == 0 {
		return fmt.Errorf("asmase: seccomp: empty filter")
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return errno
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&prog))); errno != 0 {
		return errno
	}
	return nil
}
