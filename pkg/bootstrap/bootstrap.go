// Package bootstrap implements the Tracee Bootstrap: the child-process
// entry point run immediately after fork, entirely through raw syscalls,
// that turns a freshly cloned process into a stopped, sandboxed tracee
// ready for the Instance Controller to attach.
//
// beforeFork/afterFork bracket a raw SYS_CLONE so nothing allocates or
// reschedules between them, and the child path never returns to
// ordinary Go code — it either completes bootstrap and traps, or calls
// exit_group on any failure.
package bootstrap

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/asmase-go/asmase/pkg/seccomp"
)

// Args configures one bootstrap run. The caller (pkg/instance) builds
// this entirely before forking; nothing here allocates during Fork's
// child-side path.
type Args struct {
	// SCPFD is the memfd backing the Shared Code Page.
	SCPFD int
	// TargetAddr is the fixed address the SCP must be remapped to.
	TargetAddr uintptr
	// SCPSize is the SCP's total size in bytes.
	SCPSize int
	// SandboxFds requests closing every open descriptor except the one
	// used to enumerate them.
	SandboxFds bool
	// SeccompFilter, if non-empty, is installed after the fd sandbox
	// (SandboxSyscalls was requested and the filter built successfully).
	SeccompFilter []unix.SockFilter
}

// ignoredSignal is blocked rather than reset to default disposition, so
// that spurious window-change notifications don't interrupt a
// single-step cycle.
const ignoredSignal = unix.SIGWINCH

// Fork clones the calling process and runs the bootstrap sequence in the
// child. It returns the child's pid to the parent; it never returns in
// the child, which either reaches the final trap or calls exit_group.
//
// Precondition: the caller holds runtime.LockOSThread for the duration
// of this call, since PTRACE_TRACEME and the eventual ptrace attach must
// originate from threads sharing a lineage the kernel recognizes
// (golang.org/go/issues/7699).
//
//go:norace
func Fork(args Args) (pid int, err error) {
	var (
		rawPid uintptr
		errno  unix.Errno
	)

	beforeFork()
	rawPid, _, errno = unix.RawSyscall6(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if errno != 0 {
		afterFork()
		return 0, fmt.Errorf("asmase: bootstrap: clone: %w", errno)
	}

	if rawPid != 0 {
		afterFork()
		return int(rawPid), nil
	}

	// Child: never return. run() ends in either the final trap or
	// exit_group(1) on any failure.
	run(args)
	panic("asmase: bootstrap: unreachable")
}

// beforeFork masks all signals in the calling thread so the window
// between clone() and the child re-establishing its own disposition
// can't be interrupted.
func beforeFork() {
	runtime.LockOSThread()
	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	unix.RawSyscall(unix.SYS_RT_SIGPROCMASK, unix.SIG_BLOCK, uintptr(unsafe.Pointer(&full)), 0)
}

func afterFork() {
	runtime.UnlockOSThread()
}

// run is the child's entire program from the instant after clone()
// returns 0. It must not allocate where avoidable and must not return.
//
//go:norace
func run(args Args) {
	// 1. Request to be traced.
	if _, _, errno := unix.RawSyscall(unix.SYS_PTRACE, unix.PTRACE_TRACEME, 0, 0); errno != 0 {
		exitFailure()
	}

	// 2. Reset every signal to default disposition except the one we
	// deliberately ignore, which we block instead.
	resetSignals()

	// 3. Map the SCP at its fixed target address.
	addr, _, errno := unix.RawSyscall6(unix.SYS_MMAP, args.TargetAddr,
		uintptr(args.SCPSize), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_SHARED|unix.MAP_FIXED, uintptr(args.SCPFD), 0)
	if errno != 0 || addr != args.TargetAddr {
		exitFailure()
	}

	// 4. Optional fd sandbox.
	if args.SandboxFds {
		if !closeAllFds() {
			exitFailure()
		}
	}

	// 5. Optional syscall sandbox, installed after the SCP remap and fd
	// closures. The getpid and kill calls of step 7 are not allowed by
	// the filter: with it installed, getpid raises SIGSYS, and that
	// signal-delivery-stop is the first stop the tracer observes.
	if len(args.SeccompFilter) > 0 {
		if err := seccomp.Install(args.SeccompFilter); err != nil {
			exitFailure()
		}
	}

	// 6. Write a self-pointer into the first machine word of the SCP:
	// confirms bootstrap completion and cross-checks the mapping
	// address to the tracer.
	*(*uintptr)(unsafe.Pointer(args.TargetAddr)) = args.TargetAddr

	// 7. Raise SIGSTOP on ourselves: the traced SIGSTOP delivery is a
	// signal-delivery-stop the tracer's first wait4 observes, marking
	// bootstrap complete and the tracee ready to attach.
	pid, _, _ := unix.RawSyscall(unix.SYS_GETPID, 0, 0, 0)
	unix.RawSyscall(unix.SYS_KILL, pid, uintptr(unix.SIGSTOP), 0)

	// Unreachable until the tracer detaches or kills us; if somehow we
	// resume without having been reaped, there is nothing left to do.
	exitFailure()
}

func exitFailure() {
	unix.RawSyscall(unix.SYS_EXIT_GROUP, 1, 0, 0)
}

// resetSignals sets every catchable signal to SIG_DFL and blocks only
// ignoredSignal, step 2. SIGKILL and SIGSTOP cannot have their
// disposition changed and are skipped.
func resetSignals() {
	// The kernel's sigset_t is 8 bytes (64 signals); unix.Sigset_t is
	// larger, so its size is not a valid sigsetsize argument.
	const sigsetSize = 8
	var sa struct {
		handler  uintptr
		flags    uint64
		restorer uintptr
		mask     unix.Sigset_t
	}
	for sig := 1; sig <= 31; sig++ {
		if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
			continue
		}
		unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&sa)), 0, sigsetSize, 0, 0)
	}

	var blockSet unix.Sigset_t
	blockSet.Val[0] = 1 << (uint(ignoredSignal) - 1)
	unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK, uintptr(unsafe.Pointer(&blockSet)), 0, sigsetSize, 0, 0)
}

// closeAllFds walks /proc/self/fd and closes every descriptor except
// the directory fd used to enumerate them, step 4.
func closeAllFds() bool {
	var pathBuf [14]byte
	copy(pathBuf[:], "/proc/self/fd")

	dirFd, _, errno := unix.RawSyscall6(unix.SYS_OPENAT, uintptr(unix.AT_FDCWD),
		uintptr(unsafe.Pointer(&pathBuf[0])), unix.O_RDONLY|unix.O_DIRECTORY, 0, 0, 0)
	if errno != 0 {
		return false
	}

	var buf [4096]byte
	for {
		n, _, errno := unix.RawSyscall(unix.SYS_GETDENTS64, dirFd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		if errno != 0 {
			return false
		}
		if n == 0 {
			break
		}
		var off uintptr
		for off < n {
			d := (*linuxDirent64)(unsafe.Pointer(&buf[off]))
			name := cstringAt(unsafe.Pointer(&d.name[0]))
			fd, ok := parseUint(name)
			if ok && uintptr(fd) != dirFd {
				unix.RawSyscall(unix.SYS_CLOSE, uintptr(fd), 0, 0)
			}
			off += uintptr(d.reclen)
		}
	}
	unix.RawSyscall(unix.SYS_CLOSE, dirFd, 0, 0)
	return true
}

// linuxDirent64 mirrors struct linux_dirent64 from getdents64(2).
type linuxDirent64 struct {
	ino    uint64
	off    int64
	reclen uint16
	typ    uint8
	name   [1]byte
}

func cstringAt(p unsafe.Pointer) string {
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return unsafe.String((*byte)(p), n)
}

func parseUint(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v := 0
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}
