// Package asmerr defines the error taxonomy exposed at the core engine's
// boundary: a small set of sentinel errors the
// embedding layer can compare against with errors.Is, plus a thin wrapper
// for raw OS errors so a caller never has to type-assert unix.Errno.
package asmerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidFlags is returned when a sandbox flag bitmask has bits
	// outside SandboxAll, or when SetRegister targets a descriptor the
	// Architecture Adapter marked non-writable.
	ErrInvalidFlags = errors.New("asmase: invalid flags")

	// ErrInvalidState is returned when execute is attempted on an
	// Instance that is not in state Ready.
	ErrInvalidState = errors.New("asmase: instance not ready")

	// ErrInstanceDestroyed is returned to a pending waiter when its
	// Instance is destroyed before the waiter's operation completes.
	ErrInstanceDestroyed = errors.New("asmase: instance destroyed")

	// ErrCodeTooLarge is returned when code plus the trap opcode would
	// not fit in the shared code page's code region.
	ErrCodeTooLarge = errors.New("asmase: code too large for code page")

	// ErrAddressUnavailable is returned when the shared code page's
	// target address is already occupied by another mapping in the
	// tracee's address space.
	ErrAddressUnavailable = errors.New("asmase: scp target address unavailable")

	// ErrAddressNotAvailable is returned when the shared code page
	// mapping landed at a different address than requested.
	ErrAddressNotAvailable = errors.New("asmase: scp mapping at unexpected address")

	// ErrSandboxViolation is returned when sandbox validation fails:
	// leftover open descriptors, or seccomp/no-new-privs not active.
	ErrSandboxViolation = errors.New("asmase: sandbox validation failed")
)

// OSError wraps a raw OS error with the operation that produced it,
// keeping the underlying errno comparable via errors.Is/errors.As.
type OSError struct {
	Op  string
	Err error
}

func (e *OSError) Error() string { return fmt.Sprintf("asmase: %s: %v", e.Op, e.Err) }
func (e *OSError) Unwrap() error { return e.Err }

// Wrap annotates a raw OS error (typically a unix.Errno) with the
// operation that failed. Returns nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OSError{Op: op, Err: err}
}

// signalNames covers the signals the engine's end-to-end scenarios can
// produce; anything else falls back to a numeric rendering.
var signalNames = map[unix.Signal]string{
	unix.SIGTRAP: "SIGTRAP",
	unix.SIGSEGV: "SIGSEGV",
	unix.SIGILL:  "SIGILL",
	unix.SIGFPE:  "SIGFPE",
	unix.SIGBUS:  "SIGBUS",
	unix.SIGSYS:  "SIGSYS",
	unix.SIGABRT: "SIGABRT",
	unix.SIGKILL: "SIGKILL",
	unix.SIGSTOP: "SIGSTOP",
	unix.SIGWINCH: "SIGWINCH",
}

// SignalName renders a signal as a short mnemonic, falling back to a
// numeric rendering for anything not in the table.
func SignalName(sig unix.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
