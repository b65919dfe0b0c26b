// Package instance implements the Instance Controller: the tracer-side
// state machine that owns one tracee's lifecycle and exposes the core
// engine's public API (create, execute, wait/poll, register and memory
// access, destroy).
//
// Every ptrace request and wait4 call for every tracee in the process
// runs on one dedicated, LockOSThread'd goroutine, since the kernel
// requires PTRACE_TRACEME's implicit attach and every later ptrace/wait4
// call to originate from the same OS thread (golang/go#7699).
package instance

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/asmase-go/asmase/pkg/arch"
	"github.com/asmase-go/asmase/pkg/asmerr"
	"github.com/asmase-go/asmase/pkg/bootstrap"
	"github.com/asmase-go/asmase/pkg/reactor"
	"github.com/asmase-go/asmase/pkg/scp"
	"github.com/asmase-go/asmase/pkg/seccomp"
)

// SandboxFlags is a bitmask over the sandbox options a new Instance can
// request. The zero value requests no sandboxing.
type SandboxFlags uint32

const (
	// SandboxFds closes every open file descriptor in the tracee before
	// it traps for attach.
	SandboxFds SandboxFlags = 1 << iota
	// SandboxSyscalls installs a kernel filter that traps on every
	// syscall except munmap.
	SandboxSyscalls

	sandboxFlagsLimit
)

// SandboxAll enables every sandbox option.
const SandboxAll = sandboxFlagsLimit - 1

// Validate rejects any bit outside SandboxAll.
func (f SandboxFlags) Validate() error {
	if f&^SandboxAll != 0 {
		return asmerr.ErrInvalidFlags
	}
	return nil
}

// State is one point in an Instance's lifecycle.
type State int32

const (
	New State = iota
	Ready
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Exited:
		return "Exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingFirstStop
	pendingExecute
)

// Controller is the tracer-side handle for one tracee. The zero value is
// not usable; construct with NewController.
type Controller struct {
	mu          sync.Mutex
	handle      reactor.Handle
	pid         int
	a           arch.Arch
	scp         *scp.SCP
	flags       SandboxFlags
	state       State
	reaped      bool
	react       *reactor.Reactor
	log         *logrus.Entry
	waitCh      <-chan reactor.Result
	pendingKind pendingKind
}

var nextHandle uint64

func allocHandle() reactor.Handle {
	return reactor.Handle(atomic.AddUint64(&nextHandle, 1))
}

var defaultLog = logrus.NewEntry(logrus.StandardLogger())

// SetLogger overrides the package-wide default logger used by new
// Controllers that don't call Controller.SetLogger explicitly.
func SetLogger(log *logrus.Entry) { defaultLog = log }

// NewController creates a tracee: validates
// flags, creates the SCP, forks a tracee running the Tracee Bootstrap,
// and returns immediately with the Instance in state New. The caller
// must Wait or Poll to observe the tracee reach Ready.
func NewController(flags SandboxFlags) (*Controller, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}

	s, err := scp.Create()
	if err != nil {
		return nil, asmerr.Wrap("scp.Create", err)
	}

	a := arch.Host
	bargs := bootstrap.Args{
		SCPFD:      s.FD(),
		TargetAddr: a.TargetAddress(),
		SCPSize:    scp.Size,
		SandboxFds: flags&SandboxFds != 0,
	}
	if flags&SandboxSyscalls != 0 {
		filter, ferr := seccomp.TrapAllExceptMunmap()
		if ferr != nil {
			s.Release()
			return nil, asmerr.Wrap("seccomp.TrapAllExceptMunmap", ferr)
		}
		bargs.SeccompFilter = filter
	}

	ctrl := &Controller{
		handle: allocHandle(),
		a:      a,
		scp:    s,
		flags:  flags,
		state:  New,
		log:    defaultLog,
		react:  reactor.Global(),
	}

	var forkErr error
	submit(func() {
		pid, ferr := bootstrap.Fork(bargs)
		if ferr != nil {
			forkErr = ferr
			return
		}
		ctrl.pid = pid
		ctrl.waitCh = ctrl.react.Register(ctrl.handle, pid)
		ctrl.pendingKind = pendingFirstStop
	})
	if forkErr != nil {
		s.Release()
		return nil, asmerr.Wrap("bootstrap.Fork", forkErr)
	}
	return ctrl, nil
}

// SetLogger overrides this Controller's logger.
func (c *Controller) SetLogger(log *logrus.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = log
}

// State returns the Instance's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetPID returns the tracee's process id.
func (c *Controller) GetPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// GetMemoryRange returns the SCP's base address and length in the
// tracee's address space.
func (c *Controller) GetMemoryRange() (uintptr, int) {
	return c.a.TargetAddress(), scp.Size
}

// Wait blocks until the next stop-status is available.
// Spurious window-change stops are absorbed transparently; Wait only
// returns once a caller-visible status is ready.
func (c *Controller) Wait() (reactor.StopStatus, error) {
	for {
		ch, kind, ok := c.currentWait()
		if !ok {
			return reactor.StopStatus{}, fmt.Errorf("asmase: instance: no pending operation")
		}
		res := <-ch
		status, err, done := c.resolve(kind, res)
		if done {
			return status, err
		}
	}
}

// Poll returns immediately: (status, true, nil) if a stop-status is
// ready, (zero, false, nil) if not, or (zero, false, err) on error. A
// spurious window-change stop is absorbed internally and reported as
// "not yet ready" to the caller.
func (c *Controller) Poll() (reactor.StopStatus, bool, error) {
	ch, kind, ok := c.currentWait()
	if !ok {
		return reactor.StopStatus{}, false, nil
	}
	select {
	case res := <-ch:
		status, err, done := c.resolve(kind, res)
		if !done {
			return reactor.StopStatus{}, false, nil
		}
		return status, true, err
	default:
		return reactor.StopStatus{}, false, nil
	}
}

func (c *Controller) currentWait() (<-chan reactor.Result, pendingKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitCh == nil {
		return nil, pendingNone, false
	}
	return c.waitCh, c.pendingKind, true
}

// resolve interprets one reactor.Result against the kind of operation
// that was pending. done is false only when a spurious stop was
// absorbed and the caller should keep waiting/polling.
func (c *Controller) resolve(kind pendingKind, res reactor.Result) (reactor.StopStatus, error, bool) {
	if res.Err != nil {
		c.mu.Lock()
		c.waitCh = nil
		c.mu.Unlock()
		return reactor.StopStatus{}, res.Err, true
	}

	if kind == pendingFirstStop {
		return c.handleFirstStop(res.Status)
	}
	return c.handleExecuteStop(res.Status)
}

func (c *Controller) handleFirstStop(status reactor.StopStatus) (reactor.StopStatus, error, bool) {
	if status.Kind != reactor.Stopped {
		c.mu.Lock()
		c.state = Exited
		c.reaped = true
		c.waitCh = nil
		c.mu.Unlock()
		return status, fmt.Errorf("asmase: instance: tracee exited during bootstrap: %s", status), true
	}

	var optErr error
	submit(func() {
		optErr = unix.PtraceSetOptions(c.pid, unix.PTRACE_O_EXITKILL)
	})
	if optErr != nil {
		c.killAndMarkExited()
		return status, asmerr.Wrap("ptrace(PTRACE_SETOPTIONS)", optErr), true
	}

	c.scp.Clear()

	if err := c.validateSandbox(); err != nil {
		c.killAndMarkExited()
		return status, err, true
	}

	c.mu.Lock()
	c.state = Ready
	c.waitCh = nil
	c.mu.Unlock()
	return status, nil, true
}

func (c *Controller) handleExecuteStop(status reactor.StopStatus) (reactor.StopStatus, error, bool) {
	switch status.Kind {
	case reactor.Exited, reactor.Signaled:
		c.mu.Lock()
		c.state = Exited
		c.reaped = true
		c.waitCh = nil
		c.mu.Unlock()
		return status, nil, true

	case reactor.Stopped:
		if status.Signal == unix.SIGWINCH {
			var contErr error
			submit(func() {
				contErr = unix.PtraceCont(c.pid, 0)
			})
			if contErr != nil {
				c.mu.Lock()
				c.state = Exited
				c.waitCh = nil
				c.mu.Unlock()
				return status, asmerr.Wrap("ptrace(PTRACE_CONT) after absorbed SIGWINCH", contErr), true
			}
			c.mu.Lock()
			c.waitCh = c.react.Register(c.handle, c.pid)
			c.mu.Unlock()
			c.log.Debug("absorbed spurious SIGWINCH stop, resumed tracee")
			return reactor.StopStatus{}, nil, false
		}
		c.mu.Lock()
		c.state = Ready
		c.waitCh = nil
		c.mu.Unlock()
		return status, nil, true

	default:
		c.mu.Lock()
		c.waitCh = nil
		c.mu.Unlock()
		return status, nil, true
	}
}

// Execute runs the execution protocol: writes code plus
// the trap opcode into the SCP, resets the program counter, and
// continues the tracee. Returns once the tracee is running; completion
// is observed via Wait/Poll.
func (c *Controller) Execute(code []byte) error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return asmerr.ErrInvalidState
	}
	trap := c.a.TrapOpcode()
	if len(code)+len(trap) > scp.CodeMax {
		c.mu.Unlock()
		return asmerr.ErrCodeTooLarge
	}
	pid := c.pid
	base := c.a.TargetAddress()
	c.mu.Unlock()

	buf := make([]byte, 0, len(code)+len(trap))
	buf = append(buf, code...)
	buf = append(buf, trap...)
	if err := c.scp.Write(0, buf); err != nil {
		return asmerr.Wrap("scp.Write", err)
	}

	var resetErr, contErr error
	submit(func() {
		resetErr = c.a.ResetProgramCounter(pid, base)
		if resetErr != nil {
			return
		}
		contErr = unix.PtraceCont(pid, 0)
	})
	if resetErr != nil {
		return asmerr.Wrap("arch: reset program counter", resetErr)
	}
	if contErr != nil {
		return asmerr.Wrap("ptrace(PTRACE_CONT)", contErr)
	}

	c.mu.Lock()
	c.state = Running
	c.waitCh = c.react.Register(c.handle, c.pid)
	c.pendingKind = pendingExecute
	c.mu.Unlock()
	return nil
}

// GetRegister reads one register's current value and decoded status
// bits. It never fails: a ptrace failure on a Ready tracee is an engine
// invariant violation, not a caller error, and panics rather than being
// silently swallowed.
func (c *Controller) GetRegister(d *arch.Descriptor) (arch.Value, []string) {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	var snap *arch.Snapshot
	var err error
	submit(func() {
		snap, err = c.a.ReadRegisters(pid, []*arch.Descriptor{d})
	})
	if err != nil {
		panic(fmt.Sprintf("asmase: instance: read registers on Ready tracee failed: %v", err))
	}
	v, err := snap.Extract(d)
	if err != nil {
		panic(fmt.Sprintf("asmase: instance: extract register %q failed: %v", d.Name, err))
	}
	return v, arch.DecodeStatus(d, v.Uint64())
}

// SetRegister writes a new value for a writable register. Rejects
// descriptors the Architecture Adapter marked non-writable (derived
// fields like the reconstructed x87 tag word).
func (c *Controller) SetRegister(d *arch.Descriptor, v arch.Value) error {
	if !d.Writable {
		return asmerr.ErrInvalidFlags
	}
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	var err error
	submit(func() {
		err = c.a.WriteRegisters(pid, d, v)
	})
	if err != nil {
		return asmerr.Wrap("arch: write register", err)
	}
	return nil
}

// ReadMemory reads length bytes at addr in the tracee's address space
// using PTRACE_PEEKDATA.
func (c *Controller) ReadMemory(addr uintptr, length int) ([]byte, error) {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	buf := make([]byte, length)
	var n int
	var err error
	submit(func() {
		n, err = unix.PtracePeekData(pid, addr, buf)
	})
	if err != nil {
		return nil, asmerr.Wrap("ptrace(PTRACE_PEEKDATA)", err)
	}
	return buf[:n], nil
}

// ReadMemoryV performs a scatter/gather read via process_vm_readv,
// falling back to word-at-a-time PTRACE_PEEKDATA if the syscall is
// unavailable on older kernels.
func (c *Controller) ReadMemoryV(addr uintptr, length int) ([]byte, error) {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()

	buf := make([]byte, length)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(length)
	remote := []unix.RemoteIovec{{Base: addr, Len: length}}

	var n int
	var err error
	submit(func() {
		n, err = unix.ProcessVMReadv(pid, local, remote, 0)
	})
	if err == nil {
		return buf[:n], nil
	}
	if !errors.Is(err, unix.ENOSYS) {
		return nil, asmerr.Wrap("process_vm_readv", err)
	}

	c.log.Debug("process_vm_readv unavailable, falling back to PTRACE_PEEKDATA")
	return c.ReadMemory(addr, length)
}

// Destroy destroys the tracee: kills
// the tracee if not yet reaped, schedules background reaping, releases
// the SCP, and resolves any pending waiter with InstanceDestroyed.
// Destroy never fails and never blocks.
func (c *Controller) Destroy() {
	c.mu.Lock()
	pid := c.pid
	reaped := c.reaped
	c.state = Exited
	c.reaped = true
	c.mu.Unlock()

	if !reaped && pid != 0 {
		submit(func() {
			unix.Kill(pid, unix.SIGKILL)
		})
	}
	c.react.MarkDestroyed(c.handle, pid)
	if err := c.scp.Release(); err != nil {
		c.log.WithError(err).Debug("scp release failed during destroy")
	}
}

func (c *Controller) killAndMarkExited() {
	c.mu.Lock()
	pid := c.pid
	c.mu.Unlock()
	submit(func() {
		unix.Kill(pid, unix.SIGKILL)
	})
	c.react.MarkDestroyed(c.handle, pid)
	c.mu.Lock()
	c.state = Exited
	c.reaped = true
	c.waitCh = nil
	c.mu.Unlock()
}

// validateSandbox validates the sandbox: the SCP
// must be mapped at its target address, and any requested sandbox
// option must be observably in effect.
//
// Because this bootstrap runs inside a forked Go runtime rather than a
// minimal re-exec'd stub, it cannot unmap its own inherited heap and
// stacks before trapping the way a from-scratch C tracee could. Address
// isolation is therefore narrowed to what a Go-hosted tracee can
// actually guarantee: the SCP mapping exists at the correct address and
// size. SandboxFds and SandboxSyscalls violations are still detected in
// full, since neither depends on address-space layout.
func (c *Controller) validateSandbox() error {
	c.mu.Lock()
	pid := c.pid
	flags := c.flags
	base := c.a.TargetAddress()
	c.mu.Unlock()

	if !scpMappedAt(pid, base, scp.Size) {
		return asmerr.ErrAddressNotAvailable
	}

	if flags&SandboxFds != 0 {
		entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
		if err != nil {
			return asmerr.Wrap("read /proc/pid/fd", err)
		}
		if len(entries) != 0 {
			return asmerr.ErrSandboxViolation
		}
	}

	if flags&SandboxSyscalls != 0 {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
		if err != nil {
			return asmerr.Wrap("read /proc/pid/status", err)
		}
		if !seccompActive(data) {
			return asmerr.ErrSandboxViolation
		}
	}
	return nil
}

// --- dedicated ptrace OS thread ---
//
// Every ptrace-related syscall for every Instance in the process is
// routed through this single goroutine, locked to one OS thread for the
// life of the process. It also owns the reactor's SIGCHLD-driven drain,
// since the non-blocking wait4 inside Drain is itself a ptrace-adjacent
// call subject to the same single-thread rule.

type command func()

var (
	cmdCh      = make(chan command)
	tracerOnce sync.Once
)

func ensureTracerLoop() {
	tracerOnce.Do(func() {
		ready := make(chan struct{})
		go tracerLoop(ready)
		<-ready
	})
}

func tracerLoop(ready chan struct{}) {
	runtime.LockOSThread()
	close(ready)
	sigCh := reactor.Global().Listen()
	for {
		select {
		case cmd := <-cmdCh:
			cmd()
		case <-sigCh:
			reactor.Global().Drain()
		}
	}
}

// submit runs fn on the dedicated ptrace thread and blocks until it
// completes.
func submit(fn func()) {
	ensureTracerLoop()
	done := make(chan struct{})
	cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}
