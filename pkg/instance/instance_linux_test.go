//go:build linux && amd64

package instance

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/asmase-go/asmase/pkg/arch"
	"github.com/asmase-go/asmase/pkg/asmerr"
	"github.com/asmase-go/asmase/pkg/reactor"
	"github.com/asmase-go/asmase/pkg/scp"
)

// newReadyController creates a Controller and waits for it to reach
// Ready, skipping the test if ptrace isn't usable in this environment
// (some sandboxes deny PTRACE_TRACEME via seccomp).
func newReadyController(t *testing.T, flags SandboxFlags) *Controller {
	t.Helper()
	c, err := NewController(flags)
	if err != nil {
		t.Skipf("ptrace unavailable in this environment: %v", err)
	}
	t.Cleanup(c.Destroy)

	done := make(chan struct{})
	var waitErr error
	go func() {
		_, waitErr = c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Skip("timed out waiting for first stop; ptrace likely unavailable here")
	}
	if waitErr != nil {
		t.Skipf("ptrace unavailable in this environment: %v", waitErr)
	}
	if c.State() != Ready {
		t.Fatalf("expected Ready after first stop, got %s", c.State())
	}
	return c
}

func waitFor(t *testing.T, c *Controller) (reactor.StopStatus, error) {
	t.Helper()
	type result struct {
		status reactor.StopStatus
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.Wait()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.status, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tracee stop")
		return reactor.StopStatus{}, nil
	}
}

func TestNewControllerReachesReady(t *testing.T) {
	c := newReadyController(t, 0)
	assert.Equal(t, c.State(), Ready)
	assert.Assert(t, c.GetPID() > 0)
}

func TestExecuteNoOpReturnsToReady(t *testing.T) {
	c := newReadyController(t, 0)

	assert.NilError(t, c.Execute(nil))
	status, err := waitFor(t, c)
	assert.NilError(t, err)
	assert.Equal(t, status.Kind, reactor.Stopped)
	assert.Equal(t, status.Signal, unix.SIGTRAP)
	assert.Equal(t, c.State(), Ready)
}

func TestExecuteImmediateToRegister(t *testing.T) {
	c := newReadyController(t, 0)

	// mov rax, 0x4242 ; (trap appended by Execute)
	code := []byte{0x48, 0xB8, 0x42, 0x42, 0, 0, 0, 0, 0, 0}
	assert.NilError(t, c.Execute(code))
	_, err := waitFor(t, c)
	assert.NilError(t, err)

	d, ok := arch.AMD64.Lookup("rax")
	assert.Assert(t, ok)
	v, _ := c.GetRegister(d)
	assert.Equal(t, v.Uint64(), uint64(0x4242))
}

func TestExecuteSetsCarryFlag(t *testing.T) {
	c := newReadyController(t, 0)

	// stc
	code := []byte{0xF9}
	assert.NilError(t, c.Execute(code))
	_, err := waitFor(t, c)
	assert.NilError(t, err)

	d, ok := arch.AMD64.Lookup("eflags")
	assert.Assert(t, ok)
	v, flags := c.GetRegister(d)
	assert.Assert(t, v.Uint64()&1 == 1)
	found := false
	for _, f := range flags {
		if f == "CF" {
			found = true
		}
	}
	assert.Assert(t, found, "expected CF in decoded eflags, got %v", flags)
}

func TestExecuteSegfaultLeavesInstanceReady(t *testing.T) {
	c := newReadyController(t, 0)

	// xor eax, eax ; mov byte [rax], 1  (write through a null pointer)
	code := []byte{0x31, 0xC0, 0xC6, 0x00, 0x01}
	assert.NilError(t, c.Execute(code))
	status, err := waitFor(t, c)
	assert.NilError(t, err)
	assert.Equal(t, status.Kind, reactor.Stopped)
	assert.Equal(t, status.Signal, unix.SIGSEGV)
	assert.Equal(t, c.State(), Ready)

	base, _ := c.GetMemoryRange()
	_, err = c.ReadMemory(base, 8)
	assert.NilError(t, err)
}

func TestExecuteWithSyscallSandboxTraps(t *testing.T) {
	c := newReadyController(t, SandboxSyscalls)

	// xor edi, edi ; mov eax, 60 (exit) ; syscall
	code := []byte{0x31, 0xFF, 0xB8, 0x3C, 0, 0, 0, 0x0F, 0x05}
	assert.NilError(t, c.Execute(code))
	status, err := waitFor(t, c)
	assert.NilError(t, err)
	// The seccomp filter's RET_TRAP action delivers SIGSYS synchronously
	// instead of letting the syscall run, so the tracee never actually
	// exits and the stop is observable with no ptrace option beyond
	// PTRACE_O_EXITKILL.
	assert.Equal(t, status.Kind, reactor.Stopped)
	assert.Equal(t, status.Signal, unix.SIGSYS)
	assert.Equal(t, c.State(), Ready)
}

func TestExecuteRejectsCodeLargerThanCodeMax(t *testing.T) {
	c := newReadyController(t, 0)

	trap := arch.AMD64.TrapOpcode()
	code := make([]byte, scp.CodeMax-len(trap)+1)
	err := c.Execute(code)
	assert.Assert(t, errors.Is(err, asmerr.ErrCodeTooLarge))
}

func TestExecuteRejectsNonReadyState(t *testing.T) {
	c, err := NewController(0)
	if err != nil {
		t.Skipf("ptrace unavailable in this environment: %v", err)
	}
	t.Cleanup(c.Destroy)
	// Still in state New: no first stop observed yet.
	err = c.Execute(nil)
	assert.Assert(t, errors.Is(err, asmerr.ErrInvalidState))
}
