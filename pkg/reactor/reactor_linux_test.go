//go:build linux

package reactor

import (
	"os/exec"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// TestDrainResolvesExitedChild exercises Drain against a real child
// process rather than a synthetic WaitStatus. The child is started but
// never Wait()-ed by exec.Command itself: Drain's own wait4(-1, WNOHANG)
// is the only thing that reaps it, matching how pkg/instance's
// tracerLoop drives the Reactor in production.
func TestDrainResolvesExitedChild(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("no 'true' binary on PATH: %v", err)
	}

	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	r := New()
	ch := r.Register(Handle(1), cmd.Process.Pid)

	deadline := time.Now().Add(5 * time.Second)
	for {
		r.Drain()
		select {
		case res := <-ch:
			assert.NilError(t, res.Err)
			assert.Equal(t, res.Status.Kind, Exited)
			assert.Equal(t, res.Status.Code, 0)
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for child exit to be observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
