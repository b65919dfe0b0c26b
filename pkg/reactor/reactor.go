// Package reactor implements the Signal Multiplexer: a process-wide
// SIGCHLD dispatcher that drives every pending Instance Controller wait
// and best-effort background reap.
//
// signal.Notify(SIGCHLD) feeds a non-blocking wait4 loop. Pending waiters
// are indexed in a github.com/google/btree ordered map keyed by dispatch
// sequence number, a monotonic counter assigned at Register time, so the
// pending set has a deterministic iteration order that survives pid
// reuse; the actual "resolved in arrival order" guarantee comes from
// draining wait4(-1, WNOHANG) in a loop and resolving each ready pid as
// the kernel reports it.
package reactor

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/asmase-go/asmase/pkg/asmerr"
)

// Handle is a stable, pointer-free identifier for an Instance Controller:
// the multiplexer never holds a reference to an Instance, only this
// integer, so the two can't form a reference cycle.
type Handle uint64

// StopKind tags the reason a tracee stopped
type StopKind int

const (
	Exited StopKind = iota
	Signaled
	Stopped
	Continued
)

func (k StopKind) String() string {
	switch k {
	case Exited:
		return "Exited"
	case Signaled:
		return "Signaled"
	case Stopped:
		return "Stopped"
	case Continued:
		return "Continued"
	default:
		return "Unknown"
	}
}

// StopStatus is the tagged outcome of a wait/poll
type StopStatus struct {
	Kind   StopKind
	Code   int
	Signal unix.Signal
}

func (s StopStatus) String() string {
	switch s.Kind {
	case Exited:
		return "Exited(" + itoa(s.Code) + ")"
	case Signaled:
		return "Signaled(" + asmerr.SignalName(s.Signal) + ")"
	case Stopped:
		return "Stopped(" + asmerr.SignalName(s.Signal) + ")"
	default:
		return s.Kind.String()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Result is delivered to a registered waiter once its tracee's next stop
// is observed (or its Instance is destroyed first).
type Result struct {
	Status StopStatus
	Err    error
}

// waiterItem is one pending (handle, pid) registration. It implements
// btree.Item ordered by dispatch sequence number so the pending set has
// a deterministic iteration order reflecting registration order,
// independent of Go map iteration and of pid reuse.
type waiterItem struct {
	pid    int
	handle Handle
	ch     chan Result
	seq    uint64
}

func (w *waiterItem) Less(than btree.Item) bool {
	return w.seq < than.(*waiterItem).seq
}

type reapState struct {
	bo          backoff.BackOff
	nextAttempt time.Time
}

// Reactor is one process-wide Signal Multiplexer instance. Production
// code uses the Global() singleton; tests construct their own with New.
//
// A Reactor does not run its own goroutine: ptrace's single-tracer-
// thread rule (golang/go#7699) means the non-blocking wait4 in Drain
// must execute on whichever OS thread is actually attached to the
// tracees, so pkg/instance owns the dispatch loop and calls Listen/
// Drain from its dedicated, LockOSThread'd goroutine.
type Reactor struct {
	mu        sync.Mutex
	pending   *btree.BTree
	byPid     map[int]*waiterItem
	byHandle  map[Handle]*waiterItem
	reapPids  map[int]*reapState
	log       *logrus.Entry
	sigCh     chan os.Signal
	startOnce sync.Once
	stopOnce  sync.Once
	nextSeq   uint64
}

// New constructs an idle Reactor.
func New() *Reactor {
	return &Reactor{
		pending:  btree.New(32),
		byPid:    make(map[int]*waiterItem),
		byHandle: make(map[Handle]*waiterItem),
		reapPids: make(map[int]*reapState),
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
}

var (
	globalOnce sync.Once
	global     *Reactor
)

// Global returns the process-wide Reactor.
func Global() *Reactor {
	globalOnce.Do(func() { global = New() })
	return global
}

// SetLogger installs the logger used for best-effort failures
// (background-reap give-ups). Default is the standard logrus logger at
// its default level.
func (r *Reactor) SetLogger(log *logrus.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
}

// Listen installs the SIGCHLD handler, if not already installed, and
// returns the channel it arrives on. The caller's own loop selects on
// this channel and calls Drain in response; repeated calls return the
// same channel.
func (r *Reactor) Listen() <-chan os.Signal {
	r.startOnce.Do(func() {
		r.sigCh = make(chan os.Signal, 16)
		signal.Notify(r.sigCh, unix.SIGCHLD)
	})
	return r.sigCh
}

// Stop removes the signal handler. Intended for tests; production
// Reactors live for the process lifetime.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		if r.sigCh != nil {
			signal.Stop(r.sigCh)
		}
	})
}

// Register records a pending wait for pid under handle and returns the
// channel its Result will arrive on. The channel is buffered so a
// resolve from the dispatch loop never blocks.
func (r *Reactor) Register(handle Handle, pid int) <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Result, 1)
	r.nextSeq++
	it := &waiterItem{pid: pid, handle: handle, ch: ch, seq: r.nextSeq}
	r.pending.ReplaceOrInsert(it)
	r.byPid[pid] = it
	r.byHandle[handle] = it
	return ch
}

// Cancel removes a pending registration without resolving it. A handle
// with no pending registration is ignored.
func (r *Reactor) Cancel(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(handle)
}

func (r *Reactor) removeLocked(handle Handle) *waiterItem {
	it, ok := r.byHandle[handle]
	if !ok {
		return nil
	}
	delete(r.byHandle, handle)
	delete(r.byPid, it.pid)
	r.pending.Delete(it)
	return it
}

// MarkDestroyed resolves handle's pending waiter, if any, with
// ErrInstanceDestroyed and schedules pid for background reaping. Safe to
// call whether or not a waiter is currently registered.
func (r *Reactor) MarkDestroyed(handle Handle, pid int) {
	r.mu.Lock()
	it := r.removeLocked(handle)
	r.scheduleReapLocked(pid)
	r.mu.Unlock()

	if it != nil {
		it.ch <- Result{Err: asmerr.ErrInstanceDestroyed}
	}
}

func (r *Reactor) scheduleReapLocked(pid int) {
	if _, ok := r.reapPids[pid]; ok {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	r.reapPids[pid] = &reapState{bo: bo, nextAttempt: time.Now()}
}

// Drain runs one dispatch pass: resolve every pid whose state has
// changed, in the order wait4 reports them, then retry any due
// background reaps. Exported so tests can drive dispatch without
// depending on an actual SIGCHLD delivery.
func (r *Reactor) Drain() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		r.resolvePid(pid, ws)
	}
	r.drainBackgroundReap()
}

func (r *Reactor) resolvePid(pid int, ws unix.WaitStatus) {
	r.mu.Lock()
	it, ok := r.byPid[pid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byPid, pid)
	delete(r.byHandle, it.handle)
	r.pending.Delete(it)
	r.mu.Unlock()

	it.ch <- Result{Status: statusFromWait(ws)}
}

func (r *Reactor) drainBackgroundReap() {
	r.mu.Lock()
	now := time.Now()
	var due []int
	for pid, st := range r.reapPids {
		if !now.Before(st.nextAttempt) {
			due = append(due, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range due {
		var ws unix.WaitStatus
		got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)

		r.mu.Lock()
		st, ok := r.reapPids[pid]
		if !ok {
			r.mu.Unlock()
			continue
		}
		if err == nil && got == pid {
			delete(r.reapPids, pid)
			r.mu.Unlock()
			continue
		}
		d := st.bo.NextBackOff()
		if d == backoff.Stop {
			delete(r.reapPids, pid)
			r.mu.Unlock()
			r.log.WithField("pid", pid).Debug("background reap exhausted retries; relying on controller-exit cleanup")
			continue
		}
		st.nextAttempt = now.Add(d)
		r.mu.Unlock()
	}
}

func statusFromWait(ws unix.WaitStatus) StopStatus {
	switch {
	case ws.Exited():
		return StopStatus{Kind: Exited, Code: ws.ExitStatus()}
	case ws.Signaled():
		return StopStatus{Kind: Signaled, Signal: ws.Signal()}
	case ws.Stopped():
		return StopStatus{Kind: Stopped, Signal: ws.StopSignal()}
	case ws.Continued():
		return StopStatus{Kind: Continued}
	default:
		return StopStatus{Kind: Stopped, Signal: unix.Signal(0)}
	}
}
