// Package thread manages the background workers of the stack. A LoopThread
// runs a body repeatedly until the body declines to continue or the thread is
// stopped; a PeriodicTask is a LoopThread that sleeps between invocations.
// All running loop threads are tracked in a process-wide registry.
//
// The registry exists so a process teardown (and tests) can stop everything
// that is still running. Go processes cannot fork-and-continue, so there is
// no atfork handling here; on platforms with fork the original design had to
// stop and restart all managed threads around the fork.
package thread

import (
	"sync"
	"time"
)

// system is the process-wide registry of running loop threads.
type system struct {
	mu      sync.Mutex
	running map[*LoopThread]struct{}
}

var threadSystem = &system{running: make(map[*LoopThread]struct{})}

func (s *system) register(t *LoopThread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[t] = struct{}{}
}

func (s *system) unregister(t *LoopThread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, t)
}

// NumRunningThreads reports how many managed threads are currently running.
func NumRunningThreads() int {
	threadSystem.mu.Lock()
	defer threadSystem.mu.Unlock()
	return len(threadSystem.running)
}

// StopAllThreads stops every registered thread. Used on process teardown.
func StopAllThreads() {
	threadSystem.mu.Lock()
	threads := make([]*LoopThread, 0, len(threadSystem.running))
	for t := range threadSystem.running {
		threads = append(threads, t)
	}
	threadSystem.mu.Unlock()
	for _, t := range threads {
		t.Stop()
	}
}

// LoopThread runs body until it returns false or Stop is called. The body
// gets the stop channel so long waits inside an iteration stay interruptible.
type LoopThread struct {
	name string
	body func(stop <-chan struct{}) bool

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func NewLoopThread(name string, body func(stop <-chan struct{}) bool) *LoopThread {
	return &LoopThread{name: name, body: body}
}

func (t *LoopThread) Name() string { return t.name }

// Start launches the thread. Starting a running thread is a no-op.
func (t *LoopThread) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	threadSystem.register(t)
	go t.run(t.stop, t.done)
}

func (t *LoopThread) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer threadSystem.unregister(t)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !t.body(stop) {
			return
		}
	}
}

// Stop signals the thread and waits for the current iteration to finish.
// Safe to call more than once; a no-op for a never-started thread.
func (t *LoopThread) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	stop, done := t.stop, t.done
	t.started = false
	t.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

// PeriodicTask invokes task every interval until stopped.
type PeriodicTask struct {
	thread *LoopThread
}

// RunPeriodicTask starts the task immediately. The first invocation happens
// one interval after the start.
func RunPeriodicTask(name string, interval time.Duration, task func()) *PeriodicTask {
	thread := NewLoopThread(name, func(stop <-chan struct{}) bool {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-stop:
			return false
		case <-timer.C:
			task()
			return true
		}
	})
	thread.Start()
	return &PeriodicTask{thread: thread}
}

func (p *PeriodicTask) Stop() {
	p.thread.Stop()
}
