package overlay

import (
	"math/rand"
	"sync"
	"time"
)

// Executor is the single logical "user thread" all core state mutations run
// on. Tasks posted from any goroutine execute one at a time, in order. The
// peer table is only ever touched from executor tasks, which removes the need
// for locking inside the core.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// NewExecutor starts the worker goroutine and returns the executor.
func NewExecutor() *Executor {
	e := &Executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

// Post enqueues task for execution on the user thread. Posting never blocks;
// tasks posted after Stop are dropped.
func (e *Executor) Post(task func()) {
	e.post(task)
}

func (e *Executor) post(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.queue = append(e.queue, task)
	e.cond.Signal()
	return true
}

// Invoke posts task and blocks until it has run. It must not be called from
// within an executor task. Returns false if the executor is stopped and the
// task was dropped.
func (e *Executor) Invoke(task func()) bool {
	ran := make(chan struct{})
	if !e.post(func() {
		task()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// RunAfter schedules task on the user thread after d. The returned timer can
// be stopped before it fires.
func (e *Executor) RunAfter(task func(), d time.Duration) *Timer {
	tm := &Timer{}
	tm.timer = time.AfterFunc(d, func() {
		if tm.isStopped() {
			return
		}
		e.Post(task)
	})
	return tm
}

// RunAfterRandomDelay schedules task after a delay drawn uniformly from
// [min, max].
func (e *Executor) RunAfterRandomDelay(task func(), min, max time.Duration) *Timer {
	return e.RunAfter(task, randomDelay(min, max))
}

// Stop drops all pending tasks and terminates the worker. The currently
// running task, if any, completes first. Stop is idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.stopped = true
	e.queue = nil
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

func (e *Executor) loop() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			close(e.done)
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		task()
	}
}

// Timer is a cancelable scheduled task. Stopping after the fire is a no-op.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
}

// Stop cancels the timer; the task will not run.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stopped = true
	tm := t.timer
	t.mu.Unlock()
	if tm != nil {
		tm.Stop()
	}
}

func (t *Timer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
