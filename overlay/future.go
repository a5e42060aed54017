package overlay

import "sync"

// Dispatcher serializes callbacks onto the user thread. *Executor is the
// canonical implementation.
type Dispatcher interface {
	Post(task func())
}

// ConnFuture is a single-shot completion handle for an asynchronous transport
// operation. The first Complete or Fail wins; callbacks registered with Then
// are re-dispatched through the Dispatcher before they run, so they may touch
// core state safely.
type ConnFuture struct {
	d Dispatcher

	mu   sync.Mutex
	done bool
	conn Connection
	err  error
	subs []futureCallback
}

type futureCallback struct {
	onOK  func(Connection)
	onErr func(error)
}

// NewConnFuture creates an unsettled future dispatching on d.
func NewConnFuture(d Dispatcher) *ConnFuture {
	return &ConnFuture{d: d}
}

// Complete settles the future successfully. Returns false if it was already
// settled.
func (f *ConnFuture) Complete(conn Connection) bool {
	return f.settle(conn, nil)
}

// Fail settles the future with err. Returns false if it was already settled.
func (f *ConnFuture) Fail(err error) bool {
	return f.settle(nil, err)
}

// Then registers completion callbacks. Either may be nil. If the future is
// already settled the matching callback is still dispatched asynchronously.
func (f *ConnFuture) Then(onOK func(Connection), onErr func(error)) {
	cb := futureCallback{onOK: onOK, onErr: onErr}
	f.mu.Lock()
	if !f.done {
		f.subs = append(f.subs, cb)
		f.mu.Unlock()
		return
	}
	conn, err := f.conn, f.err
	f.mu.Unlock()
	f.dispatch(cb, conn, err)
}

// Done reports whether the future has settled.
func (f *ConnFuture) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *ConnFuture) settle(conn Connection, err error) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.conn = conn
	f.err = err
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, cb := range subs {
		f.dispatch(cb, conn, err)
	}
	return true
}

func (f *ConnFuture) dispatch(cb futureCallback, conn Connection, err error) {
	f.d.Post(func() {
		if err != nil {
			if cb.onErr != nil {
				cb.onErr(err)
			}
			return
		}
		if cb.onOK != nil {
			cb.onOK(conn)
		}
	})
}
