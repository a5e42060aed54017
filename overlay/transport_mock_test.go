package overlay

import (
	"sync"
	"testing"
	"time"
)

// testConn is the transport-owned connection used by the in-memory transport.
type testConn struct {
	mu            sync.Mutex
	uid           string
	peerAddress   Address
	authenticated bool
	connType      ConnectionType
	lastActivity  time.Time
	closed        bool
	transport     *testTransport
}

func (c *testConn) UID() string {
	return c.uid
}

func (c *testConn) PeerAddress() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddress
}

func (c *testConn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *testConn) ConnectionType() ConnectionType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connType
}

func (c *testConn) SetConnectionType(t ConnectionType) {
	c.mu.Lock()
	c.connType = t
	c.mu.Unlock()
}

func (c *testConn) SetPeerAddress(peer Address) {
	c.mu.Lock()
	c.peerAddress = peer
	c.mu.Unlock()
}

func (c *testConn) SetAuthenticated(peer Address) {
	c.mu.Lock()
	c.peerAddress = peer
	c.authenticated = true
	c.mu.Unlock()
}

func (c *testConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *testConn) setLastActivity(t time.Time) {
	c.mu.Lock()
	c.lastActivity = t
	c.mu.Unlock()
}

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *testConn) ShutDown(onComplete func()) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		c.transport.dropConn(c)
		c.transport.emitDisconnect(DisconnectShutDownRequested, c)
	}
	if onComplete != nil {
		c.transport.exec.Post(onComplete)
	}
}

func (c *testConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

type sentMessage struct {
	to   Address // zero when sent on an existing connection
	conn *testConn
	msg  Message
	fut  *ConnFuture
}

// testTransport is an in-memory Transport. Sends succeed immediately unless a
// failure is scripted; inbound traffic is injected with deliver. All listener
// callbacks and future completions dispatch on the shared executor, matching
// the contract real transports must honor.
type testTransport struct {
	mu            sync.Mutex
	exec          *Executor
	addr          Address
	msgListeners  []MessageListener
	connListeners []ConnectionListener
	conns         []*testConn
	sent          []sentMessage
	failSendTo    map[Address]error
	failSendOn    map[string]error
}

func newTestTransport(exec *Executor, addr Address) *testTransport {
	return &testTransport{
		exec:       exec,
		addr:       addr,
		failSendTo: make(map[Address]error),
		failSendOn: make(map[string]error),
	}
}

func (t *testTransport) SendMessage(addr Address, msg Message) *ConnFuture {
	fut := NewConnFuture(t.exec)
	t.mu.Lock()
	if err, ok := t.failSendTo[addr]; ok {
		t.sent = append(t.sent, sentMessage{to: addr, msg: msg, fut: fut})
		t.mu.Unlock()
		fut.Fail(err)
		return fut
	}
	conn := t.lockedConnTo(addr)
	t.sent = append(t.sent, sentMessage{to: addr, conn: conn, msg: msg, fut: fut})
	t.mu.Unlock()
	conn.touch()
	fut.Complete(conn)
	return fut
}

func (t *testTransport) SendMessageOn(conn Connection, msg Message) *ConnFuture {
	c := conn.(*testConn)
	fut := NewConnFuture(t.exec)
	t.mu.Lock()
	if err, ok := t.failSendOn[c.uid]; ok {
		t.sent = append(t.sent, sentMessage{conn: c, msg: msg, fut: fut})
		t.mu.Unlock()
		fut.Fail(err)
		return fut
	}
	t.sent = append(t.sent, sentMessage{conn: c, msg: msg, fut: fut})
	t.mu.Unlock()
	c.touch()
	fut.Complete(c)
	return fut
}

func (t *testTransport) AllConnections() []Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *testTransport) Address() Address {
	return t.addr
}

func (t *testTransport) AddMessageListener(l MessageListener) {
	t.mu.Lock()
	t.msgListeners = append(t.msgListeners, l)
	t.mu.Unlock()
}

func (t *testTransport) RemoveMessageListener(l MessageListener) {
	t.mu.Lock()
	for i, existing := range t.msgListeners {
		if existing == l {
			t.msgListeners = append(t.msgListeners[:i], t.msgListeners[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

func (t *testTransport) AddConnectionListener(l ConnectionListener) {
	t.mu.Lock()
	t.connListeners = append(t.connListeners, l)
	t.mu.Unlock()
}

func (t *testTransport) RemoveConnectionListener(l ConnectionListener) {
	t.mu.Lock()
	for i, existing := range t.connListeners {
		if existing == l {
			t.connListeners = append(t.connListeners[:i], t.connListeners[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// lockedConnTo returns the open connection to addr, creating an outbound one
// if needed. Caller holds t.mu.
func (t *testTransport) lockedConnTo(addr Address) *testConn {
	for _, c := range t.conns {
		if !c.isClosed() && c.PeerAddress() == addr {
			return c
		}
	}
	conn := &testConn{
		uid:          NewConnectionUID(),
		peerAddress:  addr,
		connType:     ConnTypeOutbound,
		lastActivity: time.Now(),
		transport:    t,
	}
	t.conns = append(t.conns, conn)
	return conn
}

// newInboundConn opens a connection as the remote side would: no peer
// address bound yet.
func (t *testTransport) newInboundConn() *testConn {
	conn := &testConn{
		uid:          NewConnectionUID(),
		connType:     ConnTypeInbound,
		lastActivity: time.Now(),
		transport:    t,
	}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn
}

func (t *testTransport) addConn(conn *testConn) {
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
}

func (t *testTransport) dropConn(conn *testConn) {
	t.mu.Lock()
	for i, c := range t.conns {
		if c == conn {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// deliver injects an inbound message; listeners run on the executor.
func (t *testTransport) deliver(msg Message, conn Connection) {
	t.exec.Post(func() {
		if c, ok := conn.(*testConn); ok {
			c.touch()
		}
		for _, l := range t.snapshotMessageListeners() {
			l.OnMessage(msg, conn)
		}
	})
}

func (t *testTransport) emitDisconnect(reason DisconnectReason, conn Connection) {
	t.exec.Post(func() {
		for _, l := range t.snapshotConnectionListeners() {
			l.OnDisconnect(reason, conn)
		}
	})
}

func (t *testTransport) snapshotMessageListeners() []MessageListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MessageListener, len(t.msgListeners))
	copy(out, t.msgListeners)
	return out
}

func (t *testTransport) snapshotConnectionListeners() []ConnectionListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectionListener, len(t.connListeners))
	copy(out, t.connListeners)
	return out
}

func (t *testTransport) failSendsTo(addr Address, err error) {
	t.mu.Lock()
	t.failSendTo[addr] = err
	t.mu.Unlock()
}

func (t *testTransport) failSendsOn(conn *testConn, err error) {
	t.mu.Lock()
	t.failSendOn[conn.uid] = err
	t.mu.Unlock()
}

func (t *testTransport) sentMessages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *testTransport) requestsTo(addr Address) []AuthenticationRequest {
	var out []AuthenticationRequest
	for _, s := range t.sentMessages() {
		if req, ok := s.msg.(AuthenticationRequest); ok && s.to == addr {
			out = append(out, req)
		}
	}
	return out
}

func (t *testTransport) lastRequestTo(addr Address) (AuthenticationRequest, *testConn, bool) {
	sent := t.sentMessages()
	for i := len(sent) - 1; i >= 0; i-- {
		if req, ok := sent[i].msg.(AuthenticationRequest); ok && sent[i].to == addr {
			return req, sent[i].conn, true
		}
	}
	return AuthenticationRequest{}, nil, false
}

func (t *testTransport) lastResponseOn(conn *testConn) (AuthenticationResponse, bool) {
	sent := t.sentMessages()
	for i := len(sent) - 1; i >= 0; i-- {
		if resp, ok := sent[i].msg.(AuthenticationResponse); ok && sent[i].conn == conn {
			return resp, true
		}
	}
	return AuthenticationResponse{}, false
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
