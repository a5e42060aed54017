package overlay

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type handshakeResult struct {
	conn Connection
	err  error
}

func subscribe(fut *ConnFuture, ch chan handshakeResult) {
	fut.Then(
		func(conn Connection) { ch <- handshakeResult{conn: conn} },
		func(err error) { ch <- handshakeResult{err: err} },
	)
}

func newHandshakeFixture(t *testing.T) (*Executor, *testTransport) {
	t.Helper()
	exec := NewExecutor()
	t.Cleanup(exec.Stop)
	transport := newTestTransport(exec, addr("self.onion", 9999))
	return exec, transport
}

func testLogger() *slog.Logger {
	return slog.Default().With(slog.String("component", "peer_group"))
}

func TestHandshakeRequesterSuccess(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	results := make(chan handshakeResult, 1)

	var fut *ConnFuture
	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		fut = h.RequestAuthentication(peer)
		subscribe(fut, results)
	})

	waitFor(t, "request on the wire", func() bool {
		_, _, ok := transport.lastRequestTo(peer)
		return ok
	})
	req, conn, _ := transport.lastRequestTo(peer)
	require.Equal(t, transport.Address(), req.Address)

	transport.deliver(AuthenticationResponse{
		Address:        peer,
		RequesterNonce: req.RequesterNonce,
		ResponderNonce: 77,
	}, conn)

	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, peer, res.conn.PeerAddress())

	// The ack must echo the responder nonce.
	var ack AuthenticationAck
	found := false
	for _, s := range transport.sentMessages() {
		if a, ok := s.msg.(AuthenticationAck); ok {
			ack, found = a, true
		}
	}
	require.True(t, found, "no ack sent")
	require.Equal(t, int64(77), ack.ResponderNonce)
}

func TestHandshakeResponderSuccess(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	conn := transport.newInboundConn()
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		fut := h.RespondTo(AuthenticationRequest{Address: peer, RequesterNonce: 5}, conn)
		subscribe(fut, results)
	})

	waitFor(t, "response on the wire", func() bool {
		_, ok := transport.lastResponseOn(conn)
		return ok
	})
	resp, _ := transport.lastResponseOn(conn)
	require.Equal(t, int64(5), resp.RequesterNonce)

	transport.deliver(AuthenticationAck{Address: peer, ResponderNonce: resp.ResponderNonce}, conn)

	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, peer, conn.PeerAddress())
}

func TestHandshakeWrongResponseNonceFails(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		subscribe(h.RequestAuthentication(peer), results)
	})
	waitFor(t, "request on the wire", func() bool {
		_, _, ok := transport.lastRequestTo(peer)
		return ok
	})
	req, conn, _ := transport.lastRequestTo(peer)

	transport.deliver(AuthenticationResponse{
		Address:        peer,
		RequesterNonce: req.RequesterNonce + 1,
		ResponderNonce: 77,
	}, conn)

	res := <-results
	require.ErrorIs(t, res.err, ErrHandshakeRejected)
}

func TestHandshakeWrongAckNonceFails(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	conn := transport.newInboundConn()
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		subscribe(h.RespondTo(AuthenticationRequest{Address: peer, RequesterNonce: 5}, conn), results)
	})
	waitFor(t, "response on the wire", func() bool {
		_, ok := transport.lastResponseOn(conn)
		return ok
	})
	resp, _ := transport.lastResponseOn(conn)

	transport.deliver(AuthenticationAck{Address: peer, ResponderNonce: resp.ResponderNonce - 1}, conn)

	res := <-results
	require.ErrorIs(t, res.err, ErrHandshakeRejected)
}

func TestHandshakeResponseFromOtherAddressIgnored(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	imposter := addr("imposter.onion", 8002)
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		subscribe(h.RequestAuthentication(peer), results)
	})
	waitFor(t, "request on the wire", func() bool {
		_, _, ok := transport.lastRequestTo(peer)
		return ok
	})
	req, conn, _ := transport.lastRequestTo(peer)

	transport.deliver(AuthenticationResponse{
		Address:        imposter,
		RequesterNonce: req.RequesterNonce,
		ResponderNonce: 77,
	}, conn)
	exec.Invoke(func() {})

	select {
	case res := <-results:
		t.Fatalf("handshake settled on a message from the wrong address: %+v", res)
	default:
	}
}

func TestHandshakeSendFailureFails(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	transport.failSendsTo(peer, errors.New("circuit build failed"))
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		subscribe(h.RequestAuthentication(peer), results)
	})

	res := <-results
	require.Error(t, res.err)
}

func TestHandshakeIsSingleShot(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		h.RequestAuthentication(peer)
		subscribe(h.RequestAuthentication(peer), results)
	})

	res := <-results
	require.ErrorIs(t, res.err, ErrHandshakeConsumed)
}

func TestHandshakeRemovesListenerOnCompletion(t *testing.T) {
	exec, transport := newHandshakeFixture(t)
	peer := addr("peer1.onion", 8001)
	results := make(chan handshakeResult, 1)

	exec.Invoke(func() {
		h := newHandshake(transport, exec, testLogger())
		subscribe(h.RequestAuthentication(peer), results)
	})
	waitFor(t, "request on the wire", func() bool {
		_, _, ok := transport.lastRequestTo(peer)
		return ok
	})
	req, conn, _ := transport.lastRequestTo(peer)
	transport.deliver(AuthenticationResponse{
		Address:        peer,
		RequesterNonce: req.RequesterNonce,
		ResponderNonce: 1,
	}, conn)
	<-results

	require.Empty(t, transport.snapshotMessageListeners())
}
