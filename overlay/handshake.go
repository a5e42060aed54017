package overlay

import (
	"fmt"
	"log/slog"
	"math/rand"

	"tradenet/observability/logging"
)

type handshakeStage int

const (
	stageIdle handshakeStage = iota
	stageAwaitResponse
	stageAwaitAck
	stageDone
)

// Handshake drives one authentication exchange to completion. An instance is
// single-shot: it serves exactly one RequestAuthentication or RespondTo call
// and is discarded after its future settles.
//
// The exchange is an explicit two-role nonce round-trip:
//
//	requester                          responder
//	   | -- AuthenticationRequest  -->  |   (requester nonce)
//	   | <-- AuthenticationResponse --  |   (echo + responder nonce)
//	   | -- AuthenticationAck      -->  |   (echo)
//
// Each side completes once the peer has echoed its nonce, binding the remote
// address to the connection that carried the exchange.
type Handshake struct {
	transport Transport
	exec      *Executor
	logger    *slog.Logger

	stage       handshakeStage
	peerAddress Address
	localNonce  int64
	respondConn Connection
	result      *ConnFuture
}

func newHandshake(transport Transport, exec *Executor, logger *slog.Logger) *Handshake {
	return &Handshake{
		transport: transport,
		exec:      exec,
		logger:    logger,
		result:    NewConnFuture(exec),
	}
}

// RequestAuthentication initiates the outbound exchange with peer. The
// returned future completes once the responder echoed our nonce and our ack
// was sent, or fails on send failure or a bad echo. The peer group fails it
// when the connection closes mid-exchange.
func (h *Handshake) RequestAuthentication(peer Address) *ConnFuture {
	if h.stage != stageIdle {
		return h.consumed()
	}
	h.stage = stageAwaitResponse
	h.peerAddress = peer
	h.localNonce = rand.Int63()
	h.transport.AddMessageListener(h)

	h.logger.Debug("Requesting authentication",
		logging.MaskField("peer_address", peer.FullAddress()))
	req := AuthenticationRequest{Address: h.transport.Address(), RequesterNonce: h.localNonce}
	h.transport.SendMessage(peer, req).Then(nil, func(err error) {
		h.fail(fmt.Errorf("send authentication request: %w", err))
	})
	return h.result
}

// RespondTo completes the inbound exchange opened by req on conn.
func (h *Handshake) RespondTo(req AuthenticationRequest, conn Connection) *ConnFuture {
	if h.stage != stageIdle {
		return h.consumed()
	}
	h.stage = stageAwaitAck
	h.peerAddress = req.Address
	h.localNonce = rand.Int63()
	h.respondConn = conn
	h.transport.AddMessageListener(h)

	h.logger.Debug("Responding to authentication request",
		logging.MaskField("peer_address", req.Address.FullAddress()))
	resp := AuthenticationResponse{
		Address:        h.transport.Address(),
		RequesterNonce: req.RequesterNonce,
		ResponderNonce: h.localNonce,
	}
	h.transport.SendMessageOn(conn, resp).Then(nil, func(err error) {
		h.fail(fmt.Errorf("send authentication response: %w", err))
	})
	return h.result
}

// OnMessage implements MessageListener. Only messages claiming this
// handshake's peer address are considered; anything else belongs to another
// exchange.
func (h *Handshake) OnMessage(msg Message, conn Connection) {
	switch m := msg.(type) {
	case AuthenticationResponse:
		h.onResponse(m, conn)
	case AuthenticationAck:
		h.onAck(m, conn)
	}
}

func (h *Handshake) onResponse(m AuthenticationResponse, conn Connection) {
	if h.stage != stageAwaitResponse || m.Address != h.peerAddress {
		return
	}
	if m.RequesterNonce != h.localNonce {
		h.fail(fmt.Errorf("%w: wrong nonce echo in response", ErrHandshakeRejected))
		return
	}
	conn.SetPeerAddress(h.peerAddress)
	ack := AuthenticationAck{Address: h.transport.Address(), ResponderNonce: m.ResponderNonce}
	h.transport.SendMessageOn(conn, ack).Then(
		func(Connection) { h.complete(conn) },
		func(err error) { h.fail(fmt.Errorf("send authentication ack: %w", err)) },
	)
}

func (h *Handshake) onAck(m AuthenticationAck, conn Connection) {
	if h.stage != stageAwaitAck || m.Address != h.peerAddress {
		return
	}
	if m.ResponderNonce != h.localNonce {
		h.fail(fmt.Errorf("%w: wrong nonce echo in ack", ErrHandshakeRejected))
		return
	}
	if h.respondConn != nil && conn.UID() != h.respondConn.UID() {
		h.fail(fmt.Errorf("%w: ack arrived on a different connection", ErrHandshakeRejected))
		return
	}
	conn.SetPeerAddress(h.peerAddress)
	h.complete(conn)
}

// consumed reports misuse of the single-shot instance without disturbing the
// exchange already in flight.
func (h *Handshake) consumed() *ConnFuture {
	fut := NewConnFuture(h.exec)
	fut.Fail(ErrHandshakeConsumed)
	return fut
}

func (h *Handshake) complete(conn Connection) {
	if h.stage == stageDone {
		return
	}
	h.stage = stageDone
	h.transport.RemoveMessageListener(h)
	h.result.Complete(conn)
}

func (h *Handshake) fail(err error) {
	if h.stage == stageDone {
		return
	}
	h.stage = stageDone
	h.transport.RemoveMessageListener(h)
	h.logger.Debug("Authentication handshake failed",
		logging.MaskField("peer_address", h.peerAddress.FullAddress()),
		slog.Any("error", err))
	h.result.Fail(err)
}
