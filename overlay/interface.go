package overlay

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionType classifies a connection for the eviction policy.
type ConnectionType int

const (
	// ConnTypeInbound is a fresh inbound connection, not yet classified.
	ConnTypeInbound ConnectionType = iota
	// ConnTypeOutbound is a fresh outbound connection, not yet classified.
	ConnTypeOutbound
	// ConnTypePassive is an inbound connection that was never promoted; the
	// first eviction tier.
	ConnTypePassive
	// ConnTypeActive is an outbound connection this node initiated; the
	// second eviction tier.
	ConnTypeActive
	// ConnTypeAuthRequest marks a connection carrying an inbound handshake.
	// It is never evicted.
	ConnTypeAuthRequest
)

func (t ConnectionType) String() string {
	switch t {
	case ConnTypeInbound:
		return "inbound"
	case ConnTypeOutbound:
		return "outbound"
	case ConnTypePassive:
		return "passive"
	case ConnTypeActive:
		return "active"
	case ConnTypeAuthRequest:
		return "auth_request"
	default:
		return "unknown"
	}
}

// DisconnectReason is reported by the transport when a connection closes.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectRemoteClosed
	DisconnectSendFailure
	DisconnectShutDownRequested
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRemoteClosed:
		return "remote_closed"
	case DisconnectSendFailure:
		return "send_failure"
	case DisconnectShutDownRequested:
		return "shutdown_requested"
	default:
		return "unknown"
	}
}

// Connection is a live transport connection. The transport owns it; the core
// holds a non-owning reference, may request a shutdown, and never frees it.
type Connection interface {
	// UID returns the connection's unique identifier.
	UID() string
	// PeerAddress returns the bound remote address, zero until authenticated
	// or otherwise learned.
	PeerAddress() Address
	// IsAuthenticated reports whether SetAuthenticated has been called.
	IsAuthenticated() bool
	ConnectionType() ConnectionType
	SetConnectionType(t ConnectionType)
	// SetPeerAddress binds the remote address once learned, e.g. when a
	// handshake proves it.
	SetPeerAddress(peer Address)
	// SetAuthenticated binds the remote address and marks the connection
	// authenticated.
	SetAuthenticated(peer Address)
	// LastActivity is the timestamp of the most recent send or receive.
	LastActivity() time.Time
	// ShutDown closes the connection. onComplete, if non-nil, runs after the
	// close finished; the transport dispatches it like any other callback.
	ShutDown(onComplete func())
}

// MessageListener receives every inbound message, dispatched on the user
// thread.
type MessageListener interface {
	OnMessage(msg Message, conn Connection)
}

// ConnectionListener observes connection lifecycle events, dispatched on the
// user thread.
type ConnectionListener interface {
	OnConnection(conn Connection)
	OnPeerAddressAuthenticated(peer Address, conn Connection)
	OnDisconnect(reason DisconnectReason, conn Connection)
	OnError(err error)
}

// Transport is the lower-level overlay network the peer group runs on. All
// listener callbacks and future completions must be dispatched on the single
// user-thread executor handed to the transport at wiring time.
type Transport interface {
	// SendMessage delivers msg to the node at addr, opening a connection if
	// needed. The future completes with the connection used.
	SendMessage(addr Address, msg Message) *ConnFuture
	// SendMessageOn delivers msg on an existing connection.
	SendMessageOn(conn Connection, msg Message) *ConnFuture
	// AllConnections snapshots the transport's live connections.
	AllConnections() []Connection
	// Address returns this node's own published address, zero until the
	// transport is ready.
	Address() Address

	AddMessageListener(l MessageListener)
	RemoveMessageListener(l MessageListener)
	AddConnectionListener(l ConnectionListener)
	RemoveConnectionListener(l ConnectionListener)
}

// NewConnectionUID returns the canonical UID for a new transport connection.
// Transports are expected to use this so UIDs stay comparable across
// implementations.
func NewConnectionUID() string {
	return uuid.NewString()
}
