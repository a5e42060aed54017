package overlay

// Message is the marker for every payload the overlay exchanges. The wire
// encoding is owned by the transport; the core only dispatches on the
// concrete type.
type Message interface {
	message()
}

// MaintenanceMessage marks the keepalive and peer-exchange subset.
type MaintenanceMessage interface {
	Message
	maintenance()
}

// AuthenticationRequest opens a handshake. It carries the requester's own
// address and a freshness challenge the responder must echo.
type AuthenticationRequest struct {
	Address        Address
	RequesterNonce int64
}

// AuthenticationResponse answers a request on the inbound connection. It
// echoes the requester's nonce and carries the responder's own challenge.
type AuthenticationResponse struct {
	Address        Address
	RequesterNonce int64
	ResponderNonce int64
}

// AuthenticationAck closes the exchange by echoing the responder's nonce.
type AuthenticationAck struct {
	Address        Address
	ResponderNonce int64
}

// PingMessage is a liveness probe carrying a per-peer nonce.
type PingMessage struct {
	Nonce int32
}

// PongMessage echoes a ping nonce. A wrong echo is a protocol violation.
type PongMessage struct {
	Nonce int32
}

// GetPeersRequest asks a peer for its known addresses and offers ours.
type GetPeersRequest struct {
	Address       Address
	PeerAddresses []Address
}

// GetPeersResponse returns the answering peer's known addresses.
type GetPeersResponse struct {
	PeerAddresses []Address
}

// DataBroadcastMessage wraps an opaque application payload for fan-out.
type DataBroadcastMessage struct {
	Payload []byte
}

func (AuthenticationRequest) message()  {}
func (AuthenticationResponse) message() {}
func (AuthenticationAck) message()      {}
func (PingMessage) message()            {}
func (PongMessage) message()            {}
func (GetPeersRequest) message()        {}
func (GetPeersResponse) message()       {}
func (DataBroadcastMessage) message()   {}

func (PingMessage) maintenance()      {}
func (PongMessage) maintenance()      {}
func (GetPeersRequest) maintenance()  {}
func (GetPeersResponse) maintenance() {}
