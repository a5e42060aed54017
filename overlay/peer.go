package overlay

import "math/rand"

// Peer is an authenticated remote node: its address, the live connection it
// is bound to, and the nonce the next pong must echo. Peers exist only
// between handshake success and disconnect or eviction.
type Peer struct {
	address    Address
	connection Connection
	pingNonce  int32
}

func newPeer(conn Connection) *Peer {
	return &Peer{
		address:    conn.PeerAddress(),
		connection: conn,
		pingNonce:  rand.Int31(),
	}
}

// Address returns the peer's overlay address.
func (p *Peer) Address() Address {
	return p.address
}

// Connection returns the transport connection the peer is bound to.
func (p *Peer) Connection() Connection {
	return p.connection
}

// PingNonce returns the challenge carried by the next ping to this peer.
func (p *Peer) PingNonce() int32 {
	return p.pingNonce
}
