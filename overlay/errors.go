package overlay

import "errors"

var (
	// ErrInvalidAddress indicates an address string that does not parse as host:port.
	ErrInvalidAddress = errors.New("overlay: invalid address")

	// ErrShutDown is returned for operations attempted after the group shut down.
	ErrShutDown = errors.New("overlay: peer group shut down")

	// ErrHandshakeConsumed indicates reuse of a single-shot handshake instance.
	ErrHandshakeConsumed = errors.New("overlay: handshake already used")

	// ErrHandshakeRejected indicates the remote answered with data that does not
	// match the exchange in flight (wrong nonce echo, wrong claimed address).
	ErrHandshakeRejected = errors.New("overlay: handshake rejected")

	// ErrDuplicateHandshake indicates a second authentication attempt for an
	// address that already has one in flight.
	ErrDuplicateHandshake = errors.New("overlay: handshake already in flight")

	// ErrPeerListTooLarge indicates a peers exchange exceeding the misbehavior
	// threshold; the sending connection is shut down.
	ErrPeerListTooLarge = errors.New("overlay: reported peer list too large")
)

// IsHandshakeFailure reports whether err belongs to the handshake error family.
func IsHandshakeFailure(err error) bool {
	return errors.Is(err, ErrHandshakeRejected) ||
		errors.Is(err, ErrHandshakeConsumed) ||
		errors.Is(err, ErrDuplicateHandshake)
}
