package p2p

import "errors"

var (
	// ErrInvalidAddress indicates input that is neither a valid address nor a valid subnet.
	ErrInvalidAddress = errors.New("p2p: invalid address or subnet")
	// ErrBanExists indicates a ban add for a subnet key that is already banned.
	ErrBanExists = errors.New("p2p: subnet already banned")
	// ErrBanNotFound indicates a ban remove for a subnet key with no entry.
	ErrBanNotFound = errors.New("p2p: subnet not banned")
	// ErrNodeExists indicates an added-node insert for a member endpoint.
	ErrNodeExists = errors.New("p2p: node already added")
	// ErrNodeNotAdded indicates an added-node remove or query for a non-member endpoint.
	ErrNodeNotAdded = errors.New("p2p: node not added")
	// ErrPeerNotConnected indicates a disconnect request with no live matching peer.
	ErrPeerNotConnected = errors.New("p2p: no matching connected peer")
	// ErrAlreadyConnected indicates a dial against an endpoint that already
	// has a live connection.
	ErrAlreadyConnected = errors.New("p2p: already connected")
	// ErrTooManyPeers indicates the registry is at its connection limit.
	ErrTooManyPeers = errors.New("p2p: peer limit reached")
	// ErrNetworkDisabled indicates an operation that needs network activity
	// while networking is switched off.
	ErrNetworkDisabled = errors.New("p2p: network activity disabled")
	// ErrUnknownFilter indicates an unrecognized destination filter keyword.
	ErrUnknownFilter = errors.New("p2p: unknown destination filter")
)

// IsNotFound reports whether the error marks a lookup against an absent ban
// or added-node entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBanNotFound) || errors.Is(err, ErrNodeNotAdded)
}
