package peerset

import (
	"context"

	"github.com/lightningnetwork/peerbook/peeraddr"
)

// RequestKind identifies the request sent to a PeerService.
type RequestKind uint8

const (
	// RequestPeers asks a connected peer for the addresses it knows.
	RequestPeers RequestKind = iota
)

// String returns the name of the request kind.
func (k RequestKind) String() string {
	switch k {
	case RequestPeers:
		return "Peers"
	default:
		return "Unknown"
	}
}

// Request is a request to the peer network.
type Request struct {
	Kind RequestKind
}

// Response is the answer to a Request.
type Response struct {
	// Peers holds the addresses returned for a RequestPeers request.
	Peers []peeraddr.MetaAddr
}

// PeerService routes requests to connected peers. Implementations must be
// safe for concurrent use.
type PeerService interface {
	// Ready blocks until the service can accept a request. It returns a
	// context error if ctx ends first, and any other error if the service
	// has failed permanently.
	Ready(ctx context.Context) error

	// Call sends req to one of the connected peers and waits for its
	// response.
	Call(ctx context.Context, req Request) (Response, error)
}
