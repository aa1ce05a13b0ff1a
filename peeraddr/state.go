package peeraddr

// PeerAddrState is the outcome of our most recent interaction with a peer.
//
// Liveness is not part of the state: it is derived from the time of the last
// interaction and the current time, see MetaAddr.IsPotentiallyConnected.
type PeerAddrState uint8

const (
	// NeverAttempted means the address was gossiped to us but we have not
	// tried to connect to it yet. It is the zero value, since it is the
	// state of every freshly learned address.
	NeverAttempted PeerAddrState = iota

	// Responded means the peer has sent us a valid message. Peers remain
	// in this state even if they stop responding to requests.
	Responded

	// Failed means the connection to the peer failed, or the peer sent an
	// unexpected message and we dropped it.
	Failed

	// AttemptPending means we just started a connection attempt to the
	// peer.
	AttemptPending
)

// String returns a human readable name for the state.
func (s PeerAddrState) String() string {
	switch s {
	case NeverAttempted:
		return "NeverAttempted"
	case Responded:
		return "Responded"
	case Failed:
		return "Failed"
	case AttemptPending:
		return "AttemptPending"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the four known states.
func (s PeerAddrState) Valid() bool {
	return s <= AttemptPending
}

// reconnectionRank maps each state onto its position in the reconnection
// order. Unknown states sort after every known state.
func (s PeerAddrState) reconnectionRank() int {
	switch s {
	case Responded:
		return 0
	case NeverAttempted:
		return 1
	case Failed:
		return 2
	case AttemptPending:
		return 3
	default:
		return 4 + int(s)
	}
}

// CmpState orders states in approximate reconnection attempt order, ignoring
// liveness: Responded, then NeverAttempted, then Failed, then AttemptPending.
// Peers with a pending attempt sort last because they are already in flight.
//
// It returns -1 if a sorts before b, +1 if after, and 0 if they are equal.
func CmpState(a, b PeerAddrState) int {
	ra, rb := a.reconnectionRank(), b.reconnectionRank()
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}
