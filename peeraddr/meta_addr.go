package peeraddr

import (
	"cmp"
	"fmt"
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// TimestampTruncation is the granularity that last seen times are rounded
// down to before they are shared with other peers, so that remote nodes
// can't fingerprint us by the exact times we talked to a peer.
const TimestampTruncation = 30 * time.Minute

// MetaAddr is a peer address together with the services it advertised, the
// last time we interacted with it and the outcome of that interaction.
//
// The state and last seen time are only ever set together, through the
// constructors of this package.
type MetaAddr struct {
	// Addr is the peer's IP address and port. It is the key of the
	// address book.
	Addr netip.AddrPort

	// Services are the service bits advertised for the peer. For
	// Responded peers they come from our last handshake with it. For
	// every other state they are unverified and were provided by the
	// peer that gossiped the address.
	Services wire.ServiceFlag

	// lastSeen is the last time we interacted with the peer. The exact
	// meaning depends on state:
	//   - Responded: the last time we processed a message from it
	//   - NeverAttempted: the unverified time provided by a remote peer
	//   - Failed: the last time we marked the peer as failed
	//   - AttemptPending: the last time we queued a connection attempt
	lastSeen time.Time

	// state is the outcome of our most recent interaction with the peer.
	state PeerAddrState
}

// newMetaAddr normalizes the address and timestamp of a new record. IPv4
// addresses mapped into IPv6 are stored as IPv4, and the timestamp is kept in
// UTC without a monotonic clock reading.
func newMetaAddr(addr netip.AddrPort, services wire.ServiceFlag,
	lastSeen time.Time, state PeerAddrState) MetaAddr {

	return MetaAddr{
		Addr: netip.AddrPortFrom(
			addr.Addr().Unmap(), addr.Port(),
		),
		Services: services,
		lastSeen: lastSeen.UTC().Round(0),
		state:    state,
	}
}

// NewGossiped creates a record for an address received in an addr message.
// The last seen time is the one provided by the remote peer.
func NewGossiped(addr netip.AddrPort, services wire.ServiceFlag,
	lastSeen time.Time) MetaAddr {

	return newMetaAddr(addr, services, lastSeen, NeverAttempted)
}

// NewResponded creates a record for a peer that has just sent us a valid
// message.
func NewResponded(addr netip.AddrPort, services wire.ServiceFlag,
	now time.Time) MetaAddr {

	return newMetaAddr(addr, services, now, Responded)
}

// NewReconnect creates a record for a peer we are about to attempt a
// connection to.
func NewReconnect(addr netip.AddrPort, services wire.ServiceFlag,
	now time.Time) MetaAddr {

	return newMetaAddr(addr, services, now, AttemptPending)
}

// NewErrored creates a record for a peer whose connection just failed.
func NewErrored(addr netip.AddrPort, services wire.ServiceFlag,
	now time.Time) MetaAddr {

	return newMetaAddr(addr, services, now, Failed)
}

// NewShutdown creates a record for a peer whose connection was just closed.
//
// TODO: keep Responded for peers that shut down cleanly after responding,
// once the connection layer can tell a clean shutdown from a timeout.
func NewShutdown(addr netip.AddrPort, services wire.ServiceFlag,
	now time.Time) MetaAddr {

	return NewErrored(addr, services, now)
}

// LastSeen returns the last time we interacted with this peer.
//
// NOTE: times from NeverAttempted peers are provided by remote peers and may
// be wrong due to clock skew or malicious gossip.
func (m MetaAddr) LastSeen() time.Time {
	return m.lastSeen
}

// State returns the outcome of our most recent interaction with the peer.
func (m MetaAddr) State() PeerAddrState {
	return m.state
}

// IsPotentiallyConnected reports whether the peer responded to us recently
// enough that it may still be connected. Such peers are not reconnection
// candidates.
func (m MetaAddr) IsPotentiallyConnected(now time.Time,
	liveCutoff time.Duration) bool {

	return m.state == Responded && m.lastSeen.After(now.Add(-liveCutoff))
}

// Sanitize returns a copy of the record that is safe to send to a remote
// peer: the last seen time is truncated to TimestampTruncation, and the local
// connection state is reset to NeverAttempted.
func (m MetaAddr) Sanitize() MetaAddr {
	interval := int64(TimestampTruncation / time.Second)
	ts := m.lastSeen.Unix()

	// Euclidean remainder, so pre-epoch times also round down.
	rem := ts % interval
	if rem < 0 {
		rem += interval
	}

	return MetaAddr{
		Addr:     m.Addr,
		Services: m.Services,
		lastSeen: time.Unix(ts-rem, 0).UTC(),
		state:    NeverAttempted,
	}
}

// Equal reports whether both records have identical fields.
func (m MetaAddr) Equal(other MetaAddr) bool {
	return m.Addr == other.Addr &&
		m.Services == other.Services &&
		m.lastSeen.Equal(other.lastSeen) &&
		m.state == other.state
}

// String returns a human readable description of the record.
func (m MetaAddr) String() string {
	return fmt.Sprintf("%v (%v, last_seen=%v, services=%v)", m.Addr,
		m.state, m.lastSeen.Format(time.RFC3339), m.Services)
}

// Compare orders records in approximate reconnection attempt order, with
// Responded peers sorted first as a group.
//
// Records are ordered by state, then by last seen time: oldest first, except
// for NeverAttempted peers which are newest first so that fresh gossip is
// tried before stale gossip. The remaining keys (IP with IPv4 before IPv6,
// port, services) are meaningless as an ordering, but make the order total:
// Compare(a, b) == 0 if and only if a.Equal(b).
//
// This order must not be used for reconnection attempts on its own, because
// it does not exclude live peers. Use AddressBook.ReconnectionPeers instead.
func Compare(a, b MetaAddr) int {
	if c := CmpState(a.state, b.state); c != 0 {
		return c
	}

	oldestFirst := a.lastSeen.Compare(b.lastSeen)
	if oldestFirst != 0 {
		if a.state == NeverAttempted {
			return -oldestFirst
		}

		return oldestFirst
	}

	// netip orders by address family first, so IPv4 sorts before IPv6,
	// and then numerically.
	if c := a.Addr.Addr().Compare(b.Addr.Addr()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Addr.Port(), b.Addr.Port()); c != 0 {
		return c
	}

	return cmp.Compare(a.Services, b.Services)
}
