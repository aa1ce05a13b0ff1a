package addrbook

import (
	"iter"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/btree"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/peerbook/peeraddr"
)

// AddressBook is a capacity bounded registry of peer addresses, holding at
// most one record per address. It is safe for concurrent use: every method
// takes the book's mutex for a short, non-blocking critical section and
// releases it before returning.
type AddressBook struct {
	cfg   Config
	clock clock.Clock

	mu     sync.Mutex
	byAddr map[netip.AddrPort]peeraddr.MetaAddr

	// ordered holds the records of byAddr sorted by peeraddr.Compare, so
	// that the best candidate and the worst record are found without a
	// scan of the whole book.
	ordered *btree.BTreeG[peeraddr.MetaAddr]

	// evicted counts records removed to make room for a new address, and
	// dropped counts new addresses refused because they sorted worst.
	evicted uint64
	dropped uint64
}

// New creates an empty address book. The clock is used for every timestamp
// the book assigns and for the liveness cutoff.
func New(cfg *Config, clk clock.Clock) (*AddressBook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &AddressBook{
		cfg:     *cfg,
		clock:   clk,
		byAddr:  make(map[netip.AddrPort]peeraddr.MetaAddr),
		ordered: btree.NewG(btreeDegree, lessMetaAddr),
	}, nil
}

// btreeDegree is the degree of the ordered index.
const btreeDegree = 16

func lessMetaAddr(a, b peeraddr.MetaAddr) bool {
	return peeraddr.Compare(a, b) < 0
}

// updateOutcome describes what an update did to a full book.
type updateOutcome uint8

const (
	stored updateOutcome = iota
	evictedWorst
	droppedIncoming
)

// logOutcome logs the outcome of an update. It must be called without the
// mutex held.
func logOutcome(m, worst peeraddr.MetaAddr, outcome updateOutcome) {
	switch outcome {
	case evictedWorst:
		log.Tracef("Address book full, evicted %v for %v", worst, m)

	case droppedIncoming:
		log.Tracef("Address book full, dropping %v", m)
	}
}

// normalize maps IPv4-mapped IPv6 addresses onto plain IPv4, matching the
// keys stored by the peeraddr constructors.
func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Capacity returns the maximum number of records the book holds.
func (b *AddressBook) Capacity() int {
	return b.cfg.Capacity
}

// Len returns the number of records in the book.
func (b *AddressBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.byAddr)
}

// Contains reports whether the book has a record for addr.
func (b *AddressBook) Contains(addr netip.AddrPort) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.byAddr[normalize(addr)]

	return ok
}

// Get returns the record for addr, if there is one.
func (b *AddressBook) Get(addr netip.AddrPort) fn.Option[peeraddr.MetaAddr] {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.byAddr[normalize(addr)]
	if !ok {
		return fn.None[peeraddr.MetaAddr]()
	}

	return fn.Some(m)
}

// Update inserts m, or overwrites the existing record for the same address.
// Inserting into a full book evicts the record that sorts last under
// peeraddr.Compare, or refuses m if m itself sorts last.
func (b *AddressBook) Update(m peeraddr.MetaAddr) {
	m.Addr = normalize(m.Addr)

	b.mu.Lock()
	worst, outcome := b.updateLocked(m)
	b.mu.Unlock()

	logOutcome(m, worst, outcome)
}

// Extend updates the book with every record in ms, skipping records that
// are identical to the stored one. The lock is taken once for the batch.
func (b *AddressBook) Extend(ms []peeraddr.MetaAddr) {
	var evicted, dropped int

	b.mu.Lock()
	for _, m := range ms {
		m.Addr = normalize(m.Addr)
		if old, ok := b.byAddr[m.Addr]; ok && old.Equal(m) {
			continue
		}

		switch _, outcome := b.updateLocked(m); outcome {
		case evictedWorst:
			evicted++
		case droppedIncoming:
			dropped++
		}
	}
	b.mu.Unlock()

	if evicted > 0 || dropped > 0 {
		log.Tracef("Address book full, evicted %d and dropped %d of "+
			"%d records", evicted, dropped, len(ms))
	}
}

// updateLocked must be called with the mutex held, and with a normalized
// address. If the book is full, it returns the worst record and whether that
// record or m was left out.
func (b *AddressBook) updateLocked(
	m peeraddr.MetaAddr) (peeraddr.MetaAddr, updateOutcome) {

	if old, ok := b.byAddr[m.Addr]; ok {
		b.ordered.Delete(old)
		b.storeLocked(m)

		return peeraddr.MetaAddr{}, stored
	}

	if len(b.byAddr) < b.cfg.Capacity {
		b.storeLocked(m)
		return peeraddr.MetaAddr{}, stored
	}

	worst, ok := b.ordered.Max()
	if ok && peeraddr.Compare(m, worst) > 0 {
		b.dropped++
		return worst, droppedIncoming
	}

	b.ordered.Delete(worst)
	delete(b.byAddr, worst.Addr)
	b.evicted++

	b.storeLocked(m)

	return worst, evictedWorst
}

func (b *AddressBook) storeLocked(m peeraddr.MetaAddr) {
	b.byAddr[m.Addr] = m
	b.ordered.ReplaceOrInsert(m)
}

// isCandidate reports whether m may be handed out for a connection attempt:
// AttemptPending records are already in flight, and live Responded records
// are most likely still connected.
func (b *AddressBook) isCandidate(m peeraddr.MetaAddr, now time.Time) bool {
	switch {
	case m.State() == peeraddr.AttemptPending:
		return false

	case m.IsPotentiallyConnected(now, b.cfg.LiveCutoff):
		return false

	default:
		return true
	}
}

// snapshot returns the records matching pred, sorted by peeraddr.Compare.
func (b *AddressBook) snapshot(
	pred func(peeraddr.MetaAddr) bool) []peeraddr.MetaAddr {

	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]peeraddr.MetaAddr, 0, b.ordered.Len())
	b.ordered.Ascend(func(m peeraddr.MetaAddr) bool {
		if pred(m) {
			addrs = append(addrs, m)
		}

		return true
	})

	return addrs
}

// ReconnectionPeers returns the reconnection candidates in the order they
// should be attempted: Responded peers that are no longer live, oldest
// first, then NeverAttempted peers, newest first, then Failed peers, oldest
// first. AttemptPending and live Responded peers are skipped.
//
// The sequence is lazy and restartable: each iteration takes a fresh
// snapshot of the book. The lock is not held while yielding.
func (b *AddressBook) ReconnectionPeers() iter.Seq[peeraddr.MetaAddr] {
	return func(yield func(peeraddr.MetaAddr) bool) {
		now := b.clock.Now()
		candidates := b.snapshot(func(m peeraddr.MetaAddr) bool {
			return b.isCandidate(m, now)
		})

		for _, m := range candidates {
			if !yield(m) {
				return
			}
		}
	}
}

// ReserveReconnectionPeer takes the first reconnection candidate and marks it
// AttemptPending at the current time. Selection and the state change happen
// in a single critical section, so concurrent callers never reserve the same
// peer twice.
func (b *AddressBook) ReserveReconnectionPeer() fn.Option[peeraddr.MetaAddr] {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Only live Responded records sort before the first candidate, and
	// AttemptPending records sort after all others.
	var (
		best  peeraddr.MetaAddr
		found bool
	)
	b.ordered.Ascend(func(m peeraddr.MetaAddr) bool {
		if m.State() == peeraddr.AttemptPending {
			return false
		}
		if !b.isCandidate(m, now) {
			return true
		}
		best, found = m, true

		return false
	})
	if !found {
		return fn.None[peeraddr.MetaAddr]()
	}

	// The record exists, so this never evicts.
	reconnect := peeraddr.NewReconnect(best.Addr, best.Services, now)
	b.updateLocked(reconnect)

	return fn.Some(reconnect)
}

// Peers returns every record in the book, sorted by peeraddr.Compare.
func (b *AddressBook) Peers() []peeraddr.MetaAddr {
	return b.snapshot(func(peeraddr.MetaAddr) bool {
		return true
	})
}

// MaybeConnectedPeers returns the Responded peers that are recent enough to
// still be connected.
func (b *AddressBook) MaybeConnectedPeers() []peeraddr.MetaAddr {
	now := b.clock.Now()

	return b.snapshot(func(m peeraddr.MetaAddr) bool {
		return m.IsPotentiallyConnected(now, b.cfg.LiveCutoff)
	})
}

// Sanitized returns every record sanitized for sending to a remote peer. The
// result is sorted after sanitizing, so it does not reveal local connection
// state through its order.
func (b *AddressBook) Sanitized() []peeraddr.MetaAddr {
	addrs := fn.Map(b.Peers(), peeraddr.MetaAddr.Sanitize)
	slices.SortFunc(addrs, peeraddr.Compare)

	return addrs
}

// StateCounts returns the number of records in each state.
func (b *AddressBook) StateCounts() map[peeraddr.PeerAddrState]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[peeraddr.PeerAddrState]int, 4)
	for _, m := range b.byAddr {
		counts[m.State()]++
	}

	return counts
}

// EvictionCounts returns the number of records evicted to make room for new
// ones, and the number of new records refused because the book was full.
func (b *AddressBook) EvictionCounts() (evicted, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.evicted, b.dropped
}

// MarkResponded records that the peer at addr just sent us a valid message.
func (b *AddressBook) MarkResponded(addr netip.AddrPort,
	services wire.ServiceFlag) {

	b.Update(peeraddr.NewResponded(addr, services, b.clock.Now()))
}

// MarkAttemptPending records that a connection attempt to addr was queued.
func (b *AddressBook) MarkAttemptPending(addr netip.AddrPort,
	services wire.ServiceFlag) {

	b.Update(peeraddr.NewReconnect(addr, services, b.clock.Now()))
}

// MarkFailed records that the connection to addr failed.
func (b *AddressBook) MarkFailed(addr netip.AddrPort,
	services wire.ServiceFlag) {

	b.Update(peeraddr.NewErrored(addr, services, b.clock.Now()))
}

// MarkShutdown records that the connection to addr was closed. This is
// currently the same transition as MarkFailed, even for peers that had
// responded.
func (b *AddressBook) MarkShutdown(addr netip.AddrPort,
	services wire.ServiceFlag) {

	b.Update(peeraddr.NewShutdown(addr, services, b.clock.Now()))
}
