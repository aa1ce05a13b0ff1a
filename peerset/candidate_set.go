package peerset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/peeraddr"
	"golang.org/x/sync/errgroup"
)

// errNotReady is returned by waitReady when the peer service did not become
// ready within the request timeout.
var errNotReady = errors.New("peer service not ready")

// CandidateSet manages outbound reconnection attempts. It fills the address
// book by asking connected peers for more addresses, and hands out the next
// peer to connect to at a bounded rate.
//
// Addresses move between the disjoint states of peeraddr.PeerAddrState:
//   - Update adds gossiped addresses as NeverAttempted.
//   - Next moves the best candidate to AttemptPending.
//   - ReportFailed moves a peer to Failed.
//   - The connection layer moves peers to Responded through the address
//     book directly.
type CandidateSet struct {
	cfg     Config
	book    *addrbook.AddressBook
	service PeerService
	clock   clock.Clock

	// deadlineMtx guards nextDeadline. It is never held together with
	// the address book lock.
	deadlineMtx  sync.Mutex
	nextDeadline time.Time
}

// NewCandidateSet creates a candidate set drawing from book, and requesting
// new addresses from service.
func NewCandidateSet(cfg *Config, book *addrbook.AddressBook,
	service PeerService, clk clock.Clock) (*CandidateSet, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &CandidateSet{
		cfg:     *cfg,
		book:    book,
		service: service,
		clock:   clk,
	}, nil
}

// Update asks the network for more peers.
//
// It sends up to Fanout concurrent Peers requests, waiting for the peer
// service to become ready before each one. Addresses from each response that
// are not in the address book yet are added as NeverAttempted. Failed
// requests are logged and ignored, since the fanout and later updates will
// ask again.
//
// If the service does not become ready within the request timeout, Update
// cancels its outstanding requests and returns nil, so that it never blocks
// a crawler while there are no connected peers. Any other readiness error is
// permanent and is returned: the caller should stop crawling.
func (c *CandidateSet) Update(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Tracef("Sending %d peers requests", c.cfg.Fanout)

	var g errgroup.Group
	for i := 0; i < c.cfg.Fanout; i++ {
		err := c.waitReady(ctx)
		switch {
		case errors.Is(err, errNotReady):
			log.Infof("Timeout waiting for the peer service to "+
				"become ready, skipping update: %v", err)

			cancel()
			_ = g.Wait()

			return nil

		case err != nil:
			cancel()
			_ = g.Wait()

			return fmt.Errorf("peer service failed: %w", err)
		}

		g.Go(func() error {
			c.requestPeers(ctx)
			return nil
		})
	}

	return g.Wait()
}

// waitReady waits up to the request timeout for the peer service to accept a
// request. A timeout is reported as errNotReady.
func (c *CandidateSet) waitReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	err := c.service.Ready(readyCtx)
	if err == nil {
		return nil
	}

	// Only our own timeout is transient. Cancellation of the parent
	// context is passed on to the caller.
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errNotReady, err)
	}

	return err
}

// requestPeers sends a single Peers request and adds the new addresses of its
// response to the address book.
func (c *CandidateSet) requestPeers(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.service.Call(ctx, Request{Kind: RequestPeers})
	if err != nil {
		log.Debugf("Peers request failed: %v", err)
		return
	}

	fresh := fn.Filter(resp.Peers, func(m peeraddr.MetaAddr) bool {
		return !c.book.Contains(m.Addr)
	})

	log.Debugf("Got %d addresses in peers response, %d new",
		len(resp.Peers), len(fresh))
	log.Tracef("Peers response: %v", newLogClosure(func() string {
		return spew.Sdump(resp.Peers)
	}))

	// Whatever state the service reported, addresses learned from other
	// peers have never been attempted by us.
	c.book.Extend(fn.Map(fresh, func(m peeraddr.MetaAddr) peeraddr.MetaAddr {
		return peeraddr.NewGossiped(m.Addr, m.Services, m.LastSeen())
	}))
}

// Next returns the next peer to attempt a connection to, or None if there
// are no reconnection candidates.
//
// Candidates are taken in the order of AddressBook.ReconnectionPeers and are
// moved to AttemptPending before Next returns. Successive candidates are
// handed out at least MinPeerConnectionInterval apart: each call schedules
// its return at max(previous deadline, now) plus the interval, so bursts of
// callers are spread out evenly. If ctx ends while waiting, the context error
// is returned and the candidate stays AttemptPending.
func (c *CandidateSet) Next(ctx context.Context) (fn.Option[peeraddr.MetaAddr],
	error) {

	now := c.clock.Now()

	c.deadlineMtx.Lock()
	deadline := c.nextDeadline
	if now.After(deadline) {
		deadline = now
	}
	deadline = deadline.Add(c.cfg.MinPeerConnectionInterval)
	c.nextDeadline = deadline
	c.deadlineMtx.Unlock()

	reconnect := c.book.ReserveReconnectionPeer()
	if reconnect.IsNone() {
		return reconnect, nil
	}

	reconnect.WhenSome(func(m peeraddr.MetaAddr) {
		log.Debugf("Next reconnection candidate %v, waiting until %v",
			m, deadline)
	})

	select {
	case <-c.clock.TickAfter(deadline.Sub(now)):
		return reconnect, nil

	case <-ctx.Done():
		return fn.None[peeraddr.MetaAddr](), ctx.Err()
	}
}

// ReportFailed marks the peer of m as Failed, whatever its current state.
func (c *CandidateSet) ReportFailed(m peeraddr.MetaAddr) {
	log.Debugf("Connection to %v failed", m.Addr)

	c.book.MarkFailed(m.Addr, m.Services)
}
