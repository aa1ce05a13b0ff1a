package peerbook

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/peeraddr"
	"github.com/lightningnetwork/peerbook/peerset"
)

// errNoCandidates is returned to the connection manager when the candidate
// set has no peer to connect to. The connection manager retries after its
// retry duration.
var errNoCandidates = errors.New("no connection candidates")

// server ties the address book and the candidate set to the connection
// manager: outbound connections are made to the candidates the set hands
// out, and the outcome of every attempt is recorded in the book.
type server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg   *Config
	clock clock.Clock

	book       *addrbook.AddressBook
	candidates *peerset.CandidateSet
	crawler    *peerset.Crawler
	pool       *PeerPool
	connMgr    *connmgr.ConnManager

	// dialer opens the connections the connection manager asks for.
	dialer func(ctx context.Context, network,
		address string) (net.Conn, error)

	// ctx is canceled on Stop to release a pending candidate request.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// newServer creates a server from a validated config.
func newServer(cfg *Config, clk clock.Clock) (*server, error) {
	book, err := addrbook.New(cfg.AddrBook, clk)
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:   cfg,
		clock: clk,
		book:  book,
	}
	s.dialer = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.pool = NewPeerPool(PoolConfig{
		ChainParams:      cfg.ActiveNetParams,
		Book:             book,
		Clock:            clk,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingTicker:       ticker.New(cfg.PingInterval),
		Disconnect: func(id uint64) {
			s.connMgr.Disconnect(id)
		},
	})

	s.candidates, err = peerset.NewCandidateSet(cfg.PeerSet, book, s.pool, clk)
	if err != nil {
		return nil, err
	}
	s.crawler = peerset.NewCrawler(
		s.candidates, ticker.New(cfg.PeerSet.CrawlInterval),
	)

	cmgrCfg := &connmgr.Config{
		TargetOutbound:  uint32(cfg.MaxOutbound),
		RetryDuration:   cfg.RetryDuration,
		OnConnection:    s.outboundPeerConnected,
		OnDisconnection: s.outboundPeerDisconnected,
		Dial:            s.dial,
	}

	// With permanent peers configured we only connect to those.
	if len(cfg.connectPeers) == 0 {
		cmgrCfg.GetNewAddress = s.newAddress
	}

	s.connMgr, err = connmgr.New(cmgrCfg)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start starts the crawler, the peer pool and the connection manager.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	// Seed the book with the configured peers.
	seeds := fn.Map(s.cfg.addPeers, func(addr netip.AddrPort) peeraddr.MetaAddr {
		return peeraddr.NewGossiped(addr, wire.SFNodeNetwork, s.now())
	})
	s.book.Extend(seeds)

	s.pool.Start()
	if err := s.crawler.Start(); err != nil {
		return err
	}
	s.connMgr.Start()

	for _, addr := range s.cfg.connectPeers {
		srvrLog.Infof("Connecting to permanent peer %v", addr)

		go s.connMgr.Connect(&connmgr.ConnReq{
			Addr:      net.TCPAddrFromAddrPort(addr),
			Permanent: true,
		})
	}

	return nil
}

// Stop shuts down all subsystems and waits for pending connection handlers.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}

	s.cancel()
	s.connMgr.Stop()

	if err := s.crawler.Stop(); err != nil {
		srvrLog.Warnf("Unable to stop crawler: %v", err)
	}
	s.pool.Stop()
	s.connMgr.Wait()
	s.wg.Wait()

	return nil
}

// now returns the current time of the book's clock.
func (s *server) now() time.Time {
	return s.clock.Now()
}

// newAddress hands the next connection candidate to the connection manager.
// If the candidate set is empty, the crawler is asked for more peers.
func (s *server) newAddress() (net.Addr, error) {
	next, err := s.candidates.Next(s.ctx)
	if err != nil {
		return nil, err
	}

	if next.IsNone() {
		s.crawler.DemandPeers()
	}

	candidate, err := next.UnwrapOrErr(errNoCandidates)
	if err != nil {
		return nil, err
	}

	srvrLog.Debugf("Attempting connection to candidate %v", candidate)

	return net.TCPAddrFromAddrPort(candidate.Addr), nil
}

// dial connects to a candidate, reporting a failed attempt to the candidate
// set.
func (s *server) dial(addr net.Addr) (net.Conn, error) {
	conn, err := s.dialer(s.ctx, addr.Network(), addr.String())
	if err != nil {
		if addrPort, ok := toAddrPort(addr); ok {
			s.reportFailed(addrPort)
		}

		return nil, err
	}

	return conn, nil
}

// outboundPeerConnected is called by the connection manager once a
// connection to a candidate is established.
func (s *server) outboundPeerConnected(req *connmgr.ConnReq, conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		addr, ok := toAddrPort(req.Addr)
		if !ok {
			srvrLog.Errorf("Unexpected peer address %v", req.Addr)
			s.connMgr.Disconnect(req.ID())

			return
		}

		_, err := s.pool.AddPeer(req.ID(), addr, conn)
		if err != nil {
			srvrLog.Debugf("Handshake with %v failed: %v", addr, err)

			s.reportFailed(addr)
			s.connMgr.Disconnect(req.ID())
		}
	}()
}

// outboundPeerDisconnected records the end of a connection in the book.
func (s *server) outboundPeerDisconnected(req *connmgr.ConnReq) {
	addr, ok := toAddrPort(req.Addr)
	if !ok {
		return
	}

	s.book.MarkShutdown(addr, s.knownServices(addr))
}

func (s *server) reportFailed(addr netip.AddrPort) {
	s.candidates.ReportFailed(peeraddr.MetaAddr{
		Addr:     addr,
		Services: s.knownServices(addr),
	})
}

// knownServices returns the services recorded for addr, or none if the
// address is unknown.
func (s *server) knownServices(addr netip.AddrPort) wire.ServiceFlag {
	return fn.MapOptionZ(
		s.book.Get(addr), func(m peeraddr.MetaAddr) wire.ServiceFlag {
			return m.Services
		},
	)
}

// toAddrPort converts a TCP address handed out by the connection manager.
func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}

	addrPort := tcpAddr.AddrPort()

	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port()), true
}
