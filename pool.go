package peerbook

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/build"
	"github.com/lightningnetwork/peerbook/peeraddr"
	"github.com/lightningnetwork/peerbook/peerset"
)

const userAgentName = "peerbook"

var (
	// ErrPoolStopped is returned by the PeerPool once it is shutting down.
	// The candidate set treats it as a permanent failure.
	ErrPoolStopped = errors.New("peer pool stopped")

	// ErrNoPeers is returned by Call when no peer is connected.
	ErrNoPeers = errors.New("no connected peers")

	// ErrUnsupportedRequest is returned by Call for request kinds the pool
	// cannot serve.
	ErrUnsupportedRequest = errors.New("unsupported request")

	errPeerDisconnected = errors.New("peer disconnected")
)

// PoolConfig holds the dependencies of a PeerPool.
type PoolConfig struct {
	// ChainParams selects the network magic of exchanged messages.
	ChainParams *chaincfg.Params

	// Book receives a Responded update for every message a peer sends,
	// and answers getaddr requests.
	Book *addrbook.AddressBook

	// Clock sets the deadline of the version exchange. Connection
	// deadlines are wall clock times, so it must track real time.
	Clock clock.Clock

	// HandshakeTimeout bounds the version exchange.
	HandshakeTimeout time.Duration

	// PingTicker paces the pings that keep connected peers live.
	PingTicker ticker.Ticker

	// Disconnect is called once a registered peer's connection ends.
	Disconnect func(id uint64)
}

// peerConn is a handshaked connection to a peer.
type peerConn struct {
	id       uint64
	addr     netip.AddrPort
	services wire.ServiceFlag
	pver     uint32
	conn     net.Conn

	writeMtx sync.Mutex

	// reqMtx allows a single getaddr request in flight, whose answer is
	// delivered on addrResp.
	reqMtx   sync.Mutex
	addrResp chan []peeraddr.MetaAddr

	quit chan struct{}
}

// PeerPool is the request service of the candidate set. It tracks the peers
// the connection manager connected to, speaks the minimal protocol needed to
// exchange addresses with them, and routes Peers requests to a random
// connected peer.
type PeerPool struct {
	cfg PoolConfig
	net wire.BitcoinNet

	mtx   sync.Mutex
	peers map[uint64]*peerConn

	// peersChanged is closed and replaced whenever a peer is added.
	peersChanged chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// A compile-time check to ensure PeerPool implements peerset.PeerService.
var _ peerset.PeerService = (*PeerPool)(nil)

// NewPeerPool creates an empty peer pool.
func NewPeerPool(cfg PoolConfig) *PeerPool {
	return &PeerPool{
		cfg:          cfg,
		net:          cfg.ChainParams.Net,
		peers:        make(map[uint64]*peerConn),
		peersChanged: make(chan struct{}),
		quit:         make(chan struct{}),
	}
}

// Start launches the pinger.
func (p *PeerPool) Start() {
	p.cfg.PingTicker.Resume()

	p.wg.Add(1)
	go p.pinger()
}

// Stop closes every peer connection and waits for all goroutines of the pool.
func (p *PeerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)

		p.mtx.Lock()
		for _, peer := range p.peers {
			_ = peer.conn.Close()
		}
		p.mtx.Unlock()

		p.wg.Wait()
		p.cfg.PingTicker.Stop()
	})
}

// Ready blocks until at least one peer is connected.
//
// NOTE: Part of the peerset.PeerService interface.
func (p *PeerPool) Ready(ctx context.Context) error {
	for {
		p.mtx.Lock()
		numPeers := len(p.peers)
		changed := p.peersChanged
		p.mtx.Unlock()

		if numPeers > 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return ErrPoolStopped
		}
	}
}

// Call sends a getaddr message to a random connected peer, and returns the
// addresses of its answer.
//
// NOTE: Part of the peerset.PeerService interface.
func (p *PeerPool) Call(ctx context.Context,
	req peerset.Request) (peerset.Response, error) {

	if req.Kind != peerset.RequestPeers {
		return peerset.Response{}, fmt.Errorf("%w: %v",
			ErrUnsupportedRequest, req.Kind)
	}

	peer, err := p.randomPeer()
	if err != nil {
		return peerset.Response{}, err
	}

	addrs, err := peer.requestAddrs(ctx, p.net)
	if err != nil {
		return peerset.Response{}, fmt.Errorf("getaddr to %v: %w",
			peer.addr, err)
	}

	return peerset.Response{Peers: addrs}, nil
}

func (p *PeerPool) randomPeer() (*peerConn, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.peers) == 0 {
		return nil, ErrNoPeers
	}

	i := rand.IntN(len(p.peers))
	for _, peer := range p.peers {
		if i == 0 {
			return peer, nil
		}
		i--
	}

	return nil, ErrNoPeers
}

// AddPeer performs the version handshake over conn and, on success, starts
// serving the peer. The connection is closed if the handshake fails.
func (p *PeerPool) AddPeer(id uint64, addr netip.AddrPort,
	conn net.Conn) (wire.ServiceFlag, error) {

	peer, err := p.handshake(id, addr, conn)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}

	p.mtx.Lock()
	select {
	case <-p.quit:
		p.mtx.Unlock()
		_ = conn.Close()

		return 0, ErrPoolStopped
	default:
	}

	p.peers[id] = peer
	close(p.peersChanged)
	p.peersChanged = make(chan struct{})
	p.mtx.Unlock()

	srvrLog.Infof("Connected to peer %v (services %v, protocol %d)",
		addr, peer.services, peer.pver)

	p.cfg.Book.MarkResponded(addr, peer.services)

	p.wg.Add(1)
	go p.readHandler(peer)

	return peer.services, nil
}

// handshake exchanges version and verack messages with the peer.
func (p *PeerPool) handshake(id uint64, addr netip.AddrPort,
	conn net.Conn) (*peerConn, error) {

	deadline := p.cfg.Clock.Now().Add(p.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	you := wire.NewNetAddressIPPort(
		net.IP(addr.Addr().AsSlice()), addr.Port(), 0,
	)
	version := wire.NewMsgVersion(me, you, rand.Uint64(), 0)
	if err := version.AddUserAgent(userAgentName, build.Version()); err != nil {
		return nil, err
	}

	err := wire.WriteMessage(conn, version, wire.ProtocolVersion, p.net)
	if err != nil {
		return nil, fmt.Errorf("unable to send version: %w", err)
	}

	peer := &peerConn{
		id:       id,
		addr:     addr,
		pver:     wire.ProtocolVersion,
		conn:     conn,
		addrResp: make(chan []peeraddr.MetaAddr, 1),
		quit:     make(chan struct{}),
	}

	var gotVersion, gotVerAck bool
	for !gotVersion || !gotVerAck {
		msg, err := readMessage(conn, peer.pver, p.net)
		if err != nil {
			return nil, fmt.Errorf("handshake with %v: %w", addr,
				err)
		}

		switch msg := msg.(type) {
		case nil:
		case *wire.MsgVersion:
			if gotVersion {
				return nil, fmt.Errorf("duplicate version "+
					"from %v", addr)
			}
			gotVersion = true

			peer.services = msg.Services
			if pver := uint32(msg.ProtocolVersion); pver < peer.pver {
				peer.pver = pver
			}

			err := peer.writeMessage(wire.NewMsgVerAck(), p.net)
			if err != nil {
				return nil, err
			}

		case *wire.MsgVerAck:
			gotVerAck = true

		default:
			srvrLog.Tracef("Ignoring %v from %v during handshake",
				msg.Command(), addr)
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return peer, nil
}

// readHandler handles the messages of a peer until its connection fails.
//
// NOTE: This MUST be run as a goroutine.
func (p *PeerPool) readHandler(peer *peerConn) {
	defer p.wg.Done()
	defer p.removePeer(peer)

	for {
		msg, err := readMessage(peer.conn, peer.pver, p.net)
		if err != nil {
			select {
			case <-p.quit:
			default:
				srvrLog.Debugf("Peer %v read failed: %v",
					peer.addr, err)
			}

			return
		}

		p.cfg.Book.MarkResponded(peer.addr, peer.services)

		switch msg := msg.(type) {
		case *addrMsg:
			peer.deliverAddrs(*msg)

		case *wire.MsgGetAddr:
			if err := p.sendAddrs(peer); err != nil {
				srvrLog.Debugf("Unable to answer getaddr "+
					"from %v: %v", peer.addr, err)
				return
			}

		case *wire.MsgPing:
			pong := wire.NewMsgPong(msg.Nonce)
			if err := peer.writeMessage(pong, p.net); err != nil {
				return
			}

		case *wire.MsgPong:

		default:
			srvrLog.Tracef("Ignoring message from %v", peer.addr)
		}
	}
}

// sendAddrs answers a getaddr request with sanitized addresses, so that the
// remote peer learns nothing about our connection history.
func (p *PeerPool) sendAddrs(peer *peerConn) error {
	addrs := p.cfg.Book.Sanitized()
	if len(addrs) > wire.MaxAddrPerMsg {
		rand.Shuffle(len(addrs), func(i, j int) {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		})
		addrs = addrs[:wire.MaxAddrPerMsg]
	}

	msg := addrMsg(addrs)

	return peer.writeMessage(&msg, p.net)
}

// removePeer unregisters a peer whose connection ended.
func (p *PeerPool) removePeer(peer *peerConn) {
	close(peer.quit)
	_ = peer.conn.Close()

	p.mtx.Lock()
	delete(p.peers, peer.id)
	p.mtx.Unlock()

	srvrLog.Infof("Disconnected from peer %v", peer.addr)

	if p.cfg.Disconnect != nil {
		p.cfg.Disconnect(peer.id)
	}
}

// pinger pings every connected peer on each tick, so that live peers keep
// sending us messages.
//
// NOTE: This MUST be run as a goroutine.
func (p *PeerPool) pinger() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cfg.PingTicker.Ticks():
		case <-p.quit:
			return
		}

		p.mtx.Lock()
		peers := make([]*peerConn, 0, len(p.peers))
		for _, peer := range p.peers {
			peers = append(peers, peer)
		}
		p.mtx.Unlock()

		for _, peer := range peers {
			ping := wire.NewMsgPing(rand.Uint64())
			if err := peer.writeMessage(ping, p.net); err != nil {
				srvrLog.Debugf("Unable to ping %v: %v",
					peer.addr, err)
			}
		}
	}
}

// writeMessage sends msg to the peer.
func (c *peerConn) writeMessage(msg wire.Message, btcnet wire.BitcoinNet) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return wire.WriteMessage(c.conn, msg, c.pver, btcnet)
}

// requestAddrs sends a getaddr message and waits for the next addr message.
func (c *peerConn) requestAddrs(ctx context.Context,
	btcnet wire.BitcoinNet) ([]peeraddr.MetaAddr, error) {

	c.reqMtx.Lock()
	defer c.reqMtx.Unlock()

	// Drop any unsolicited answer that arrived before this request.
	select {
	case <-c.addrResp:
	default:
	}

	err := c.writeMessage(wire.NewMsgGetAddr(), btcnet)
	if err != nil {
		return nil, err
	}

	select {
	case addrs := <-c.addrResp:
		return addrs, nil

	case <-c.quit:
		return nil, errPeerDisconnected

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliverAddrs hands the addresses of an addr message to a pending getaddr
// request, dropping them if there is none.
func (c *peerConn) deliverAddrs(addrs []peeraddr.MetaAddr) {
	select {
	case c.addrResp <- addrs:
	default:
	}
}
