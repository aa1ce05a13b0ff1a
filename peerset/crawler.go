package peerset

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"
)

// ErrCrawlerStopped is returned by Stop when the crawler is not running.
var ErrCrawlerStopped = errors.New("crawler not running")

// Crawler keeps the address book filled by calling CandidateSet.Update on
// every tick of its ticker, and whenever more peers are demanded.
//
// A permanent error from Update stops the crawler, and is sent on the Errors
// channel. Only the crawler stops: the rest of the node keeps running with
// the addresses it already knows.
type Crawler struct {
	started sync.Once
	stopped sync.Once

	candidates *CandidateSet
	ticker     ticker.Ticker

	demand chan struct{}
	errs   chan error

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewCrawler creates a crawler updating candidates on every tick of t.
func NewCrawler(candidates *CandidateSet, t ticker.Ticker) *Crawler {
	return &Crawler{
		candidates: candidates,
		ticker:     t,
		demand:     make(chan struct{}, 1),
		errs:       make(chan error, 1),
		quit:       make(chan struct{}),
	}
}

// Start launches the crawl loop.
func (c *Crawler) Start() error {
	c.started.Do(func() {
		log.Info("Peer crawler starting")

		var ctx context.Context
		ctx, c.cancel = context.WithCancel(context.Background())

		c.ticker.Resume()

		c.wg.Add(1)
		go c.crawl(ctx)
	})

	return nil
}

// Stop signals the crawl loop to exit and waits for it.
func (c *Crawler) Stop() error {
	err := ErrCrawlerStopped
	c.stopped.Do(func() {
		log.Info("Peer crawler shutting down...")
		defer log.Debug("Peer crawler shutdown complete")

		close(c.quit)
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.ticker.Stop()

		err = nil
	})

	return err
}

// DemandPeers asks the crawler to update as soon as possible. Demands made
// while an update is already pending are merged.
func (c *Crawler) DemandPeers() {
	select {
	case c.demand <- struct{}{}:
	default:
	}
}

// Errors returns the channel the permanent error that stopped the crawler is
// sent on.
func (c *Crawler) Errors() <-chan error {
	return c.errs
}

// crawl is the main loop of the crawler.
//
// NOTE: This MUST be run as a goroutine.
func (c *Crawler) crawl(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ticker.Ticks():
			log.Trace("Crawl tick, updating candidates")

		case <-c.demand:
			log.Debug("Peers demanded, updating candidates")

		case <-c.quit:
			return
		}

		err := c.candidates.Update(ctx)
		if err == nil {
			continue
		}

		select {
		case <-c.quit:
			return
		default:
		}

		log.Errorf("Peer crawler stopping: %v", err)
		c.errs <- err

		return
	}
}
