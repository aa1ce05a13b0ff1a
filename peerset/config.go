package peerset

import (
	"fmt"
	"time"
)

const (
	// DefaultFanout is the number of concurrent peer requests sent by each
	// update. It is small since update may be called while the peer set is
	// already busy.
	DefaultFanout = 2

	// DefaultRequestTimeout bounds both waiting for the peer service to
	// become ready, and each individual request.
	DefaultRequestTimeout = 20 * time.Second

	// DefaultMinPeerConnectionInterval is the minimum spacing between two
	// candidates handed out for connection attempts.
	DefaultMinPeerConnectionInterval = 100 * time.Millisecond

	// DefaultCrawlInterval is how often the crawler asks the network for
	// more peers when nobody demands them.
	DefaultCrawlInterval = time.Minute
)

// Config holds the policy constants of a CandidateSet and its Crawler.
//
//nolint:lll
type Config struct {
	Fanout                    int           `long:"fanout" description:"Number of concurrent peer address requests per crawl"`
	RequestTimeout            time.Duration `long:"requesttimeout" description:"Timeout of a peer address request"`
	MinPeerConnectionInterval time.Duration `long:"minconninterval" description:"Minimum time between two outbound connection attempts"`
	CrawlInterval             time.Duration `long:"crawlinterval" description:"How often to ask connected peers for more addresses"`
}

// DefaultConfig returns the default candidate set config.
func DefaultConfig() *Config {
	return &Config{
		Fanout:                    DefaultFanout,
		RequestTimeout:            DefaultRequestTimeout,
		MinPeerConnectionInterval: DefaultMinPeerConnectionInterval,
		CrawlInterval:             DefaultCrawlInterval,
	}
}

// Validate checks the config values.
func (c *Config) Validate() error {
	switch {
	case c.Fanout <= 0:
		return fmt.Errorf("fanout must be positive, got %d", c.Fanout)

	case c.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive, got %v",
			c.RequestTimeout)

	case c.MinPeerConnectionInterval < 0:
		return fmt.Errorf("min connection interval must not be "+
			"negative, got %v", c.MinPeerConnectionInterval)

	case c.CrawlInterval <= 0:
		return fmt.Errorf("crawl interval must be positive, got %v",
			c.CrawlInterval)
	}

	return nil
}
