package addrbook

import (
	"fmt"
	"time"
)

const (
	// DefaultCapacity is the default maximum number of records kept in the
	// book.
	DefaultCapacity = 4000

	// DefaultLiveCutoff is how long a Responded peer is presumed to still
	// be connected after its last message. It is one heartbeat interval
	// plus three request timeouts.
	DefaultLiveCutoff = 60*time.Second + 3*20*time.Second
)

// Config holds the policy constants of an AddressBook.
//
//nolint:lll
type Config struct {
	Capacity   int           `long:"capacity" description:"Maximum number of peer addresses to keep in memory"`
	LiveCutoff time.Duration `long:"livecutoff" description:"How long a peer that responded is assumed to still be connected"`
}

// DefaultConfig returns the default address book config.
func DefaultConfig() *Config {
	return &Config{
		Capacity:   DefaultCapacity,
		LiveCutoff: DefaultLiveCutoff,
	}
}

// Validate checks the config values.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d",
			c.Capacity)
	}

	if c.LiveCutoff <= 0 {
		return fmt.Errorf("live cutoff must be positive, got %v",
			c.LiveCutoff)
	}

	return nil
}
