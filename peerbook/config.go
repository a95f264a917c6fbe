package peerbook

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultBucketSize is the default number of peers per bucket.
	DefaultBucketSize = 32

	// DefaultNewBuckets is the default number of buckets of the new list.
	DefaultNewBuckets = 128

	// DefaultTriedBuckets is the default number of buckets of the tried
	// list.
	DefaultTriedBuckets = 64

	// DefaultEvictionThresholdTime is the default age after which a new
	// peer counts as stale.
	DefaultEvictionThresholdTime = 24 * time.Hour

	// DefaultMaxReconnectTries is the default number of failed connections
	// a tried peer survives.
	DefaultMaxReconnectTries = 3
)

// Config holds the options of a peer book.
//
//nolint:lll
type Config struct {
	NewBucketSize         uint32        `long:"newbucketsize" description:"Maximum number of peers per bucket of the new list"`
	NewBuckets            uint32        `long:"newbuckets" description:"Number of buckets of the new list"`
	TriedBucketSize       uint32        `long:"triedbucketsize" description:"Maximum number of peers per bucket of the tried list"`
	TriedBuckets          uint32        `long:"triedbuckets" description:"Number of buckets of the tried list"`
	EvictionThresholdTime time.Duration `long:"evictionthreshold" description:"Age after which a new peer is preferred for eviction from a full bucket"`
	MaxReconnectTries     uint32        `long:"maxreconnecttries" description:"Number of failed connections after which a tried peer is moved back to the new list"`
	TrustedPeers          []string      `long:"trustedpeer" description:"Peer (ip:port) that is never downgraded or removed; may be given multiple times"`

	// Secret is mixed into every bucket hash. It is drawn at startup and
	// never read from the command line.
	Secret uint32 `no-flag:"true"`
}

// DefaultConfig returns the default peer book options. The secret is left at
// zero and must be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		NewBucketSize:         DefaultBucketSize,
		NewBuckets:            DefaultNewBuckets,
		TriedBucketSize:       DefaultBucketSize,
		TriedBuckets:          DefaultTriedBuckets,
		EvictionThresholdTime: DefaultEvictionThresholdTime,
		MaxReconnectTries:     DefaultMaxReconnectTries,
	}
}

// Validate checks the peer book options.
func (c *Config) Validate() error {
	switch {
	case c.NewBucketSize == 0 || c.TriedBucketSize == 0:
		return fmt.Errorf("%w: bucket sizes must be positive",
			ErrInvalidConfig)

	case c.NewBuckets == 0 || c.TriedBuckets == 0:
		return fmt.Errorf("%w: bucket counts must be positive",
			ErrInvalidConfig)

	case c.EvictionThresholdTime <= 0:
		return fmt.Errorf("%w: eviction threshold must be positive, "+
			"got %v", ErrInvalidConfig, c.EvictionThresholdTime)

	case c.MaxReconnectTries == 0:
		return fmt.Errorf("%w: max reconnect tries must be positive",
			ErrInvalidConfig)
	}

	for _, peer := range c.TrustedPeers {
		host, _, err := net.SplitHostPort(peer)
		if err != nil || net.ParseIP(host) == nil {
			return fmt.Errorf("%w: trusted peer %q is not an "+
				"ip:port pair", ErrInvalidConfig, peer)
		}
	}

	return nil
}
