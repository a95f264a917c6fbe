package peerbook

import (
	"time"

	"github.com/p2pkit/peerdir/netgroup"
)

// NewListConfig configures the list of peers we have not connected to yet.
type NewListConfig struct {
	// BucketSize is the maximum number of peers per bucket.
	BucketSize uint32

	// NumOfBuckets is the number of buckets.
	NumOfBuckets uint32

	// Secret is mixed into the bucket hash.
	Secret uint32

	// EvictionThresholdTime is the age after which a peer is preferred
	// for eviction from a full bucket.
	EvictionThresholdTime time.Duration
}

// NewNewPeerList creates the list of untried peers. Full buckets drop their
// first stale peer, or a random one if none is stale, and a single failed
// connection forgets the peer.
func NewNewPeerList(cfg NewListConfig, opts ...ListOption) (*List, error) {
	if cfg.BucketSize == 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.NumOfBuckets == 0 {
		cfg.NumOfBuckets = DefaultNewBuckets
	}
	if cfg.EvictionThresholdTime == 0 {
		cfg.EvictionThresholdTime = DefaultEvictionThresholdTime
	}

	return NewList(
		ListConfig{
			BucketSize:   cfg.BucketSize,
			NumOfBuckets: cfg.NumOfBuckets,
			Secret:       cfg.Secret,
			PeerType:     netgroup.PeerTypeNew,
		},
		StaleEviction{Threshold: cfg.EvictionThresholdTime},
		RemoveOnFailure{},
		opts...,
	)
}
