package peerbook

import "github.com/p2pkit/peerdir/netgroup"

// TriedListConfig configures the list of peers we connected to before.
type TriedListConfig struct {
	// BucketSize is the maximum number of peers per bucket.
	BucketSize uint32

	// NumOfBuckets is the number of buckets.
	NumOfBuckets uint32

	// Secret is mixed into the bucket hash.
	Secret uint32

	// MaxReconnectTries is the number of consecutive failed connections
	// after which a peer leaves the list.
	MaxReconnectTries uint32
}

// NewTriedPeerList creates the list of tried peers. Full buckets drop a random
// peer and a peer is only removed after MaxReconnectTries failures.
func NewTriedPeerList(cfg TriedListConfig, opts ...ListOption) (*List, error) {
	if cfg.BucketSize == 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.NumOfBuckets == 0 {
		cfg.NumOfBuckets = DefaultTriedBuckets
	}
	if cfg.MaxReconnectTries == 0 {
		cfg.MaxReconnectTries = DefaultMaxReconnectTries
	}

	return NewList(
		ListConfig{
			BucketSize:   cfg.BucketSize,
			NumOfBuckets: cfg.NumOfBuckets,
			Secret:       cfg.Secret,
			PeerType:     netgroup.PeerTypeTried,
		},
		RandomEviction{},
		CountedFailures{MaxReconnectTries: cfg.MaxReconnectTries},
		opts...,
	)
}
