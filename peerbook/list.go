package peerbook

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/p2pkit/peerdir/logutil"
	"github.com/p2pkit/peerdir/netgroup"
)

// ListConfig holds the immutable shape of a list.
type ListConfig struct {
	// BucketSize is the maximum number of peers per bucket.
	BucketSize uint32

	// NumOfBuckets is the number of buckets of the list.
	NumOfBuckets uint32

	// Secret is mixed into the bucket hash.
	Secret uint32

	// PeerType selects the bucketing scheme.
	PeerType netgroup.PeerType
}

// listOptions holds the injectable collaborators of a list.
type listOptions struct {
	bucketFunc netgroup.BucketFunc
	clock      clock.Clock
	rand       func(n int) int
}

// defaultListOptions returns the production collaborators.
func defaultListOptions() listOptions {
	return listOptions{
		bucketFunc: netgroup.BucketID,
		clock:      clock.NewDefaultClock(),
		rand:       rand.Intn,
	}
}

// ListOption modifies the collaborators of a list or a book.
type ListOption func(*listOptions)

// WithBucketFunc overrides the bucket hashing function.
func WithBucketFunc(f netgroup.BucketFunc) ListOption {
	return func(o *listOptions) {
		o.bucketFunc = f
	}
}

// WithClock overrides the clock used to stamp and age peers.
func WithClock(c clock.Clock) ListOption {
	return func(o *listOptions) {
		o.clock = c
	}
}

// WithRand overrides the source of randomness used for random eviction and
// sampling. The function must return a value in [0, n).
func WithRand(f func(n int) int) ListOption {
	return func(o *listOptions) {
		o.rand = f
	}
}

// bucket maps peer ids to peers.
type bucket map[string]*KnownPeer

// List is a fixed size, bucketed container of peers. Every peer lives in the
// bucket picked by the bucket function, and a full bucket makes room through
// the eviction policy before a new peer is inserted.
type List struct {
	cfg ListConfig

	eviction EvictionPolicy
	failure  FailurePolicy

	opts listOptions

	// buckets is indexed by bucket id.
	buckets []bucket

	// index maps every stored peer id to its bucket id.
	index map[string]uint32

	mu sync.RWMutex
}

// NewList creates a list with the given shape and policies.
func NewList(cfg ListConfig, eviction EvictionPolicy, failure FailurePolicy,
	opts ...ListOption) (*List, error) {

	if cfg.BucketSize == 0 || cfg.NumOfBuckets == 0 {
		return nil, fmt.Errorf("%w: bucket size and bucket count must "+
			"be positive", ErrInvalidConfig)
	}

	o := defaultListOptions()
	for _, opt := range opts {
		opt(&o)
	}

	buckets := make([]bucket, cfg.NumOfBuckets)
	for i := range buckets {
		buckets[i] = make(bucket)
	}

	return &List{
		cfg:      cfg,
		eviction: eviction,
		failure:  failure,
		opts:     o,
		buckets:  buckets,
		index:    make(map[string]uint32),
	}, nil
}

// Config returns the shape of the list.
func (l *List) Config() ListConfig {
	return l.cfg
}

// bucketFor computes the bucket of the given peer.
func (l *List) bucketFor(info PeerInfo) (uint32, error) {
	id, err := l.opts.bucketFunc(netgroup.BucketParams{
		Secret:        l.cfg.Secret,
		TargetAddress: info.IPAddress,
		SourceAddress: info.SourceAddress,
		PeerType:      l.cfg.PeerType,
		BucketCount:   l.cfg.NumOfBuckets,
	})
	if err != nil {
		return 0, fmt.Errorf("unable to compute bucket for %v: %w",
			info.PeerID(), err)
	}

	if id >= l.cfg.NumOfBuckets {
		return 0, fmt.Errorf("%w: bucket %d out of range for %v",
			netgroup.ErrInvalidInput, id, info.PeerID())
	}

	return id, nil
}

// AddPeer inserts a peer. If its bucket is full, one peer is evicted first and
// returned.
func (l *List) AddPeer(info PeerInfo) (fn.Option[KnownPeer], error) {
	return l.addKnownPeer(KnownPeer{PeerInfo: info})
}

// addKnownPeer inserts a peer keeping its bookkeeping fields. A zero
// DateAdded is stamped with the current time.
func (l *List) addKnownPeer(peer KnownPeer) (fn.Option[KnownPeer], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := peer.PeerID()
	if _, ok := l.index[id]; ok {
		return fn.None[KnownPeer](), fmt.Errorf("%w: %v",
			ErrDuplicatePeer, id)
	}

	bucketID, err := l.bucketFor(peer.PeerInfo)
	if err != nil {
		return fn.None[KnownPeer](), err
	}

	evicted := fn.None[KnownPeer]()
	if uint32(len(l.buckets[bucketID])) >= l.cfg.BucketSize {
		evicted = l.makeSpace(bucketID)
	}

	if peer.DateAdded.IsZero() {
		peer.DateAdded = l.opts.clock.Now()
	}
	peer.BucketID = bucketID

	l.buckets[bucketID][id] = &peer
	l.index[id] = bucketID

	log.Tracef("Added %v peer %v to bucket %d", l.cfg.PeerType, id,
		bucketID)

	return evicted, nil
}

// makeSpace evicts one peer from the bucket, asking the eviction policy first
// and picking a random peer when the policy declines.
//
// NOTE: The list mutex MUST be held when calling this method.
func (l *List) makeSpace(bucketID uint32) fn.Option[KnownPeer] {
	b := l.buckets[bucketID]
	if len(b) == 0 {
		return fn.None[KnownPeer]()
	}

	peers := sortedBucket(b)

	victim := l.eviction.SelectEvictionCandidate(
		peers, l.opts.clock.Now(),
	).UnwrapOr("")
	if _, ok := b[victim]; !ok {
		victim = peers[l.opts.rand(len(peers))].PeerID()
	}

	evicted := *b[victim]
	delete(b, victim)
	delete(l.index, victim)

	log.Debugf("Evicted %v peer %v from full bucket %d",
		l.cfg.PeerType, victim, bucketID)

	return fn.Some(evicted)
}

// sortedBucket returns copies of the peers of a bucket, oldest first and ties
// broken by id.
func sortedBucket(b bucket) []KnownPeer {
	peers := make([]KnownPeer, 0, len(b))
	for _, peer := range b {
		peers = append(peers, *peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].DateAdded.Equal(peers[j].DateAdded) {
			return peers[i].DateAdded.Before(peers[j].DateAdded)
		}

		return peers[i].PeerID() < peers[j].PeerID()
	})

	return peers
}

// lookup returns the stored peer with the given id.
//
// NOTE: The list mutex MUST be held when calling this method.
func (l *List) lookup(peerID string) (*KnownPeer, bool) {
	bucketID, ok := l.index[peerID]
	if !ok {
		return nil, false
	}

	peer, ok := l.buckets[bucketID][peerID]

	return peer, ok
}

// GetPeer returns a copy of the peer with the given id.
func (l *List) GetPeer(peerID string) fn.Option[KnownPeer] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peer, ok := l.lookup(peerID)
	if !ok {
		return fn.None[KnownPeer]()
	}

	return fn.Some(*peer)
}

// HasPeer reports whether the list holds the peer.
func (l *List) HasPeer(peerID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.index[peerID]

	return ok
}

// UpdatePeer merges fresh metadata into a stored peer. It returns false if the
// peer is unknown.
func (l *List) UpdatePeer(info PeerInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	peer, ok := l.lookup(info.PeerID())
	if !ok {
		return false
	}

	peer.PeerInfo = peer.PeerInfo.merge(info)

	return true
}

// resetFailures clears the failure count of a stored peer after a successful
// connection.
func (l *List) resetFailures(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if peer, ok := l.lookup(peerID); ok {
		peer.NumOfConnectionFailures = 0
	}
}

// RemovePeer drops a peer. It returns false if the peer is unknown.
func (l *List) RemovePeer(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.removeUnsafe(peerID)
}

// removeUnsafe drops a peer.
//
// NOTE: The list mutex MUST be held when calling this method.
func (l *List) removeUnsafe(peerID string) bool {
	bucketID, ok := l.index[peerID]
	if !ok {
		return false
	}

	delete(l.buckets[bucketID], peerID)
	delete(l.index, peerID)

	return true
}

// FailedConnectionAction applies the failure policy to the peer and removes
// it if the policy says so. It returns true if the peer was removed.
func (l *List) FailedConnectionAction(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	peer, ok := l.lookup(peerID)
	if !ok {
		return false
	}

	if !l.failure.OnFailure(peer) {
		log.Debugf("Connection to %v peer %v failed %d time(s)",
			l.cfg.PeerType, peerID, peer.NumOfConnectionFailures)

		return false
	}

	log.Debugf("Removing %v peer %v after failed connection: %v",
		l.cfg.PeerType, peerID, logutil.SpewLogClosure(peer))

	return l.removeUnsafe(peerID)
}

// Peers returns copies of all stored peers in no particular order.
func (l *List) Peers() []KnownPeer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peers := make([]KnownPeer, 0, len(l.index))
	for _, b := range l.buckets {
		for _, peer := range b {
			peers = append(peers, *peer)
		}
	}

	return peers
}

// Len returns the number of stored peers.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.index)
}

// BucketLen returns the number of peers in the given bucket, or zero for an
// unknown bucket.
func (l *List) BucketLen(bucketID uint32) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bucketID >= uint32(len(l.buckets)) {
		return 0
	}

	return len(l.buckets[bucketID])
}

// Capacity returns the maximum number of peers the list can hold.
func (l *List) Capacity() int {
	return int(l.cfg.BucketSize) * int(l.cfg.NumOfBuckets)
}
