package peerbook

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// EvictionPolicy picks the peer to drop when a bucket is full. Returning
// None lets the list fall back to evicting a uniformly random peer.
type EvictionPolicy interface {
	// SelectEvictionCandidate returns the id of the peer to evict from the
	// given bucket. The peers are ordered by DateAdded, oldest first.
	SelectEvictionCandidate(bucket []KnownPeer,
		now time.Time) fn.Option[string]
}

// FailurePolicy decides what a failed connection attempt does to a peer.
type FailurePolicy interface {
	// OnFailure records a failed attempt on the peer and reports whether
	// the peer must be removed from the list. The peer may be mutated.
	OnFailure(peer *KnownPeer) bool
}

// RandomEviction never expresses a preference, so the list always evicts a
// random peer.
type RandomEviction struct{}

// SelectEvictionCandidate always returns None.
func (RandomEviction) SelectEvictionCandidate([]KnownPeer,
	time.Time) fn.Option[string] {

	return fn.None[string]()
}

// StaleEviction evicts the first peer that has sat in the list for longer than
// Threshold.
type StaleEviction struct {
	// Threshold is the age after which a peer counts as stale.
	Threshold time.Duration
}

// SelectEvictionCandidate returns the oldest peer older than the threshold.
func (s StaleEviction) SelectEvictionCandidate(bucket []KnownPeer,
	now time.Time) fn.Option[string] {

	for _, peer := range bucket {
		if now.Sub(peer.DateAdded) > s.Threshold {
			return fn.Some(peer.PeerID())
		}
	}

	return fn.None[string]()
}

// RemoveOnFailure removes a peer on its first failed connection.
type RemoveOnFailure struct{}

// OnFailure always asks for removal.
func (RemoveOnFailure) OnFailure(*KnownPeer) bool {
	return true
}

// CountedFailures tolerates MaxReconnectTries - 1 failed connections and asks
// for removal on the last one.
type CountedFailures struct {
	// MaxReconnectTries is the number of failures that remove the peer.
	MaxReconnectTries uint32
}

// OnFailure bumps the failure counter and asks for removal once it reaches
// the limit.
func (c CountedFailures) OnFailure(peer *KnownPeer) bool {
	peer.NumOfConnectionFailures++

	return peer.NumOfConnectionFailures >= c.MaxReconnectTries
}
