package peerbook

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Snapshot is a point in time copy of the contents of a book.
type Snapshot struct {
	// New holds the peers of the new list.
	New []KnownPeer

	// Tried holds the peers of the tried list.
	Tried []KnownPeer
}

// Book owns a new list and a tried list and moves peers between them. A peer
// id is never present in both lists at once.
//
// A peer moves through the states unknown, new, tried, and back to new after
// MaxReconnectTries failed connections. One more failure while new forgets
// it.
type Book struct {
	cfg Config

	newPeers   *List
	triedPeers *List

	// trusted holds the ids of peers that are never downgraded or
	// removed.
	trusted map[string]struct{}

	// bannedIPs maps the IPs whose peers are rejected to the end of their
	// ban. A zero time bans until the IP is unbanned.
	bannedIPs map[string]time.Time

	opts listOptions

	// mu serializes every operation that touches both lists.
	mu sync.RWMutex
}

// NewBook creates a book from the given config. The options are handed to
// both lists.
func NewBook(cfg Config, opts ...ListOption) (*Book, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newPeers, err := NewNewPeerList(NewListConfig{
		BucketSize:            cfg.NewBucketSize,
		NumOfBuckets:          cfg.NewBuckets,
		Secret:                cfg.Secret,
		EvictionThresholdTime: cfg.EvictionThresholdTime,
	}, opts...)
	if err != nil {
		return nil, err
	}

	triedPeers, err := NewTriedPeerList(TriedListConfig{
		BucketSize:        cfg.TriedBucketSize,
		NumOfBuckets:      cfg.TriedBuckets,
		Secret:            cfg.Secret,
		MaxReconnectTries: cfg.MaxReconnectTries,
	}, opts...)
	if err != nil {
		return nil, err
	}

	trusted := make(map[string]struct{}, len(cfg.TrustedPeers))
	for _, peer := range cfg.TrustedPeers {
		host, port, err := net.SplitHostPort(peer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		trusted[net.JoinHostPort(host, port)] = struct{}{}
	}

	o := defaultListOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Book{
		cfg:        cfg,
		newPeers:   newPeers,
		triedPeers: triedPeers,
		trusted:    trusted,
		bannedIPs:  make(map[string]time.Time),
		opts:       o,
	}, nil
}

// AddPeer records a newly discovered peer. A peer that is already known only
// has its metadata refreshed. The returned option holds the peer that was
// evicted from the new list to make room, if any.
func (b *Book) AddPeer(info PeerInfo) (fn.Option[KnownPeer], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isBannedUnsafe(info.IPAddress) {
		return fn.None[KnownPeer](), fmt.Errorf("%w: %v",
			ErrPeerBanned, info.IPAddress)
	}

	id := info.PeerID()
	if b.triedPeers.UpdatePeer(info) || b.newPeers.UpdatePeer(info) {
		return fn.None[KnownPeer](), nil
	}

	evicted, err := b.newPeers.AddPeer(info)
	switch {
	case errors.Is(err, ErrDuplicatePeer):
		return fn.None[KnownPeer](), nil

	case err != nil:
		return fn.None[KnownPeer](), err
	}

	log.Debugf("Discovered new peer %v", id)

	return evicted, nil
}

// UpgradePeer moves a peer from the new list to the tried list after a
// successful connection. It returns true if the peer ends up tried.
func (b *Book) UpgradePeer(info PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := info.PeerID()
	if b.triedPeers.UpdatePeer(info) {
		b.triedPeers.resetFailures(id)
		return true
	}

	storedPeer := b.newPeers.GetPeer(id)
	if storedPeer.IsNone() {
		return false
	}
	stored := storedPeer.UnwrapOr(KnownPeer{})

	b.newPeers.RemovePeer(id)

	evicted, err := b.triedPeers.AddPeer(stored.PeerInfo.merge(info))
	if err != nil {
		log.Errorf("Unable to upgrade peer %v: %v", id, err)

		// Put the peer back where it was.
		if _, err := b.newPeers.addKnownPeer(stored); err != nil {
			log.Errorf("Unable to restore new peer %v: %v", id,
				err)
		}

		return false
	}

	evicted.WhenSome(func(p KnownPeer) {
		log.Debugf("Tried peer %v evicted by upgrade of %v",
			p.PeerID(), id)
	})

	log.Debugf("Upgraded peer %v to tried", id)

	return true
}

// DowngradePeer records a failed connection. A new peer is forgotten right
// away. A tried peer goes back to the new list once it exhausted its
// reconnect tries. Trusted peers are never downgraded. It returns true if the
// peer left its list.
func (b *Book) DowngradePeer(info PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := info.PeerID()
	if _, ok := b.trusted[id]; ok {
		return false
	}

	if b.newPeers.HasPeer(id) {
		if b.newPeers.FailedConnectionAction(id) {
			log.Debugf("Forgot new peer %v", id)
			return true
		}

		return false
	}

	storedPeer := b.triedPeers.GetPeer(id)
	if storedPeer.IsNone() {
		return false
	}
	stored := storedPeer.UnwrapOr(KnownPeer{})

	if !b.triedPeers.FailedConnectionAction(id) {
		return false
	}

	// The peer gets a fresh lifecycle in the new list.
	_, err := b.newPeers.AddPeer(stored.PeerInfo)
	if err != nil {
		log.Errorf("Unable to move peer %v back to new: %v", id, err)
	} else {
		log.Debugf("Downgraded peer %v to new", id)
	}

	return true
}

// GetPeer returns the peer with the given id, looking at the tried list
// first.
func (b *Book) GetPeer(peerID string) fn.Option[KnownPeer] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if peer := b.triedPeers.GetPeer(peerID); peer.IsSome() {
		return peer
	}

	return b.newPeers.GetPeer(peerID)
}

// HasPeer reports whether either list holds the peer.
func (b *Book) HasPeer(peerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.triedPeers.HasPeer(peerID) || b.newPeers.HasPeer(peerID)
}

// IsTried reports whether the peer sits in the tried list.
func (b *Book) IsTried(peerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.triedPeers.HasPeer(peerID)
}

// UpdatePeer refreshes the metadata of a known peer. It returns false if the
// peer is unknown.
func (b *Book) UpdatePeer(info PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.triedPeers.UpdatePeer(info) || b.newPeers.UpdatePeer(info)
}

// RemovePeer forgets a peer. Trusted peers are kept. It returns true if the
// peer was removed.
func (b *Book) RemovePeer(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.trusted[peerID]; ok {
		return false
	}

	return b.triedPeers.RemovePeer(peerID) || b.newPeers.RemovePeer(peerID)
}

// IsTrusted reports whether the peer is configured as trusted.
func (b *Book) IsTrusted(peerID string) bool {
	_, ok := b.trusted[peerID]
	return ok
}

// NewPeers returns the peers of the new list.
func (b *Book) NewPeers() []KnownPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.newPeers.Peers()
}

// TriedPeers returns the peers of the tried list.
func (b *Book) TriedPeers() []KnownPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.triedPeers.Peers()
}

// AllPeers returns the peers of both lists, tried peers first.
func (b *Book) AllPeers() []KnownPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append(b.triedPeers.Peers(), b.newPeers.Peers()...)
}

// Config returns the options the book was created with.
func (b *Book) Config() Config {
	return b.cfg
}

// Len returns the number of new and tried peers.
func (b *Book) Len() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.newPeers.Len(), b.triedPeers.Len()
}

// BanIP drops every peer at the given IP and rejects future additions of it
// until the given time. A zero time keeps the ban until UnbanIP. Trusted
// peers are dropped as well. It returns the number of peers dropped.
func (b *Book) BanIP(ip string, until time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.clock.Now()
	for bannedIP, end := range b.bannedIPs {
		if !end.IsZero() && !now.Before(end) {
			delete(b.bannedIPs, bannedIP)
		}
	}
	b.bannedIPs[ip] = until

	var dropped int
	for _, list := range []*List{b.newPeers, b.triedPeers} {
		for _, peer := range list.Peers() {
			if peer.IPAddress != ip {
				continue
			}
			if list.RemovePeer(peer.PeerID()) {
				dropped++
			}
		}
	}

	log.Infof("Banned ip %v, dropped %d peer(s)", ip, dropped)

	return dropped
}

// UnbanIP lifts a ban. It returns false if the IP was not banned.
func (b *Book) UnbanIP(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isBannedUnsafe(ip) {
		delete(b.bannedIPs, ip)
		return false
	}
	delete(b.bannedIPs, ip)

	log.Infof("Unbanned ip %v", ip)

	return true
}

// IsBanned reports whether the IP is banned.
func (b *Book) IsBanned(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.isBannedUnsafe(ip)
}

// isBannedUnsafe reports whether the IP has a ban that has not run out yet.
//
// NOTE: The book mutex MUST be held when calling this method.
func (b *Book) isBannedUnsafe(ip string) bool {
	until, ok := b.bannedIPs[ip]
	if !ok {
		return false
	}

	return until.IsZero() || b.opts.clock.Now().Before(until)
}

// BannedIPs returns the banned IPs in no particular order.
func (b *Book) BannedIPs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ips := make([]string, 0, len(b.bannedIPs))
	for ip := range b.bannedIPs {
		if b.isBannedUnsafe(ip) {
			ips = append(ips, ip)
		}
	}

	return ips
}

// SamplePeers returns up to max peers drawn uniformly from both lists. A
// non-positive max returns every peer in random order.
func (b *Book) SamplePeers(max int) []KnownPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	peers := append(b.triedPeers.Peers(), b.newPeers.Peers()...)

	// Fisher-Yates over the injected source of randomness.
	for i := len(peers) - 1; i > 0; i-- {
		j := b.opts.rand(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}

	if max > 0 && max < len(peers) {
		peers = peers[:max]
	}

	return peers
}

// Snapshot copies the contents of both lists.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		New:   b.newPeers.Peers(),
		Tried: b.triedPeers.Peers(),
	}
}

// Restore inserts the peers of a snapshot, keeping their age and failure
// counts. Buckets are recomputed with the current secret, so restored peers
// may evict each other. Banned, duplicate and malformed entries are skipped.
// It returns the number of peers inserted.
func (b *Book) Restore(snapshot Snapshot) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var restored int
	restore := func(list *List, peer KnownPeer) {
		id := peer.PeerID()
		if b.isBannedUnsafe(peer.IPAddress) {
			return
		}
		if b.newPeers.HasPeer(id) || b.triedPeers.HasPeer(id) {
			return
		}

		if _, err := list.addKnownPeer(peer); err != nil {
			log.Warnf("Skipping stored peer %v: %v", id, err)
			return
		}
		restored++
	}

	for _, peer := range snapshot.Tried {
		restore(b.triedPeers, peer)
	}
	for _, peer := range snapshot.New {
		restore(b.newPeers, peer)
	}

	log.Infof("Restored %d of %d stored peer(s)", restored,
		len(snapshot.New)+len(snapshot.Tried))

	return restored
}
