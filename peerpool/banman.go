package peerpool

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// maxTrackedIPs limits the number of IPs we keep penalty scores for.
const maxTrackedIPs = 10_000

// cachedBanInfo tracks the penalty score of an IP.
type cachedBanInfo struct {
	score      uint64
	lastUpdate time.Time
}

// Size returns the "size" of an entry.
func (c *cachedBanInfo) Size() (uint64, error) {
	return 1, nil
}

// isBanned returns true if the score reached the threshold.
func (c *cachedBanInfo) isBanned(banThreshold uint64) bool {
	return c.score >= banThreshold
}

// banman bans IPs whose accumulated penalty reaches the threshold. Scores and
// bans live in an LRU cache, so they are forgotten on restart and the number
// of tracked IPs is bounded.
type banman struct {
	// peerBanIndex maps IPs to their penalty score.
	peerBanIndex *lru.Cache[string, *cachedBanInfo]

	banThreshold uint64
	banTime      time.Duration

	clock        clock.Clock
	purgeTicker  ticker.Ticker
	onPurgeEvent func(unbanned []string)

	wg   sync.WaitGroup
	quit chan struct{}
}

// newBanman creates a banman. A zero threshold disables banning.
func newBanman(banThreshold uint64, banTime time.Duration, c clock.Clock,
	purgeTicker ticker.Ticker) *banman {

	if banThreshold == 0 {
		log.Warn("Banning is disabled due to zero ban threshold")
		banThreshold = math.MaxUint64
	}

	return &banman{
		peerBanIndex: lru.NewCache[string, *cachedBanInfo](
			maxTrackedIPs,
		),
		banThreshold: banThreshold,
		banTime:      banTime,
		clock:        c,
		purgeTicker:  purgeTicker,
		quit:         make(chan struct{}),
	}
}

// start kicks off the purge loop.
func (b *banman) start() {
	b.purgeTicker.Resume()

	b.wg.Add(1)
	go b.purgeExpiredBans()
}

// stop halts the purge loop.
func (b *banman) stop() {
	close(b.quit)
	b.wg.Wait()
	b.purgeTicker.Stop()
}

// purgeExpiredBans removes expired entries on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (b *banman) purgeExpiredBans() {
	defer b.wg.Done()

	for {
		select {
		case <-b.purgeTicker.Ticks():
			unbanned := b.purgeBanEntries()
			if len(unbanned) > 0 && b.onPurgeEvent != nil {
				b.onPurgeEvent(unbanned)
			}

		case <-b.quit:
			return
		}
	}
}

// purgeBanEntries lifts expired bans and forgets scores that were not
// updated for a full ban period. It returns the IPs whose ban was lifted.
func (b *banman) purgeBanEntries() []string {
	var (
		keysToRemove []string
		unbanned     []string
		now          = b.clock.Now()
	)

	sweepEntries := func(ip string, banInfo *cachedBanInfo) bool {
		if banInfo.lastUpdate.Add(b.banTime).Before(now) {
			keysToRemove = append(keysToRemove, ip)
			if banInfo.isBanned(b.banThreshold) {
				unbanned = append(unbanned, ip)
			}
		}

		return true
	}

	b.peerBanIndex.Range(sweepEntries)

	for _, key := range keysToRemove {
		b.peerBanIndex.Delete(key)
	}

	if len(unbanned) > 0 {
		log.Infof("Lifted %d expired ban(s)", len(unbanned))
	}

	return unbanned
}

// isBanned checks whether the IP is banned.
func (b *banman) isBanned(ip string) bool {
	banInfo, err := b.peerBanIndex.Get(ip)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return false

	case err != nil:
		return false

	default:
		return banInfo.isBanned(b.banThreshold)
	}
}

// addScore adds a penalty to the IP and reports whether this pushed it over
// the ban threshold. IPs that are already banned report false.
func (b *banman) addScore(ip string, score uint64) bool {
	var prev uint64
	banInfo, err := b.peerBanIndex.Get(ip)
	if err == nil {
		prev = banInfo.score
	}

	if prev >= b.banThreshold {
		return false
	}

	next := prev + score
	if next < prev {
		next = math.MaxUint64
	}

	_, _ = b.peerBanIndex.Put(ip, &cachedBanInfo{
		score:      next,
		lastUpdate: b.clock.Now(),
	})

	return next >= b.banThreshold
}

// bannedIPs returns the currently banned IPs.
func (b *banman) bannedIPs() []string {
	var ips []string
	b.peerBanIndex.Range(func(ip string, banInfo *cachedBanInfo) bool {
		if banInfo.isBanned(b.banThreshold) {
			ips = append(ips, ip)
		}

		return true
	})

	return ips
}
