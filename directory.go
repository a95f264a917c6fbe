package peerdir

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/p2pkit/peerdir/logutil"
	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerpool"
	"github.com/p2pkit/peerdir/peerstore"
	"golang.org/x/time/rate"
)

// Transport opens outbound connections on behalf of the directory.
type Transport interface {
	// Dial starts a connection attempt to the peer. It must not block.
	// The outcome is reported back through HandleConnected or
	// HandleConnectFailed.
	Dial(info peerbook.PeerInfo)
}

// Stats is a point in time summary of a directory.
type Stats struct {
	// NewPeers is the number of peers in the new list.
	NewPeers int

	// TriedPeers is the number of peers in the tried list.
	TriedPeers int

	// Inbound is the number of inbound sessions.
	Inbound int

	// Outbound is the number of outbound sessions, including those that
	// are still connecting.
	Outbound int

	// BannedIPs is the number of banned IPs.
	BannedIPs int

	// Evictions is the number of sessions evicted since startup.
	Evictions uint64
}

// dirOptions holds the injectable collaborators of a directory.
type dirOptions struct {
	clock           clock.Clock
	store           fn.Option[*peerstore.Store]
	populatorTicker ticker.Ticker
	shuffleTicker   ticker.Ticker
	snapshotTicker  ticker.Ticker
	poolOpts        []peerpool.Option
}

// Option modifies the collaborators of a directory.
type Option func(*dirOptions)

// WithClock overrides the clock of the directory, its book and its pool.
func WithClock(c clock.Clock) Option {
	return func(o *dirOptions) {
		o.clock = c
	}
}

// WithStore makes the directory restore the book from the store on start and
// save it periodically and on stop.
func WithStore(store *peerstore.Store) Option {
	return func(o *dirOptions) {
		o.store = fn.Some(store)
	}
}

// WithTickers overrides the tickers driving the populator, the outbound
// shuffle and the snapshots.
func WithTickers(populator, shuffle, snapshot ticker.Ticker) Option {
	return func(o *dirOptions) {
		o.populatorTicker = populator
		o.shuffleTicker = shuffle
		o.snapshotTicker = snapshot
	}
}

// WithPoolOptions hands extra options to the pool.
func WithPoolOptions(opts ...peerpool.Option) Option {
	return func(o *dirOptions) {
		o.poolOpts = append(o.poolOpts, opts...)
	}
}

// Directory ties a peer book to a peer pool. It keeps the outbound slots
// filled from the book, feeds connection results back into the book, and
// mirrors bans of the pool into the book.
type Directory struct {
	started sync.Once
	stopped sync.Once

	cfg  *Config
	opts dirOptions

	book *peerbook.Book
	pool *peerpool.Pool

	transport Transport

	// dialLimiter paces outbound connection attempts.
	dialLimiter *rate.Limiter

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDirectory creates a directory. A zero secret in the book or pool config
// is replaced with one random secret shared by both.
func NewDirectory(cfg *Config, transport Transport,
	opts ...Option) (*Directory, error) {

	if transport == nil {
		return nil, fmt.Errorf("%w: transport required",
			ErrInvalidConfig)
	}
	if err := cfg.Directory.Validate(); err != nil {
		return nil, err
	}

	o := dirOptions{
		clock: clock.NewDefaultClock(),
		store: fn.None[*peerstore.Store](),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.populatorTicker == nil {
		o.populatorTicker = ticker.New(cfg.Directory.PopulatorInterval)
	}
	if o.shuffleTicker == nil {
		o.shuffleTicker = ticker.New(
			cfg.Directory.OutboundShuffleInterval,
		)
	}
	if o.snapshotTicker == nil {
		o.snapshotTicker = ticker.New(cfg.Directory.SnapshotInterval)
	}

	// Both hash secrets fall back to one shared random secret.
	bookCfg := *cfg.Book
	poolCfg := *cfg.Pool
	if bookCfg.Secret == 0 || poolCfg.Secret == 0 {
		secret, err := netgroup.NewSecret()
		if err != nil {
			return nil, err
		}

		if bookCfg.Secret == 0 {
			bookCfg.Secret = secret
		}
		if poolCfg.Secret == 0 {
			poolCfg.Secret = secret
		}
	}

	log.DebugS(context.TODO(), "Creating peer directory",
		logutil.LogSecret("book_secret", bookCfg.Secret),
		logutil.LogSecret("pool_secret", poolCfg.Secret))

	book, err := peerbook.NewBook(bookCfg, peerbook.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	d := &Directory{
		cfg:       cfg,
		opts:      o,
		book:      book,
		transport: transport,
		dialLimiter: rate.NewLimiter(
			rate.Limit(cfg.Directory.MaxDialRate),
			cfg.Directory.DialBurst,
		),
		quit: make(chan struct{}),
	}

	poolOpts := append([]peerpool.Option{
		peerpool.WithClock(o.clock),
		peerpool.WithConnectFunc(transport.Dial),
		peerpool.WithConnectionSelection(d.pacedSelection),
		peerpool.WithBanHooks(d.handleBan, d.handleUnban),
	}, o.poolOpts...)

	d.pool, err = peerpool.New(poolCfg, poolOpts...)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Book returns the peer book of the directory.
func (d *Directory) Book() *peerbook.Book {
	return d.book
}

// Pool returns the peer pool of the directory.
func (d *Directory) Pool() *peerpool.Pool {
	return d.pool
}

// Start restores the book, starts the pool and launches the periodic tasks.
func (d *Directory) Start() error {
	var startErr error
	d.started.Do(func() {
		log.Info("Peer directory starting")

		d.opts.store.WhenSome(func(store *peerstore.Store) {
			n, err := store.Restore(d.book)
			if err != nil {
				log.Errorf("Unable to restore peers: %v", err)
				return
			}
			log.Infof("Restored %d peer(s) from store", n)
		})

		if err := d.pool.Start(); err != nil {
			startErr = err
			return
		}

		d.opts.populatorTicker.Resume()
		d.opts.shuffleTicker.Resume()

		d.wg.Add(2)
		go d.populator()
		go d.shuffler()

		if d.opts.store.IsSome() {
			d.opts.snapshotTicker.Resume()

			d.wg.Add(1)
			go d.snapshotter()
		}
	})

	return startErr
}

// Stop halts the periodic tasks, closes every session and saves the book.
func (d *Directory) Stop() error {
	var stopErr error
	d.stopped.Do(func() {
		log.Info("Peer directory shutting down...")
		defer log.Debug("Peer directory shutdown complete")

		close(d.quit)
		d.wg.Wait()

		d.opts.populatorTicker.Stop()
		d.opts.shuffleTicker.Stop()
		d.opts.snapshotTicker.Stop()

		if err := d.pool.Stop(); err != nil {
			stopErr = err
		}

		d.opts.store.WhenSome(func(store *peerstore.Store) {
			if err := store.Save(d.book); err != nil {
				stopErr = errors.Join(stopErr, err)
			}
		})
	})

	return stopErr
}

// populator fills free outbound slots on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (d *Directory) populator() {
	defer d.wg.Done()

	for {
		select {
		case <-d.opts.populatorTicker.Ticks():
			d.Populate()

		case <-d.quit:
			return
		}
	}
}

// shuffler drops one outbound peer on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (d *Directory) shuffler() {
	defer d.wg.Done()

	for {
		select {
		case <-d.opts.shuffleTicker.Ticks():
			d.pool.ShuffleOutbound().WhenSome(
				func(p peerpool.ConnectedPeer) {
					log.Debugf("Shuffled out outbound "+
						"peer %v", p.ID())
				},
			)

		case <-d.quit:
			return
		}
	}
}

// snapshotter saves the book on every tick.
//
// NOTE: This MUST be run as a goroutine.
func (d *Directory) snapshotter() {
	defer d.wg.Done()

	for {
		select {
		case <-d.opts.snapshotTicker.Ticks():
			d.opts.store.WhenSome(func(store *peerstore.Store) {
				if err := store.Save(d.book); err != nil {
					log.Errorf("Unable to save peers: %v",
						err)
				}
			})

		case <-d.quit:
			return
		}
	}
}

// Populate dials book peers into free outbound slots and evicts inbound
// peers above the cap. It returns the peers dialed.
func (d *Directory) Populate() []peerbook.PeerInfo {
	toInfos := func(peers []peerbook.KnownPeer) []peerbook.PeerInfo {
		infos := make([]peerbook.PeerInfo, 0, len(peers))
		for _, peer := range peers {
			infos = append(infos, peer.PeerInfo)
		}

		return infos
	}

	dialed := d.pool.TriggerNewConnections(
		toInfos(d.book.NewPeers()), toInfos(d.book.TriedPeers()), nil,
	)
	if len(dialed) > 0 {
		log.Debugf("Dialing %d outbound peer(s)", len(dialed))
	}

	if n := d.pool.EvictionSweep(); n > 0 {
		log.Infof("Evicted %d inbound peer(s) above the cap", n)
	}

	return dialed
}

// pacedSelection caps the connection selection at the dial budget left in
// the rate limiter.
func (d *Directory) pacedSelection(
	in peerpool.ConnectionSelectionInput) []peerbook.PeerInfo {

	now := d.opts.clock.Now()
	in.Limit = min(in.Limit, int(d.dialLimiter.TokensAt(now)))
	if in.Limit <= 0 {
		log.Tracef("Dial budget exhausted")
		return nil
	}

	selected := peerpool.SelectPeersForConnection(in)
	if len(selected) > 0 {
		d.dialLimiter.AllowN(now, len(selected))
	}

	return selected
}

// HandleDiscovered adds peers learned through discovery to the book. It
// returns the number of peers that were accepted.
func (d *Directory) HandleDiscovered(infos []peerbook.PeerInfo) int {
	var accepted int
	for _, info := range infos {
		_, err := d.book.AddPeer(info)
		if err != nil {
			log.Debugf("Ignoring discovered peer %v: %v",
				info.PeerID(), err)
			continue
		}
		accepted++
	}

	return accepted
}

// HandleConnected records a successful outbound handshake.
func (d *Directory) HandleConnected(info peerbook.PeerInfo,
	conn peerpool.Conn) error {

	if err := d.pool.MarkOpen(info.PeerID(), conn); err != nil {
		return err
	}
	log.DebugS(context.TODO(), "Outbound peer connected",
		logutil.LogPeer("peer", info.PeerID()))

	// Peers dialed outside the populator may not be known yet.
	if !d.book.HasPeer(info.PeerID()) {
		if _, err := d.book.AddPeer(info); err != nil {
			log.Warnf("Unable to add connected peer %v: %v",
				info.PeerID(), err)
		}
	}

	if !d.book.UpgradePeer(info) {
		log.Warnf("Unable to upgrade connected peer %v",
			info.PeerID())
	}

	return nil
}

// HandleConnectFailed records a failed outbound connection attempt.
func (d *Directory) HandleConnectFailed(info peerbook.PeerInfo) {
	d.pool.MarkFailed(info.PeerID())

	if d.book.DowngradePeer(info) {
		log.Debugf("Peer %v left its list after a failed connection",
			info.PeerID())
	}
}

// HandleDisconnected drops the session of a peer that went away.
func (d *Directory) HandleDisconnected(peerID string) {
	log.DebugS(context.TODO(), "Peer disconnected",
		logutil.LogPeer("peer", peerID))

	d.pool.RemovePeer(
		peerID, peerpool.CodeIntentionalDisconnect, "peer disconnected",
	)
}

// HandleInbound admits a session opened by a peer and remembers its address.
func (d *Directory) HandleInbound(info peerbook.PeerInfo,
	conn peerpool.Conn) error {

	if err := d.pool.AddInboundPeer(info, conn); err != nil {
		return err
	}

	if !d.book.HasPeer(info.PeerID()) {
		if _, err := d.book.AddPeer(info); err != nil {
			log.Debugf("Not adding inbound peer %v to book: %v",
				info.PeerID(), err)
		}
	}

	return nil
}

// ApplyPenalty penalizes a misbehaving peer. It returns true if the peer's IP
// got banned.
func (d *Directory) ApplyPenalty(peerID string, score uint64) bool {
	return d.pool.ApplyPenalty(peerID, score)
}

// handleBan mirrors a pool ban into the book. The book ban runs out with the
// pool ban even if the pool forgets the IP early.
func (d *Directory) handleBan(ip string) {
	d.book.BanIP(ip, d.opts.clock.Now().Add(d.cfg.Pool.PeerBanTime))
}

// handleUnban mirrors an expired pool ban into the book.
func (d *Directory) handleUnban(ip string) {
	d.book.UnbanIP(ip)
}

// Stats returns a summary of the directory.
func (d *Directory) Stats() Stats {
	numNew, numTried := d.book.Len()
	inbound, outbound := d.pool.Counts()

	return Stats{
		NewPeers:   numNew,
		TriedPeers: numTried,
		Inbound:    inbound,
		Outbound:   outbound,
		BannedIPs:  len(d.book.BannedIPs()),
		Evictions:  d.pool.Evictions(),
	}
}
