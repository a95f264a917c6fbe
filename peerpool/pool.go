package peerpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/p2pkit/peerdir/logutil"
	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerbook"
)

// poolOptions holds the injectable collaborators of a pool.
type poolOptions struct {
	clock       clock.Clock
	rand        Rand
	purgeTicker ticker.Ticker

	connect func(peerbook.PeerInfo)
	onBan   func(ip string)
	onUnban func(ip string)

	selectForConnection ConnectionSelectionFunc
	selectForRequest    RequestSelectionFunc
	selectForSend       SendSelectionFunc
}

// Option modifies the collaborators of a pool.
type Option func(*poolOptions)

// WithClock overrides the clock used for connect times and bans.
func WithClock(c clock.Clock) Option {
	return func(o *poolOptions) {
		o.clock = c
	}
}

// WithRand overrides the source of randomness of the selection strategies
// and of eviction.
func WithRand(r Rand) Option {
	return func(o *poolOptions) {
		o.rand = r
	}
}

// WithPurgeTicker overrides the ticker that drives ban expiry.
func WithPurgeTicker(t ticker.Ticker) Option {
	return func(o *poolOptions) {
		o.purgeTicker = t
	}
}

// WithConnectFunc sets the callback that asks the transport to dial a peer.
// The callback must not block; the transport reports the result through
// MarkOpen or MarkFailed.
func WithConnectFunc(f func(peerbook.PeerInfo)) Option {
	return func(o *poolOptions) {
		o.connect = f
	}
}

// WithBanHooks sets the callbacks run when an IP is banned or its ban
// expires.
func WithBanHooks(onBan, onUnban func(ip string)) Option {
	return func(o *poolOptions) {
		o.onBan = onBan
		o.onUnban = onUnban
	}
}

// WithConnectionSelection overrides the outbound target selection.
func WithConnectionSelection(f ConnectionSelectionFunc) Option {
	return func(o *poolOptions) {
		o.selectForConnection = f
	}
}

// WithRequestSelection overrides the request target selection.
func WithRequestSelection(f RequestSelectionFunc) Option {
	return func(o *poolOptions) {
		o.selectForRequest = f
	}
}

// WithSendSelection overrides the message target selection.
func WithSendSelection(f SendSelectionFunc) Option {
	return func(o *poolOptions) {
		o.selectForSend = f
	}
}

// Pool manages the live sessions of the node. It caps inbound and outbound
// sessions, evicts inbound peers under pressure while protecting the most
// useful ones, and routes requests and messages to open sessions.
type Pool struct {
	started sync.Once
	stopped sync.Once

	cfg  Config
	opts poolOptions

	banman *banman

	// whitelist holds ids of peers that are never evicted.
	whitelist map[string]struct{}

	// sessions maps peer ids to their session.
	sessions map[string]*session

	// numEvictions counts evicted sessions. It MUST be used atomically.
	numEvictions uint64

	// admissionMtx serializes inbound admissions, so each eviction made
	// room for exactly one newcomer.
	admissionMtx sync.Mutex

	mu sync.RWMutex
}

// New creates a pool. Start must be called to run the ban purge loop.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := poolOptions{
		clock:               clock.NewDefaultClock(),
		rand:                globalRand{},
		connect:             func(peerbook.PeerInfo) {},
		selectForConnection: SelectPeersForConnection,
		selectForRequest:    SelectPeersForRequest,
		selectForSend:       SelectPeersForSend,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.purgeTicker == nil {
		interval := cfg.BanPurgeInterval
		if interval <= 0 {
			interval = DefaultBanPurgeInterval
		}
		o.purgeTicker = ticker.New(interval)
	}

	whitelist := make(map[string]struct{}, len(cfg.WhitelistedPeers))
	for _, peer := range cfg.WhitelistedPeers {
		host, port, err := net.SplitHostPort(peer)
		if err != nil {
			return nil, fmt.Errorf("%w: whitelisted peer %q: %v",
				ErrInvalidConfig, peer, err)
		}
		whitelist[net.JoinHostPort(host, port)] = struct{}{}
	}

	p := &Pool{
		cfg:       cfg,
		opts:      o,
		whitelist: whitelist,
		sessions:  make(map[string]*session),
	}
	p.banman = newBanman(
		cfg.BanThreshold, cfg.PeerBanTime, o.clock, o.purgeTicker,
	)
	p.banman.onPurgeEvent = p.handleUnbans

	return p, nil
}

// Start launches the ban purge loop.
func (p *Pool) Start() error {
	p.started.Do(func() {
		log.Info("Peer pool starting")
		p.banman.start()
	})

	return nil
}

// Stop halts the ban purge loop and closes every session.
func (p *Pool) Stop() error {
	p.stopped.Do(func() {
		log.Info("Peer pool shutting down...")
		defer log.Debug("Peer pool shutdown complete")

		p.banman.stop()

		for _, peer := range p.Peers() {
			p.RemovePeer(
				peer.ID(), CodeIntentionalDisconnect,
				"pool shutting down",
			)
		}
	})

	return nil
}

// newConnectedPeer builds the initial snapshot of a session.
func (p *Pool) newConnectedPeer(info peerbook.PeerInfo, kind Kind,
	state State) ConnectedPeer {

	_, whitelisted := p.whitelist[info.PeerID()]

	return ConnectedPeer{
		Info:        info,
		Kind:        kind,
		State:       state,
		ConnectTime: p.opts.clock.Now(),
		Netgroup:    netgroup.Netgroup(p.cfg.Secret, info.IPAddress),
		Whitelisted: whitelisted,
	}
}

// countsUnsafe returns the number of inbound and outbound sessions. Outbound
// sessions that are still connecting count.
//
// NOTE: The pool mutex MUST be held when calling this method.
func (p *Pool) countsUnsafe() (int, int) {
	var inbound, outbound int
	for _, s := range p.sessions {
		if s.peer.Kind == Inbound {
			inbound++
		} else {
			outbound++
		}
	}

	return inbound, outbound
}

// Config returns the options the pool was created with.
func (p *Pool) Config() Config {
	return p.cfg
}

// Counts returns the number of inbound and outbound sessions.
func (p *Pool) Counts() (int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.countsUnsafe()
}

// AddInboundPeer registers a session opened by a peer. When every inbound
// slot is taken one inbound peer is evicted first.
func (p *Pool) AddInboundPeer(info peerbook.PeerInfo, conn Conn) error {
	id := info.PeerID()

	p.admissionMtx.Lock()
	defer p.admissionMtx.Unlock()

	p.mu.Lock()
	if p.banman.isBanned(info.IPAddress) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPeerBanned, info.IPAddress)
	}
	if _, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPeerExists, id)
	}

	inbound, _ := p.countsUnsafe()
	full := uint32(inbound) >= p.cfg.MaxInboundConnections
	p.mu.Unlock()

	if full && p.EvictInbound().IsNone() {
		return fmt.Errorf("%w: %d inbound sessions", ErrPoolFull,
			inbound)
	}

	s, err := newSession(
		p.newConnectedPeer(info, Inbound, StateOpen), conn,
		p.cfg.ResponseWindow,
	)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The peer may have raced us in while the lock was released.
	if _, ok := p.sessions[id]; ok {
		return fmt.Errorf("%w: %v", ErrPeerExists, id)
	}
	inbound, _ = p.countsUnsafe()
	if uint32(inbound) >= p.cfg.MaxInboundConnections {
		return fmt.Errorf("%w: %d inbound sessions", ErrPoolFull,
			inbound)
	}

	p.sessions[id] = s

	log.Debugf("Added inbound peer %v (session %v)", id,
		s.peer.SessionID)

	return nil
}

// TriggerNewConnections picks outbound targets among the given candidates and
// asks the transport to dial them. Candidates with a session, listed in
// connectedIDs, or at a banned IP are skipped. It returns the peers dialed.
func (p *Pool) TriggerNewConnections(newPeers, triedPeers []peerbook.PeerInfo,
	connectedIDs []string) []peerbook.PeerInfo {

	p.mu.Lock()

	skip := make(map[string]struct{}, len(connectedIDs))
	for _, id := range connectedIDs {
		skip[id] = struct{}{}
	}
	available := func(peers []peerbook.PeerInfo) []peerbook.PeerInfo {
		var out []peerbook.PeerInfo
		for _, peer := range peers {
			id := peer.PeerID()
			if _, ok := skip[id]; ok {
				continue
			}
			if _, ok := p.sessions[id]; ok {
				continue
			}
			if p.banman.isBanned(peer.IPAddress) {
				continue
			}
			out = append(out, peer)
		}

		return out
	}

	_, outbound := p.countsUnsafe()
	limit := int(p.cfg.MaxOutboundConnections) - outbound
	if limit <= 0 {
		p.mu.Unlock()
		return nil
	}

	selected := p.opts.selectForConnection(ConnectionSelectionInput{
		NewPeers:   available(newPeers),
		TriedPeers: available(triedPeers),
		Limit:      limit,
		Rand:       p.opts.rand,
	})

	var dial []peerbook.PeerInfo
	for _, info := range selected {
		id := info.PeerID()
		if _, ok := p.sessions[id]; ok || len(dial) >= limit {
			continue
		}

		s, err := newSession(
			p.newConnectedPeer(info, Outbound, StateConnecting),
			nil, p.cfg.ResponseWindow,
		)
		if err != nil {
			log.Errorf("Unable to create session for %v: %v", id,
				err)
			continue
		}
		p.sessions[id] = s
		dial = append(dial, info)
	}
	p.mu.Unlock()

	for _, info := range dial {
		log.Debugf("Dialing outbound peer %v", info.PeerID())
		p.opts.connect(info)
	}

	return dial
}

// MarkOpen attaches the connection to an outbound session that finished
// connecting.
func (p *Pool) MarkOpen(peerID string, conn Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[peerID]
	if !ok || s.peer.State != StateConnecting {
		return fmt.Errorf("%w: no pending session for %v",
			ErrPeerNotFound, peerID)
	}

	s.conn = conn
	s.peer.State = StateOpen
	s.peer.ConnectTime = p.opts.clock.Now()

	log.Debugf("Outbound peer %v open (session %v)", peerID,
		s.peer.SessionID)

	return nil
}

// MarkFailed drops a session whose connection attempt failed. It returns
// false if there was no session.
func (p *Pool) MarkFailed(peerID string) bool {
	return p.RemovePeer(
		peerID, CodeIntentionalDisconnect, "connection attempt failed",
	)
}

// RemovePeer drops a session and closes its connection. It returns false if
// there was no session.
func (p *Pool) RemovePeer(peerID string, code int, reason string) bool {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	if ok {
		delete(p.sessions, peerID)
		s.peer.State = StateClosed
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	if s.conn != nil {
		if err := s.conn.Close(code, reason); err != nil {
			log.Debugf("Error closing session of %v: %v", peerID,
				err)
		}
	}

	log.Debugf("Removed %v peer %v: %v", s.peer.Kind, peerID, reason)

	return true
}

// GetPeer returns the session of the peer.
func (p *Pool) GetPeer(peerID string) fn.Option[ConnectedPeer] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.sessions[peerID]
	if !ok {
		return fn.None[ConnectedPeer]()
	}

	return fn.Some(s.peer)
}

// Peers returns snapshots of every session.
func (p *Pool) Peers() []ConnectedPeer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peers := make([]ConnectedPeer, 0, len(p.sessions))
	for _, s := range p.sessions {
		peers = append(peers, s.peer)
	}

	return peers
}

// openPeers returns snapshots of the open sessions, optionally limited to one
// kind.
func (p *Pool) openPeers(kind fn.Option[Kind]) []ConnectedPeer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var peers []ConnectedPeer
	for _, s := range p.sessions {
		if s.peer.State != StateOpen {
			continue
		}
		if kind.IsSome() && kind.UnwrapOr(s.peer.Kind) != s.peer.Kind {
			continue
		}
		peers = append(peers, s.peer)
	}

	return peers
}

// ConnectedPeerIDs returns the ids of every session, including outbound ones
// that are still connecting.
func (p *Pool) ConnectedPeerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}

	return ids
}

// openConn returns the connection of an open session.
func (p *Pool) openConn(peerID string) (Conn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.sessions[peerID]
	if !ok || s.peer.State != StateOpen || s.conn == nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerNotFound, peerID)
	}

	return s.conn, nil
}

// recordOutcome feeds a request result into the response window of a peer.
func (p *Pool) recordOutcome(peerID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, exists := p.sessions[peerID]; exists {
		s.recordOutcome(ok)
	}
}

// Request routes a request to a peer picked by the request selection.
func (p *Pool) Request(ctx context.Context, packet Packet) (Response, error) {
	selected := p.opts.selectForRequest(RequestSelectionInput{
		Peers:  p.openPeers(fn.None[Kind]()),
		Packet: packet,
		Limit:  1,
		Rand:   p.opts.rand,
	})
	if len(selected) == 0 {
		return Response{}, fmt.Errorf("%w: no peer available for %v",
			ErrRequestFail, packet.Procedure)
	}

	return p.RequestFromPeer(ctx, packet, selected[0].ID())
}

// RequestFromPeer sends a request to the given peer and records whether it
// answered.
func (p *Pool) RequestFromPeer(ctx context.Context, packet Packet,
	peerID string) (Response, error) {

	conn, err := p.openConn(peerID)
	if err != nil {
		return Response{}, err
	}

	resp, err := conn.Request(ctx, packet)
	p.recordOutcome(peerID, err == nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: peer %v: %w",
			ErrRequestFail, peerID, err)
	}

	resp.PeerID = peerID

	return resp, nil
}

// Send delivers a message to the peers picked by the send selection, at most
// SendPeerLimit of them. It returns the number of peers reached.
func (p *Pool) Send(packet Packet) int {
	selected := p.opts.selectForSend(SendSelectionInput{
		Peers:  p.openPeers(fn.None[Kind]()),
		Packet: packet,
		Limit:  int(p.cfg.SendPeerLimit),
		Rand:   p.opts.rand,
	})
	if len(selected) > int(p.cfg.SendPeerLimit) {
		selected = selected[:p.cfg.SendPeerLimit]
	}

	return p.sendAll(packet, selected)
}

// Broadcast delivers a message to every open session. It returns the number
// of peers reached.
func (p *Pool) Broadcast(packet Packet) int {
	return p.sendAll(packet, p.openPeers(fn.None[Kind]()))
}

// sendAll sends the packet to each peer and counts the successes.
func (p *Pool) sendAll(packet Packet, peers []ConnectedPeer) int {
	var sent int
	for _, peer := range peers {
		err := p.SendToPeer(packet, peer.ID())
		if err != nil {
			log.Debugf("Unable to send %v to %v: %v",
				packet.Procedure, peer.ID(), err)
			continue
		}
		sent++
	}

	return sent
}

// SendToPeer delivers a message to the given peer.
func (p *Pool) SendToPeer(packet Packet, peerID string) error {
	conn, err := p.openConn(peerID)
	if err != nil {
		return err
	}

	return conn.Send(packet)
}

// UpdateLatency records a round trip measurement for the peer. It returns
// false if there is no session.
func (p *Pool) UpdateLatency(peerID string, latency time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[peerID]
	if !ok {
		return false
	}
	s.peer.Latency = latency

	return true
}

// SelectPeersForEviction returns the open, non-whitelisted inbound peers that
// remain after the four protection passes.
func (p *Pool) SelectPeersForEviction() []ConnectedPeer {
	var peers []ConnectedPeer
	for _, peer := range p.openPeers(fn.Some(Inbound)) {
		if peer.Whitelisted {
			continue
		}
		peers = append(peers, peer)
	}

	return selectForEviction(peers, &p.cfg)
}

// EvictInbound closes one random eviction candidate.
func (p *Pool) EvictInbound() fn.Option[ConnectedPeer] {
	candidates := p.SelectPeersForEviction()

	return p.evictRandom(candidates)
}

// evictRandom closes a random peer of the given set.
func (p *Pool) evictRandom(peers []ConnectedPeer) fn.Option[ConnectedPeer] {
	if len(peers) == 0 {
		return fn.None[ConnectedPeer]()
	}

	victim := peers[p.opts.rand.Intn(len(peers))]
	reason := evictionReason(victim.Kind, p.opts.clock.Now())
	if !p.RemovePeer(victim.ID(), CodeEvicted, reason) {
		return fn.None[ConnectedPeer]()
	}
	atomic.AddUint64(&p.numEvictions, 1)

	log.Infof("Evicted %v peer %v", victim.Kind,
		logutil.NewLogClosure(func() string {
			return fmt.Sprintf("%v (latency=%v, rate=%.2f)",
				victim.ID(), victim.Latency,
				victim.ResponseRate)
		}))

	return fn.Some(victim)
}

// EvictionSweep evicts inbound peers until the inbound count is within its
// cap or no candidate is left. It returns the number of evictions.
func (p *Pool) EvictionSweep() int {
	var evicted int
	for {
		inbound, _ := p.Counts()
		if uint32(inbound) <= p.cfg.MaxInboundConnections {
			return evicted
		}

		if p.EvictInbound().IsNone() {
			return evicted
		}
		evicted++
	}
}

// ShuffleOutbound drops one random open, non-whitelisted outbound peer so
// the populator can replace it.
func (p *Pool) ShuffleOutbound() fn.Option[ConnectedPeer] {
	var peers []ConnectedPeer
	for _, peer := range p.openPeers(fn.Some(Outbound)) {
		if peer.Whitelisted {
			continue
		}
		peers = append(peers, peer)
	}

	return p.evictRandom(peers)
}

// Evictions returns the number of evicted sessions.
func (p *Pool) Evictions() uint64 {
	return atomic.LoadUint64(&p.numEvictions)
}

// ApplyPenalty adds a penalty to the IP of the peer. When the score reaches
// the ban threshold every session at that IP is closed and the ban hook
// runs. It returns true if the penalty caused a ban.
func (p *Pool) ApplyPenalty(peerID string, score uint64) bool {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	var ip string
	if ok {
		ip = s.peer.Info.IPAddress
	} else if host, _, err := net.SplitHostPort(peerID); err == nil {
		ip = host
	} else {
		p.mu.Unlock()
		return false
	}

	banned := p.banman.addScore(ip, score)

	var victims []string
	if banned {
		for id, s := range p.sessions {
			if s.peer.Info.IPAddress == ip {
				victims = append(victims, id)
			}
		}
	}
	p.mu.Unlock()

	if !banned {
		log.Debugf("Penalized %v by %d", peerID, score)
		return false
	}

	log.Infof("Banning ip %v after penalty on %v", ip, peerID)

	for _, id := range victims {
		p.RemovePeer(id, CodeForbidden, "banned")
	}
	if p.opts.onBan != nil {
		p.opts.onBan(ip)
	}

	return true
}

// IsBanned reports whether the IP is banned.
func (p *Pool) IsBanned(ip string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.banman.isBanned(ip)
}

// BannedIPs returns the currently banned IPs.
func (p *Pool) BannedIPs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.banman.bannedIPs()
}

// PurgeBans lifts expired bans right away. It returns the IPs unbanned.
func (p *Pool) PurgeBans() []string {
	p.mu.Lock()
	unbanned := p.banman.purgeBanEntries()
	p.mu.Unlock()

	p.handleUnbans(unbanned)

	return unbanned
}

// handleUnbans runs the unban hook for every lifted ban.
func (p *Pool) handleUnbans(ips []string) {
	if p.opts.onUnban == nil {
		return
	}
	for _, ip := range ips {
		p.opts.onUnban(ip)
	}
}
