package peerdir

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerpool"
	"github.com/p2pkit/peerdir/peerstore"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// mockConn is a mock implementation of the peerpool.Conn interface.
type mockConn struct {
	mock.Mock
}

// newMockConn returns a connection that accepts any Close call.
func newMockConn() *mockConn {
	conn := &mockConn{}
	conn.On("Close", mock.Anything, mock.Anything).Return(nil).Maybe()

	return conn
}

func (m *mockConn) Request(ctx context.Context,
	packet peerpool.Packet) (peerpool.Response, error) {

	args := m.Called(ctx, packet)
	return args.Get(0).(peerpool.Response), args.Error(1)
}

func (m *mockConn) Send(packet peerpool.Packet) error {
	args := m.Called(packet)
	return args.Error(0)
}

func (m *mockConn) Close(code int, reason string) error {
	args := m.Called(code, reason)
	return args.Error(0)
}

// chanTransport hands every dial to a channel.
type chanTransport struct {
	dials chan peerbook.PeerInfo
}

func newChanTransport() *chanTransport {
	return &chanTransport{dials: make(chan peerbook.PeerInfo, 100)}
}

func (c *chanTransport) Dial(info peerbook.PeerInfo) {
	c.dials <- info
}

// drain returns every dial received so far.
func (c *chanTransport) drain() []peerbook.PeerInfo {
	var dials []peerbook.PeerInfo
	for {
		select {
		case info := <-c.dials:
			dials = append(dials, info)
		default:
			return dials
		}
	}
}

// testHarness bundles a directory with its fake collaborators.
type testHarness struct {
	dir       *Directory
	transport *chanTransport
	clock     *clock.TestClock

	populator *ticker.Force
	shuffle   *ticker.Force
	snapshot  *ticker.Force
	purge     *ticker.Force
}

// newTestHarness builds a directory on a test clock with forced tickers.
func newTestHarness(t *testing.T, modify func(*Config),
	opts ...Option) *testHarness {

	t.Helper()

	cfg := DefaultConfig()
	cfg.Book.Secret = 1
	cfg.Pool.Secret = 2
	if modify != nil {
		modify(&cfg)
	}

	h := &testHarness{
		transport: newChanTransport(),
		clock:     clock.NewTestClock(testTime),
		populator: ticker.NewForce(time.Hour),
		shuffle:   ticker.NewForce(time.Hour),
		snapshot:  ticker.NewForce(time.Hour),
		purge:     ticker.NewForce(time.Hour),
	}

	opts = append([]Option{
		WithClock(h.clock),
		WithTickers(h.populator, h.shuffle, h.snapshot),
		WithPoolOptions(
			peerpool.WithPurgeTicker(h.purge),
			peerpool.WithRand(rand.New(rand.NewSource(1))),
		),
	}, opts...)

	dir, err := NewDirectory(&cfg, h.transport, opts...)
	require.NoError(t, err)
	h.dir = dir

	t.Cleanup(func() {
		require.NoError(t, dir.Stop())
	})

	return h
}

// discovered returns public peers with distinct /16s.
func discovered(prefix, n int) []peerbook.PeerInfo {
	infos := make([]peerbook.PeerInfo, 0, n)
	for i := 0; i < n; i++ {
		infos = append(infos, peerbook.PeerInfo{
			IPAddress: fmt.Sprintf("%d.%d.0.1", prefix, i+1),
			Port:      7000,
		})
	}

	return infos
}

// TestDirectoryConnectionLifecycle walks peers from discovery through dialing
// into the tried list or out of the book.
func TestDirectoryConnectionLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(c *Config) {
		c.Pool.MaxOutboundConnections = 3
	})
	book := h.dir.Book()

	require.Equal(t, 5, h.dir.HandleDiscovered(discovered(30, 5)))

	dialed := h.dir.Populate()
	require.Len(t, dialed, 3)
	require.ElementsMatch(t, dialed, h.transport.drain())

	_, outbound := h.dir.Pool().Counts()
	require.Equal(t, 3, outbound)

	// Every slot is taken by a pending session.
	require.Empty(t, h.dir.Populate())

	conn := newMockConn()
	require.NoError(t, h.dir.HandleConnected(dialed[0], conn))
	require.True(t, book.IsTried(dialed[0].PeerID()))

	h.dir.HandleConnectFailed(dialed[1])
	require.False(t, book.HasPeer(dialed[1].PeerID()))
	require.True(t, h.dir.Pool().GetPeer(dialed[1].PeerID()).IsNone())

	// Only dialed peers can complete a handshake.
	err := h.dir.HandleConnected(discovered(31, 1)[0], newMockConn())
	require.ErrorIs(t, err, peerpool.ErrPeerNotFound)

	// The freed slot is refilled from the remaining new peers.
	redialed := h.dir.Populate()
	require.Len(t, redialed, 1)
	require.NotEqual(t, dialed[0].PeerID(), redialed[0].PeerID())
	require.NotEqual(t, dialed[1].PeerID(), redialed[0].PeerID())

	h.dir.HandleDisconnected(dialed[0].PeerID())
	conn.AssertCalled(
		t, "Close", peerpool.CodeIntentionalDisconnect, mock.Anything,
	)

	stats := h.dir.Stats()
	require.Equal(t, 3, stats.NewPeers)
	require.Equal(t, 1, stats.TriedPeers)
	require.Equal(t, 2, stats.Outbound)
}

// TestDirectoryDialPacing checks that dials are capped by the rate limiter.
func TestDirectoryDialPacing(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(c *Config) {
		c.Pool.MaxOutboundConnections = 10
		c.Directory.MaxDialRate = 1
		c.Directory.DialBurst = 2
	})

	require.Equal(t, 6, h.dir.HandleDiscovered(discovered(32, 6)))

	require.Len(t, h.dir.Populate(), 2)
	require.Empty(t, h.dir.Populate())

	h.clock.SetTime(testTime.Add(time.Second))
	require.Len(t, h.dir.Populate(), 1)

	h.clock.SetTime(testTime.Add(time.Minute))
	require.Len(t, h.dir.Populate(), 2)
	require.Len(t, h.transport.drain(), 5)
}

// TestDirectoryInboundAndBans checks that bans issued by the pool reach the
// book and are lifted together.
func TestDirectoryInboundAndBans(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	require.NoError(t, h.dir.Start())

	info := discovered(33, 1)[0]
	conn := newMockConn()
	require.NoError(t, h.dir.HandleInbound(info, conn))
	require.True(t, h.dir.Book().HasPeer(info.PeerID()))

	err := h.dir.HandleInbound(info, newMockConn())
	require.ErrorIs(t, err, peerpool.ErrPeerExists)

	require.True(t, h.dir.ApplyPenalty(
		info.PeerID(), peerpool.DefaultBanThreshold,
	))
	conn.AssertCalled(t, "Close", peerpool.CodeForbidden, mock.Anything)

	book := h.dir.Book()
	require.True(t, book.IsBanned(info.IPAddress))
	require.False(t, book.HasPeer(info.PeerID()))
	require.Equal(t, 1, h.dir.Stats().BannedIPs)

	require.Zero(t, h.dir.HandleDiscovered([]peerbook.PeerInfo{info}))
	err = h.dir.HandleInbound(info, newMockConn())
	require.ErrorIs(t, err, peerpool.ErrPeerBanned)

	h.clock.SetTime(testTime.Add(2 * peerpool.DefaultPeerBanTime))
	h.purge.Force <- h.clock.Now()

	require.Eventually(t, func() bool {
		return !book.IsBanned(info.IPAddress)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.dir.HandleInbound(info, newMockConn()))
}

// TestDirectoryBanOutlivesPenaltyCache checks that a mirrored ban runs out in
// the book even when the pool dropped the banned IP from its penalty cache.
func TestDirectoryBanOutlivesPenaltyCache(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	info := discovered(33, 1)[0]
	require.True(t, h.dir.ApplyPenalty(
		info.PeerID(), peerpool.DefaultBanThreshold,
	))

	book := h.dir.Book()
	require.True(t, book.IsBanned(info.IPAddress))

	// Light penalties on many other IPs push the ban out of the cache.
	for i := 0; i < 10_000; i++ {
		id := fmt.Sprintf("50.%d.%d.1:7000", i/256, i%256)
		require.False(t, h.dir.ApplyPenalty(id, 1))
	}
	require.False(t, h.dir.Pool().IsBanned(info.IPAddress))

	h.clock.SetTime(testTime.Add(10 * peerpool.DefaultPeerBanTime))
	h.dir.Pool().PurgeBans()

	require.False(t, book.IsBanned(info.IPAddress))
	require.Equal(t, 1, h.dir.HandleDiscovered([]peerbook.PeerInfo{info}))
}

// TestDirectoryLoops checks that the periodic tasks run on their ticks.
func TestDirectoryLoops(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, func(c *Config) {
		c.Pool.MaxOutboundConnections = 2
	})
	require.NoError(t, h.dir.Start())

	infos := discovered(34, 2)
	require.Equal(t, 2, h.dir.HandleDiscovered(infos))

	h.populator.Force <- h.clock.Now()

	var dialed []peerbook.PeerInfo
	for len(dialed) < 2 {
		select {
		case info := <-h.transport.dials:
			dialed = append(dialed, info)

		case <-time.After(5 * time.Second):
			t.Fatalf("populator did not dial")
		}
	}
	require.ElementsMatch(t, infos, dialed)

	conns := make(map[string]*mockConn)
	for _, info := range dialed {
		conns[info.PeerID()] = newMockConn()
		require.NoError(t, h.dir.HandleConnected(
			info, conns[info.PeerID()],
		))
	}

	h.shuffle.Force <- h.clock.Now()

	require.Eventually(t, func() bool {
		_, outbound := h.dir.Pool().Counts()
		return outbound == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), h.dir.Stats().Evictions)
}

// TestDirectoryStore checks that the book survives a restart through the
// peer store.
func TestDirectoryStore(t *testing.T) {
	t.Parallel()

	store, err := peerstore.Open(t.TempDir(), clock.NewTestClock(testTime))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	h := newTestHarness(t, nil, WithStore(store))
	require.NoError(t, h.dir.Start())

	infos := discovered(35, 4)
	require.Equal(t, 4, h.dir.HandleDiscovered(infos))

	h.snapshot.Force <- h.clock.Now()
	require.Eventually(t, func() bool {
		snapshot, err := store.Load()
		return err == nil && len(snapshot.New) == 4
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, h.dir.Book().UpgradePeer(infos[0]))
	require.NoError(t, h.dir.Stop())

	// A fresh directory with another secret picks up the saved peers.
	restarted := newTestHarness(t, func(c *Config) {
		c.Book.Secret = 7
	}, WithStore(store))
	require.NoError(t, restarted.dir.Start())

	stats := restarted.dir.Stats()
	require.Equal(t, 3, stats.NewPeers)
	require.Equal(t, 1, stats.TriedPeers)
	require.True(t, restarted.dir.Book().IsTried(infos[0].PeerID()))
}

// TestNewDirectoryValidation checks the constructor's argument checks.
func TestNewDirectoryValidation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	_, err := NewDirectory(&cfg, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Directory.DialBurst = 0
	_, err = NewDirectory(&cfg, newChanTransport())
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Zero secrets are replaced by one random secret.
	cfg = DefaultConfig()
	dir, err := NewDirectory(&cfg, newChanTransport())
	require.NoError(t, err)
	require.Zero(t, cfg.Book.Secret)
	require.Equal(t,
		dir.Book().Config().Secret, dir.Pool().Config().Secret,
	)
	require.NoError(t, dir.Stop())

	// An explicit secret is kept.
	cfg = DefaultConfig()
	cfg.Book.Secret = 7
	dir, err = NewDirectory(&cfg, newChanTransport())
	require.NoError(t, err)
	require.Equal(t, uint32(7), dir.Book().Config().Secret)
	require.NoError(t, dir.Stop())
}
