package peerpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockConn is a mock implementation of the Conn interface.
type mockConn struct {
	mock.Mock
}

// newMockConn returns a connection that accepts any Close call.
func newMockConn() *mockConn {
	conn := &mockConn{}
	conn.On("Close", mock.Anything, mock.Anything).Return(nil).Maybe()

	return conn
}

func (m *mockConn) Request(ctx context.Context, packet Packet) (Response,
	error) {

	args := m.Called(ctx, packet)
	return args.Get(0).(Response), args.Error(1)
}

func (m *mockConn) Send(packet Packet) error {
	args := m.Called(packet)
	return args.Error(0)
}

func (m *mockConn) Close(code int, reason string) error {
	args := m.Called(code, reason)
	return args.Error(0)
}

// newTestPool returns a started pool on a test clock. Later options override
// the test defaults.
func newTestPool(t *testing.T, modify func(*Config),
	opts ...Option) (*Pool, *clock.TestClock) {

	t.Helper()

	cfg := DefaultConfig()
	cfg.Secret = 1
	if modify != nil {
		modify(cfg)
	}

	testClock := clock.NewTestClock(testTime)
	opts = append([]Option{
		WithClock(testClock),
		WithPurgeTicker(ticker.NewForce(time.Hour)),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)

	pool, err := New(*cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		require.NoError(t, pool.Stop())
	})

	return pool, testClock
}

// inboundInfo returns a public peer record with a distinct /16.
func inboundInfo(i int) peerbook.PeerInfo {
	return peerbook.PeerInfo{
		IPAddress: fmt.Sprintf("60.%d.0.1", i),
		Port:      7000,
	}
}

// TestPoolAddInboundPeer checks that a full pool evicts an unprotected
// inbound peer to admit a new one.
func TestPoolAddInboundPeer(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, func(c *Config) {
		c.MaxInboundConnections = 10
	})

	conns := make([]*mockConn, 10)
	for i := range conns {
		conns[i] = newMockConn()
		require.NoError(t, pool.AddInboundPeer(inboundInfo(i), conns[i]))
	}

	err := pool.AddInboundPeer(inboundInfo(0), newMockConn())
	require.ErrorIs(t, err, ErrPeerExists)

	newcomer := inboundInfo(10)
	require.NoError(t, pool.AddInboundPeer(newcomer, newMockConn()))

	inbound, outbound := pool.Counts()
	require.Equal(t, 10, inbound)
	require.Zero(t, outbound)
	require.Equal(t, uint64(1), pool.Evictions())

	var evicted []int
	for i := range conns {
		if pool.GetPeer(inboundInfo(i).PeerID()).IsNone() {
			evicted = append(evicted, i)
		}
	}
	require.Len(t, evicted, 1)
	conns[evicted[0]].AssertCalled(
		t, "Close", CodeEvicted, mock.Anything,
	)

	peer := pool.GetPeer(newcomer.PeerID()).UnwrapOrFail(t)
	require.Equal(t, Inbound, peer.Kind)
	require.Equal(t, StateOpen, peer.State)
	require.NotEqual(t, uuid.Nil, peer.SessionID)
	require.Equal(t, testTime, peer.ConnectTime)
	require.Equal(
		t, netgroup.Netgroup(1, newcomer.IPAddress), peer.Netgroup,
	)
	require.Len(t, pool.ConnectedPeerIDs(), 10)
	require.Zero(t, pool.EvictionSweep())
}

// TestPoolConcurrentInboundAtCapacity checks that concurrent arrivals at a
// full pool each get the slot their eviction freed.
func TestPoolConcurrentInboundAtCapacity(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, func(c *Config) {
		c.MaxInboundConnections = 20
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.AddInboundPeer(inboundInfo(i), newMockConn()))
	}

	const numArrivals = 8
	errs := make(chan error, numArrivals)
	for i := 0; i < numArrivals; i++ {
		info := inboundInfo(20 + i)
		go func() {
			errs <- pool.AddInboundPeer(info, newMockConn())
		}()
	}
	for i := 0; i < numArrivals; i++ {
		require.NoError(t, <-errs)
	}

	inbound, _ := pool.Counts()
	require.Equal(t, 20, inbound)
	require.Equal(t, uint64(numArrivals), pool.Evictions())
}

// TestPoolInboundAllProtected checks that whitelisted peers are never
// evicted.
func TestPoolInboundAllProtected(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, func(c *Config) {
		c.MaxInboundConnections = 2
		c.WhitelistedPeers = []string{
			inboundInfo(0).PeerID(), inboundInfo(1).PeerID(),
		}
	})

	require.NoError(t, pool.AddInboundPeer(inboundInfo(0), newMockConn()))
	require.NoError(t, pool.AddInboundPeer(inboundInfo(1), newMockConn()))

	err := pool.AddInboundPeer(inboundInfo(2), newMockConn())
	require.ErrorIs(t, err, ErrPoolFull)
	require.True(t, pool.EvictInbound().IsNone())
	require.Zero(t, pool.Evictions())
}

// TestPoolOutboundLifecycle walks outbound sessions from dialing to open or
// failed.
func TestPoolOutboundLifecycle(t *testing.T) {
	t.Parallel()

	var dialed []peerbook.PeerInfo
	pool, _ := newTestPool(t, func(c *Config) {
		c.MaxOutboundConnections = 3
	}, WithConnectFunc(func(info peerbook.PeerInfo) {
		dialed = append(dialed, info)
	}))

	newPeers := candidates(10, 4)
	triedPeers := candidates(20, 2)
	skipped := newPeers[0].PeerID()

	dial := pool.TriggerNewConnections(
		newPeers, triedPeers, []string{skipped},
	)
	require.Len(t, dial, 3)
	require.Equal(t, dial, dialed)
	for _, info := range dial {
		require.NotEqual(t, skipped, info.PeerID())

		peer := pool.GetPeer(info.PeerID()).UnwrapOrFail(t)
		require.Equal(t, Outbound, peer.Kind)
		require.Equal(t, StateConnecting, peer.State)
	}

	inbound, outbound := pool.Counts()
	require.Zero(t, inbound)
	require.Equal(t, 3, outbound)

	// Connecting sessions use up the outbound slots.
	require.Empty(t, pool.TriggerNewConnections(newPeers, triedPeers, nil))

	// Connecting sessions are not eligible for requests.
	_, err := pool.Request(context.Background(), Packet{Procedure: "ping"})
	require.ErrorIs(t, err, ErrRequestFail)

	require.NoError(t, pool.MarkOpen(dial[0].PeerID(), newMockConn()))
	require.Equal(
		t, StateOpen, pool.GetPeer(dial[0].PeerID()).UnwrapOrFail(t).State,
	)
	require.ErrorIs(
		t, pool.MarkOpen(dial[0].PeerID(), newMockConn()), ErrPeerNotFound,
	)
	require.ErrorIs(
		t, pool.MarkOpen("1.1.1.1:1", newMockConn()), ErrPeerNotFound,
	)

	require.True(t, pool.MarkFailed(dial[1].PeerID()))
	require.False(t, pool.MarkFailed(dial[1].PeerID()))

	_, outbound = pool.Counts()
	require.Equal(t, 2, outbound)

	require.Len(
		t, pool.TriggerNewConnections(newPeers, triedPeers, nil), 1,
	)
}

// TestPoolRequest checks request routing and response rate tracking.
func TestPoolRequest(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, nil)
	ctx := context.Background()
	packet := Packet{Procedure: "getBlocks", Data: []byte{1}}
	errTimeout := errors.New("timeout")

	info := inboundInfo(1)
	conn := newMockConn()
	conn.On("Request", mock.Anything, packet).Return(
		Response{Data: []byte("blocks")}, nil,
	).Once()
	conn.On("Request", mock.Anything, packet).Return(
		Response{}, errTimeout,
	).Once()
	require.NoError(t, pool.AddInboundPeer(info, conn))

	resp, err := pool.Request(ctx, packet)
	require.NoError(t, err)
	require.Equal(t, info.PeerID(), resp.PeerID)
	require.Equal(t, []byte("blocks"), resp.Data)
	require.Equal(
		t, 1.0, pool.GetPeer(info.PeerID()).UnwrapOrFail(t).ResponseRate,
	)

	_, err = pool.Request(ctx, packet)
	require.ErrorIs(t, err, ErrRequestFail)
	require.ErrorIs(t, err, errTimeout)
	require.Equal(
		t, 0.5, pool.GetPeer(info.PeerID()).UnwrapOrFail(t).ResponseRate,
	)

	_, err = pool.RequestFromPeer(ctx, packet, "9.9.9.9:9")
	require.ErrorIs(t, err, ErrPeerNotFound)

	require.True(t, pool.UpdateLatency(info.PeerID(), 40*time.Millisecond))
	require.False(t, pool.UpdateLatency("9.9.9.9:9", time.Second))
	require.Equal(
		t, 40*time.Millisecond,
		pool.GetPeer(info.PeerID()).UnwrapOrFail(t).Latency,
	)

	conn.AssertExpectations(t)
}

// TestPoolSend checks that messages reach at most SendPeerLimit peers and
// that a broadcast reaches every open peer.
func TestPoolSend(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, func(c *Config) {
		c.SendPeerLimit = 3
	})
	packet := Packet{Procedure: "postBlock"}

	for i := 0; i < 5; i++ {
		conn := newMockConn()
		conn.On("Send", packet).Return(nil)
		require.NoError(t, pool.AddInboundPeer(inboundInfo(i), conn))
	}

	require.Equal(t, 3, pool.Send(packet))

	broken := newMockConn()
	broken.On("Send", packet).Return(errors.New("broken pipe"))
	require.NoError(t, pool.AddInboundPeer(inboundInfo(5), broken))

	require.Equal(t, 5, pool.Broadcast(packet))
	require.Error(t, pool.SendToPeer(packet, inboundInfo(5).PeerID()))
	require.ErrorIs(
		t, pool.SendToPeer(packet, "9.9.9.9:9"), ErrPeerNotFound,
	)
}

// TestPoolApplyPenalty checks that penalties add up to a ban that closes
// every session at the IP until it expires.
func TestPoolApplyPenalty(t *testing.T) {
	t.Parallel()

	var banned, unbanned []string
	pool, testClock := newTestPool(t, nil, WithBanHooks(
		func(ip string) { banned = append(banned, ip) },
		func(ip string) { unbanned = append(unbanned, ip) },
	))

	first := peerbook.PeerInfo{IPAddress: "70.1.0.1", Port: 7000}
	second := peerbook.PeerInfo{IPAddress: "70.1.0.1", Port: 7001}
	other := peerbook.PeerInfo{IPAddress: "70.2.0.1", Port: 7000}

	firstConn, secondConn := newMockConn(), newMockConn()
	require.NoError(t, pool.AddInboundPeer(first, firstConn))
	require.NoError(t, pool.AddInboundPeer(second, secondConn))
	require.NoError(t, pool.AddInboundPeer(other, newMockConn()))

	require.False(t, pool.ApplyPenalty(first.PeerID(), 60))
	require.False(t, pool.IsBanned(first.IPAddress))

	require.True(t, pool.ApplyPenalty(second.PeerID(), 60))
	require.True(t, pool.IsBanned(first.IPAddress))
	require.Equal(t, []string{first.IPAddress}, banned)
	require.Equal(t, []string{first.IPAddress}, pool.BannedIPs())

	require.True(t, pool.GetPeer(first.PeerID()).IsNone())
	require.True(t, pool.GetPeer(second.PeerID()).IsNone())
	require.True(t, pool.GetPeer(other.PeerID()).IsSome())
	firstConn.AssertCalled(t, "Close", CodeForbidden, mock.Anything)
	secondConn.AssertCalled(t, "Close", CodeForbidden, mock.Anything)

	// Further penalties do not ban again.
	require.False(t, pool.ApplyPenalty(first.PeerID(), 10))
	require.False(t, pool.ApplyPenalty("garbage", 10))
	require.Len(t, banned, 1)

	err := pool.AddInboundPeer(first, newMockConn())
	require.ErrorIs(t, err, ErrPeerBanned)
	require.Empty(t, pool.TriggerNewConnections(
		[]peerbook.PeerInfo{first}, nil, nil,
	))

	// The ban holds until the ban time passed.
	require.Empty(t, pool.PurgeBans())

	testClock.SetTime(testTime.Add(DefaultPeerBanTime + time.Minute))
	require.Equal(t, []string{first.IPAddress}, pool.PurgeBans())
	require.Equal(t, []string{first.IPAddress}, unbanned)
	require.False(t, pool.IsBanned(first.IPAddress))
	require.NoError(t, pool.AddInboundPeer(first, newMockConn()))
}

// TestPoolBanPurgeTicker checks that the purge loop lifts expired bans on
// every tick.
func TestPoolBanPurgeTicker(t *testing.T) {
	t.Parallel()

	purgeTicker := ticker.NewForce(time.Hour)
	unbanned := make(chan string, 1)
	pool, testClock := newTestPool(
		t, nil, WithPurgeTicker(purgeTicker),
		WithBanHooks(nil, func(ip string) { unbanned <- ip }),
	)

	info := inboundInfo(3)
	require.NoError(t, pool.AddInboundPeer(info, newMockConn()))
	require.True(t, pool.ApplyPenalty(info.PeerID(), DefaultBanThreshold))

	testClock.SetTime(testTime.Add(2 * DefaultPeerBanTime))
	purgeTicker.Force <- testClock.Now()

	select {
	case ip := <-unbanned:
		require.Equal(t, info.IPAddress, ip)

	case <-time.After(5 * time.Second):
		t.Fatalf("ban was not lifted")
	}
	require.False(t, pool.IsBanned(info.IPAddress))
}

// TestPoolShuffleOutbound checks that only open, non-whitelisted outbound
// peers are shuffled out.
func TestPoolShuffleOutbound(t *testing.T) {
	t.Parallel()

	tried := candidates(20, 2)
	pool, _ := newTestPool(t, func(c *Config) {
		c.WhitelistedPeers = []string{tried[1].PeerID()}
	})

	require.True(t, pool.ShuffleOutbound().IsNone())

	dial := pool.TriggerNewConnections(nil, tried, nil)
	require.Len(t, dial, 2)

	// Still connecting.
	require.True(t, pool.ShuffleOutbound().IsNone())

	conns := make(map[string]*mockConn)
	for _, info := range dial {
		conns[info.PeerID()] = newMockConn()
		require.NoError(t, pool.MarkOpen(
			info.PeerID(), conns[info.PeerID()],
		))
	}

	shuffled := pool.ShuffleOutbound().UnwrapOrFail(t)
	require.Equal(t, tried[0].PeerID(), shuffled.ID())
	conns[tried[0].PeerID()].AssertCalled(
		t, "Close", CodeEvicted, mock.Anything,
	)
	require.Equal(t, uint64(1), pool.Evictions())

	require.True(t, pool.ShuffleOutbound().IsNone())
}

// TestPoolStop checks that stopping the pool closes every session.
func TestPoolStop(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, nil)

	conn := newMockConn()
	require.NoError(t, pool.AddInboundPeer(inboundInfo(1), conn))
	require.NoError(t, pool.Stop())

	conn.AssertCalled(t, "Close", CodeIntentionalDisconnect, mock.Anything)
	require.Empty(t, pool.Peers())
}

// TestConfigValidate checks the validation of the pool options.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{{
		name:   "defaults",
		modify: func(*Config) {},
	}, {
		name:    "negative ratio",
		modify:  func(c *Config) { c.LatencyProtectionRatio = -0.1 },
		wantErr: true,
	}, {
		name:    "ratio above one",
		modify:  func(c *Config) { c.LongevityProtectionRatio = 1.1 },
		wantErr: true,
	}, {
		name:    "zero send limit",
		modify:  func(c *Config) { c.SendPeerLimit = 0 },
		wantErr: true,
	}, {
		name:    "zero response window",
		modify:  func(c *Config) { c.ResponseWindow = 0 },
		wantErr: true,
	}, {
		name:    "zero ban time",
		modify:  func(c *Config) { c.PeerBanTime = 0 },
		wantErr: true,
	}, {
		name: "banning disabled",
		modify: func(c *Config) {
			c.BanThreshold = 0
			c.PeerBanTime = 0
			c.BanPurgeInterval = 0
		},
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}

	_, err := New(Config{
		SendPeerLimit:  1,
		ResponseWindow: 1,
		WhitelistedPeers: []string{
			"no-port",
		},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
