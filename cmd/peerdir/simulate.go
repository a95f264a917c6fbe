package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/p2pkit/peerdir"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerpool"
	"github.com/p2pkit/peerdir/peerstore"
	"github.com/p2pkit/peerdir/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

//nolint:lll
type simulateCommand struct {
	Rounds        int           `long:"rounds" description:"Number of simulation rounds" default:"50"`
	Discover      int           `long:"discover" description:"Number of peers discovered per round" default:"20"`
	Inbound       int           `long:"inbound" description:"Number of inbound connections per round" default:"5"`
	Requests      int           `long:"requests" description:"Number of requests routed per round" default:"10"`
	SuccessRate   float64       `long:"successrate" description:"Share of outbound dials that succeed" default:"0.8"`
	Misbehavior   float64       `long:"misbehavior" description:"Chance per round that a random peer gets penalized" default:"0.1"`
	Interval      time.Duration `long:"interval" description:"Pause between rounds" default:"100ms"`
	Seed          int64         `long:"seed" description:"Seed of the simulated network" default:"1"`
	MetricsListen string        `long:"metrics" description:"Address to serve Prometheus metrics on while the simulation runs, e.g. localhost:9090"`

	cfg         *peerdir.Config
	interceptor signal.Interceptor
}

// Execute runs the simulation and saves the resulting book.
func (c *simulateCommand) Execute(_ []string) error {
	store, err := peerstore.Open(c.cfg.DataDir, clock.NewDefaultClock())
	if err != nil {
		return err
	}
	defer store.Close()

	network := newSimNetwork(c.Seed)
	dir, err := peerdir.NewDirectory(c.cfg, network, peerdir.WithStore(store))
	if err != nil {
		return err
	}
	network.dir = dir

	if err := dir.Start(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(peerdir.NewCollector(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	if c.MetricsListen != "" {
		server := &http.Server{
			Addr: c.MetricsListen,
			Handler: promhttp.HandlerFor(
				registry, promhttp.HandlerOpts{},
			),
			ReadHeaderTimeout: 5 * time.Second,
		}

		eg.Go(func() error {
			fmt.Printf("Serving metrics on http://%v/metrics\n",
				c.MetricsListen)

			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}

			return err
		})
		eg.Go(func() error {
			<-ctx.Done()
			return server.Shutdown(context.Background())
		})
	}

	eg.Go(func() error {
		defer cancel()
		return network.run(ctx, c)
	})

	eg.Go(func() error {
		select {
		case <-c.interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}

		return nil
	})

	runErr := eg.Wait()
	stopErr := dir.Stop()

	stats := dir.Stats()
	fmt.Printf("Book: %d new, %d tried. Sessions: %d inbound, %d "+
		"outbound. Banned IPs: %d. Evictions: %d\n", stats.NewPeers,
		stats.TriedPeers, stats.Inbound, stats.Outbound,
		stats.BannedIPs, stats.Evictions)

	return errors.Join(runErr, stopErr)
}

// simNetwork is an in-process transport. Dials are queued and resolved by
// the simulation loop.
type simNetwork struct {
	dir *peerdir.Directory

	// rand is only used by the simulation loop.
	rand *rand.Rand

	pending []peerbook.PeerInfo
	mu      sync.Mutex
}

func newSimNetwork(seed int64) *simNetwork {
	return &simNetwork{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Dial queues a connection attempt.
func (s *simNetwork) Dial(info peerbook.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, info)
}

// takePending returns and clears the queued dials.
func (s *simNetwork) takePending() []peerbook.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil

	return pending
}

// randomPeer makes up a peer with a random IPv4 address.
func (s *simNetwork) randomPeer(source string) peerbook.PeerInfo {
	return peerbook.PeerInfo{
		IPAddress: fmt.Sprintf("%d.%d.%d.%d", 20+s.rand.Intn(180),
			s.rand.Intn(256), s.rand.Intn(256), 1+s.rand.Intn(254)),
		Port:            uint16(7000 + s.rand.Intn(4)),
		SourceAddress:   source,
		Height:          uint32(1_000_000 + s.rand.Intn(1000)),
		Version:         fmt.Sprintf("4.%d.0", s.rand.Intn(3)),
		ProtocolVersion: "3",
		OS:              []string{"linux", "darwin", "windows"}[s.rand.Intn(3)],
	}
}

// newConn makes up a connection with a random quality.
func (s *simNetwork) newConn() *simConn {
	return &simConn{
		answerRate: 0.5 + s.rand.Float64()/2,
		latency: time.Duration(10+s.rand.Intn(400)) *
			time.Millisecond,
		rand: rand.New(rand.NewSource(s.rand.Int63())),
	}
}

// run drives the directory for the configured number of rounds.
func (s *simNetwork) run(ctx context.Context, c *simulateCommand) error {
	for round := 1; round <= c.Rounds; round++ {
		s.round(ctx, c)

		if round%10 == 0 {
			stats := s.dir.Stats()
			fmt.Printf("Round %d: %d new, %d tried, %d inbound, %d "+
				"outbound\n", round, stats.NewPeers,
				stats.TriedPeers, stats.Inbound, stats.Outbound)
		}

		select {
		case <-time.After(c.Interval):
		case <-ctx.Done():
			return nil
		}
	}

	return nil
}

// round runs one step of the simulated network.
func (s *simNetwork) round(ctx context.Context, c *simulateCommand) {
	source := s.randomPeer("").IPAddress
	discovered := make([]peerbook.PeerInfo, 0, c.Discover)
	for i := 0; i < c.Discover; i++ {
		discovered = append(discovered, s.randomPeer(source))
	}
	s.dir.HandleDiscovered(discovered)

	for i := 0; i < c.Inbound; i++ {
		err := s.dir.HandleInbound(s.randomPeer(""), s.newConn())
		if err != nil && !errors.Is(err, peerpool.ErrPoolFull) {
			fmt.Printf("Inbound peer rejected: %v\n", err)
		}
	}

	s.dir.Populate()

	for _, info := range s.takePending() {
		if s.rand.Float64() >= c.SuccessRate {
			s.dir.HandleConnectFailed(info)
			continue
		}

		if err := s.dir.HandleConnected(info, s.newConn()); err != nil {
			fmt.Printf("Unable to complete dial to %v: %v\n",
				info.PeerID(), err)
		}
	}

	pool := s.dir.Pool()
	for i := 0; i < c.Requests; i++ {
		resp, err := pool.Request(ctx, peerpool.Packet{
			Procedure: "getBlockHeight",
		})
		if err != nil {
			continue
		}

		latency := time.Duration(resp.Data[0]) * 4 * time.Millisecond
		pool.UpdateLatency(resp.PeerID, latency)
	}

	pool.Send(peerpool.Packet{Procedure: "newBlock"})

	peers := pool.ConnectedPeerIDs()
	if len(peers) > 0 && s.rand.Float64() < c.Misbehavior {
		s.dir.ApplyPenalty(peers[s.rand.Intn(len(peers))], 50)
	}
	if len(peers) > 0 && s.rand.Float64() < 0.2 {
		s.dir.HandleDisconnected(peers[s.rand.Intn(len(peers))])
	}
}

// simConn is a simulated connection that answers a share of its requests.
type simConn struct {
	answerRate float64
	latency    time.Duration

	// rand is only used by Request, which the simulation loop calls.
	rand *rand.Rand
}

// Request answers with the latency in 4ms units as payload.
func (c *simConn) Request(ctx context.Context,
	_ peerpool.Packet) (peerpool.Response, error) {

	if err := ctx.Err(); err != nil {
		return peerpool.Response{}, err
	}
	if c.rand.Float64() >= c.answerRate {
		return peerpool.Response{}, errors.New("request timed out")
	}

	return peerpool.Response{
		Data: []byte{byte(c.latency / (4 * time.Millisecond))},
	}, nil
}

func (c *simConn) Send(peerpool.Packet) error {
	return nil
}

func (c *simConn) Close(int, string) error {
	return nil
}
