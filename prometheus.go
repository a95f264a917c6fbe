package peerdir

import (
	"net"

	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerpool"
	"github.com/prometheus/client_golang/prometheus"
)

// addressFamily returns the label used for the address family of an IP.
func addressFamily(ip string) string {
	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
		return "unknown"

	case parsed.To4() != nil:
		return "ipv4"

	default:
		return "ipv6"
	}
}

type directoryCollector struct {
	dir *Directory

	bookPeersDesc *prometheus.Desc
	sessionsDesc  *prometheus.Desc
	bannedDesc    *prometheus.Desc
	evictionsDesc *prometheus.Desc

	// By peer id.
	latencyDesc      *prometheus.Desc
	responseRateDesc *prometheus.Desc
}

// NewCollector returns a prometheus collector exporting the state of the
// directory.
func NewCollector(dir *Directory) prometheus.Collector {
	labels := []string{"peer_id"}
	return &directoryCollector{
		dir: dir,
		bookPeersDesc: prometheus.NewDesc(
			"peerdir_book_peers",
			"Number of known peers by list.",
			[]string{"list"},
			nil),
		sessionsDesc: prometheus.NewDesc(
			"peerdir_sessions",
			"Number of sessions by kind, state, network and "+
				"address family.",
			[]string{"kind", "state", "network", "family"},
			nil),
		bannedDesc: prometheus.NewDesc(
			"peerdir_banned_ips",
			"Number of banned IPs.",
			nil,
			nil),
		evictionsDesc: prometheus.NewDesc(
			"peerdir_evictions_total",
			"Number of inbound sessions evicted since startup.",
			nil,
			nil),
		latencyDesc: prometheus.NewDesc(
			"peerdir_session_latency_seconds",
			"Last measured round trip time by peer.",
			labels,
			nil),
		responseRateDesc: prometheus.NewDesc(
			"peerdir_session_response_rate",
			"Share of recent requests answered by peer.",
			labels,
			nil),
	}
}

func (c *directoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bookPeersDesc
	ch <- c.sessionsDesc
	ch <- c.bannedDesc
	ch <- c.evictionsDesc
	ch <- c.latencyDesc
	ch <- c.responseRateDesc
}

func (c *directoryCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.dir.Stats()

	ch <- prometheus.MustNewConstMetric(
		c.bookPeersDesc, prometheus.GaugeValue,
		float64(stats.NewPeers), "new",
	)
	ch <- prometheus.MustNewConstMetric(
		c.bookPeersDesc, prometheus.GaugeValue,
		float64(stats.TriedPeers), "tried",
	)
	ch <- prometheus.MustNewConstMetric(
		c.bannedDesc, prometheus.GaugeValue, float64(stats.BannedIPs),
	)
	ch <- prometheus.MustNewConstMetric(
		c.evictionsDesc, prometheus.CounterValue,
		float64(stats.Evictions),
	)

	type sessionKey struct {
		kind, state, network, family string
	}
	sessions := make(map[sessionKey]int)

	for _, peer := range c.dir.Pool().Peers() {
		network := "unknown"
		if n, err := netgroup.Classify(peer.Info.IPAddress); err == nil {
			network = n.String()
		}

		sessions[sessionKey{
			kind:    peer.Kind.String(),
			state:   peer.State.String(),
			network: network,
			family:  addressFamily(peer.Info.IPAddress),
		}]++

		if peer.State != peerpool.StateOpen {
			continue
		}

		ch <- prometheus.MustNewConstMetric(
			c.latencyDesc, prometheus.GaugeValue,
			peer.Latency.Seconds(), peer.ID(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.responseRateDesc, prometheus.GaugeValue,
			peer.ResponseRate, peer.ID(),
		)
	}

	for key, count := range sessions {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue, float64(count),
			key.kind, key.state, key.network, key.family,
		)
	}
}
