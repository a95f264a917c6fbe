package peerpool

import (
	"fmt"
	"time"
)

const (
	// DefaultMaxInboundConnections is the default number of inbound
	// sessions.
	DefaultMaxInboundConnections = 100

	// DefaultMaxOutboundConnections is the default number of outbound
	// sessions.
	DefaultMaxOutboundConnections = 20

	// DefaultSendPeerLimit is the default number of peers a message is
	// sent to.
	DefaultSendPeerLimit = 24

	// DefaultNetgroupProtectionRatio is the default share of inbound
	// peers protected by netgroup.
	DefaultNetgroupProtectionRatio = 0.034

	// DefaultLatencyProtectionRatio is the default share of inbound peers
	// protected by low latency.
	DefaultLatencyProtectionRatio = 0.068

	// DefaultProductivityProtectionRatio is the default share of inbound
	// peers protected by high response rate.
	DefaultProductivityProtectionRatio = 0.068

	// DefaultLongevityProtectionRatio is the default share of inbound
	// peers protected by connection age.
	DefaultLongevityProtectionRatio = 0.5

	// DefaultBanThreshold is the penalty score at which an IP is banned.
	DefaultBanThreshold = 100

	// DefaultPeerBanTime is how long a ban lasts.
	DefaultPeerBanTime = 24 * time.Hour

	// DefaultBanPurgeInterval is how often expired bans are lifted.
	DefaultBanPurgeInterval = 10 * time.Minute

	// DefaultResponseWindow is the number of recent requests the response
	// rate of a peer is computed over.
	DefaultResponseWindow = 16
)

// Config holds the options of a peer pool.
//
//nolint:lll
type Config struct {
	MaxInboundConnections       uint32        `long:"maxinbound" description:"Maximum number of inbound sessions"`
	MaxOutboundConnections      uint32        `long:"maxoutbound" description:"Maximum number of outbound sessions"`
	SendPeerLimit               uint32        `long:"sendpeerlimit" description:"Maximum number of peers a message is sent to"`
	NetgroupProtectionRatio     float64       `long:"netgroupprotection" description:"Share of inbound peers protected from eviction by netgroup (0 disables)"`
	LatencyProtectionRatio      float64       `long:"latencyprotection" description:"Share of inbound peers protected from eviction by low latency (0 disables)"`
	ProductivityProtectionRatio float64       `long:"productivityprotection" description:"Share of inbound peers protected from eviction by response rate (0 disables)"`
	LongevityProtectionRatio    float64       `long:"longevityprotection" description:"Share of inbound peers protected from eviction by connection age (0 disables)"`
	BanThreshold                uint64        `long:"banthreshold" description:"Penalty score at which a peer ip is banned (0 disables banning)"`
	PeerBanTime                 time.Duration `long:"peerbantime" description:"How long a ban lasts"`
	BanPurgeInterval            time.Duration `long:"banpurgeinterval" description:"How often expired bans are lifted"`
	ResponseWindow              int           `long:"responsewindow" description:"Number of recent requests the response rate is computed over"`
	WhitelistedPeers            []string      `long:"whitelistpeer" description:"Peer (ip:port) that is never evicted or shuffled out; may be given multiple times"`

	// Secret keys the netgroup hash used for eviction protection.
	Secret uint32 `no-flag:"true"`
}

// DefaultConfig returns the default pool options.
func DefaultConfig() *Config {
	return &Config{
		MaxInboundConnections:       DefaultMaxInboundConnections,
		MaxOutboundConnections:      DefaultMaxOutboundConnections,
		SendPeerLimit:               DefaultSendPeerLimit,
		NetgroupProtectionRatio:     DefaultNetgroupProtectionRatio,
		LatencyProtectionRatio:      DefaultLatencyProtectionRatio,
		ProductivityProtectionRatio: DefaultProductivityProtectionRatio,
		LongevityProtectionRatio:    DefaultLongevityProtectionRatio,
		BanThreshold:                DefaultBanThreshold,
		PeerBanTime:                 DefaultPeerBanTime,
		BanPurgeInterval:            DefaultBanPurgeInterval,
		ResponseWindow:              DefaultResponseWindow,
	}
}

// Validate checks the pool options.
func (c *Config) Validate() error {
	ratios := map[string]float64{
		"netgroup":     c.NetgroupProtectionRatio,
		"latency":      c.LatencyProtectionRatio,
		"productivity": c.ProductivityProtectionRatio,
		"longevity":    c.LongevityProtectionRatio,
	}
	for name, ratio := range ratios {
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("%w: %s protection ratio %v outside "+
				"[0, 1]", ErrInvalidConfig, name, ratio)
		}
	}

	switch {
	case c.SendPeerLimit == 0:
		return fmt.Errorf("%w: send peer limit must be positive",
			ErrInvalidConfig)

	case c.ResponseWindow <= 0:
		return fmt.Errorf("%w: response window must be positive",
			ErrInvalidConfig)

	case c.BanThreshold > 0 && c.PeerBanTime <= 0:
		return fmt.Errorf("%w: ban time must be positive",
			ErrInvalidConfig)

	case c.BanThreshold > 0 && c.BanPurgeInterval <= 0:
		return fmt.Errorf("%w: ban purge interval must be positive",
			ErrInvalidConfig)
	}

	return nil
}
