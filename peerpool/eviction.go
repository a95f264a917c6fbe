package peerpool

import (
	"math"
	"sort"
	"time"
)

// Category is a property inbound peers can be protected by.
type Category uint8

const (
	// CategoryNetgroup orders peers by their keyed netgroup hash.
	CategoryNetgroup Category = iota

	// CategoryLatency orders peers by round trip time.
	CategoryLatency

	// CategoryResponseRate orders peers by their share of answered
	// requests.
	CategoryResponseRate

	// CategoryConnectTime orders peers by the time they connected.
	CategoryConnectTime
)

// ProtectBy selects which end of the ordering is protected.
type ProtectBy uint8

const (
	// ProtectHighest protects the peers with the highest values.
	ProtectHighest ProtectBy = iota

	// ProtectLowest protects the peers with the lowest values.
	ProtectLowest
)

// FilterOptions configures a single protection pass.
type FilterOptions struct {
	// Category is the property peers are ordered by.
	Category Category

	// Percentage is the share of peers to protect, in [0, 1].
	Percentage float64

	// ProtectBy selects the protected end of the ordering.
	ProtectBy ProtectBy
}

// categoryValue returns the value a peer is ordered by.
func categoryValue(peer ConnectedPeer, category Category) float64 {
	switch category {
	case CategoryNetgroup:
		return float64(peer.Netgroup)

	case CategoryLatency:
		return float64(peer.Latency)

	case CategoryResponseRate:
		return peer.ResponseRate

	case CategoryConnectTime:
		return float64(peer.ConnectTime.UnixNano())

	default:
		return 0
	}
}

// FilterPeersByCategory orders the peers by the category, protects the
// ceil(Percentage * len(peers)) peers at the protected end and returns the
// unprotected rest. A percentage outside [0, 1] returns the peers unchanged.
func FilterPeersByCategory(peers []ConnectedPeer,
	opts FilterOptions) []ConnectedPeer {

	if opts.Percentage < 0 || opts.Percentage > 1 {
		return peers
	}

	sorted := append([]ConnectedPeer(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool {
		vi := categoryValue(sorted[i], opts.Category)
		vj := categoryValue(sorted[j], opts.Category)
		if vi != vj {
			if opts.ProtectBy == ProtectHighest {
				return vi > vj
			}

			return vi < vj
		}

		return sorted[i].ID() < sorted[j].ID()
	})

	protected := int(math.Ceil(float64(len(sorted)) * opts.Percentage))

	return sorted[protected:]
}

// selectForEviction runs the four protection passes over the given inbound
// peers and returns the eviction candidates.
func selectForEviction(peers []ConnectedPeer, cfg *Config) []ConnectedPeer {
	passes := []FilterOptions{{
		Category:   CategoryNetgroup,
		Percentage: cfg.NetgroupProtectionRatio,
		ProtectBy:  ProtectHighest,
	}, {
		Category:   CategoryLatency,
		Percentage: cfg.LatencyProtectionRatio,
		ProtectBy:  ProtectLowest,
	}, {
		Category:   CategoryResponseRate,
		Percentage: cfg.ProductivityProtectionRatio,
		ProtectBy:  ProtectHighest,
	}, {
		Category:   CategoryConnectTime,
		Percentage: cfg.LongevityProtectionRatio,
		ProtectBy:  ProtectLowest,
	}}

	candidates := peers
	for _, pass := range passes {
		if pass.Percentage > 0 {
			candidates = FilterPeersByCategory(candidates, pass)
		}

		if len(candidates) <= 1 {
			break
		}
	}

	return candidates
}

// evictionReason describes why a session was closed.
func evictionReason(kind Kind, at time.Time) string {
	return "evicted " + kind.String() + " peer at " +
		at.UTC().Format(time.RFC3339)
}
