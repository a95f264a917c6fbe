package peerpool

import (
	"math"
	"math/rand"

	"github.com/p2pkit/peerdir/peerbook"
)

// Rand is the source of randomness used by the selection strategies.
type Rand interface {
	// Intn returns a value in [0, n).
	Intn(n int) int

	// Float64 returns a value in [0, 1).
	Float64() float64
}

// globalRand draws from the goroutine safe top level math/rand source.
type globalRand struct{}

// Intn returns a value in [0, n).
func (globalRand) Intn(n int) int {
	return rand.Intn(n)
}

// Float64 returns a value in [0, 1).
func (globalRand) Float64() float64 {
	return rand.Float64()
}

// ConnectionSelectionInput is handed to a ConnectionSelectionFunc.
type ConnectionSelectionInput struct {
	// NewPeers are the untried candidates.
	NewPeers []peerbook.PeerInfo

	// TriedPeers are the tried candidates.
	TriedPeers []peerbook.PeerInfo

	// Limit is the number of peers wanted.
	Limit int

	// Rand is the source of randomness.
	Rand Rand
}

// ConnectionSelectionFunc picks outbound connection targets.
type ConnectionSelectionFunc func(
	in ConnectionSelectionInput) []peerbook.PeerInfo

// RequestSelectionInput is handed to a RequestSelectionFunc.
type RequestSelectionInput struct {
	// Peers are the open sessions.
	Peers []ConnectedPeer

	// Packet is the request to route.
	Packet Packet

	// Limit is the number of peers wanted.
	Limit int

	// Rand is the source of randomness.
	Rand Rand
}

// RequestSelectionFunc picks the peers a request is sent to.
type RequestSelectionFunc func(in RequestSelectionInput) []ConnectedPeer

// SendSelectionInput is handed to a SendSelectionFunc.
type SendSelectionInput struct {
	// Peers are the open sessions.
	Peers []ConnectedPeer

	// Packet is the message to send.
	Packet Packet

	// Limit is the maximum number of peers.
	Limit int

	// Rand is the source of randomness.
	Rand Rand
}

// SendSelectionFunc picks the peers a message is sent to.
type SendSelectionFunc func(in SendSelectionInput) []ConnectedPeer

// shuffle permutes the slice in place.
func shuffle[T any](r Rand, items []T) {
	for i := len(items) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// SelectPeersForConnection picks up to Limit targets, drawing a tried peer
// with probability max(tried share, 0.5) on every pick and falling back to the
// other list when one runs dry.
func SelectPeersForConnection(in ConnectionSelectionInput) []peerbook.PeerInfo {
	if in.Limit <= 0 {
		return nil
	}

	tried := append([]peerbook.PeerInfo(nil), in.TriedPeers...)
	fresh := append([]peerbook.PeerInfo(nil), in.NewPeers...)
	if len(tried)+len(fresh) == 0 {
		return nil
	}

	shuffle(in.Rand, tried)
	shuffle(in.Rand, fresh)

	triedShare := float64(len(tried)) / float64(len(tried)+len(fresh))
	r := math.Max(triedShare, 0.5)

	pop := func(list *[]peerbook.PeerInfo) peerbook.PeerInfo {
		last := len(*list) - 1
		peer := (*list)[last]
		*list = (*list)[:last]

		return peer
	}

	selected := make([]peerbook.PeerInfo, 0, in.Limit)
	for len(selected) < in.Limit && len(tried)+len(fresh) > 0 {
		switch {
		case len(tried) > 0 && in.Rand.Float64() < r:
			selected = append(selected, pop(&tried))

		case len(fresh) > 0:
			selected = append(selected, pop(&fresh))

		default:
			selected = append(selected, pop(&tried))
		}
	}

	return selected
}

// SelectPeersForRequest picks Limit random open peers.
func SelectPeersForRequest(in RequestSelectionInput) []ConnectedPeer {
	if in.Limit <= 0 || len(in.Peers) == 0 {
		return nil
	}

	peers := append([]ConnectedPeer(nil), in.Peers...)
	shuffle(in.Rand, peers)

	if in.Limit < len(peers) {
		peers = peers[:in.Limit]
	}

	return peers
}

// SelectPeersForSend picks up to Limit random open peers, half of them
// outbound and half inbound. When one kind runs short the other fills the
// remaining slots.
func SelectPeersForSend(in SendSelectionInput) []ConnectedPeer {
	if in.Limit <= 0 || len(in.Peers) == 0 {
		return nil
	}

	var inbound, outbound []ConnectedPeer
	for _, peer := range in.Peers {
		if peer.Kind == Outbound {
			outbound = append(outbound, peer)
		} else {
			inbound = append(inbound, peer)
		}
	}
	shuffle(in.Rand, inbound)
	shuffle(in.Rand, outbound)

	half := int(math.Ceil(float64(in.Limit) / 2))
	numOutbound := min(half, len(outbound))
	numInbound := min(in.Limit-numOutbound, len(inbound))
	numOutbound = min(in.Limit-numInbound, len(outbound))

	selected := make([]ConnectedPeer, 0, numOutbound+numInbound)
	selected = append(selected, outbound[:numOutbound]...)
	selected = append(selected, inbound[:numInbound]...)

	return selected
}
