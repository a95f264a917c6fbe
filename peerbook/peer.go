package peerbook

import (
	"net"
	"strconv"
	"time"
)

// PeerInfo is the record the discovery layer hands us for a peer. The address
// and port form the identity of the peer, the rest is metadata that may be
// refreshed over time.
type PeerInfo struct {
	// IPAddress is the IP address the peer listens on.
	IPAddress string

	// Port is the port the peer listens on.
	Port uint16

	// SourceAddress is the IP address of the peer that told us about
	// this one. It is empty for peers we learned about directly.
	SourceAddress string

	// Height is the last chain height the peer advertised.
	Height uint32

	// Version is the application version of the peer.
	Version string

	// ProtocolVersion is the wire protocol version of the peer.
	ProtocolVersion string

	// OS is the operating system the peer reported.
	OS string
}

// PeerID returns the identity key of the peer, ip:port for IPv4 and
// [ip]:port for IPv6.
func (p PeerInfo) PeerID() string {
	return net.JoinHostPort(p.IPAddress, strconv.Itoa(int(p.Port)))
}

// merge returns p with every non-zero metadata field of update applied. The
// identity and the source address never change.
func (p PeerInfo) merge(update PeerInfo) PeerInfo {
	if update.Height != 0 {
		p.Height = update.Height
	}
	if update.Version != "" {
		p.Version = update.Version
	}
	if update.ProtocolVersion != "" {
		p.ProtocolVersion = update.ProtocolVersion
	}
	if update.OS != "" {
		p.OS = update.OS
	}

	return p
}

// KnownPeer is a peer as stored in a list.
type KnownPeer struct {
	PeerInfo

	// DateAdded is when the peer entered its current list. The new list
	// uses it to find stale entries.
	DateAdded time.Time

	// NumOfConnectionFailures counts consecutive failed connection
	// attempts while the peer sits in the tried list.
	NumOfConnectionFailures uint32

	// BucketID is the bucket the peer lives in.
	BucketID uint32
}
