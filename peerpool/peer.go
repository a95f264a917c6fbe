package peerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/p2pkit/peerdir/peerbook"
)

// Close codes handed to Conn.Close.
const (
	// CodeIntentionalDisconnect closes a session on request of the local
	// node.
	CodeIntentionalDisconnect = 1000

	// CodeForbidden closes a session of a banned peer.
	CodeForbidden = 4403

	// CodeEvicted closes a session that was evicted from the pool.
	CodeEvicted = 4418
)

// Kind tells whether we or the peer opened a session.
type Kind uint8

const (
	// Inbound sessions were opened by the peer.
	Inbound Kind = iota

	// Outbound sessions were opened by us.
	Outbound
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// State is the state of a session.
type State uint8

const (
	// StateConnecting marks an outbound session that is being dialed.
	StateConnecting State = iota

	// StateOpen marks a usable session.
	StateOpen

	// StateClosed marks a session that was torn down.
	StateClosed
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Packet is a request or message sent to a peer.
type Packet struct {
	// Procedure names the remote procedure or event.
	Procedure string

	// Data is the opaque payload.
	Data []byte
}

// Response is the answer of a peer to a request.
type Response struct {
	// PeerID is the id of the peer that answered.
	PeerID string

	// Data is the opaque payload.
	Data []byte
}

// Conn is a live connection to a peer, provided by the transport.
type Conn interface {
	// Request sends a packet and waits for the answer.
	Request(ctx context.Context, packet Packet) (Response, error)

	// Send sends a packet without waiting for an answer.
	Send(packet Packet) error

	// Close tears down the connection.
	Close(code int, reason string) error
}

// ConnectedPeer is a snapshot of a session.
type ConnectedPeer struct {
	// Info is the peer record the session was created for.
	Info peerbook.PeerInfo

	// Kind tells who opened the session.
	Kind Kind

	// State is the state of the session.
	State State

	// SessionID identifies this session. A reconnect gets a new one.
	SessionID uuid.UUID

	// ConnectTime is when the session was opened or, for an outbound
	// session that is still connecting, when dialing started.
	ConnectTime time.Time

	// Latency is the last measured round trip time.
	Latency time.Duration

	// Netgroup is the keyed hash of the peer's network group.
	Netgroup uint32

	// ResponseRate is the share of recent requests the peer answered.
	ResponseRate float64

	// Whitelisted peers are never evicted.
	Whitelisted bool
}

// ID returns the id of the peer.
func (p ConnectedPeer) ID() string {
	return p.Info.PeerID()
}

// session is the pool's mutable view of a connected peer.
type session struct {
	peer ConnectedPeer

	conn Conn

	// outcomes holds the results of the most recent requests, true for a
	// response and false for a failure.
	outcomes *queue.CircularBuffer
}

// newSession creates a session with an empty response window.
func newSession(peer ConnectedPeer, conn Conn, window int) (*session,
	error) {

	outcomes, err := queue.NewCircularBuffer(window)
	if err != nil {
		return nil, fmt.Errorf("unable to create response window: %w",
			err)
	}

	peer.SessionID = uuid.New()

	return &session{
		peer:     peer,
		conn:     conn,
		outcomes: outcomes,
	}, nil
}

// recordOutcome adds a request result to the response window and refreshes
// the response rate.
func (s *session) recordOutcome(ok bool) {
	s.outcomes.Add(ok)

	var answered, total int
	for _, item := range s.outcomes.List() {
		total++
		if item.(bool) {
			answered++
		}
	}

	s.peer.ResponseRate = float64(answered) / float64(total)
}
