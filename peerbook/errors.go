package peerbook

import "errors"

var (
	// ErrDuplicatePeer is returned when a peer is added to a list that
	// already holds a peer with the same id.
	ErrDuplicatePeer = errors.New("peer already exists in list")

	// ErrPeerBanned is returned when a peer at a banned IP is added to
	// the book.
	ErrPeerBanned = errors.New("peer ip is banned")

	// ErrInvalidConfig is returned when a list or book is constructed
	// with unusable parameters.
	ErrInvalidConfig = errors.New("invalid peer book config")
)
