package peerpool

import "errors"

var (
	// ErrRequestFail is returned when a request could not be served, either
	// because no peer was selected or because the selected peer failed.
	ErrRequestFail = errors.New("request failed")

	// ErrPeerNotFound is returned when an operation targets a peer without
	// an open session.
	ErrPeerNotFound = errors.New("peer not found in pool")

	// ErrPeerBanned is returned when a banned IP tries to connect.
	ErrPeerBanned = errors.New("peer ip is banned")

	// ErrPoolFull is returned when an inbound peer arrives while every
	// inbound slot is taken by protected peers.
	ErrPoolFull = errors.New("inbound slots exhausted")

	// ErrPeerExists is returned when a session for the peer already
	// exists.
	ErrPeerExists = errors.New("peer already has a session")

	// ErrInvalidConfig is returned when the pool is constructed with
	// unusable parameters.
	ErrInvalidConfig = errors.New("invalid peer pool config")
)
