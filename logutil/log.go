package logutil

import (
	"log/slog"

	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
)

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure takes an interface and returns the string of it created from
// `spew.Sdump` in a LogClosure.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// LogPeer returns a slog attribute for logging a peer id. Empty ids are
// rendered as <unknown> so structured log lines keep a stable shape.
func LogPeer(key, peerID string) slog.Attr {
	if peerID == "" {
		return btclog.Fmt(key, "<unknown>")
	}

	return slog.String(key, peerID)
}

// LogSecret returns a slog attribute that renders a bucketing secret as a
// short hex prefix, enough to correlate log lines without leaking it.
func LogSecret(key string, secret uint32) slog.Attr {
	return btclog.Hex6(key, []byte{
		byte(secret >> 24), byte(secret >> 16), byte(secret >> 8),
		byte(secret),
	})
}
