package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLogClosureLazy asserts that the wrapped function only runs when the
// closure is rendered.
func TestLogClosureLazy(t *testing.T) {
	t.Parallel()

	var calls int
	c := NewLogClosure(func() string {
		calls++
		return "rendered"
	})
	require.Zero(t, calls)

	require.Equal(t, "rendered", c.String())
	require.Equal(t, 1, calls)
}

// TestSpewLogClosure checks that spew output contains the dumped fields.
func TestSpewLogClosure(t *testing.T) {
	t.Parallel()

	type record struct {
		Addr string
		Port uint16
	}

	out := SpewLogClosure(record{Addr: "1.2.3.4", Port: 7000}).String()
	require.Contains(t, out, "1.2.3.4")
	require.Contains(t, out, "7000")
}

// TestLogPeer checks the rendering of known and unknown peer ids.
func TestLogPeer(t *testing.T) {
	t.Parallel()

	attr := LogPeer("peer", "1.2.3.4:7000")
	require.Equal(t, "peer", attr.Key)
	require.Equal(t, "1.2.3.4:7000", attr.Value.String())

	attr = LogPeer("peer", "")
	require.Equal(t, "peer", attr.Key)
	require.Equal(t, "<unknown>", attr.Value.String())
}
