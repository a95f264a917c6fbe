package peerstore

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// openTestStore opens a store in a fresh temporary directory.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := Open(dir, clock.NewTestClock(testTime))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	return store, dir
}

// newTestBook returns a book on a test clock.
func newTestBook(t *testing.T, secret uint32) *peerbook.Book {
	t.Helper()

	cfg := peerbook.DefaultConfig()
	cfg.Secret = secret

	book, err := peerbook.NewBook(
		*cfg, peerbook.WithClock(clock.NewTestClock(testTime)),
	)
	require.NoError(t, err)

	return book
}

// TestCodecRoundTrip checks that every field survives encoding.
func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	peer := peerbook.KnownPeer{
		PeerInfo: peerbook.PeerInfo{
			IPAddress:       "2001:db8::1",
			Port:            7667,
			SourceAddress:   "203.0.113.9",
			Height:          1_234_567,
			Version:         "4.0.1",
			ProtocolVersion: "3.1",
			OS:              "linux",
		},
		DateAdded:               testTime.Add(123 * time.Nanosecond),
		NumOfConnectionFailures: 2,
		BucketID:                17,
	}

	var b bytes.Buffer
	require.NoError(t, serializeKnownPeer(&b, &peer))

	decoded, err := deserializeKnownPeer(&b)
	require.NoError(t, err)

	require.Equal(t, peer.PeerInfo, decoded.PeerInfo)
	require.True(t, peer.DateAdded.Equal(decoded.DateAdded))
	require.Equal(t, uint32(2), decoded.NumOfConnectionFailures)

	// The bucket depends on the secret and is recomputed on restore.
	require.Zero(t, decoded.BucketID)

	// A peer without a date keeps the zero time.
	b.Reset()
	require.NoError(t, serializeKnownPeer(&b, &peerbook.KnownPeer{
		PeerInfo: peerbook.PeerInfo{IPAddress: "1.2.3.4", Port: 1},
	}))
	decoded, err = deserializeKnownPeer(&b)
	require.NoError(t, err)
	require.True(t, decoded.DateAdded.IsZero())
}

// TestCodecMissingAddress checks that records without an address are
// rejected.
func TestCodecMissingAddress(t *testing.T) {
	t.Parallel()

	port := uint16(7000)
	stream, err := tlv.NewStream(tlv.MakePrimitiveRecord(portType, &port))
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, stream.Encode(&b))

	_, err = deserializeKnownPeer(&b)
	require.ErrorIs(t, err, ErrCorruptRecord)

	_, err = deserializeKnownPeer(bytes.NewReader([]byte{0x00, 0x05}))
	require.ErrorIs(t, err, ErrCorruptRecord)
}

// TestStoreSaveRestore saves a book and restores it into a book with a
// different secret.
func TestStoreSaveRestore(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)

	_, err := store.SavedAt()
	require.ErrorIs(t, err, ErrNeverSaved)

	book := newTestBook(t, 1)
	for i := 1; i <= 5; i++ {
		_, err := book.AddPeer(peerbook.PeerInfo{
			IPAddress: fmt.Sprintf("44.1.1.%d", i),
			Port:      7000,
			Height:    uint32(i),
		})
		require.NoError(t, err)
	}
	tried := peerbook.PeerInfo{IPAddress: "44.1.1.1", Port: 7000}
	require.True(t, book.UpgradePeer(tried))
	require.False(t, book.DowngradePeer(tried))

	require.NoError(t, store.Save(book))

	savedAt, err := store.SavedAt()
	require.NoError(t, err)
	require.True(t, testTime.Equal(savedAt))

	snapshot, err := store.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.New, 4)
	require.Len(t, snapshot.Tried, 1)

	restored := newTestBook(t, 2)
	n, err := store.Restore(restored)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	peer := restored.GetPeer(tried.PeerID()).UnwrapOrFail(t)
	require.True(t, restored.IsTried(tried.PeerID()))
	require.Equal(t, uint32(1), peer.NumOfConnectionFailures)
	require.Equal(t, uint32(1), peer.Height)

	// Saving again replaces the previous snapshot.
	require.True(t, book.RemovePeer(tried.PeerID()))
	require.NoError(t, store.Save(book))

	snapshot, err = store.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.New, 4)
	require.Empty(t, snapshot.Tried)

	require.NoError(t, store.Wipe())
	snapshot, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, snapshot.New)
	require.Empty(t, snapshot.Tried)
}

// TestStoreReopen checks that a snapshot survives closing the database and
// that corrupt records are skipped.
func TestStoreReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(dir, clock.NewTestClock(testTime))
	require.NoError(t, err)

	good := peerbook.KnownPeer{
		PeerInfo: peerbook.PeerInfo{
			IPAddress: "44.2.2.2",
			Port:      7000,
		},
		DateAdded: testTime,
	}
	require.NoError(t, store.SaveSnapshot(peerbook.Snapshot{
		New: []peerbook.KnownPeer{good},
	}))

	// Plant a record under the wrong key and one that does not decode.
	err = store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(newPeersBucket)

		var b bytes.Buffer
		if err := serializeKnownPeer(&b, &good); err != nil {
			return err
		}
		if err := bucket.Put([]byte("1.1.1.1:1"), b.Bytes()); err != nil {
			return err
		}

		return bucket.Put([]byte("2.2.2.2:2"), []byte{0xff})
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(dir, clock.NewTestClock(testTime))
	require.NoError(t, err)
	defer store.Close()

	snapshot, err := store.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.New, 1)
	require.Equal(t, good.PeerID(), snapshot.New[0].PeerID())
	require.True(t, good.DateAdded.Equal(snapshot.New[0].DateAdded))
}

// TestStoreUnknownVersion checks that a newer layout is refused.
func TestStoreUnknownVersion(t *testing.T) {
	t.Parallel()

	store, dir := openTestStore(t)

	err := store.db.Update(func(tx *bbolt.Tx) error {
		var v [4]byte
		byteOrder.PutUint32(v[:], dbVersion+1)

		return tx.Bucket(metaBucket).Put(versionKey, v[:])
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(dir, clock.NewTestClock(testTime))
	require.ErrorIs(t, err, ErrUnknownVersion)
}
