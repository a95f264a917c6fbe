package peerstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/p2pkit/peerdir/peerbook"
	"go.etcd.io/bbolt"
)

const (
	dbName           = "peers.db"
	dbFilePermission = 0600

	// dbVersion is the version of the stored layout.
	dbVersion = 1
)

var (
	// metaBucket holds the layout version and the time of the last save.
	metaBucket = []byte("meta")

	// newPeersBucket maps peer ids of the new list to their records.
	newPeersBucket = []byte("new-peers")

	// triedPeersBucket maps peer ids of the tried list to their records.
	triedPeersBucket = []byte("tried-peers")

	versionKey = []byte("version")
	savedAtKey = []byte("saved-at")

	byteOrder = binary.BigEndian
)

var (
	// ErrUnknownVersion is returned when the database was written by a
	// newer layout.
	ErrUnknownVersion = errors.New("unknown peer store version")

	// ErrNeverSaved is returned by SavedAt when no snapshot was written
	// yet.
	ErrNeverSaved = errors.New("peer store was never saved")
)

// Store persists snapshots of a peer book in a bolt database so that a
// restarted node does not have to rediscover the network.
type Store struct {
	db     *bbolt.DB
	dbPath string
	clock  clock.Clock
}

// Open opens or creates the peer store in the given directory.
func Open(dbPath string, c clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bbolt.Open(path, dbFilePermission, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", path, err)
	}

	store := &Store{
		db:     bdb,
		dbPath: dbPath,
		clock:  c,
	}
	if err := store.initBuckets(); err != nil {
		bdb.Close()
		return nil, err
	}

	log.Debugf("Opened peer store at %v", path)

	return store, nil
}

// initBuckets creates the top level buckets and checks the layout version.
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(versionKey); v != nil {
			version := byteOrder.Uint32(v)
			if version > dbVersion {
				return fmt.Errorf("%w: %d", ErrUnknownVersion,
					version)
			}
		} else {
			var v [4]byte
			byteOrder.PutUint32(v[:], dbVersion)
			if err := meta.Put(versionKey, v[:]); err != nil {
				return err
			}
		}

		for _, name := range [][]byte{newPeersBucket, triedPeersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the current contents of the book.
func (s *Store) Save(book *peerbook.Book) error {
	return s.SaveSnapshot(book.Snapshot())
}

// SaveSnapshot replaces the stored snapshot in a single transaction.
func (s *Store) SaveSnapshot(snapshot peerbook.Snapshot) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		lists := []struct {
			name  []byte
			peers []peerbook.KnownPeer
		}{
			{newPeersBucket, snapshot.New},
			{triedPeersBucket, snapshot.Tried},
		}

		for _, list := range lists {
			err := tx.DeleteBucket(list.name)
			if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}

			bucket, err := tx.CreateBucket(list.name)
			if err != nil {
				return err
			}

			for i := range list.peers {
				peer := &list.peers[i]

				var b bytes.Buffer
				if err := serializeKnownPeer(&b, peer); err != nil {
					return err
				}

				err := bucket.Put([]byte(peer.PeerID()), b.Bytes())
				if err != nil {
					return err
				}
			}
		}

		var savedAt [8]byte
		byteOrder.PutUint64(
			savedAt[:], uint64(s.clock.Now().UnixNano()),
		)

		return tx.Bucket(metaBucket).Put(savedAtKey, savedAt[:])
	})
	if err != nil {
		return fmt.Errorf("unable to save peers: %w", err)
	}

	log.Infof("Saved %d new and %d tried peer(s)", len(snapshot.New),
		len(snapshot.Tried))

	return nil
}

// Load reads the stored snapshot. Records that cannot be decoded are skipped.
func (s *Store) Load() (peerbook.Snapshot, error) {
	var snapshot peerbook.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		snapshot.New, err = loadPeers(tx.Bucket(newPeersBucket))
		if err != nil {
			return err
		}

		snapshot.Tried, err = loadPeers(tx.Bucket(triedPeersBucket))

		return err
	})
	if err != nil {
		return peerbook.Snapshot{}, fmt.Errorf("unable to load peers: "+
			"%w", err)
	}

	return snapshot, nil
}

// loadPeers decodes every record of a list bucket.
func loadPeers(bucket *bbolt.Bucket) ([]peerbook.KnownPeer, error) {
	if bucket == nil {
		return nil, nil
	}

	var peers []peerbook.KnownPeer
	err := bucket.ForEach(func(k, v []byte) error {
		peer, err := deserializeKnownPeer(bytes.NewReader(v))
		if err != nil {
			log.Warnf("Skipping stored peer %s: %v", k, err)
			return nil
		}

		if peer.PeerID() != string(k) {
			log.Warnf("Skipping stored peer %s: %v, record is "+
				"for %v", k, ErrCorruptRecord, peer.PeerID())
			return nil
		}

		peers = append(peers, peer)

		return nil
	})

	return peers, err
}

// Restore loads the stored snapshot into the book. It returns the number of
// peers inserted.
func (s *Store) Restore(book *peerbook.Book) (int, error) {
	snapshot, err := s.Load()
	if err != nil {
		return 0, err
	}

	return book.Restore(snapshot), nil
}

// SavedAt returns the time of the last save.
func (s *Store) SavedAt() (time.Time, error) {
	var savedAt time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(savedAtKey)
		if v == nil {
			return ErrNeverSaved
		}
		savedAt = time.Unix(0, int64(byteOrder.Uint64(v)))

		return nil
	})

	return savedAt, err
}

// Wipe drops every stored peer.
func (s *Store) Wipe() error {
	return s.SaveSnapshot(peerbook.Snapshot{})
}
