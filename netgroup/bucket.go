package netgroup

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// NewBucketsPerGroup is the number of buckets a single source group
	// may spread its announcements over in the new table.
	NewBucketsPerGroup = 32

	// TriedBucketsPerGroup is the number of buckets the addresses of a
	// single group may occupy in the tried table.
	TriedBucketsPerGroup = 8
)

// PeerType selects the bucketing scheme: new peers are bucketed by the group
// of the peer that told us about them, tried peers only by their own address.
type PeerType uint8

const (
	// PeerTypeNew marks a peer that we have never connected to.
	PeerTypeNew PeerType = iota

	// PeerTypeTried marks a peer that we connected to at least once.
	PeerTypeTried
)

// String returns a human readable name for the peer type.
func (p PeerType) String() string {
	switch p {
	case PeerTypeNew:
		return "new"
	case PeerTypeTried:
		return "tried"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// BucketParams holds the inputs of a bucket computation.
type BucketParams struct {
	// Secret is the per process key mixed into every hash.
	Secret uint32

	// TargetAddress is the IP address of the peer being bucketed.
	TargetAddress string

	// SourceAddress is the IP address of the peer that announced the
	// target. It is only consulted for new peers and defaults to the
	// target address when empty.
	SourceAddress string

	// PeerType selects the new or tried bucketing scheme.
	PeerType PeerType

	// BucketCount is the number of buckets of the list.
	BucketCount uint32
}

// BucketFunc maps bucket parameters to a bucket id. Lists accept one at
// construction so the hashing can be swapped out.
type BucketFunc func(params BucketParams) (uint32, error)

// A compile time check to ensure BucketID satisfies BucketFunc.
var _ BucketFunc = BucketID

// NewSecret returns a fresh random secret for bucket hashing. It is meant to
// be drawn once at startup and never persisted.
func NewSecret() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("unable to read random secret: %w", err)
	}

	return binary.BigEndian.Uint32(b[:]), nil
}

// hash returns the first eight bytes of the double SHA-256 of the secret
// followed by all parts, read as a big endian integer.
func hash(secret uint32, parts ...[]byte) uint64 {
	data := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(data, secret)
	for _, part := range parts {
		data = append(data, part...)
	}

	return binary.BigEndian.Uint64(chainhash.DoubleHashB(data)[:8])
}

// uint64Bytes returns the big endian encoding of v.
func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)

	return b[:]
}

// fixedBucket returns the single bucket shared by every local or every
// private address. The private bucket is moved one slot up when it would
// land on the local bucket so the two classes never mix.
func fixedBucket(secret uint32, netType NetworkType, count uint32) uint32 {
	bucketFor := func(n NetworkType) uint32 {
		return uint32(hash(secret, []byte{byte(n)}) % uint64(count))
	}

	bucket := bucketFor(netType)
	if netType == NetPrivate && count > 1 {
		if bucket == bucketFor(NetLocal) {
			bucket = (bucket + 1) % count
		}
	}

	return bucket
}

// BucketID computes the bucket a peer belongs to. The result is a pure
// function of its inputs.
func BucketID(params BucketParams) (uint32, error) {
	if params.BucketCount == 0 {
		return 0, fmt.Errorf("%w: bucket count must be positive",
			ErrInvalidInput)
	}

	target, targetIP, err := parse(params.TargetAddress)
	if err != nil {
		return 0, err
	}

	netType := classify(target)
	if netType != NetPublic {
		return fixedBucket(
			params.Secret, netType, params.BucketCount,
		), nil
	}

	targetGroup := []byte(addrmgr.GroupKey(target))
	count := uint64(params.BucketCount)

	switch params.PeerType {
	case PeerTypeTried:
		k := hash(params.Secret, targetIP) %
			TriedBucketsPerGroup

		return uint32(
			hash(params.Secret, targetGroup, uint64Bytes(k)) % count,
		), nil

	case PeerTypeNew:
		sourceGroup := targetGroup
		if params.SourceAddress != "" {
			source, err := ParseAddress(params.SourceAddress)
			if err != nil {
				log.Debugf("Falling back to target group for "+
					"unparsable source %q: %v",
					params.SourceAddress, err)
			} else {
				sourceGroup = []byte(addrmgr.GroupKey(source))
			}
		}

		k := hash(params.Secret, sourceGroup, targetGroup) %
			NewBucketsPerGroup

		return uint32(
			hash(params.Secret, sourceGroup, uint64Bytes(k)) % count,
		), nil

	default:
		return 0, fmt.Errorf("%w: unknown peer type %v",
			ErrInvalidInput, params.PeerType)
	}
}

// Netgroup returns a keyed hash of the network group of the address. Peers in
// the same group share the value. Unparsable addresses are hashed verbatim so
// that every input still yields a stable value.
func Netgroup(secret uint32, address string) uint32 {
	group := address
	if na, err := ParseAddress(address); err == nil {
		group = addrmgr.GroupKey(na)
	}

	return uint32(hash(secret, []byte(group)))
}
