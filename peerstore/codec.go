package peerstore

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/p2pkit/peerdir/peerbook"
)

const (
	ipAddressType       tlv.Type = 0
	portType            tlv.Type = 2
	sourceAddressType   tlv.Type = 4
	heightType          tlv.Type = 6
	versionType         tlv.Type = 8
	protocolVersionType tlv.Type = 10
	osType              tlv.Type = 12
	dateAddedType       tlv.Type = 14
	failuresType        tlv.Type = 16
)

// ErrCorruptRecord is returned when a stored peer cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt peer record")

// serializeKnownPeer writes the peer as a TLV stream. The bucket is not
// stored since it depends on the secret of the book the peer is restored
// into.
func serializeKnownPeer(w io.Writer, peer *peerbook.KnownPeer) error {
	var (
		ipAddress       = []byte(peer.IPAddress)
		port            = peer.Port
		sourceAddress   = []byte(peer.SourceAddress)
		height          = peer.Height
		version         = []byte(peer.Version)
		protocolVersion = []byte(peer.ProtocolVersion)
		os              = []byte(peer.OS)
		failures        = peer.NumOfConnectionFailures
		dateAdded       uint64
	)
	if !peer.DateAdded.IsZero() {
		dateAdded = uint64(peer.DateAdded.UnixNano())
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(ipAddressType, &ipAddress),
		tlv.MakePrimitiveRecord(portType, &port),
		tlv.MakePrimitiveRecord(sourceAddressType, &sourceAddress),
		tlv.MakePrimitiveRecord(heightType, &height),
		tlv.MakePrimitiveRecord(versionType, &version),
		tlv.MakePrimitiveRecord(protocolVersionType, &protocolVersion),
		tlv.MakePrimitiveRecord(osType, &os),
		tlv.MakePrimitiveRecord(dateAddedType, &dateAdded),
		tlv.MakePrimitiveRecord(failuresType, &failures),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeKnownPeer reads a peer written by serializeKnownPeer. The
// address and port are mandatory, every other field may be absent.
func deserializeKnownPeer(r io.Reader) (peerbook.KnownPeer, error) {
	var (
		ipAddress       []byte
		port            uint16
		sourceAddress   []byte
		height          uint32
		version         []byte
		protocolVersion []byte
		os              []byte
		dateAdded       uint64
		failures        uint32
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(ipAddressType, &ipAddress),
		tlv.MakePrimitiveRecord(portType, &port),
		tlv.MakePrimitiveRecord(sourceAddressType, &sourceAddress),
		tlv.MakePrimitiveRecord(heightType, &height),
		tlv.MakePrimitiveRecord(versionType, &version),
		tlv.MakePrimitiveRecord(protocolVersionType, &protocolVersion),
		tlv.MakePrimitiveRecord(osType, &os),
		tlv.MakePrimitiveRecord(dateAddedType, &dateAdded),
		tlv.MakePrimitiveRecord(failuresType, &failures),
	)
	if err != nil {
		return peerbook.KnownPeer{}, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return peerbook.KnownPeer{}, fmt.Errorf("%w: %v",
			ErrCorruptRecord, err)
	}

	for _, typ := range []tlv.Type{ipAddressType, portType} {
		if _, ok := parsedTypes[typ]; !ok {
			return peerbook.KnownPeer{}, fmt.Errorf("%w: missing "+
				"type %d", ErrCorruptRecord, typ)
		}
	}

	peer := peerbook.KnownPeer{
		PeerInfo: peerbook.PeerInfo{
			IPAddress:       string(ipAddress),
			Port:            port,
			SourceAddress:   string(sourceAddress),
			Height:          height,
			Version:         string(version),
			ProtocolVersion: string(protocolVersion),
			OS:              string(os),
		},
		NumOfConnectionFailures: failures,
	}
	if dateAdded != 0 {
		peer.DateAdded = time.Unix(0, int64(dateAdded))
	}

	return peer, nil
}
