package netgroup

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/wire"
)

// ErrInvalidInput is returned when an address cannot be parsed or the bucket
// parameters are out of range.
var ErrInvalidInput = errors.New("invalid input")

// NetworkType is the coarse network class of an address. All local addresses
// share one bucket, as do all private addresses.
type NetworkType uint8

const (
	// NetLocal covers loopback and zero addresses.
	NetLocal NetworkType = iota

	// NetPrivate covers every address that is not routable on the public
	// internet, such as RFC1918, RFC3927 and RFC6598 ranges.
	NetPrivate

	// NetPublic covers every routable address.
	NetPublic
)

// String returns a human readable name for the network type.
func (n NetworkType) String() string {
	switch n {
	case NetLocal:
		return "local"
	case NetPrivate:
		return "private"
	case NetPublic:
		return "public"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(n))
	}
}

// ParseAddress converts an IP address string into the wire representation
// used by the btcd address manager helpers. A host:port string is accepted
// as well, in which case the port is carried over.
func ParseAddress(address string) (*wire.NetAddressV2, error) {
	na, _, err := parse(address)
	return na, err
}

// parse is ParseAddress that also hands back the canonical IP bytes: four
// bytes for IPv4 and sixteen for IPv6.
func parse(address string) (*wire.NetAddressV2, []byte, error) {
	host, port := address, uint16(0)
	if h, p, err := net.SplitHostPort(address); err == nil {
		portNum, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad port in %q",
				ErrInvalidInput, address)
		}
		host, port = h, uint16(portNum)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, nil, fmt.Errorf("%w: unparsable address %q",
			ErrInvalidInput, address)
	}

	// IPv4 addresses must be handed over in their four byte form so that
	// they are tagged as IPv4 on the wire address.
	ipBytes := []byte(ip.To16())
	if ip4 := ip.To4(); ip4 != nil {
		ipBytes = ip4
	}

	na := wire.NetAddressV2FromBytes(
		time.Unix(0, 0), wire.SFNodeNetwork, ipBytes, port,
	)

	return na, ipBytes, nil
}

// classify returns the network type of an already parsed address.
func classify(na *wire.NetAddressV2) NetworkType {
	switch {
	case addrmgr.IsLocal(na.ToLegacy()):
		return NetLocal

	case !addrmgr.IsRoutable(na):
		return NetPrivate

	default:
		return NetPublic
	}
}

// Classify returns the network type of the given address.
func Classify(address string) (NetworkType, error) {
	na, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}

	return classify(na), nil
}

// Group returns the network group of the given address: the /16 for IPv4,
// the /32 for most IPv6 ranges, and fixed keys for local and unroutable
// addresses.
func Group(address string) (string, error) {
	na, err := ParseAddress(address)
	if err != nil {
		return "", err
	}

	return addrmgr.GroupKey(na), nil
}
