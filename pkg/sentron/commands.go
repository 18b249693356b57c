package sentron

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Captured from the "Sentron powerconfig" tool talking to a PAC4200.
//
// DISCOVER (broadcast, any device)
// 3101ffffffffffff
//
// IDENTITY reply
// 3211 <mac> <ip> <netmask> <gateway> <product[20]> <plant id[32]>

type CommandCode uint16

const (
	// Requests sent by the master
	CommandDiscover     CommandCode = 0x3101
	CommandQueryVersion CommandCode = 0x3501

	// Replies from the device
	ResponseIdentity CommandCode = 0x3211 // Reply to discover
	ResponseVersion  CommandCode = 0x3612 // Reply to version query
)

const (
	// MasterPort is the port probes are sent from and replies arrive on.
	MasterPort = 17009
	// DevicePort is the port devices listen for probes on.
	DevicePort = 17008

	// ReplyTimeout is how long a scan waits for replies.
	ReplyTimeout = 2 * time.Second

	probeSize  = 8
	headerSize = 8
	macSize    = 6

	readBufferSize = 1024
)

var (
	// BroadcastMAC addresses every device on the segment.
	BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	// BroadcastAddr is the limited broadcast address probes are sent to.
	BroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})
)

func (c CommandCode) String() string {
	switch c {
	case CommandDiscover:
		return "discover"
	case CommandQueryVersion:
		return "query-version"
	case ResponseIdentity:
		return "identity"
	case ResponseVersion:
		return "version"
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}
