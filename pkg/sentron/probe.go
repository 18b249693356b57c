package sentron

import (
	"bytes"
	"encoding/binary"
	"net"
)

// Probe asks devices to identify themselves. Target is BroadcastMAC to reach every device.
type Probe struct {
	Command CommandCode
	Target  net.HardwareAddr
}

type probePacket struct {
	Command CommandCode
	Target  [macSize]byte
}

// EncodeProbe serializes a probe as a big-endian command code followed by the raw target MAC.
func EncodeProbe(command CommandCode, target net.HardwareAddr) ([]byte, error) {
	if len(target) != macSize {
		return nil, &EncodingError{Command: command, Len: len(target)}
	}

	pkt := probePacket{Command: command}
	copy(pkt.Target[:], target)

	buf := bytes.NewBuffer(make([]byte, 0, probeSize))
	if err := binary.Write(buf, binary.BigEndian, pkt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeProbe parses a probe as seen on the wire, e.g. in a packet capture.
func DecodeProbe(packet []byte) (Probe, error) {
	if len(packet) != probeSize {
		return Probe{}, ErrInvalidProbe
	}

	pkt := probePacket{}
	if err := binary.Read(bytes.NewReader(packet), binary.BigEndian, &pkt); err != nil {
		return Probe{}, err
	}

	return Probe{
		Command: pkt.Command,
		Target:  net.HardwareAddr(pkt.Target[:]),
	}, nil
}

func (p Probe) MarshalBinary() ([]byte, error) {
	return EncodeProbe(p.Command, p.Target)
}

// DiscoverProbe returns the broadcast discovery probe.
func DiscoverProbe() Probe {
	return Probe{Command: CommandDiscover, Target: BroadcastMAC}
}

// VersionProbe returns a version query for the device with the given MAC.
func VersionProbe(mac net.HardwareAddr) Probe {
	return Probe{Command: CommandQueryVersion, Target: mac}
}
