package sentron

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// Device is the decoded content of a single reply datagram.
type Device struct {
	MAC     net.HardwareAddr
	Command CommandCode
	Layout  LayoutKind

	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr

	Product string
	PlantID string

	SoftwareVersion   Version
	BootloaderVersion Version

	// Reserved holds header bytes whose meaning is unknown. Kept verbatim.
	Reserved []byte
}

// Version is a firmware version such as V2.4.1. The zero value is unknown.
type Version struct {
	Prefix byte
	Major  uint8
	Minor  uint8
	Patch  uint8
	Known  bool
}

func (v Version) String() string {
	if !v.Known {
		return "unknown"
	}
	return fmt.Sprintf("%c%d.%d.%d", v.Prefix, v.Major, v.Minor, v.Patch)
}

func parseVersion(b []byte) Version {
	return Version{Prefix: b[0], Major: b[1], Minor: b[2], Patch: b[3], Known: true}
}

// replyReader hands out bounds checked windows of a reply. The first failure sticks.
type replyReader struct {
	buf     []byte
	command CommandCode
	err     error
}

func (r *replyReader) field(name string, s span) []byte {
	if r.err != nil || !s.present() {
		return nil
	}
	if s.end() > len(r.buf) {
		r.err = &DecodeError{
			Command: r.command,
			Field:   name,
			Need:    s.end(),
			Have:    len(r.buf),
			Err:     ErrTruncatedField,
		}
		return nil
	}
	return r.buf[s.Offset:s.end()]
}

func (r *replyReader) addr(name string, s span) netip.Addr {
	b := r.field(name, s)
	if b == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b))
}

func (r *replyReader) text(name string, s span) string {
	b := r.field(name, s)
	if b == nil {
		return ""
	}
	return trimField(b)
}

func (r *replyReader) version(name string, s span) Version {
	b := r.field(name, s)
	if b == nil {
		return Version{}
	}
	return parseVersion(b)
}

// trimField strips trailing whitespace and then trailing NULs from a fixed width string.
func trimField(b []byte) string {
	b = bytes.TrimRight(b, " \t\r\n\v\f")
	b = bytes.TrimRight(b, "\x00")
	return string(b)
}

// DecodeReply decodes a reply datagram. The layout is chosen by the reply's command code; unknown
// codes fall back to the legacy layout, so only a short buffer makes decoding fail.
func DecodeReply(packet []byte) (Device, error) {
	if len(packet) < headerSize {
		return Device{}, &DecodeError{Field: "header", Need: headerSize, Have: len(packet), Err: ErrTooShort}
	}

	command := CommandCode(binary.BigEndian.Uint16(packet[0:2]))
	layout := LayoutFor(command)

	r := &replyReader{buf: packet, command: command}

	reserved := r.field("reserved", layout.Reserved)
	ip := r.addr("ip", layout.IP)
	netmask := r.addr("netmask", layout.Netmask)
	gateway := r.addr("gateway", layout.Gateway)
	product := r.text("product", layout.Product)
	plantID := r.text("plant_id", layout.PlantID)
	software := r.version("software_version", layout.Software)
	bootloader := r.version("bootloader_version", layout.Bootloader)

	if r.err != nil {
		return Device{}, r.err
	}

	return Device{
		MAC:               bytes.Clone(packet[2:headerSize]),
		Command:           command,
		Layout:            layout.Kind,
		IP:                ip,
		Netmask:           netmask,
		Gateway:           gateway,
		Product:           product,
		PlantID:           plantID,
		SoftwareVersion:   software,
		BootloaderVersion: bootloader,
		Reserved:          bytes.Clone(reserved),
	}, nil
}

func (d Device) String() string {
	return fmt.Sprintf("product=%s {ip=%s, netmask=%s, gw=%s}", d.Product, d.IP, d.Netmask, d.Gateway)
}

func (d Device) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("mac", d.MAC.String()),
		slog.String("command", d.Command.String()),
		slog.String("layout", d.Layout.String()),
		slog.String("ip", d.IP.String()),
		slog.String("netmask", d.Netmask.String()),
		slog.String("gateway", d.Gateway.String()),
	}
	if d.Product != "" {
		attrs = append(attrs, slog.String("product", d.Product))
	}
	if d.PlantID != "" {
		attrs = append(attrs, slog.String("plant-id", d.PlantID))
	}
	if d.SoftwareVersion.Known || d.BootloaderVersion.Known {
		attrs = append(attrs,
			slog.String("software", d.SoftwareVersion.String()),
			slog.String("bootloader", d.BootloaderVersion.String()),
		)
	}
	return slog.GroupValue(attrs...)
}
