// Package capture replays packet captures of the discovery protocol through the probe and reply
// decoders. Captures are how the protocol was worked out in the first place.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net/netip"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/ivanvanderbyl/sentron-scan/pkg/sentron"
)

const (
	pcapngMagic = 0x0a0d0d0a

	maxConcurrentFiles = 4
)

// Frame is one discovery datagram found in a capture. Probe is set for traffic to the device port,
// Device for traffic from it. Err holds the decode failure when neither could be built.
type Frame struct {
	Index  int
	Time   time.Time
	Src    netip.AddrPort
	Dst    netip.AddrPort
	Probe  *sentron.Probe
	Device *sentron.Device
	Err    error
}

// IsProbe reports whether the frame was sent to a device.
func (f Frame) IsProbe() bool { return f.Dst.Port() == sentron.DevicePort }

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Read decodes every discovery datagram in a pcap or pcapng stream.
func Read(ctx context.Context, r io.Reader) ([]Frame, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, errors.Wrap(err, "reading capture header")
	}

	var source packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		source, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		source, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening capture")
	}

	packets := gopacket.NewPacketSource(source, source.LinkType())

	var frames []Frame
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return frames, err
		}

		packet, err := packets.NextPacket()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, errors.Wrapf(err, "reading packet %d", index)
		}

		if frame, ok := decodePacket(packet); ok {
			frame.Index = index
			frames = append(frames, frame)
		}
	}
}

func decodePacket(packet gopacket.Packet) (Frame, bool) {
	ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return Frame{}, false
	}
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return Frame{}, false
	}

	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())

	frame := Frame{
		Time: packet.Metadata().Timestamp,
		Src:  netip.AddrPortFrom(src, uint16(udp.SrcPort)),
		Dst:  netip.AddrPortFrom(dst, uint16(udp.DstPort)),
	}

	switch {
	case udp.DstPort == sentron.DevicePort:
		probe, err := sentron.DecodeProbe(udp.Payload)
		if err != nil {
			frame.Err = err
			return frame, true
		}
		frame.Probe = &probe

	case udp.SrcPort == sentron.DevicePort:
		dev, err := sentron.DecodeReply(udp.Payload)
		if err != nil {
			frame.Err = err
			return frame, true
		}
		frame.Device = &dev

	default:
		return Frame{}, false
	}

	return frame, true
}

// ReadFile decodes a capture file.
func ReadFile(ctx context.Context, path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	frames, err := Read(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return frames, nil
}

// FileFrames holds the frames decoded from one capture file.
type FileFrames struct {
	Path   string
	Frames []Frame

	order int
}

// ReadFiles decodes several capture files concurrently. Results come back in argument order; the
// first failing file cancels the rest.
func ReadFiles(ctx context.Context, paths ...string) ([]FileFrames, error) {
	p := pool.NewWithResults[FileFrames]().
		WithMaxGoroutines(maxConcurrentFiles).
		WithErrors().
		WithContext(ctx).
		WithCancelOnError()

	for i, path := range paths {
		p.Go(func(ctx context.Context) (FileFrames, error) {
			frames, err := ReadFile(ctx, path)
			if err != nil {
				return FileFrames{}, err
			}
			return FileFrames{Path: path, Frames: frames, order: i}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].order < results[j].order })
	return results, nil
}
