package sentron

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	slogctx "github.com/veqryn/slog-context"
)

// Conn is the part of a UDP socket a scan needs. net.PacketConn satisfies it.
type Conn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Reply is reported for every datagram received during a scan. Exactly one of Device or Err is set.
type Reply struct {
	From   netip.AddrPort
	Device Device
	Err    error
	Raw    []byte
}

type Reporter interface {
	Report(ctx context.Context, reply Reply)
}

type ReporterFunc func(ctx context.Context, reply Reply)

func (f ReporterFunc) Report(ctx context.Context, reply Reply) { f(ctx, reply) }

// Scanner broadcasts probes and collects replies for a fixed window. Zero fields take defaults.
type Scanner struct {
	// Timeout is the reply window, measured from when the receive socket is bound.
	Timeout    time.Duration
	MasterPort int
	DevicePort int
	Broadcast  netip.Addr

	// QueryVersions sends a version query to every device that answers discovery.
	QueryVersions bool

	Logger   *slog.Logger
	Reporter Reporter

	listen func(ctx context.Context, addr netip.AddrPort) (Conn, error)
}

func NewScanner(logger *slog.Logger, reporter Reporter) *Scanner {
	return &Scanner{
		Timeout:    ReplyTimeout,
		MasterPort: MasterPort,
		DevicePort: DevicePort,
		Broadcast:  BroadcastAddr,
		Logger:     logger,
		Reporter:   reporter,
	}
}

func (s *Scanner) withDefaults() Scanner {
	out := *s
	if out.Timeout <= 0 {
		out.Timeout = ReplyTimeout
	}
	if out.MasterPort == 0 {
		out.MasterPort = MasterPort
	}
	if out.DevicePort == 0 {
		out.DevicePort = DevicePort
	}
	if !out.Broadcast.IsValid() {
		out.Broadcast = BroadcastAddr
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.Reporter == nil {
		out.Reporter = ReporterFunc(func(context.Context, Reply) {})
	}
	if out.listen == nil {
		out.listen = listenUDP
	}
	return out
}

// Scan sends one discovery probe per source address, or a single probe from the wildcard address when
// no sources are given, and reports every reply that arrives before the timeout.
func (s *Scanner) Scan(ctx context.Context, sources ...netip.Addr) error {
	packet, err := DiscoverProbe().MarshalBinary()
	if err != nil {
		return err
	}

	return s.run(ctx, func(ctx context.Context, sc *scan) error {
		if len(sources) == 0 {
			return sc.send(ctx, sc.conn, packet, sc.broadcast())
		}
		for _, src := range sources {
			if err := sc.sendFrom(ctx, src, packet); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query sends a single version query to one device and reports the replies.
func (s *Scanner) Query(ctx context.Context, target netip.Addr, mac net.HardwareAddr) error {
	packet, err := VersionProbe(mac).MarshalBinary()
	if err != nil {
		return err
	}

	return s.run(ctx, func(ctx context.Context, sc *scan) error {
		sc.queried[mac.String()] = struct{}{}
		return sc.send(ctx, sc.conn, packet, sc.device(target))
	})
}

// Search runs a scan and returns the devices that decoded successfully.
func (s *Scanner) Search(ctx context.Context, sources ...netip.Addr) ([]Device, error) {
	var devices []Device

	search := *s
	search.Reporter = ReporterFunc(func(ctx context.Context, reply Reply) {
		if reply.Err == nil {
			devices = append(devices, reply.Device)
		}
		if s.Reporter != nil {
			s.Reporter.Report(ctx, reply)
		}
	})

	err := search.Scan(ctx, sources...)
	return devices, err
}

type scan struct {
	Scanner
	conn    Conn
	queried map[string]struct{}
}

func (s *Scanner) run(ctx context.Context, probe func(context.Context, *scan) error) error {
	cfg := s.withDefaults()
	ctx = slogctx.Append(ctx, "scan", xid.New().String())

	listenAddr := netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(cfg.MasterPort))
	conn, err := cfg.listen(ctx, listenAddr)
	if err != nil {
		return &SocketError{Op: "bind " + listenAddr.String(), Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(cfg.Timeout)

	sc := &scan{Scanner: cfg, conn: conn, queried: map[string]struct{}{}}
	if err := probe(ctx, sc); err != nil {
		return err
	}

	return sc.poll(ctx, deadline)
}

func (sc *scan) broadcast() *net.UDPAddr {
	return sc.device(sc.Broadcast)
}

func (sc *scan) device(addr netip.Addr) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(sc.DevicePort)))
}

func (sc *scan) send(ctx context.Context, conn Conn, packet []byte, to *net.UDPAddr) error {
	n, err := conn.WriteTo(packet, to)
	if err != nil {
		return &SocketError{Op: "send to " + to.String(), Err: err}
	}
	sc.Logger.InfoContext(ctx, "Sent probe", "to", to.String(), "bytes", n, "packet", hex.EncodeToString(packet))
	return nil
}

// sendFrom sends from a short lived socket bound to src so the probe leaves the matching interface.
// It is closed straight away so replies land on the wildcard receive socket.
func (sc *scan) sendFrom(ctx context.Context, src netip.Addr, packet []byte) error {
	bindAddr := netip.AddrPortFrom(src, uint16(sc.MasterPort))
	conn, err := sc.listen(ctx, bindAddr)
	if err != nil {
		return &SocketError{Op: "bind " + bindAddr.String(), Err: err}
	}
	defer conn.Close()

	return sc.send(slogctx.Append(ctx, "source", src.String()), conn, packet, sc.broadcast())
}

// poll reads until the absolute deadline. Each read waits only for the time left in the window.
func (sc *scan) poll(ctx context.Context, deadline time.Time) error {
	buffer := make([]byte, readBufferSize)

	for {
		end := deadline
		if d, ok := ctx.Deadline(); ok && d.Before(end) {
			end = d
		}
		if ctx.Err() != nil || !time.Now().Before(end) {
			return nil
		}

		if err := sc.conn.SetReadDeadline(end); err != nil {
			return &SocketError{Op: "set read deadline", Err: err}
		}

		n, from, err := sc.conn.ReadFrom(buffer)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return &SocketError{Op: "receive", Err: err}
		}

		if n == 0 {
			sc.Logger.WarnContext(ctx, "Empty datagram on receive socket", "from", from)
			continue
		}

		if err := sc.handle(ctx, addrPort(from), bytes.Clone(buffer[:n])); err != nil {
			return err
		}
	}
}

func (sc *scan) handle(ctx context.Context, from netip.AddrPort, data []byte) error {
	ctx = slogctx.Append(ctx, "from", from.String())
	sc.Logger.DebugContext(ctx, "Received reply", "packet", hex.EncodeToString(data))

	dev, err := DecodeReply(data)
	if err != nil {
		sc.Logger.WarnContext(ctx, "Failed to decode reply", "error", err, "bytes", len(data))
		sc.Reporter.Report(ctx, Reply{From: from, Err: err, Raw: data})
		return nil
	}

	sc.Reporter.Report(ctx, Reply{From: from, Device: dev, Raw: data})

	if !sc.QueryVersions || dev.Command == ResponseVersion || !from.IsValid() {
		return nil
	}

	key := dev.MAC.String()
	if _, ok := sc.queried[key]; ok {
		return nil
	}
	sc.queried[key] = struct{}{}

	packet, err := VersionProbe(dev.MAC).MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "building version query")
	}
	return sc.send(ctx, sc.conn, packet, sc.device(from.Addr()))
}

func addrPort(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok && ua != nil {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func listenUDP(ctx context.Context, addr netip.AddrPort) (Conn, error) {
	lc := net.ListenConfig{Control: controlSocket}
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	return pc, nil
}
