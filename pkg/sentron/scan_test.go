package sentron

import (
	"context"
	"net"
	"net/netip"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagram struct {
	from *net.UDPAddr
	data []byte
}

type sentPacket struct {
	to   string
	data []byte
}

// fakeConn hands out queued datagrams and otherwise blocks until the read deadline.
type fakeConn struct {
	addr     netip.AddrPort
	inbox    []datagram
	sent     []sentPacket
	deadline time.Time
	closed   bool
	readErr  error
	onWrite  func(c *fakeConn, p []byte, to net.Addr)
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if c.closed {
		return 0, nil, net.ErrClosed
	}
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	if len(c.inbox) > 0 {
		d := c.inbox[0]
		c.inbox = c.inbox[1:]
		return copy(p, d.data), d.from, nil
	}
	time.Sleep(time.Until(c.deadline))
	return 0, nil, os.ErrDeadlineExceeded
}

func (c *fakeConn) WriteTo(p []byte, to net.Addr) (int, error) {
	c.sent = append(c.sent, sentPacket{to: to.String(), data: append([]byte(nil), p...)})
	if c.onWrite != nil {
		c.onWrite(c, p, to)
	}
	return len(p), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeNetwork records every socket the scanner binds.
type fakeNetwork struct {
	conns []*fakeConn
	err   error
}

func (n *fakeNetwork) listen(_ context.Context, addr netip.AddrPort) (Conn, error) {
	if n.err != nil {
		return nil, n.err
	}
	c := &fakeConn{addr: addr}
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNetwork) receiver() *fakeConn { return n.conns[0] }

type collector struct {
	replies []Reply
}

func (c *collector) Report(_ context.Context, reply Reply) {
	c.replies = append(c.replies, reply)
}

func newTestScanner(network *fakeNetwork, reporter Reporter) *Scanner {
	s := NewScanner(nil, reporter)
	s.Timeout = 100 * time.Millisecond
	s.listen = network.listen
	return s
}

var deviceAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 255, 40), Port: DevicePort}

func TestScanWithoutRepliesReturnsAfterTimeout(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	s := newTestScanner(network, nil)

	start := time.Now()
	err := s.Scan(context.Background())
	elapsed := time.Since(start)

	a.NoError(err)
	a.GreaterOrEqual(elapsed, s.Timeout)
	a.Less(elapsed, 2*s.Timeout)

	require.Len(t, network.conns, 1)
	rx := network.receiver()
	a.Equal("0.0.0.0:17009", rx.addr.String())
	a.True(rx.closed)
	a.Equal([]sentPacket{{to: "255.255.255.255:17008", data: mustDecode("3101ffffffffffff")}}, rx.sent)
}

func TestScanReportsRepliesAndSkipsBadOnes(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	reports := &collector{}
	s := newTestScanner(network, reports)

	legacy := legacyFrame{Command: 0x9999, IP: [4]byte{10, 0, 0, 7}}
	copy(legacy.MAC[:], testMAC)

	s.listen = func(ctx context.Context, addr netip.AddrPort) (Conn, error) {
		c, err := network.listen(ctx, addr)
		c.(*fakeConn).inbox = []datagram{
			{from: deviceAddr, data: mustDecode("3211001b")},
			{from: deviceAddr, data: marshalFrame(t, newIdentityFrame("PAC4200", "Plant"))},
			{from: deviceAddr, data: marshalFrame(t, legacy)},
		}
		return c, err
	}

	err := s.Scan(context.Background())
	a.NoError(err)

	require.Len(t, reports.replies, 3)
	a.ErrorIs(reports.replies[0].Err, ErrTooShort)
	a.Equal(mustDecode("3211001b"), reports.replies[0].Raw)

	a.NoError(reports.replies[1].Err)
	a.Equal("PAC4200", reports.replies[1].Device.Product)
	a.Equal(netip.MustParseAddrPort("192.168.255.40:17008"), reports.replies[1].From)

	a.NoError(reports.replies[2].Err)
	a.Equal(LayoutLegacy, reports.replies[2].Device.Layout)
	a.Equal("10.0.0.7", reports.replies[2].Device.IP.String())
}

func TestScanQueriesVersions(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	reports := &collector{}
	s := newTestScanner(network, reports)
	s.QueryVersions = true

	identity := marshalFrame(t, newIdentityFrame("PAC4200", "Plant"))
	version := marshalFrame(t, newVersionFrame("PAC4200", "Plant"))

	s.listen = func(ctx context.Context, addr netip.AddrPort) (Conn, error) {
		c, err := network.listen(ctx, addr)
		c.(*fakeConn).onWrite = func(c *fakeConn, p []byte, to net.Addr) {
			probe, err := DecodeProbe(p)
			if err != nil {
				return
			}
			switch probe.Command {
			case CommandDiscover:
				// Same device answering twice, e.g. through two interfaces.
				c.inbox = append(c.inbox, datagram{deviceAddr, identity}, datagram{deviceAddr, identity})
			case CommandQueryVersion:
				c.inbox = append(c.inbox, datagram{deviceAddr, version})
			}
		}
		return c, err
	}

	err := s.Scan(context.Background())
	a.NoError(err)

	a.Equal([]sentPacket{
		{to: "255.255.255.255:17008", data: mustDecode("3101ffffffffffff")},
		{to: "192.168.255.40:17008", data: mustDecode("3501001b1b4a5c01")},
	}, network.receiver().sent)

	require.Len(t, reports.replies, 3)
	a.Equal(LayoutIdentity, reports.replies[0].Device.Layout)
	a.Equal(LayoutIdentity, reports.replies[1].Device.Layout)
	a.Equal(LayoutVersion, reports.replies[2].Device.Layout)
	a.Equal("V2.4.1", reports.replies[2].Device.SoftwareVersion.String())
}

func TestScanSendsFromEachSource(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	s := newTestScanner(network, nil)

	sources := []netip.Addr{netip.MustParseAddr("192.168.255.124"), netip.MustParseAddr("10.1.1.5")}
	a.NoError(s.Scan(context.Background(), sources...))

	require.Len(t, network.conns, 3)
	a.Empty(network.receiver().sent)

	for i, src := range sources {
		c := network.conns[i+1]
		a.Equal(netip.AddrPortFrom(src, MasterPort), c.addr)
		a.True(c.closed)
		a.Equal([]sentPacket{{to: "255.255.255.255:17008", data: mustDecode("3101ffffffffffff")}}, c.sent)
	}
}

func TestScanBindFailure(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{err: syscall.EADDRINUSE}
	s := newTestScanner(network, nil)

	start := time.Now()
	err := s.Scan(context.Background())
	a.Less(time.Since(start), s.Timeout)

	var sockErr *SocketError
	a.True(errors.As(err, &sockErr))
	a.ErrorIs(err, syscall.EADDRINUSE)
}

func TestScanReceiveFailureClosesSocket(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	s := newTestScanner(network, nil)
	s.listen = func(ctx context.Context, addr netip.AddrPort) (Conn, error) {
		c, err := network.listen(ctx, addr)
		c.(*fakeConn).readErr = syscall.ECONNREFUSED
		return c, err
	}

	err := s.Scan(context.Background())

	var sockErr *SocketError
	a.True(errors.As(err, &sockErr))
	a.Equal("receive", sockErr.Op)
	a.ErrorIs(err, syscall.ECONNREFUSED)
	a.True(network.receiver().closed)
}

func TestScanStopsAtContextDeadline(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	s := newTestScanner(network, nil)
	s.Timeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	a.NoError(s.Scan(ctx))
	a.Less(time.Since(start), time.Second)
}

func TestQuery(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	reports := &collector{}
	s := newTestScanner(network, reports)
	s.QueryVersions = true

	version := marshalFrame(t, newVersionFrame("PAC3200", ""))
	s.listen = func(ctx context.Context, addr netip.AddrPort) (Conn, error) {
		c, err := network.listen(ctx, addr)
		c.(*fakeConn).onWrite = func(c *fakeConn, p []byte, to net.Addr) {
			c.inbox = append(c.inbox, datagram{deviceAddr, version})
		}
		return c, err
	}

	err := s.Query(context.Background(), netip.MustParseAddr("192.168.255.40"), testMAC)
	a.NoError(err)

	a.Equal([]sentPacket{{to: "192.168.255.40:17008", data: mustDecode("3501001b1b4a5c01")}}, network.receiver().sent)
	require.Len(t, reports.replies, 1)
	a.Equal("PAC3200", reports.replies[0].Device.Product)
}

func TestQueryInvalidMAC(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	s := newTestScanner(network, nil)

	err := s.Query(context.Background(), netip.MustParseAddr("192.168.255.40"), net.HardwareAddr{1, 2, 3})
	a.ErrorIs(err, ErrInvalidMAC)
	a.Empty(network.conns)
}

func TestSearch(t *testing.T) {
	a := assert.New(t)

	network := &fakeNetwork{}
	reports := &collector{}
	s := newTestScanner(network, reports)
	s.listen = func(ctx context.Context, addr netip.AddrPort) (Conn, error) {
		c, err := network.listen(ctx, addr)
		c.(*fakeConn).inbox = []datagram{
			{from: deviceAddr, data: []byte{0x32}},
			{from: deviceAddr, data: marshalFrame(t, newIdentityFrame("PAC4200", ""))},
		}
		return c, err
	}

	devices, err := s.Search(context.Background())
	a.NoError(err)
	require.Len(t, devices, 1)
	a.Equal("PAC4200", devices[0].Product)
	a.Len(reports.replies, 2)
}

// TestScanLoopback runs a real scan against a fake device on the loopback interface.
func TestScanLoopback(t *testing.T) {
	a := assert.New(t)

	device, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("loopback UDP unavailable: %v", err)
	}
	defer device.Close()

	masterPort := freeUDPPort(t)
	reply := marshalFrame(t, newIdentityFrame("PAC4200", "Loopback"))

	go func() {
		buffer := make([]byte, readBufferSize)
		device.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, from, err := device.ReadFromUDP(buffer)
		if err != nil || n != probeSize {
			return
		}
		device.WriteToUDP(reply, from)
	}()

	s := NewScanner(nil, nil)
	s.Timeout = 500 * time.Millisecond
	s.MasterPort = masterPort
	s.DevicePort = device.LocalAddr().(*net.UDPAddr).Port
	s.Broadcast = netip.MustParseAddr("127.0.0.1")

	devices, err := s.Search(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	a.Equal("Loopback", devices[0].PlantID)
	a.Equal(testMAC, devices[0].MAC)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port
}
