// Package netif picks the local addresses discovery probes are sent from.
package netif

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Source is an IPv4 address on a broadcast capable interface.
type Source struct {
	Interface string
	Addr      netip.Addr
	Prefix    netip.Prefix
}

var ErrNoSources = errors.New("no broadcast capable IPv4 interfaces")

// Sources returns the IPv4 addresses of interfaces that are up, not loopback and broadcast capable.
// When names are given only those interfaces are considered, and each must exist.
func Sources(names ...string) ([]Source, error) {
	var interfaces []net.Interface

	if len(names) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, errors.Wrap(err, "listing interfaces")
		}
		interfaces = all
	} else {
		for _, name := range names {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return nil, errors.Wrapf(err, "interface %s", name)
			}
			interfaces = append(interfaces, *iface)
		}
	}

	var sources []Source
	for _, iface := range interfaces {
		if !usable(iface.Flags) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		sources = append(sources, fromAddrs(iface.Name, addrs)...)
	}

	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	return sources, nil
}

func usable(flags net.Flags) bool {
	// Skip loopback and down interfaces
	if flags&net.FlagLoopback != 0 || flags&net.FlagUp == 0 {
		return false
	}
	return flags&net.FlagBroadcast != 0
}

func fromAddrs(name string, addrs []net.Addr) []Source {
	var sources []Source
	seen := make(map[netip.Addr]struct{})

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		// Only process IPv4 addresses
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}

		ip := netip.AddrFrom4([4]byte(ip4))
		if _, exists := seen[ip]; exists {
			continue
		}
		seen[ip] = struct{}{}

		ones, _ := ipNet.Mask.Size()
		sources = append(sources, Source{
			Interface: name,
			Addr:      ip,
			Prefix:    netip.PrefixFrom(ip, ones).Masked(),
		})
	}

	return sources
}

// Addrs returns just the addresses, in order.
func Addrs(sources []Source) []netip.Addr {
	out := make([]netip.Addr, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Addr)
	}
	return out
}
