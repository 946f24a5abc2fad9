package engine

import (
	"log/slog"
	"math/rand"
	"net"
)

// IPv6 source-address rotation. Binding outbound requests to different
// global IPv6 addresses lowers the chance that the upstream rate-limits
// or blocks the whole host. Only globally routable addresses qualify:
// loopback, link-local (fe80::/10) and ULA (fc00::/7) addresses never
// reach the public internet and add no diversity.

// AddressSelection is the result of one pool pick.
type AddressSelection struct {
	Address        string `json:"address,omitempty"`
	AvailableCount int    `json:"availableCount"`
	Rotated        bool   `json:"isRotated"`
}

// InterfaceSource enumerates candidate addresses bound to the host's
// non-loopback interfaces. Injectable for tests.
type InterfaceSource func() ([]net.Addr, error)

// AddressPool selects global IPv6 addresses for outbound binding.
type AddressPool struct {
	source InterfaceSource
}

// NewAddressPool returns a pool backed by the host's real interfaces.
func NewAddressPool() *AddressPool {
	return &AddressPool{source: systemInterfaceAddrs}
}

// GlobalAddresses returns all globally routable IPv6 addresses, in
// enumeration order. Enumeration failure yields an empty list.
func (p *AddressPool) GlobalAddresses() []string {
	addrs, err := p.source()
	if err != nil {
		slog.Debug("addrpool: enumeration failed", slog.Any("error", err))
		return nil
	}
	var out []string
	for _, a := range addrs {
		ip := ipFromAddr(a)
		if ip == nil || !isGlobalIPv6(ip) {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}

// SelectRandom picks one address uniformly at random, "" when the pool
// is empty. Each call is independent; repeats are allowed.
func (p *AddressPool) SelectRandom() string {
	addrs := p.GlobalAddresses()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[rand.Intn(len(addrs))] //nolint:gosec // non-cryptographic use
}

// SelectWithMetadata picks an address and reports pool size and whether
// repeated calls can actually diversify the source address.
func (p *AddressPool) SelectWithMetadata() AddressSelection {
	addrs := p.GlobalAddresses()
	if len(addrs) == 0 {
		recordAddressSelection(false)
		return AddressSelection{}
	}
	recordAddressSelection(true)
	return AddressSelection{
		Address:        addrs[rand.Intn(len(addrs))], //nolint:gosec // non-cryptographic use
		AvailableCount: len(addrs),
		Rotated:        len(addrs) > 1,
	}
}

// RotationAvailable reports whether per-request rotation is worthwhile:
// true iff more than one eligible address exists.
func (p *AddressPool) RotationAvailable() bool {
	return len(p.GlobalAddresses()) > 1
}

// systemInterfaceAddrs enumerates addresses on up, non-loopback
// interfaces.
func systemInterfaceAddrs() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Addr
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func ipFromAddr(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// isGlobalIPv6 reports whether ip is an IPv6 address routable to the
// public internet.
func isGlobalIPv6(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return false
	}
	if ip16[0]&0xfe == 0xfc { // fc00::/7 unique local
		return false
	}
	return true
}
