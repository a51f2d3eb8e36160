package discovery

import (
	"errors"
	"net"
)

// ErrNoAddress indicates no usable local IPv4 address was found.
var ErrNoAddress = errors.New("discovery: no usable local address")

type interfacesFunc func() ([]net.Interface, error)
type addrsFunc func(iface net.Interface) ([]net.Addr, error)

// InterfaceResolver picks the address advertised in pairing codes.
type InterfaceResolver struct {
	// Override, when set, is returned verbatim instead of scanning interfaces.
	Override string

	interfaces interfacesFunc
	addrs      addrsFunc
}

// NewInterfaceResolver returns a resolver over the host network interfaces.
func NewInterfaceResolver(override string) *InterfaceResolver {
	return &InterfaceResolver{Override: override}
}

// LocalAddress returns the first IPv4 address of an up, non-loopback interface.
func (r *InterfaceResolver) LocalAddress() (string, error) {
	if r.Override != "" {
		return r.Override, nil
	}

	listInterfaces := r.interfaces
	if listInterfaces == nil {
		listInterfaces = net.Interfaces
	}
	listAddrs := r.addrs
	if listAddrs == nil {
		listAddrs = func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	}

	ifaces, err := listInterfaces()
	if err != nil {
		return "", errors.Join(ErrNoAddress, err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := listAddrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := ipv4FromAddr(addr); ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				return ip.String(), nil
			}
		}
	}

	return "", ErrNoAddress
}

func ipv4FromAddr(addr net.Addr) net.IP {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return nil
	}
	return ip.To4()
}
