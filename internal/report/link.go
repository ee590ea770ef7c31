package report

import (
	"net"
)

// Link reports whether the network path to the collector is usable.
type Link interface {
	Up() bool
}

// InterfaceLink considers the link up when the named interface is up and
// has at least one address. An empty name means any route is acceptable.
type InterfaceLink struct {
	Name string
}

// Up implements Link.
func (l InterfaceLink) Up() bool {
	if l.Name == "" {
		return true
	}
	iface, err := net.InterfaceByName(l.Name)
	if err != nil || iface.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := iface.Addrs()
	return err == nil && len(addrs) > 0
}
