package core

import "net/netip"

// Interface is a node-local network attachment point. Its ID is scoped
// to the owning node: (NodeID, ID) is the global identity.
type Interface struct {
	NodeID int32  `json:"node_id"`
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	MAC    string `json:"mac,omitempty"`
	MTU    int    `json:"mtu,omitempty"`

	// Addrs holds both IPv4 and IPv6 address/prefix pairs.
	Addrs []netip.Prefix `json:"addrs,omitempty"`

	// Control marks control-network interfaces that are invisible to
	// the emulated data plane.
	Control bool `json:"control,omitempty"`

	// AutoCreated records that the interface was allocated implicitly
	// by a link add; such interfaces are torn down when their last link
	// goes away.
	AutoCreated bool `json:"auto_created,omitempty"`
}

// Clone returns a deep copy of the interface.
func (i *Interface) Clone() *Interface {
	if i == nil {
		return nil
	}
	out := *i
	if i.Addrs != nil {
		out.Addrs = make([]netip.Prefix, len(i.Addrs))
		copy(out.Addrs, i.Addrs)
	}
	return &out
}

// InterfaceSpec describes a requested interface in an add-link call.
// ID < 0 requests auto-allocation on the owning node.
type InterfaceSpec struct {
	ID    int32
	Name  string
	MAC   string
	MTU   int
	Addrs []netip.Prefix
}
