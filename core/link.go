package core

// LinkOptions carries per-direction traffic shaping parameters.
type LinkOptions struct {
	// Bandwidth in bits per second; zero means unconstrained.
	Bandwidth int64 `json:"bandwidth,omitempty"`
	// Delay in microseconds.
	Delay int64 `json:"delay,omitempty"`
	// Loss percentage [0,100].
	Loss float64 `json:"loss,omitempty"`
	// Dup is the duplicate-packet percentage [0,100].
	Dup int `json:"dup,omitempty"`
	// Jitter in microseconds.
	Jitter int64 `json:"jitter,omitempty"`
	// Buffer is the queue buffer size in packets.
	Buffer int `json:"buffer,omitempty"`
	// DestMAC pins the far-end MAC for RJ45-style passthrough links.
	DestMAC string `json:"dest_mac,omitempty"`
	// Unidirectional requests asymmetric shaping: the link gains an
	// independently settable reverse-direction options overlay.
	Unidirectional bool `json:"unidirectional,omitempty"`
}

// LinkOptionsPatch is a partial options mutation for edit-link. Nil
// fields are left untouched. Unidirectional is immutable after create
// and deliberately absent here.
type LinkOptionsPatch struct {
	Bandwidth *int64
	Delay     *int64
	Loss      *float64
	Dup       *int
	Jitter    *int64
	Buffer    *int
	DestMAC   *string
}

// Apply merges the patch into o field by field.
func (o *LinkOptions) Apply(p LinkOptionsPatch) {
	if p.Bandwidth != nil {
		o.Bandwidth = *p.Bandwidth
	}
	if p.Delay != nil {
		o.Delay = *p.Delay
	}
	if p.Loss != nil {
		o.Loss = *p.Loss
	}
	if p.Dup != nil {
		o.Dup = *p.Dup
	}
	if p.Jitter != nil {
		o.Jitter = *p.Jitter
	}
	if p.Buffer != nil {
		o.Buffer = *p.Buffer
	}
	if p.DestMAC != nil {
		o.DestMAC = *p.DestMAC
	}
}

// Endpoint identifies one side of a link as a (node, interface) pair.
type Endpoint struct {
	Node  int32 `json:"node"`
	Iface int32 `json:"iface"`
}

// LinkKey is the normalized unordered endpoint pair that identifies a
// link. A is always the lesser endpoint so (a,b) and (b,a) collide.
type LinkKey struct {
	A, B Endpoint
}

func endpointLess(a, b Endpoint) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	return a.Iface < b.Iface
}

// NewLinkKey builds the normalized key for two endpoints.
func NewLinkKey(a, b Endpoint) LinkKey {
	if endpointLess(b, a) {
		a, b = b, a
	}
	return LinkKey{A: a, B: b}
}

// Link connects two interfaces on distinct nodes. Endpoint order
// (Node1/Iface1 vs Node2/Iface2) is the order of the original add-link
// call; Options shape traffic from endpoint 1 towards endpoint 2.
//
// For asymmetric links Reverse holds the independently settable
// reverse-direction overlay. Its lifecycle is strictly bound to the
// primary: it is created with the link and removed with it, and is
// never independently addressable for delete.
type Link struct {
	Node1  int32 `json:"node1"`
	Node2  int32 `json:"node2"`
	Iface1 int32 `json:"iface1"`
	Iface2 int32 `json:"iface2"`

	Options LinkOptions  `json:"options"`
	Reverse *LinkOptions `json:"reverse,omitempty"`
}

// Key returns the normalized unordered identity of the link.
func (l *Link) Key() LinkKey {
	return NewLinkKey(
		Endpoint{Node: l.Node1, Iface: l.Iface1},
		Endpoint{Node: l.Node2, Iface: l.Iface2},
	)
}

// Touches reports whether either endpoint belongs to nodeID.
func (l *Link) Touches(nodeID int32) bool {
	return l.Node1 == nodeID || l.Node2 == nodeID
}

// Clone returns a deep copy of the link.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	out := *l
	if l.Reverse != nil {
		rev := *l.Reverse
		out.Reverse = &rev
	}
	return &out
}
