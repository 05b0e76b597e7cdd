package core

// NodeType classifies an emulated node. The zero value is a plain
// container-backed host node.
type NodeType int

const (
	NodeDefault NodeType = iota
	NodeSwitch
	NodeHub
	NodeWirelessLAN
	NodeEmane
	NodeRJ45
	NodeTunnel
	NodeDocker
	NodePodman
	NodeWireless
)

// String returns a short lowercase label for the node type.
func (t NodeType) String() string {
	switch t {
	case NodeDefault:
		return "default"
	case NodeSwitch:
		return "switch"
	case NodeHub:
		return "hub"
	case NodeWirelessLAN:
		return "wlan"
	case NodeEmane:
		return "emane"
	case NodeRJ45:
		return "rj45"
	case NodeTunnel:
		return "tunnel"
	case NodeDocker:
		return "docker"
	case NodePodman:
		return "podman"
	case NodeWireless:
		return "wireless"
	default:
		return "unknown"
	}
}

// Position is a planar Cartesian position on the session canvas, in
// canvas units (pixels at scale 1.0). Z is available for layered
// topologies but is usually zero.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Geo is a geographic position in degrees / meters.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Node is an emulated network node. Exactly one of Position/Geo is
// authoritative at any time; the other is derived through the session's
// location reference. GeoAuthoritative records which one was set last.
type Node struct {
	ID   int32    `json:"id"`
	Name string   `json:"name"`
	Type NodeType `json:"type"`
	Icon string   `json:"icon,omitempty"`

	Position         Position `json:"position"`
	Geo              Geo      `json:"geo"`
	GeoAuthoritative bool     `json:"geo_authoritative,omitempty"`

	// Started reports whether the external resource manager has
	// instantiated this node's backing process/container.
	Started bool `json:"started,omitempty"`

	// Opaque per-node configuration blobs owned by the node. Keys are
	// service or model names, values are rendered configuration text.
	ServiceConfigs map[string]string `json:"service_configs,omitempty"`
	ModelConfigs   map[string]string `json:"model_configs,omitempty"`
}

// Clone returns a deep copy of the node, including its config maps.
// Event payloads must carry clones so consumers never observe a
// half-updated node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.ServiceConfigs != nil {
		out.ServiceConfigs = make(map[string]string, len(n.ServiceConfigs))
		for k, v := range n.ServiceConfigs {
			out.ServiceConfigs[k] = v
		}
	}
	if n.ModelConfigs != nil {
		out.ModelConfigs = make(map[string]string, len(n.ModelConfigs))
		for k, v := range n.ModelConfigs {
			out.ModelConfigs[k] = v
		}
	}
	return &out
}

// NodeUpdate is a partial node mutation. Nil fields are left untouched;
// non-nil fields win last-writer-wins per attribute. Config maps are
// merged key by key rather than replaced.
type NodeUpdate struct {
	Name     *string
	Icon     *string
	Type     *NodeType
	Position *Position
	Geo      *Geo

	ServiceConfigs map[string]string
	ModelConfigs   map[string]string
}
