// Package broadcast implements the session's typed publish/subscribe
// hub: producers push typed state-change payloads, consumers register
// per-type handlers and receive them synchronously at publish time.
package broadcast

import "github.com/netfabriclabs/netem-core/core"

// Type enumerates the payload categories handlers can subscribe to.
type Type int

const (
	TypeNode Type = iota
	TypeLink
	TypeSession
	TypeAlert
)

// String returns a short label for the payload type.
func (t Type) String() string {
	switch t {
	case TypeNode:
		return "node"
	case TypeLink:
		return "link"
	case TypeSession:
		return "session"
	case TypeAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// MessageType is the kind of change a node or link payload describes.
type MessageType int32

const (
	MessageAdd    MessageType = 1
	MessageModify MessageType = 2
	MessageDelete MessageType = 3
)

// SessionEventType enumerates session-scoped event kinds. The first six
// values mirror the session lifecycle states.
type SessionEventType int32

const (
	EventDefinition    SessionEventType = 1
	EventConfiguration SessionEventType = 2
	EventInstantiation SessionEventType = 3
	EventRuntime       SessionEventType = 4
	EventDataCollect   SessionEventType = 5
	EventShutdown      SessionEventType = 6
	EventStart         SessionEventType = 7
	EventStop          SessionEventType = 8
	EventPause         SessionEventType = 9
	EventRestart       SessionEventType = 10
)

// AlertLevel is the severity of an alert payload.
type AlertLevel int32

const (
	AlertDefault AlertLevel = 0
	AlertFatal   AlertLevel = 1
	AlertError   AlertLevel = 2
	AlertWarning AlertLevel = 3
	AlertNotice  AlertLevel = 4
)

// String returns the conventional label for the level.
func (l AlertLevel) String() string {
	switch l {
	case AlertFatal:
		return "fatal"
	case AlertError:
		return "error"
	case AlertWarning:
		return "warning"
	case AlertNotice:
		return "notice"
	default:
		return "default"
	}
}

// Data is the closed set of broadcast payloads. Payloads carry deep
// copies of mutated entities, never aliases of live storage, so a
// consumer can never observe a half-updated node or link.
type Data interface {
	// BroadcastType routes the payload to the matching handler list.
	BroadcastType() Type
}

// NodeData announces a node add/modify/delete with a full snapshot.
type NodeData struct {
	Message MessageType
	Node    core.Node
	Source  string
}

func (NodeData) BroadcastType() Type { return TypeNode }

// LinkData announces a link add/modify/delete together with the full
// endpoint interface state at the time of the change, so observers see
// assigned interface IDs and addresses.
type LinkData struct {
	Message MessageType
	Link    core.Link
	Iface1  *core.Interface
	Iface2  *core.Interface
	Source  string
}

func (LinkData) BroadcastType() Type { return TypeLink }

// SessionData announces session lifecycle and scheduled events. Node is
// 0 for session-scoped events. Time is floating-point seconds since the
// Unix epoch, when meaningful.
type SessionData struct {
	Node  int32
	Event SessionEventType
	Name  string
	Data  string
	Time  float64
}

func (SessionData) BroadcastType() Type { return TypeSession }

// AlertData carries an exception/alert raised by the session or one of
// its nodes. Node is 0 for session-scoped alerts.
type AlertData struct {
	Node   int32
	Level  AlertLevel
	Source string
	Date   string
	Text   string
	Opaque string
}

func (AlertData) BroadcastType() Type { return TypeAlert }
