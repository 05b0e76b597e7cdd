// Package stream converts a session's internal broadcast traffic into a
// single ordered, filterable feed of outward events for one consumer.
package stream

import (
	"fmt"
	"strings"

	"github.com/netfabriclabs/netem-core/core"
	"github.com/netfabriclabs/netem-core/internal/broadcast"
)

// EventType selects which broadcast categories a streamer subscribes to.
type EventType int32

const (
	EventNode EventType = iota
	EventLink
	EventSession
	EventAlert
)

func (t EventType) String() string {
	switch t {
	case EventNode:
		return "node"
	case EventLink:
		return "link"
	case EventSession:
		return "session"
	case EventAlert:
		return "alert"
	default:
		return fmt.Sprintf("EventType(%d)", int32(t))
	}
}

// ParseEventType parses the wire name of an event type.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "node":
		return EventNode, nil
	case "link":
		return EventLink, nil
	case "session":
		return EventSession, nil
	case "alert":
		return EventAlert, nil
	default:
		return 0, fmt.Errorf("%w: unknown event type %q", core.ErrBadInput, s)
	}
}

// AllEventTypes lists every subscribable category.
func AllEventTypes() []EventType {
	return []EventType{EventNode, EventLink, EventSession, EventAlert}
}

func (t EventType) broadcastType() broadcast.Type {
	switch t {
	case EventNode:
		return broadcast.TypeNode
	case EventLink:
		return broadcast.TypeLink
	case EventSession:
		return broadcast.TypeSession
	default:
		return broadcast.TypeAlert
	}
}

// Event is the tagged union handed to stream consumers. Exactly one of
// the payload fields is set, and every event is stamped with the
// session it originated from.
type Event struct {
	SessionID int32 `json:"session_id"`

	Node    *NodeEvent    `json:"node,omitempty"`
	Link    *LinkEvent    `json:"link,omitempty"`
	Session *SessionEvent `json:"session,omitempty"`
	Alert   *AlertEvent   `json:"alert,omitempty"`
}

// NodeEvent reports a node added, changed, or removed.
type NodeEvent struct {
	Message broadcast.MessageType `json:"message"`
	Node    core.Node             `json:"node"`
	Source  string                `json:"source,omitempty"`
}

// LinkEvent reports a link added, changed, or removed, along with the
// endpoint interfaces when the change created or destroyed them.
type LinkEvent struct {
	Message broadcast.MessageType `json:"message"`
	Link    core.Link             `json:"link"`
	Iface1  *core.Interface       `json:"iface1,omitempty"`
	Iface2  *core.Interface       `json:"iface2,omitempty"`
	Source  string                `json:"source,omitempty"`
}

// SessionEvent reports a lifecycle transition or a session-scoped event
// like mobility start/stop.
type SessionEvent struct {
	Node  int32                      `json:"node,omitempty"`
	Event broadcast.SessionEventType `json:"event"`
	Name  string                     `json:"name,omitempty"`
	Data  string                     `json:"data,omitempty"`
	Time  float64                    `json:"time"`
}

// AlertEvent reports an alert raised by the session or one of its nodes.
type AlertEvent struct {
	Node   int32                `json:"node,omitempty"`
	Level  broadcast.AlertLevel `json:"level"`
	Source string               `json:"source,omitempty"`
	Date   string               `json:"date"`
	Text   string               `json:"text"`
	Opaque string               `json:"opaque,omitempty"`
}
