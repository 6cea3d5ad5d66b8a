package devices

import (
	"github.com/bilbercode/hsec-client/internal/hub"
)

type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeCameraAdded
	EventTypeCameraRemoved
)

func (t EventType) String() string {
	switch t {
	case EventTypeCameraAdded:
		return "added"
	case EventTypeCameraRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Type   EventType
	Camera *hub.Camera
}
