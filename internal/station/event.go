package station

import (
	"time"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/protocol"
)

// EventKind names a registry change published to watchers.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventRemoved  EventKind = "removed"
	EventState    EventKind = "state"
	EventFixation EventKind = "fixation"
	EventIcon     EventKind = "icon"
)

// Event is one registry change as seen by the display side.
type Event struct {
	Kind     EventKind          `json:"kind"`
	ID       uint64             `json:"id"`
	At       time.Time          `json:"at"`
	Info     *connection.Info   `json:"info,omitempty"`
	Fixation *protocol.Fixation `json:"fixation,omitempty"`
	Width    int32              `json:"width,omitempty"`
	Height   int32              `json:"height,omitempty"`
}
