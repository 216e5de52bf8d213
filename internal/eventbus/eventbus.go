// Package eventbus defines the records a per-camera supervisor emits and
// the bridge orchestrator fans into the MQTT publisher. Keeping these
// types in their own package avoids an import cycle between supervisor
// and bridge.
package eventbus

import (
	"time"

	"github.com/sua-org/hik2mqtt/internal/catalog"
)

// Record is the common envelope for everything a supervisor emits.
// Exactly one of the Discovery/State/Availability fields is set.
type Record struct {
	CameraID     string
	Discovery    *DiscoveryRequest
	State        *StateUpdate
	Availability *AvailabilityUpdate
}

// DiscoveryRequest announces a newly observed event type that needs a
// Home Assistant discovery message before any state for it is published.
type DiscoveryRequest struct {
	Entry catalog.EventType
}

// StateUpdate is an ON/OFF transition for one (camera, channel, event_type).
type StateUpdate struct {
	ChannelID int
	EventType string
	On        bool
	Timestamp time.Time
}

// AvailabilityUpdate announces a camera's online/offline transition.
type AvailabilityUpdate struct {
	Online bool
}

// NewDiscovery builds a Record carrying a DiscoveryRequest.
func NewDiscovery(cameraID string, entry catalog.EventType) Record {
	return Record{CameraID: cameraID, Discovery: &DiscoveryRequest{Entry: entry}}
}

// NewState builds a Record carrying a StateUpdate.
func NewState(cameraID string, channelID int, eventType string, on bool, ts time.Time) Record {
	return Record{CameraID: cameraID, State: &StateUpdate{
		ChannelID: channelID,
		EventType: eventType,
		On:        on,
		Timestamp: ts,
	}}
}

// NewAvailability builds a Record carrying an AvailabilityUpdate.
func NewAvailability(cameraID string, online bool) Record {
	return Record{CameraID: cameraID, Availability: &AvailabilityUpdate{Online: online}}
}
