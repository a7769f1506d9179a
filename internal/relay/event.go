package relay

import (
	"context"
	"time"
)

// Event is one change notification received from the source store.
// Events carry no identity beyond channel+payload: duplicates and gaps
// are both possible and accepted.
type Event struct {
	// Channel names the category of change (e.g. "scoreboard_change").
	Channel string
	// Payload is the raw notification body, JSON in practice.
	Payload []byte
	// ObservedAt is when this process received the notification.
	ObservedAt time.Time
}

// Handler consumes one event. Handlers must not retain the event's
// payload slice past the call.
type Handler func(ctx context.Context, ev Event)

// Channels is the fixed set of notification channels the system relays.
// The relay process and every worker must agree on this set; adding a
// channel is a deploy, there is no dynamic channel discovery.
var Channels = []string{
	"matchdata_change",
	"match_change",
	"scoreboard_change",
	"playclock_change",
	"gameclock_change",
	"football_event_change",
	"player_match_change",
}

// KnownChannel reports whether name is part of the relayed channel set.
func KnownChannel(name string) bool {
	for _, ch := range Channels {
		if ch == name {
			return true
		}
	}
	return false
}
