package models

// EventMarketTick is the event type the publisher tags ticks with.
const EventMarketTick = "market.tick"

// Event is the typed envelope carried by the channel layer. Receivers
// dispatch on Type.
type Event struct {
	Type string `json:"type"`
	Tick *Tick  `json:"tick,omitempty"`
}

func NewTickEvent(t Tick) Event {
	return Event{Type: EventMarketTick, Tick: &t}
}
