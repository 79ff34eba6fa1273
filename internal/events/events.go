package events

import "context"

// Stream every trade transition is published on.
const StreamTrade = "events:trade"

// Event types
const (
	EventTradeUpdate = "trade_update"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
