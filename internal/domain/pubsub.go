package domain

import (
	"context"
	"encoding/json"
)

// RoomAll addresses every connection on every instance.
const RoomAll = "*"

const (
	EventStockUpdate  = "stock:update"
	EventNotification = "notification"
	EventUserOnline   = "user:online"
	EventUserOffline  = "user:offline"
)

// Broadcast is the envelope replicated across instances by the Bus.
type Broadcast struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewBroadcast encodes data into a Broadcast for the given room.
func NewBroadcast(room, event string, data any) (Broadcast, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Broadcast{}, err
	}
	return Broadcast{Room: room, Event: event, Data: raw}, nil
}

// Bus replicates broadcasts to every instance, including the publishing one.
type Bus interface {
	Publish(ctx context.Context, b Broadcast) error
	Subscribe(ctx context.Context) (<-chan Broadcast, func(), error)
}

func StockRoom(symbol string) string { return "stock:" + symbol }
func UserRoom(userID string) string  { return "user:" + userID }
