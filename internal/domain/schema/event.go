// Package schema defines the canonical lifecycle event published for trade transitions.
package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// EventType identifies the logical channel a lifecycle event is published on.
type EventType string

const (
	// EventTypeTradeCreated carries first-seen trade activity (CREATE actions).
	EventTypeTradeCreated EventType = "trade.created"
	// EventTypeTradeLifecycle carries every subsequent transition (UPDATE, EXPIRE).
	EventTypeTradeLifecycle EventType = "trade.lifecycle"
)

// TradePayload is the flat wire representation of a trade transition. Dates and
// timestamps travel in text form so downstream consumers need no schema registry.
type TradePayload struct {
	TradeID        string `json:"tradeId"`
	Version        int    `json:"version"`
	CounterPartyID string `json:"counterPartyId"`
	BookID         string `json:"bookId"`
	MaturityDate   string `json:"maturityDate"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	Expired        bool   `json:"expired"`
	Timestamp      string `json:"timestamp"`
}

// Event is the envelope delivered to bus subscribers, keyed by trade id.
type Event struct {
	EventID string       `json:"eventId"`
	Type    EventType    `json:"type"`
	Key     string       `json:"key"`
	Payload TradePayload `json:"payload"`
	EmitTS  time.Time    `json:"emitTs"`
}

// ChannelFor maps a lifecycle action to its publication channel: CREATE goes to
// the created stream, everything else to the lifecycle stream.
func ChannelFor(action tradestore.Action) EventType {
	if action == tradestore.ActionCreate {
		return EventTypeTradeCreated
	}
	return EventTypeTradeLifecycle
}

// NewTradeEvent builds the event for a post-write trade snapshot and action.
func NewTradeEvent(trade tradestore.Trade, action tradestore.Action, at time.Time) *Event {
	return &Event{
		EventID: uuid.NewString(),
		Type:    ChannelFor(action),
		Key:     trade.TradeID,
		Payload: TradePayload{
			TradeID:        trade.TradeID,
			Version:        trade.Version,
			CounterPartyID: trade.CounterPartyID,
			BookID:         trade.BookID,
			MaturityDate:   trade.MaturityDate.Format(time.DateOnly),
			Status:         string(trade.Status),
			Action:         string(action),
			Expired:        trade.Expired,
			Timestamp:      at.UTC().Format(time.RFC3339Nano),
		},
		EmitTS: at,
	}
}
