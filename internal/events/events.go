package events

import (
	"time"

	"github.com/google/uuid"
)

// Type 领域事件类型
type Type string

const (
	GridUpdated          Type = "GridUpdated"
	GridPositionOpened   Type = "GridPositionOpened"
	GridPositionClosed   Type = "GridPositionClosed"
	RiskLimitBreached    Type = "RiskLimitBreached"
	EmergencyLiquidation Type = "EmergencyLiquidation"
	OrderRejected        Type = "OrderRejected"
	PartialBracket       Type = "PartialBracket"
	OperatorCommand      Type = "OperatorCommand"
)

// Event is a domain event emitted by the trading core.
type Event struct {
	ID     string                 `json:"id"`
	Type   Type                   `json:"type"`
	Source string                 `json:"source"` // strategy id or "account"
	Symbol string                 `json:"symbol,omitempty"`
	Time   time.Time              `json:"time"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// New builds an event with a fresh id.
func New(t Type, source, symbol string, at time.Time, data map[string]interface{}) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		Source: source,
		Symbol: symbol,
		Time:   at,
		Data:   data,
	}
}
