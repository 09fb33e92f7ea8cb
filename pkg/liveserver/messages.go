package liveserver

import "execution_core/internal/core"

// Message is one websocket frame
type Message struct {
	Type     string      `json:"type"`
	Sequence uint64      `json:"sequence,omitempty"`
	Data     interface{} `json:"data"`
}

// Message types
const (
	TypeAudit        = "audit"
	TypeTradingState = "trading_state"
	TypeReplayDone   = "replay_done"
)

// NewAuditMessage wraps a committed audit record
func NewAuditMessage(rec core.AuditRecord) Message {
	return Message{Type: TypeAudit, Sequence: rec.Sequence, Data: rec}
}

// NewStateMessage wraps a trading state transition
func NewStateMessage(t core.StateTransition) Message {
	return Message{Type: TypeTradingState, Data: t}
}
