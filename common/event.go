package common

import (
	"encoding/json"
	"fmt"
)

// CloudEvent is an already-encoded, immutable event record delivered to
// subscribing connections. The JSON field carries the pre-serialized payload,
// which is passed through to clients verbatim.
type CloudEvent struct {
	// ID uniquely identifies the event
	ID string `json:"id" validate:"required"`
	// Type is the event type, matched against subscription selectors
	Type string `json:"type" validate:"required"`
	// Source identifies the event producer
	Source string `json:"source" validate:"required"`
	// JSON is the pre-serialized event payload
	JSON json.RawMessage `json:"json" validate:"required"`
}

// String toString function
func (e CloudEvent) String() string {
	return fmt.Sprintf("%s[%s]@%s", e.Type, e.ID, e.Source)
}
