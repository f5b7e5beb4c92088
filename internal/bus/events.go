// Package bus fans outbound chat events out to every live listener of a
// broadcast group.
package bus

import (
	"encoding/json"
	"fmt"
)

// Event is one outbound frame addressed to a group.
type Event struct {
	Type    string          `json:"type"`
	Origin  string          `json:"origin,omitempty"` // instance that published it
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes v as the payload of a typed event.
func NewEvent(typ string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return Event{Type: typ, Payload: data}, nil
}

// SessionGroup is the group a connection joins before authenticating.
func SessionGroup(sessionID string) string {
	return "session:" + sessionID
}

// UserGroup is the group shared by every connection of one user.
func UserGroup(userID string) string {
	return "user:" + userID
}
