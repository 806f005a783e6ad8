package presence

import (
	"encoding/json"
	"fmt"

	"collabtext/luvtext/common"
)

// Event is one presence fact published by the site it describes. Seq
// increases with every event of a site; the highest seq wins.
type Event struct {
	Site        common.SessionID `json:"site"`
	Status      common.Status    `json:"status"`
	DisplayName string           `json:"displayName,omitempty"`
	Color       string           `json:"color,omitempty"`
	Role        string           `json:"role,omitempty"`
	Cursor      *common.NodeID   `json:"cursor,omitempty"`
	Seq         uint64           `json:"seq"`
}

// Validate checks the site and status.
func (e Event) Validate() error {
	if e.Site.IsNil() {
		return common.ErrInvalidOperation{Message: "presence event without site"}
	}
	switch e.Status {
	case common.StatusJoining, common.StatusActive, common.StatusIdle,
		common.StatusDisconnected, common.StatusLeft:
		return nil
	default:
		return common.ErrInvalidOperation{Message: "unknown presence status: " + string(e.Status)}
	}
}

// Encode returns the JSON form of e.
func (e Event) Encode() (json.RawMessage, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a JSON presence event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode presence event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
