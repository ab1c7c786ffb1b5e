package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the wire format of eventTimestamp, always in UTC.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Reserved parameter names present on every recorded event.
const (
	ParamPlatform   = "platform"
	ParamSDKVersion = "sdkVersion"
)

// EventRecord is a single analytics event before serialization.
type EventRecord struct {
	Name      string
	UserID    string
	SessionID string
	Timestamp time.Time
	Params    *Params
}

type eventWire struct {
	EventName      string  `json:"eventName"`
	UserID         string  `json:"userID"`
	SessionID      string  `json:"sessionID"`
	EventTimestamp string  `json:"eventTimestamp"`
	EventParams    *Params `json:"eventParams"`
}

// Marshal serializes the record into its wire form. The returned text is what
// the event queue stores and what the bulk envelope embeds verbatim.
func (e *EventRecord) Marshal() (string, error) {
	if e.Name == "" {
		return "", fmt.Errorf("%w: event name is required", ErrSerialization)
	}
	params := e.Params
	if params == nil {
		params = NewParams()
	}
	b, err := json.Marshal(eventWire{
		EventName:      e.Name,
		UserID:         e.UserID,
		SessionID:      e.SessionID,
		EventTimestamp: e.Timestamp.UTC().Format(TimestampLayout),
		EventParams:    params,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(b), nil
}

// ParseEventRecord decodes a serialized record.
func ParseEventRecord(data string) (*EventRecord, error) {
	var w eventWire
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	ts, err := time.ParseInLocation(TimestampLayout, w.EventTimestamp, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: eventTimestamp: %v", ErrSerialization, err)
	}
	return &EventRecord{
		Name:      w.EventName,
		UserID:    w.UserID,
		SessionID: w.SessionID,
		Timestamp: ts,
		Params:    w.EventParams,
	}, nil
}
