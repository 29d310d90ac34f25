package feedback

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	// EventResync tells consumers that events may have been missed and the
	// full list should be fetched again.
	EventResync EventKind = "RESYNC"
)

func ParseEventKind(raw string) (EventKind, error) {
	switch kind := EventKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case EventInsert, EventUpdate, EventDelete, EventResync:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown change event kind %q", raw)
	}
}

// ChangeEvent is one element of the live change stream. Snapshot is only set
// on Resync events that already carry the refreshed list.
type ChangeEvent struct {
	Kind     EventKind `json:"type"`
	Item     Item      `json:"record"`
	Snapshot []Item    `json:"snapshot,omitempty"`
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind     EventKind `json:"type"`
		Item     *Item     `json:"record,omitempty"`
		Snapshot []Item    `json:"snapshot,omitempty"`
	}
	out := wire{Kind: e.Kind, Snapshot: e.Snapshot}
	if e.Kind != EventResync {
		item := e.Item
		out.Item = &item
	}
	return json.Marshal(out)
}

func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind     string `json:"type"`
		Item     *Item  `json:"record"`
		Snapshot []Item `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind, err := ParseEventKind(wire.Kind)
	if err != nil {
		return err
	}
	e.Kind = kind
	e.Item = Item{}
	if wire.Item != nil {
		e.Item = *wire.Item
	}
	e.Snapshot = wire.Snapshot
	return nil
}
