package deployment

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/altan/realtime/pkg/realtime/wire"
)

// Event types handled by this package.
const (
	TypeCreated = "deployment.created"
	TypeUpdated = "deployment.updated"
	TypeDeleted = "deployment.deleted"
)

// ErrMalformedEvent is returned for frames that lack a type, a data object or
// the id the event type needs.
var ErrMalformedEvent = errors.New("malformed deployment event")

// Event is one of Created, Updated, Deleted or Unrecognized.
type Event interface {
	Type() string
	isEvent()
}

// Created announces a new deployment.
type Created struct {
	Patch Patch
}

// Updated carries changed fields of an existing deployment.
type Updated struct {
	Patch Patch
}

// Deleted removes a deployment.
type Deleted struct {
	ID string
}

// Unrecognized is any other deployment-shaped frame.
type Unrecognized struct {
	EventType string
	Data      map[string]any
}

func (Created) Type() string        { return TypeCreated }
func (Updated) Type() string        { return TypeUpdated }
func (Deleted) Type() string        { return TypeDeleted }
func (e Unrecognized) Type() string { return e.EventType }

func (Created) isEvent()      {}
func (Updated) isEvent()      {}
func (Deleted) isEvent()      {}
func (Unrecognized) isEvent() {}

// ParseEvent converts a frame into an Event. Frames without a type or a data
// object are malformed; unknown types become Unrecognized.
func ParseEvent(frame wire.Frame) (Event, error) {
	eventType := frame.Type()
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	data, ok := frame.Data()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, eventType)
	}

	switch eventType {
	case TypeCreated, TypeUpdated:
		id := stringField(data, "id")
		if id == "" {
			return nil, fmt.Errorf("%w: %s has no id", ErrMalformedEvent, eventType)
		}
		patch := Patch{ID: id, InterfaceID: stringField(data, "interface_id"), Fields: data}
		if eventType == TypeCreated {
			return Created{Patch: patch}, nil
		}
		return Updated{Patch: patch}, nil

	case TypeDeleted:
		id := stringField(data, "id")
		if id == "" {
			if ids, ok := data["ids"].([]any); ok && len(ids) > 0 {
				id = stringValue(ids[0])
			}
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s has no id", ErrMalformedEvent, eventType)
		}
		return Deleted{ID: id}, nil

	default:
		return Unrecognized{EventType: eventType, Data: data}, nil
	}
}

func stringField(data map[string]any, key string) string {
	return stringValue(data[key])
}

// stringValue accepts ids sent as strings or JSON numbers.
func stringValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
