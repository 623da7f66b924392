package realtime

import (
	"encoding/json"
	"time"
)

// Frame types on the realtime wire. The server pushes event frames per
// topic and pings periodically; the client sends subscribe/unsubscribe
// control frames and answers pings.
const (
	frameTypeEvent       = "event"
	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
	frameTypePing        = "ping"
	frameTypePong        = "pong"
)

// frame is the wire representation of one realtime message, both directions.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  string          `json:"sentAt,omitempty"`
}

// Event is one delivered realtime message, handed to topic handlers after
// deduplication. Payload stays raw: the session layer does not interpret
// business schemas.
type Event struct {
	ID         string
	Topic      string
	Payload    json.RawMessage
	SentAt     time.Time
	ReceivedAt time.Time
}

// eventFromFrame normalizes a wire frame into an Event. A missing or
// malformed sentAt falls back to the local receive time so downstream
// ordering logic never sees a zero timestamp.
func eventFromFrame(f frame, receivedAt time.Time) Event {
	sentAt := receivedAt
	if f.SentAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, f.SentAt); err == nil {
			sentAt = parsed
		}
	}
	return Event{
		ID:         f.ID,
		Topic:      f.Topic,
		Payload:    f.Payload,
		SentAt:     sentAt,
		ReceivedAt: receivedAt,
	}
}

// EventsFromList converts a REST list payload into events for the fallback
// polling path. Each list item must carry an "id" field; the whole item
// becomes the event payload so push and poll deliveries look alike to
// handlers.
func EventsFromList(topic string, data json.RawMessage) ([]Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}

	now := time.Now()
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var meta struct {
			ID     string `json:"id"`
			SentAt string `json:"sentAt"`
		}
		if err := json.Unmarshal(item, &meta); err != nil {
			return nil, err
		}
		events = append(events, eventFromFrame(frame{
			Type:    frameTypeEvent,
			ID:      meta.ID,
			Topic:   topic,
			Payload: item,
			SentAt:  meta.SentAt,
		}, now))
	}
	return events, nil
}

func subscribeFrame(topic string) frame {
	return frame{Type: frameTypeSubscribe, Topic: topic}
}

func unsubscribeFrame(topic string) frame {
	return frame{Type: frameTypeUnsubscribe, Topic: topic}
}
