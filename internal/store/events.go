package store

import (
	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/event"
)

type eventRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	EventType string `db:"event_type"`
	Payload   string `db:"payload"`
	Timestamp string `db:"timestamp"`
}

func (r eventRow) toEvent() (event.Event, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{
		ID:        r.ID,
		SessionID: r.SessionID,
		Type:      event.Type(r.EventType),
		Payload:   []byte(r.Payload),
		Timestamp: ts,
	}, nil
}

// RecordEvent appends an event to the durable log. Every mutating manager
// transition writes its event before (or together with) the session update
// becoming visible, per spec.md §3's invariant.
func (s *Store) RecordEvent(e event.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	_, err := s.writer.Exec(
		`INSERT INTO events (session_id, event_type, payload, timestamp) VALUES (?, ?, ?, ?)`,
		e.SessionID, string(e.Type), string(e.Payload), e.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return apperror.Internal("record event", err)
	}
	return nil
}

// GetEvents returns a session's event history in the order it occurred.
func (s *Store) GetEvents(sessionID string) ([]event.Event, error) {
	var rows []eventRow
	if err := s.reader.Select(&rows, `SELECT id, session_id, event_type, payload, timestamp FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID); err != nil {
		return nil, apperror.Internal("get events", err)
	}
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEvent()
		if err != nil {
			return nil, apperror.Internal("decode event row", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// GetAllEvents returns the full event log across all sessions, in insertion
// order.
func (s *Store) GetAllEvents() ([]event.Event, error) {
	var rows []eventRow
	if err := s.reader.Select(&rows, `SELECT id, session_id, event_type, payload, timestamp FROM events ORDER BY id ASC`); err != nil {
		return nil, apperror.Internal("get all events", err)
	}
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEvent()
		if err != nil {
			return nil, apperror.Internal("decode event row", err)
		}
		events = append(events, e)
	}
	return events, nil
}
