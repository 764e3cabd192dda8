package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventKind string

const (
	EventKindConnectionState EventKind = "connection_state"
	EventKindICECandidate    EventKind = "ice_candidate"
)

// ConnectionState is the connectivity state reported on the event stream.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateChecking     ConnectionState = "checking"
	StateConnected    ConnectionState = "connected"
	StateCompleted    ConnectionState = "completed"
	StateFailed       ConnectionState = "failed"
	StateDisconnected ConnectionState = "disconnected"
	StateClosed       ConnectionState = "closed"
)

func (s ConnectionState) String() string {
	return string(s)
}

// Terminal reports whether no forward progress is possible from s.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// CandidateEvent is a locally gathered candidate and the media line it belongs to.
type CandidateEvent struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Event is emitted by a Session. Exactly one of State and Candidate is set,
// according to Kind.
type Event struct {
	ID        string
	SessionID string
	Kind      EventKind
	State     ConnectionState
	Candidate *CandidateEvent
}

func newStateEvent(sessionID string, state ConnectionState) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      EventKindConnectionState,
		State:     state,
	}
}

func newCandidateEvent(sessionID string, c CandidateEvent) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      EventKindICECandidate,
		Candidate: &c,
	}
}

func (e *Event) Json() (map[string]any, error) {
	if e.ID == "" {
		return nil, errors.New("ID is empty")
	}
	m := map[string]any{
		"event_id":   e.ID,
		"session_id": e.SessionID,
		"type":       e.Kind,
	}
	switch e.Kind {
	case EventKindConnectionState:
		m["state"] = e.State
	case EventKindICECandidate:
		if e.Candidate == nil {
			return nil, errors.New("Candidate is nil")
		}
		m["candidate"] = e.Candidate.Candidate
		m["sdp_mid"] = e.Candidate.SDPMid
		m["sdp_mline_index"] = e.Candidate.SDPMLineIndex
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Kind)
	}
	return m, nil
}

func (e *Event) New(raw map[string]any) error {
	if v, ok := raw["event_id"].(string); ok {
		e.ID = v
	} else {
		return errors.New("missing event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Kind = EventKind(v)
	} else {
		return errors.New("missing type")
	}
	e.SessionID, _ = raw["session_id"].(string)
	switch e.Kind {
	case EventKindConnectionState:
		v, ok := raw["state"].(string)
		if !ok {
			return errors.New("missing state")
		}
		e.State = ConnectionState(v)
	case EventKindICECandidate:
		c := &CandidateEvent{}
		v, ok := raw["candidate"].(string)
		if !ok {
			return errors.New("missing candidate")
		}
		c.Candidate = v
		c.SDPMid, _ = raw["sdp_mid"].(string)
		if idx, ok := asUint16(raw["sdp_mline_index"]); ok {
			c.SDPMLineIndex = idx
		}
		e.Candidate = c
	default:
		return fmt.Errorf("unknown event type: %s", e.Kind)
	}
	return nil
}

func asUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case float64:
		return uint16(n), n >= 0 && n <= 65535
	case int64:
		return uint16(n), n >= 0 && n <= 65535
	case uint64:
		return uint16(n), n <= 65535
	case int:
		return uint16(n), n >= 0 && n <= 65535
	}
	return 0, false
}

func (e Event) MarshalJSON() ([]byte, error) {
	m, err := e.Json()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.New(raw)
}

func (e Event) MarshalYAML() ([]byte, error) {
	m, err := e.Json()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}

// eventQueue is a bounded stream of events. Push never blocks: when the
// consumer falls behind, new events are dropped and counted.
type eventQueue struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
	onPush  func(Event, bool)
}

func newEventQueue(capacity int, onPush func(ev Event, dropped bool)) *eventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventQueue{
		ch:     make(chan Event, capacity),
		onPush: onPush,
	}
}

// push reports false when the event was dropped or the queue is closed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		if q.onPush != nil {
			q.onPush(ev, false)
		}
		return true
	default:
		q.dropped.Add(1)
		if q.onPush != nil {
			q.onPush(ev, true)
		}
		return false
	}
}

func (q *eventQueue) events() <-chan Event {
	return q.ch
}

func (q *eventQueue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
