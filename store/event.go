package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType discriminates the unified event payload.
type EventType string

const (
	EventTypeMessage EventType = "message"
	EventTypeTrace   EventType = "trace"
	EventTypeSystem  EventType = "system"
)

// Finality controls whether a message closes the current turn, the entire
// conversation, or neither. Traces and system events are always FinalityNone.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// TraceKind discriminates trace payloads.
type TraceKind string

const (
	TraceKindThought     TraceKind = "thought"
	TraceKindToolCall    TraceKind = "tool_call"
	TraceKindToolResult  TraceKind = "tool_result"
	TraceKindTurnCleared TraceKind = "turn_cleared"
)

// MessagePayload is the payload of a "message" event.
type MessagePayload struct {
	Text            string        `json:"text"`
	Attachments     []*Attachment `json:"attachments,omitempty"`
	ClientRequestID string        `json:"clientRequestId,omitempty"`
}

// TracePayload is the payload of a "trace" event. Kind selects which of the
// optional fields are meaningful:
//
//	thought:      Thought
//	tool_call:    ToolCallID, ToolName, Args
//	tool_result:  ToolCallID, Result, Error
//	turn_cleared: Reason (optional)
type TracePayload struct {
	Kind            TraceKind       `json:"kind"`
	Thought         string          `json:"thought,omitempty"`
	ToolCallID      string          `json:"toolCallId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Args            json.RawMessage `json:"args,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
}

// SystemPayload is the payload of a "system" event, authored by the
// orchestrator itself (conversation lifecycle notices, errors).
type SystemPayload struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

const (
	SystemKindConversationCompleted = "conversation_completed"
	SystemKindError                 = "error"
)

// ConversationEvent is one record of the append-only unified event log.
//
// Identity invariants:
//   - Seq is strictly monotonic per conversation, starting at 1.
//   - Turn >= 1 for message/trace events; Turn == 0 only for system events.
//   - Event is strictly monotonic within a (conversation, turn), starting at 1.
//   - Only messages carry Finality other than "none".
type ConversationEvent struct {
	ConversationID int64     `json:"conversation"`
	Turn           int64     `json:"turn"`
	Event          int64     `json:"event"`
	Seq            int64     `json:"seq"`
	Ts             time.Time `json:"ts"`
	AgentID        string    `json:"agentId"`
	Type           EventType `json:"type"`
	Finality       Finality  `json:"finality,omitempty"`

	// Exactly one of the following is non-nil, matching Type.
	Message *MessagePayload `json:"-"`
	Trace   *TracePayload   `json:"-"`
	System  *SystemPayload  `json:"-"`
}

// ClosesTurn reports whether this event closes its turn: a message with
// turn or conversation finality, or a turn_cleared trace marker.
func (e *ConversationEvent) ClosesTurn() bool {
	switch e.Type {
	case EventTypeMessage:
		return e.Finality == FinalityTurn || e.Finality == FinalityConversation
	case EventTypeTrace:
		return e.Trace != nil && e.Trace.Kind == TraceKindTurnCleared
	default:
		return false
	}
}

// ClientRequestID returns the dedup key carried by the payload, if any.
func (e *ConversationEvent) ClientRequestID() string {
	switch {
	case e.Message != nil:
		return e.Message.ClientRequestID
	case e.Trace != nil:
		return e.Trace.ClientRequestID
	}
	return ""
}

// Validate enforces the type/payload/finality combinations of the log schema.
func (e *ConversationEvent) Validate() error {
	switch e.Type {
	case EventTypeMessage:
		if e.Message == nil || e.Trace != nil || e.System != nil {
			return errors.New("message event requires a message payload")
		}
		switch e.Finality {
		case FinalityNone, FinalityTurn, FinalityConversation:
		default:
			return errors.Errorf("invalid finality %q", e.Finality)
		}
	case EventTypeTrace:
		if e.Trace == nil || e.Message != nil || e.System != nil {
			return errors.New("trace event requires a trace payload")
		}
		if e.Finality != FinalityNone {
			return errors.New("trace events are always finality=none")
		}
		switch e.Trace.Kind {
		case TraceKindThought, TraceKindToolCall, TraceKindToolResult, TraceKindTurnCleared:
		default:
			return errors.Errorf("invalid trace kind %q", e.Trace.Kind)
		}
	case EventTypeSystem:
		if e.System == nil || e.Message != nil || e.Trace != nil {
			return errors.New("system event requires a system payload")
		}
		if e.Finality != FinalityNone {
			return errors.New("system events are always finality=none")
		}
		if e.Turn != 0 {
			return errors.New("system events use turn=0")
		}
	default:
		return errors.Errorf("invalid event type %q", e.Type)
	}
	if e.Type != EventTypeSystem && e.Turn < 1 {
		return errors.Errorf("invalid turn %d for %s event", e.Turn, e.Type)
	}
	return nil
}

// eventWire is the wire/storage form of a unified event: the shared envelope
// fields plus a type-tagged JSON payload.
type eventWire struct {
	ConversationID int64           `json:"conversation"`
	Turn           int64           `json:"turn"`
	Event          int64           `json:"event"`
	Seq            int64           `json:"seq"`
	Ts             time.Time       `json:"ts"`
	AgentID        string          `json:"agentId"`
	Type           EventType       `json:"type"`
	Finality       Finality        `json:"finality,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON renders the event in its wire form with a type-specific payload.
func (e *ConversationEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventTypeMessage:
		payload = e.Message
	case EventTypeTrace:
		payload = e.Trace
	case EventTypeSystem:
		payload = e.System
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	w := eventWire{
		ConversationID: e.ConversationID,
		Turn:           e.Turn,
		Event:          e.Event,
		Seq:            e.Seq,
		Ts:             e.Ts,
		AgentID:        e.AgentID,
		Type:           e.Type,
		Payload:        raw,
	}
	if e.Type == EventTypeMessage {
		w.Finality = e.Finality
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form and schema-validates the tagged payload.
func (e *ConversationEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "failed to unmarshal event envelope")
	}
	e.ConversationID = w.ConversationID
	e.Turn = w.Turn
	e.Event = w.Event
	e.Seq = w.Seq
	e.Ts = w.Ts
	e.AgentID = w.AgentID
	e.Type = w.Type
	e.Finality = w.Finality
	e.Message, e.Trace, e.System = nil, nil, nil
	if e.Finality == "" {
		e.Finality = FinalityNone
	}
	if err := e.decodePayload(w.Payload); err != nil {
		return err
	}
	return e.Validate()
}

func (e *ConversationEvent) decodePayload(raw json.RawMessage) error {
	switch e.Type {
	case EventTypeMessage:
		p := &MessagePayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return errors.Wrap(err, "failed to unmarshal message payload")
		}
		e.Message = p
	case EventTypeTrace:
		p := &TracePayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return errors.Wrap(err, "failed to unmarshal trace payload")
		}
		e.Trace = p
	case EventTypeSystem:
		p := &SystemPayload{}
		if err := json.Unmarshal(raw, p); err != nil {
			return errors.Wrap(err, "failed to unmarshal system payload")
		}
		e.System = p
	default:
		return errors.Errorf("invalid event type %q", e.Type)
	}
	return nil
}

// EncodePayload returns the JSON payload column value for persistence.
func (e *ConversationEvent) EncodePayload() ([]byte, error) {
	var payload any
	switch e.Type {
	case EventTypeMessage:
		payload = e.Message
	case EventTypeTrace:
		payload = e.Trace
	case EventTypeSystem:
		payload = e.System
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event payload")
	}
	return raw, nil
}

// DecodePayload hydrates the tagged payload from the persisted JSON column.
func (e *ConversationEvent) DecodePayload(raw []byte) error {
	return e.decodePayload(raw)
}

// Clone returns a deep copy of the event. Mirrors held by agent runtimes
// hand out clones so callbacks cannot mutate shared state.
func (e *ConversationEvent) Clone() *ConversationEvent {
	dup := *e
	if e.Message != nil {
		m := *e.Message
		if e.Message.Attachments != nil {
			m.Attachments = make([]*Attachment, len(e.Message.Attachments))
			for i, a := range e.Message.Attachments {
				ac := *a
				m.Attachments[i] = &ac
			}
		}
		dup.Message = &m
	}
	if e.Trace != nil {
		t := *e.Trace
		dup.Trace = &t
	}
	if e.System != nil {
		s := *e.System
		dup.System = &s
	}
	return &dup
}
