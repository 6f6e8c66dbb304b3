package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ConversationStatus is the lifecycle state of a conversation. Terminal once
// completed.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusCompleted ConversationStatus = "completed"
)

// AgentMeta describes one participant declared in conversation metadata.
// The slice order is the deterministic tie-break for scheduling.
type AgentMeta struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// ConversationMetadata is the opaque-ish metadata blob attached to a
// conversation. The orchestrator only interprets Agents and Started; Scenario
// and Custom pass through untouched.
type ConversationMetadata struct {
	Agents   []AgentMeta     `json:"agents"`
	Title    string          `json:"title,omitempty"`
	Started  bool            `json:"started,omitempty"`
	Scenario json.RawMessage `json:"scenario,omitempty"`
	Custom   map[string]any  `json:"custom,omitempty"`
}

// AgentIDs returns the declared agent ids in declaration order.
func (m *ConversationMetadata) AgentIDs() []string {
	ids := make([]string, 0, len(m.Agents))
	for _, a := range m.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// HasAgent reports whether id is a declared participant.
func (m *ConversationMetadata) HasAgent(id string) bool {
	for _, a := range m.Agents {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Validate checks the minimal metadata contract the scheduler relies on.
func (m *ConversationMetadata) Validate() error {
	if len(m.Agents) == 0 {
		return errors.New("metadata requires at least one agent")
	}
	seen := make(map[string]bool, len(m.Agents))
	for _, a := range m.Agents {
		if a.ID == "" {
			return errors.New("agent id must not be empty")
		}
		if seen[a.ID] {
			return errors.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Conversation is a long-lived, append-only coordination context between two
// or more agents.
type Conversation struct {
	ID            int64
	UID           string
	Status        ConversationStatus
	Metadata      ConversationMetadata
	LastClosedSeq int64
	CreatedTs     int64
	UpdatedTs     int64
}

type FindConversation struct {
	ID     *int64
	UID    *string
	Status *ConversationStatus
}

type UpdateConversation struct {
	ID            int64
	Status        *ConversationStatus
	Metadata      *ConversationMetadata
	LastClosedSeq *int64
	UpdatedTs     *int64
}

// SnapshotOptions controls snapshot shape.
type SnapshotOptions struct {
	IncludeScenario bool
}

// Snapshot is a point-in-time view of a conversation: the full event list
// plus the derived/stored fields scheduling depends on.
type Snapshot struct {
	ConversationID int64                `json:"conversation"`
	UID            string               `json:"uid"`
	Status         ConversationStatus   `json:"status"`
	LastClosedSeq  int64                `json:"lastClosedSeq"`
	Metadata       ConversationMetadata `json:"metadata"`
	Events         []*ConversationEvent `json:"events"`
	Scenario       json.RawMessage      `json:"scenario,omitempty"`
}

// Clone deep-copies the snapshot (events included).
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Events = make([]*ConversationEvent, len(s.Events))
	for i, e := range s.Events {
		dup.Events[i] = e.Clone()
	}
	return &dup
}

// MaxSeq returns the highest seq present in the snapshot, 0 when empty.
func (s *Snapshot) MaxSeq() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Seq
}
