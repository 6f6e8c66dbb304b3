package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() *ConversationEvent {
	return &ConversationEvent{
		ConversationID: 7,
		Turn:           2,
		Event:          1,
		Seq:            9,
		Ts:             time.Unix(1700000000, 0).UTC(),
		AgentID:        "alice",
		Type:           EventTypeMessage,
		Finality:       FinalityTurn,
		Message:        &MessagePayload{Text: "done"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		require.NoError(t, validMessage().Validate())
	})

	t.Run("message without payload", func(t *testing.T) {
		ev := validMessage()
		ev.Message = nil
		require.Error(t, ev.Validate())
	})

	t.Run("message with bogus finality", func(t *testing.T) {
		ev := validMessage()
		ev.Finality = Finality("maybe")
		require.Error(t, ev.Validate())
	})

	t.Run("trace with finality rejected", func(t *testing.T) {
		ev := &ConversationEvent{
			ConversationID: 7, Turn: 2, Event: 1, Seq: 9,
			AgentID: "alice", Type: EventTypeTrace,
			Finality: FinalityTurn,
			Trace:    &TracePayload{Kind: TraceKindThought},
		}
		err := ev.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "finality=none")
	})

	t.Run("trace with unknown kind rejected", func(t *testing.T) {
		ev := &ConversationEvent{
			ConversationID: 7, Turn: 2, Event: 1, Seq: 9,
			AgentID: "alice", Type: EventTypeTrace,
			Finality: FinalityNone,
			Trace:    &TracePayload{Kind: TraceKind("daydream")},
		}
		require.Error(t, ev.Validate())
	})

	t.Run("system events pinned to turn zero", func(t *testing.T) {
		ev := &ConversationEvent{
			ConversationID: 7, Turn: 0, Event: 1, Seq: 9,
			Type:     EventTypeSystem,
			Finality: FinalityNone,
			System:   &SystemPayload{Kind: SystemKindConversationCompleted},
		}
		require.NoError(t, ev.Validate())

		ev.Turn = 1
		require.Error(t, ev.Validate())
	})

	t.Run("agent events need turn >= 1", func(t *testing.T) {
		ev := validMessage()
		ev.Turn = 0
		require.Error(t, ev.Validate())
	})

	t.Run("multiple payloads rejected", func(t *testing.T) {
		ev := validMessage()
		ev.Trace = &TracePayload{Kind: TraceKindThought}
		require.Error(t, ev.Validate())
	})
}

func TestClosesTurn(t *testing.T) {
	assert.False(t, (&ConversationEvent{Type: EventTypeMessage, Finality: FinalityNone}).ClosesTurn())
	assert.True(t, (&ConversationEvent{Type: EventTypeMessage, Finality: FinalityTurn}).ClosesTurn())
	assert.True(t, (&ConversationEvent{Type: EventTypeMessage, Finality: FinalityConversation}).ClosesTurn())
	assert.False(t, (&ConversationEvent{Type: EventTypeTrace, Trace: &TracePayload{Kind: TraceKindThought}}).ClosesTurn())
	assert.True(t, (&ConversationEvent{Type: EventTypeTrace, Trace: &TracePayload{Kind: TraceKindTurnCleared}}).ClosesTurn())
	assert.False(t, (&ConversationEvent{Type: EventTypeSystem}).ClosesTurn())
}

func TestWireRoundTrip(t *testing.T) {
	ev := validMessage()
	ev.Message.Attachments = []*Attachment{
		{DocID: DocIDFor("report body"), Name: "report.txt", ContentType: "text/plain"},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	// The wire form carries a tagged payload object, not the Go field names.
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "message", wire["type"])
	assert.Equal(t, "turn", wire["finality"])
	payload, ok := wire["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", payload["text"])

	var back ConversationEvent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ev.Seq, back.Seq)
	assert.Equal(t, ev.Finality, back.Finality)
	require.NotNil(t, back.Message)
	assert.Equal(t, ev.Message.Text, back.Message.Text)
	require.Len(t, back.Message.Attachments, 1)
	assert.Equal(t, ev.Message.Attachments[0].DocID, back.Message.Attachments[0].DocID)
}

func TestUnmarshalDefaultsFinality(t *testing.T) {
	raw := []byte(`{"conversation":1,"turn":1,"event":1,"seq":1,"agentId":"alice","type":"trace","payload":{"kind":"thought","thought":"hm"}}`)
	var ev ConversationEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, FinalityNone, ev.Finality)
	require.NotNil(t, ev.Trace)
	assert.Equal(t, TraceKindThought, ev.Trace.Kind)
}

func TestUnmarshalRejectsInvalid(t *testing.T) {
	// Valid JSON, invalid schema: a trace claiming turn finality.
	raw := []byte(`{"conversation":1,"turn":1,"event":1,"seq":1,"agentId":"alice","type":"trace","finality":"turn","payload":{"kind":"thought"}}`)
	var ev ConversationEvent
	require.Error(t, json.Unmarshal(raw, &ev))
}

func TestCloneIsDeep(t *testing.T) {
	ev := validMessage()
	ev.Message.Attachments = []*Attachment{{DocID: "d1", Name: "a.txt", ContentType: "text/plain"}}

	dup := ev.Clone()
	dup.Message.Text = "mutated"
	dup.Message.Attachments[0].Name = "b.txt"

	assert.Equal(t, "done", ev.Message.Text)
	assert.Equal(t, "a.txt", ev.Message.Attachments[0].Name)
}

func TestDocIDForIsStable(t *testing.T) {
	a := DocIDFor("same bytes")
	b := DocIDFor("same bytes")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, DocIDFor("other bytes"))
}
