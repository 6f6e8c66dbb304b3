package rpc

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/store"
)

func TestErrorForMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{orchestrator.Conflictf("turn owned by other"), CodeConflict},
		{orchestrator.NotFoundf("conversation not found"), CodeNotFound},
		{orchestrator.InvalidArgumentf("bad finality"), CodeInvalidParams},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		e := ErrorFor(tc.err)
		assert.Equal(t, tc.code, e.Code)
		assert.Equal(t, tc.err.Error(), e.Message)
	}

	// Wrapped errors keep their kind through the mapping.
	wrapped := errors.Wrap(orchestrator.NotFoundf("no such attachment"), "lookup")
	assert.Equal(t, CodeNotFound, ErrorFor(wrapped).Code)
}

func TestKindForRoundTrip(t *testing.T) {
	assert.Equal(t, orchestrator.KindConflict, KindFor(CodeConflict))
	assert.Equal(t, orchestrator.KindNotFound, KindFor(CodeNotFound))
	assert.Equal(t, orchestrator.KindInvalidArgument, KindFor(CodeInvalidParams))
	assert.Equal(t, orchestrator.KindSlowConsumer, KindFor(CodeSlowConsumer))

	// Unknown and transport-level codes are retryable by default.
	assert.Equal(t, orchestrator.KindTransient, KindFor(CodeInternal))
	assert.Equal(t, orchestrator.KindTransient, KindFor(CodeParseError))
	assert.Equal(t, orchestrator.KindTransient, KindFor(-1))
}

func TestIsNotification(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`), &req))
	assert.False(t, req.IsNotification())
}

func TestSendMessageParamsWireShape(t *testing.T) {
	// A producer that only knows the wire contract must be decodable as-is:
	// conversationId on the envelope, the message body nested under
	// messagePayload.
	raw := `{
		"conversationId": 7,
		"agentId": "alice",
		"messagePayload": {"text": "hello", "clientRequestId": "req-1"},
		"finality": "turn",
		"turn": 2
	}`
	var p SendMessageParams
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, int64(7), p.ConversationID)
	assert.Equal(t, "alice", p.AgentID)
	require.NotNil(t, p.MessagePayload)
	assert.Equal(t, "hello", p.MessagePayload.Text)
	assert.Equal(t, "req-1", p.MessagePayload.ClientRequestID)
	assert.Equal(t, store.FinalityTurn, p.Finality)
	require.NotNil(t, p.Turn)
	assert.Equal(t, int64(2), *p.Turn)
}

func TestParamKeysAreConversationId(t *testing.T) {
	cases := []any{
		&GetConversationParams{ConversationID: 7},
		&SendTraceParams{ConversationID: 7, AgentID: "alice",
			TracePayload: &store.TracePayload{Kind: store.TraceKindThought, Thought: "hm"}},
		&ClearTurnParams{ConversationID: 7, AgentID: "alice"},
		&GetAttachmentParams{ConversationID: 7, DocID: "abc"},
		&SubscribeParams{ConversationID: 7},
	}
	for _, params := range cases {
		out, err := json.Marshal(params)
		require.NoError(t, err)
		var keys map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(out, &keys))
		assert.Contains(t, keys, "conversationId", "%T", params)
		assert.NotContains(t, keys, "conversation", "%T", params)
	}

	out, err := json.Marshal(&SendTraceParams{
		ConversationID: 7, AgentID: "alice",
		TracePayload: &store.TracePayload{Kind: store.TraceKindThought, Thought: "hm"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"tracePayload"`)
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: CodeConflict, Message: "turn already open"}
	assert.Equal(t, "jsonrpc error -32000: turn already open", e.Error())
}
