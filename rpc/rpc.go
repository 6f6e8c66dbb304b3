// Package rpc defines the JSON-RPC 2.0 wire protocol spoken over the
// WebSocket endpoint: request/response envelopes, the method parameter
// shapes, and the error code mapping shared by server and client.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/store"
)

const Version = "2.0"

// Method names.
const (
	MethodGetConversation = "getConversation"
	MethodSendMessage     = "sendMessage"
	MethodSendTrace       = "sendTrace"
	MethodClearTurn       = "clearTurn"
	MethodGetAttachment   = "getAttachmentByDocId"
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
	MethodPing            = "ping"

	// Server-to-client notifications.
	NotifyEvent              = "event"
	NotifyGuidance           = "guidance"
	NotifySubscriptionClosed = "subscriptionClosed"
)

// JSON-RPC error codes. The -32xxx range below -32603 is reserved for the
// application error taxonomy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeConflict     = -32000
	CodeNotFound     = -32001
	CodeSlowConsumer = -32002
)

// Request is a JSON-RPC request or, when ID is absent, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorFor maps an orchestrator error onto a wire error object.
func ErrorFor(err error) *Error {
	msg := err.Error()
	switch orchestrator.KindOf(err) {
	case orchestrator.KindConflict:
		return &Error{Code: CodeConflict, Message: msg}
	case orchestrator.KindNotFound:
		return &Error{Code: CodeNotFound, Message: msg}
	case orchestrator.KindInvalidArgument:
		return &Error{Code: CodeInvalidParams, Message: msg}
	case orchestrator.KindSlowConsumer:
		return &Error{Code: CodeSlowConsumer, Message: msg}
	default:
		return &Error{Code: CodeInternal, Message: msg}
	}
}

// KindFor maps a wire error code back onto the orchestrator taxonomy.
func KindFor(code int) orchestrator.Kind {
	switch code {
	case CodeConflict:
		return orchestrator.KindConflict
	case CodeNotFound:
		return orchestrator.KindNotFound
	case CodeInvalidParams:
		return orchestrator.KindInvalidArgument
	case CodeSlowConsumer:
		return orchestrator.KindSlowConsumer
	default:
		return orchestrator.KindTransient
	}
}

// --- method parameter/result shapes ---

type GetConversationParams struct {
	ConversationID  int64 `json:"conversationId"`
	IncludeScenario bool  `json:"includeScenario,omitempty"`
}

// SendMessageParams nests the message body (text, attachments,
// clientRequestId) the same way the persisted event does.
type SendMessageParams struct {
	ConversationID int64                 `json:"conversationId"`
	AgentID        string                `json:"agentId"`
	MessagePayload *store.MessagePayload `json:"messagePayload"`
	Finality       store.Finality        `json:"finality,omitempty"`
	Turn           *int64                `json:"turn,omitempty"`
}

type SendTraceParams struct {
	ConversationID  int64               `json:"conversationId"`
	AgentID         string              `json:"agentId"`
	TracePayload    *store.TracePayload `json:"tracePayload"`
	Turn            *int64              `json:"turn,omitempty"`
	ClientRequestID string              `json:"clientRequestId,omitempty"`
}

type ClearTurnParams struct {
	ConversationID int64  `json:"conversationId"`
	AgentID        string `json:"agentId"`
	Reason         string `json:"reason,omitempty"`
}

type ClearTurnResult struct {
	Turn int64 `json:"turn"`
}

type GetAttachmentParams struct {
	ConversationID int64  `json:"conversationId"`
	DocID          string `json:"docId"`
}

type SubscribeParams struct {
	ConversationID  int64             `json:"conversationId"`
	Events          []store.EventType `json:"events,omitempty"`
	Agents          []string          `json:"agents,omitempty"`
	IncludeGuidance bool              `json:"includeGuidance,omitempty"`
	SinceSeq        *int64            `json:"sinceSeq,omitempty"`
}

type SubscribeResult struct {
	Subscription string `json:"subscription"`
}

type UnsubscribeParams struct {
	Subscription string `json:"subscription"`
}

// --- notification shapes ---

type EventNotification struct {
	Subscription string                   `json:"subscription"`
	Event        *store.ConversationEvent `json:"event"`
}

type GuidanceNotification struct {
	Subscription string        `json:"subscription"`
	Guidance     *bus.Guidance `json:"guidance"`
}

type SubscriptionClosedNotification struct {
	Subscription string `json:"subscription"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
