package v1

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/rpc"
	"github.com/jmandel/banterop-sub006/store"
)

// wsWriteTimeout bounds one frame write; a peer that cannot be written to
// within it is treated as gone.
const wsWriteTimeout = 10 * time.Second

// HandleWebSocket upgrades the connection and serves JSON-RPC until the peer
// disconnects.
func (s *APIV1Service) HandleWebSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(16 << 20)

	connID := uuid.New().String()
	session := &wsSession{
		id:      connID,
		svc:     s,
		conn:    conn,
		logger:  s.logger.With("connection_id", connID),
		streams: make(map[string]*wsStream),
	}
	session.serve(c.Request().Context())
	return nil
}

// wsSession is one JSON-RPC connection: a read loop dispatching requests plus
// per-subscription forwarder goroutines pushing notifications.
type wsSession struct {
	id     string
	svc    *APIV1Service
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]*wsStream
}

type wsStream struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
}

func (w *wsSession) serve(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer w.closeAllStreams()
	defer func() { _ = w.conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			w.writeError(ctx, nil, &rpc.Error{Code: rpc.CodeParseError, Message: "parse error"})
			continue
		}
		if req.Method == "" {
			w.writeError(ctx, req.ID, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "method is required"})
			continue
		}

		result, rpcErr := w.dispatch(ctx, &req)
		if req.IsNotification() {
			continue
		}
		if rpcErr != nil {
			w.writeError(ctx, req.ID, rpcErr)
			continue
		}
		w.writeResult(ctx, req.ID, result)
	}
}

func (w *wsSession) dispatch(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	switch req.Method {
	case rpc.MethodPing:
		return "pong", nil
	case rpc.MethodGetConversation:
		return w.getConversation(ctx, req.Params)
	case rpc.MethodSendMessage:
		return w.sendMessage(ctx, req.Params)
	case rpc.MethodSendTrace:
		return w.sendTrace(ctx, req.Params)
	case rpc.MethodClearTurn:
		return w.clearTurn(ctx, req.Params)
	case rpc.MethodGetAttachment:
		return w.getAttachment(ctx, req.Params)
	case rpc.MethodSubscribe:
		return w.subscribe(ctx, req.Params)
	case rpc.MethodUnsubscribe:
		return w.unsubscribe(req.Params)
	default:
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func decodeParams[T any](raw json.RawMessage) (*T, *rpc.Error) {
	params := new(T)
	if len(raw) == 0 {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return params, nil
}

func (w *wsSession) getConversation(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.GetConversationParams](raw)
	if perr != nil {
		return nil, perr
	}
	snap, err := w.svc.Orchestrator.GetSnapshot(ctx, params.ConversationID, store.SnapshotOptions{
		IncludeScenario: params.IncludeScenario,
	})
	if err != nil {
		return nil, rpc.ErrorFor(err)
	}
	return snap, nil
}

func (w *wsSession) sendMessage(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.SendMessageParams](raw)
	if perr != nil {
		return nil, perr
	}
	if params.MessagePayload == nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "messagePayload is required"}
	}
	res, err := w.svc.Orchestrator.PostMessage(ctx, &orchestrator.PostMessageRequest{
		ConversationID:  params.ConversationID,
		AgentID:         params.AgentID,
		Text:            params.MessagePayload.Text,
		Finality:        params.Finality,
		Attachments:     params.MessagePayload.Attachments,
		Turn:            params.Turn,
		ClientRequestID: params.MessagePayload.ClientRequestID,
	})
	if err != nil {
		return nil, rpc.ErrorFor(err)
	}
	return res, nil
}

func (w *wsSession) sendTrace(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.SendTraceParams](raw)
	if perr != nil {
		return nil, perr
	}
	res, err := w.svc.Orchestrator.PostTrace(ctx, &orchestrator.PostTraceRequest{
		ConversationID:  params.ConversationID,
		AgentID:         params.AgentID,
		Payload:         params.TracePayload,
		Turn:            params.Turn,
		ClientRequestID: params.ClientRequestID,
	})
	if err != nil {
		return nil, rpc.ErrorFor(err)
	}
	return res, nil
}

func (w *wsSession) clearTurn(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.ClearTurnParams](raw)
	if perr != nil {
		return nil, perr
	}
	next, err := w.svc.Orchestrator.ClearTurn(ctx, params.ConversationID, params.AgentID, params.Reason)
	if err != nil {
		return nil, rpc.ErrorFor(err)
	}
	return &rpc.ClearTurnResult{Turn: next}, nil
}

func (w *wsSession) getAttachment(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.GetAttachmentParams](raw)
	if perr != nil {
		return nil, perr
	}
	attachment, err := w.svc.Orchestrator.GetAttachment(ctx, params.ConversationID, params.DocID)
	if err != nil {
		return nil, rpc.ErrorFor(err)
	}
	return attachment, nil
}

func (w *wsSession) subscribe(ctx context.Context, raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.SubscribeParams](raw)
	if perr != nil {
		return nil, perr
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := w.svc.Orchestrator.CreateEventStream(subCtx, params.ConversationID, bus.Options{
		Events:          params.Events,
		Agents:          params.Agents,
		IncludeGuidance: params.IncludeGuidance,
		SinceSeq:        params.SinceSeq,
	})
	if err != nil {
		cancel()
		return nil, rpc.ErrorFor(err)
	}

	w.mu.Lock()
	w.streams[sub.ID()] = &wsStream{sub: sub, cancel: cancel}
	w.mu.Unlock()

	go w.forward(subCtx, sub)
	return &rpc.SubscribeResult{Subscription: sub.ID()}, nil
}

func (w *wsSession) unsubscribe(raw json.RawMessage) (any, *rpc.Error) {
	params, perr := decodeParams[rpc.UnsubscribeParams](raw)
	if perr != nil {
		return nil, perr
	}
	w.mu.Lock()
	stream, ok := w.streams[params.Subscription]
	delete(w.streams, params.Subscription)
	w.mu.Unlock()
	if !ok {
		return nil, &rpc.Error{Code: rpc.CodeNotFound, Message: "unknown subscription " + params.Subscription}
	}
	stream.sub.Close()
	stream.cancel()
	return map[string]bool{"ok": true}, nil
}

// forward pushes a subscription's deliveries as notifications until the
// stream ends. A slow-consumer disconnect surfaces as subscriptionClosed with
// the slow-consumer code so the client resubscribes with its cursor.
func (w *wsSession) forward(ctx context.Context, sub *bus.Subscription) {
	subID := sub.ID()
	for d := range sub.C() {
		switch {
		case d.Err != nil:
			code := 0
			if d.Err == bus.ErrSlowConsumer {
				code = rpc.CodeSlowConsumer
			}
			w.notify(ctx, rpc.NotifySubscriptionClosed, &rpc.SubscriptionClosedNotification{
				Subscription: subID,
				Code:         code,
				Reason:       d.Err.Error(),
			})
			w.dropStream(subID)
			return
		case d.Event != nil:
			w.notify(ctx, rpc.NotifyEvent, &rpc.EventNotification{Subscription: subID, Event: d.Event})
		case d.Guidance != nil:
			w.notify(ctx, rpc.NotifyGuidance, &rpc.GuidanceNotification{Subscription: subID, Guidance: d.Guidance})
		}
	}
	w.dropStream(subID)
}

func (w *wsSession) dropStream(subID string) {
	w.mu.Lock()
	stream, ok := w.streams[subID]
	delete(w.streams, subID)
	w.mu.Unlock()
	if ok {
		stream.cancel()
	}
}

func (w *wsSession) closeAllStreams() {
	w.mu.Lock()
	streams := w.streams
	w.streams = make(map[string]*wsStream)
	w.mu.Unlock()
	for _, stream := range streams {
		stream.sub.Close()
		stream.cancel()
	}
}

// --- frame writing ---

func (w *wsSession) notify(ctx context.Context, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		w.logger.Warn("failed to marshal notification", "method", method, "error", err)
		return
	}
	w.writeFrame(ctx, &rpc.Request{JSONRPC: rpc.Version, Method: method, Params: raw})
}

func (w *wsSession) writeResult(ctx context.Context, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.writeError(ctx, id, &rpc.Error{Code: rpc.CodeInternal, Message: "failed to marshal result"})
		return
	}
	w.writeFrame(ctx, &rpc.Response{JSONRPC: rpc.Version, ID: id, Result: raw})
}

func (w *wsSession) writeError(ctx context.Context, id json.RawMessage, e *rpc.Error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	w.writeFrame(ctx, &rpc.Response{JSONRPC: rpc.Version, ID: id, Error: e})
}

func (w *wsSession) writeFrame(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Warn("failed to marshal frame", "error", err)
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := w.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		w.logger.Warn("failed to write frame", "error", err)
	}
}
