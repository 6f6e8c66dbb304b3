// Package wsrpc is the remote agent transport: JSON-RPC 2.0 over a single
// WebSocket connection, with automatic reconnection. In-flight calls fail
// fast on disconnect so the caller's request-id dedup can retry safely;
// subscriptions surface a terminal error and are re-opened by the agent
// runtime with its sinceSeq cursor.
package wsrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/jmandel/banterop-sub006/agent"
	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/rpc"
	"github.com/jmandel/banterop-sub006/store"
)

const (
	// callTimeout bounds a single RPC round trip.
	callTimeout = 30 * time.Second
	// heartbeatInterval paces ping calls that detect half-open connections.
	heartbeatInterval = 15 * time.Second
	// streamBuffer bounds a client-side stream before it is declared slow.
	streamBuffer = 256
)

// Client is a Transport over one WebSocket connection.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	// redial paces reconnection attempts (1/s baseline).
	redial *rate.Limiter
	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
	cancel  context.CancelFunc
	pending map[int64]chan *rpc.Response
	streams map[string]*stream
	closed  bool

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on the WebSocket handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithClientLogger overrides the client logger.
func WithClientLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Dial creates a client and establishes the first connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:     url,
		logger:  slog.Default(),
		redial:  rate.NewLimiter(rate.Every(time.Second), 1),
		pending: make(map[int64]chan *rpc.Response),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears the connection down and fails everything in flight.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.dropConnection(conn, errors.New("client closed"))
	return nil
}

var _ agent.Transport = (*Client)(nil)

// --- Transport methods ---

func (c *Client) Snapshot(ctx context.Context, conversationID int64, opts store.SnapshotOptions) (*store.Snapshot, error) {
	var snap store.Snapshot
	err := c.call(ctx, rpc.MethodGetConversation, &rpc.GetConversationParams{
		ConversationID:  conversationID,
		IncludeScenario: opts.IncludeScenario,
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) PostMessage(ctx context.Context, req *orchestrator.PostMessageRequest) (*store.PostResult, error) {
	var res store.PostResult
	err := c.call(ctx, rpc.MethodSendMessage, &rpc.SendMessageParams{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		MessagePayload: &store.MessagePayload{
			Text:            req.Text,
			Attachments:     req.Attachments,
			ClientRequestID: req.ClientRequestID,
		},
		Finality: req.Finality,
		Turn:     req.Turn,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PostTrace(ctx context.Context, req *orchestrator.PostTraceRequest) (*store.PostResult, error) {
	var res store.PostResult
	err := c.call(ctx, rpc.MethodSendTrace, &rpc.SendTraceParams{
		ConversationID:  req.ConversationID,
		AgentID:         req.AgentID,
		TracePayload:    req.Payload,
		Turn:            req.Turn,
		ClientRequestID: req.ClientRequestID,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ClearTurn(ctx context.Context, conversationID int64, agentID, reason string) (int64, error) {
	var res rpc.ClearTurnResult
	err := c.call(ctx, rpc.MethodClearTurn, &rpc.ClearTurnParams{
		ConversationID: conversationID,
		AgentID:        agentID,
		Reason:         reason,
	}, &res)
	if err != nil {
		return 0, err
	}
	return res.Turn, nil
}

// GetAttachment resolves attachment content by doc id.
func (c *Client) GetAttachment(ctx context.Context, conversationID int64, docID string) (*store.Attachment, error) {
	var a store.Attachment
	err := c.call(ctx, rpc.MethodGetAttachment, &rpc.GetAttachmentParams{
		ConversationID: conversationID,
		DocID:          docID,
	}, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Now() time.Time { return time.Now() }

func (c *Client) CreateEventStream(ctx context.Context, conversationID int64, opts bus.Options) (agent.EventStream, error) {
	var res rpc.SubscribeResult
	err := c.call(ctx, rpc.MethodSubscribe, &rpc.SubscribeParams{
		ConversationID:  conversationID,
		Events:          opts.Events,
		Agents:          opts.Agents,
		IncludeGuidance: opts.IncludeGuidance,
		SinceSeq:        opts.SinceSeq,
	}, &res)
	if err != nil {
		return nil, err
	}

	s := &stream{
		id:     res.Subscription,
		client: c,
		ch:     make(chan bus.Delivery, streamBuffer),
	}
	c.mu.Lock()
	c.streams[s.id] = s
	c.mu.Unlock()
	return s, nil
}

// --- connection management ---

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return orchestrator.Transientf(nil, "client closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.redial.Wait(ctx); err != nil {
		return orchestrator.Transientf(err, "reconnect canceled")
	}

	dialOpts := &websocket.DialOptions{}
	if c.token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return orchestrator.Transientf(err, "failed to dial %s", c.url)
	}
	conn.SetReadLimit(16 << 20)

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	c.conn = conn
	c.connCtx = connCtx
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx, conn)
	c.logger.Info("connected", "url", c.url)
	return nil
}

// dropConnection closes conn (if still current), fails in-flight calls with a
// transient error, and terminates live streams so their consumers resubscribe.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if conn == nil || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	pending := c.pending
	c.pending = make(map[int64]chan *rpc.Response)
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.CloseNow()

	errObj := &rpc.Error{Code: rpc.CodeInternal, Message: "connection lost"}
	for _, ch := range pending {
		ch <- &rpc.Response{Error: errObj}
	}
	for _, s := range streams {
		s.terminate(orchestrator.Transientf(cause, "connection lost"))
	}
	if len(pending) > 0 || len(streams) > 0 {
		c.logger.Warn("connection dropped",
			"in_flight", len(pending), "streams", len(streams), "cause", cause)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		c.route(data)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.call(pingCtx, rpc.MethodPing, struct{}{}, nil)
			cancel()
			if err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
				c.dropConnection(conn, err)
				return
			}
		}
	}
}

// route dispatches one inbound frame: a response to a pending call, or a
// server notification.
func (c *Client) route(data []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err == nil && len(resp.ID) > 0 && string(resp.ID) != "null" {
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			c.logger.Warn("response with unparseable id", "id", string(resp.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		c.logger.Warn("unparseable frame from server")
		return
	}

	switch req.Method {
	case rpc.NotifyEvent:
		var n rpc.EventNotification
		if err := json.Unmarshal(req.Params, &n); err != nil || n.Event == nil {
			return
		}
		c.deliver(n.Subscription, bus.Delivery{Event: n.Event})
	case rpc.NotifyGuidance:
		var n rpc.GuidanceNotification
		if err := json.Unmarshal(req.Params, &n); err != nil || n.Guidance == nil {
			return
		}
		c.deliver(n.Subscription, bus.Delivery{Guidance: n.Guidance})
	case rpc.NotifySubscriptionClosed:
		var n rpc.SubscriptionClosedNotification
		if err := json.Unmarshal(req.Params, &n); err != nil {
			return
		}
		c.closeStream(n.Subscription, n.Code, n.Reason)
	default:
		c.logger.Warn("unknown notification", "method", req.Method)
	}
}

func (c *Client) deliver(subID string, d bus.Delivery) {
	c.mu.Lock()
	s, ok := c.streams[subID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !s.offer(d) {
		// The local consumer is not draining; mirror the server-side policy.
		c.logger.Warn("local stream overflow", "subscription", subID)
		c.removeStream(subID)
		s.terminate(bus.ErrSlowConsumer)
	}
}

func (c *Client) closeStream(subID string, code int, reason string) {
	c.mu.Lock()
	s, ok := c.streams[subID]
	delete(c.streams, subID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if code == rpc.CodeSlowConsumer {
		s.terminate(bus.ErrSlowConsumer)
		return
	}
	if reason == "" {
		s.terminate(nil)
		return
	}
	s.terminate(errors.Errorf("subscription closed: %s", reason))
}

func (c *Client) removeStream(subID string) {
	c.mu.Lock()
	delete(c.streams, subID)
	c.mu.Unlock()
}

// call performs one JSON-RPC round trip, reconnecting first if needed.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return orchestrator.InvalidArgumentf("failed to marshal params: %v", err)
	}
	id := c.nextID.Add(1)
	req := &rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}

	ch := make(chan *rpc.Response, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return orchestrator.Transientf(nil, "not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.dropConnection(conn, err)
		return orchestrator.Transientf(err, "write failed")
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return orchestrator.Transientf(ctx.Err(), "call %s canceled", method)
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return orchestrator.Transientf(nil, "call %s timed out", method)
	case resp := <-ch:
		if resp.Error != nil {
			return c.remoteError(method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return orchestrator.Transientf(err, "failed to decode %s result", method)
			}
		}
		return nil
	}
}

// remoteError rehydrates the server's error taxonomy from the wire code.
func (c *Client) remoteError(method string, e *rpc.Error) error {
	switch rpc.KindFor(e.Code) {
	case orchestrator.KindConflict:
		return orchestrator.Conflictf("%s", e.Message)
	case orchestrator.KindNotFound:
		return orchestrator.NotFoundf("%s", e.Message)
	case orchestrator.KindInvalidArgument:
		return orchestrator.InvalidArgumentf("%s", e.Message)
	default:
		return orchestrator.Transientf(e, "call %s failed", method)
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// --- stream ---

type stream struct {
	id     string
	client *Client
	ch     chan bus.Delivery

	mu     sync.Mutex
	closed bool
}

func (s *stream) C() <-chan bus.Delivery { return s.ch }

// Close unsubscribes server-side (best effort) and releases the stream.
func (s *stream) Close() {
	s.client.removeStream(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.call(ctx, rpc.MethodUnsubscribe, &rpc.UnsubscribeParams{Subscription: s.id}, nil); err != nil {
		s.client.logger.Debug("unsubscribe failed", "subscription", s.id, "error", err)
	}
	s.terminate(nil)
}

func (s *stream) offer(d bus.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- d:
		return true
	default:
		return false
	}
}

// terminate delivers a final error (if any) and closes the channel.
func (s *stream) terminate(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err != nil {
		select {
		case s.ch <- bus.Delivery{Err: err}:
		default:
		}
	}
	close(s.ch)
}
