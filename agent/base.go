package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/store"
)

// RecoveryMode selects how the runtime handles a turn left open by a previous
// incarnation of this agent.
type RecoveryMode string

const (
	// RecoveryResume picks the open turn back up: the turn function runs
	// again with the partial turn visible in history.
	RecoveryResume RecoveryMode = "resume"
	// RecoveryRestart abandons the open turn with clearTurn and waits for
	// fresh guidance.
	RecoveryRestart RecoveryMode = "restart"
)

// TakeTurnFunc is the agent's turn logic. It runs once per guidance the
// runtime accepts, and should end the turn by posting a message with turn or
// conversation finality (or clearing it). Returning an error abandons the
// turn.
type TakeTurnFunc func(ctx context.Context, tc *TurnContext) error

// Base is the reusable agent runtime. It mirrors the conversation log
// locally, follows guidance, and runs at most one turn at a time.
type Base struct {
	id        string
	transport Transport
	takeTurn  TakeTurnFunc
	recovery  RecoveryMode
	logger    *slog.Logger

	mu      sync.Mutex
	inTurn  bool
	mirror  []*store.ConversationEvent
	lastSeq int64
	cancel  context.CancelFunc
	runErr  chan error

	turnDone chan struct{} // signaled after each turn attempt finishes
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithRecovery selects the recovery mode (default resume).
func WithRecovery(mode RecoveryMode) BaseOption {
	return func(b *Base) { b.recovery = mode }
}

// WithLogger overrides the runtime logger.
func WithLogger(logger *slog.Logger) BaseOption {
	return func(b *Base) { b.logger = logger }
}

// NewBase creates an agent runtime for one agent id.
func NewBase(id string, transport Transport, takeTurn TakeTurnFunc, opts ...BaseOption) *Base {
	b := &Base{
		id:        id,
		transport: transport,
		takeTurn:  takeTurn,
		recovery:  RecoveryResume,
		logger:    slog.Default(),
		turnDone:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("agent_id", id)
	return b
}

// ID returns the agent id this runtime acts as.
func (b *Base) ID() string { return b.id }

// Start runs the agent on a conversation in the background. Stop (or context
// cancellation) ends it; Wait reports the terminal error.
func (b *Base) Start(ctx context.Context, conversationID int64) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.runErr = make(chan error, 1)
	runErr := b.runErr
	b.mu.Unlock()

	go func() {
		runErr <- b.Run(runCtx, conversationID)
	}()
}

// Stop cancels a Start-ed run.
func (b *Base) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until a Start-ed run finishes and returns its error.
func (b *Base) Wait() error {
	b.mu.Lock()
	runErr := b.runErr
	b.mu.Unlock()
	if runErr == nil {
		return nil
	}
	return <-runErr
}

// History returns a copy of the locally mirrored event log.
func (b *Base) History() []*store.ConversationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.ConversationEvent, len(b.mirror))
	for i, ev := range b.mirror {
		out[i] = ev.Clone()
	}
	return out
}

// Run drives the agent on one conversation until the conversation completes,
// the context is canceled, or the transport fails terminally. It recovers
// from a previous crash according to the recovery mode, then follows
// guidance.
func (b *Base) Run(ctx context.Context, conversationID int64) error {
	snap, err := b.transport.Snapshot(ctx, conversationID, store.SnapshotOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to load initial snapshot")
	}

	b.mu.Lock()
	b.mirror = snap.Events
	b.lastSeq = snap.MaxSeq()
	b.mu.Unlock()

	if snap.Status == store.ConversationStatusCompleted {
		b.logger.Info("conversation already completed", "conversation_id", conversationID)
		return nil
	}

	st := orchestrator.DeriveTurnState(snap.Events)
	if st.HasOpenTurn() && st.OwnerAgentID == b.id {
		switch b.recovery {
		case RecoveryRestart:
			b.logger.Info("abandoning stale open turn",
				"conversation_id", conversationID, "turn", st.CurrentTurn)
			if _, err := b.transport.ClearTurn(ctx, conversationID, b.id, "agent restarted"); err != nil {
				return errors.Wrap(err, "failed to clear stale turn")
			}
		default:
			b.logger.Info("resuming open turn",
				"conversation_id", conversationID, "turn", st.CurrentTurn)
			b.dispatch(ctx, conversationID, &bus.Guidance{
				ConversationID: conversationID,
				NextAgentID:    b.id,
				Kind:           bus.GuidanceContinueTurn,
				Turn:           st.CurrentTurn,
			})
		}
	}

	return b.follow(ctx, conversationID)
}

// follow subscribes (and resubscribes after disconnects) and reacts to
// deliveries until the conversation completes.
func (b *Base) follow(ctx context.Context, conversationID int64) error {
	for {
		b.mu.Lock()
		since := b.lastSeq
		b.mu.Unlock()

		stream, err := b.transport.CreateEventStream(ctx, conversationID, bus.Options{
			IncludeGuidance: true,
			SinceSeq:        &since,
		})
		if err != nil {
			return errors.Wrap(err, "failed to subscribe")
		}

		done, err := b.consume(ctx, conversationID, stream)
		stream.Close()
		if done || err != nil {
			return err
		}
		// Disconnected (slow consumer or transport drop): resubscribe with
		// the mirror's cursor and pick up where we left off.
		b.logger.Warn("event stream dropped, resubscribing",
			"conversation_id", conversationID, "since_seq", b.lastSeq)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// consume processes one subscription's deliveries. done reports that the
// conversation finished (no resubscribe needed).
func (b *Base) consume(ctx context.Context, conversationID int64, stream EventStream) (done bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-stream.C():
			if !ok {
				return false, nil
			}
			if d.Err != nil {
				// Slow consumer or transport drop; either way the fix is a
				// fresh subscription with the mirror's cursor.
				b.logger.Warn("event stream error", "error", d.Err)
				return false, nil
			}
			if d.Event != nil {
				if b.observe(d.Event) {
					b.logger.Info("conversation completed", "conversation_id", conversationID)
					return true, nil
				}
			}
			if d.Guidance != nil {
				b.onGuidance(ctx, conversationID, d.Guidance)
			}
		}
	}
}

// observe folds a live event into the mirror. True means the conversation is
// over.
func (b *Base) observe(ev *store.ConversationEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.Seq <= b.lastSeq {
		return false
	}
	b.mirror = append(b.mirror, ev)
	b.lastSeq = ev.Seq
	return ev.Type == store.EventTypeMessage && ev.Finality == store.FinalityConversation
}

// onGuidance reacts to one guidance event. Guidance for other agents and
// guidance arriving while a turn is already running are ignored; guidance is
// transient and will be re-emitted if still relevant.
func (b *Base) onGuidance(ctx context.Context, conversationID int64, g *bus.Guidance) {
	if g.NextAgentID != b.id {
		return
	}

	if g.Kind == bus.GuidanceContinueTurn && b.recovery == RecoveryRestart {
		b.mu.Lock()
		busy := b.inTurn
		b.mu.Unlock()
		if busy {
			return
		}
		if _, err := b.transport.ClearTurn(ctx, conversationID, b.id, "agent restarted"); err != nil {
			b.logger.Warn("failed to clear turn on continue guidance", "error", err)
		}
		return
	}

	b.dispatch(ctx, conversationID, g)
}

// dispatch starts the turn function unless one is already running.
func (b *Base) dispatch(ctx context.Context, conversationID int64, g *bus.Guidance) {
	b.mu.Lock()
	if b.inTurn {
		b.mu.Unlock()
		return
	}
	b.inTurn = true
	b.mu.Unlock()

	go b.runTurn(ctx, conversationID, g)
}

func (b *Base) runTurn(ctx context.Context, conversationID int64, g *bus.Guidance) {
	defer func() {
		b.mu.Lock()
		b.inTurn = false
		b.mu.Unlock()
		select {
		case b.turnDone <- struct{}{}:
		default:
		}
	}()

	tc := &TurnContext{
		agent:          b,
		ConversationID: conversationID,
		Turn:           g.Turn,
		Kind:           g.Kind,
		GuidanceSeq:    g.Seq,
		DeadlineMs:     g.DeadlineMs,
	}
	if err := b.takeTurn(ctx, tc); err != nil {
		// The turn stays open; continue_turn guidance will re-dispatch or
		// the agent can clear it explicitly from its turn logic.
		b.logger.Error("turn function failed",
			"conversation_id", conversationID, "turn", g.Turn, "error", err)
	}
}

// TurnDone exposes the per-turn completion signal (tests synchronize on it).
func (b *Base) TurnDone() <-chan struct{} { return b.turnDone }

// TurnContext is handed to the turn function: identity of the guided turn
// plus append helpers that fill in the agent id and explicit turn number.
type TurnContext struct {
	agent          *Base
	ConversationID int64
	Turn           int64
	Kind           bus.GuidanceKind
	// GuidanceSeq is the fan-out sequence of the dispatching guidance (zero
	// when the turn was re-entered from recovery rather than guidance).
	GuidanceSeq int64
	// DeadlineMs is the orchestrator's soft deadline hint in unix
	// milliseconds, to be checked against Transport().Now(). Zero means no
	// hint was attached.
	DeadlineMs int64
}

// History returns a copy of the mirrored log at call time.
func (tc *TurnContext) History() []*store.ConversationEvent {
	return tc.agent.History()
}

// Transport exposes the underlying transport for operations the helpers
// don't cover.
func (tc *TurnContext) Transport() Transport { return tc.agent.transport }

// GetLatestSnapshot fetches a fresh authoritative snapshot (the local mirror
// may trail it by in-flight deliveries).
func (tc *TurnContext) GetLatestSnapshot(ctx context.Context) (*store.Snapshot, error) {
	return tc.agent.transport.Snapshot(ctx, tc.ConversationID, store.SnapshotOptions{})
}

// PostMessage appends a message into the guided turn.
func (tc *TurnContext) PostMessage(ctx context.Context, text string, finality store.Finality, attachments ...*store.Attachment) (*store.PostResult, error) {
	turn := tc.Turn
	return tc.agent.transport.PostMessage(ctx, &orchestrator.PostMessageRequest{
		ConversationID:  tc.ConversationID,
		AgentID:         tc.agent.id,
		Text:            text,
		Finality:        finality,
		Attachments:     attachments,
		Turn:            &turn,
		ClientRequestID: uuid.New().String(),
	})
}

// PostThought appends a thought trace into the guided turn.
func (tc *TurnContext) PostThought(ctx context.Context, thought string) (*store.PostResult, error) {
	return tc.postTrace(ctx, &store.TracePayload{Kind: store.TraceKindThought, Thought: thought})
}

// PostToolCall appends a tool_call trace into the guided turn.
func (tc *TurnContext) PostToolCall(ctx context.Context, callID, toolName string, args json.RawMessage) (*store.PostResult, error) {
	return tc.postTrace(ctx, &store.TracePayload{
		Kind: store.TraceKindToolCall, ToolCallID: callID, ToolName: toolName, Args: args,
	})
}

// PostToolResult appends a tool_result trace into the guided turn.
func (tc *TurnContext) PostToolResult(ctx context.Context, callID string, result json.RawMessage, toolErr string) (*store.PostResult, error) {
	return tc.postTrace(ctx, &store.TracePayload{
		Kind: store.TraceKindToolResult, ToolCallID: callID, Result: result, Error: toolErr,
	})
}

func (tc *TurnContext) postTrace(ctx context.Context, payload *store.TracePayload) (*store.PostResult, error) {
	turn := tc.Turn
	return tc.agent.transport.PostTrace(ctx, &orchestrator.PostTraceRequest{
		ConversationID:  tc.ConversationID,
		AgentID:         tc.agent.id,
		Payload:         payload,
		Turn:            &turn,
		ClientRequestID: uuid.New().String(),
	})
}

// ClearTurn abandons the guided turn.
func (tc *TurnContext) ClearTurn(ctx context.Context, reason string) (int64, error) {
	return tc.agent.transport.ClearTurn(ctx, tc.ConversationID, tc.agent.id, reason)
}
