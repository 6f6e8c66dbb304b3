// Package orchestrator coordinates multi-agent conversations on top of the
// append-only unified event log: it validates appends against the derived
// turn state, fans committed events out through the bus, and nudges the next
// agent with transient guidance events.
package orchestrator

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/store"
)

// defaultGuidanceWindow is the soft deadline hint attached to guidance.
const defaultGuidanceWindow = 30 * time.Second

// Orchestrator is the conversation coordination service. All appends for one
// conversation serialize through its convState lock, which keeps seq/turn
// allocation race-free within the process.
type Orchestrator struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *Metrics

	guidanceWindow time.Duration
	now            func() time.Time

	mu    sync.Mutex
	convs map[int64]*convState
}

// convState is the in-memory projection of one conversation: the row fields
// scheduling reads plus the derived turn state. Hydrated lazily from a
// storage snapshot and kept replay-equivalent by applying every committed
// event.
type convState struct {
	mu       sync.Mutex
	hydrated bool

	id            int64
	uid           string
	status        store.ConversationStatus
	metadata      store.ConversationMetadata
	lastClosedSeq int64

	turns TurnState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGuidanceWindow overrides the guidance deadline hint.
func WithGuidanceWindow(d time.Duration) Option {
	return func(o *Orchestrator) { o.guidanceWindow = d }
}

// WithMetrics attaches a metrics exporter.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator on top of st. The fan-out bus backfills
// subscription cursors straight from the store.
func New(st *store.Store, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:          st,
		logger:         logger,
		guidanceWindow: defaultGuidanceWindow,
		now:            time.Now,
		convs:          make(map[int64]*convState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(MetricsConfig{})
	}
	o.bus = bus.New(func(ctx context.Context, find *store.FindEvent) ([]*store.ConversationEvent, error) {
		return st.ListEvents(ctx, find)
	}, logger)
	return o
}

// Bus exposes the fan-out bus (transport layers stream through
// CreateEventStream rather than holding this directly; tests use it).
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Metrics exposes the metrics exporter for HTTP mounting.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Now exposes the orchestrator clock (transports forward it to agents).
func (o *Orchestrator) Now() time.Time { return o.now() }

// --- conversation lifecycle ---

// CreateConversation registers a new conversation with the given metadata.
// The conversation is idle until StartConversation marks it ready.
func (o *Orchestrator) CreateConversation(ctx context.Context, metadata store.ConversationMetadata) (*store.Conversation, error) {
	if err := metadata.Validate(); err != nil {
		return nil, InvalidArgumentf("invalid metadata: %v", err)
	}
	nowMs := o.now().UnixMilli()
	conversation, err := o.store.CreateConversation(ctx, &store.Conversation{
		UID:       shortuuid.New(),
		Status:    store.ConversationStatusActive,
		Metadata:  metadata,
		CreatedTs: nowMs,
		UpdatedTs: nowMs,
	})
	if err != nil {
		return nil, Transientf(err, "failed to create conversation")
	}
	o.metrics.RecordConversation("created")
	o.logger.Info("conversation created",
		"conversation_id", conversation.ID, "uid", conversation.UID,
		"agents", metadata.AgentIDs())
	return conversation, nil
}

// StartConversation marks the conversation ready to run and emits the first
// guidance. Idempotent: restarting an already started conversation only
// re-emits guidance.
func (o *Orchestrator) StartConversation(ctx context.Context, conversationID int64) error {
	cs, err := o.state(ctx, conversationID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status == store.ConversationStatusCompleted {
		return InvalidArgumentf("conversation %d is completed", conversationID)
	}

	if !cs.metadata.Started {
		meta := cs.metadata
		meta.Started = true
		nowMs := o.now().UnixMilli()
		if _, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{
			ID:        conversationID,
			Metadata:  &meta,
			UpdatedTs: &nowMs,
		}); err != nil {
			return Transientf(err, "failed to start conversation %d", conversationID)
		}
		cs.metadata = meta
		o.metrics.RecordConversation("started")
		o.logger.Info("conversation started", "conversation_id", conversationID)
	}

	o.scheduleLocked(cs)
	return nil
}

// EndConversation completes a conversation administratively: the status flips
// to completed and a system notice is appended. Idempotent.
func (o *Orchestrator) EndConversation(ctx context.Context, conversationID int64) error {
	cs, err := o.state(ctx, conversationID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status == store.ConversationStatusCompleted {
		return nil
	}

	// Persist the status first; in-memory state only flips once the row is
	// durable, so a failure leaves the conversation writable everywhere.
	completed := store.ConversationStatusCompleted
	nowMs := o.now().UnixMilli()
	if _, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:        conversationID,
		Status:    &completed,
		UpdatedTs: &nowMs,
	}); err != nil {
		return Transientf(err, "failed to complete conversation %d", conversationID)
	}
	cs.status = store.ConversationStatusCompleted
	o.appendSystemLocked(ctx, cs, store.SystemKindConversationCompleted, "conversation completed")
	o.metrics.RecordConversation("completed")
	o.logger.Info("conversation completed", "conversation_id", conversationID)
	return nil
}

// --- appends ---

// PostMessageRequest appends a message event.
type PostMessageRequest struct {
	ConversationID  int64
	AgentID         string
	Text            string
	Finality        store.Finality
	Attachments     []*store.Attachment
	Turn            *int64
	ClientRequestID string
}

// PostMessage validates the message against the turn rules and appends it.
// A turn- or conversation-final message closes the turn and triggers
// scheduling; conversation finality also completes the conversation.
func (o *Orchestrator) PostMessage(ctx context.Context, req *PostMessageRequest) (*store.PostResult, error) {
	switch req.Finality {
	case "", store.FinalityNone:
		req.Finality = store.FinalityNone
	case store.FinalityTurn, store.FinalityConversation:
	default:
		o.metrics.RecordRejected(KindInvalidArgument)
		return nil, InvalidArgumentf("invalid finality %q", req.Finality)
	}

	cs, err := o.state(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if res, ok := o.store.LookupRequest(req.ConversationID, req.AgentID, req.ClientRequestID); ok {
		o.metrics.RecordDedupHit()
		return res, nil
	}
	if err := o.checkWritableLocked(cs, req.AgentID); err != nil {
		return nil, err
	}

	turn, eventNo, err := allocate(&cs.turns, req.AgentID, req.Turn)
	if err != nil {
		o.metrics.RecordRejected(KindOf(err))
		return nil, err
	}

	attachments, err := o.storeAttachments(ctx, cs, req.Attachments)
	if err != nil {
		return nil, err
	}

	ev := &store.ConversationEvent{
		ConversationID: req.ConversationID,
		Turn:           turn,
		Event:          eventNo,
		Seq:            cs.turns.LastSeq + 1,
		Ts:             o.now().UTC(),
		AgentID:        req.AgentID,
		Type:           store.EventTypeMessage,
		Finality:       req.Finality,
		Message: &store.MessagePayload{
			Text:            req.Text,
			Attachments:     attachments,
			ClientRequestID: req.ClientRequestID,
		},
	}
	if err := o.appendLocked(ctx, cs, ev); err != nil {
		return nil, err
	}

	res := &store.PostResult{
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
		Turn:           ev.Turn,
		Event:          ev.Event,
	}
	o.store.RememberRequest(req.ConversationID, req.AgentID, req.ClientRequestID, res)

	if req.Finality == store.FinalityConversation {
		o.appendSystemLocked(ctx, cs, store.SystemKindConversationCompleted, "conversation completed")
		o.metrics.RecordConversation("completed")
		o.logger.Info("conversation completed", "conversation_id", req.ConversationID, "agent_id", req.AgentID)
	} else if ev.ClosesTurn() {
		o.scheduleLocked(cs)
	}
	return res, nil
}

// PostTraceRequest appends a trace event (agent working notes).
type PostTraceRequest struct {
	ConversationID  int64
	AgentID         string
	Payload         *store.TracePayload
	Turn            *int64
	ClientRequestID string
}

// PostTrace appends a trace event under the same turn rules as messages.
// Traces never carry finality; a turn_cleared trace posted here behaves
// exactly like ClearTurn.
func (o *Orchestrator) PostTrace(ctx context.Context, req *PostTraceRequest) (*store.PostResult, error) {
	if req.Payload == nil {
		o.metrics.RecordRejected(KindInvalidArgument)
		return nil, InvalidArgumentf("trace payload is required")
	}

	cs, err := o.state(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if res, ok := o.store.LookupRequest(req.ConversationID, req.AgentID, req.ClientRequestID); ok {
		o.metrics.RecordDedupHit()
		return res, nil
	}
	if err := o.checkWritableLocked(cs, req.AgentID); err != nil {
		return nil, err
	}

	turn, eventNo, err := allocate(&cs.turns, req.AgentID, req.Turn)
	if err != nil {
		o.metrics.RecordRejected(KindOf(err))
		return nil, err
	}

	payload := *req.Payload
	payload.ClientRequestID = req.ClientRequestID
	ev := &store.ConversationEvent{
		ConversationID: req.ConversationID,
		Turn:           turn,
		Event:          eventNo,
		Seq:            cs.turns.LastSeq + 1,
		Ts:             o.now().UTC(),
		AgentID:        req.AgentID,
		Type:           store.EventTypeTrace,
		Finality:       store.FinalityNone,
		Trace:          &payload,
	}
	if err := o.appendLocked(ctx, cs, ev); err != nil {
		return nil, err
	}

	res := &store.PostResult{
		ConversationID: ev.ConversationID,
		Seq:            ev.Seq,
		Turn:           ev.Turn,
		Event:          ev.Event,
	}
	o.store.RememberRequest(req.ConversationID, req.AgentID, req.ClientRequestID, res)

	if ev.ClosesTurn() {
		o.scheduleLocked(cs)
	}
	return res, nil
}

// ClearTurn abandons the agent's open turn by appending a turn_cleared trace
// marker. Idempotent: when the agent holds no open turn it is a no-op. The
// returned turn number is the next writable turn.
func (o *Orchestrator) ClearTurn(ctx context.Context, conversationID int64, agentID, reason string) (int64, error) {
	cs, err := o.state(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.status == store.ConversationStatusCompleted {
		return cs.turns.CurrentTurn + 1, nil
	}
	if !cs.metadata.HasAgent(agentID) {
		return 0, NotFoundf("unknown agent %q", agentID)
	}
	if !cs.turns.HasOpenTurn() || cs.turns.OwnerAgentID != agentID {
		return cs.turns.CurrentTurn + 1, nil
	}

	ev := &store.ConversationEvent{
		ConversationID: conversationID,
		Turn:           cs.turns.CurrentTurn,
		Event:          cs.turns.EventsInTurn + 1,
		Seq:            cs.turns.LastSeq + 1,
		Ts:             o.now().UTC(),
		AgentID:        agentID,
		Type:           store.EventTypeTrace,
		Finality:       store.FinalityNone,
		Trace:          &store.TracePayload{Kind: store.TraceKindTurnCleared, Reason: reason},
	}
	if err := o.appendLocked(ctx, cs, ev); err != nil {
		return 0, err
	}
	o.logger.Info("turn cleared",
		"conversation_id", conversationID, "agent_id", agentID, "turn", ev.Turn)
	o.scheduleLocked(cs)
	return cs.turns.CurrentTurn + 1, nil
}

// --- reads ---

// GetSnapshot returns the conversation's full event list plus the fields
// scheduling depends on. Scenario content is stripped unless requested.
func (o *Orchestrator) GetSnapshot(ctx context.Context, conversationID int64, opts store.SnapshotOptions) (*store.Snapshot, error) {
	conversation, events, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFoundf("unknown conversation %d", conversationID)
		}
		return nil, Transientf(err, "failed to load snapshot for conversation %d", conversationID)
	}

	metadata := conversation.Metadata
	scenario := metadata.Scenario
	metadata.Scenario = nil

	snap := &store.Snapshot{
		ConversationID: conversation.ID,
		UID:            conversation.UID,
		Status:         conversation.Status,
		LastClosedSeq:  conversation.LastClosedSeq,
		Metadata:       metadata,
		Events:         events,
	}
	if opts.IncludeScenario {
		snap.Scenario = scenario
	}
	return snap, nil
}

// GetAttachment resolves a content-addressed attachment.
func (o *Orchestrator) GetAttachment(ctx context.Context, conversationID int64, docID string) (*store.Attachment, error) {
	if _, err := o.state(ctx, conversationID); err != nil {
		return nil, err
	}
	a, err := o.store.GetAttachment(ctx, &store.FindAttachment{ConversationID: conversationID, DocID: docID})
	if err != nil {
		return nil, Transientf(err, "failed to load attachment")
	}
	if a == nil {
		return nil, NotFoundf("unknown docId %q", docID)
	}
	return a, nil
}

// CreateEventStream opens a filtered event stream on the conversation. When
// guidance is requested, the current scheduling directive is re-emitted so a
// late or reconnecting subscriber immediately learns whose turn it is.
func (o *Orchestrator) CreateEventStream(ctx context.Context, conversationID int64, opts bus.Options) (*bus.Subscription, error) {
	cs, err := o.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub := o.bus.Subscribe(ctx, conversationID, opts)
	o.metrics.SubscriptionOpened()
	go func() {
		<-ctx.Done()
		o.metrics.SubscriptionClosed()
	}()
	if opts.IncludeGuidance {
		cs.mu.Lock()
		o.scheduleLocked(cs)
		cs.mu.Unlock()
	}
	return sub, nil
}

// --- internals ---

// state returns the hydrated convState for a conversation, NotFound when the
// conversation does not exist.
func (o *Orchestrator) state(ctx context.Context, conversationID int64) (*convState, error) {
	o.mu.Lock()
	cs, ok := o.convs[conversationID]
	if !ok {
		cs = &convState{id: conversationID}
		o.convs[conversationID] = cs
	}
	o.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.hydrated {
		return cs, nil
	}

	conversation, events, err := o.store.GetConversationSnapshot(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			o.mu.Lock()
			delete(o.convs, conversationID)
			o.mu.Unlock()
			return nil, NotFoundf("unknown conversation %d", conversationID)
		}
		return nil, Transientf(err, "failed to hydrate conversation %d", conversationID)
	}

	// Seq is contiguous from 1, so any gap means the log lost an event.
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			return nil, Fatalf(nil, "event log for conversation %d has a gap at seq %d", conversationID, ev.Seq)
		}
	}

	cs.uid = conversation.UID
	cs.status = conversation.Status
	cs.metadata = conversation.Metadata
	cs.lastClosedSeq = conversation.LastClosedSeq
	cs.turns = DeriveTurnState(events)
	cs.hydrated = true
	o.logger.Debug("conversation hydrated",
		"conversation_id", conversationID, "uid", cs.uid,
		"events", len(events), "status", cs.status)

	if cs.turns.LastClosedSeq != cs.lastClosedSeq {
		// The stored pointer is a cache of the derived value; the log wins.
		o.logger.Warn("lastClosedSeq drift repaired from log",
			"conversation_id", conversationID,
			"stored", cs.lastClosedSeq, "derived", cs.turns.LastClosedSeq)
		cs.lastClosedSeq = cs.turns.LastClosedSeq
	}
	return cs, nil
}

func (o *Orchestrator) checkWritableLocked(cs *convState, agentID string) error {
	if cs.status == store.ConversationStatusCompleted {
		o.metrics.RecordRejected(KindInvalidArgument)
		return InvalidArgumentf("conversation %d is completed", cs.id)
	}
	if !cs.metadata.HasAgent(agentID) {
		o.metrics.RecordRejected(KindNotFound)
		return NotFoundf("unknown agent %q", agentID)
	}
	return nil
}

// appendLocked commits ev (retrying once on storage failure), folds it into
// the in-memory state, and publishes it to subscribers. Caller holds cs.mu.
func (o *Orchestrator) appendLocked(ctx context.Context, cs *convState, ev *store.ConversationEvent) error {
	if err := ev.Validate(); err != nil {
		o.metrics.RecordRejected(KindInvalidArgument)
		return InvalidArgumentf("invalid event: %v", err)
	}

	var update *store.UpdateConversation
	if ev.ClosesTurn() {
		nowMs := o.now().UnixMilli()
		update = &store.UpdateConversation{
			ID:            cs.id,
			LastClosedSeq: &ev.Seq,
			UpdatedTs:     &nowMs,
		}
		if ev.Finality == store.FinalityConversation {
			completed := store.ConversationStatusCompleted
			update.Status = &completed
		}
	}

	start := o.now()
	_, err := o.store.AppendEvent(ctx, ev, update)
	if err != nil {
		o.logger.Warn("append failed, retrying once",
			"conversation_id", cs.id, "seq", ev.Seq, "error", err)
		if _, err = o.store.AppendEvent(ctx, ev, update); err != nil {
			o.metrics.RecordRejected(KindTransient)
			return Transientf(err, "failed to append event seq=%d", ev.Seq)
		}
	}
	o.metrics.RecordAppend(string(ev.Type), string(ev.Finality), o.now().Sub(start))

	cs.turns.Apply(ev)
	if ev.ClosesTurn() {
		cs.lastClosedSeq = ev.Seq
	}
	if ev.Finality == store.FinalityConversation {
		cs.status = store.ConversationStatusCompleted
	}

	o.bus.Publish(ev)
	return nil
}

// appendSystemLocked appends a turn-0 system notice. System notices are
// best-effort: a storage failure is logged, not surfaced. Anything that must
// be durable (status, lastClosedSeq) is persisted by the caller beforehand.
func (o *Orchestrator) appendSystemLocked(ctx context.Context, cs *convState, kind, text string) {
	turn, eventNo := allocateSystem(&cs.turns)
	ev := &store.ConversationEvent{
		ConversationID: cs.id,
		Turn:           turn,
		Event:          eventNo,
		Seq:            cs.turns.LastSeq + 1,
		Ts:             o.now().UTC(),
		AgentID:        "",
		Type:           store.EventTypeSystem,
		Finality:       store.FinalityNone,
		System:         &store.SystemPayload{Kind: kind, Text: text},
	}

	if _, err := o.store.AppendEvent(ctx, ev, nil); err != nil {
		o.logger.Warn("failed to append system event",
			"conversation_id", cs.id, "kind", kind, "error", err)
		return
	}
	cs.turns.Apply(ev)
	o.bus.Publish(ev)
}

// scheduleLocked emits the guidance event for the conversation's current
// state. No guidance flows before the conversation is started or after it
// completes. Guidance is transient: emitting it twice is harmless.
func (o *Orchestrator) scheduleLocked(cs *convState) {
	if cs.status != store.ConversationStatusActive || !cs.metadata.Started {
		return
	}

	g := &bus.Guidance{
		ConversationID: cs.id,
		DeadlineMs:     o.now().Add(o.guidanceWindow).UnixMilli(),
	}
	if cs.turns.HasOpenTurn() {
		g.Kind = bus.GuidanceContinueTurn
		g.NextAgentID = cs.turns.OwnerAgentID
		g.Turn = cs.turns.CurrentTurn
	} else {
		g.Kind = bus.GuidanceStartTurn
		g.NextAgentID = nextAgent(cs.metadata.Agents, cs.turns.LastCloserAgentID)
		g.Turn = cs.turns.CurrentTurn + 1
	}

	o.bus.PublishGuidance(g)
	o.metrics.RecordGuidance(string(g.Kind))
	o.logger.Debug("guidance emitted",
		"conversation_id", cs.id, "next_agent_id", g.NextAgentID,
		"kind", g.Kind, "turn", g.Turn)
}

// nextAgent rotates to the first declared agent other than the last closer.
// Declaration order is the deterministic tie-break; a single-agent
// conversation guides that agent again.
func nextAgent(agents []store.AgentMeta, lastCloser string) string {
	for _, a := range agents {
		if a.ID != lastCloser {
			return a.ID
		}
	}
	if len(agents) > 0 {
		return agents[0].ID
	}
	return ""
}

// storeAttachments content-addresses inline attachments and validates
// references. The stored message payload carries doc ids only; content lives
// in the attachment table.
func (o *Orchestrator) storeAttachments(ctx context.Context, cs *convState, attachments []*store.Attachment) ([]*store.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	out := make([]*store.Attachment, 0, len(attachments))
	for _, a := range attachments {
		ref := &store.Attachment{
			ConversationID: cs.id,
			Name:           a.Name,
			ContentType:    a.ContentType,
		}
		switch {
		case a.Content != "":
			ref.DocID = store.DocIDFor(a.Content)
			if _, err := o.store.CreateAttachment(ctx, &store.Attachment{
				ConversationID: cs.id,
				DocID:          ref.DocID,
				Name:           a.Name,
				ContentType:    a.ContentType,
				Content:        a.Content,
				CreatedTs:      o.now().UnixMilli(),
			}); err != nil {
				return nil, Transientf(err, "failed to store attachment %q", a.Name)
			}
		case a.DocID != "":
			existing, err := o.store.GetAttachment(ctx, &store.FindAttachment{
				ConversationID: cs.id, DocID: a.DocID,
			})
			if err != nil {
				return nil, Transientf(err, "failed to resolve attachment %q", a.DocID)
			}
			if existing == nil {
				o.metrics.RecordRejected(KindNotFound)
				return nil, NotFoundf("unknown docId %q", a.DocID)
			}
			ref.DocID = a.DocID
		default:
			o.metrics.RecordRejected(KindInvalidArgument)
			return nil, InvalidArgumentf("attachment %q requires content or docId", a.Name)
		}
		out = append(out, ref)
	}
	return out, nil
}
