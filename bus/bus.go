// Package bus fans unified events and transient guidance out to
// per-conversation subscribers. Subscriptions carry type/author filters, an
// optional backfill cursor, and a bounded queue; slow consumers are
// disconnected rather than allowed to block the writer.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/store"
)

// ErrSlowConsumer marks a subscription that was disconnected because its
// queue overflowed. The client must re-subscribe with a sinceSeq cursor.
var ErrSlowConsumer = errors.New("subscription dropped: slow consumer")

// GuidanceKind tells the target agent whether to open a fresh turn or pick an
// open one back up.
type GuidanceKind string

const (
	GuidanceStartTurn    GuidanceKind = "start_turn"
	GuidanceContinueTurn GuidanceKind = "continue_turn"
)

// Guidance is a transient scheduling directive. It is never persisted; Seq is
// the bus-local fan-out sequence, unrelated to log seq values.
type Guidance struct {
	Type           string       `json:"type"` // always "guidance"
	ConversationID int64        `json:"conversation"`
	NextAgentID    string       `json:"nextAgentId"`
	Kind           GuidanceKind `json:"kind"`
	Turn           int64        `json:"turn"`
	Seq            int64        `json:"seq"`
	DeadlineMs     int64        `json:"deadlineMs"`
}

// Delivery is one item received by a subscriber: a unified event, a guidance
// event, or a terminal error (the channel closes after an error).
type Delivery struct {
	Event    *store.ConversationEvent
	Guidance *Guidance
	Err      error
}

// BackfillFunc reads persisted events for the backfill phase of a
// subscription. Implemented by the orchestrator on top of the store.
type BackfillFunc func(ctx context.Context, find *store.FindEvent) ([]*store.ConversationEvent, error)

// Bus is the per-process fan-out hub.
type Bus struct {
	logger   *slog.Logger
	backfill BackfillFunc

	mu     sync.RWMutex
	topics map[int64]*topic
}

type topic struct {
	mu          sync.Mutex
	subs        map[string]*Subscription
	guidanceSeq atomic.Int64
}

// New creates a Bus. backfill may be nil when no subscriber ever asks for a
// sinceSeq cursor (tests).
func New(backfill BackfillFunc, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		backfill: backfill,
		topics:   make(map[int64]*topic),
	}
}

func (b *Bus) topicFor(conversationID int64) *topic {
	b.mu.RLock()
	t, ok := b.topics[conversationID]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[conversationID]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*Subscription)}
	b.topics[conversationID] = t
	return t
}

// Subscribe registers a subscriber for one conversation. Registration happens
// before any backfill query so that the live/backfill seam has no gap: live
// events buffer in the queue while backfill replays, then the pump stitches
// the two together deduplicating by seq.
func (b *Bus) Subscribe(ctx context.Context, conversationID int64, opts Options) *Subscription {
	sub := newSubscription(conversationID, opts, b.logger)

	t := b.topicFor(conversationID)
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	go sub.pump(ctx, b.backfill, func() { b.remove(conversationID, sub.id) })
	return sub
}

func (b *Bus) remove(conversationID int64, subID string) {
	b.mu.RLock()
	t, ok := b.topics[conversationID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, subID)
	t.mu.Unlock()
}

// Publish delivers a persisted unified event to every matching subscriber.
// The send never blocks: a subscriber whose queue is full is disconnected
// with ErrSlowConsumer.
func (b *Bus) Publish(ev *store.ConversationEvent) {
	t := b.topicFor(ev.ConversationID)

	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if !s.matches(ev) {
			continue
		}
		if !s.offer(Delivery{Event: ev}) {
			b.logger.Warn("disconnecting slow subscriber",
				"conversation_id", ev.ConversationID, "subscription_id", s.id)
			s.fail(ErrSlowConsumer)
			b.remove(ev.ConversationID, s.id)
		}
	}
}

// PublishGuidance delivers a guidance event to subscribers that asked for
// guidance. Fire-and-forget: a full queue drops the guidance (the subscriber
// recovers it by resubscribing) and never disconnects the subscription.
func (b *Bus) PublishGuidance(g *Guidance) {
	t := b.topicFor(g.ConversationID)
	g.Type = "guidance"
	g.Seq = t.guidanceSeq.Add(1)

	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if s.opts.IncludeGuidance {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()

	for _, s := range subs {
		if !s.offer(Delivery{Guidance: g}) {
			b.logger.Warn("dropping guidance for slow subscriber",
				"conversation_id", g.ConversationID, "subscription_id", s.id,
				"next_agent_id", g.NextAgentID)
		}
	}
}

// SubscriberCount reports the live subscriber count for one conversation.
func (b *Bus) SubscriberCount(conversationID int64) int {
	b.mu.RLock()
	t, ok := b.topics[conversationID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
