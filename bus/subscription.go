package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jmandel/banterop-sub006/store"
)

const (
	// defaultQueueSize bounds a subscription's live queue.
	defaultQueueSize = 256
	// backfillPageSize pages the catch-up query.
	backfillPageSize = 500
)

// Options filters and shapes a subscription.
type Options struct {
	// Events restricts delivery by unified event type. Empty delivers all.
	Events []store.EventType
	// Agents restricts delivery by event author. Empty delivers all.
	// System events have no relevant author and are always delivered.
	Agents []string
	// IncludeGuidance also delivers transient guidance events.
	IncludeGuidance bool
	// SinceSeq, when set, replays persisted events with seq > SinceSeq
	// before live delivery begins. The seam is gap-free and duplicate-free.
	SinceSeq *int64
	// QueueSize overrides the bounded queue length (default 256).
	QueueSize int
}

// Subscription is one subscriber's ordered, at-most-once view of a
// conversation's event stream.
type Subscription struct {
	id             string
	conversationID int64
	opts           Options
	logger         *slog.Logger

	queue chan Delivery // producer side (bounded)
	out   chan Delivery // consumer side

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(conversationID int64, opts Options, logger *slog.Logger) *Subscription {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		opts:           opts,
		logger:         logger,
		queue:          make(chan Delivery, size),
		out:            make(chan Delivery, size),
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() int64 { return s.conversationID }

// C is the consumer channel. It closes after a terminal Delivery carrying
// Err, or after Close.
func (s *Subscription) C() <-chan Delivery { return s.out }

// Err returns the terminal error, if the subscription was disconnected.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Idempotent.
func (s *Subscription) Close() {
	s.shutdown(nil)
}

func (s *Subscription) fail(err error) {
	s.shutdown(err)
}

func (s *Subscription) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	close(s.queue)
}

// offer enqueues without blocking. False means the queue is full.
func (s *Subscription) offer(d Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // silently ignore; subscription is going away
	}
	select {
	case s.queue <- d:
		return true
	default:
		return false
	}
}

// matches applies the type/author filters.
func (s *Subscription) matches(ev *store.ConversationEvent) bool {
	if len(s.opts.Events) > 0 {
		ok := false
		for _, t := range s.opts.Events {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.opts.Agents) > 0 && ev.Type != store.EventTypeSystem {
		ok := false
		for _, a := range s.opts.Agents {
			if ev.AgentID == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// pump moves deliveries from the bounded queue to the consumer channel,
// replaying persisted history first when a cursor was given. Live events
// observed during backfill buffer in the queue; any with seq at or below the
// backfill high-water mark are dropped at the seam.
func (s *Subscription) pump(ctx context.Context, backfill BackfillFunc, onDone func()) {
	defer close(s.out)
	defer onDone()

	var lastSeq int64

	if s.opts.SinceSeq != nil {
		if backfill == nil {
			s.deliver(ctx, Delivery{Err: errors.New("backfill requested but not supported")})
			s.shutdown(nil)
			return
		}
		cursor := *s.opts.SinceSeq
		lastSeq = cursor
		for {
			limit := backfillPageSize
			events, err := backfill(ctx, &store.FindEvent{
				ConversationID: s.conversationID,
				SinceSeq:       &cursor,
				Limit:          &limit,
			})
			if err != nil {
				s.logger.Warn("subscription backfill failed",
					"conversation_id", s.conversationID, "subscription_id", s.id, "error", err)
				s.deliver(ctx, Delivery{Err: errors.Wrap(err, "backfill failed")})
				s.shutdown(nil)
				return
			}
			for _, ev := range events {
				cursor = ev.Seq
				if !s.matches(ev) {
					continue
				}
				if !s.deliver(ctx, Delivery{Event: ev}) {
					s.shutdown(nil)
					return
				}
				lastSeq = ev.Seq
			}
			if len(events) < backfillPageSize {
				break
			}
		}
		if cursor > lastSeq {
			lastSeq = cursor
		}
	}

	for d := range s.queue {
		if d.Event != nil {
			if d.Event.Seq <= lastSeq {
				continue // already delivered by backfill
			}
			lastSeq = d.Event.Seq
		}
		if !s.deliver(ctx, d) {
			s.shutdown(nil)
			return
		}
	}

	// Queue closed: surface the terminal error, if any.
	if err := s.Err(); err != nil {
		s.deliver(ctx, Delivery{Err: err})
	}
}

func (s *Subscription) deliver(ctx context.Context, d Delivery) bool {
	select {
	case s.out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
