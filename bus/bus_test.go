package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmandel/banterop-sub006/store"
)

func testEvent(conversationID, seq, turn, event int64, agentID string, eventType store.EventType) *store.ConversationEvent {
	ev := &store.ConversationEvent{
		ConversationID: conversationID,
		Turn:           turn,
		Event:          event,
		Seq:            seq,
		AgentID:        agentID,
		Type:           eventType,
		Finality:       store.FinalityNone,
	}
	switch eventType {
	case store.EventTypeMessage:
		ev.Message = &store.MessagePayload{Text: "m"}
	case store.EventTypeTrace:
		ev.Trace = &store.TracePayload{Kind: store.TraceKindThought}
	case store.EventTypeSystem:
		ev.Turn = 0
		ev.AgentID = ""
		ev.System = &store.SystemPayload{Kind: store.SystemKindConversationCompleted}
	}
	return ev
}

// sliceBackfill serves backfill queries from an in-memory event list.
func sliceBackfill(events []*store.ConversationEvent) BackfillFunc {
	return func(_ context.Context, find *store.FindEvent) ([]*store.ConversationEvent, error) {
		var out []*store.ConversationEvent
		for _, ev := range events {
			if find.SinceSeq != nil && ev.Seq <= *find.SinceSeq {
				continue
			}
			out = append(out, ev)
			if find.Limit != nil && len(out) >= *find.Limit {
				break
			}
		}
		return out, nil
	}
}

func receive(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishTypeAndAgentFilters(t *testing.T) {
	b := New(nil, slog.Default())
	ctx := context.Background()

	onlyAliceMessages := b.Subscribe(ctx, 1, Options{
		Events: []store.EventType{store.EventTypeMessage},
		Agents: []string{"alice"},
	})
	defer onlyAliceMessages.Close()

	b.Publish(testEvent(1, 1, 1, 1, "alice", store.EventTypeTrace))  // wrong type
	b.Publish(testEvent(1, 2, 1, 2, "bob", store.EventTypeMessage))  // wrong agent
	b.Publish(testEvent(1, 3, 1, 3, "alice", store.EventTypeMessage))

	d := receive(t, onlyAliceMessages)
	require.NotNil(t, d.Event)
	assert.Equal(t, int64(3), d.Event.Seq)

	// System events bypass the agent filter (no meaningful author) but not
	// the type filter.
	b.Publish(testEvent(1, 4, 0, 1, "", store.EventTypeSystem))
	expectNothing(t, onlyAliceMessages)
}

func TestSystemEventsBypassAgentFilter(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{Agents: []string{"alice"}})
	defer sub.Close()

	b.Publish(testEvent(1, 1, 0, 1, "", store.EventTypeSystem))
	d := receive(t, sub)
	require.NotNil(t, d.Event)
	assert.Equal(t, store.EventTypeSystem, d.Event.Type)
}

func TestPublishIsConversationScoped(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{})
	defer sub.Close()

	b.Publish(testEvent(2, 1, 1, 1, "alice", store.EventTypeMessage))
	expectNothing(t, sub)
}

func TestOrderingPreserved(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{})
	defer sub.Close()

	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(testEvent(1, seq, 1, seq, "alice", store.EventTypeMessage))
	}
	for seq := int64(1); seq <= 5; seq++ {
		d := receive(t, sub)
		require.NotNil(t, d.Event)
		assert.Equal(t, seq, d.Event.Seq)
	}
}

func TestSlowConsumerDisconnected(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{QueueSize: 1})

	// Nobody drains; the queue (plus the pump's in-flight item) overflows.
	for seq := int64(1); seq <= 10; seq++ {
		b.Publish(testEvent(1, seq, 1, seq, "alice", store.EventTypeMessage))
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for slow-consumer disconnect")
		case d, ok := <-sub.C():
			if !ok {
				t.Fatal("channel closed without a terminal error")
			}
			if d.Err != nil {
				assert.ErrorIs(t, d.Err, ErrSlowConsumer)
				assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
				// The bus already dropped the subscription.
				assert.Eventually(t, func() bool {
					return b.SubscriberCount(1) == 0
				}, time.Second, 10*time.Millisecond)
				return
			}
		}
	}
}

func TestBackfillSeamNoGapsNoDuplicates(t *testing.T) {
	persisted := []*store.ConversationEvent{
		testEvent(1, 1, 1, 1, "alice", store.EventTypeMessage),
		testEvent(1, 2, 1, 2, "alice", store.EventTypeMessage),
		testEvent(1, 3, 2, 1, "bob", store.EventTypeMessage),
	}
	b := New(sliceBackfill(persisted), slog.Default())

	since := int64(1)
	sub := b.Subscribe(context.Background(), 1, Options{SinceSeq: &since})
	defer sub.Close()

	// Live duplicates of persisted events race the backfill; the seam must
	// deduplicate by seq.
	b.Publish(persisted[2])
	b.Publish(testEvent(1, 4, 2, 2, "bob", store.EventTypeMessage))

	var seqs []int64
	for len(seqs) < 3 {
		d := receive(t, sub)
		require.NoError(t, d.Err)
		require.NotNil(t, d.Event)
		seqs = append(seqs, d.Event.Seq)
	}
	assert.Equal(t, []int64{2, 3, 4}, seqs)
}

func TestBackfillWithoutSupportFails(t *testing.T) {
	b := New(nil, slog.Default())
	since := int64(0)
	sub := b.Subscribe(context.Background(), 1, Options{SinceSeq: &since})
	defer sub.Close()

	d := receive(t, sub)
	require.Error(t, d.Err)
}

func TestGuidanceOnlyToOptedInSubscribers(t *testing.T) {
	b := New(nil, slog.Default())
	ctx := context.Background()

	plain := b.Subscribe(ctx, 1, Options{})
	defer plain.Close()
	guided := b.Subscribe(ctx, 1, Options{IncludeGuidance: true})
	defer guided.Close()

	b.PublishGuidance(&Guidance{ConversationID: 1, NextAgentID: "alice", Kind: GuidanceStartTurn, Turn: 1})

	d := receive(t, guided)
	require.NotNil(t, d.Guidance)
	assert.Equal(t, "guidance", d.Guidance.Type)
	assert.Equal(t, "alice", d.Guidance.NextAgentID)
	assert.Equal(t, int64(1), d.Guidance.Seq)

	expectNothing(t, plain)
}

func TestGuidanceSeqMonotonicPerConversation(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{IncludeGuidance: true})
	defer sub.Close()

	b.PublishGuidance(&Guidance{ConversationID: 1, NextAgentID: "alice", Kind: GuidanceStartTurn, Turn: 1})
	b.PublishGuidance(&Guidance{ConversationID: 1, NextAgentID: "bob", Kind: GuidanceStartTurn, Turn: 2})

	first := receive(t, sub)
	second := receive(t, sub)
	require.NotNil(t, first.Guidance)
	require.NotNil(t, second.Guidance)
	assert.Greater(t, second.Guidance.Seq, first.Guidance.Seq)
}

func TestGuidanceDroppedOnFullQueueWithoutDisconnect(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{IncludeGuidance: true, QueueSize: 1})
	defer sub.Close()

	// Saturate, then publish guidance: the guidance is dropped but the
	// subscription survives.
	for i := int64(1); i <= 5; i++ {
		b.PublishGuidance(&Guidance{ConversationID: 1, NextAgentID: "alice", Kind: GuidanceStartTurn, Turn: i})
	}

	assert.Equal(t, 1, b.SubscriberCount(1))
	d := receive(t, sub)
	require.NotNil(t, d.Guidance)
	assert.NoError(t, sub.Err())
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(nil, slog.Default())
	sub := b.Subscribe(context.Background(), 1, Options{})
	sub.Close()
	sub.Close() // idempotent

	assert.Eventually(t, func() bool {
		return b.SubscriberCount(1) == 0
	}, time.Second, 10*time.Millisecond)
}
