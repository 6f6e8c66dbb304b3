package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/store"
	"github.com/jmandel/banterop-sub006/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{
		Mode:   "dev",
		Data:   dir,
		Driver: "sqlite",
		DSN:    filepath.Join(dir, "banterop_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	return New(st, slog.Default()), st
}

func createConversation(t *testing.T, orc *Orchestrator, agents ...string) *store.Conversation {
	t.Helper()
	metas := make([]store.AgentMeta, 0, len(agents))
	for _, id := range agents {
		metas = append(metas, store.AgentMeta{ID: id})
	}
	conversation, err := orc.CreateConversation(context.Background(), store.ConversationMetadata{Agents: metas})
	require.NoError(t, err)
	return conversation
}

func postMessage(t *testing.T, orc *Orchestrator, conversationID int64, agentID, text string, finality store.Finality) *store.PostResult {
	t.Helper()
	res, err := orc.PostMessage(context.Background(), &PostMessageRequest{
		ConversationID: conversationID,
		AgentID:        agentID,
		Text:           text,
		Finality:       finality,
	})
	require.NoError(t, err)
	return res
}

// waitGuidanceFor drains the subscription until guidance targeting agentID
// arrives.
func waitGuidanceFor(t *testing.T, sub *bus.Subscription, agentID string) *bus.Guidance {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for guidance targeting %s", agentID)
			return nil
		case d, ok := <-sub.C():
			require.True(t, ok, "subscription closed while waiting for guidance")
			require.NoError(t, d.Err)
			if d.Guidance != nil && d.Guidance.NextAgentID == agentID {
				return d.Guidance
			}
		}
	}
}

func TestTurnAlternation(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")

	sub, err := orc.CreateEventStream(ctx, conversation.ID, bus.Options{IncludeGuidance: true})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	g := waitGuidanceFor(t, sub, "alice")
	assert.Equal(t, bus.GuidanceStartTurn, g.Kind)
	assert.Equal(t, int64(1), g.Turn)
	assert.Equal(t, "guidance", g.Type)
	assert.Greater(t, g.DeadlineMs, int64(0))

	res := postMessage(t, orc, conversation.ID, "alice", "hello", store.FinalityTurn)
	assert.Equal(t, int64(1), res.Seq)
	assert.Equal(t, int64(1), res.Turn)
	assert.Equal(t, int64(1), res.Event)

	g = waitGuidanceFor(t, sub, "bob")
	assert.Equal(t, bus.GuidanceStartTurn, g.Kind)
	assert.Equal(t, int64(2), g.Turn)

	postMessage(t, orc, conversation.ID, "bob", "hi", store.FinalityTurn)

	g = waitGuidanceFor(t, sub, "alice")
	assert.Equal(t, int64(3), g.Turn)
}

func TestOpenTurnGuidanceContinues(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	// Alice opens turn 1 but does not close it.
	postMessage(t, orc, conversation.ID, "alice", "thinking...", store.FinalityNone)

	// A fresh guidance-bearing subscription re-emits the current directive.
	sub, err := orc.CreateEventStream(ctx, conversation.ID, bus.Options{IncludeGuidance: true})
	require.NoError(t, err)
	defer sub.Close()

	g := waitGuidanceFor(t, sub, "alice")
	assert.Equal(t, bus.GuidanceContinueTurn, g.Kind)
	assert.Equal(t, int64(1), g.Turn)
}

func TestAppendConflicts(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	postMessage(t, orc, conversation.ID, "alice", "open", store.FinalityNone)

	// Non-owner cannot append into the open turn.
	_, err := orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "bob", Text: "mine now",
	})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), "turn owned by other")

	// Owner cannot open the next turn while the current one is open.
	next := int64(2)
	_, err = orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "alice", Text: "skip", Turn: &next,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn already open")

	// Close turn 1; an explicit stale turn number is rejected.
	postMessage(t, orc, conversation.ID, "alice", "done", store.FinalityTurn)
	stale := int64(4)
	_, err = orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "bob", Text: "way ahead", Turn: &stale,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid turn number")
}

func TestUnknownConversationAndAgent(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orc.GetSnapshot(ctx, 12345, store.SnapshotOptions{})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	conversation := createConversation(t, orc, "alice")
	_, err = orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "mallory", Text: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestClearTurnIdempotent(t *testing.T) {
	orc, st := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	postMessage(t, orc, conversation.ID, "alice", "partial", store.FinalityNone)

	next, err := orc.ClearTurn(ctx, conversation.ID, "alice", "stuck")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	// Second call is a no-op returning the same next turn.
	next, err = orc.ClearTurn(ctx, conversation.ID, "alice", "stuck")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	events, err := st.ListEvents(ctx, &store.FindEvent{ConversationID: conversation.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, store.EventTypeTrace, last.Type)
	require.NotNil(t, last.Trace)
	assert.Equal(t, store.TraceKindTurnCleared, last.Trace.Kind)
	assert.Equal(t, "stuck", last.Trace.Reason)

	// After a clear, either agent may open the next turn.
	res := postMessage(t, orc, conversation.ID, "bob", "my turn now", store.FinalityNone)
	assert.Equal(t, int64(2), res.Turn)
	assert.Equal(t, int64(1), res.Event)
}

func TestConversationCompletion(t *testing.T) {
	orc, st := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	postMessage(t, orc, conversation.ID, "alice", "bye", store.FinalityConversation)

	snap, err := orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusCompleted, snap.Status)
	require.Len(t, snap.Events, 2)

	system := snap.Events[1]
	assert.Equal(t, store.EventTypeSystem, system.Type)
	assert.Equal(t, int64(0), system.Turn)
	require.NotNil(t, system.System)
	assert.Equal(t, store.SystemKindConversationCompleted, system.System.Kind)

	// Appends after completion are rejected.
	_, err = orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "bob", Text: "too late",
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	// Restarting a completed conversation is rejected too.
	err = orc.StartConversation(ctx, conversation.ID)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	// The stored row agrees with the derived state.
	row, err := st.GetConversation(ctx, &store.FindConversation{ID: &conversation.ID})
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusCompleted, row.Status)
	assert.Equal(t, int64(1), row.LastClosedSeq)
}

func TestEndConversation(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	require.NoError(t, orc.EndConversation(ctx, conversation.ID))
	require.NoError(t, orc.EndConversation(ctx, conversation.ID)) // idempotent

	snap, err := orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusCompleted, snap.Status)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, store.EventTypeSystem, snap.Events[0].Type)
}

// flakyDriver passes everything through until failUpdates is set.
type flakyDriver struct {
	store.Driver
	failUpdates bool
}

func (d *flakyDriver) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	if d.failUpdates {
		return nil, errors.New("disk full")
	}
	return d.Driver.UpdateConversation(ctx, update)
}

func TestEndConversationSurfacesStorageFailure(t *testing.T) {
	dir := t.TempDir()
	p := &profile.Profile{
		Mode:   "dev",
		Data:   dir,
		Driver: "sqlite",
		DSN:    filepath.Join(dir, "banterop_test.db"),
	}
	base, err := sqlite.NewDB(p)
	require.NoError(t, err)
	flaky := &flakyDriver{Driver: base}
	st := store.New(flaky, p)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })
	orc := New(st, slog.Default())

	conversation := createConversation(t, orc, "alice")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	flaky.failUpdates = true
	err = orc.EndConversation(ctx, conversation.ID)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))

	// The conversation stays active everywhere: the durable row still says
	// active and appends are still accepted.
	snap, err := orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusActive, snap.Status)
	postMessage(t, orc, conversation.ID, "alice", "still going", store.FinalityTurn)

	flaky.failUpdates = false
	require.NoError(t, orc.EndConversation(ctx, conversation.ID))
	snap, err = orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusCompleted, snap.Status)
}

func TestHydrateDetectsSeqGap(t *testing.T) {
	st := newTestStore(t)
	orc := New(st, slog.Default())
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")

	// Write a log with a missing seq directly, bypassing allocation.
	for _, seq := range []int64{1, 3} {
		_, err := st.AppendEvent(ctx, &store.ConversationEvent{
			ConversationID: conversation.ID,
			Turn:           1,
			Event:          seq,
			Seq:            seq,
			Ts:             time.Now().UTC(),
			AgentID:        "alice",
			Type:           store.EventTypeMessage,
			Finality:       store.FinalityNone,
			Message:        &store.MessagePayload{Text: "x"},
		}, nil)
		require.NoError(t, err)
	}

	restarted := New(st, slog.Default())
	_, err := restarted.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "alice", Text: "more",
	})
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Contains(t, err.Error(), "gap at seq 3")
}

func TestClientRequestDedup(t *testing.T) {
	orc, st := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	req := &PostMessageRequest{
		ConversationID:  conversation.ID,
		AgentID:         "alice",
		Text:            "hello",
		Finality:        store.FinalityTurn,
		ClientRequestID: "req-1",
	}
	first, err := orc.PostMessage(ctx, req)
	require.NoError(t, err)

	second, err := orc.PostMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	events, err := st.ListEvents(ctx, &store.FindEvent{ConversationID: conversation.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplayEquivalenceAcrossRestart(t *testing.T) {
	st := newTestStore(t)
	orc := New(st, slog.Default())
	ctx := context.Background()

	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))
	postMessage(t, orc, conversation.ID, "alice", "one", store.FinalityTurn)
	postMessage(t, orc, conversation.ID, "bob", "two", store.FinalityNone)
	_, err := orc.ClearTurn(ctx, conversation.ID, "bob", "")
	require.NoError(t, err)

	// The derived state is a pure function of the log.
	events, err := st.ListEvents(ctx, &store.FindEvent{ConversationID: conversation.ID})
	require.NoError(t, err)
	derived := DeriveTurnState(events)
	assert.Equal(t, int64(2), derived.CurrentTurn)
	assert.False(t, derived.HasOpenTurn())
	assert.Equal(t, int64(3), derived.LastSeq)
	assert.Equal(t, int64(3), derived.LastClosedSeq)

	// A fresh orchestrator over the same store hydrates to the same place
	// and continues seq/turn numbering seamlessly.
	restarted := New(st, slog.Default())
	res, err := restarted.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID, AgentID: "alice", Text: "three",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Seq)
	assert.Equal(t, int64(3), res.Turn)
	assert.Equal(t, int64(1), res.Event)
}

func TestAttachmentsContentAddressed(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	content := "X-ray shows a hairline fracture."
	wantDocID := store.DocIDFor(content)

	_, err := orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID,
		AgentID:        "alice",
		Text:           "see attached",
		Finality:       store.FinalityTurn,
		Attachments: []*store.Attachment{
			{Name: "xray.txt", ContentType: "text/plain", Content: content},
		},
	})
	require.NoError(t, err)

	// Stored payload references the doc id and carries no inline content.
	snap, err := orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Events)
	msg := snap.Events[0].Message
	require.NotNil(t, msg)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, wantDocID, msg.Attachments[0].DocID)
	assert.Empty(t, msg.Attachments[0].Content)

	// Content resolves by doc id.
	attachment, err := orc.GetAttachment(ctx, conversation.ID, wantDocID)
	require.NoError(t, err)
	assert.Equal(t, content, attachment.Content)

	// Referencing a known doc id works; an unknown one is NotFound.
	_, err = orc.PostMessage(ctx, &PostMessageRequest{
		ConversationID: conversation.ID,
		AgentID:        "bob",
		Text:           "re-sharing",
		Attachments:    []*store.Attachment{{Name: "xray.txt", DocID: wantDocID}},
	})
	require.NoError(t, err)

	_, err = orc.GetAttachment(ctx, conversation.ID, "deadbeef")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSnapshotScenarioOptIn(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()

	conversation, err := orc.CreateConversation(ctx, store.ConversationMetadata{
		Agents:   []store.AgentMeta{{ID: "alice"}},
		Scenario: []byte(`{"setting":"clinic"}`),
	})
	require.NoError(t, err)

	snap, err := orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{})
	require.NoError(t, err)
	assert.Empty(t, snap.Scenario)
	assert.Empty(t, snap.Metadata.Scenario)

	snap, err = orc.GetSnapshot(ctx, conversation.ID, store.SnapshotOptions{IncludeScenario: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"setting":"clinic"}`, string(snap.Scenario))
}

func TestEventStreamBackfillSeam(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	ctx := context.Background()
	conversation := createConversation(t, orc, "alice", "bob")
	require.NoError(t, orc.StartConversation(ctx, conversation.ID))

	postMessage(t, orc, conversation.ID, "alice", "one", store.FinalityTurn)
	postMessage(t, orc, conversation.ID, "bob", "two", store.FinalityTurn)

	since := int64(0)
	sub, err := orc.CreateEventStream(ctx, conversation.ID, bus.Options{SinceSeq: &since})
	require.NoError(t, err)
	defer sub.Close()

	postMessage(t, orc, conversation.ID, "alice", "three", store.FinalityTurn)

	var got []int64
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, got seqs %v", got)
		case d, ok := <-sub.C():
			require.True(t, ok)
			require.NoError(t, d.Err)
			if d.Event != nil {
				got = append(got, d.Event.Seq)
			}
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}
