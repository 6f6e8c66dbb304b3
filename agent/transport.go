// Package agent provides the reusable agent runtime: a turn-taking loop
// driven by guidance events, with crash recovery and a local mirror of the
// conversation log. Concrete agents supply only their turn logic.
package agent

import (
	"context"
	"time"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/store"
)

// EventStream is a live, filtered view of one conversation's events as
// delivered by a transport.
type EventStream interface {
	// C yields deliveries in order. It closes when the stream ends; a
	// terminal Delivery carrying Err precedes the close on abnormal ends.
	C() <-chan bus.Delivery
	// Close releases the stream. Idempotent.
	Close()
}

// Transport is the orchestrator surface an agent runs against. The in-process
// form calls the orchestrator directly; the wsrpc form speaks JSON-RPC over a
// WebSocket. Agent code is identical over both.
type Transport interface {
	Snapshot(ctx context.Context, conversationID int64, opts store.SnapshotOptions) (*store.Snapshot, error)
	PostMessage(ctx context.Context, req *orchestrator.PostMessageRequest) (*store.PostResult, error)
	PostTrace(ctx context.Context, req *orchestrator.PostTraceRequest) (*store.PostResult, error)
	ClearTurn(ctx context.Context, conversationID int64, agentID, reason string) (int64, error)
	CreateEventStream(ctx context.Context, conversationID int64, opts bus.Options) (EventStream, error)
	// Now is the transport's view of the authoritative clock; agents use it
	// against guidance deadlines.
	Now() time.Time
}
