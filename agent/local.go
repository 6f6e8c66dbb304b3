package agent

import (
	"context"
	"time"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/orchestrator"
	"github.com/jmandel/banterop-sub006/store"
)

// Local is the in-process transport: direct calls into the orchestrator with
// no serialization. Used when agents run inside the server process and in
// tests.
type Local struct {
	orc *orchestrator.Orchestrator
}

// NewLocal wraps an orchestrator as a Transport.
func NewLocal(orc *orchestrator.Orchestrator) *Local {
	return &Local{orc: orc}
}

func (l *Local) Snapshot(ctx context.Context, conversationID int64, opts store.SnapshotOptions) (*store.Snapshot, error) {
	return l.orc.GetSnapshot(ctx, conversationID, opts)
}

func (l *Local) PostMessage(ctx context.Context, req *orchestrator.PostMessageRequest) (*store.PostResult, error) {
	return l.orc.PostMessage(ctx, req)
}

func (l *Local) PostTrace(ctx context.Context, req *orchestrator.PostTraceRequest) (*store.PostResult, error) {
	return l.orc.PostTrace(ctx, req)
}

func (l *Local) ClearTurn(ctx context.Context, conversationID int64, agentID, reason string) (int64, error) {
	return l.orc.ClearTurn(ctx, conversationID, agentID, reason)
}

func (l *Local) CreateEventStream(ctx context.Context, conversationID int64, opts bus.Options) (EventStream, error) {
	sub, err := l.orc.CreateEventStream(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	return &localStream{sub: sub}, nil
}

func (l *Local) Now() time.Time { return l.orc.Now() }

type localStream struct {
	sub *bus.Subscription
}

func (s *localStream) C() <-chan bus.Delivery { return s.sub.C() }
func (s *localStream) Close()                 { s.sub.Close() }
