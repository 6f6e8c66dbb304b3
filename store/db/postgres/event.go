package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmandel/banterop-sub006/store"
)

func (d *DB) AppendEvent(ctx context.Context, ev *store.ConversationEvent, update *store.UpdateConversation) (*store.ConversationEvent, error) {
	payloadJSON, err := ev.EncodePayload()
	if err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fields := []string{"conversation_id", "turn", "event", "seq", "ts_ms", "agent_id", "type", "finality", "payload_json"}
	args := []any{ev.ConversationID, ev.Turn, ev.Event, ev.Seq, ev.Ts.UnixMilli(), ev.AgentID, ev.Type, ev.Finality, string(payloadJSON)}
	stmt := `INSERT INTO conversation_event (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if update != nil {
		set, uargs := []string{}, []any{}
		if update.Status != nil {
			set, uargs = append(set, "status = "+placeholder(len(uargs)+1)), append(uargs, *update.Status)
		}
		if update.LastClosedSeq != nil {
			set, uargs = append(set, "last_closed_seq = "+placeholder(len(uargs)+1)), append(uargs, *update.LastClosedSeq)
		}
		if update.UpdatedTs != nil {
			set, uargs = append(set, "updated_ts = "+placeholder(len(uargs)+1)), append(uargs, *update.UpdatedTs)
		}
		if len(set) > 0 {
			uargs = append(uargs, update.ID)
			ustmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(uargs))
			if _, err := tx.ExecContext(ctx, ustmt, uargs...); err != nil {
				return nil, fmt.Errorf("failed to update conversation on append: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append transaction: %w", err)
	}

	return ev, nil
}

func (d *DB) ListEvents(ctx context.Context, find *store.FindEvent) ([]*store.ConversationEvent, error) {
	where, args := []string{"conversation_id = " + placeholder(1)}, []any{find.ConversationID}

	if find.SinceSeq != nil {
		where, args = append(where, "seq > "+placeholder(len(args)+1)), append(args, *find.SinceSeq)
	}

	query := `SELECT conversation_id, turn, event, seq, ts_ms, agent_id, type, finality, payload_json
		FROM conversation_event
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq ASC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func (d *DB) GetConversationSnapshot(ctx context.Context, conversationID int64) (*store.Conversation, []*store.ConversationEvent, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, uid, status, metadata_json, last_closed_seq, created_ts, updated_ts FROM conversation WHERE id = $1`,
		conversationID)
	conversation, err := scanConversation(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT conversation_id, turn, event, seq, ts_ms, agent_id, type, finality, payload_json
		FROM conversation_event WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list snapshot events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}

	return conversation, events, nil
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectEvents(rows eventRows) ([]*store.ConversationEvent, error) {
	list := make([]*store.ConversationEvent, 0)
	for rows.Next() {
		ev := &store.ConversationEvent{}
		var tsMs int64
		var payloadJSON string
		if err := rows.Scan(&ev.ConversationID, &ev.Turn, &ev.Event, &ev.Seq, &tsMs, &ev.AgentID, &ev.Type, &ev.Finality, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Ts = time.UnixMilli(tsMs).UTC()
		if err := ev.DecodePayload(json.RawMessage(payloadJSON)); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		list = append(list, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return list, nil
}
