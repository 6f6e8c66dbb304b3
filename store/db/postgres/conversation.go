package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmandel/banterop-sub006/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	metadataJSON, err := json.Marshal(&create.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}

	fields := []string{"uid", "status", "metadata_json", "last_closed_seq", "created_ts", "updated_ts"}
	args := []any{create.UID, create.Status, string(metadataJSON), create.LastClosedSeq, create.CreatedTs, create.UpdatedTs}
	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `SELECT id, uid, status, metadata_json, last_closed_seq, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Metadata != nil {
		metadataJSON, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation metadata: %w", err)
		}
		set, args = append(set, "metadata_json = "+placeholder(len(args)+1)), append(args, string(metadataJSON))
	}
	if update.LastClosedSeq != nil {
		set, args = append(set, "last_closed_seq = "+placeholder(len(args)+1)), append(args, *update.LastClosedSeq)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, uid, status, metadata_json, last_closed_seq, created_ts, updated_ts`
	row := d.db.QueryRowContext(ctx, stmt, args...)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	c := &store.Conversation{}
	var metadataJSON string
	if err := row.Scan(&c.ID, &c.UID, &c.Status, &metadataJSON, &c.LastClosedSeq, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation metadata: %w", err)
	}
	return c, nil
}
