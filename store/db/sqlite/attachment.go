package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmandel/banterop-sub006/store"
)

func (d *DB) CreateAttachment(ctx context.Context, create *store.Attachment) (*store.Attachment, error) {
	// Content addressing makes duplicate inserts a no-op.
	stmt := `INSERT INTO attachment (conversation_id, doc_id, name, content_type, content, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, doc_id) DO NOTHING`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ConversationID, create.DocID, create.Name, create.ContentType, create.Content, create.CreatedTs,
	); err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}
	return create, nil
}

func (d *DB) GetAttachment(ctx context.Context, find *store.FindAttachment) (*store.Attachment, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT conversation_id, doc_id, name, content_type, content, created_ts
		FROM attachment WHERE conversation_id = ? AND doc_id = ?`,
		find.ConversationID, find.DocID)

	a := &store.Attachment{}
	if err := row.Scan(&a.ConversationID, &a.DocID, &a.Name, &a.ContentType, &a.Content, &a.CreatedTs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}
