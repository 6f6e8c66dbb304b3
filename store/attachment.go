package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// Attachment is a named blob carried by a message. Attachments are
// content-addressed: the orchestrator stores the content once under
// DocID = sha256(content) and rewrites message payloads to carry only the
// reference.
type Attachment struct {
	ConversationID int64  `json:"-"`
	DocID          string `json:"docId,omitempty"`
	Name           string `json:"name"`
	ContentType    string `json:"contentType"`
	Content        string `json:"content,omitempty"`
	CreatedTs      int64  `json:"-"`
}

// DocIDFor computes the content address for an attachment body.
func DocIDFor(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type FindAttachment struct {
	ConversationID int64
	DocID          string
}
