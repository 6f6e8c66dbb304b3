package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/store/cache"
)

// Driver is the database abstraction implemented by store/db/sqlite and
// store/db/postgres.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	// AppendEvent inserts one event record and, when update is non-nil,
	// applies the conversation-row update (lastClosedSeq, status) in the
	// same transaction. Uniqueness of (conversation, seq) and
	// (conversation, turn, event) is enforced by the schema.
	AppendEvent(ctx context.Context, ev *ConversationEvent, update *UpdateConversation) (*ConversationEvent, error)
	ListEvents(ctx context.Context, find *FindEvent) ([]*ConversationEvent, error)
	// GetConversationSnapshot reads the conversation row and its full event
	// list inside one read transaction so the pair is mutually consistent.
	GetConversationSnapshot(ctx context.Context, conversationID int64) (*Conversation, []*ConversationEvent, error)

	// CreateAttachment stores a content-addressed attachment. Re-inserting
	// an existing (conversation, doc_id) pair is a no-op.
	CreateAttachment(ctx context.Context, create *Attachment) (*Attachment, error)
	GetAttachment(ctx context.Context, find *FindAttachment) (*Attachment, error)
}

// FindEvent selects events of one conversation, optionally after a sequence
// cursor.
type FindEvent struct {
	ConversationID int64
	SinceSeq       *int64
	Limit          *int
}

// PostResult is the identity assigned to an appended event, memoized for
// client request deduplication.
type PostResult struct {
	ConversationID int64 `json:"conversation"`
	Seq            int64 `json:"seq"`
	Turn           int64 `json:"turn"`
	Event          int64 `json:"event"`
}

// Store provides database access plus process-local caches.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// requestCache memoizes append results by client request id. The window
	// is bounded (TTL + LRU); retries outside the window append again.
	requestCache *cache.Cache
}

// New creates a Store on top of driver.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		requestCache: cache.New(cache.Config{
			DefaultTTL:      10 * time.Minute,
			CleanupInterval: time.Minute,
			MaxItems:        4096,
		}),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.requestCache.Close()
	return s.driver.Close()
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.CreateConversation(ctx, create)
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

// GetConversation returns the first match or nil.
func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

func (s *Store) AppendEvent(ctx context.Context, ev *ConversationEvent, update *UpdateConversation) (*ConversationEvent, error) {
	return s.driver.AppendEvent(ctx, ev, update)
}

func (s *Store) ListEvents(ctx context.Context, find *FindEvent) ([]*ConversationEvent, error) {
	return s.driver.ListEvents(ctx, find)
}

func (s *Store) GetConversationSnapshot(ctx context.Context, conversationID int64) (*Conversation, []*ConversationEvent, error) {
	return s.driver.GetConversationSnapshot(ctx, conversationID)
}

func (s *Store) CreateAttachment(ctx context.Context, create *Attachment) (*Attachment, error) {
	return s.driver.CreateAttachment(ctx, create)
}

func (s *Store) GetAttachment(ctx context.Context, find *FindAttachment) (*Attachment, error) {
	return s.driver.GetAttachment(ctx, find)
}

// --- client request dedup ---

func requestKey(conversationID int64, agentID, clientRequestID string) string {
	return fmt.Sprintf("%d|%s|%s", conversationID, agentID, clientRequestID)
}

// LookupRequest returns the memoized append result for a client request id.
func (s *Store) LookupRequest(conversationID int64, agentID, clientRequestID string) (*PostResult, bool) {
	if clientRequestID == "" {
		return nil, false
	}
	v, ok := s.requestCache.Get(requestKey(conversationID, agentID, clientRequestID))
	if !ok {
		return nil, false
	}
	res, ok := v.(*PostResult)
	return res, ok
}

// RememberRequest memoizes an append result under its client request id.
func (s *Store) RememberRequest(conversationID int64, agentID, clientRequestID string, res *PostResult) {
	if clientRequestID == "" {
		return
	}
	s.requestCache.Set(requestKey(conversationID, agentID, clientRequestID), res)
}
