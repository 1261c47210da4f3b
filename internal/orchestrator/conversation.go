package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/store"
)

// ConversationStore persists conversations under store.PrefixConv.
type ConversationStore struct {
	kv  store.Store
	now func() time.Time
	mu  sync.Mutex
}

// NewConversationStore wraps kv. now may be nil.
func NewConversationStore(kv store.Store, now func() time.Time) *ConversationStore {
	if now == nil {
		now = time.Now
	}
	return &ConversationStore{kv: kv, now: now}
}

func convKey(id string) string { return store.PrefixConv + id }

// Load returns the conversation, or an empty one when none is stored.
func (cs *ConversationStore) Load(ctx context.Context, id string) (*model.Conversation, error) {
	conv, found, err := store.LoadJSON[model.Conversation](ctx, cs.kv, convKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		conv = model.Conversation{ID: id}
	}
	return &conv, nil
}

// AppendUser records a user turn. It is idempotent by request id.
func (cs *ConversationStore) AppendUser(ctx context.Context, convID string, m model.Message) (bool, error) {
	m.Role = model.RoleUser
	return cs.append(ctx, convID, m)
}

// AppendAssistant records the final assistant message for a request. If a
// message for the same request id is already stored it does nothing and
// returns false.
func (cs *ConversationStore) AppendAssistant(ctx context.Context, convID string, m model.Message) (bool, error) {
	m.Role = model.RoleAssistant
	return cs.append(ctx, convID, m)
}

func (cs *ConversationStore) append(ctx context.Context, convID string, m model.Message) (bool, error) {
	if convID == "" {
		return false, errors.New("conversation id is required")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	conv, err := cs.Load(ctx, convID)
	if err != nil {
		return false, err
	}
	for _, existing := range conv.Messages {
		if m.RequestID != "" && existing.RequestID == m.RequestID && existing.Role == m.Role {
			return false, nil
		}
		if m.ID != "" && existing.ID == m.ID {
			return false, nil
		}
	}
	if m.ID == "" {
		m.ID = model.NewID()
	}
	now := cs.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	conv.Messages = append(conv.Messages, m)
	conv.UpdatedAt = now
	return true, store.SaveJSON(ctx, cs.kv, convKey(convID), conv)
}

// Recent returns up to n of the latest messages, oldest first.
func (cs *ConversationStore) Recent(ctx context.Context, convID string, n int) ([]model.Message, error) {
	conv, err := cs.Load(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs := conv.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// List returns the stored conversation ids.
func (cs *ConversationStore) List(ctx context.Context) ([]string, error) {
	keys, err := cs.kv.Keys(ctx, store.PrefixConv)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, store.PrefixConv)
	}
	return ids, nil
}

// Delete removes a conversation.
func (cs *ConversationStore) Delete(ctx context.Context, convID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	err := cs.kv.Delete(ctx, convKey(convID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
