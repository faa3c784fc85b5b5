// pkg/chatclient/directory.go
// Conversation directory with last-known-good caching

package chatclient

import (
	"context"
	"sort"
	"sync"
)

// Directory maintains the user's conversation list. Refresh replaces
// the cached list on success; on failure the previous list stays
// visible so a transient outage never blanks the UI.
type Directory struct {
	store Store

	mu            sync.Mutex
	conversations []Conversation
	loaded        bool
	onUpdate      func()
}

// NewDirectory creates a directory backed by the given store
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// OnUpdate registers the handler fired after each successful refresh
// or local mutation
func (d *Directory) OnUpdate(handler func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdate = handler
}

// Refresh fetches the conversation list. The cached list is only
// replaced on success.
func (d *Directory) Refresh(ctx context.Context) error {
	conversations, err := d.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	sortByActivity(conversations)

	d.mu.Lock()
	d.conversations = conversations
	d.loaded = true
	handler := d.onUpdate
	d.mu.Unlock()

	if handler != nil {
		handler()
	}
	return nil
}

// Conversations returns the cached list ordered by recent activity.
// The second return reports whether any refresh has succeeded yet.
func (d *Directory) Conversations() ([]Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out, d.loaded
}

// Get returns the cached entry for a conversation
func (d *Directory) Get(conversationID string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conversations {
		if c.ID == conversationID {
			return c, true
		}
	}
	return Conversation{}, false
}

// ClearUnread zeroes the cached unread count for a conversation. The
// authoritative reset happens server-side via the read tracker; this
// keeps the badge consistent without waiting for the next refresh.
func (d *Directory) ClearUnread(conversationID string) {
	d.mu.Lock()
	var handler func()
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID && d.conversations[i].UnreadCount != 0 {
			d.conversations[i].UnreadCount = 0
			handler = d.onUpdate
			break
		}
	}
	d.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// sortByActivity orders newest activity first; conversations that have
// never had a message sort by creation time.
func sortByActivity(conversations []Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		at, bt := a.CreatedAt, b.CreatedAt
		if a.LastMessageAt != nil {
			at = *a.LastMessageAt
		}
		if b.LastMessageAt != nil {
			bt = *b.LastMessageAt
		}
		return at.After(bt)
	})
}
