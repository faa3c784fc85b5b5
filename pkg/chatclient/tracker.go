// pkg/chatclient/tracker.go
// Read-state tracking for open conversations

package chatclient

import (
	"context"
	"sync"
)

// ReadTracker pushes read acknowledgements to the store and keeps the
// directory's unread badges in sync. Marking an already-read
// conversation is a no-op server-side, so the tracker only suppresses
// concurrent duplicates, not repeats.
type ReadTracker struct {
	store     Store
	directory *Directory

	mu       sync.Mutex
	inflight map[string]bool
}

// NewReadTracker creates a tracker. The directory may be nil when the
// caller manages badges itself.
func NewReadTracker(store Store, directory *Directory) *ReadTracker {
	return &ReadTracker{
		store:     store,
		directory: directory,
		inflight:  make(map[string]bool),
	}
}

// MarkRead acknowledges everything in the conversation as read. Safe
// to call every time the conversation gains focus.
func (t *ReadTracker) MarkRead(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.inflight[conversationID] {
		t.mu.Unlock()
		return nil
	}
	t.inflight[conversationID] = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, conversationID)
		t.mu.Unlock()
	}()

	if err := t.store.MarkConversationRead(ctx, conversationID); err != nil {
		return err
	}
	if t.directory != nil {
		t.directory.ClearUnread(conversationID)
	}
	return nil
}
