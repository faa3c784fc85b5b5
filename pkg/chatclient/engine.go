// pkg/chatclient/engine.go
// Reconciliation engine for a single open conversation. Maintains the
// rendered transcript, performs optimistic sends and merges the
// authoritative copy back in whichever path delivers it first.

package chatclient

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPendingTimeout bounds how long a send may stay provisional
// before it is marked failed.
const DefaultPendingTimeout = 10 * time.Second

// Engine reconciles the optimistic local transcript with the
// authoritative store. One engine instance serves one user session;
// Open switches the active conversation.
type Engine struct {
	store   Store
	channel Channel
	session Session

	mu             sync.Mutex
	conversationID string
	epoch          int
	messages       []*Message
	pending        map[string]*pendingSend
	unsubscribe    func()

	pendingTimeout time.Duration
	onUpdate       func()
	onActivity     func(conversationID string)
}

// pendingSend tracks one in-flight optimistic message
type pendingSend struct {
	token string
	epoch int
	timer *time.Timer
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithPendingTimeout overrides the provisional-send deadline
func WithPendingTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.pendingTimeout = d }
}

// NewEngine creates a reconciliation engine. If the channel supports
// reconnect notification the engine resynchronizes the open
// conversation after every reconnect.
func NewEngine(store Store, channel Channel, session Session, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          store,
		channel:        channel,
		session:        session,
		pending:        make(map[string]*pendingSend),
		pendingTimeout: DefaultPendingTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	if ra, ok := channel.(ReconnectAware); ok {
		ra.OnReconnect(func() {
			if err := e.Resync(context.Background()); err != nil {
				log.Printf("chatclient: resync after reconnect failed: %v", err)
			}
		})
	}
	return e
}

// OnUpdate registers the handler fired after every transcript change.
// The handler runs without the engine lock held; read the new state
// with Messages.
func (e *Engine) OnUpdate(handler func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = handler
}

// OnConversationActivity registers the handler fired when a realtime
// event arrives for a conversation other than the open one. Typical
// use is refreshing the directory.
func (e *Engine) OnConversationActivity(handler func(conversationID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onActivity = handler
}

// Open makes conversationID the active conversation: fetches its
// history, subscribes to its realtime topic and drops any state from a
// previously open conversation. Pending sends from the previous
// conversation keep transmitting in the background; their outcomes no
// longer touch the transcript.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.conversationID = conversationID
	e.messages = nil
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.mu.Unlock()

	// Subscribe before fetching history so nothing falls between the
	// two; events that arrive early are merged below.
	unsubscribe, err := e.channel.Subscribe(MessagesTopic(conversationID), func(msg Message) {
		e.handleChannelMessage(epoch, msg)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		// Another Open won the race; this one's state is stale.
		e.mu.Unlock()
		unsubscribe()
		return nil
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	history, err := e.store.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	seen := make(map[string]bool, len(history))
	merged := make([]*Message, 0, len(history)+len(e.messages))
	for i := range history {
		m := history[i]
		merged = append(merged, &m)
		seen[m.ID] = true
	}
	for _, m := range e.messages {
		if m.ID == "" || !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	e.messages = merged
	e.mu.Unlock()

	e.notify()
	return nil
}

// Close unsubscribes from the active conversation and clears the
// transcript
func (e *Engine) Close() {
	e.mu.Lock()
	e.epoch++
	e.conversationID = ""
	e.messages = nil
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.mu.Unlock()
}

// Messages returns a snapshot of the rendered transcript in order
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = *m
	}
	return out
}

// ConversationID returns the currently open conversation, or empty
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Send inserts the message into the transcript immediately as pending
// and transmits it in the background. The returned token identifies
// the entry for Retry and Discard. Returns ErrNoConversation when no
// conversation is open and ErrEmptyMessage when there is nothing to
// send.
func (e *Engine) Send(ctx context.Context, content string, attachment *Attachment) (string, error) {
	if content == "" && attachment == nil {
		return "", ErrEmptyMessage
	}

	e.mu.Lock()
	if e.conversationID == "" {
		e.mu.Unlock()
		return "", ErrNoConversation
	}
	token := uuid.New().String()
	msg := &Message{
		ClientToken:    token,
		ConversationID: e.conversationID,
		SenderID:       e.session.UserID,
		SenderName:     e.session.Name,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      time.Now(),
		DeliveryState:  StatePending,
	}
	e.messages = append(e.messages, msg)
	e.startPendingLocked(token)
	req := SendRequest{
		ConversationID: e.conversationID,
		Content:        content,
		Attachment:     attachment,
		ClientToken:    token,
	}
	e.mu.Unlock()

	e.notify()
	go e.transmit(ctx, req)
	return token, nil
}

// SendAttachment uploads the file and then sends a message referencing
// it. The upload happens before any transcript change, so an upload
// failure leaves no provisional entry behind.
func (e *Engine) SendAttachment(ctx context.Context, content, filename string, r io.Reader) (string, error) {
	attachment, err := e.store.UploadAttachment(ctx, filename, r)
	if err != nil {
		return "", err
	}
	return e.Send(ctx, content, attachment)
}

// Retry re-transmits a failed message. The entry keeps its transcript
// position but gets a fresh client token, so a late echo of the
// original attempt cannot collide with the new one.
func (e *Engine) Retry(ctx context.Context, token string) (string, error) {
	e.mu.Lock()
	msg := e.findByTokenLocked(token)
	if msg == nil {
		e.mu.Unlock()
		return "", ErrUnknownToken
	}
	if msg.DeliveryState != StateFailed {
		e.mu.Unlock()
		return "", ErrNotFailed
	}

	newToken := uuid.New().String()
	msg.ClientToken = newToken
	msg.DeliveryState = StatePending
	msg.CreatedAt = time.Now()
	e.startPendingLocked(newToken)
	req := SendRequest{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Attachment:     msg.Attachment,
		ClientToken:    newToken,
	}
	e.mu.Unlock()

	e.notify()
	go e.transmit(ctx, req)
	return newToken, nil
}

// Discard removes a failed message from the transcript
func (e *Engine) Discard(token string) error {
	e.mu.Lock()
	idx := -1
	for i, m := range e.messages {
		if m.ClientToken == token {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	if e.messages[idx].DeliveryState != StateFailed {
		e.mu.Unlock()
		return ErrNotFailed
	}
	e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
	e.cancelPendingLocked(token)
	e.mu.Unlock()

	e.notify()
	return nil
}

// Resync refetches the open conversation's history and merges it with
// messages that are still in flight locally. Used after a realtime
// reconnect, when echoes may have been missed.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	conversationID := e.conversationID
	epoch := e.epoch
	e.mu.Unlock()
	if conversationID == "" {
		return nil
	}

	history, err := e.store.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return nil
	}

	seen := make(map[string]bool, len(history))
	merged := make([]*Message, 0, len(history)+len(e.pending))
	for i := range history {
		m := history[i]
		merged = append(merged, &m)
		if m.ClientToken != "" {
			seen[m.ClientToken] = true
		}
	}
	// Local entries the server does not know about yet stay at the tail.
	for _, m := range e.messages {
		if m.ID == "" && !seen[m.ClientToken] {
			merged = append(merged, m)
		} else if m.ClientToken != "" && seen[m.ClientToken] {
			e.cancelPendingLocked(m.ClientToken)
		}
	}
	e.messages = merged
	e.mu.Unlock()

	e.notify()
	return nil
}

// --- internals ---

// transmit performs the authoritative write for an optimistic entry
func (e *Engine) transmit(ctx context.Context, req SendRequest) {
	authoritative, err := e.store.SendMessage(ctx, req)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			// The server already stored this token, so the send is a
			// success even if no echo ever arrives.
			e.confirmReplayed(req.ClientToken)
			return
		}
		e.fail(req.ClientToken, err)
		return
	}
	authoritative.ClientToken = req.ClientToken
	e.confirm(req.ClientToken, authoritative)
}

// handleChannelMessage processes one realtime event. Events captured
// under an older epoch belong to a conversation that is no longer
// open; they only refresh the directory.
func (e *Engine) handleChannelMessage(epoch int, msg Message) {
	e.mu.Lock()
	if e.epoch != epoch || msg.ConversationID != e.conversationID {
		handler := e.onActivity
		e.mu.Unlock()
		if handler != nil {
			handler(msg.ConversationID)
		}
		return
	}

	// Own echo: reconcile with the provisional entry by token.
	if msg.ClientToken != "" && msg.SenderID == e.session.UserID {
		if existing := e.findByTokenLocked(msg.ClientToken); existing != nil {
			e.mergeLocked(existing, &msg)
			e.cancelPendingLocked(msg.ClientToken)
			handler := e.onActivity
			e.mu.Unlock()
			e.notify()
			if handler != nil {
				handler(msg.ConversationID)
			}
			return
		}
	}

	// Duplicate by authoritative id (e.g. replayed after resync).
	if msg.ID != "" {
		for _, m := range e.messages {
			if m.ID == msg.ID {
				e.mu.Unlock()
				return
			}
		}
	}

	m := msg
	e.messages = append(e.messages, &m)
	handler := e.onActivity
	e.mu.Unlock()

	e.notify()
	if handler != nil {
		handler(msg.ConversationID)
	}
}

// confirm merges the authoritative copy into the provisional entry.
// Arriving after a timeout-induced failure still upgrades the entry;
// the send did land.
func (e *Engine) confirm(token string, authoritative *Message) {
	e.mu.Lock()
	msg := e.findByTokenLocked(token)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	e.mergeLocked(msg, authoritative)
	e.cancelPendingLocked(token)
	conversationID := msg.ConversationID
	e.mu.Unlock()

	e.notify()
	e.fireActivity(conversationID)
}

// confirmReplayed marks a pending entry sent when the server reports it
// already holds the token. The authoritative id arrives with the echo
// or the next resync.
func (e *Engine) confirmReplayed(token string) {
	e.mu.Lock()
	msg := e.findByTokenLocked(token)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	if msg.DeliveryState == StatePending || msg.DeliveryState == StateFailed {
		msg.DeliveryState = StateSent
	}
	e.cancelPendingLocked(token)
	conversationID := msg.ConversationID
	e.mu.Unlock()

	e.notify()
	e.fireActivity(conversationID)
}

// mergeLocked folds authoritative fields into the in-place entry. The
// transcript position never changes here.
func (e *Engine) mergeLocked(msg, authoritative *Message) {
	msg.ID = authoritative.ID
	msg.CreatedAt = authoritative.CreatedAt
	if authoritative.Content != "" {
		msg.Content = authoritative.Content
	}
	if authoritative.Attachment != nil {
		msg.Attachment = authoritative.Attachment
	}
	if msg.DeliveryState == StatePending || msg.DeliveryState == StateFailed {
		msg.DeliveryState = StateSent
	}
}

// fail marks a pending entry failed, keeping its content for retry
func (e *Engine) fail(token string, cause error) {
	e.mu.Lock()
	msg := e.findByTokenLocked(token)
	if msg == nil || msg.DeliveryState != StatePending {
		e.mu.Unlock()
		return
	}
	msg.DeliveryState = StateFailed
	e.cancelPendingLocked(token)
	e.mu.Unlock()

	if cause != nil {
		log.Printf("chatclient: send %s failed: %v", token, cause)
	}
	e.notify()
}

// startPendingLocked arms the provisional-send deadline. Caller holds
// e.mu.
func (e *Engine) startPendingLocked(token string) {
	p := &pendingSend{token: token, epoch: e.epoch}
	p.timer = time.AfterFunc(e.pendingTimeout, func() {
		e.fail(token, nil)
	})
	e.pending[token] = p
}

func (e *Engine) cancelPendingLocked(token string) {
	if p, ok := e.pending[token]; ok {
		p.timer.Stop()
		delete(e.pending, token)
	}
}

func (e *Engine) findByTokenLocked(token string) *Message {
	if token == "" {
		return nil
	}
	for _, m := range e.messages {
		if m.ClientToken == token {
			return m
		}
	}
	return nil
}

func (e *Engine) notify() {
	e.mu.Lock()
	handler := e.onUpdate
	e.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (e *Engine) fireActivity(conversationID string) {
	e.mu.Lock()
	handler := e.onActivity
	e.mu.Unlock()
	if handler != nil {
		handler(conversationID)
	}
}
