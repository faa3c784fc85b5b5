package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with hookable send and upload
// behavior
type fakeStore struct {
	mu        sync.Mutex
	history   map[string][]Message
	sendFn    func(req SendRequest) (*Message, error)
	uploadFn  func(filename string) (*Attachment, error)
	listFn    func() ([]Conversation, error)
	readCalls []string
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{history: make(map[string][]Message)}
}

func (s *fakeStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	s.mu.Lock()
	fn := s.listFn
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil, nil
}

func (s *fakeStore) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history[conversationID]))
	copy(out, s.history[conversationID])
	return out, nil
}

func (s *fakeStore) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	s.mu.Lock()
	fn := s.sendFn
	s.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return s.accept(req), nil
}

func (s *fakeStore) accept(req SendRequest) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := Message{
		ID:             fmt.Sprintf("srv-%d", s.seq),
		ClientToken:    req.ClientToken,
		ConversationID: req.ConversationID,
		SenderID:       "me",
		Content:        req.Content,
		Attachment:     req.Attachment,
		CreatedAt:      time.Now(),
		DeliveryState:  StateSent,
	}
	s.history[req.ConversationID] = append(s.history[req.ConversationID], msg)
	return &msg
}

func (s *fakeStore) MarkConversationRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls = append(s.readCalls, conversationID)
	return nil
}

func (s *fakeStore) UploadAttachment(ctx context.Context, filename string, r io.Reader) (*Attachment, error) {
	if s.uploadFn != nil {
		return s.uploadFn(filename)
	}
	return &Attachment{URL: "https://cdn.example.com/" + filename, Name: filename, MediaType: "image/png"}, nil
}

// fakeChannel delivers emitted messages to registered handlers. With
// retainStale set, handlers stay live after unsubscribe, modeling an
// event already in flight when the caller switched away.
type fakeChannel struct {
	mu          sync.Mutex
	subID       int
	subs        map[string][]fakeSub
	reconnect   []func()
	retainStale bool
}

type fakeSub struct {
	id int
	fn func(Message)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[string][]fakeSub)}
}

func (c *fakeChannel) Subscribe(topic string, onMessage func(Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subID++
	id := c.subID
	c.subs[topic] = append(c.subs[topic], fakeSub{id: id, fn: onMessage})
	return func() {
		if c.retainStale {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[topic]
		for i, s := range subs {
			if s.id == id {
				c.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (c *fakeChannel) Emit(topic string, msg Message) {
	c.mu.Lock()
	subs := make([]fakeSub, len(c.subs[topic]))
	copy(subs, c.subs[topic])
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *fakeChannel) OnReconnect(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, handler)
}

func (c *fakeChannel) FireReconnect() {
	c.mu.Lock()
	handlers := make([]func(), len(c.reconnect))
	copy(handlers, c.reconnect)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

var testSession = Session{UserID: "me", Name: "Me", Token: "test-token"}

func newTestEngine(t *testing.T, store *fakeStore, channel *fakeChannel, opts ...EngineOption) *Engine {
	t.Helper()
	engine := NewEngine(store, channel, testSession, opts...)
	t.Cleanup(engine.Close)
	return engine
}

func messageStates(engine *Engine) []DeliveryState {
	msgs := engine.Messages()
	states := make([]DeliveryState, len(msgs))
	for i, m := range msgs {
		states[i] = m.DeliveryState
	}
	return states
}

func TestOpenLoadsHistory(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	store.history["conv-1"] = []Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "peer", Content: "hello", DeliveryState: StateDelivered},
		{ID: "m2", ConversationID: "conv-1", SenderID: "me", Content: "hi", DeliveryState: StateSent},
	}
	engine := newTestEngine(t, store, newFakeChannel())

	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal("m1", msgs[0].ID)
	assert.Equal("m2", msgs[1].ID)
	assert.Equal("conv-1", engine.ConversationID())
}

func TestSendIsOptimisticAndConfirmsInPlace(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	engine := newTestEngine(t, store, channel)
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	release := make(chan struct{})
	store.sendFn = func(req SendRequest) (*Message, error) {
		<-release
		return store.accept(req), nil
	}

	token, err := engine.Send(context.Background(), "first", nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Visible immediately, before the store answers
	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(StatePending, msgs[0].DeliveryState)
	assert.Equal("first", msgs[0].Content)
	assert.Empty(msgs[0].ID)

	close(release)
	assert.Eventually(func() bool {
		msgs := engine.Messages()
		return len(msgs) == 1 && msgs[0].DeliveryState == StateSent && msgs[0].ID != ""
	}, time.Second, 10*time.Millisecond)

	// The realtime echo of the same send must not duplicate the entry
	echo := engine.Messages()[0]
	channel.Emit(MessagesTopic("conv-1"), echo)
	assert.Len(engine.Messages(), 1)
}

func TestEchoWinsOverSlowAck(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	engine := newTestEngine(t, store, channel)
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	ackRelease := make(chan struct{})
	store.sendFn = func(req SendRequest) (*Message, error) {
		msg := store.accept(req)
		<-ackRelease
		return msg, nil
	}

	token, err := engine.Send(context.Background(), "raced", nil)
	require.NoError(t, err)

	// Echo arrives while the POST response is still outstanding
	channel.Emit(MessagesTopic("conv-1"), Message{
		ID:             "srv-echo",
		ClientToken:    token,
		ConversationID: "conv-1",
		SenderID:       "me",
		Content:        "raced",
		CreatedAt:      time.Now(),
		DeliveryState:  StateSent,
	})

	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(StateSent, msgs[0].DeliveryState)
	assert.Equal("srv-echo", msgs[0].ID)

	// Late POST response must not add a second entry
	close(ackRelease)
	time.Sleep(50 * time.Millisecond)
	assert.Len(engine.Messages(), 1)
}

func TestOrderStableWhenConfirmsArriveOutOfOrder(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	engine := newTestEngine(t, store, newFakeChannel())
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	releases := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
	}
	store.sendFn = func(req SendRequest) (*Message, error) {
		<-releases[req.Content]
		return store.accept(req), nil
	}

	_, err := engine.Send(context.Background(), "A", nil)
	require.NoError(t, err)
	_, err = engine.Send(context.Background(), "B", nil)
	require.NoError(t, err)

	// Confirm B first, then A
	close(releases["B"])
	assert.Eventually(func() bool {
		return messageStates(engine)[1] == StateSent
	}, time.Second, 10*time.Millisecond)
	close(releases["A"])
	assert.Eventually(func() bool {
		return messageStates(engine)[0] == StateSent
	}, time.Second, 10*time.Millisecond)

	msgs := engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal("A", msgs[0].Content)
	assert.Equal("B", msgs[1].Content)
}

func TestFailureIsIsolatedAndRetryable(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	engine := newTestEngine(t, store, newFakeChannel())
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	store.sendFn = func(req SendRequest) (*Message, error) {
		if req.Content == "doomed" {
			return nil, &NetworkError{Op: "send", Err: errors.New("connection reset")}
		}
		return store.accept(req), nil
	}

	failedToken, err := engine.Send(context.Background(), "doomed", nil)
	require.NoError(t, err)
	_, err = engine.Send(context.Background(), "fine", nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		states := messageStates(engine)
		return len(states) == 2 && states[0] == StateFailed && states[1] == StateSent
	}, time.Second, 10*time.Millisecond)

	// Content survives the failure for retry
	msgs := engine.Messages()
	assert.Equal("doomed", msgs[0].Content)

	// Retry keeps the position and issues a fresh token
	store.sendFn = nil
	newToken, err := engine.Retry(context.Background(), failedToken)
	require.NoError(t, err)
	assert.NotEqual(failedToken, newToken)

	assert.Eventually(func() bool {
		msgs := engine.Messages()
		return msgs[0].DeliveryState == StateSent
	}, time.Second, 10*time.Millisecond)
	msgs = engine.Messages()
	assert.Equal("doomed", msgs[0].Content)
	assert.Equal("fine", msgs[1].Content)
}

func TestDiscardRemovesOnlyFailedEntries(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	engine := newTestEngine(t, store, newFakeChannel())
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	store.sendFn = func(req SendRequest) (*Message, error) {
		return nil, &NetworkError{Op: "send", Err: errors.New("boom")}
	}
	token, err := engine.Send(context.Background(), "gone", nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		states := messageStates(engine)
		return len(states) == 1 && states[0] == StateFailed
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(engine.Discard("nope"), ErrUnknownToken)
	require.NoError(t, engine.Discard(token))
	assert.Empty(engine.Messages())
}

func TestDuplicateTokenConflictIsIdempotentSuccess(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	engine := newTestEngine(t, store, newFakeChannel(), WithPendingTimeout(30*time.Millisecond))
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	store.sendFn = func(req SendRequest) (*Message, error) {
		return nil, &ConflictError{ClientToken: req.ClientToken}
	}

	_, err := engine.Send(context.Background(), "again", nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		states := messageStates(engine)
		return len(states) == 1 && states[0] == StateSent
	}, time.Second, 5*time.Millisecond)

	// Well past the pending deadline the entry must not degrade, even
	// though no echo ever arrived
	time.Sleep(60 * time.Millisecond)
	assert.Equal(StateSent, engine.Messages()[0].DeliveryState)
}

func TestConfirmFiresActivityWithoutEcho(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	engine := newTestEngine(t, store, newFakeChannel())
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	var activityMu sync.Mutex
	var activity []string
	engine.OnConversationActivity(func(conversationID string) {
		activityMu.Lock()
		defer activityMu.Unlock()
		activity = append(activity, conversationID)
	})

	_, err := engine.Send(context.Background(), "just the ack", nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		activityMu.Lock()
		defer activityMu.Unlock()
		for _, id := range activity {
			if id == "conv-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestPendingTimeoutFailsThenLateEchoUpgrades(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	engine := newTestEngine(t, store, channel, WithPendingTimeout(30*time.Millisecond))
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	stall := make(chan struct{})
	store.sendFn = func(req SendRequest) (*Message, error) {
		<-stall
		return nil, &NetworkError{Op: "send", Err: errors.New("too late")}
	}
	defer close(stall)

	token, err := engine.Send(context.Background(), "slow", nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		states := messageStates(engine)
		return len(states) == 1 && states[0] == StateFailed
	}, time.Second, 5*time.Millisecond)

	// The send actually landed; its echo arrives after the timeout
	channel.Emit(MessagesTopic("conv-1"), Message{
		ID:             "srv-late",
		ClientToken:    token,
		ConversationID: "conv-1",
		SenderID:       "me",
		Content:        "slow",
		CreatedAt:      time.Now(),
		DeliveryState:  StateSent,
	})

	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(StateSent, msgs[0].DeliveryState)
	assert.Equal("srv-late", msgs[0].ID)
}

func TestAttachmentMessages(t *testing.T) {
	t.Run("attachment without text is valid", func(t *testing.T) {
		assert := assert.New(t)
		store := newFakeStore()
		engine := newTestEngine(t, store, newFakeChannel())
		require.NoError(t, engine.Open(context.Background(), "conv-1"))

		_, err := engine.SendAttachment(context.Background(), "", "photo.png", strings.NewReader("png-bytes"))
		require.NoError(t, err)

		assert.Eventually(func() bool {
			msgs := engine.Messages()
			return len(msgs) == 1 && msgs[0].DeliveryState == StateSent
		}, time.Second, 10*time.Millisecond)
		msgs := engine.Messages()
		require.NotNil(t, msgs[0].Attachment)
		assert.Equal("photo.png", msgs[0].Attachment.Name)
		assert.Empty(msgs[0].Content)
	})

	t.Run("upload failure leaves no provisional entry", func(t *testing.T) {
		assert := assert.New(t)
		store := newFakeStore()
		store.uploadFn = func(filename string) (*Attachment, error) {
			return nil, &ValidationError{Message: "file too large"}
		}
		engine := newTestEngine(t, store, newFakeChannel())
		require.NoError(t, engine.Open(context.Background(), "conv-1"))

		_, err := engine.SendAttachment(context.Background(), "look", "huge.bin", strings.NewReader("x"))
		assert.True(IsValidationError(err))
		assert.Empty(engine.Messages())
	})

	t.Run("neither text nor attachment is rejected", func(t *testing.T) {
		assert := assert.New(t)
		engine := newTestEngine(t, newFakeStore(), newFakeChannel())
		require.NoError(t, engine.Open(context.Background(), "conv-1"))

		_, err := engine.Send(context.Background(), "", nil)
		assert.ErrorIs(err, ErrEmptyMessage)
	})
}

func TestPeerMessagesAppendWithoutDuplicates(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	engine := newTestEngine(t, store, channel)
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	peerMsg := Message{
		ID:             "peer-1",
		ConversationID: "conv-1",
		SenderID:       "peer",
		Content:        "yo",
		CreatedAt:      time.Now(),
		DeliveryState:  StateDelivered,
	}
	channel.Emit(MessagesTopic("conv-1"), peerMsg)
	channel.Emit(MessagesTopic("conv-1"), peerMsg)

	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(StateDelivered, msgs[0].DeliveryState)
	assert.Equal("peer", msgs[0].SenderID)
}

func TestSwitchingConversationsDiscardsStaleEvents(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	channel.retainStale = true
	engine := newTestEngine(t, store, channel)

	var activityMu sync.Mutex
	var activity []string
	engine.OnConversationActivity(func(conversationID string) {
		activityMu.Lock()
		defer activityMu.Unlock()
		activity = append(activity, conversationID)
	})

	require.NoError(t, engine.Open(context.Background(), "conv-1"))
	require.NoError(t, engine.Open(context.Background(), "conv-2"))

	// An event for the previous conversation was already in flight
	channel.Emit(MessagesTopic("conv-1"), Message{
		ID:             "stale-1",
		ConversationID: "conv-1",
		SenderID:       "peer",
		Content:        "old news",
		DeliveryState:  StateDelivered,
	})

	assert.Empty(engine.Messages())
	activityMu.Lock()
	assert.Contains(activity, "conv-1")
	activityMu.Unlock()

	// Events for the open conversation still land normally
	channel.Emit(MessagesTopic("conv-2"), Message{
		ID:             "fresh-1",
		ConversationID: "conv-2",
		SenderID:       "peer",
		Content:        "news",
		DeliveryState:  StateDelivered,
	})
	msgs := engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal("fresh-1", msgs[0].ID)
}

func TestResyncAfterReconnectKeepsInFlightSends(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	channel := newFakeChannel()
	engine := newTestEngine(t, store, channel)
	require.NoError(t, engine.Open(context.Background(), "conv-1"))

	stall := make(chan struct{})
	store.sendFn = func(req SendRequest) (*Message, error) {
		<-stall
		return nil, &NetworkError{Op: "send", Err: errors.New("dropped")}
	}
	defer close(stall)

	_, err := engine.Send(context.Background(), "still flying", nil)
	require.NoError(t, err)

	// A peer message landed server-side while the socket was down
	store.mu.Lock()
	store.history["conv-1"] = append(store.history["conv-1"], Message{
		ID:             "missed-1",
		ConversationID: "conv-1",
		SenderID:       "peer",
		Content:        "missed you",
		CreatedAt:      time.Now(),
		DeliveryState:  StateDelivered,
	})
	store.mu.Unlock()

	channel.FireReconnect()

	assert.Eventually(func() bool {
		msgs := engine.Messages()
		return len(msgs) == 2
	}, time.Second, 10*time.Millisecond)

	msgs := engine.Messages()
	assert.Equal("missed-1", msgs[0].ID)
	assert.Equal("still flying", msgs[1].Content)
	assert.Equal(StatePending, msgs[1].DeliveryState)
}
