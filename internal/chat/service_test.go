package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryRepository is an in-memory Repository for service tests
type memoryRepository struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      []*Message
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{conversations: make(map[string]*Conversation)}
}

func (r *memoryRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *conv
	r.conversations[conv.ID] = &c
	return nil
}

func (r *memoryRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[id]; ok {
		c := *conv
		return &c, nil
	}
	return nil, ErrConversationNotFound
}

func (r *memoryRepository) FindConversationByParticipants(ctx context.Context, user1ID, user2ID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.conversations {
		if (conv.Participant1ID == user1ID && conv.Participant2ID == user2ID) ||
			(conv.Participant1ID == user2ID && conv.Participant2ID == user1ID) {
			c := *conv
			return &c, nil
		}
	}
	return nil, ErrConversationNotFound
}

func (r *memoryRepository) GetUserConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conversation
	for _, conv := range r.conversations {
		if conv.HasParticipant(userID) {
			c := *conv
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memoryRepository) UpdateConversationOnSend(ctx context.Context, convID, preview string, incrementSide int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	now := time.Now()
	conv.LastMessage = &preview
	conv.LastMessageAt = &now
	if incrementSide == 1 {
		conv.Unread1++
	} else {
		conv.Unread2++
	}
	return nil
}

func (r *memoryRepository) ResetUnread(ctx context.Context, convID string, side int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[convID]
	if !ok {
		return ErrConversationNotFound
	}
	if side == 1 {
		conv.Unread1 = 0
	} else {
		conv.Unread2 = 0
	}
	return nil
}

func (r *memoryRepository) CreateMessage(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Mirrors the partial unique index on (sender_id, client_token)
	if msg.ClientToken != nil {
		for _, m := range r.messages {
			if m.SenderID == msg.SenderID && m.ClientToken != nil && *m.ClientToken == *msg.ClientToken {
				return assertUniqueViolation{}
			}
		}
	}
	m := *msg
	r.messages = append(r.messages, &m)
	return nil
}

type assertUniqueViolation struct{}

func (assertUniqueViolation) Error() string { return "duplicate key value violates unique constraint" }

func (r *memoryRepository) GetMessageByClientToken(ctx context.Context, senderID, clientToken string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.SenderID == senderID && m.ClientToken != nil && *m.ClientToken == clientToken {
			msg := *m
			return &msg, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (r *memoryRepository) GetConversationMessages(ctx context.Context, convID string, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages {
		if m.ConversationID == convID {
			msg := *m
			out = append(out, &msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memoryRepository) MarkMessagesRead(ctx context.Context, convID, readerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, m := range r.messages {
		if m.ConversationID == convID && m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			m.ReadAt = &now
		}
	}
	return nil
}

// capturingPublisher records published events
type capturingPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *capturingPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

var (
	alice = Identity{UserID: "alice", Name: "Alice", Role: "client"}
	bob   = Identity{UserID: "bob", Name: "Bob", Role: "builder"}
)

func seedConversation(t *testing.T, repo *memoryRepository) *Conversation {
	t.Helper()
	conv := &Conversation{
		ID:               "conv-1",
		Participant1ID:   alice.UserID,
		Participant1Name: alice.Name,
		Participant2ID:   bob.UserID,
		Participant2Name: bob.Name,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	require.NoError(t, repo.CreateConversation(context.Background(), conv))
	return conv
}

func TestSendMessageIsIdempotentPerToken(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	seedConversation(t, repo)
	fanout := &capturingPublisher{}
	svc := NewService(repo, fanout, nil, nil, 100, 200)

	req := &SendMessageRequest{
		ConversationID: "conv-1",
		Content:        "hello",
		ClientToken:    "tok-1",
	}

	first, replayed, err := svc.SendMessage(context.Background(), alice, req)
	require.NoError(t, err)
	assert.False(replayed)

	// Same token replayed: same message back, flagged as a replay, no
	// second row, no second fan-out
	second, replayed, err := svc.SendMessage(context.Background(), alice, req)
	require.NoError(t, err)
	assert.True(replayed)
	assert.Equal(first.ID, second.ID)

	msgs, err := svc.GetConversationMessages(context.Background(), "conv-1", alice.UserID)
	require.NoError(t, err)
	assert.Len(msgs, 1)
	assert.Equal(1, fanout.count())

	// A different token from the same sender is a new message
	req.ClientToken = "tok-2"
	third, replayed, err := svc.SendMessage(context.Background(), alice, req)
	require.NoError(t, err)
	assert.False(replayed)
	assert.NotEqual(first.ID, third.ID)
}

func TestSendMessageUpdatesUnreadAndPreview(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	seedConversation(t, repo)
	svc := NewService(repo, nil, nil, nil, 10, 200)

	_, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
		ConversationID: "conv-1",
		Content:        "this text is longer than the preview cap",
		ClientToken:    "tok-1",
	})
	require.NoError(t, err)

	views, err := svc.ListConversations(context.Background(), bob.UserID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(1, views[0].UnreadCount)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal("this text ", *views[0].LastMessage)
	assert.Equal(10, len([]rune(*views[0].LastMessage)))

	// The sender's own unread counter is untouched
	senderViews, err := svc.ListConversations(context.Background(), alice.UserID)
	require.NoError(t, err)
	assert.Zero(senderViews[0].UnreadCount)
}

func TestSendMessageAttachmentOnly(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	seedConversation(t, repo)
	svc := NewService(repo, nil, nil, nil, 100, 200)

	msg, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
		ConversationID: "conv-1",
		FileURL:        "https://cdn.example.com/quote.pdf",
		FileName:       "quote.pdf",
		FileType:       "application/pdf",
		ClientToken:    "tok-1",
	})
	require.NoError(t, err)
	assert.Empty(msg.Content)
	require.NotNil(t, msg.FileURL)

	views, err := svc.ListConversations(context.Background(), bob.UserID)
	require.NoError(t, err)
	require.NotNil(t, views[0].LastMessage)
	assert.True(strings.HasPrefix(*views[0].LastMessage, "Sent an attachment"))
}

func TestSendMessageRejections(t *testing.T) {
	repo := newMemoryRepository()
	seedConversation(t, repo)
	svc := NewService(repo, nil, nil, nil, 100, 200)

	t.Run("empty message", func(t *testing.T) {
		_, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
			ConversationID: "conv-1",
			ClientToken:    "tok-1",
		})
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("outsider", func(t *testing.T) {
		mallory := Identity{UserID: "mallory", Name: "Mallory"}
		_, _, err := svc.SendMessage(context.Background(), mallory, &SendMessageRequest{
			ConversationID: "conv-1",
			Content:        "let me in",
			ClientToken:    "tok-2",
		})
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		_, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
			ConversationID: "missing",
			Content:        "hello?",
			ClientToken:    "tok-3",
		})
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestSendMessagePublishesToConversationTopic(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	seedConversation(t, repo)
	fanout := &capturingPublisher{}
	svc := NewService(repo, fanout, nil, nil, 100, 200)

	msg, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
		ConversationID: "conv-1",
		Content:        "ping",
		ClientToken:    "tok-1",
	})
	require.NoError(t, err)

	require.Equal(t, 1, fanout.count())
	event := fanout.events[0]
	assert.Equal(EventTypeMessage, event.Type)
	assert.Equal(MessagesTopic("conv-1"), event.Topic)
	require.NotNil(t, event.Message)
	assert.Equal(msg.ID, event.Message.ID)
	require.NotNil(t, event.Message.ClientToken)
	assert.Equal("tok-1", *event.Message.ClientToken)
}

func TestMarkConversationReadIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	seedConversation(t, repo)
	svc := NewService(repo, nil, nil, nil, 100, 200)

	for i := 0; i < 3; i++ {
		_, _, err := svc.SendMessage(context.Background(), alice, &SendMessageRequest{
			ConversationID: "conv-1",
			Content:        "msg",
			ClientToken:    "tok-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.MarkConversationRead(context.Background(), "conv-1", bob.UserID))
	require.NoError(t, svc.MarkConversationRead(context.Background(), "conv-1", bob.UserID))

	views, err := svc.ListConversations(context.Background(), bob.UserID)
	require.NoError(t, err)
	assert.Zero(views[0].UnreadCount)

	msgs, err := svc.GetConversationMessages(context.Background(), "conv-1", bob.UserID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(m.IsRead)
		assert.NotNil(m.ReadAt)
	}
}

func TestStartConversation(t *testing.T) {
	assert := assert.New(t)

	repo := newMemoryRepository()
	svc := NewService(repo, nil, nil, nil, 100, 200)

	t.Run("creates on first contact", func(t *testing.T) {
		conv, err := svc.StartConversation(context.Background(), alice, &StartConversationRequest{
			RecipientID:    bob.UserID,
			RecipientName:  bob.Name,
			InitialMessage: "hi Bob",
		})
		require.NoError(t, err)
		assert.True(conv.HasParticipant(alice.UserID))
		assert.True(conv.HasParticipant(bob.UserID))

		msgs, err := svc.GetConversationMessages(context.Background(), conv.ID, alice.UserID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal("hi Bob", msgs[0].Content)
	})

	t.Run("returns existing thread regardless of direction", func(t *testing.T) {
		first, err := svc.StartConversation(context.Background(), alice, &StartConversationRequest{RecipientID: bob.UserID})
		require.NoError(t, err)
		second, err := svc.StartConversation(context.Background(), bob, &StartConversationRequest{RecipientID: alice.UserID})
		require.NoError(t, err)
		assert.Equal(first.ID, second.ID)
	})

	t.Run("rejects self conversation", func(t *testing.T) {
		_, err := svc.StartConversation(context.Background(), alice, &StartConversationRequest{RecipientID: alice.UserID})
		assert.ErrorIs(err, ErrSelfConversation)
	})
}
