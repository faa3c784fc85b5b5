// pkg/chatclient/client.go
// Top-level client composing the store, channel, engine, directory and
// read tracker

package chatclient

import (
	"context"
)

// Client bundles the chat client components for the common case: REST
// store plus websocket channel against the same backend.
type Client struct {
	Store     Store
	Channel   Channel
	Engine    *Engine
	Directory *Directory
	Reads     *ReadTracker

	ownedChannel *WSChannel
}

// New creates a fully wired client for the given backend. The realtime
// endpoint is derived from the base URL.
func New(baseURL string, session Session, opts ...EngineOption) *Client {
	store := NewHTTPStore(baseURL, session)
	channel := NewWSChannel(EndpointFromBaseURL(baseURL), session)
	c := NewWith(store, channel, session, opts...)
	c.ownedChannel = channel
	return c
}

// NewWith creates a client from explicit store and channel
// implementations. Used by tests and by hosts that bring their own
// transports.
func NewWith(store Store, channel Channel, session Session, opts ...EngineOption) *Client {
	directory := NewDirectory(store)
	engine := NewEngine(store, channel, session, opts...)

	// Activity in other conversations moves their directory entries
	// and unread badges, so refresh on every signal.
	engine.OnConversationActivity(func(string) {
		go directory.Refresh(context.Background())
	})

	return &Client{
		Store:     store,
		Channel:   channel,
		Engine:    engine,
		Directory: directory,
		Reads:     NewReadTracker(store, directory),
	}
}

// OpenConversation switches the engine to the conversation and marks
// it read, the same sequence a UI performs when the user clicks an
// entry. Selecting an id the directory does not list is ignored: the
// open conversation and its transcript stay as they are.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	if _, loaded := c.Directory.Conversations(); loaded {
		if _, known := c.Directory.Get(conversationID); !known {
			return nil
		}
	}
	if err := c.Engine.Open(ctx, conversationID); err != nil {
		return err
	}
	if err := c.Reads.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	return nil
}

// Close releases the engine and, when the client owns its channel, the
// websocket connection.
func (c *Client) Close() error {
	c.Engine.Close()
	if c.ownedChannel != nil {
		return c.ownedChannel.Close()
	}
	return nil
}
