// pkg/chatclient/wschannel.go
// Websocket implementation of the Channel interface with automatic
// reconnection and resubscription

package chatclient

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingPeriod       = (wsPongWait * 9) / 10
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// wsEvent is the frame shape pushed by the server
type wsEvent struct {
	Type    string       `json:"type"`
	Topic   string       `json:"topic"`
	Message *wireMessage `json:"message,omitempty"`
}

// wsControl is the frame shape sent to the server
type wsControl struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// WSChannel maintains a single websocket connection and multiplexes
// topic subscriptions over it. On connection loss it reconnects with
// exponential backoff, replays all active subscriptions and fires the
// registered reconnect handlers so callers can gap-fill.
type WSChannel struct {
	endpoint string
	session  Session

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string][]*subscription
	onReconnect   []func()
	closed        bool
	sendCh        chan wsControl
	done          chan struct{}
}

type subscription struct {
	topic     string
	onMessage func(Message)
}

// NewWSChannel creates a channel client for the given websocket
// endpoint (e.g. wss://host/ws). The connection is established lazily
// on the first Subscribe.
func NewWSChannel(endpoint string, session Session) *WSChannel {
	return &WSChannel{
		endpoint:      endpoint,
		session:       session,
		subscriptions: make(map[string][]*subscription),
		sendCh:        make(chan wsControl, 16),
		done:          make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic. The returned function
// removes the handler; when the last handler for a topic is removed an
// unsubscribe frame is sent.
func (c *WSChannel) Subscribe(topic string, onMessage func(Message)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &NetworkError{Op: "subscribe", Err: websocket.ErrCloseSent}
	}

	sub := &subscription{topic: topic, onMessage: onMessage}
	first := len(c.subscriptions[topic]) == 0
	c.subscriptions[topic] = append(c.subscriptions[topic], sub)

	if c.conn == nil {
		if err := c.connectLocked(); err != nil {
			c.removeLocked(sub)
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	if first {
		c.enqueue(wsControl{Action: "subscribe", Topic: topic})
	}

	return func() { c.unsubscribe(sub) }, nil
}

// OnReconnect registers a handler invoked after each successful
// reconnect, once subscriptions have been replayed.
func (c *WSChannel) OnReconnect(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, handler)
}

// Close tears down the connection and stops reconnection attempts
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *WSChannel) unsubscribe(sub *subscription) {
	c.mu.Lock()
	c.removeLocked(sub)
	last := len(c.subscriptions[sub.topic]) == 0
	if last {
		delete(c.subscriptions, sub.topic)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		c.enqueue(wsControl{Action: "unsubscribe", Topic: sub.topic})
	}
}

func (c *WSChannel) removeLocked(sub *subscription) {
	subs := c.subscriptions[sub.topic]
	for i, s := range subs {
		if s == sub {
			c.subscriptions[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (c *WSChannel) enqueue(frame wsControl) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	}
}

// connectLocked dials the endpoint and starts the pump goroutines.
// Caller holds c.mu.
func (c *WSChannel) connectLocked() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readPump(conn)
	go c.writePump(conn)
	return nil
}

func (c *WSChannel) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("token", c.session.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (c *WSChannel) readPump(conn *websocket.Conn) {
	defer c.handleDisconnect(conn)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		// The server may flush several queued events into one frame
		decoder := json.NewDecoder(bytes.NewReader(data))
		for {
			var event wsEvent
			if err := decoder.Decode(&event); err != nil {
				if err != io.EOF {
					log.Printf("chatclient: dropping malformed frame: %v", err)
				}
				break
			}
			if event.Message == nil {
				continue
			}
			msg := event.Message.toMessage(c.session.UserID)

			c.mu.Lock()
			subs := make([]*subscription, len(c.subscriptions[event.Topic]))
			copy(subs, c.subscriptions[event.Topic])
			c.mu.Unlock()

			for _, sub := range subs {
				sub.onMessage(msg)
			}
		}
	}
}

func (c *WSChannel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		}
	}
}

// handleDisconnect runs when the read pump exits. If the channel is
// still in use it reconnects with backoff and replays subscriptions.
func (c *WSChannel) handleDisconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.closed || len(c.subscriptions) == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go c.reconnect()
}

func (c *WSChannel) reconnect() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		err := c.connectLocked()
		var topics []string
		var handlers []func()
		if err == nil {
			for topic := range c.subscriptions {
				topics = append(topics, topic)
			}
			handlers = make([]func(), len(c.onReconnect))
			copy(handlers, c.onReconnect)
		}
		c.mu.Unlock()

		if err != nil {
			if IsAuthError(err) {
				log.Printf("chatclient: reconnect refused, credential rejected")
				return
			}
			log.Printf("chatclient: reconnect failed, retrying in %s: %v", delay, err)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		for _, topic := range topics {
			c.enqueue(wsControl{Action: "subscribe", Topic: topic})
		}
		for _, handler := range handlers {
			handler()
		}
		return
	}
}

// EndpointFromBaseURL derives the websocket endpoint from an http(s)
// base URL.
func EndpointFromBaseURL(baseURL string) string {
	endpoint := strings.TrimRight(baseURL, "/") + "/ws"
	if strings.HasPrefix(endpoint, "https://") {
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	if strings.HasPrefix(endpoint, "http://") {
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
