// pkg/chatclient/httpstore.go
// REST implementation of the Store interface

package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// HTTPStore talks to the chat REST API
type HTTPStore struct {
	baseURL string
	session Session
	client  *http.Client
	viewer  string
}

// NewHTTPStore creates a REST store client. The session credential is
// attached to every request.
func NewHTTPStore(baseURL string, session Session) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		client:  &http.Client{Timeout: 30 * time.Second},
		viewer:  session.UserID,
	}
}

func (s *HTTPStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	if err := s.get(ctx, "/api/v1/chat/conversations", &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (s *HTTPStore) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var wire []wireMessage
	path := fmt.Sprintf("/api/v1/chat/conversations/%s/messages", conversationID)
	if err := s.get(ctx, path, &wire); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(wire))
	for i := range wire {
		messages = append(messages, wire[i].toMessage(s.viewer))
	}
	return messages, nil
}

func (s *HTTPStore) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	body := map[string]interface{}{
		"conversationId": req.ConversationID,
		"content":        req.Content,
		"clientToken":    req.ClientToken,
	}
	if req.Attachment != nil {
		body["fileUrl"] = req.Attachment.URL
		body["fileName"] = req.Attachment.Name
		body["fileType"] = req.Attachment.MediaType
	}

	var wire wireMessage
	if err := s.post(ctx, "/api/v1/chat/messages", body, &wire); err != nil {
		return nil, err
	}
	msg := wire.toMessage(s.viewer)
	return &msg, nil
}

func (s *HTTPStore) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/v1/chat/conversations/%s/read", conversationID)
	return s.post(ctx, path, map[string]interface{}{}, nil)
}

func (s *HTTPStore) UploadAttachment(ctx context.Context, filename string, r io.Reader) (*Attachment, error) {
	buf := new(bytes.Buffer)
	writer := multipart.NewWriter(buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, &NetworkError{Op: "upload", Err: err}
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, &NetworkError{Op: "upload", Err: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &NetworkError{Op: "upload", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/chat/uploads", buf)
	if err != nil {
		return nil, &NetworkError{Op: "upload", Err: err}
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+s.session.Token)

	var attachment Attachment
	if err := s.do(httpReq, "upload", &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// --- plumbing ---

func (s *HTTPStore) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return &NetworkError{Op: "GET " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.session.Token)
	return s.do(req, "GET "+path, out)
}

func (s *HTTPStore) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &NetworkError{Op: "POST " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &NetworkError{Op: "POST " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.session.Token)
	return s.do(req, "POST "+path, out)
}

// envelope matches the server's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *HTTPStore) do(req *http.Request, op string, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		var env envelope
		json.NewDecoder(resp.Body).Decode(&env)
		return &ValidationError{Message: env.Error}
	case resp.StatusCode >= 500:
		return &NetworkError{Op: op, Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if !env.Success {
		return &NetworkError{Op: op, Err: fmt.Errorf("request failed: %s", env.Error)}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &NetworkError{Op: op, Err: err}
		}
	}
	return nil
}
