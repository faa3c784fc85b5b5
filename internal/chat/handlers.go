// internal/chat/handlers.go

package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/smartbuild/chat-backend/internal/auth"
	"github.com/smartbuild/chat-backend/internal/common/utils"
	"github.com/smartbuild/chat-backend/internal/metrics"
	"github.com/smartbuild/chat-backend/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Configure CORS as needed
		return true
	},
}

type Handler struct {
	service  Service
	hub      *Hub
	uploader storage.Uploader
	validate *validator.Validate
}

func NewHandler(service Service, hub *Hub, uploader storage.Uploader) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		uploader: uploader,
		validate: validator.New(),
	}
}

// HandleWebSocket upgrades the connection and attaches it to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := NewSession(h.hub, conn, userID)
	h.hub.register <- session
	session.Start()
}

// GetConversations lists the caller's conversations
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	conversations, err := h.service.ListConversations(r.Context(), userID)
	if err != nil {
		utils.ErrorResponse(w, "Failed to load conversations", http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, conversations, http.StatusOK)
}

// StartConversation gets or creates the conversation with a recipient
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	sender := h.identityFrom(r)

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.service.StartConversation(r.Context(), sender, &req)
	if err != nil {
		if errors.Is(err, ErrSelfConversation) {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		utils.ErrorResponse(w, "Failed to start conversation", http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, conv, http.StatusOK)
}

// GetMessages returns conversation history
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())
	convID := mux.Vars(r)["id"]

	messages, err := h.service.GetConversationMessages(r.Context(), convID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.SuccessResponse(w, messages, http.StatusOK)
}

// SendMessage stores a message and fans it out
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := h.identityFrom(r)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	message, replayed, err := h.service.SendMessage(r.Context(), sender, &req)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.writeServiceError(w, err)
		return
	}

	// A replay of a known token returns the stored message, not a new row
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	utils.SuccessResponse(w, message, status)
}

// MarkRead marks the conversation read for the caller
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())
	convID := mux.Vars(r)["id"]

	if err := h.service.MarkConversationRead(r.Context(), convID, userID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	utils.MessageResponse(w, "read", http.StatusOK)
}

// UploadAttachment accepts a multipart file and returns its descriptor
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.ErrorResponse(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	result, err := h.uploader.Upload(r.Context(), file, header)
	if err != nil {
		if errors.Is(err, storage.ErrFileTooLarge) || errors.Is(err, storage.ErrTypeNotAllowed) {
			metrics.UploadsRejected.Inc()
			utils.ErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		utils.ErrorResponse(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	metrics.UploadsAccepted.Inc()
	utils.SuccessResponse(w, result, http.StatusOK)
}

// HealthCheck reports hub liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.SuccessResponse(w, map[string]interface{}{
		"status":   "ok",
		"sessions": h.hub.ActiveSessions(),
	}, http.StatusOK)
}

func (h *Handler) identityFrom(r *http.Request) Identity {
	userID, _ := auth.GetUserIDFromContext(r.Context())
	name, _ := auth.GetUserNameFromContext(r.Context())
	role, _ := auth.GetUserRoleFromContext(r.Context())
	return Identity{UserID: userID, Name: name, Role: role}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		utils.ErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotParticipant):
		utils.ErrorResponse(w, err.Error(), http.StatusForbidden)
	default:
		utils.ErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	}
}
