// internal/chat/routes.go

package chat

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers all chat routes
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	// WebSocket endpoint - requires authentication
	router.Handle("/ws", authenticate(http.HandlerFunc(handler.HandleWebSocket))).Methods("GET")

	// REST API endpoints
	api := router.PathPrefix("/api/v1/chat").Subrouter()
	api.Use(authenticate)

	// Conversation endpoints
	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations", handler.StartConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages", handler.GetMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/read", handler.MarkRead).Methods("POST")

	// Message endpoint
	api.HandleFunc("/messages", handler.SendMessage).Methods("POST")

	// Attachment upload endpoint
	api.HandleFunc("/uploads", handler.UploadAttachment).Methods("POST")
}

// RegisterHealthCheck registers the chat health endpoint
func RegisterHealthCheck(router *mux.Router, handler *Handler) {
	router.HandleFunc("/health/chat", handler.HealthCheck).Methods("GET")
}
