// internal/notification/handlers.go

package notification

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/smartbuild/chat-backend/internal/auth"
	"github.com/smartbuild/chat-backend/internal/common/utils"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers device token routes
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/v1/notifications").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("/device-tokens", handler.RegisterDeviceToken).Methods("POST")
	api.HandleFunc("/device-tokens/{token}", handler.RemoveDeviceToken).Methods("DELETE")
}

// RegisterDeviceToken stores a push registration for the caller
func (h *Handler) RegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())

	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Platform == "" {
		req.Platform = "web"
	}

	if err := h.service.RegisterDeviceToken(r.Context(), userID, req.Token, req.Platform); err != nil {
		utils.ErrorResponse(w, "Failed to register token", http.StatusInternalServerError)
		return
	}

	utils.MessageResponse(w, "registered", http.StatusOK)
}

// RemoveDeviceToken deletes a push registration
func (h *Handler) RemoveDeviceToken(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	if err := h.service.RemoveDeviceToken(r.Context(), token); err != nil {
		utils.ErrorResponse(w, "Failed to remove token", http.StatusInternalServerError)
		return
	}

	utils.MessageResponse(w, "removed", http.StatusOK)
}
