package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/openly/messenger/internal/api"
	"github.com/openly/messenger/internal/apperr"
	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/store"
)

type UserHandler struct {
	Store store.Store
}

// UpsertUser records a profile from the identity provider so conversations
// can show names. Development backend only.
func (h *UserHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var req api.UpsertUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		apperr.WriteJSON(w, apperr.InvalidArg("username is required"))
		return
	}

	user := &models.User{
		ID:          mux.Vars(r)["id"],
		Username:    req.Username,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	}
	if err := h.Store.UpsertUser(user); err != nil {
		writeError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(query)
	if err != nil {
		writeError(w, err, "User not found")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.UnreadCount(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, api.UnreadCountResponse{UnreadCount: n})
}
