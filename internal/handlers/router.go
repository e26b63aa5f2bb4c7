package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/openly/messenger/internal/middleware"
	"github.com/openly/messenger/internal/store"
	"github.com/openly/messenger/internal/ws"
)

// NewRouter wires the REST API and the push endpoint.
func NewRouter(st store.Store, hub *ws.Hub) *mux.Router {
	conversations := &ConversationHandler{Store: st, Hub: hub}
	users := &UserHandler{Store: st}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware)

	// API Endpoints
	r.HandleFunc("/conversations/", conversations.GetConversations).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/conversations/", conversations.CreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", conversations.GetMessages).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/conversations/{id}/messages", conversations.SendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/read", conversations.MarkRead).Methods(http.MethodPut, http.MethodOptions)
	r.HandleFunc("/messages/{id}", conversations.DeleteMessage).Methods(http.MethodDelete, http.MethodOptions)

	r.HandleFunc("/users/search", users.SearchUsers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/users/{id}/unread-count", users.UnreadCount).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/users/{id}", users.UpsertUser).Methods(http.MethodPut, http.MethodOptions)

	// WebSocket Endpoint
	r.HandleFunc("/ws/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r, mux.Vars(r)["user_id"])
	})

	return r
}
