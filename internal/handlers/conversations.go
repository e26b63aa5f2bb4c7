package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openly/messenger/internal/api"
	"github.com/openly/messenger/internal/apperr"
	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/store"
	"github.com/openly/messenger/internal/ws"
)

type ConversationHandler struct {
	Store store.Store
	Hub   *ws.Hub
}

// CreateConversation returns the conversation for the pair, creating it on
// first use.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req api.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.UserID == "" || req.TargetUserID == "" {
		apperr.WriteJSON(w, apperr.InvalidArg("user_id and target_user_id are required"))
		return
	}
	if req.UserID == req.TargetUserID {
		apperr.WriteJSON(w, apperr.InvalidArg("cannot start a conversation with yourself"))
		return
	}

	conv, err := h.Store.GetOrCreateConversation(req.UserID, req.TargetUserID)
	if err != nil {
		writeError(w, err, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, err := requireParam(r, "user_id")
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	convs, err := h.Store.GetUserConversations(userID)
	if err != nil {
		writeError(w, err, "Conversation not found")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	page, err := parsePage(r)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	if _, err := h.Store.GetConversation(id, ""); err != nil {
		writeError(w, err, "Conversation not found")
		return
	}
	messages, err := h.Store.GetMessages(id, page)
	if err != nil {
		writeError(w, err, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage stores the (already encrypted) content and pushes it to the
// other participant.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req api.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.SenderID == "" || req.Content == "" {
		apperr.WriteJSON(w, apperr.InvalidArg("sender_id and content are required"))
		return
	}

	msg, err := h.Store.SaveMessage(id, req.SenderID, req.Content)
	if err != nil {
		writeError(w, err, "Conversation not found")
		return
	}

	if h.Hub != nil {
		conv, err := h.Store.GetConversation(id, req.SenderID)
		if err == nil {
			if peer := conv.OtherParticipant(req.SenderID); peer != req.SenderID {
				h.Hub.SendToUser(peer, models.NewMessageEvent(*msg))
			}
		}
	}

	msg.Status = api.StatusSent
	writeJSON(w, http.StatusOK, msg)
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req api.MarkReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	if req.UserID == "" {
		apperr.WriteJSON(w, apperr.InvalidArg("user_id is required"))
		return
	}

	if err := h.Store.MarkRead(id, req.UserID); err != nil {
		writeError(w, err, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusMarkedRead})
}

// DeleteMessage soft-deletes a message; only its sender may do so.
func (h *ConversationHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID, err := requireParam(r, "user_id")
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	msg, err := h.Store.GetMessage(id)
	if err != nil {
		writeError(w, err, "Message not found")
		return
	}
	if msg.SenderID != userID {
		apperr.WriteJSON(w, apperr.Forbidden("Can only delete your own messages"))
		return
	}
	if err := h.Store.DeleteMessage(id); err != nil {
		writeError(w, err, "Message not found")
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusDeleted})
}

func parsePage(r *http.Request) (store.Page, error) {
	page := store.Page{Limit: api.DefaultPageSize}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return page, apperr.InvalidArg("limit must be a positive integer")
		}
		if n > api.MaxPageSize {
			n = api.MaxPageSize
		}
		page.Limit = n
	}
	if v := q.Get("before"); v != "" {
		ts, err := models.ParseTimestamp(v)
		if err != nil {
			return page, apperr.InvalidArg("before must be an ISO-8601 timestamp")
		}
		page.Before = ts
	}
	return page, nil
}
