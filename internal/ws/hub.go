package ws

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/store"
)

type delivery struct {
	userID  string
	payload []byte
}

type countRequest struct {
	userID string
	reply  chan int
}

// Hub tracks the push connections of every online user. A user may hold
// several connections; each one gets every frame addressed to the user.
type Hub struct {
	// Registered clients by user id.
	clients map[string]map[*Client]bool

	// Frames addressed to a user.
	deliver chan delivery

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	count chan countRequest
	done  chan struct{}

	store store.Store
	log   *logrus.Entry
}

func NewHub(store store.Store) *Hub {
	return &Hub{
		deliver:    make(chan delivery, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan countRequest),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		store:      store,
		log:        logrus.WithField("component", "hub"),
	}
}

// Run owns the client table until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = nil
			return
		case client := <-h.register:
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]bool)
				h.clients[client.userID] = set
			}
			set[client] = true
			h.log.WithFields(logrus.Fields{"user_id": client.userID, "connections": len(set)}).Info("Client connected")
		case client := <-h.unregister:
			h.remove(client)
		case d := <-h.deliver:
			for client := range h.clients[d.userID] {
				select {
				case client.send <- d.payload:
				default:
					h.log.WithField("user_id", d.userID).Warn("Send buffer full, dropping client")
					h.remove(client)
				}
			}
		case q := <-h.count:
			q.reply <- len(h.clients[q.userID])
		}
	}
}

func (h *Hub) remove(client *Client) {
	set := h.clients[client.userID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	h.log.WithField("user_id", client.userID).Info("Client disconnected")
}

// SendToUser queues v for every connection of userID. Users that are
// offline simply miss the frame; history is the source of truth.
func (h *Hub) SendToUser(userID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode push frame")
		return
	}
	select {
	case h.deliver <- delivery{userID: userID, payload: payload}:
	case <-h.done:
	}
}

// Connections reports how many live connections userID has.
func (h *Hub) Connections(userID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{userID: userID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// handleInbound processes a frame sent by a client. Only typing
// indicators are accepted; they are forwarded to the other participant
// with a server timestamp.
func (h *Hub) handleInbound(from *Client, data []byte) {
	ev, err := models.ParseEvent(data)
	if err != nil {
		h.log.WithError(err).WithField("user_id", from.userID).Debug("Ignoring malformed frame")
		return
	}
	if ev.Type != models.EventTyping || ev.ConversationID == "" {
		return
	}

	conv, err := h.store.GetConversation(ev.ConversationID, from.userID)
	if err != nil || !conv.HasParticipant(from.userID) {
		h.log.WithFields(logrus.Fields{
			"user_id":         from.userID,
			"conversation_id": ev.ConversationID,
		}).Debug("Ignoring typing for foreign conversation")
		return
	}

	other := conv.OtherParticipant(from.userID)
	if other == from.userID {
		return
	}
	now := models.Now()
	h.SendToUser(other, models.Event{
		Type:           models.EventTyping,
		ConversationID: conv.ID,
		IsTyping:       ev.IsTyping,
		Timestamp:      &now,
	})
}
