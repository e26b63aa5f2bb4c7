// Package session ties the REST client, the push channel, the cipher and
// the conversation view together for one logged-in user.
//
// A Session subscribes to its channel once and runs a single event loop.
// REST results and pushed events both land in the conversation.Store,
// which is what a UI renders. After Teardown every late REST result is
// dropped instead of touching the store.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/api"
	"github.com/openly/messenger/internal/conversation"
	"github.com/openly/messenger/internal/crypto"
	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/realtime"
)

var (
	ErrNoActiveConversation = errors.New("no conversation selected")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrClosed               = errors.New("session closed")
)

const updateBuffer = 64

// API is the part of the REST client a session uses. *api.Client
// implements it.
type API interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, userID, targetUserID string) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, opts api.ListOptions) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	DeleteMessage(ctx context.Context, messageID, userID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

var _ API = (*api.Client)(nil)

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	UpdateConversations UpdateKind = iota + 1
	UpdateMessages
	UpdateIncoming
	UpdateTyping
	UpdateStatus
)

// Update tells a UI what to redraw. Updates are advisory: the store is
// the source of truth and slow readers may miss some.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Message        *models.Message
	Typing         bool
	Status         realtime.Status
}

type Options struct {
	API      API
	Channel  *realtime.Channel
	Box      *crypto.Box
	Logger   *logrus.Entry
	PageSize int
}

type Session struct {
	self     string
	api      API
	channel  *realtime.Channel
	box      *crypto.Box
	store    *conversation.Store
	log      *logrus.Entry
	pageSize int

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	teardownOnce sync.Once
	wg           sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	sub     *realtime.Subscription

	emitMu  sync.RWMutex
	updates chan Update
}

func New(opts Options) (*Session, error) {
	if opts.API == nil || opts.Channel == nil || opts.Box == nil {
		return nil, errors.New("session: api, channel and box are required")
	}
	if opts.Box.Self() == "" {
		return nil, errors.New("session: user id is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	log = log.WithField("user_id", opts.Box.Self())
	if opts.PageSize <= 0 {
		opts.PageSize = api.DefaultPageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		self:     opts.Box.Self(),
		api:      opts.API,
		channel:  opts.Channel,
		box:      opts.Box,
		store:    conversation.New(opts.Box, log.WithField("component", "conversation")),
		log:      log,
		pageSize: opts.PageSize,
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan Update, updateBuffer),
	}, nil
}

func (s *Session) Self() string { return s.self }

// Updates carries change notifications until Teardown.
func (s *Session) Updates() <-chan Update { return s.updates }

// Snapshot returns a consistent copy of the current view.
func (s *Session) Snapshot() conversation.Snapshot { return s.store.Snapshot() }

func (s *Session) ConnectionStatus() realtime.Status { return s.channel.Status() }

// Start subscribes to the channel, starts the event loop, connects and
// loads the conversation list. A failed connect is not an error; the
// channel keeps retrying on its own.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.closed.Load() {
		s.lifeMu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.started = true
		s.sub = s.channel.Subscribe()
		s.wg.Add(1)
		go s.loop(s.sub, s.channel.Watch())
	}
	s.lifeMu.Unlock()

	if err := s.channel.Connect(ctx); err != nil && !errors.Is(err, realtime.ErrClosed) {
		s.log.WithError(err).Warn("Push channel unavailable, retrying in background")
	}
	return s.LoadConversations(ctx)
}

func (s *Session) LoadConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx, s.self)
	if err != nil {
		s.log.WithError(err).Error("Failed to load conversations")
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.store.SetConversations(list)
	s.emit(Update{Kind: UpdateConversations})
	return nil
}

// SelectConversation shows id, loads its latest history and marks it read.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.store.Select(id)
	s.emit(Update{Kind: UpdateMessages, ConversationID: id})

	msgs, err := s.api.ListMessages(ctx, id, api.ListOptions{Limit: s.pageSize})
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Error("Failed to load messages")
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.store.LoadHistory(id, msgs) {
		return nil
	}
	s.emit(Update{Kind: UpdateMessages, ConversationID: id})
	return s.MarkRead(ctx, id)
}

// LoadOlderMessages fetches the page before the oldest visible message.
// It returns how many messages the server sent.
func (s *Session) LoadOlderMessages(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	snap := s.store.Snapshot()
	if snap.Active == "" {
		return 0, ErrNoActiveConversation
	}
	opts := api.ListOptions{Limit: s.pageSize}
	if len(snap.Messages) > 0 {
		opts.Before = snap.Messages[0].CreatedAt
	}

	msgs, err := s.api.ListMessages(ctx, snap.Active, opts)
	if err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.store.LoadHistory(snap.Active, msgs) {
		s.emit(Update{Kind: UpdateMessages, ConversationID: snap.Active})
	}
	return len(msgs), nil
}

// StartConversationWith opens (creating if needed) the conversation with
// userID and selects it.
func (s *Session) StartConversationWith(ctx context.Context, userID string) (models.Conversation, error) {
	if s.closed.Load() {
		return models.Conversation{}, ErrClosed
	}
	conv, err := s.api.CreateConversation(ctx, s.self, userID)
	if err != nil {
		s.log.WithError(err).WithField("target_user_id", userID).Error("Failed to start conversation")
		return models.Conversation{}, err
	}
	if s.closed.Load() {
		return models.Conversation{}, ErrClosed
	}
	s.store.Upsert(conv)
	s.emit(Update{Kind: UpdateConversations})
	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	c, _ := s.store.Conversation(conv.ID)
	return c, nil
}

// SendMessage encrypts text for the active conversation and posts it.
// The view keeps the typed text; the server only ever sees ciphertext.
func (s *Session) SendMessage(ctx context.Context, text string) (models.Message, error) {
	if s.closed.Load() {
		return models.Message{}, ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	id := s.store.Active()
	if id == "" {
		return models.Message{}, ErrNoActiveConversation
	}
	conv, ok := s.store.Conversation(id)
	if !ok {
		return models.Message{}, ErrNoActiveConversation
	}
	peer := conv.OtherParticipant(s.self)

	sent, err := s.api.SendMessage(ctx, id, s.self, s.box.Seal(peer, text))
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Error("Failed to send message")
		return models.Message{}, err
	}
	if s.closed.Load() {
		return models.Message{}, ErrClosed
	}
	if sent.ConversationID == "" {
		sent.ConversationID = id
	}
	s.store.AppendLocal(sent, text)
	s.emit(Update{Kind: UpdateMessages, ConversationID: id})

	sent.Content = text
	return sent, nil
}

func (s *Session) MarkRead(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.api.MarkRead(ctx, id, s.self); err != nil {
		s.log.WithError(err).WithField("conversation_id", id).Warn("Failed to mark conversation read")
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.store.MarkRead(id)
	s.emit(Update{Kind: UpdateConversations})
	return nil
}

func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.api.DeleteMessage(ctx, messageID, s.self); err != nil {
		s.log.WithError(err).WithField("message_id", messageID).Error("Failed to delete message")
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.store.MarkDeleted(messageID)
	s.emit(Update{Kind: UpdateMessages, ConversationID: s.store.Active()})
	return nil
}

// SendTyping tells the peer of the active conversation whether this user
// is typing. It fails with realtime.ErrNotConnected while offline.
func (s *Session) SendTyping(isTyping bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	id := s.store.Active()
	if id == "" {
		return ErrNoActiveConversation
	}
	return s.channel.SendTyping(id, isTyping)
}

// UnreadCount asks the server for the total across all conversations.
func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	return s.api.UnreadCount(ctx, s.self)
}

// Reconnect restarts the push channel after it gave up.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.channel.Reconnect(ctx)
}

// Teardown stops the event loop and closes the channel. It is safe to call
// more than once.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.lifeMu.Lock()
		s.closed.Store(true)
		sub := s.sub
		s.lifeMu.Unlock()

		s.cancel()
		if sub != nil {
			sub.Cancel()
		}
		s.channel.Close()
		s.wg.Wait()

		s.emitMu.Lock()
		close(s.updates)
		s.emitMu.Unlock()
		s.log.Debug("Session torn down")
	})
}

func (s *Session) loop(sub *realtime.Subscription, watch <-chan realtime.Status) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-sub.C:
			s.handleEvent(ev)
		case st := <-watch:
			s.emit(Update{Kind: UpdateStatus, Status: st})
		}
	}
}

func (s *Session) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventNewMessage:
		msg := *ev.Message
		result := s.store.ApplyIncoming(msg)
		log := s.log.WithFields(logrus.Fields{"conversation_id": msg.ConversationID, "result": result})
		log.Debug("Applied pushed message")

		switch result {
		case conversation.Active:
			s.async(func(ctx context.Context) { s.MarkRead(ctx, msg.ConversationID) })
		case conversation.Unknown:
			s.async(func(ctx context.Context) { s.LoadConversations(ctx) })
		case conversation.Ignored:
			return
		}
		msg = s.openPushed(msg)
		s.emit(Update{Kind: UpdateIncoming, ConversationID: msg.ConversationID, Message: &msg})

	case models.EventTyping:
		s.store.SetTyping(ev.ConversationID, ev.IsTyping)
		s.emit(Update{Kind: UpdateTyping, ConversationID: ev.ConversationID, Typing: ev.IsTyping})

	default:
		s.log.WithField("type", ev.Type).Debug("Ignoring push event")
	}
}

// openPushed returns the merged copy of msg when it is on screen, or
// decrypts it on the spot otherwise.
func (s *Session) openPushed(msg models.Message) models.Message {
	if msg.ConversationID == s.store.Active() {
		for _, m := range s.store.Messages() {
			if m.ID == msg.ID {
				return m
			}
		}
	}
	peer := msg.SenderID
	if peer == s.self {
		if c, ok := s.store.Conversation(msg.ConversationID); ok {
			peer = c.OtherParticipant(s.self)
		}
	}
	msg.Content = s.box.Open(peer, msg.Content)
	return msg
}

// async runs a follow-up REST call off the event loop. It is skipped once
// the session is torn down.
func (s *Session) async(f func(ctx context.Context)) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

// emit drops the update when nobody keeps up.
func (s *Session) emit(u Update) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.log.WithField("kind", u.Kind).Debug("Update dropped, reader is behind")
	}
}
