// Package conversation holds the client-side view of a user's
// conversations and of the one conversation currently on screen.
//
// Messages reach the view from three places: history fetched over REST,
// frames pushed over the realtime channel, and messages this client just
// sent. The Store merges them by message id. When two copies of a message
// meet, the locally sent one wins over a pushed one, which wins over a
// history one; a deletion seen on any copy sticks.
package conversation

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/models"
)

// PreviewLength matches the preview the backend stores in last_message.
const PreviewLength = 100

// Opener decrypts message text exchanged with a peer. *crypto.Box
// implements it.
type Opener interface {
	Self() string
	Open(peer, text string) string
}

// Result says where ApplyIncoming put a pushed message.
type Result int

const (
	// Ignored means the message carried no conversation id.
	Ignored Result = iota
	// Active means the message was merged into the visible list; the
	// caller should mark the conversation read.
	Active
	// Background means a listed conversation got a new preview and unread
	// count.
	Background
	// Unknown means the conversation is not listed; the caller should
	// reload the list.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Active:
		return "active"
	case Background:
		return "background"
	case Unknown:
		return "unknown"
	default:
		return "ignored"
	}
}

type source int

const (
	fromHistory source = iota + 1
	fromPush
	fromLocal
)

type entry struct {
	msg models.Message
	src source
}

// Snapshot is a consistent copy of the whole view.
type Snapshot struct {
	Conversations []models.Conversation
	Active        string
	Messages      []models.Message
	Typing        map[string]bool
	TotalUnread   int
}

type Store struct {
	self   string
	opener Opener
	log    *logrus.Entry

	mu       sync.Mutex
	convs    []models.Conversation
	active   string
	messages []entry
	deleted  map[string]bool
	seen     map[string]bool
	latest   map[string]string
	typing   map[string]bool
}

func New(opener Opener, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.WithField("component", "conversation")
	}
	return &Store{
		self:    opener.Self(),
		opener:  opener,
		log:     log,
		deleted: make(map[string]bool),
		seen:    make(map[string]bool),
		latest:  make(map[string]string),
		typing:  make(map[string]bool),
	}
}

// SetConversations replaces the list with a fresh server copy, decrypting
// previews.
func (s *Store) SetConversations(list []models.Conversation) {
	convs := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		convs = append(convs, s.openConversation(c))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range convs {
		if convs[i].ID == s.active {
			convs[i].UnreadCount = 0
		}
	}
	sortRecentFirst(convs)
	s.convs = convs
}

// Upsert inserts or refreshes one conversation.
func (s *Store) Upsert(c models.Conversation) {
	c = s.openConversation(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == s.active {
		c.UnreadCount = 0
	}
	if i := s.indexLocked(c.ID); i >= 0 {
		s.convs[i] = c
	} else {
		s.convs = append(s.convs, c)
	}
	sortRecentFirst(s.convs)
}

func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyConversations(s.convs)
}

func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return copyConversation(s.convs[i]), true
}

// Select makes id the visible conversation. The message list is cleared
// until LoadHistory delivers its history, and the unread counter is
// zeroed.
func (s *Store) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	s.messages = nil
	if i := s.indexLocked(id); i >= 0 {
		s.convs[i].UnreadCount = 0
	}
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadHistory merges fetched history for id. It reports false and changes
// nothing when id is no longer the visible conversation.
func (s *Store) LoadHistory(id string, msgs []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != s.active {
		s.log.WithField("conversation_id", id).Debug("Discarding history for inactive conversation")
		return false
	}
	peer := s.peerLocked(id, "")
	for _, m := range msgs {
		m.ConversationID = id
		m.Content = s.opener.Open(s.peerFor(m, peer), m.Content)
		s.mergeLocked(m, fromHistory)
	}
	s.sortMessagesLocked()
	return true
}

// AppendLocal records a message this client sent, keeping the plaintext
// the user typed in place of the server's ciphertext.
func (s *Store) AppendLocal(m models.Message, plaintext string) {
	m.Content = plaintext
	if m.CreatedAt.IsZero() {
		m.CreatedAt = models.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ConversationID == s.active {
		m = s.mergeLocked(m, fromLocal)
		s.sortMessagesLocked()
	} else if m.ID != "" {
		s.seen[m.ID] = true
	}
	s.bumpLocked(m)
}

// ApplyIncoming merges a pushed message. It is decrypted with the sender,
// or with the other participant when the sender is this user.
func (s *Store) ApplyIncoming(m models.Message) Result {
	if m.ConversationID == "" {
		return Ignored
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known := s.indexLocked(m.ConversationID) >= 0
	peer := s.peerLocked(m.ConversationID, m.SenderID)
	m.Content = s.opener.Open(s.peerFor(m, peer), m.Content)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = models.Now()
	}

	if m.ConversationID == s.active {
		merged := s.mergeLocked(m, fromPush)
		s.sortMessagesLocked()
		s.bumpLocked(merged)
		return Active
	}
	dup := m.ID != "" && s.seen[m.ID]
	if m.ID != "" {
		s.seen[m.ID] = true
	}
	if !known {
		return Unknown
	}
	if s.deleted[m.ID] {
		m.IsDeleted = true
	}
	s.bumpLocked(m)
	if !dup && m.SenderID != s.self {
		s.convs[0].UnreadCount++
	}
	return Background
}

// MarkRead zeroes the unread counter and flags peer messages as read.
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.convs[i].UnreadCount = 0
	}
	if id != s.active {
		return
	}
	for i := range s.messages {
		if s.messages[i].msg.SenderID != s.self {
			s.messages[i].msg.IsRead = true
		}
	}
}

// MarkDeleted tombstones a message. The tombstone survives later history
// reloads that still carry the old content.
func (s *Store) MarkDeleted(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[messageID] = true
	for i := range s.messages {
		if s.messages[i].msg.ID == messageID {
			s.messages[i].msg.IsDeleted = true
		}
	}

	// The preview must not keep showing the deleted text.
	for i := range s.convs {
		c := &s.convs[i]
		if s.latest[c.ID] == messageID || (c.ID == s.active && s.newestVisibleLocked(messageID, c.LastMessageAt)) {
			c.LastMessage = models.TombstoneText
		}
	}
}

// newestVisibleLocked reports whether messageID is the last visible
// message and not older than the conversation's preview.
func (s *Store) newestVisibleLocked(messageID string, previewAt models.Timestamp) bool {
	if len(s.messages) == 0 {
		return false
	}
	last := s.messages[len(s.messages)-1].msg
	return last.ID == messageID && !last.CreatedAt.Before(previewAt.Time)
}

func (s *Store) SetTyping(conversationID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typing {
		s.typing[conversationID] = true
	} else {
		delete(s.typing, conversationID)
	}
}

func (s *Store) Typing(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[conversationID]
}

// Messages returns the visible conversation, oldest first.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnreadLocked()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	typing := make(map[string]bool, len(s.typing))
	for k, v := range s.typing {
		typing[k] = v
	}
	return Snapshot{
		Conversations: copyConversations(s.convs),
		Active:        s.active,
		Messages:      s.messagesLocked(),
		Typing:        typing,
		TotalUnread:   s.totalUnreadLocked(),
	}
}

func (s *Store) openConversation(c models.Conversation) models.Conversation {
	c = copyConversation(c)
	if c.LastMessage != "" {
		c.LastMessage = s.opener.Open(c.OtherParticipant(s.self), c.LastMessage)
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return c
}

// peerLocked finds the other participant of a conversation, falling back
// to sender when the conversation is not listed.
func (s *Store) peerLocked(conversationID, sender string) string {
	if i := s.indexLocked(conversationID); i >= 0 {
		return s.convs[i].OtherParticipant(s.self)
	}
	return sender
}

func (s *Store) peerFor(m models.Message, convPeer string) string {
	if m.SenderID != "" && m.SenderID != s.self {
		return m.SenderID
	}
	if convPeer != "" {
		return convPeer
	}
	return s.self
}

// mergeLocked inserts m or folds it into the copy already listed, and
// returns the resulting message.
func (s *Store) mergeLocked(m models.Message, src source) models.Message {
	if m.ID != "" && s.deleted[m.ID] {
		m.IsDeleted = true
	}
	if m.ID != "" {
		s.seen[m.ID] = true
		for i := range s.messages {
			cur := &s.messages[i]
			if cur.msg.ID != m.ID {
				continue
			}
			deleted := cur.msg.IsDeleted || m.IsDeleted
			read := cur.msg.IsRead || m.IsRead
			if src >= cur.src {
				cur.msg = m
				cur.src = src
			}
			cur.msg.IsDeleted = deleted
			cur.msg.IsRead = read
			return cur.msg
		}
	}
	s.messages = append(s.messages, entry{msg: m, src: src})
	return m
}

// bumpLocked makes m, already decrypted, the conversation's preview and
// moves the conversation to the front.
func (s *Store) bumpLocked(m models.Message) {
	i := s.indexLocked(m.ConversationID)
	if i < 0 {
		return
	}
	c := s.convs[i]
	c.LastMessage = models.Preview(m.DisplayContent(), PreviewLength)
	if m.CreatedAt.After(c.LastMessageAt.Time) {
		c.LastMessageAt = m.CreatedAt
	}
	if m.ID != "" {
		s.latest[c.ID] = m.ID
	}
	copy(s.convs[1:i+1], s.convs[:i])
	s.convs[0] = c
}

func (s *Store) sortMessagesLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].msg.CreatedAt.Before(s.messages[j].msg.CreatedAt.Time)
	})
}

func (s *Store) indexLocked(id string) int {
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) messagesLocked() []models.Message {
	out := make([]models.Message, len(s.messages))
	for i, e := range s.messages {
		out[i] = e.msg
	}
	return out
}

func (s *Store) totalUnreadLocked() int {
	n := 0
	for _, c := range s.convs {
		n += c.UnreadCount
	}
	return n
}

func sortRecentFirst(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt.Time)
	})
}

func copyConversation(c models.Conversation) models.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	c.ParticipantInfo = append([]models.ParticipantInfo(nil), c.ParticipantInfo...)
	return c
}

func copyConversations(list []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(list))
	for i, c := range list {
		out[i] = copyConversation(c)
	}
	return out
}
