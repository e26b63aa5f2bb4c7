package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openly/messenger/internal/api"
	"github.com/openly/messenger/internal/apperr"
	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/realtime"
)

// fakeAPI is an in-memory backend for one user's view.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message
	sent          []models.Message
	markedRead    []string
	deleted       []string
	listCalls     int
	historyOpts   []api.ListOptions
	historyBlock  chan struct{}
	sendErr       error
	unread        int
}

func newFakeAPI(convs ...models.Conversation) *fakeAPI {
	return &fakeAPI{conversations: convs, messages: make(map[string][]models.Message)}
}

func (f *fakeAPI) ListConversations(_ context.Context, _ string) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, userID, target string) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.HasParticipant(target) {
			return c, nil
		}
	}
	c := models.Conversation{
		ID:           "c-" + target,
		Participants: []string{userID, target},
		CreatedAt:    models.Now(),
	}
	f.conversations = append(f.conversations, c)
	return c, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, id string, opts api.ListOptions) ([]models.Message, error) {
	f.mu.Lock()
	f.historyOpts = append(f.historyOpts, opts)
	block := f.historyBlock
	msgs := append([]models.Message(nil), f.messages[id]...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, id, sender, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	m := models.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      models.Now(),
	}
	f.sent = append(f.sent, m)
	f.messages[id] = append(f.messages[id], m)
	return m, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cid, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				f.deleted = append(f.deleted, id)
				f.messages[cid][i].IsDeleted = true
				return nil
			}
		}
	}
	return apperr.NotFound("message not found")
}

func (f *fakeAPI) UnreadCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) setHistory(id string, msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = msgs
}

func (f *fakeAPI) Sent() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.sent...)
}

func (f *fakeAPI) MarkedRead() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markedRead...)
}

func (f *fakeAPI) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) HistoryOpts() []api.ListOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ListOptions(nil), f.historyOpts...)
}

// pipeConn is a push connection fed by the test.
type pipeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newPipeConn() *pipeConn {
	return &pipeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return 1, f, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) Push(frame []byte) { c.frames <- frame }

func (c *pipeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type pipeDialer struct{ conn *pipeConn }

func (d pipeDialer) Dial(context.Context, string) (realtime.Conn, error) { return d.conn, nil }

// idleClock never fires; no test here drops the connection.
type idleClock struct{}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (idleClock) AfterFunc(time.Duration, func()) realtime.Timer { return idleTimer{} }
