package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openly/messenger/internal/crypto"
	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/realtime"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type harness struct {
	session *Session
	api     *fakeAPI
	conn    *pipeConn
	peer    *crypto.Box
}

func newHarness(t *testing.T, convs ...models.Conversation) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	conn := newPipeConn()
	ch := realtime.New("ws://example.test/ws/u1", realtime.Options{
		Dialer: pipeDialer{conn: conn},
		Clock:  idleClock{},
		Logger: log,
	})
	fake := newFakeAPI(convs...)
	s, err := New(Options{
		API:      fake,
		Channel:  ch,
		Box:      crypto.NewBox("u1", nil),
		Logger:   log,
		PageSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(s.Teardown)
	return &harness{session: s, api: fake, conn: conn, peer: crypto.NewBox("u2", nil)}
}

func (h *harness) push(t *testing.T, m models.Message) {
	t.Helper()
	data, err := json.Marshal(models.NewMessageEvent(m))
	require.NoError(t, err)
	h.conn.Push(data)
}

func withBob(id string) models.Conversation {
	return models.Conversation{ID: id, Participants: []string{"u1", "u2"}, LastMessageAt: models.Now()}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	ch := realtime.New("ws://example.test/ws/x", realtime.Options{})
	defer ch.Close()
	_, err = New(Options{API: newFakeAPI(), Channel: ch, Box: crypto.NewBox("", nil)})
	assert.Error(t, err)
}

func TestStartConnectsAndLoadsConversations(t *testing.T) {
	h := newHarness(t, withBob("c1"))

	require.NoError(t, h.session.Start(context.Background()))

	assert.Equal(t, realtime.StateOpen, h.session.ConnectionStatus().State)
	snap := h.session.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, "c1", snap.Conversations[0].ID)
}

func TestSendMessageRequiresTextAndConversation(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	require.NoError(t, h.session.Start(context.Background()))

	_, err := h.session.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	require.NoError(t, h.session.SelectConversation(context.Background(), "c1"))
	_, err = h.session.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.api.Sent())
}

func TestSendMessageEncryptsForPeer(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	msg, err := h.session.SendMessage(ctx, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	sent := h.api.Sent()
	require.Len(t, sent, 1)
	assert.NotEqual(t, "hello", sent[0].Content)
	assert.True(t, crypto.IsEnvelope(sent[0].Content))
	assert.Equal(t, "hello", h.peer.Open("u1", sent[0].Content))

	snap := h.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.Equal(t, "hello", snap.Conversations[0].LastMessage)
}

func TestSelectConversationLoadsHistoryAndMarksRead(t *testing.T) {
	c := withBob("c1")
	c.UnreadCount = 3
	h := newHarness(t, c)
	h.api.setHistory("c1", models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u2",
		Content:        h.peer.Seal("u1", "hi alice"),
		CreatedAt:      models.Now(),
	})
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	snap := h.session.Snapshot()
	assert.Equal(t, "c1", snap.Active)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi alice", snap.Messages[0].Content)
	assert.True(t, snap.Messages[0].IsRead)
	assert.Zero(t, snap.TotalUnread)
	assert.Equal(t, []string{"c1"}, h.api.MarkedRead())
}

func TestLoadOlderMessagesPagesBeforeOldest(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	first := models.NewTimestamp(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	h.api.setHistory("c1",
		models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "a", CreatedAt: first},
		models.Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "b", CreatedAt: models.NewTimestamp(first.Add(time.Minute))},
	)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	_, err := h.session.LoadOlderMessages(ctx)
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	require.NoError(t, h.session.SelectConversation(ctx, "c1"))
	n, err := h.session.LoadOlderMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	opts := h.api.HistoryOpts()
	require.Len(t, opts, 2)
	assert.True(t, opts[0].Before.IsZero())
	assert.Equal(t, 2, opts[0].Limit)
	assert.True(t, first.Equal(opts[1].Before.Time))
	assert.Len(t, h.session.Snapshot().Messages, 2, "re-fetched messages merge by id")
}

func TestPushToActiveConversationIsShownAndRead(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	h.push(t, models.Message{ID: "m9", ConversationID: "c1", SenderID: "u2", Content: h.peer.Seal("u1", "are you there?")})

	require.Eventually(t, func() bool { return len(h.session.Snapshot().Messages) == 1 }, waitFor, tick)
	assert.Equal(t, "are you there?", h.session.Snapshot().Messages[0].Content)
	require.Eventually(t, func() bool { return len(h.api.MarkedRead()) == 2 }, waitFor, tick)
	assert.Zero(t, h.session.Snapshot().TotalUnread)
}

func TestPushToBackgroundConversationCountsUnread(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	require.NoError(t, h.session.Start(context.Background()))

	m := models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: h.peer.Seal("u1", "ping")}
	h.push(t, m)
	h.push(t, m)

	var incoming []Update
	require.Eventually(t, func() bool {
		for {
			select {
			case u := <-h.session.Updates():
				if u.Kind == UpdateIncoming {
					incoming = append(incoming, u)
				}
			default:
				return len(incoming) == 2
			}
		}
	}, waitFor, tick)
	require.NotNil(t, incoming[0].Message)
	assert.Equal(t, "ping", incoming[0].Message.Content)

	snap := h.session.Snapshot()
	assert.Equal(t, "ping", snap.Conversations[0].LastMessage)
	assert.Equal(t, 1, snap.TotalUnread, "a duplicate push counts once")
	assert.Empty(t, h.api.MarkedRead())
}

func TestPushToUnknownConversationReloadsList(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	require.Equal(t, 1, h.api.ListCalls())

	h.api.mu.Lock()
	h.api.conversations = append(h.api.conversations, withBob("c7"))
	h.api.mu.Unlock()
	h.push(t, models.Message{ID: "m1", ConversationID: "c7", SenderID: "u2", Content: "x"})

	require.Eventually(t, func() bool { return len(h.session.Snapshot().Conversations) == 1 }, waitFor, tick)
	assert.Equal(t, 2, h.api.ListCalls())
}

func TestTypingEventsAndSend(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	ctx := context.Background()

	assert.ErrorIs(t, h.session.SendTyping(true), ErrNoActiveConversation)
	require.NoError(t, h.session.Start(ctx))
	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	require.NoError(t, h.session.SendTyping(true))
	require.Len(t, h.conn.Written(), 1)
	assert.JSONEq(t, `{"type":"typing","conversation_id":"c1","is_typing":true}`, h.conn.Written()[0])

	h.conn.Push([]byte(`{"type":"typing","conversation_id":"c1","is_typing":true}`))
	require.Eventually(t, func() bool { return h.session.Snapshot().Typing["c1"] }, waitFor, tick)
	h.conn.Push([]byte(`{"type":"typing","conversation_id":"c1","is_typing":false}`))
	require.Eventually(t, func() bool { return !h.session.Snapshot().Typing["c1"] }, waitFor, tick)
}

func TestDeletedMessageStaysDeletedAfterRefetch(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))
	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	sent, err := h.session.SendMessage(ctx, "oops")
	require.NoError(t, err)
	require.NoError(t, h.session.DeleteMessage(ctx, sent.ID))

	// The backend still returns the old content.
	h.api.setHistory("c1", models.Message{
		ID: sent.ID, ConversationID: "c1", SenderID: "u1", Content: h.peer.Seal("u1", "oops"), CreatedAt: sent.CreatedAt,
	})
	require.NoError(t, h.session.SelectConversation(ctx, "c1"))

	msgs := h.session.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Equal(t, models.TombstoneText, msgs[0].DisplayContent())
}

func TestStartConversationWith(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	conv, err := h.session.StartConversationWith(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "c-u2", conv.ID)
	assert.Equal(t, "c-u2", h.session.Snapshot().Active)
	assert.Len(t, h.session.Snapshot().Conversations, 1)
}

func TestTeardownIsIdempotentAndStopsUpdates(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	h.session.Teardown()
	h.session.Teardown()

	for range h.session.Updates() {
	}
	assert.ErrorIs(t, h.session.Start(ctx), ErrClosed)
	assert.ErrorIs(t, h.session.SelectConversation(ctx, "c1"), ErrClosed)
	assert.ErrorIs(t, h.session.Reconnect(ctx), ErrClosed)
	_, err := h.session.SendMessage(ctx, "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, realtime.StateClosed, h.session.ConnectionStatus().State)
}

func TestResultsAfterTeardownAreDropped(t *testing.T) {
	h := newHarness(t, withBob("c1"))
	h.api.setHistory("c1", models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "x", CreatedAt: models.Now()})
	ctx := context.Background()
	require.NoError(t, h.session.Start(ctx))

	h.api.mu.Lock()
	h.api.historyBlock = make(chan struct{})
	h.api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.session.SelectConversation(ctx, "c1") }()
	require.Eventually(t, func() bool { return len(h.api.HistoryOpts()) == 1 }, waitFor, tick)

	h.session.Teardown()
	close(h.api.historyBlock)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, h.session.Snapshot().Messages)
	assert.Empty(t, h.api.MarkedRead())
}

func TestUnreadCountFromServer(t *testing.T) {
	h := newHarness(t)
	h.api.unread = 4
	n, err := h.session.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestStartRacingTeardown(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, withBob("c1"))

		start := make(chan struct{})
		errs := make(chan error, 2)
		for j := 0; j < 2; j++ {
			go func() {
				<-start
				errs <- h.session.Start(context.Background())
			}()
		}
		close(start)
		h.session.Teardown()

		for j := 0; j < 2; j++ {
			err := <-errs
			if err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}
		assert.ErrorIs(t, h.session.Start(context.Background()), ErrClosed)
		assert.Equal(t, realtime.StateClosed, h.session.ConnectionStatus().State)
	}
}
