package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openly/messenger/internal/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestChannel(t *testing.T, opts Options) (*Channel, *fakeDialer, *fakeClock) {
	t.Helper()
	d := &fakeDialer{}
	clk := &fakeClock{}
	logger, _ := test.NewNullLogger()
	opts.Dialer = d
	opts.Clock = clk
	opts.Logger = logrus.NewEntry(logger)
	ch := New("ws://example.test/ws/u1", opts)
	t.Cleanup(func() { ch.Close() })
	return ch, d, clk
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{200, 30 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, DefaultBaseDelay, DefaultMaxDelay), "attempt %d", tt.attempt)
	}
	assert.Equal(t, 8*time.Second, Backoff(3, time.Second, 0), "no cap")
}

func TestFailedDialsBackOffThenGiveUp(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{})

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, errDialRefused)
	assert.Equal(t, StateReconnecting, ch.State())

	for clk.Fire() {
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, clk.Delays())
	assert.Equal(t, 6, d.Calls())

	st := ch.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.True(t, st.Exhausted)
	assert.Equal(t, DefaultMaxAttempts, st.Attempt)
	assert.Zero(t, clk.Pending())
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})
	d.Succeed(newFakeConn())

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Connect(context.Background()))

	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, 1, d.Calls())
}

func TestConnectWhileDialingDialsOnce(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})
	d.block = make(chan struct{})
	d.Succeed(newFakeConn())

	done := make(chan error, 1)
	go func() { done <- ch.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return ch.State() == StateConnecting }, waitFor, tick)
	require.NoError(t, ch.Connect(context.Background()))

	close(d.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, 1, d.Calls())
}

func TestDropsReconnectAtBaseDelay(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{})
	conn := newFakeConn()
	d.Succeed(conn)
	require.NoError(t, ch.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		next := newFakeConn()
		d.Succeed(next)

		conn.Drop()
		require.Eventually(t, func() bool { return ch.State() == StateReconnecting }, waitFor, tick)

		require.True(t, clk.Fire())
		assert.Equal(t, StateOpen, ch.State())
		assert.Zero(t, ch.Attempts())
		conn = next
	}

	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clk.Delays())
	assert.Equal(t, 4, d.Calls())
}

func TestReconnectUsesPerUserURL(t *testing.T) {
	d := &fakeDialer{}
	d.Succeed(newFakeConn())
	ch, err := NewForUser("http://localhost:8000", "u1", Options{Dialer: d, Clock: &fakeClock{}})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, []string{"ws://localhost:8000/ws/u1"}, d.urls)
}

func TestInboundEventsInOrderSkippingMalformed(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})
	conn := newFakeConn()
	d.Succeed(conn)

	sub := ch.Subscribe()
	defer sub.Cancel()
	require.NoError(t, ch.Connect(context.Background()))

	conn.Push(`{"type":"new_message","message":{"id":"m1","conversation_id":"c1","content":"a"}}`)
	conn.Push(`not json`)
	conn.Push(`{"message":{"id":"mx"}}`)
	conn.Push(`{"type":"typing","conversation_id":"c1","is_typing":true}`)
	conn.Push(`{"type":"new_message","message":{"id":"m2","conversation_id":"c1","content":"b"}}`)

	var got []models.Event
	for len(got) < 3 {
		select {
		case ev := <-sub.C:
			got = append(got, ev)
		case <-time.After(waitFor):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	assert.Equal(t, "m1", got[0].Message.ID)
	assert.Equal(t, models.EventTyping, got[1].Type)
	assert.True(t, got[1].IsTyping)
	assert.Equal(t, "m2", got[2].Message.ID)
	assert.Equal(t, StateOpen, ch.State(), "malformed frames must not drop the connection")
}

func TestCancelledSubscriptionReceivesNothing(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})
	conn := newFakeConn()
	d.Succeed(conn)

	gone := ch.Subscribe()
	gone.Cancel()
	gone.Cancel()
	live := ch.Subscribe()
	require.NoError(t, ch.Connect(context.Background()))

	conn.Push(`{"type":"typing","conversation_id":"c1","is_typing":false}`)

	select {
	case <-live.C:
	case <-time.After(waitFor):
		t.Fatal("live subscriber got nothing")
	}
	select {
	case ev := <-gone.C:
		t.Fatalf("cancelled subscriber got %+v", ev)
	default:
	}
}

func TestSendRequiresOpenConnection(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})

	assert.ErrorIs(t, ch.SendTyping("c1", true), ErrNotConnected)

	conn := newFakeConn()
	d.Succeed(conn)
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.SendTyping("c1", true))

	written := conn.Written()
	require.Len(t, written, 1)
	assert.JSONEq(t, `{"type":"typing","conversation_id":"c1","is_typing":true}`, written[0])

	conn.Drop()
	require.Eventually(t, func() bool { return ch.State() == StateReconnecting }, waitFor, tick)
	assert.ErrorIs(t, ch.SendTyping("c1", false), ErrNotConnected)
	assert.Len(t, conn.Written(), 1, "nothing is buffered while disconnected")
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{})

	require.Error(t, ch.Connect(context.Background()))
	require.Equal(t, 1, clk.Pending())

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.Zero(t, clk.Pending())
	assert.False(t, clk.Fire())
	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, 1, d.Calls())
	assert.ErrorIs(t, ch.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, ch.Reconnect(context.Background()), ErrClosed)
}

func TestCloseWhileOpenDoesNotReconnect(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{})
	conn := newFakeConn()
	d.Succeed(conn)
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Close())
	assert.True(t, conn.Closed())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, clk.Pending())
	assert.Equal(t, StateClosed, ch.State())
}

func TestReconnectAfterExhaustion(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{MaxAttempts: 1})

	require.Error(t, ch.Connect(context.Background()))
	require.True(t, clk.Fire())
	require.False(t, clk.Fire())
	require.True(t, ch.Status().Exhausted)

	d.Succeed(newFakeConn())
	require.NoError(t, ch.Reconnect(context.Background()))

	st := ch.Status()
	assert.Equal(t, StateOpen, st.State)
	assert.False(t, st.Exhausted)
	assert.Zero(t, st.Attempt)
}

func TestReconnectSkipsPendingTimer(t *testing.T) {
	ch, d, clk := newTestChannel(t, Options{})

	require.Error(t, ch.Connect(context.Background()))
	require.Equal(t, 1, clk.Pending())

	d.Succeed(newFakeConn())
	require.NoError(t, ch.Reconnect(context.Background()))
	assert.Equal(t, StateOpen, ch.State())
	assert.Zero(t, clk.Pending())
	assert.Equal(t, 2, d.Calls())
}

func TestWatchReportsLatestStatus(t *testing.T) {
	ch, d, _ := newTestChannel(t, Options{})
	w := ch.Watch()

	st := <-w
	assert.Equal(t, StateClosed, st.State)

	d.Succeed(newFakeConn())
	require.NoError(t, ch.Connect(context.Background()))

	select {
	case st = <-w:
	case <-time.After(waitFor):
		t.Fatal("no status after connect")
	}
	assert.Equal(t, StateOpen, st.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
