// Package realtime keeps one push connection per logged-in user open,
// reconnecting with exponential backoff when it drops.
//
// A Channel moves through Connecting, Open, Closed and Reconnecting. After
// a drop it waits min(base*2^attempt, max) before dialing again and gives
// up after MaxAttempts consecutive failures, staying Closed until
// Reconnect is called. Inbound frames are parsed into models.Event and
// fanned out to subscribers in arrival order. Outbound frames are written
// only while Open; nothing is queued while disconnected.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openly/messenger/internal/models"
)

const (
	subscriberBuffer = 64
	watchBuffer      = 1
)

var (
	// ErrNotConnected is returned by Send when the channel is not Open.
	// The frame is dropped.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: channel closed")
)

// Options tune a Channel. Zero values take the defaults.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Dialer      Dialer
	Clock       Clock
	Logger      *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "realtime")
	}
}

// Subscription receives inbound events until Cancel is called.
type Subscription struct {
	C <-chan models.Event

	ch     chan models.Event
	done   chan struct{}
	once   sync.Once
	parent *Channel
}

// Cancel detaches the subscription. C is not closed.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.parent.removeSubscriber(s)
	})
}

// Channel is the push connection for one user.
type Channel struct {
	id   string
	url  string
	opts Options
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	attempts  int
	exhausted bool
	dialing   bool
	closed    bool
	conn      Conn
	gen       uint64
	timer     Timer

	writeMu sync.Mutex

	subMu    sync.RWMutex
	subs     []*Subscription
	watchers []chan Status
}

// New returns a Channel for url in the Closed state. Nothing is dialed
// until Connect.
func New(url string, opts Options) *Channel {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Channel{
		id:     id,
		url:    url,
		opts:   opts,
		log:    opts.Logger.WithFields(logrus.Fields{"channel_id": id, "url": url}),
		ctx:    ctx,
		cancel: cancel,
		state:  StateClosed,
	}
}

// NewForUser builds the channel for userID from the REST base URL.
func NewForUser(apiBase, userID string, opts Options) (*Channel, error) {
	u, err := EndpointURL(apiBase, userID)
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		opts.Logger = opts.Logger.WithField("user_id", userID)
	}
	return New(u, opts), nil
}

func (c *Channel) URL() string { return c.url }

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Channel) State() State { return c.Status().State }

// Attempts is the number of reconnect attempts since the last successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the endpoint. It is a no-op while Open or while another
// dial is in flight. A failed dial schedules a reconnect like a drop does.
func (c *Channel) Connect(ctx context.Context) error {
	return c.dial(ctx)
}

// Reconnect resets the attempt counter and dials immediately. It is the
// way out of the exhausted state and a no-op while Open.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.stopTimerLocked()
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()

	c.log.Info("Manual reconnect requested")
	return c.dial(ctx)
}

// Close cancels any pending reconnect and closes the connection. It is
// safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.log.Debug("Channel closed")
	return err
}

// Send writes v as a JSON text frame. It fails with ErrNotConnected
// unless the channel is Open.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	c.mu.Unlock()

	if !open {
		c.log.Warn("Dropping outbound frame, channel not open")
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendTyping sends a typing indicator for a conversation.
func (c *Channel) SendTyping(conversationID string, isTyping bool) error {
	return c.Send(models.NewTypingEvent(conversationID, isTyping))
}

// Subscribe registers a consumer of inbound events. Events are delivered
// in arrival order; a slow subscriber holds up the read loop.
func (c *Channel) Subscribe() *Subscription {
	ch := make(chan models.Event, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, done: make(chan struct{}), parent: c}
	c.subMu.Lock()
	c.subs = append(c.subs, s)
	c.subMu.Unlock()
	return s
}

// Watch returns a channel carrying the latest Status after every
// transition. Intermediate values may be skipped if the reader lags.
func (c *Channel) Watch() <-chan Status {
	ch := make(chan Status, watchBuffer)
	c.subMu.Lock()
	c.watchers = append(c.watchers, ch)
	c.subMu.Unlock()

	c.mu.Lock()
	st := c.statusLocked()
	c.mu.Unlock()
	offer(ch, st)
	return ch
}

func (c *Channel) removeSubscriber(s *Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, sub := range c.subs {
		if sub == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateOpen || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.setStateLocked(StateConnecting)
	attempt := c.attempts
	c.mu.Unlock()

	c.log.WithField("attempt", attempt).Debug("Dialing push endpoint")
	conn, err := c.opts.Dialer.Dial(ctx, c.url)

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.log.WithError(err).WithField("attempt", attempt).Warn("Push connection failed")
		c.setStateLocked(StateClosed)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return err
	}

	c.stopTimerLocked()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.exhausted = false
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.log.Info("Push connection open")
	go c.readLoop(conn, gen)
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}

		ev, err := models.ParseEvent(data)
		if err != nil {
			c.log.WithError(err).WithField("frame_size", len(data)).Warn("Dropping malformed frame")
			continue
		}
		if !c.publish(ev) {
			return
		}
	}
}

// publish delivers ev to every subscriber. It reports false once the
// channel has been closed.
func (c *Channel) publish(ev models.Event) bool {
	c.subMu.RLock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.subMu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-c.ctx.Done():
			return false
		}
	}
	return true
}

func (c *Channel) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen {
		return
	}
	conn := c.conn
	c.conn = nil
	if conn != nil {
		conn.Close()
	}

	entry := c.log.WithError(err)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		entry.Info("Push connection closed by server")
	} else {
		entry.Warn("Push connection lost")
	}

	c.setStateLocked(StateClosed)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer, or marks the
// channel exhausted when no attempts remain.
func (c *Channel) scheduleReconnectLocked() {
	c.stopTimerLocked()
	if c.attempts >= c.opts.MaxAttempts {
		c.exhausted = true
		c.log.WithField("attempts", c.attempts).Error("Reconnect attempts exhausted, staying disconnected")
		c.notifyLocked()
		return
	}

	delay := Backoff(c.attempts, c.opts.BaseDelay, c.opts.MaxDelay)
	c.log.WithFields(logrus.Fields{
		"attempt": c.attempts + 1,
		"delay":   delay,
	}).Info("Scheduling reconnect")
	c.setStateLocked(StateReconnecting)
	c.timer = c.opts.Clock.AfterFunc(delay, c.fireReconnect)
}

func (c *Channel) fireReconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.attempts++
	c.mu.Unlock()

	_ = c.dial(c.ctx)
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) statusLocked() Status {
	return Status{State: c.state, Attempt: c.attempts, Exhausted: c.exhausted}
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	c.notifyLocked()
}

func (c *Channel) notifyLocked() {
	st := c.statusLocked()
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, w := range c.watchers {
		offer(w, st)
	}
}

// offer replaces any unread value in ch with st.
func offer(ch chan Status, st Status) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
