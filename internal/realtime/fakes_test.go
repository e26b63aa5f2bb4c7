package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var errDialRefused = errors.New("connection refused")

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock records scheduled callbacks and runs them on Fire.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Delays lists the delay of every timer ever scheduled.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs the most recent pending timer synchronously.
func (c *fakeClock) Fire() bool {
	c.mu.Lock()
	var next *fakeTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		t := c.timers[i]
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}
	next.fired = true
	c.mu.Unlock()
	next.f()
	return true
}

// fakeConn delivers queued frames until dropped or closed.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return 1, f, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Drop simulates the server going away.
func (c *fakeConn) Drop() {
	c.mu.Lock()
	c.readErr = io.ErrUnexpectedEOF
	c.mu.Unlock()
	c.Close()
}

func (c *fakeConn) Push(frame string) { c.frames <- []byte(frame) }

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out scripted results; once the script is exhausted
// every dial is refused.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	urls    []string
	block   chan struct{}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Succeed(conn *fakeConn) { d.push(dialResult{conn: conn}) }
func (d *fakeDialer) Fail()                  { d.push(dialResult{err: errDialRefused}) }

func (d *fakeDialer) push(r dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r)
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.urls = append(d.urls, url)
	block := d.block
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	} else {
		r = dialResult{err: errDialRefused}
	}
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}
