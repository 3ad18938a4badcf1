package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stream-relay/internal/platform/logger"
	"stream-relay/internal/transform"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeConn records every payload sent to it.
type fakeConn struct {
	id string

	mu        sync.Mutex
	sent      [][]byte
	failWith  error
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	if c.closed {
		return errConnClosed
	}
	c.sent = append(c.sent, slices.Clone(payload))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	return nil
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, p := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, m := range c.messages() {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// waitType waits until at least n messages of typ were sent and returns them.
func (c *fakeConn) waitType(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(typ)) >= n },
		waitTimeout, 5*time.Millisecond, "waiting for %d %q messages, got %v", n, typ, c.types())
	return c.ofType(typ)
}

// last returns the most recent message.
func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	msgs := c.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

// stalledConn holds sends of one message type until unblocked. An empty
// type holds every send.
type stalledConn struct {
	*fakeConn
	blockType string

	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newStalledConn(t *testing.T, blockType string) *stalledConn {
	c := &stalledConn{
		fakeConn:  newFakeConn(),
		blockType: blockType,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	t.Cleanup(c.unblock)
	return c
}

func (c *stalledConn) Send(ctx context.Context, payload []byte) error {
	if c.blockType == "" || bytes.Contains(payload, []byte(`"type":"`+c.blockType+`"`)) {
		c.enterOnce.Do(func() { close(c.entered) })
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.fakeConn.Send(ctx, payload)
}

// waitEntered waits until a send is being held.
func (c *stalledConn) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-c.entered:
	case <-time.After(waitTimeout):
		t.Fatal("no send reached the stalled connection")
	}
}

func (c *stalledConn) unblock() {
	c.releaseOnce.Do(func() { close(c.release) })
}

// gateTransformer blocks every call until released and records its inputs.
type gateTransformer struct {
	release chan struct{}
	started chan []byte
	err     error
	panics  bool

	mu     sync.Mutex
	calls  [][]byte
	params []transform.Params

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newGate() *gateTransformer {
	return &gateTransformer{release: make(chan struct{}), started: make(chan []byte, 64)}
}

// newOpenGate returns a gate that never blocks.
func newOpenGate() *gateTransformer {
	g := newGate()
	close(g.release)
	return g
}

func (g *gateTransformer) Transform(ctx context.Context, frame []byte, p transform.Params) ([]byte, error) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		m := g.maxInflight.Load()
		if n <= m || g.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls = append(g.calls, slices.Clone(frame))
	g.params = append(g.params, p)
	g.mu.Unlock()
	g.started <- slices.Clone(frame)

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.panics {
		panic("model exploded")
	}
	if g.err != nil {
		return nil, g.err
	}
	return append([]byte("styled:"), frame...), nil
}

// next waits for the next call to start and returns its frame.
func (g *gateTransformer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-g.started:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("transformer was not called")
		return nil
	}
}

func (g *gateTransformer) open() { g.release <- struct{}{} }

func (g *gateTransformer) callFrames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	for i, c := range g.calls {
		out[i] = string(c)
	}
	return out
}

func (g *gateTransformer) lastParams() transform.Params {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params[len(g.params)-1]
}

func staticFactory(tr transform.Transformer) transform.Factory {
	return func(context.Context, transform.ProcessorType) (transform.Transformer, error) {
		return tr, nil
	}
}

var errModelDown = errors.New("model down")

func newTestRelay(t *testing.T, tr transform.Transformer, mutate ...func(*Config)) *Relay {
	t.Helper()
	return newTestRelayWithPool(t, transform.NewPool(staticFactory(tr), logger.Discard()), mutate...)
}

func newTestRelayWithPool(t *testing.T, p Processors, mutate ...func(*Config)) *Relay {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	r := New(cfg, p, logger.Discard(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func connect(t *testing.T, r *Relay, id StreamID, role Role, processor string) (Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c := Client{Conn: conn, StreamID: id, Role: role}
	require.NoError(t, r.Connect(context.Background(), c, processor))
	return c, conn
}

func send(t *testing.T, r *Relay, c Client, msg map[string]any) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	r.HandleMessage(context.Background(), c, b)
}

func sendFrame(t *testing.T, r *Relay, c Client, data string) {
	t.Helper()
	send(t, r, c, map[string]any{"type": "frame", "frame": b64(data)})
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func waitIdle(t *testing.T, r *Relay, id StreamID) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, ok := r.store.Get(id)
		return !ok || !sess.State().Processing
	}, waitTimeout, 5*time.Millisecond)
}
