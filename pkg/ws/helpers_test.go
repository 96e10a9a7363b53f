package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	relayerrors "github.com/tokmz/relay/pkg/errors"
)

// fakeTransport 记录出站帧
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   atomic.Bool
	closed atomic.Bool
}

func (f *fakeTransport) Send(frame []byte) error {
	if f.fail.Load() {
		return ErrChannelFull
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type sentEvent struct {
	Event    string
	Envelope EventEnvelope
}

// events 解码全部事件帧
func (f *fakeTransport) events(t *testing.T) []sentEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]sentEvent, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		require.Equal(t, FrameEvent, frame.Type)
		var env EventEnvelope
		require.NoError(t, json.Unmarshal(frame.Data, &env))
		out = append(out, sentEvent{Event: frame.Event, Envelope: env})
	}
	return out
}

// named 按事件名过滤
func (f *fakeTransport) named(t *testing.T, event string) []sentEvent {
	var out []sentEvent
	for _, ev := range f.events(t) {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type echoHandler struct{}

func (*echoHandler) EventTypes() []string { return []string{"echo"} }

func (*echoHandler) Process(_ context.Context, req *Request) (any, error) {
	var v map[string]any
	if err := req.Bind(&v); err != nil {
		return nil, err
	}
	return v, nil
}

type countingHandler struct {
	calls atomic.Int32
}

func (*countingHandler) EventTypes() []string { return []string{"echo", "count"} }
func (*countingHandler) HandlerID() string    { return "counter" }

func (h *countingHandler) Process(context.Context, *Request) (any, error) {
	h.calls.Add(1)
	return nil, nil
}

type slowHandler struct {
	delay time.Duration
	done  atomic.Int32
}

func (*slowHandler) EventTypes() []string { return []string{"slow"} }

func (h *slowHandler) Process(context.Context, *Request) (any, error) {
	time.Sleep(h.delay)
	h.done.Add(1)
	return "late", nil
}

type failingHandler struct{}

func (*failingHandler) EventTypes() []string { return []string{"fail"} }

func (*failingHandler) Process(context.Context, *Request) (any, error) {
	return nil, errors.New("database exploded")
}

type panicHandler struct{}

func (*panicHandler) EventTypes() []string { return []string{"fail"} }

func (*panicHandler) Process(context.Context, *Request) (any, error) {
	panic("nil map write")
}

type codedHandler struct{}

func (*codedHandler) EventTypes() []string { return []string{"coded"} }

func (*codedHandler) Process(context.Context, *Request) (any, error) {
	return Failure("QUOTA_EXCEEDED", "quota exceeded"), nil
}

type rejectingHandler struct{}

func (*rejectingHandler) EventTypes() []string { return []string{"coded"} }

func (*rejectingHandler) Process(context.Context, *Request) (any, error) {
	return nil, relayerrors.ErrInvalidRequest.WithMessage("name is required")
}

// hookHandler 记录生命周期回调，连接时推送 welcome
type hookHandler struct {
	mu          sync.Mutex
	connects    []Identity
	disconnects []Identity
	emit        func(ctx context.Context, info ConnInfo)
}

func (*hookHandler) EventTypes() []string { return []string{"noop"} }

func (*hookHandler) Process(context.Context, *Request) (any, error) { return nil, nil }

func (h *hookHandler) OnConnect(ctx context.Context, info ConnInfo) {
	h.mu.Lock()
	h.connects = append(h.connects, info.Identity())
	emit := h.emit
	h.mu.Unlock()
	if emit != nil {
		emit(ctx, info)
	}
}

func (h *hookHandler) OnDisconnect(_ context.Context, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, info.Identity())
}

func (h *hookHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connects), len(h.disconnects)
}

type securedHandler struct {
	auth, csrf bool
}

func (*securedHandler) EventTypes() []string                           { return []string{"secure"} }
func (*securedHandler) Process(context.Context, *Request) (any, error) { return nil, nil }
func (h *securedHandler) RequiresAuth() bool                           { return h.auth }
func (h *securedHandler) RequiresCSRF() bool                           { return h.csrf }

// newTestManager 创建并启动调度器，测试结束时关闭
func newTestManager(t *testing.T, registry *Registry, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(registry, opts...)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m
}

// connect 建立测试连接
func connect(t *testing.T, m *Manager, ns, sid string) *fakeTransport {
	t.Helper()
	ft := &fakeTransport{}
	require.NoError(t, m.Connect(context.Background(), ns, sid, ft))
	return ft
}
