package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/tokmz/relay/pkg/errors"
)

func newWSServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns := strings.TrimPrefix(r.URL.Path, "/ws")
		principal, rej := m.Authorize(r, ns)
		if rej != nil {
			w.WriteHeader(rej.Status)
			_ = json.NewEncoder(w).Encode(rej)
			return
		}
		client, err := m.Upgrade(w, r, ns, r.URL.Query().Get("sid"), principal)
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// TestClientRequestAck 测试请求帧的确认与推送帧
func TestClientRequestAck(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("/chat", &echoHandler{})
	m := newTestManager(t, r, WithAllowAllOrigins())
	srv := newWSServer(t, m)

	conn := dial(t, srv, "/ws/chat?sid=s1")
	require.Eventually(t, func() bool { return m.IsConnected("/chat", "s1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRequest, Event: "echo", RequestID: "r1", Data: json.RawMessage(`{"text":"hi"}`)}))
	ack := readFrame(t, conn)
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "r1", ack.RequestID)

	var res RouteResult
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].OK)

	require.NoError(t, m.EmitTo(context.Background(), "/chat", "s1", "note", "pushed"))
	ev := readFrame(t, conn)
	assert.Equal(t, FrameEvent, ev.Type)
	assert.Equal(t, "note", ev.Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := readFrame(t, conn)
	assert.Equal(t, FrameError, bad.Type)
	var e relayerrors.Error
	require.NoError(t, json.Unmarshal(bad.Data, &e))
	assert.Equal(t, relayerrors.CodeInvalidRequest, e.Code)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !m.IsConnected("/chat", "s1") }, time.Second, 5*time.Millisecond)
}

// TestClientDiagnosticsFrames 测试开发模式下的诊断订阅帧
func TestClientDiagnosticsFrames(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("/chat", &echoHandler{})
	m := newTestManager(t, r, WithAllowAllOrigins(), WithDevelopment(true))
	srv := newWSServer(t, m)

	conn := dial(t, srv, "/ws/chat?sid=w1")
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRequest, Event: "diagnostics.subscribe", RequestID: "d1"}))
	ack := readFrame(t, conn)
	assert.Equal(t, FrameAck, ack.Type)
	assert.JSONEq(t, `{"ok":true}`, string(ack.Data))
	assert.Equal(t, []string{"w1"}, m.Watchers("/chat"))

	m.RouteEvent(context.Background(), "/chat", "echo", json.RawMessage(`{}`), "other")
	diag := readFrame(t, conn)
	assert.Equal(t, EventDiagnostic, diag.Event)
}

// TestClientRejectedHandshake 测试握手被拒绝时返回结构化错误
func TestClientRejectedHandshake(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("/chat", &echoHandler{})
	m := newTestManager(t, r, WithAllowAllOrigins())
	srv := newWSServer(t, m)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/unknown?sid=s1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var rej Rejection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rej))
	assert.Equal(t, relayerrors.CodeUnknownNamespace, rej.Code)
	assert.Equal(t, "/unknown", rej.Namespace)
}
