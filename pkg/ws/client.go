package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	relayerrors "github.com/tokmz/relay/pkg/errors"
	"github.com/tokmz/relay/pkg/logger"
)

const (
	writeWait          = 10 * time.Second
	maxInvalidMessages = 10
)

// Client gorilla/websocket 传输，实现 Transport
type Client struct {
	id      Identity
	conn    *websocket.Conn
	manager *Manager
	logger  logger.Logger

	send chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once

	invalidMsgCount atomic.Int32
}

// Upgrade 升级 HTTP 连接并登记到调度器，sid 为空时生成新的会话 ID
// 调用前应先通过 Authorize；返回的 Client 需调用 Run 驱动读写
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, ns, sid string, principal *Principal) (*Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if sid == "" {
		sid = newID()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:   m.config.ReadBufferSize,
		WriteBufferSize:  m.config.WriteBufferSize,
		HandshakeTimeout: m.config.HandshakeTimeout,
		// Origin 已由 Authorize 校验
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := newClient(conn, m, Identity{Namespace: NormalizeNamespace(ns), SessionID: sid})
	if err := m.Connect(c.ctx, ns, sid, c, WithPrincipal(principal), WithRemoteAddr(conn.RemoteAddr().String())); err != nil {
		c.cancel()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn *websocket.Conn, m *Manager, id Identity) *Client {
	ctx, cancel := context.WithCancel(logger.WithIdentity(m.ctx, id.Namespace, id.SessionID))
	return &Client{
		id:      id,
		conn:    conn,
		manager: m,
		logger:  m.logger.Named("client"),
		send:    make(chan []byte, m.config.MessageQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Identity 连接身份
func (c *Client) Identity() Identity {
	return c.id
}

// Run 运行读写协程，阻塞至连接结束
func (c *Client) Run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump()
	}()

	go func() {
		defer wg.Done()
		c.writePump()
	}()

	wg.Wait()
	_ = c.Close()
}

// readPump 读取帧并交给调度器
func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
	}()

	cfg := c.manager.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.manager.Touch(c.id.Namespace, c.id.SessionID)
		return c.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.DebugContext(c.ctx, "connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.manager.Touch(c.id.Namespace, c.id.SessionID)

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.manager.metrics.IncrementInvalidMessages()
			if c.invalidMsgCount.Add(1) > maxInvalidMessages {
				c.logger.WarnContext(c.ctx, "too many invalid frames, closing")
				return
			}
			_ = c.sendError(frame.RequestID, relayerrors.ErrInvalidRequest.WithMessage("invalid frame"))
			continue
		}
		c.invalidMsgCount.Store(0)

		c.dispatch(&frame)
	}
}

// dispatch 处理单个入站帧，路由在独立协程中进行，读循环不被处理器阻塞
func (c *Client) dispatch(frame *Frame) {
	m := c.manager

	switch frame.Event {
	case frameDiagnosticsSubscribe, frameDiagnosticsUnsubscribe:
		if !m.config.Development {
			_ = c.sendError(frame.RequestID, relayerrors.ErrNoHandlers.WithMessage("diagnostics are disabled"))
			return
		}
		var ok bool
		if frame.Event == frameDiagnosticsSubscribe {
			ok = m.Watch(c.id.Namespace, c.id.SessionID)
		} else {
			ok = m.Unwatch(c.id.Namespace, c.id.SessionID)
		}
		if frame.Type == FrameRequest {
			_ = c.sendFrame(&Frame{Type: FrameAck, Event: frame.Event, RequestID: frame.RequestID, Data: mustJSON(map[string]bool{"ok": ok})})
		}
		return
	}

	timeout := m.config.RequestTimeout
	if frame.TimeoutMs > 0 {
		timeout = time.Duration(frame.TimeoutMs) * time.Millisecond
	}

	switch frame.Type {
	case FrameRequest:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			res := m.Request(c.ctx, c.id.Namespace, c.id.SessionID, frame.Event, frame.Data, timeout)
			if err := c.sendFrame(&Frame{Type: FrameAck, Event: frame.Event, RequestID: frame.RequestID, Data: mustJSON(res)}); err != nil {
				c.logger.DebugContext(c.ctx, "ack not delivered", zap.String("event", frame.Event), zap.Error(err))
			}
		}()
	case FrameNotify:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Request(c.ctx, c.id.Namespace, c.id.SessionID, frame.Event, frame.Data, timeout)
		}()
	default:
		m.metrics.IncrementInvalidMessages()
		_ = c.sendError(frame.RequestID, relayerrors.ErrInvalidRequest.WithMessage("unsupported frame type "+string(frame.Type)))
	}
}

// writePump 写出队列中的帧并定期发送心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(c.manager.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			if err := c.writeMessage(message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Send 非阻塞入队，队列满时返回 ErrChannelFull
func (c *Client) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.manager.metrics.IncrementDroppedMessages()
		return ErrChannelFull
	}
}

func (c *Client) sendFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Client) sendError(requestID string, e *relayerrors.Error) error {
	return c.sendFrame(&Frame{Type: FrameError, RequestID: requestID, Data: mustJSON(e)})
}

// Close 关闭连接并从调度器注销，可重复调用
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.manager.disconnect(context.WithoutCancel(c.ctx), c.id, c)
	})
	return nil
}

// IsClosed 是否已关闭
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr 远端地址
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
