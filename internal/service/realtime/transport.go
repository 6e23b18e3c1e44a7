package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventKind 传输层原始事件类型
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event 传输层上报的一次事件
type Event struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Transport 一条物理双工连接
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// EventSink 接收某个 Transport 产生的事件，可能在任意 goroutine 上被调用
type EventSink func(src Transport, ev Event)

// Dialer 创建 Transport。Dial 立即返回，连接结果通过 sink 异步上报。
type Dialer interface {
	Dial(url string, sink EventSink) Transport
}

// WebSocketOptions WebSocket 传输配置
type WebSocketOptions struct {
	HandshakeTimeout time.Duration // 握手超时
	WriteTimeout     time.Duration // 单帧写超时
	ReadLimit        int64         // 单帧最大字节数
	Header           http.Header   // 握手附加请求头
}

// DefaultWebSocketOptions 默认传输配置
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WebSocketDialer 基于 gorilla/websocket 的 Dialer
type WebSocketDialer struct {
	dialer  *websocket.Dialer
	options WebSocketOptions
	logger  zerolog.Logger
}

// NewWebSocketDialer 创建 WebSocket 拨号器
func NewWebSocketDialer(options WebSocketOptions) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: options.HandshakeTimeout,
		},
		options: options,
		logger:  log.Logger.With().Str("component", "ws-transport").Logger(),
	}
}

// Dial 异步建立连接
func (d *WebSocketDialer) Dial(url string, sink EventSink) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		options: d.options,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		logger:  d.logger,
	}
	go s.run(d.dialer, url)
	return s
}

type wsSession struct {
	options WebSocketOptions
	sink    EventSink
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	closeCode   int
	closeReason string

	finishOnce sync.Once
}

func (s *wsSession) run(dialer *websocket.Dialer, url string) {
	conn, resp, err := dialer.DialContext(s.ctx, url, s.options.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		code := CloseAbnormal
		if resp != nil {
			code = handshakeCloseCode(resp.StatusCode)
		}
		if local, reason, ok := s.localClose(); ok {
			s.finish(local, reason)
			return
		}
		s.logger.Debug().Err(err).Int("code", code).Msg("websocket handshake failed")
		s.finish(code, err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(s.closeCode, s.closeReason), time.Now().Add(time.Second))
		conn.Close()
		s.finish(s.closeCode, s.closeReason)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if s.options.ReadLimit > 0 {
		conn.SetReadLimit(s.options.ReadLimit)
	}
	s.sink(s, Event{Kind: EventOpen})
	s.readLoop(conn)
}

func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if code, reason, ok := s.localClose(); ok {
				s.finish(code, reason)
				return
			}
			code, reason := CloseAbnormal, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			s.finish(code, reason)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.sink(s, Event{Kind: EventMessage, Data: data})
	}
}

func (s *wsSession) localClose() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason, s.closed
}

// finish 只上报一次 close 事件
func (s *wsSession) finish(code int, reason string) {
	s.finishOnce.Do(func() {
		s.cancel()
		s.sink(s, Event{Kind: EventClose, Code: code, Reason: reason})
	})
}

// Send 写入一个文本帧
func (s *wsSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return ErrNotConnected
	}
	if s.options.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close 发送关闭帧并释放连接，握手中的连接会被取消
func (s *wsSession) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.cancel()
		return nil
	}

	deadline := time.Now().Add(time.Second)
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return errors.Wrap(err, "write close frame")
	}
	return nil
}
