package realtime

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ConnectionOptions 连接管理器配置选项
type ConnectionOptions struct {
	BaseInterval      time.Duration        // 第一次重连的退避时间
	MaxInterval       time.Duration        // 退避上限
	MaxAttempts       int                  // 最大重连次数
	MinAttemptSpacing time.Duration        // 两次拨号的最小间隔
	ConnectTimeout    time.Duration        // 拨号到 open 的超时时间
	HeartbeatInterval time.Duration        // ping 间隔
	PongTimeout       time.Duration        // 超过该时间没有收到入站帧则判定连接失效，0 表示关闭
	Jitter            func() time.Duration // 退避抖动
}

// DefaultConnectionOptions 默认连接选项
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		BaseInterval:      time.Second,
		MaxInterval:       30 * time.Second,
		MaxAttempts:       5,
		MinAttemptSpacing: time.Second,
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       60 * time.Second,
		Jitter:            DefaultJitter,
	}
}

// ConnectionOption 可选依赖
type ConnectionOption func(*ConnectionManager)

// WithLogger 指定日志
func WithLogger(logger zerolog.Logger) ConnectionOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithMetrics 指定指标
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(m *ConnectionManager) {
		m.metrics = metrics
	}
}

// ConnectionManager 实时连接状态机
//
// 除 State 外所有方法都必须在 Executor 上调用。传输层事件经 Executor 投递回来，
// 并按产生它的 Transport 与当前连接比对，旧连接的事件直接丢弃。
type ConnectionManager struct {
	exec    Executor
	dialer  Dialer
	options ConnectionOptions
	backoff Backoff
	limiter *rate.Limiter
	metrics *Metrics
	logger  zerolog.Logger

	state      State
	published  atomic.Int32
	url        string
	current    Transport
	attempt    int
	manual     bool
	background bool
	lastSeen   time.Time

	reconnectTimer Timer
	heartbeatTimer Timer
	connectTimer   Timer
	deferTimer     Timer
	deferred       *rate.Reservation

	stateSubs    []func(StateChange)
	envelopeSubs []func(Envelope)
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(exec Executor, dialer Dialer, options ConnectionOptions, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		exec:    exec,
		dialer:  dialer,
		options: options,
		backoff: Backoff{
			Initial: options.BaseInterval,
			Max:     options.MaxInterval,
			Jitter:  options.Jitter,
		},
		logger: log.Logger.With().Str("component", "connection").Logger(),
	}
	if options.MinAttemptSpacing > 0 {
		m.limiter = rate.NewLimiter(rate.Every(options.MinAttemptSpacing), 1)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State 返回当前状态，可在任意 goroutine 调用
func (m *ConnectionManager) State() State {
	return State(m.published.Load())
}

// URL 返回最近一次 Connect 的地址，去掉了 query 中的凭证。须在事件循环上调用
func (m *ConnectionManager) URL() string {
	return redactURL(m.url)
}

// Attempt 返回当前重连计数
func (m *ConnectionManager) Attempt() int {
	return m.attempt
}

// OnStateChange 订阅状态变化
func (m *ConnectionManager) OnStateChange(fn func(StateChange)) {
	m.stateSubs = append(m.stateSubs, fn)
}

// OnEnvelope 订阅入站信封（pong 不会投递）
func (m *ConnectionManager) OnEnvelope(fn func(Envelope)) {
	m.envelopeSubs = append(m.envelopeSubs, fn)
}

// Connect 连接到 url。已在连接同一地址或已连上时忽略；Failed 后调用会重置计数。
func (m *ConnectionManager) Connect(url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		m.logger.Warn().Msg("connect called without a url")
		return
	}
	if url == m.url {
		switch m.state {
		case StateConnecting, StateConnected:
			m.logger.Debug().Str("state", m.state.String()).Msg("connect ignored")
			return
		}
	}

	m.url = url
	m.manual = false
	m.attempt = 0
	stopTimer(&m.reconnectTimer)
	m.startAttempt()
}

// Reconnect 立即重新建立连接并重置计数，用于 Failed 之后由调用方恢复
func (m *ConnectionManager) Reconnect() {
	if m.url == "" {
		m.logger.Warn().Msg("reconnect called before connect")
		return
	}
	m.cancelTimers()
	m.retire(CloseNormal, "reconnect")
	m.manual = false
	m.attempt = 0
	m.startAttempt()
}

// Disconnect 主动断开：取消所有定时器，正常关闭连接，之后不再自动重连
func (m *ConnectionManager) Disconnect() {
	m.manual = true
	m.cancelTimers()
	m.retire(CloseNormal, "Manual disconnect")
	m.attempt = 0
	m.setState(StateDisconnected, StateChange{Code: CloseNormal, Reason: "Manual disconnect"})
}

// Send 发送信封，未连接或写失败时返回 false
func (m *ConnectionManager) Send(env Envelope) bool {
	if m.state != StateConnected || m.current == nil {
		m.metrics.rejectedSend()
		m.logger.Debug().Str("type", env.Type).Str("state", m.state.String()).Msg("send rejected: not connected")
		return false
	}
	data, err := Encode(env)
	if err != nil {
		m.metrics.rejectedSend()
		m.logger.Warn().Err(err).Str("type", env.Type).Msg("refusing to send invalid envelope")
		return false
	}
	if err := m.current.Send(data); err != nil {
		m.metrics.rejectedSend()
		m.logger.Warn().Err(err).Str("type", env.Type).Msg("transport send failed")
		return false
	}
	return true
}

// SetBackgrounded 进入后台暂停心跳，回到前台立即补发一次 ping
func (m *ConnectionManager) SetBackgrounded(background bool) {
	if m.background == background {
		return
	}
	m.background = background
	if background {
		stopTimer(&m.heartbeatTimer)
		return
	}
	if m.state == StateConnected {
		m.lastSeen = m.exec.Now()
		m.Send(Envelope{Type: TypePing})
		m.startHeartbeat()
	}
}

// startAttempt 拨号，距离上次拨号太近时推迟而不是丢弃
func (m *ConnectionManager) startAttempt() {
	if m.deferTimer != nil {
		return
	}
	if m.limiter != nil {
		now := m.exec.Now()
		r := m.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); r.OK() && delay > 0 {
			m.retire(CloseNormal, "superseded")
			m.deferred = r
			m.setState(StateConnecting, StateChange{Attempt: m.attempt})
			if m.state != StateConnecting {
				return
			}
			m.logger.Debug().Dur("delay", delay).Msg("connection attempt deferred")
			m.deferTimer = m.exec.AfterFunc(delay, func() {
				m.deferTimer = nil
				m.deferred = nil
				m.dial()
			})
			return
		}
	}
	m.dial()
}

func (m *ConnectionManager) dial() {
	m.retire(CloseNormal, "superseded")
	m.setState(StateConnecting, StateChange{Attempt: m.attempt})
	if m.state != StateConnecting {
		return
	}

	m.metrics.attempt()
	m.logger.Info().Str("url", redactURL(m.url)).Int("attempt", m.attempt).Msg("connecting")

	t := m.dialer.Dial(m.url, func(src Transport, ev Event) {
		m.exec.Post(func() { m.handleEvent(src, ev) })
	})
	m.current = t

	if m.options.ConnectTimeout > 0 {
		m.connectTimer = m.exec.AfterFunc(m.options.ConnectTimeout, func() {
			m.connectTimer = nil
			if m.current != t || m.state != StateConnecting {
				return
			}
			m.logger.Warn().Dur("timeout", m.options.ConnectTimeout).Msg("connect timed out")
			m.retire(CloseAbnormal, "connect timeout")
			m.handleFailure(CloseAbnormal, "connect timeout")
		})
	}
}

func (m *ConnectionManager) handleEvent(src Transport, ev Event) {
	if src == nil || src != m.current {
		m.metrics.staleEvent()
		m.logger.Debug().Str("event", ev.Kind.String()).Int("code", ev.Code).Msg("discarding event from retired transport")
		return
	}

	switch ev.Kind {
	case EventOpen:
		m.handleOpen()
	case EventMessage:
		m.handleMessage(ev.Data)
	case EventError:
		reason := "transport error"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		m.logger.Warn().Err(ev.Err).Msg("transport error")
		m.retire(CloseAbnormal, "transport error")
		m.handleFailure(CloseAbnormal, reason)
	case EventClose:
		m.current = nil
		m.handleFailure(ev.Code, ev.Reason)
	}
}

func (m *ConnectionManager) handleOpen() {
	if m.state != StateConnecting {
		return
	}
	stopTimer(&m.connectTimer)
	m.attempt = 0
	m.lastSeen = m.exec.Now()
	m.logger.Info().Str("url", redactURL(m.url)).Msg("connected")
	m.setState(StateConnected, StateChange{})
	m.startHeartbeat()
}

func (m *ConnectionManager) handleMessage(data []byte) {
	env, err := Decode(data)
	if err != nil {
		m.metrics.malformedEnvelope()
		m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed envelope")
		return
	}
	m.lastSeen = m.exec.Now()
	if env.Type == TypePong {
		m.logger.Debug().Msg("pong")
		return
	}
	for _, fn := range append([]func(Envelope){}, m.envelopeSubs...) {
		fn(env)
	}
}

// handleFailure 连接关闭或出错后决定重连、失败还是停留在断开
func (m *ConnectionManager) handleFailure(code int, reason string) {
	stopTimer(&m.connectTimer)
	stopTimer(&m.heartbeatTimer)
	m.metrics.closed(code)

	if m.manual {
		m.setState(StateDisconnected, StateChange{Code: code, Reason: reason})
		return
	}

	if !IsRetryableClose(code) {
		failure := &Failure{Kind: FailureRejected, Code: code, Reason: reason}
		m.logger.Error().Int("code", code).Str("reason", reason).Msg("connection rejected, not retrying")
		m.setState(StateFailed, StateChange{Code: code, Reason: reason, Failure: failure})
		return
	}

	if m.attempt >= m.options.MaxAttempts {
		failure := &Failure{Kind: FailureExhausted, Code: code, Reason: reason}
		m.logger.Error().Int("attempts", m.attempt).Int("code", code).Msg("reconnect attempts exhausted")
		m.setState(StateFailed, StateChange{Attempt: m.attempt, Code: code, Reason: reason, Failure: failure})
		return
	}

	m.attempt++
	delay := m.backoff.Delay(m.attempt)
	m.metrics.reconnect()
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Int("code", code).Str("reason", reason).Msg("scheduling reconnect")

	// 先挂定时器再通知订阅者，订阅者在回调里 Disconnect 可以取消它
	m.reconnectTimer = m.exec.AfterFunc(delay, func() {
		m.reconnectTimer = nil
		m.startAttempt()
	})
	m.setState(StateReconnecting, StateChange{Attempt: m.attempt, Delay: delay, Code: code, Reason: reason})
}

func (m *ConnectionManager) startHeartbeat() {
	stopTimer(&m.heartbeatTimer)
	if m.state != StateConnected || m.background || m.options.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeatTimer = m.exec.AfterFunc(m.options.HeartbeatInterval, m.beat)
}

func (m *ConnectionManager) beat() {
	m.heartbeatTimer = nil
	if m.state != StateConnected || m.background {
		return
	}
	if m.options.PongTimeout > 0 && m.exec.Now().Sub(m.lastSeen) > m.options.PongTimeout {
		m.logger.Warn().Time("last_seen", m.lastSeen).Msg("heartbeat timed out")
		m.retire(CloseAbnormal, "heartbeat timeout")
		m.handleFailure(CloseAbnormal, "heartbeat timeout")
		return
	}
	m.Send(Envelope{Type: TypePing})
	m.startHeartbeat()
}

func (m *ConnectionManager) setState(to State, change StateChange) {
	from := m.state
	if from == to && to != StateReconnecting {
		return
	}
	m.state = to
	m.published.Store(int32(to))
	if to != StateConnected {
		stopTimer(&m.heartbeatTimer)
	}
	m.metrics.setState(to)

	change.From, change.To = from, to
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	for _, fn := range append([]func(StateChange){}, m.stateSubs...) {
		fn(change)
	}
}

// retire 让当前连接退役，之后它的事件都会被丢弃
func (m *ConnectionManager) retire(code int, reason string) {
	if m.current == nil {
		return
	}
	t := m.current
	m.current = nil
	if err := t.Close(code, reason); err != nil {
		m.logger.Debug().Err(err).Msg("closing retired transport")
	}
}

func (m *ConnectionManager) cancelTimers() {
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.heartbeatTimer)
	stopTimer(&m.connectTimer)
	if stopTimer(&m.deferTimer) && m.deferred != nil {
		m.deferred.CancelAt(m.exec.Now())
	}
	m.deferred = nil
}

func stopTimer(t *Timer) bool {
	if *t == nil {
		return false
	}
	stopped := (*t).Stop()
	*t = nil
	return stopped
}

// redactURL 去掉 query，避免把凭证写进日志
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
