// Package client exposes the synchronization core to a platform binding as one
// object: connect, send, switch rooms, observe state.
package client

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	handler "github.com/zhouzirui/chatsync/internal/handler/realtime"
	"github.com/zhouzirui/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/chatsync/internal/service/chat"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// ErrStopped is returned by queries once the event loop has stopped.
var ErrStopped = errors.New("client: event loop stopped")

// Options configures a Client.
type Options struct {
	Role       chat.SenderType
	SelfID     string
	Connection realtime.ConnectionOptions
	Typing     chatservice.TypingOptions
	Notifier   handler.Notifier
	Metrics    *realtime.Metrics
	Logger     *zerolog.Logger
}

// Subscriber receives client notifications on the event loop goroutine.
// Callbacks must not call the blocking Client methods.
type Subscriber struct {
	State    func(realtime.StateChange)
	Messages func(chatservice.Update)
	Typing   func(chatservice.TypingUpdate)
	Events   func(handler.Event)
	Rooms    func(chatservice.RoomChange)
}

// Client wires the connection manager, the chat services and the dispatcher
// onto one executor.
type Client struct {
	exec     realtime.Executor
	conn     *realtime.ConnectionManager
	rooms    *chatservice.Rooms
	messages *chatservice.Reconciler
	typing   *chatservice.Typing
	dispatch *handler.Handler
	logger   zerolog.Logger

	background bool
	subs       map[int]Subscriber
	nextSub    int
}

// New builds a client. Nothing connects until Connect is called.
func New(exec realtime.Executor, dialer realtime.Dialer, opts Options) *Client {
	logger := log.Logger.With().Str("component", "client").Str("role", string(opts.Role)).Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Typing.SelfID == "" {
		opts.Typing.SelfID = opts.SelfID
	}

	c := &Client{
		exec:   exec,
		logger: logger,
		subs:   make(map[int]Subscriber),
	}

	connOpts := []realtime.ConnectionOption{realtime.WithLogger(logger.With().Str("component", "connection").Logger())}
	if opts.Metrics != nil {
		connOpts = append(connOpts, realtime.WithMetrics(opts.Metrics))
	}
	c.conn = realtime.NewConnectionManager(exec, dialer, opts.Connection, connOpts...)

	c.rooms = chatservice.NewRooms(c.conn)
	c.rooms.SetLogger(logger.With().Str("component", "rooms").Logger())

	reconcilerLogger := logger.With().Str("component", "reconciler").Logger()
	c.messages = chatservice.NewReconciler(c.conn, chatservice.ReconcilerOptions{
		Role:   opts.Role,
		SelfID: opts.SelfID,
		Now:    exec.Now,
		Logger: &reconcilerLogger,
	})

	c.typing = chatservice.NewTyping(exec, c.conn, opts.Typing)
	c.typing.SetLogger(logger.With().Str("component", "typing").Logger())

	dispatchLogger := logger.With().Str("component", "dispatcher").Logger()
	c.dispatch = handler.NewHandler(handler.Options{
		Reconciler: c.messages,
		Typing:     c.typing,
		Notifier:   opts.Notifier,
		Role:       opts.Role,
		Viewing:    c.viewing,
		Logger:     &dispatchLogger,
	})

	c.conn.OnStateChange(c.rooms.HandleStateChange)
	c.conn.OnStateChange(c.typing.HandleStateChange)
	c.conn.OnStateChange(func(change realtime.StateChange) {
		c.fanout(func(s Subscriber) {
			if s.State != nil {
				s.State(change)
			}
		})
	})
	c.conn.OnEnvelope(c.dispatch.HandleEnvelope)

	c.rooms.OnChange(c.typing.HandleRoomChange)
	c.rooms.OnChange(func(change chatservice.RoomChange) {
		c.fanout(func(s Subscriber) {
			if s.Rooms != nil {
				s.Rooms(change)
			}
		})
	})
	c.messages.Subscribe(func(u chatservice.Update) {
		c.fanout(func(s Subscriber) {
			if s.Messages != nil {
				s.Messages(u)
			}
		})
	})
	c.typing.Subscribe(func(u chatservice.TypingUpdate) {
		c.fanout(func(s Subscriber) {
			if s.Typing != nil {
				s.Typing(u)
			}
		})
	})
	c.dispatch.OnEvent(func(ev handler.Event) {
		c.fanout(func(s Subscriber) {
			if s.Events != nil {
				s.Events(ev)
			}
		})
	})
	return c
}

// Run drives the event loop until ctx ends, then disconnects. It only applies
// when the executor is a *realtime.Loop.
func (c *Client) Run(ctx context.Context) error {
	loop, ok := c.exec.(*realtime.Loop)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if !realtime.Call(shutdown, loop, c.conn.Disconnect) {
			c.logger.Warn().Msg("disconnect did not run before shutdown")
		}
		cancel()
	}()

	err := loop.Run(loopCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// State returns the connection state. Safe from any goroutine.
func (c *Client) State() realtime.State {
	return c.conn.State()
}

// Realtime reports whether sends currently go over the realtime connection.
// When false, callers should use the REST fallback.
func (c *Client) Realtime() bool {
	return c.State() == realtime.StateConnected
}

// URL returns the relay address of the current session without its query.
func (c *Client) URL() string {
	var url string
	c.call(func() { url = c.conn.URL() })
	return url
}

// Connect starts a session against url.
func (c *Client) Connect(url string) {
	c.exec.Post(func() { c.conn.Connect(url) })
}

// Reconnect restarts the session, typically after a Failed state.
func (c *Client) Reconnect() {
	c.exec.Post(c.conn.Reconnect)
}

// Disconnect closes the session and cancels every pending timer.
func (c *Client) Disconnect() {
	c.exec.Post(c.conn.Disconnect)
}

// SetActiveConversation switches the joined room. An empty id leaves it.
func (c *Client) SetActiveConversation(id string) {
	c.exec.Post(func() { c.rooms.SetActiveConversation(id) })
}

// InputChanged reports whether the compose box has content.
func (c *Client) InputChanged(hasContent bool) {
	c.exec.Post(func() { c.typing.InputChanged(hasContent) })
}

// SetBackgrounded pauses the heartbeat while the host is in the background.
func (c *Client) SetBackgrounded(background bool) {
	c.exec.Post(func() {
		c.background = background
		c.conn.SetBackgrounded(background)
	})
}

// CloseConversation discards a conversation's message list.
func (c *Client) CloseConversation(id string) {
	c.exec.Post(func() { c.messages.Close(id) })
}

// OpenConversation starts tracking a conversation seeded with history.
func (c *Client) OpenConversation(id string, history []chat.Message) error {
	var err error
	if !c.call(func() { err = c.messages.Open(id, history) }) {
		return ErrStopped
	}
	return err
}

// SendMessage shows content optimistically and sends it. The returned message
// carries the LocalID used by ConfirmLocal and MarkFailed. realtime.ErrNotConnected
// means the message is still pending and should go through the fallback.
func (c *Client) SendMessage(conversationID, content string, metadata map[string]any) (chat.Message, error) {
	var (
		msg chat.Message
		err error
	)
	if !c.call(func() { msg, err = c.messages.SendMessage(conversationID, content, metadata) }) {
		return chat.Message{}, ErrStopped
	}
	return msg, err
}

// ConfirmLocal applies the fallback's stored copy to a pending message.
func (c *Client) ConfirmLocal(localID string, msg chat.Message) error {
	var err error
	if !c.call(func() { err = c.messages.ConfirmLocal(localID, msg) }) {
		return ErrStopped
	}
	return err
}

// MarkFailed flags a pending message as undeliverable.
func (c *Client) MarkFailed(localID string) error {
	var err error
	if !c.call(func() { err = c.messages.MarkFailed(localID) }) {
		return ErrStopped
	}
	return err
}

// Messages returns the ordered list of a conversation.
func (c *Client) Messages(conversationID string) []chat.Message {
	var out []chat.Message
	c.call(func() { out = c.messages.Messages(conversationID) })
	return out
}

// RemoteTypers returns who is typing in a conversation.
func (c *Client) RemoteTypers(conversationID string) []chat.Participant {
	var out []chat.Participant
	c.call(func() { out = c.typing.RemoteTypers(conversationID) })
	return out
}

// ActiveConversation returns the joined room.
func (c *Client) ActiveConversation() string {
	var id string
	c.call(func() { id = c.rooms.Active() })
	return id
}

// Subscribe registers s and returns a func that removes it.
func (c *Client) Subscribe(s Subscriber) func() {
	var id int
	c.call(func() {
		c.nextSub++
		id = c.nextSub
		c.subs[id] = s
	})
	return func() {
		c.exec.Post(func() { delete(c.subs, id) })
	}
}

func (c *Client) viewing(conversationID string) bool {
	return !c.background && conversationID != "" && conversationID == c.rooms.Active()
}

func (c *Client) fanout(fn func(Subscriber)) {
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if s, ok := c.subs[id]; ok {
			fn(s)
		}
	}
}

func (c *Client) call(fn func()) bool {
	return realtime.Call(context.Background(), c.exec, fn)
}
