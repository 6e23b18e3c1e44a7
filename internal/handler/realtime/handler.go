package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/chatsync/internal/service/chat"
	"github.com/zhouzirui/chatsync/internal/service/notify"
	realtimesvc "github.com/zhouzirui/chatsync/internal/service/realtime"
)

// EventKind 转发给界面层的会话事件类型
type EventKind int

const (
	EventConnectionEstablished EventKind = iota + 1
	EventParticipantJoined
	EventParticipantLeft
	EventRelayError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "connection_established"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventRelayError:
		return "relay_error"
	default:
		return "unknown"
	}
}

// Event 会话事件
type Event struct {
	Kind           EventKind
	ConversationID string
	Participant    chat.Participant
	Metadata       map[string]any
	Text           string
}

// Notifier 通知服务。Notify 在事件循环上同步调用，实现不得阻塞，
// 耗时的投递应交给 notify.Queue 之类的异步派发器
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification, viewing bool) (bool, error)
}

// Options 处理器依赖
type Options struct {
	Reconciler *chatservice.Reconciler
	Typing     *chatservice.Typing
	Notifier   Notifier
	// Role 本端角色，对端角色的新消息才会触发通知
	Role chat.SenderType
	// Viewing 判断用户当前是否正在看某个会话
	Viewing func(conversationID string) bool
	Logger  *zerolog.Logger
}

// Handler 入站信封分发器
type Handler struct {
	reconciler *chatservice.Reconciler
	typing     *chatservice.Typing
	notifier   Notifier
	role       chat.SenderType
	viewing    func(string) bool
	events     []func(Event)
	logger     zerolog.Logger

	// seen 已见过的会话，首条访客消息按新会话提醒
	seen map[string]bool
}

// NewHandler 创建分发器
func NewHandler(opts Options) *Handler {
	h := &Handler{
		reconciler: opts.Reconciler,
		typing:     opts.Typing,
		notifier:   opts.Notifier,
		role:       opts.Role,
		viewing:    opts.Viewing,
		logger:     log.Logger.With().Str("component", "dispatcher").Logger(),
		seen:       make(map[string]bool),
	}
	if opts.Logger != nil {
		h.logger = *opts.Logger
	}
	if h.viewing == nil {
		h.viewing = func(string) bool { return false }
	}
	return h
}

// OnEvent 订阅会话事件
func (h *Handler) OnEvent(fn func(Event)) {
	h.events = append(h.events, fn)
}

// HandleEnvelope 按 type 分发入站信封，必须在事件循环上调用
func (h *Handler) HandleEnvelope(env realtimesvc.Envelope) {
	switch env.Type {
	case realtimesvc.TypeNewMessage:
		h.handleNewMessage(env)
	case realtimesvc.TypeTypingStart:
		if h.typing != nil {
			h.typing.OnRemoteStart(env.ConversationID, env.Participant())
		}
	case realtimesvc.TypeTypingStop:
		if h.typing != nil {
			h.typing.OnRemoteStop(env.ConversationID, env.Participant())
		}
	case realtimesvc.TypeAgentJoined, realtimesvc.TypeVisitorJoined:
		h.handleJoined(env)
	case realtimesvc.TypeAgentLeft:
		h.emit(Event{Kind: EventParticipantLeft, ConversationID: env.ConversationID, Participant: env.Participant(), Metadata: env.Metadata})
	case realtimesvc.TypeConnectionEstablished:
		h.logger.Debug().Msg("relay acknowledged connection")
		h.emit(Event{Kind: EventConnectionEstablished, Metadata: env.Metadata})
	case realtimesvc.TypeError:
		text := env.ErrorText()
		h.logger.Warn().Str("conversation", env.ConversationID).Str("error", text).Msg("relay reported error")
		h.emit(Event{Kind: EventRelayError, ConversationID: env.ConversationID, Text: text})
	default:
		h.logger.Debug().Str("type", env.Type).Msg("unhandled envelope")
	}
}

func (h *Handler) handleNewMessage(env realtimesvc.Envelope) {
	msg, err := env.ChatMessage()
	if err != nil {
		h.logger.Warn().Err(err).Msg("invalid new_message payload")
		return
	}

	open := h.reconciler != nil && h.reconciler.IsOpen(msg.ConversationID)
	fresh := !open && !h.seen[msg.ConversationID]
	h.seen[msg.ConversationID] = true

	added := false
	if h.reconciler != nil {
		added = h.reconciler.OnServerMessage(msg)
	}
	if h.typing != nil && msg.SenderID != "" {
		h.typing.OnRemoteStop(msg.ConversationID, chat.Participant{ID: msg.SenderID, SenderType: msg.SenderType})
	}

	if msg.SenderType == h.role {
		return
	}
	if open && !added {
		return
	}

	name := displayName(msg.Metadata, msg.SenderType)
	var n notify.Notification
	switch {
	case urgent(msg.Metadata):
		n = notify.UrgentMessage(msg.ConversationID, name, msg.Content)
	case fresh && h.role == chat.SenderAgent && msg.SenderType == chat.SenderVisitor:
		n = notify.NewConversation(msg.ConversationID, name, websiteName(msg.Metadata))
	default:
		n = notify.NewMessage(msg.ConversationID, name, msg.Content)
	}
	h.notify(n)
}

func (h *Handler) handleJoined(env realtimesvc.Envelope) {
	p := env.Participant()
	h.emit(Event{Kind: EventParticipantJoined, ConversationID: env.ConversationID, Participant: p, Metadata: env.Metadata})
	if env.Type == realtimesvc.TypeVisitorJoined && h.role == chat.SenderAgent {
		h.notify(notify.VisitorActivity(env.ConversationID, displayName(env.Metadata, chat.SenderVisitor)))
	}
}

func (h *Handler) notify(n notify.Notification) {
	if h.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sent, err := h.notifier.Notify(ctx, n, h.viewing(n.ConversationID))
	if err != nil {
		h.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notification failed")
		return
	}
	if sent {
		h.logger.Debug().Str("kind", string(n.Kind)).Str("conversation", n.ConversationID).Msg("notification sent")
	}
}

func (h *Handler) emit(ev Event) {
	for _, fn := range append([]func(Event){}, h.events...) {
		fn(ev)
	}
}

func displayName(metadata map[string]any, sender chat.SenderType) string {
	for _, key := range []string{"visitor_name", "sender_name", "name"} {
		if v, ok := metadata[key]; ok {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	if sender == chat.SenderAgent {
		return "Agent"
	}
	return "Visitor"
}

func websiteName(metadata map[string]any) string {
	if v, ok := metadata["website_name"]; ok {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	return "your website"
}

func urgent(metadata map[string]any) bool {
	v, ok := metadata["priority"]
	return ok && fmt.Sprint(v) == "urgent"
}
