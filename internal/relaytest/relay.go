// Package relaytest is an in-process conversation relay speaking the same
// envelope protocol as the production server. Tests and the relaystub tool
// point real clients at it.
package relaytest

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
	"github.com/zhouzirui/chatsync/pkg/utils"
)

// Options configures a Relay.
type Options struct {
	// Tokens maps agent user ids to the token they must present. A nil map
	// accepts any agent.
	Tokens map[string]string
	// EchoTyping also delivers typing events back to their sender.
	EchoTyping bool
	Logger     *zerolog.Logger
}

// Relay routes envelopes between connected agents and visitors.
type Relay struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.Mutex
	peers    map[*peer]struct{}
	received []realtime.Envelope
	history  map[string][]storedMessage
	reads    map[string]int

	// failSends 非 0 时 REST 发送直接返回该状态码
	failSends    int
	// visitorConvs 记录 website/visitor 最近的会话
	visitorConvs map[string]string
}

type peer struct {
	conn  *websocket.Conn
	role  chat.SenderType
	id    string
	rooms map[string]bool
	write sync.Mutex
}

// New creates a relay. Mount it with Handler.
func New(opts Options) *Relay {
	r := &Relay{
		opts:    opts,
		logger:  log.Logger.With().Str("component", "relaytest").Logger(),
		peers:   make(map[*peer]struct{}),
		history: make(map[string][]storedMessage),
		reads:   make(map[string]int),

		visitorConvs: make(map[string]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	}

	router := chi.NewRouter()
	router.Get("/ws/agent/{userID}", r.handleAgent)
	router.Get("/ws/visitor/{websiteID}", r.handleVisitor)
	router.Route("/api/v1/conversations/{conversationID}", func(api chi.Router) {
		api.Get("/", r.handleConversation)
		api.Post("/messages", r.handlePostMessage)
	})
	router.Route("/api/v1/widget", func(api chi.Router) {
		api.Post("/message", r.handleWidgetMessage)
		api.Get("/conversation/{visitorID}", r.handleWidgetConversation)
	})
	r.router = router
	return r
}

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	return r.router
}

func (r *Relay) handleAgent(w http.ResponseWriter, req *http.Request) {
	userID := chi.URLParam(req, "userID")
	token := req.URL.Query().Get("token")
	if r.opts.Tokens != nil {
		want, ok := r.opts.Tokens[userID]
		if !ok {
			utils.RespondError(w, http.StatusNotFound, "unknown agent")
			return
		}
		if token != want {
			utils.RespondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}
	r.serve(w, req, chat.SenderAgent, userID)
}

func (r *Relay) handleVisitor(w http.ResponseWriter, req *http.Request) {
	visitorID := req.URL.Query().Get("visitor_id")
	if visitorID == "" {
		utils.RespondError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	r.serve(w, req, chat.SenderVisitor, visitorID)
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request, role chat.SenderType, id string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	p := &peer{conn: conn, role: role, id: id, rooms: make(map[string]bool)}

	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
	defer r.drop(p)

	r.logger.Debug().Str("role", string(role)).Str("id", id).Msg("peer connected")
	p.send(realtime.Envelope{
		Type:      realtime.TypeConnectionEstablished,
		SenderID:  id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.send(errorEnvelope("invalid json"))
			continue
		}
		if err := realtime.Validate(env, realtime.Outbound); err != nil {
			p.send(errorEnvelope(err.Error()))
			continue
		}

		r.mu.Lock()
		r.received = append(r.received, env)
		r.mu.Unlock()

		r.handle(p, env)
	}
}

func (r *Relay) handle(p *peer, env realtime.Envelope) {
	switch env.Type {
	case realtime.TypePing:
		p.send(realtime.Envelope{Type: realtime.TypePong})
	case realtime.TypeJoinConversation:
		r.mu.Lock()
		p.rooms[env.ConversationID] = true
		r.mu.Unlock()
		joined := realtime.TypeVisitorJoined
		if p.role == chat.SenderAgent {
			joined = realtime.TypeAgentJoined
		}
		r.broadcast(p, env.ConversationID, false, p.identify(realtime.Envelope{Type: joined, ConversationID: env.ConversationID}))
	case realtime.TypeLeaveConversation:
		r.mu.Lock()
		delete(p.rooms, env.ConversationID)
		r.mu.Unlock()
		if p.role == chat.SenderAgent {
			r.broadcast(p, env.ConversationID, false, p.identify(realtime.Envelope{Type: realtime.TypeAgentLeft, ConversationID: env.ConversationID}))
		}
	case realtime.TypeTypingStart, realtime.TypeTypingStop:
		r.broadcast(p, env.ConversationID, r.opts.EchoTyping, p.identify(realtime.Envelope{Type: env.Type, ConversationID: env.ConversationID}))
	case realtime.TypeSendMessage:
		r.deliver(p, env)
	}
}

func (r *Relay) deliver(p *peer, env realtime.Envelope) {
	msg := r.store(env.ConversationID, env.Content, p.role, p.id, env.Metadata, env.ClientMessageID)
	out, err := msg.envelope()
	if err != nil {
		p.send(errorEnvelope("encode message"))
		return
	}
	// 发送方没有加入房间时也要收到自己的回显
	p.send(out)
	r.broadcast(p, env.ConversationID, false, out)
}

// storedMessage 中继保存的消息，字段与 new_message 的 message 对象一致
type storedMessage struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Content         string         `json:"content"`
	Sender          string         `json:"sender"`
	SenderID        string         `json:"sender_id,omitempty"`
	Timestamp       string         `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
}

func (m storedMessage) envelope() (realtime.Envelope, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return realtime.Envelope{}, err
	}
	return realtime.Envelope{
		Type:            realtime.TypeNewMessage,
		ConversationID:  m.ConversationID,
		ClientMessageID: m.ClientMessageID,
		Message:         payload,
	}, nil
}

func (r *Relay) store(conversationID, content string, sender chat.SenderType, senderID string, metadata map[string]any, clientMessageID string) storedMessage {
	msg := storedMessage{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		Content:         content,
		Sender:          string(sender),
		SenderID:        senderID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:        metadata,
		ClientMessageID: clientMessageID,
	}
	r.mu.Lock()
	r.history[conversationID] = append(r.history[conversationID], msg)
	r.mu.Unlock()
	return msg
}

// broadcast 发给房间内的其他连接，includeSelf 时也发给 from
func (r *Relay) broadcast(from *peer, conversationID string, includeSelf bool, env realtime.Envelope) {
	r.mu.Lock()
	targets := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		if p == from && !includeSelf {
			continue
		}
		if p.rooms[conversationID] {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.send(env)
	}
}

func (r *Relay) drop(p *peer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
	_ = p.conn.Close()
}

// Received returns every valid envelope the relay accepted, in arrival order.
func (r *Relay) Received() []realtime.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Envelope, len(r.received))
	copy(out, r.received)
	return out
}

// ReceivedTypes lists the types of Received.
func (r *Relay) ReceivedTypes() []string {
	envs := r.Received()
	types := make([]string, len(envs))
	for i, env := range envs {
		types[i] = env.Type
	}
	return types
}

// Members returns "role:id" for every peer currently joined to conversationID.
func (r *Relay) Members(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for p := range r.peers {
		if p.rooms[conversationID] {
			out = append(out, string(p.role)+":"+p.id)
		}
	}
	sort.Strings(out)
	return out
}

// Peers returns the number of open connections.
func (r *Relay) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Inject sends env to every peer joined to its conversation.
func (r *Relay) Inject(env realtime.Envelope) {
	r.broadcast(nil, env.ConversationID, false, env)
}

// DisconnectAll closes every peer with code.
func (r *Relay) DisconnectAll(code int, reason string) {
	r.mu.Lock()
	peers := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.close(code, reason)
	}
}

func (p *peer) identify(env realtime.Envelope) realtime.Envelope {
	env.SenderID = p.id
	env.SenderType = string(p.role)
	if p.role == chat.SenderAgent {
		env.UserID = p.id
	} else {
		env.VisitorID = p.id
	}
	return env
}

func (p *peer) send(env realtime.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	p.write.Lock()
	defer p.write.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) close(code int, reason string) {
	p.write.Lock()
	defer p.write.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = p.conn.Close()
}

func errorEnvelope(text string) realtime.Envelope {
	raw, _ := json.Marshal(text)
	return realtime.Envelope{Type: realtime.TypeError, Message: raw}
}
