package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// UpdateKind says how a conversation list changed.
type UpdateKind int

const (
	// UpdateAdded means a new entry was inserted.
	UpdateAdded UpdateKind = iota + 1
	// UpdateConfirmed means an optimistic entry was replaced in place by its server copy.
	UpdateConfirmed
	// UpdateFailed means an optimistic entry was marked as failed.
	UpdateFailed
	// UpdateRemoved means an optimistic entry was dropped because its server copy was already present.
	UpdateRemoved
	// UpdateReset means the whole list was seeded or discarded.
	UpdateReset
)

// Update is emitted after every visible change to a conversation list.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Message        chat.Message
	// LocalID names the optimistic entry affected by a confirm, fail or remove.
	LocalID string
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// Role is the sender type of this client.
	Role chat.SenderType
	// SelfID is this client's user or visitor id, used to recognise its own echoes.
	SelfID string
	// Now stamps optimistic messages. Defaults to time.Now.
	Now    func() time.Time
	Logger *zerolog.Logger
}

type entry struct {
	msg     chat.Message
	orderAt time.Time
}

type conversation struct {
	entries []entry
}

// Reconciler merges optimistic local messages with server-confirmed ones.
//
// Each conversation list is sorted by creation time with ties in arrival order.
// A confirmed id appears at most once, and an optimistic entry is replaced in
// place by its confirmation, keeping its position.
type Reconciler struct {
	sender        Sender
	role          chat.SenderType
	selfID        string
	now           func() time.Time
	conversations map[string]*conversation
	subs          observers[Update]
	logger        zerolog.Logger
}

// NewReconciler creates an empty reconciler.
func NewReconciler(sender Sender, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		sender:        sender,
		role:          opts.Role,
		selfID:        opts.SelfID,
		now:           opts.Now,
		conversations: make(map[string]*conversation),
		logger:        log.Logger.With().Str("component", "reconciler").Logger(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	}
	return r
}

// Open starts tracking a conversation and merges the given history into it.
// Reopening keeps entries already present. A history entry written by this
// client replaces the pending entry it matches.
func (r *Reconciler) Open(conversationID string, history []chat.Message) error {
	if conversationID == "" {
		return ErrConversationRequired
	}
	conv := r.conversation(conversationID)
	for _, msg := range history {
		if msg.ID == "" || conv.indexByID(msg.ID) >= 0 {
			continue
		}
		msg.ConversationID = conversationID
		if r.ownMessage(msg) {
			if idx := r.matchOptimistic(conv, msg); idx >= 0 {
				r.confirmAt(conv, idx, msg)
				continue
			}
		}
		if msg.Status == "" {
			msg.Status = chat.StatusConfirmed
		}
		conv.insert(msg, r.orderKey(msg))
	}
	r.subs.emit(Update{Kind: UpdateReset, ConversationID: conversationID})
	return nil
}

// Close discards a conversation's list.
func (r *Reconciler) Close(conversationID string) {
	if _, ok := r.conversations[conversationID]; !ok {
		return
	}
	delete(r.conversations, conversationID)
	r.subs.emit(Update{Kind: UpdateReset, ConversationID: conversationID})
}

// IsOpen reports whether a conversation is tracked.
func (r *Reconciler) IsOpen(conversationID string) bool {
	_, ok := r.conversations[conversationID]
	return ok
}

// SendMessage appends an optimistic message and sends it. When the connection
// is not open the entry stays pending and realtime.ErrNotConnected is returned
// so the caller can fall back to another path.
func (r *Reconciler) SendMessage(conversationID, content string, metadata map[string]any) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, ErrConversationRequired
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyContent
	}

	msg := chat.Message{
		ConversationID:  conversationID,
		SenderType:      r.role,
		SenderID:        r.selfID,
		Content:         content,
		CreatedAt:       r.now().UTC(),
		Metadata:        metadata,
		Status:          chat.StatusPending,
		LocalID:         "local-" + uuid.NewString(),
		ClientMessageID: uuid.NewString(),
	}
	conv := r.conversation(conversationID)
	conv.insert(msg, msg.CreatedAt)
	r.subs.emit(Update{Kind: UpdateAdded, ConversationID: conversationID, Message: msg, LocalID: msg.LocalID})

	sent := r.sender.Send(realtime.Envelope{
		Type:            realtime.TypeSendMessage,
		ConversationID:  conversationID,
		Content:         content,
		ClientMessageID: msg.ClientMessageID,
		Metadata:        metadata,
	})
	if !sent {
		return msg, realtime.ErrNotConnected
	}
	return msg, nil
}

// OnServerMessage routes a new_message from the relay: echoes of this client's
// own sends are confirmations, everything else is remote.
func (r *Reconciler) OnServerMessage(msg chat.Message) bool {
	if r.ownMessage(msg) {
		return r.OnConfirmed(msg)
	}
	return r.OnRemoteMessage(msg)
}

func (r *Reconciler) ownMessage(msg chat.Message) bool {
	if msg.SenderType != r.role {
		return false
	}
	return r.selfID == "" || msg.SenderID == "" || msg.SenderID == r.selfID
}

// OnConfirmed applies the server copy of a message this client sent. It
// replaces the matching optimistic entry, or inserts the message when none
// matches. It reports whether the list changed.
//
// When the id is already listed, a pending entry is dropped as its duplicate
// only on an exact client message id, so a redelivery never consumes a second
// identical send.
func (r *Reconciler) OnConfirmed(msg chat.Message) bool {
	conv, ok := r.conversations[msg.ConversationID]
	if !ok || msg.ID == "" {
		return false
	}
	if conv.indexByID(msg.ID) >= 0 {
		if msg.ClientMessageID == "" {
			return false
		}
		idx := r.matchOptimistic(conv, msg)
		if idx < 0 {
			return false
		}
		prev := conv.entries[idx].msg
		conv.remove(idx)
		r.subs.emit(Update{Kind: UpdateRemoved, ConversationID: prev.ConversationID, Message: prev, LocalID: prev.LocalID})
		return true
	}

	idx := r.matchOptimistic(conv, msg)
	if idx < 0 {
		return r.insertConfirmed(conv, msg)
	}
	r.confirmAt(conv, idx, msg)
	return true
}

// confirmAt replaces the optimistic entry at idx with its server copy, keeping
// its position.
func (r *Reconciler) confirmAt(conv *conversation, idx int, msg chat.Message) {
	prev := conv.entries[idx].msg
	msg.Status = chat.StatusConfirmed
	msg.LocalID = ""
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = prev.CreatedAt
	}
	if msg.Metadata == nil {
		msg.Metadata = prev.Metadata
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = prev.ClientMessageID
	}
	conv.entries[idx].msg = msg

	r.logger.Debug().Str("conversation", msg.ConversationID).Str("id", msg.ID).Str("local_id", prev.LocalID).Msg("optimistic message confirmed")
	r.subs.emit(Update{Kind: UpdateConfirmed, ConversationID: msg.ConversationID, Message: msg, LocalID: prev.LocalID})
}

// matchOptimistic finds the entry a confirmation belongs to. An echoed client
// message id matches exactly; without one the oldest pending entry with the
// same content and role is taken.
func (r *Reconciler) matchOptimistic(conv *conversation, msg chat.Message) int {
	if msg.ClientMessageID != "" {
		for i, e := range conv.entries {
			if e.msg.Optimistic() && e.msg.ClientMessageID == msg.ClientMessageID {
				return i
			}
		}
		return -1
	}
	for i, e := range conv.entries {
		if e.msg.Optimistic() && e.msg.SenderType == r.role && e.msg.Content == msg.Content {
			return i
		}
	}
	return -1
}

// OnRemoteMessage inserts a message authored elsewhere. Known ids are ignored.
func (r *Reconciler) OnRemoteMessage(msg chat.Message) bool {
	conv, ok := r.conversations[msg.ConversationID]
	if !ok || msg.ID == "" {
		return false
	}
	if conv.indexByID(msg.ID) >= 0 {
		return false
	}
	return r.insertConfirmed(conv, msg)
}

func (r *Reconciler) insertConfirmed(conv *conversation, msg chat.Message) bool {
	msg.Status = chat.StatusConfirmed
	msg.LocalID = ""
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now().UTC()
	}
	conv.insert(msg, msg.CreatedAt)
	r.subs.emit(Update{Kind: UpdateAdded, ConversationID: msg.ConversationID, Message: msg})
	return true
}

// ConfirmLocal applies a message returned by the REST fallback to the
// optimistic entry it was created from.
func (r *Reconciler) ConfirmLocal(localID string, msg chat.Message) error {
	conv, idx := r.findLocal(localID)
	if idx < 0 {
		return ErrUnknownLocalID
	}
	prev := conv.entries[idx].msg
	msg.ConversationID = prev.ConversationID

	if msg.ID != "" && conv.indexByID(msg.ID) >= 0 {
		conv.remove(idx)
		r.subs.emit(Update{Kind: UpdateRemoved, ConversationID: prev.ConversationID, Message: prev, LocalID: localID})
		return nil
	}

	msg.Status = chat.StatusConfirmed
	msg.LocalID = ""
	if msg.SenderType == "" {
		msg.SenderType = prev.SenderType
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = prev.CreatedAt
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = prev.ClientMessageID
	}
	conv.entries[idx].msg = msg
	r.subs.emit(Update{Kind: UpdateConfirmed, ConversationID: prev.ConversationID, Message: msg, LocalID: localID})
	return nil
}

// MarkFailed flags an optimistic entry as undeliverable. The entry stays in
// the list and can still be confirmed later.
func (r *Reconciler) MarkFailed(localID string) error {
	conv, idx := r.findLocal(localID)
	if idx < 0 {
		return ErrUnknownLocalID
	}
	conv.entries[idx].msg.Status = chat.StatusFailed
	msg := conv.entries[idx].msg
	r.subs.emit(Update{Kind: UpdateFailed, ConversationID: msg.ConversationID, Message: msg, LocalID: localID})
	return nil
}

// Messages returns a copy of a conversation's ordered list.
func (r *Reconciler) Messages(conversationID string) []chat.Message {
	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(conv.entries))
	for i, e := range conv.entries {
		out[i] = e.msg
	}
	return out
}

// Subscribe registers fn for list updates and returns its cancel func.
func (r *Reconciler) Subscribe(fn func(Update)) func() {
	return r.subs.add(fn)
}

func (r *Reconciler) conversation(id string) *conversation {
	conv, ok := r.conversations[id]
	if !ok {
		conv = &conversation{entries: make([]entry, 0, 16)}
		r.conversations[id] = conv
	}
	return conv
}

func (r *Reconciler) findLocal(localID string) (*conversation, int) {
	if localID == "" {
		return nil, -1
	}
	for _, conv := range r.conversations {
		for i, e := range conv.entries {
			if e.msg.LocalID == localID && e.msg.ID == "" {
				return conv, i
			}
		}
	}
	return nil, -1
}

func (r *Reconciler) orderKey(msg chat.Message) time.Time {
	if msg.CreatedAt.IsZero() {
		return r.now().UTC()
	}
	return msg.CreatedAt
}

func (c *conversation) indexByID(id string) int {
	for i, e := range c.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// insert keeps entries sorted by orderAt; equal keys go after existing ones.
func (c *conversation) insert(msg chat.Message, orderAt time.Time) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].orderAt.After(orderAt)
	})
	c.entries = append(c.entries, entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = entry{msg: msg, orderAt: orderAt}
}

func (c *conversation) remove(i int) {
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
}
