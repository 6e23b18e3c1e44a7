package chat

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// TypingOptions configures a Typing tracker.
type TypingOptions struct {
	// IdleTimeout stops local typing after this long without input.
	IdleTimeout time.Duration
	// RemoteTTL expires a remote typer that never sent typing_stop. Zero keeps
	// entries until stop, leave or disconnect.
	RemoteTTL time.Duration
	// SelfID is ignored in remote typing events.
	SelfID string
}

// TypingUpdate carries the current remote typers of one conversation.
type TypingUpdate struct {
	ConversationID string
	Typers         []chat.Participant
}

type remoteTyper struct {
	participant chat.Participant
	expiry      realtime.Timer
}

// Typing debounces local typing and tracks remote typers per conversation.
type Typing struct {
	exec    realtime.Executor
	sender  Sender
	options TypingOptions
	logger  zerolog.Logger

	conversation string
	typing       bool
	typingConv   string
	idle         realtime.Timer

	remote map[string]map[string]*remoteTyper
	subs   observers[TypingUpdate]
}

// NewTyping creates a tracker bound to the event loop.
func NewTyping(exec realtime.Executor, sender Sender, options TypingOptions) *Typing {
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = time.Second
	}
	return &Typing{
		exec:    exec,
		sender:  sender,
		options: options,
		logger:  log.Logger.With().Str("component", "typing").Logger(),
		remote:  make(map[string]map[string]*remoteTyper),
	}
}

// SetLogger replaces the tracker's logger.
func (t *Typing) SetLogger(logger zerolog.Logger) {
	t.logger = logger
}

// Local reports whether this client is currently marked as typing.
func (t *Typing) Local() bool {
	return t.typing
}

// InputChanged reflects the compose box of the active conversation. The first
// keystroke sends typing_start; later ones only push back the idle timer.
func (t *Typing) InputChanged(hasContent bool) {
	if !hasContent {
		t.StopLocal()
		return
	}
	if t.conversation == "" {
		return
	}
	if !t.typing {
		if !t.sender.Send(realtime.Envelope{Type: realtime.TypeTypingStart, ConversationID: t.conversation}) {
			return
		}
		t.typing = true
		t.typingConv = t.conversation
	}
	if t.idle != nil {
		t.idle.Stop()
	}
	t.idle = t.exec.AfterFunc(t.options.IdleTimeout, func() {
		t.idle = nil
		t.StopLocal()
	})
}

// StopLocal sends typing_stop if a start is outstanding.
func (t *Typing) StopLocal() {
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if !t.typing {
		return
	}
	t.typing = false
	t.sender.Send(realtime.Envelope{Type: realtime.TypeTypingStop, ConversationID: t.typingConv})
}

// HandleRoomChange stops local typing in the room being left and forgets its
// remote typers.
func (t *Typing) HandleRoomChange(change RoomChange) {
	if t.typing && t.typingConv != change.Current {
		t.StopLocal()
	}
	t.conversation = change.Current
	if change.Previous != "" {
		t.ClearConversation(change.Previous)
	}
}

// HandleStateChange drops all typing state once the connection is no longer
// open. A stale indicator must not survive a dropped session.
func (t *Typing) HandleStateChange(change realtime.StateChange) {
	if change.To != realtime.StateConnected {
		t.Reset()
	}
}

// OnRemoteStart marks p as typing in a conversation.
func (t *Typing) OnRemoteStart(conversationID string, p chat.Participant) {
	if conversationID == "" || p.ID == "" || p.ID == t.options.SelfID {
		return
	}
	typers, ok := t.remote[conversationID]
	if !ok {
		typers = make(map[string]*remoteTyper)
		t.remote[conversationID] = typers
	}

	rt, exists := typers[p.ID]
	if !exists {
		rt = &remoteTyper{participant: p}
		typers[p.ID] = rt
	} else if rt.expiry != nil {
		rt.expiry.Stop()
		rt.expiry = nil
	}
	if t.options.RemoteTTL > 0 {
		rt.expiry = t.exec.AfterFunc(t.options.RemoteTTL, func() {
			rt.expiry = nil
			t.logger.Debug().Str("conversation", conversationID).Str("participant", p.ID).Msg("remote typing expired")
			t.OnRemoteStop(conversationID, p)
		})
	}
	if !exists {
		t.emit(conversationID)
	}
}

// OnRemoteStop removes p from a conversation's typers.
func (t *Typing) OnRemoteStop(conversationID string, p chat.Participant) {
	typers, ok := t.remote[conversationID]
	if !ok {
		return
	}
	rt, ok := typers[p.ID]
	if !ok {
		return
	}
	if rt.expiry != nil {
		rt.expiry.Stop()
	}
	delete(typers, p.ID)
	if len(typers) == 0 {
		delete(t.remote, conversationID)
	}
	t.emit(conversationID)
}

// ClearConversation forgets every remote typer of a conversation.
func (t *Typing) ClearConversation(conversationID string) {
	typers, ok := t.remote[conversationID]
	if !ok {
		return
	}
	for _, rt := range typers {
		if rt.expiry != nil {
			rt.expiry.Stop()
		}
	}
	delete(t.remote, conversationID)
	t.emit(conversationID)
}

// Reset cancels the idle timer and clears all remote typers. No typing_stop is
// sent because the connection is already gone.
func (t *Typing) Reset() {
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	t.typing = false
	t.typingConv = ""

	ids := make([]string, 0, len(t.remote))
	for id := range t.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.ClearConversation(id)
	}
}

// RemoteTypers returns the participants typing in a conversation, sorted by id.
func (t *Typing) RemoteTypers(conversationID string) []chat.Participant {
	typers := t.remote[conversationID]
	out := make([]chat.Participant, 0, len(typers))
	for _, rt := range typers {
		out = append(out, rt.participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers fn for remote typer changes and returns its cancel func.
func (t *Typing) Subscribe(fn func(TypingUpdate)) func() {
	return t.subs.add(fn)
}

func (t *Typing) emit(conversationID string) {
	t.subs.emit(TypingUpdate{ConversationID: conversationID, Typers: t.RemoteTypers(conversationID)})
}
