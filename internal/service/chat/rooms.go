package chat

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

// RoomChange describes a switch of the active conversation.
type RoomChange struct {
	Previous string
	Current  string
}

// Rooms tracks the conversation this client is joined to and replays the join
// whenever the connection is re-established.
type Rooms struct {
	sender    Sender
	active    string
	connected bool
	subs      observers[RoomChange]
	logger    zerolog.Logger
}

// NewRooms creates a tracker with no active conversation.
func NewRooms(sender Sender) *Rooms {
	return &Rooms{
		sender: sender,
		logger: log.Logger.With().Str("component", "rooms").Logger(),
	}
}

// SetLogger replaces the tracker's logger.
func (r *Rooms) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Active returns the active conversation id, empty when none.
func (r *Rooms) Active() string {
	return r.active
}

// SetActiveConversation switches rooms. While connected it leaves the previous
// room and joins the new one; otherwise the intent is only recorded.
func (r *Rooms) SetActiveConversation(id string) {
	id = strings.TrimSpace(id)
	if id == r.active {
		return
	}
	prev := r.active
	r.active = id

	if r.connected {
		if prev != "" {
			r.send(realtime.TypeLeaveConversation, prev)
		}
		if id != "" {
			r.send(realtime.TypeJoinConversation, id)
		}
	}
	r.logger.Debug().Str("previous", prev).Str("current", id).Bool("connected", r.connected).Msg("active conversation changed")
	r.subs.emit(RoomChange{Previous: prev, Current: id})
}

// HandleStateChange re-joins the active room on every transition into
// Connected. Membership is not assumed to survive a reconnect.
func (r *Rooms) HandleStateChange(change realtime.StateChange) {
	if change.To != realtime.StateConnected {
		r.connected = false
		return
	}
	r.connected = true
	if r.active != "" {
		r.send(realtime.TypeJoinConversation, r.active)
	}
}

// OnChange subscribes to active conversation switches.
func (r *Rooms) OnChange(fn func(RoomChange)) func() {
	return r.subs.add(fn)
}

func (r *Rooms) send(typ, conversationID string) {
	if !r.sender.Send(realtime.Envelope{Type: typ, ConversationID: conversationID}) {
		r.logger.Warn().Str("type", typ).Str("conversation", conversationID).Msg("room envelope not sent")
	}
}
