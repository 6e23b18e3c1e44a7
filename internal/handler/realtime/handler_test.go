package realtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	handler "github.com/zhouzirui/chatsync/internal/handler/realtime"
	"github.com/zhouzirui/chatsync/internal/model/chat"
	chatservice "github.com/zhouzirui/chatsync/internal/service/chat"
	"github.com/zhouzirui/chatsync/internal/service/notify"
	realtimesvc "github.com/zhouzirui/chatsync/internal/service/realtime"
	"github.com/zhouzirui/chatsync/internal/testutil"
)

type nopSender struct{}

func (nopSender) Send(realtimesvc.Envelope) bool { return true }

type notified struct {
	n       notify.Notification
	viewing bool
}

type fakeNotifier struct {
	calls []notified
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification, viewing bool) (bool, error) {
	f.calls = append(f.calls, notified{n: n, viewing: viewing})
	return !viewing, nil
}

type fixture struct {
	handler    *handler.Handler
	reconciler *chatservice.Reconciler
	typing     *chatservice.Typing
	notifier   *fakeNotifier
	events     []handler.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := testutil.NewManualScheduler(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{notifier: &fakeNotifier{}}
	f.reconciler = chatservice.NewReconciler(nopSender{}, chatservice.ReconcilerOptions{Role: chat.SenderAgent, SelfID: "u1", Now: sched.Now})
	f.typing = chatservice.NewTyping(sched, nopSender{}, chatservice.TypingOptions{SelfID: "u1"})
	f.handler = handler.NewHandler(handler.Options{
		Reconciler: f.reconciler,
		Typing:     f.typing,
		Notifier:   f.notifier,
		Role:       chat.SenderAgent,
		Viewing:    func(id string) bool { return id == "c1" },
	})
	f.handler.OnEvent(func(ev handler.Event) { f.events = append(f.events, ev) })
	require.NoError(t, f.reconciler.Open("c1", nil))
	return f
}

func newMessage(t *testing.T, id, conv, sender, senderID, content string, metadata map[string]any) realtimesvc.Envelope {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":              id,
		"conversation_id": conv,
		"content":         content,
		"sender":          sender,
		"sender_id":       senderID,
		"timestamp":       "2025-01-01T00:00:01",
		"metadata":        metadata,
	})
	require.NoError(t, err)
	return realtimesvc.Envelope{Type: realtimesvc.TypeNewMessage, Message: raw}
}

func TestNewVisitorMessageReconciledAndNotified(t *testing.T) {
	f := newFixture(t)

	env := newMessage(t, "m1", "c1", "visitor", "v1", "Hi there", map[string]any{"visitor_name": "Ada"})
	f.handler.HandleEnvelope(env)
	f.handler.HandleEnvelope(env)

	msgs := f.reconciler.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)

	require.Len(t, f.notifier.calls, 1)
	call := f.notifier.calls[0]
	require.True(t, call.viewing)
	require.Equal(t, notify.KindNewMessage, call.n.Kind)
	require.Equal(t, "New message from Ada", call.n.Title)
}

func TestMessageForOtherConversationNotifiesWithoutViewing(t *testing.T) {
	f := newFixture(t)

	f.handler.HandleEnvelope(newMessage(t, "m9", "c2", "visitor", "v2", "help!", map[string]any{"priority": "urgent"}))

	require.Nil(t, f.reconciler.Messages("c2"))
	require.Len(t, f.notifier.calls, 1)
	require.False(t, f.notifier.calls[0].viewing)
	require.Equal(t, notify.KindUrgentMessage, f.notifier.calls[0].n.Kind)
	require.Equal(t, "Urgent message from Visitor", f.notifier.calls[0].n.Title)
}

func TestOwnEchoConfirmsWithoutNotifying(t *testing.T) {
	f := newFixture(t)
	local, err := f.reconciler.SendMessage("c1", "Hello", nil)
	require.NoError(t, err)

	f.handler.HandleEnvelope(newMessage(t, "M1", "c1", "agent", "u1", "Hello", nil))

	msgs := f.reconciler.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "M1", msgs[0].ID)
	require.NotEqual(t, local.LocalID, msgs[0].Key())
	require.Empty(t, f.notifier.calls)
}

func TestTypingEnvelopes(t *testing.T) {
	f := newFixture(t)
	start := realtimesvc.Envelope{Type: realtimesvc.TypeTypingStart, ConversationID: "c1", SenderType: "visitor", VisitorID: "v1"}

	f.handler.HandleEnvelope(start)
	f.handler.HandleEnvelope(start)
	require.Equal(t, []chat.Participant{{ID: "v1", SenderType: chat.SenderVisitor}}, f.typing.RemoteTypers("c1"))

	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeTypingStop, ConversationID: "c1", VisitorID: "v1"})
	require.Empty(t, f.typing.RemoteTypers("c1"))
}

func TestNewMessageClearsSenderTyping(t *testing.T) {
	f := newFixture(t)
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeTypingStart, ConversationID: "c1", VisitorID: "v1"})

	f.handler.HandleEnvelope(newMessage(t, "m1", "c1", "visitor", "v1", "done typing", nil))
	require.Empty(t, f.typing.RemoteTypers("c1"))
}

func TestParticipantEvents(t *testing.T) {
	f := newFixture(t)

	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeAgentJoined, ConversationID: "c1", UserID: "u2"})
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeVisitorJoined, ConversationID: "c3", Metadata: map[string]any{"visitor_name": "Bo"}})
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeAgentLeft, ConversationID: "c1", UserID: "u2"})
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeConnectionEstablished})

	require.Len(t, f.events, 4)
	require.Equal(t, handler.EventParticipantJoined, f.events[0].Kind)
	require.Equal(t, chat.Participant{ID: "u2", SenderType: chat.SenderAgent}, f.events[0].Participant)
	require.Equal(t, handler.EventParticipantJoined, f.events[1].Kind)
	require.Equal(t, chat.SenderVisitor, f.events[1].Participant.SenderType)
	require.Equal(t, handler.EventParticipantLeft, f.events[2].Kind)
	require.Equal(t, handler.EventConnectionEstablished, f.events[3].Kind)

	require.Len(t, f.notifier.calls, 1)
	require.Equal(t, notify.KindVisitorActivity, f.notifier.calls[0].n.Kind)
	require.Equal(t, "Bo joined the conversation", f.notifier.calls[0].n.Body)
}

func TestRelayErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeError, Message: json.RawMessage(`"Conversation not found"`)})

	require.Len(t, f.events, 1)
	require.Equal(t, handler.EventRelayError, f.events[0].Kind)
	require.Equal(t, "Conversation not found", f.events[0].Text)
}

func TestInvalidPayloadIgnored(t *testing.T) {
	f := newFixture(t)
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: realtimesvc.TypeNewMessage, Message: json.RawMessage(`"oops"`)})
	f.handler.HandleEnvelope(realtimesvc.Envelope{Type: "mystery"})

	require.Empty(t, f.reconciler.Messages("c1"))
	require.Empty(t, f.events)
	require.Empty(t, f.notifier.calls)
}

func TestFirstVisitorMessageOfUnknownConversation(t *testing.T) {
	f := newFixture(t)
	meta := map[string]any{"visitor_name": "Cy", "website_name": "Shop"}

	f.handler.HandleEnvelope(newMessage(t, "m1", "c7", "visitor", "v7", "hello", meta))
	f.handler.HandleEnvelope(newMessage(t, "m2", "c7", "visitor", "v7", "anyone?", meta))
	f.handler.HandleEnvelope(newMessage(t, "m3", "c1", "visitor", "v1", "open room", meta))

	require.Len(t, f.notifier.calls, 3)
	first := f.notifier.calls[0].n
	require.Equal(t, notify.KindNewConversation, first.Kind)
	require.Equal(t, "c7", first.ConversationID)
	require.Equal(t, "Cy started a conversation on Shop", first.Body)
	require.True(t, first.Sticky)
	require.Equal(t, notify.KindNewMessage, f.notifier.calls[1].n.Kind)
	require.Equal(t, notify.KindNewMessage, f.notifier.calls[2].n.Kind)
}
