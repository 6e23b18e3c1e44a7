package chat_test

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
	"github.com/zhouzirui/chatsync/internal/testutil"
)

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

const relayURL = "ws://relay.test/ws/agent/u1?token=t"

// recordingSender stands in for the connection manager.
type recordingSender struct {
	connected bool
	sent      []realtime.Envelope
}

func (s *recordingSender) Send(env realtime.Envelope) bool {
	if !s.connected {
		return false
	}
	s.sent = append(s.sent, env)
	return true
}

func (s *recordingSender) types() []string {
	out := make([]string, len(s.sent))
	for i, env := range s.sent {
		out[i] = env.Type + ":" + env.ConversationID
	}
	return out
}

func newManager(sched *testutil.ManualScheduler, dialer *testutil.FakeDialer) *realtime.ConnectionManager {
	opts := realtime.DefaultConnectionOptions()
	opts.Jitter = nil
	return realtime.NewConnectionManager(sched, dialer, opts, realtime.WithLogger(zerolog.Nop()))
}

func typesOf(envs []realtime.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type + ":" + env.ConversationID
	}
	return out
}
