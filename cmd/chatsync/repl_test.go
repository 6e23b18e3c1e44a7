package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want command
	}{
		{"hello there", command{kind: cmdSay, arg: "hello there"}},
		{"  /join c-42 ", command{kind: cmdJoin, arg: "c-42"}},
		{"/leave", command{kind: cmdLeave}},
		{"/history c1", command{kind: cmdHistory, arg: "c1"}},
		{"/reconnect", command{kind: cmdReconnect}},
		{"/AWAY", command{kind: cmdAway}},
		{"/back", command{kind: cmdBack}},
		{"/dnd 30m", command{kind: cmdDND, duration: 30 * time.Minute}},
		{"/dnd off", command{kind: cmdDND}},
		{"/status", command{kind: cmdStatus}},
		{"/q", command{kind: cmdQuit}},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.line)
		require.NoError(t, err, tc.line)
		require.Equal(t, tc.want, got, tc.line)
	}
}

func TestParseCommandRejects(t *testing.T) {
	for _, line := range []string{"/join", "/dnd", "/dnd soon", "/dnd -1m", "/frobnicate"} {
		_, err := parseCommand(line)
		require.ErrorIs(t, err, errUsage, line)
	}
}
