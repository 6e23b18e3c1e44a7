package main

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatsync/internal/client"
	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/internal/service/fallback"
	"github.com/zhouzirui/chatsync/internal/service/notify"
	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

type commandKind int

const (
	cmdSay commandKind = iota
	cmdJoin
	cmdLeave
	cmdHistory
	cmdReconnect
	cmdAway
	cmdBack
	cmdDND
	cmdStatus
	cmdQuit
)

type command struct {
	kind     commandKind
	arg      string
	duration time.Duration
}

var errUsage = errors.New("usage: /join <id> | /leave | /history | /reconnect | /away | /back | /dnd <duration|off> | /status | /quit")

// parseCommand 解析一行输入，非 / 开头的内容作为消息发送
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "join":
		if arg == "" {
			return command{}, errUsage
		}
		return command{kind: cmdJoin, arg: arg}, nil
	case "leave":
		return command{kind: cmdLeave}, nil
	case "history":
		return command{kind: cmdHistory, arg: arg}, nil
	case "reconnect":
		return command{kind: cmdReconnect}, nil
	case "away":
		return command{kind: cmdAway}, nil
	case "back":
		return command{kind: cmdBack}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "dnd":
		if arg == "off" {
			return command{kind: cmdDND}, nil
		}
		d, err := time.ParseDuration(arg)
		if err != nil || d <= 0 {
			return command{}, errUsage
		}
		return command{kind: cmdDND, duration: d}, nil
	case "quit", "q", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, errUsage
	}
}

type repl struct {
	client *client.Client
	rest   *fallback.Client
	notify *notify.Service
	role   chat.SenderType
	out    *console

	// visitor 走公开的 widget 接口
	websiteID string
	visitorID string
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				r.out.Printf("%v\n", err)
				continue
			}
			if cmd.kind == cmdQuit {
				r.client.Disconnect()
				return nil
			}
			r.exec(ctx, cmd)
		}
	}
}

func (r *repl) exec(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSay:
		r.say(ctx, cmd.arg)
	case cmdJoin:
		r.join(ctx, cmd.arg)
	case cmdLeave:
		r.client.SetActiveConversation("")
	case cmdHistory:
		id := cmd.arg
		if id == "" {
			id = r.client.ActiveConversation()
		}
		for _, m := range r.client.Messages(id) {
			r.out.Printf("  %s %-7s %s (%s)\n", m.CreatedAt.Format(time.Kitchen), m.SenderType, m.Content, m.Status)
		}
	case cmdReconnect:
		r.client.Reconnect()
	case cmdAway:
		r.client.SetBackgrounded(true)
	case cmdBack:
		r.client.SetBackgrounded(false)
	case cmdStatus:
		r.out.Printf("state=%s active=%q\n", r.client.State(), r.client.ActiveConversation())
	case cmdDND:
		var err error
		if cmd.duration > 0 {
			err = r.notify.EnableDoNotDisturb(cmd.duration)
		} else {
			err = r.notify.DisableDoNotDisturb()
		}
		if err != nil {
			r.out.Printf("! %v\n", err)
		}
	}
}

// join 切换房间，有 REST 服务时先拉取历史
func (r *repl) join(ctx context.Context, id string) {
	var history []chat.Message
	if r.rest != nil {
		conv, err := r.fetchHistory(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("conversation", id).Msg("history unavailable")
		} else {
			history = conv.Messages
		}
	}
	if err := r.client.OpenConversation(id, history); err != nil {
		r.out.Printf("! %v\n", err)
		return
	}
	r.client.SetActiveConversation(id)
	r.out.Printf("* joined %s (%d messages)\n", id, len(history))
}

// say 发送消息，未连接时走 REST 兜底
func (r *repl) say(ctx context.Context, text string) {
	conv := r.client.ActiveConversation()
	if conv == "" {
		r.out.Printf("! join a conversation first\n")
		return
	}
	r.client.InputChanged(false)

	msg, err := r.client.SendMessage(conv, text, nil)
	if err == nil {
		return
	}
	if !errors.Is(err, realtime.ErrNotConnected) {
		r.out.Printf("! %v\n", err)
		return
	}
	if r.rest == nil {
		_ = r.client.MarkFailed(msg.LocalID)
		return
	}

	stored, err := r.restSend(ctx, conv, text)
	if err != nil {
		log.Warn().Err(err).Str("conversation", conv).Msg("fallback send failed")
		_ = r.client.MarkFailed(msg.LocalID)
		return
	}
	if err := r.client.ConfirmLocal(msg.LocalID, stored); err != nil {
		log.Warn().Err(err).Msg("fallback confirm failed")
	}
}

// fetchHistory 按角色选择历史接口，visitor 只能读自己最近的会话
func (r *repl) fetchHistory(ctx context.Context, id string) (fallback.Conversation, error) {
	if r.role != chat.SenderVisitor {
		return r.rest.FetchHistory(ctx, id)
	}
	conv, err := r.rest.FetchVisitorConversation(ctx, r.websiteID, r.visitorID)
	if err != nil {
		return fallback.Conversation{}, err
	}
	if conv.ID != id {
		return fallback.Conversation{ID: id}, nil
	}
	return conv, nil
}

func (r *repl) restSend(ctx context.Context, conv, text string) (chat.Message, error) {
	if r.role == chat.SenderVisitor {
		return r.rest.SendVisitorMessage(ctx, r.websiteID, r.visitorID, conv, text)
	}
	return r.rest.SendMessage(ctx, conv, text, r.role)
}
