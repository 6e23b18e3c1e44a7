package realtime

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/chatsync/internal/model/chat"
)

// 信封类型
const (
	TypeJoinConversation      = "join_conversation"
	TypeLeaveConversation     = "leave_conversation"
	TypeSendMessage           = "send_message"
	TypeTypingStart           = "typing_start"
	TypeTypingStop            = "typing_stop"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeConnectionEstablished = "connection_established"
	TypeNewMessage            = "new_message"
	TypeAgentJoined           = "agent_joined"
	TypeAgentLeft             = "agent_left"
	TypeVisitorJoined         = "visitor_joined"
	TypeError                 = "error"
)

// Direction 信封的传输方向
type Direction uint8

const (
	Outbound Direction = 1 << iota
	Inbound
)

var envelopeDirections = map[string]Direction{
	TypeJoinConversation:      Outbound,
	TypeLeaveConversation:     Outbound,
	TypeSendMessage:           Outbound,
	TypeTypingStart:           Outbound | Inbound,
	TypeTypingStop:            Outbound | Inbound,
	TypePing:                  Outbound | Inbound,
	TypePong:                  Outbound | Inbound,
	TypeConnectionEstablished: Inbound,
	TypeNewMessage:            Inbound,
	TypeAgentJoined:           Inbound,
	TypeAgentLeft:             Inbound,
	TypeVisitorJoined:         Inbound,
	TypeError:                 Inbound,
}

// Envelope 实时连接上的 JSON 帧
type Envelope struct {
	Type            string          `json:"type"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	Content         string          `json:"content,omitempty"`
	SenderID        string          `json:"sender_id,omitempty"`
	SenderType      string          `json:"sender_type,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	VisitorID       string          `json:"visitor_id,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// wireMessage new_message 中 message 对象的格式
type wireMessage struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Content         string         `json:"content"`
	Sender          string         `json:"sender"`
	SenderID        string         `json:"sender_id"`
	Timestamp       string         `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
}

// Encode 校验并序列化出站信封
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env, Outbound); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", env.Type)
	}
	return data, nil
}

// Decode 解析并校验入站信封
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if err := Validate(env, Inbound); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate 检查 type 是否允许在该方向出现，以及必填字段
func Validate(env Envelope, dir Direction) error {
	if env.Type == "" {
		return ErrMissingType
	}
	allowed, ok := envelopeDirections[env.Type]
	if !ok || allowed&dir == 0 {
		return errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}

	switch env.Type {
	case TypeJoinConversation, TypeLeaveConversation, TypeTypingStart, TypeTypingStop,
		TypeAgentJoined, TypeAgentLeft, TypeVisitorJoined:
		if env.ConversationID == "" {
			return missingField(env.Type, "conversation_id")
		}
	case TypeSendMessage:
		if env.ConversationID == "" {
			return missingField(env.Type, "conversation_id")
		}
		if strings.TrimSpace(env.Content) == "" {
			return missingField(env.Type, "content")
		}
	case TypeNewMessage:
		msg, err := env.wireMessage()
		if err != nil {
			return err
		}
		if msg.ID == "" {
			return missingField(env.Type, "message.id")
		}
		if msg.ConversationID == "" && env.ConversationID == "" {
			return missingField(env.Type, "message.conversation_id")
		}
	}
	return nil
}

func missingField(typ, field string) error {
	return errors.Wrapf(ErrMissingField, "%s requires %s", typ, field)
}

func (e Envelope) wireMessage() (wireMessage, error) {
	var msg wireMessage
	raw := bytes.TrimSpace(e.Message)
	if len(raw) == 0 || raw[0] != '{' {
		return msg, missingField(e.Type, "message")
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errors.Wrap(err, "decode message payload")
	}
	return msg, nil
}

// ChatMessage 把 new_message 的载荷转换成领域消息
func (e Envelope) ChatMessage() (chat.Message, error) {
	if e.Type != TypeNewMessage {
		return chat.Message{}, errors.Errorf("envelope %q carries no chat message", e.Type)
	}
	wm, err := e.wireMessage()
	if err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		ID:              wm.ID,
		ConversationID:  wm.ConversationID,
		SenderType:      chat.SenderType(wm.Sender),
		SenderID:        wm.SenderID,
		Content:         wm.Content,
		Metadata:        wm.Metadata,
		Status:          chat.StatusConfirmed,
		ClientMessageID: wm.ClientMessageID,
	}
	if msg.ConversationID == "" {
		msg.ConversationID = e.ConversationID
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = e.ClientMessageID
	}
	if ts, ok := chat.ParseTimestamp(wm.Timestamp); ok {
		msg.CreatedAt = ts
	} else if ts, ok := chat.ParseTimestamp(e.Timestamp); ok {
		msg.CreatedAt = ts
	}
	return msg, nil
}

// ErrorText 返回 error 信封里的可读错误信息
func (e Envelope) ErrorText() string {
	raw := bytes.TrimSpace(e.Message)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
	}
	if e.Content != "" {
		return e.Content
	}
	return string(raw)
}

// Participant 返回 typing / joined 类信封的发起方
func (e Envelope) Participant() chat.Participant {
	p := chat.Participant{SenderType: chat.SenderType(e.SenderType)}
	switch {
	case e.UserID != "":
		p.ID = e.UserID
		if p.SenderType == "" {
			p.SenderType = chat.SenderAgent
		}
	case e.VisitorID != "":
		p.ID = e.VisitorID
		if p.SenderType == "" {
			p.SenderType = chat.SenderVisitor
		}
	default:
		p.ID = e.SenderID
	}
	if p.SenderType == "" {
		switch e.Type {
		case TypeAgentJoined, TypeAgentLeft:
			p.SenderType = chat.SenderAgent
		case TypeVisitorJoined:
			p.SenderType = chat.SenderVisitor
		}
	}
	return p
}
