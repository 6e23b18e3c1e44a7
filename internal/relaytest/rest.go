package relaytest

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/pkg/utils"
)

type restMessage struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Sender    string         `json:"sender"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"message_metadata,omitempty"`
}

func toREST(m storedMessage) restMessage {
	return restMessage{ID: m.ID, Content: m.Content, Sender: m.Sender, Timestamp: m.Timestamp, Metadata: m.Metadata}
}

// handleConversation 返回会话详情并记录已读
func (r *Relay) handleConversation(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "conversationID")

	r.mu.Lock()
	stored := r.history[id]
	messages := make([]restMessage, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, toREST(m))
	}
	r.reads[id]++
	r.mu.Unlock()

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"status":   "active",
		"messages": messages,
	})
}

// handlePostMessage 保存消息并广播给房间内的实时连接
func (r *Relay) handlePostMessage(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	failStatus := r.failSends
	r.mu.Unlock()
	if failStatus != 0 {
		utils.RespondError(w, failStatus, http.StatusText(failStatus))
		return
	}

	id := chi.URLParam(req, "conversationID")
	var body struct {
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}
	if err := utils.DecodeJSON(req, &body); err != nil || body.Content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}
	sender := chat.SenderType(body.Sender)
	if !sender.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "invalid sender")
		return
	}

	msg := r.store(id, body.Content, sender, "", nil, "")
	if env, err := msg.envelope(); err == nil {
		r.broadcast(nil, id, false, env)
	}
	utils.RespondJSON(w, http.StatusCreated, toREST(msg))
}

func visitorKey(websiteID, visitorID string) string {
	return websiteID + "/" + visitorID
}

// handleWidgetMessage 访客的公开发送接口，未指定会话时沿用或新建访客会话。
// 业务失败按 200 + success=false 返回
func (r *Relay) handleWidgetMessage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Content        string `json:"content"`
		VisitorID      string `json:"visitorId"`
		WebsiteID      string `json:"websiteId"`
		ConversationID string `json:"conversationId"`
	}
	if err := utils.DecodeJSON(req, &body); err != nil || body.Content == "" || body.WebsiteID == "" {
		utils.RespondError(w, http.StatusBadRequest, "content and websiteId are required")
		return
	}

	r.mu.Lock()
	failStatus := r.failSends
	key := visitorKey(body.WebsiteID, body.VisitorID)
	id := body.ConversationID
	if id == "" {
		id = r.visitorConvs[key]
	}
	if id == "" {
		id = uuid.NewString()
	}
	if failStatus == 0 {
		r.visitorConvs[key] = id
	}
	r.mu.Unlock()
	if failStatus != 0 {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"success": false, "error": http.StatusText(failStatus)})
		return
	}

	msg := r.store(id, body.Content, chat.SenderVisitor, body.VisitorID, nil, "")
	if env, err := msg.envelope(); err == nil {
		r.broadcast(nil, id, false, env)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"conversationId": id,
		"message":        toREST(msg),
	})
}

// handleWidgetConversation 返回访客在该站点最近的会话
func (r *Relay) handleWidgetConversation(w http.ResponseWriter, req *http.Request) {
	websiteID := req.URL.Query().Get("website_id")
	if websiteID == "" {
		utils.RespondError(w, http.StatusUnprocessableEntity, "website_id is required")
		return
	}

	r.mu.Lock()
	id, ok := r.visitorConvs[visitorKey(websiteID, chi.URLParam(req, "visitorID"))]
	messages := make([]restMessage, 0, len(r.history[id]))
	if ok {
		for _, m := range r.history[id] {
			messages = append(messages, toREST(m))
		}
	}
	r.mu.Unlock()

	var conversationID any
	if ok {
		conversationID = id
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	})
}

// FailSends makes message posts answer with status. Zero restores normal
// handling.
func (r *Relay) FailSends(status int) {
	r.mu.Lock()
	r.failSends = status
	r.mu.Unlock()
}

// Reads returns how many times a conversation detail was fetched.
func (r *Relay) Reads(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[conversationID]
}
