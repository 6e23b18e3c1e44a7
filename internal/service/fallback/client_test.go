package fallback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatsync/internal/model/chat"
	"github.com/zhouzirui/chatsync/internal/service/fallback"
)

func newClient(t *testing.T, srv *httptest.Server, retries int) *fallback.Client {
	t.Helper()
	c, err := fallback.New(fallback.Options{
		BaseURL:     srv.URL + "/",
		Token:       func() string { return "tok" },
		Timeout:     2 * time.Second,
		ReadRetries: retries,
	})
	require.NoError(t, err)
	return c
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/conversations/c1/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, map[string]string{"content": "Hello", "sender": "agent"}, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m1","content":"Hello","sender":"agent","timestamp":"2025-01-02T03:04:05","message_metadata":{}}`))
	}))
	defer srv.Close()

	msg, err := newClient(t, srv, 0).SendMessage(context.Background(), "c1", "Hello", chat.SenderAgent)
	require.NoError(t, err)
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, chat.SenderAgent, msg.SenderType)
	require.Equal(t, chat.StatusConfirmed, msg.Status)
	require.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), msg.CreatedAt)
}

func TestSendMessageIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv, 3).SendMessage(context.Background(), "c1", "Hello", chat.SenderAgent)
	require.ErrorIs(t, err, fallback.ErrStatus)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/conversations/c1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "c1",
			"website_name": "Shop",
			"visitor_id": "v1",
			"visitor_name": "Ada",
			"status": "active",
			"messages": [
				{"id": "m1", "content": "hi", "sender": "visitor", "timestamp": "2025-01-01T00:00:00"},
				{"id": "m2", "content": "hello", "sender": "agent", "timestamp": "2025-01-01T00:00:05.5"}
			]
		}`))
	}))
	defer srv.Close()

	conv, err := newClient(t, srv, 0).FetchHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Shop", conv.WebsiteName)
	require.Equal(t, "Ada", conv.VisitorName)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, chat.SenderVisitor, conv.Messages[0].SenderType)
	require.Equal(t, "c1", conv.Messages[1].ConversationID)
	require.Equal(t, 5500*time.Millisecond, conv.Messages[1].CreatedAt.Sub(conv.Messages[0].CreatedAt))
}

func TestFetchHistoryRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"c1","messages":[]}`))
	}))
	defer srv.Close()

	conv, err := newClient(t, srv, 3).FetchHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.EqualValues(t, 3, calls.Load())
}

func TestStatusErrors(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized: fallback.ErrUnauthorized,
		http.StatusForbidden:    fallback.ErrUnauthorized,
		http.StatusNotFound:     fallback.ErrNotFound,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(status), status)
		}))
		err := newClient(t, srv, 0).MarkRead(context.Background(), "c1")
		require.ErrorIs(t, err, want, "status %d", status)
		require.ErrorIs(t, err, fallback.ErrStatus)

		var se *fallback.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, status, se.Status)
		srv.Close()
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := fallback.New(fallback.Options{BaseURL: "ws://relay"})
	require.Error(t, err)
}

func TestSendVisitorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/widget/message", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, map[string]string{"content": "Hi", "visitorId": "v1", "websiteId": "w1"}, body)

		_, _ = w.Write([]byte(`{"success":true,"conversationId":"c9","message":{"id":"m1","content":"Hi","sender":"visitor","timestamp":"2025-01-02T03:04:05"}}`))
	}))
	defer srv.Close()

	msg, err := newClient(t, srv, 0).SendVisitorMessage(context.Background(), "w1", "v1", "", "Hi")
	require.NoError(t, err)
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "c9", msg.ConversationID)
	require.Equal(t, chat.SenderVisitor, msg.SenderType)
}

func TestSendVisitorMessageRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"db down"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, 0).SendVisitorMessage(context.Background(), "w1", "v1", "c1", "Hi")
	require.ErrorIs(t, err, fallback.ErrRejected)
	require.Contains(t, err.Error(), "db down")
}

func TestFetchVisitorConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/widget/conversation/v1", r.URL.Path)
		require.Equal(t, "w1", r.URL.Query().Get("website_id"))
		_, _ = w.Write([]byte(`{"conversationId":"c1","messages":[
			{"id":"m1","content":"hi","sender":"visitor","timestamp":"2025-01-01T00:00:00"},
			{"id":"m2","content":"hello","sender":"agent","timestamp":"2025-01-01T00:00:01"}
		]}`))
	}))
	defer srv.Close()

	conv, err := newClient(t, srv, 0).FetchVisitorConversation(context.Background(), "w1", "v1")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.Equal(t, "v1", conv.VisitorID)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "c1", conv.Messages[1].ConversationID)
	require.Equal(t, chat.SenderAgent, conv.Messages[1].SenderType)
}

func TestFetchVisitorConversationWithoutHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"conversationId":null,"messages":[]}`))
	}))
	defer srv.Close()

	conv, err := newClient(t, srv, 0).FetchVisitorConversation(context.Background(), "w1", "v1")
	require.NoError(t, err)
	require.Empty(t, conv.ID)
	require.Empty(t, conv.Messages)
}
