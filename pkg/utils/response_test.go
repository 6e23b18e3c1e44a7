package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusUnauthorized, "invalid token")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, ErrorBody{Error: "invalid token", Status: http.StatusUnauthorized}, body)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Content string `json:"content"`
	}

	var ok payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, DecodeJSON(req, &ok))
	require.Equal(t, "hi", ok.Content)

	for _, body := range []string{`{"content":"hi","extra":1}`, `{"content":"a"}{"content":"b"}`, `not json`} {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		require.Error(t, DecodeJSON(req, &p), body)
	}
}
