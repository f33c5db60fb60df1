package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Chat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"session_id":"s1","message_id":"m1","response":"Here is billing info",
			"timestamp":"2024-03-01T10:00:00Z","retrieval":{"similarity_score":0.8}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", OrgID: "acme"}, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{Message: "I need help with billing", SessionID: "s1", UserID: "jane@example.com", MessageID: "m1"})

	require.NoError(t, err)
	assert.Equal(t, "acme", got.OrgID)
	assert.Equal(t, "web", got.Channel)
	assert.Equal(t, "Here is billing info", resp.Response)
	s, ok := resp.Score()
	assert.True(t, ok)
	assert.InDelta(t, 0.8, s, 1e-9)
}

func TestHTTPClient_ChatWithoutScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, nil).Chat(context.Background(), ChatRequest{SessionID: "s9", Message: "x"})

	require.NoError(t, err)
	assert.Equal(t, "s9", resp.SessionID)
	_, ok := resp.Score()
	assert.False(t, ok)
}

func TestHTTPClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"session_id is required"}`))
	}))
	defer srv.Close()

	err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, nil).EndSession(context.Background(), "", "u")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, "session_id is required", statusErr.Message)
}

func TestHTTPClient_FetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/sessions", r.URL.Path)
		assert.Equal(t, "jane+1@example.com", r.URL.Query().Get("user_id"))
		_, _ = w.Write([]byte(`{"historical_chats":{"s2":[{"message_id":"m1","user_message":"hi","response":"hello","timestamp":"2024-03-01T10:00:00Z","ticket":{"escalated":true}}]}}`))
	}))
	defer srv.Close()

	history, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, nil).FetchHistory(context.Background(), "jane+1@example.com")

	require.NoError(t, err)
	require.Len(t, history["s2"], 1)
	rec := history["s2"][0]
	assert.Equal(t, "hi", rec.UserMessage)
	assert.Equal(t, "hello", rec.Response)
	require.NotNil(t, rec.Ticket)
	assert.True(t, rec.Ticket.Escalated)
}

func openAIServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIResponder_ParsesJSONAnswer(t *testing.T) {
	srv := openAIServer(t, `{"response":"Reset it from settings","confidence":0.9}`, http.StatusOK)
	r := NewOpenAIResponder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL}, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{SessionID: "s1", MessageID: "m1", Message: "how do I reset my password"})

	require.NoError(t, err)
	assert.Equal(t, "Reset it from settings", resp.Response)
	assert.Equal(t, "m1", resp.MessageID)
	s, _ := resp.Score()
	assert.InDelta(t, 0.9, s, 1e-9)
}

func TestOpenAIResponder_FallsBackOnBadJSON(t *testing.T) {
	srv := openAIServer(t, "not json", http.StatusOK)
	r := NewOpenAIResponder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL}, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "refund"})

	require.NoError(t, err)
	assert.Contains(t, resp.Response, "refund")
	s, ok := resp.Score()
	assert.True(t, ok)
	assert.Zero(t, s)
}

func TestOpenAIResponder_FallsBackOnAPIError(t *testing.T) {
	srv := openAIServer(t, "", http.StatusTooManyRequests)
	r := NewOpenAIResponder(OpenAIConfig{APIKey: "test", BaseURL: srv.URL}, nil)

	resp, err := r.Chat(context.Background(), ChatRequest{SessionID: "s1", Message: "refund"})

	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
}
