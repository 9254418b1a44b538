package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

func newService(t *testing.T, h http.HandlerFunc) *LLMService {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewLLMService(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	return s
}

func TestNewLLMService_RequiresKey(t *testing.T) {
	_, err := NewLLMService(Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestChat_SystemPromptHoisted(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rules", req.System)
		assert.Len(t, req.Messages, 1)
		assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
		_, _ = w.Write([]byte(`{"model":"claude-x","content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}]}`))
	})

	resp, err := s.Chat(context.Background(), []driven.ChatMessage{
		{Role: driven.RoleSystem, Content: "rules"},
		{Role: driven.RoleUser, Content: "hello"},
	}, driven.ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, "claude-x", resp.Model)
}

func TestChat_StatusErrors(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	})
	_, err := s.Chat(context.Background(), []driven.ChatMessage{{Role: "user", Content: "x"}}, driven.ChatOptions{})
	assert.ErrorIs(t, err, domain.ErrLLMUnavailable)

	s = newService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err = s.Chat(context.Background(), []driven.ChatMessage{{Role: "user", Content: "x"}}, driven.ChatOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrLLMUnavailable)
}

func writeEvent(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func TestChatStream(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", `{"type":"message_start","message":{"model":"claude-y"}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Bon"}}`)
		writeEvent(w, "ping", `{"type":"ping"}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"jour"}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
	})

	var deltas []string
	resp, err := s.ChatStream(context.Background(), []driven.ChatMessage{{Role: "user", Content: "x"}}, driven.ChatOptions{},
		func(d string) error {
			deltas = append(deltas, d)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bon", "jour"}, deltas)
	assert.Equal(t, "Bonjour", resp.Text)
	assert.Equal(t, "claude-y", resp.Model)
}

func TestChatStream_ErrorEventKeepsPartial(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"half"}}`)
		writeEvent(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	})

	resp, err := s.ChatStream(context.Background(), []driven.ChatMessage{{Role: "user", Content: "x"}}, driven.ChatOptions{}, nil)
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
	assert.Equal(t, "half", resp.Text)
}

func TestChatStream_EndsEarly(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"cut"}}`)
	})

	resp, err := s.ChatStream(context.Background(), []driven.ChatMessage{{Role: "user", Content: "x"}}, driven.ChatOptions{}, nil)
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
	assert.Equal(t, "cut", resp.Text)
}

func TestListModels(t *testing.T) {
	s := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"claude-b"},{"id":"claude-a"}]}`))
	})

	models, err := s.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-a", "claude-b"}, models)
	assert.NoError(t, s.Ping(context.Background()))
}
