package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/selah/internal/grounding"
	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/orchestrator"
	"github.com/rcliao/selah/internal/store"
)

type stream struct{ ch chan string }

func (s stream) Tokens() <-chan string { return s.ch }
func (s stream) Err() error            { return nil }
func (s stream) Close()                {}

type completer struct{ tokens []string }

func (c completer) Stream(context.Context, llm.ChatRequest) (orchestrator.TokenStream, error) {
	ch := make(chan string, len(c.tokens))
	for _, t := range c.tokens {
		ch <- t
	}
	close(ch)
	return stream{ch}, nil
}

func (c completer) Complete(context.Context, llm.ChatRequest) (string, error) {
	return "What is agape love?\nWho wrote John?\nWhat is eternal life?", nil
}

func newServer(t *testing.T) *Server {
	t.Helper()
	kv := store.NewMemStore()
	src := grounding.NewStaticSource()
	src.AddVerse("KJV", "JHN", 3, 16, "For God so loved the world")
	repo := grounding.New(src, zerolog.Nop(), grounding.Options{})
	mem := memory.New(kv, nil, zerolog.Nop(), memory.Options{})
	o := orchestrator.New(orchestrator.Deps{
		Completer:     completer{tokens: []string{"John 3:16 ", "is about love."}},
		Grounding:     repo,
		Memory:        mem,
		Conversations: orchestrator.NewConversationStore(kv, nil),
		Settings:      orchestrator.NewSettings(kv, 0, nil),
		Log:           zerolog.Nop(),
	})
	t.Cleanup(o.Close)
	return New(Deps{Orchestrator: o, Grounding: repo, Memory: mem, Log: zerolog.Nop()})
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAskJSON(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/ask", `{"conversation_id":"c1","text":"What does John 3:16 mean?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, "John 3:16 is about love.", res.Text)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, model.StatusVerified, res.Citations[0].Status)
	assert.Len(t, res.FollowUps, 3)

	rec = do(t, s, http.MethodGet, "/v1/conversations/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Len(t, conv.Messages, 2)
}

func TestAskStream(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/ask", `{"text":"What does John 3:16 mean?"}`, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: state\ndata: {\"state\":\"preflight\"}")
	assert.Contains(t, body, "event: token\ndata: {\"text\":\"John 3:16 \"}")
	assert.Contains(t, body, "event: done\ndata: ")
	assert.Less(t, strings.Index(body, "event: token"), strings.Index(body, "event: done"))
}

func TestAskValidation(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/ask", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/ask", `{"text":"hi","mood":"sad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAskIntervention(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/ask", `{"text":"I want to end my life"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, orchestrator.StatusIntervention, res.Status)
	assert.Contains(t, res.Text, "988")
}

func TestReferences(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/v1/references?q=John+3:16+and+Psalm+151", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []struct {
		Canonical string `json:"canonical"`
		Valid     bool   `json:"valid"`
		Error     string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "John 3:16", items[0].Canonical)
	assert.True(t, items[0].Valid)
	assert.False(t, items[1].Valid)
	assert.Contains(t, items[1].Error, "150 chapters")
}

func TestPassage(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/v1/passages?ref=John+3:16&translation=kjv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c model.Citation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, model.StatusVerified, c.Status)
	assert.Equal(t, "For God so loved the world", c.Text())

	rec = do(t, s, http.MethodGet, "/v1/passages?ref=nothing", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/safety/classify", `{"text":"I want to kill myself"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Category     string `json:"category"`
		Intervention bool   `json:"intervention"`
		Response     string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "self_harm", resp.Category)
	assert.True(t, resp.Intervention)
	assert.NotEmpty(t, resp.Response)
}

func TestPreferences(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPut, "/v1/preferences", `{"tone":"sarcastic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/v1/preferences", `{"memory_enabled":false,"tone":"concise","translation":"web"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p model.Preferences
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "WEB", p.Translation)
	assert.False(t, p.MemoryEnabled)
}

func TestMemories(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/v1/memories", `{"type":"fact","content":"Leads a small group on Tuesdays"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m model.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.NotEmpty(t, m.ID)

	rec = do(t, s, http.MethodGet, "/v1/memories?q=small+group", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var mems []model.Memory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mems))
	assert.Len(t, mems, 1)

	rec = do(t, s, http.MethodDelete, "/v1/memories/"+m.ID+"?purge=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodDelete, "/v1/memories/"+m.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
