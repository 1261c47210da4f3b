// Package llm talks to an OpenAI-compatible completion provider: streamed chat,
// one-shot completions, embeddings and moderation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/metrics"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	EmbedModel      string
	EmbedDims       int
	ModerationModel string

	DialTimeout   time.Duration
	HeaderTimeout time.Duration
	StreamIdle    time.Duration
}

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a chat completion call. Model defaults to Options.ChatModel.
type ChatRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// Client is safe for concurrent use.
type Client struct {
	opts Options
	http *http.Client
	log  zerolog.Logger
}

// New builds a client. The HTTP client has no overall timeout; streams are
// bounded by the idle timeout instead.
func New(opts Options, log zerolog.Logger) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = 45 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		opts: opts,
		http: &http.Client{Transport: transport},
		log:  log,
	}
}

type chatBody struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	Stream              bool      `json:"stream,omitempty"`
}

func (c *Client) chatBody(req ChatRequest, stream bool) chatBody {
	model := req.Model
	if model == "" {
		model = c.opts.ChatModel
	}
	return chatBody{Model: model, Messages: req.Messages, MaxCompletionTokens: req.MaxTokens, Stream: stream}
}

// post sends a JSON body and returns the open response on 2xx. The caller
// closes the body.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, &buf)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, classifyHTTP(resp, raw)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		c.observe(op, err)
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		le := &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s response: %w", op, err)}
		if ctx.Err() != nil {
			le = transportError(ctx, ctx.Err())
		}
		c.observe(op, le)
		return le
	}
	return nil
}

func (c *Client) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.LLMCalls.WithLabelValues(op, outcome).Inc()
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete runs a non-streaming chat completion and returns the text.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	var out completionResponse
	if err := c.postJSON(ctx, "complete", "/v1/chat/completions", c.chatBody(req, false), &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		err := &Error{Kind: KindMissingField, Err: fmt.Errorf("response has no choices[0].message.content")}
		c.observe("complete", err)
		return "", err
	}
	if out.Choices[0].FinishReason == "content_filter" {
		err := &Error{Kind: KindSafety, Code: "content_filter", Err: fmt.Errorf("completion was filtered")}
		c.observe("complete", err)
		return "", err
	}
	c.observe("complete", nil)
	return *out.Choices[0].Message.Content, nil
}

type embeddingsBody struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order regardless of the order
// the provider lists them.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	clean := make([]string, len(inputs))
	for i, s := range inputs {
		if s = strings.TrimSpace(s); s == "" {
			s = " "
		}
		clean[i] = s
	}

	var out embeddingsResponse
	body := embeddingsBody{Model: c.opts.EmbedModel, Input: clean, Dimensions: c.opts.EmbedDims}
	if err := c.postJSON(ctx, "embed", "/v1/embeddings", body, &out); err != nil {
		return nil, err
	}

	data := out.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	if len(data) != len(clean) {
		err := &Error{Kind: KindMissingField, Err: fmt.Errorf("requested %d embeddings, got %d", len(clean), len(data))}
		c.observe("embed", err)
		return nil, err
	}
	vecs := make([][]float32, len(data))
	for i, d := range data {
		if d.Index != i || len(d.Embedding) == 0 {
			err := &Error{Kind: KindMissingField, Err: fmt.Errorf("embedding %d missing", i)}
			c.observe("embed", err)
			return nil, err
		}
		vecs[i] = d.Embedding
	}
	c.observe("embed", nil)
	return vecs, nil
}

// Dims reports the configured embedding dimensionality.
func (c *Client) Dims() int { return c.opts.EmbedDims }

// Moderation is the provider's verdict on a piece of text.
type Moderation struct {
	Flagged    bool            `json:"flagged"`
	Categories map[string]bool `json:"categories"`
}

// FlaggedCategories lists the provider categories set to true, sorted.
func (m Moderation) FlaggedCategories() []string {
	var out []string
	for k, v := range m.Categories {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type moderationBody struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

// Moderate classifies text with the provider's moderation endpoint.
func (c *Client) Moderate(ctx context.Context, text string) (Moderation, error) {
	var out struct {
		Results []Moderation `json:"results"`
	}
	if err := c.postJSON(ctx, "moderate", "/v1/moderations", moderationBody{Model: c.opts.ModerationModel, Input: text}, &out); err != nil {
		return Moderation{}, err
	}
	if len(out.Results) == 0 {
		err := &Error{Kind: KindMissingField, Err: fmt.Errorf("moderation response has no results")}
		c.observe("moderate", err)
		return Moderation{}, err
	}
	c.observe("moderate", nil)
	return out.Results[0], nil
}
