package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamIdle is wrapped in the transport error of a stalled stream.
var ErrStreamIdle = errors.New("stream idle timeout")

// Stream delivers generated tokens as they arrive. Drain Tokens until it is
// closed, then check Err.
type Stream struct {
	tokens chan string
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	finish string
}

// Tokens yields content deltas in order. It is closed when the stream ends.
func (s *Stream) Tokens() <-chan string { return s.tokens }

// Err returns the terminal error once Tokens is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FinishReason returns the provider's finish_reason, once seen.
func (s *Stream) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish
}

// Close aborts the stream. Pending tokens are dropped.
func (s *Stream) Close() { s.cancel() }

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// StreamChat starts a streamed chat completion. HTTP-level failures are
// returned directly; failures after the first byte surface through Err.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(sctx, "/v1/chat/completions", c.chatBody(req, true))
	if err != nil {
		cancel()
		c.observe("stream", err)
		return nil, err
	}

	s := &Stream{tokens: make(chan string, 64), cancel: cancel}
	var idle atomic.Bool
	timer := time.AfterFunc(c.opts.StreamIdle, func() {
		idle.Store(true)
		cancel()
	})
	body := &idleReader{r: resp.Body, timer: timer, d: c.opts.StreamIdle}

	go func() {
		defer close(s.tokens)
		defer cancel()
		defer resp.Body.Close()
		defer timer.Stop()

		err := s.consume(sctx, body)
		switch {
		case err == nil, isLLMError(err):
		case idle.Load():
			err = &Error{Kind: KindTransport, Err: ErrStreamIdle}
		case sctx.Err() != nil:
			err = &Error{Kind: KindCanceled, Err: sctx.Err()}
		default:
			err = transportError(ctx, err)
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		c.observe("stream", err)
	}()
	return s, nil
}

func isLLMError(err error) bool {
	var le *Error
	return errors.As(err, &le)
}

// consume reads SSE events until [DONE].
func (s *Stream) consume(ctx context.Context, r io.Reader) error {
	done := false
	err := readSSE(r, func(data string) error {
		if data == "[DONE]" {
			done = true
			return errStop
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return &Error{Kind: KindMalformed, Body: truncate(data, 256), Err: fmt.Errorf("decode stream frame: %w", err)}
		}
		if f.Error != nil {
			code, _ := f.Error.Code.(string)
			kind := KindServer
			if code == "content_filter" {
				kind = KindSafety
			}
			return &Error{Kind: kind, Code: code, Body: f.Error.Message}
		}
		if len(f.Choices) == 0 {
			return nil
		}
		ch := f.Choices[0]
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			s.mu.Lock()
			s.finish = *ch.FinishReason
			s.mu.Unlock()
			if *ch.FinishReason == "content_filter" {
				return &Error{Kind: KindSafety, Code: "content_filter", Err: errors.New("generation stopped by content filter")}
			}
		}
		if ch.Delta.Content == nil || *ch.Delta.Content == "" {
			return nil
		}
		select {
		case s.tokens <- *ch.Delta.Content:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if errors.Is(err, errStop) {
		return nil
	}
	if err != nil {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if !done && s.FinishReason() == "" {
		return &Error{Kind: KindTransport, Err: io.ErrUnexpectedEOF}
	}
	return nil
}

var errStop = errors.New("stop")

// readSSE calls onData with the joined data lines of each event. Comments and
// event names are ignored.
func readSSE(r io.Reader, onData func(data string) error) error {
	br := bufio.NewReader(r)
	var lines []string
	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.Join(lines, "\n")
		lines = lines[:0]
		return onData(data)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if eof {
			return flush()
		}
	}
}

// idleReader pushes the idle deadline forward on every successful read.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.d)
	}
	return n, err
}
