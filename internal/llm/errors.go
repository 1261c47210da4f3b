package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure for retry and user messaging.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindRateLimit      Kind = "rate_limit"
	KindAuth           Kind = "auth"
	KindServer         Kind = "server"
	KindInvalidRequest Kind = "invalid_request"
	KindMalformed      Kind = "malformed"
	KindSafety         Kind = "safety"
	KindUsageExceeded  Kind = "usage_exceeded"
	KindMissingField   Kind = "missing_field"
	KindCanceled       Kind = "canceled"
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no HTTP response was received
	Code       string // provider error code, if any
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("llm ")
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	} else if e.Body != "" {
		b.WriteString(": " + e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// classifyHTTP maps a non-2xx response to an *Error. 4xx other than 408 and
// 429 are terminal; 5xx are server errors.
func classifyHTTP(resp *http.Response, body []byte) *Error {
	e := &Error{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}

	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error.Message != "" {
			e.Body = parsed.Error.Message
		}
		switch c := parsed.Error.Code.(type) {
		case string:
			e.Code = c
		case float64:
			e.Code = strconv.Itoa(int(c))
		}
		if e.Code == "" {
			e.Code = parsed.Error.Type
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		if e.Code == "insufficient_quota" {
			e.Kind = KindUsageExceeded
		}
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusRequestTimeout:
		e.Kind = KindTransport
	case resp.StatusCode >= 500:
		e.Kind = KindServer
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case e.Code == "content_filter" || e.Code == "content_policy_violation":
		e.Kind = KindSafety
	default:
		e.Kind = KindInvalidRequest
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// transportError wraps a failure to talk to the provider. A done caller
// context becomes KindCanceled; per-call timeouts stay KindTransport.
func transportError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
