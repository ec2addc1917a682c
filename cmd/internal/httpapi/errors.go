package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies every failure the pipeline can surface.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindUnknown    Kind = "unknown"
)

// Codes set by the pipeline itself. Server-provided codes pass through.
const (
	CodeSessionExpired = "session_expired"
	CodeTimeout        = "timeout"
	CodeUnreachable    = "unreachable"
	CodeCanceled       = "canceled"
	CodeBadRequest     = "bad_request"
)

// Error is the one error type returned by Client.
type Error struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
	// Fields holds field-level validation messages keyed by field name.
	Fields     map[string][]string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is. A sentinel matches any *Error of the same Kind
// (and Code, when the sentinel sets one).
var (
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrPermission     = &Error{Kind: KindPermission}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrRateLimit      = &Error{Kind: KindRateLimit}
	ErrServer         = &Error{Kind: KindServer}
	ErrUnknown        = &Error{Kind: KindUnknown}
	ErrSessionExpired = &Error{Kind: KindAuth, Code: CodeSessionExpired}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("httpapi: ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// UserMessage is safe to show to an end user regardless of Code.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNetwork:
		if e.Code == CodeTimeout {
			return "The server took too long to respond. Please try again."
		}
		return "Can't reach the server. Check your connection and try again."
	case KindValidation:
		if e.Message != "" {
			return e.Message
		}
		return "Some of the information you entered isn't valid."
	case KindAuth:
		if e.Code == CodeSessionExpired {
			return "Your session has expired. Please sign in again."
		}
		return "You need to sign in to continue."
	case KindPermission:
		return "You don't have permission to do that."
	case KindNotFound:
		return "We couldn't find what you were looking for."
	case KindConflict:
		return "This item was changed by someone else. Refresh and try again."
	case KindRateLimit:
		return "Too many requests. Please wait a moment and try again."
	case KindServer:
		return "Something went wrong on our end. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}

// KindForStatus maps an HTTP status to its Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500 && status <= 599:
		return KindServer
	default:
		return KindUnknown
	}
}

// RetryableStatus reports whether status is in the retryable set.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type apiError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// fromResponse builds an Error from a non-2xx response. body may be nil.
func fromResponse(status int, header http.Header, body []byte, now time.Time) *Error {
	e := &Error{
		Kind:      KindForStatus(status),
		Status:    status,
		Retryable: RetryableStatus(status),
	}
	if len(body) > 0 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			e.Code = er.Error.Code
			e.Message = er.Error.Message
			e.Fields = er.Error.Fields
		}
	}
	if e.Code == "" {
		e.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	if e.Retryable {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Invalid or past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// fromTransport normalizes a transport failure. parent is the caller's
// context; an attempt timeout is retryable, the caller giving up is not.
func fromTransport(parent context.Context, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if perr := parent.Err(); perr != nil {
		return &Error{Kind: KindNetwork, Code: CodeCanceled, Message: "request canceled", Err: perr}
	}

	code := CodeUnreachable
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		code = CodeTimeout
	}
	return &Error{Kind: KindNetwork, Code: code, Retryable: true, Err: err}
}
