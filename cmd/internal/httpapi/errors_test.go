package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{400, KindValidation, false},
		{422, KindValidation, false},
		{401, KindAuth, false},
		{403, KindPermission, false},
		{404, KindNotFound, false},
		{409, KindConflict, false},
		{429, KindRateLimit, true},
		{500, KindServer, true},
		{501, KindServer, false},
		{502, KindServer, true},
		{503, KindServer, true},
		{504, KindServer, true},
		{418, KindUnknown, false},
	}
	for _, tc := range cases {
		if got := KindForStatus(tc.status); got != tc.kind {
			t.Fatalf("KindForStatus(%d)=%v want=%v", tc.status, got, tc.kind)
		}
		if got := RetryableStatus(tc.status); got != tc.retryable {
			t.Fatalf("RetryableStatus(%d)=%v want=%v", tc.status, got, tc.retryable)
		}
	}
}

func TestFromResponse_DefaultsCodeAndUserMessage(t *testing.T) {
	t.Parallel()

	e := fromResponse(http.StatusForbidden, http.Header{}, []byte("not json"), time.Now())
	if e.Kind != KindPermission || e.Code != "forbidden" {
		t.Fatalf("error=%+v", e)
	}
	if e.UserMessage() == "" || e.UserMessage() == e.Code {
		t.Fatalf("user message should be human readable, got %q", e.UserMessage())
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestError_IsMatchesKindAndCode(t *testing.T) {
	t.Parallel()

	expired := &Error{Kind: KindAuth, Code: CodeSessionExpired}
	plainAuth := &Error{Kind: KindAuth, Code: "unauthorized", Status: 401}

	wrapped := fmt.Errorf("load tasks: %w", expired)
	if !errors.Is(wrapped, ErrSessionExpired) || !errors.Is(wrapped, ErrAuth) {
		t.Fatalf("session expired should match both sentinels")
	}
	if errors.Is(plainAuth, ErrSessionExpired) {
		t.Fatalf("plain auth error must not match session expired")
	}
	if errors.Is(plainAuth, ErrServer) {
		t.Fatalf("kind mismatch must not match")
	}
}

func TestFromTransport_CallerCancelIsNotRetryable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := fromTransport(ctx, context.Canceled)
	if e.Code != CodeCanceled || e.Retryable {
		t.Fatalf("error=%+v", e)
	}

	e = fromTransport(context.Background(), context.DeadlineExceeded)
	if e.Code != CodeTimeout || !e.Retryable {
		t.Fatalf("error=%+v", e)
	}
}
