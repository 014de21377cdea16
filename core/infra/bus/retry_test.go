package bus

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	cause := errors.New("cache down")
	err := RetryAfter(cause, 2*time.Second)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if !strings.Contains(err.Error(), "redeliver in 2s") {
		t.Fatalf("unexpected error string: %s", err)
	}
	delay, ok := RetryDelay(fmt.Errorf("handler: %w", err))
	if !ok || delay != 2*time.Second {
		t.Fatalf("expected wrapped delay 2s, got %v %v", delay, ok)
	}
}

func TestRetryDelayPlainError(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("plain errors are not redelivered")
	}
	if _, ok := RetryDelay(nil); ok {
		t.Fatalf("nil is not redelivered")
	}
}

func TestRetryAfterClamps(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{-5 * time.Second, 0},
		{0, 0},
		{time.Hour, maxRedeliveryDelay},
	}
	for _, tc := range cases {
		delay, ok := RetryDelay(RetryAfter(nil, tc.in))
		if !ok || delay != tc.want {
			t.Fatalf("RetryAfter(%v): got %v, want %v", tc.in, delay, tc.want)
		}
	}
	if !strings.Contains(RetryAfter(nil, 0).Error(), "redelivery requested") {
		t.Fatalf("expected default cause")
	}
}
