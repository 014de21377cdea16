package bus

import (
	"errors"
	"time"
)

// maxRedeliveryDelay keeps a nak'ed event inside the stream's dedupe window.
const maxRedeliveryDelay = time.Minute

// redelivery asks a durable subscription to hand the message back later
// instead of acking it.
type redelivery struct {
	err   error
	delay time.Duration
}

func (r *redelivery) Error() string {
	if r.delay > 0 {
		return "redeliver in " + r.delay.String() + ": " + r.err.Error()
	}
	return "redeliver: " + r.err.Error()
}

func (r *redelivery) Unwrap() error { return r.err }

// RetryAfter marks a handler failure as transient. The delay is clamped to
// [0, 1m]; zero redelivers immediately.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	switch {
	case delay < 0:
		delay = 0
	case delay > maxRedeliveryDelay:
		delay = maxRedeliveryDelay
	}
	return &redelivery{err: err, delay: delay}
}

// RetryDelay reports whether err asks for redelivery and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var r *redelivery
	if !errors.As(err, &r) {
		return 0, false
	}
	return r.delay, true
}
