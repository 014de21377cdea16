// Package dispatch sends built commands to the control engine and classifies
// its replies.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/fimgate/core/command"
	"github.com/cordum/fimgate/core/infra/metrics"
	"github.com/cordum/fimgate/core/infra/schema"
	"github.com/tidwall/gjson"
)

// Reply is a successful engine answer, passed to clients unmodified.
type Reply []byte

// Options tunes a Dispatcher.
type Options struct {
	// Timeout bounds each engine call. Zero waits for as long as the caller does.
	Timeout time.Duration
	// MaxConcurrency caps running engine calls. Zero means unbounded.
	MaxConcurrency int
	Metrics        metrics.EngineMetrics
}

// Dispatcher performs one request and one reply per call. It never retries
// and never merges identical commands.
type Dispatcher struct {
	channel  Channel
	timeout  time.Duration
	sem      chan struct{}
	envelope *schema.Validator
	metrics  metrics.EngineMetrics
}

// New builds a dispatcher over channel.
func New(channel Channel, opts Options) (*Dispatcher, error) {
	if channel == nil {
		return nil, errors.New("dispatch: nil channel")
	}
	envelope, err := schema.EngineReply()
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	d := &Dispatcher{
		channel:  channel,
		timeout:  opts.Timeout,
		envelope: envelope,
		metrics:  opts.Metrics,
	}
	if opts.MaxConcurrency > 0 {
		d.sem = make(chan struct{}, opts.MaxConcurrency)
	}
	return d, nil
}

// Channel names the transport in use.
func (d *Dispatcher) Channel() string { return d.channel.Name() }

// Dispatch sends cmd and waits for its reply.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (Reply, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Function, err)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := d.roundTrip(ctx, cmd.Function, payload)
	d.metrics.ObserveDispatch(cmd.Function, outcome(err), time.Since(start).Seconds())
	return reply, err
}

func (d *Dispatcher) roundTrip(ctx context.Context, function string, payload []byte) (Reply, error) {
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("dispatch %s: %w", function, ctx.Err())
		}
	}
	d.metrics.AddInFlight(1)
	defer d.metrics.AddInFlight(-1)

	out, err := d.channel.Exec(ctx, payload)
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			engErr.Function = function
			return nil, engErr
		}
		return nil, fmt.Errorf("dispatch %s: %w", function, err)
	}
	return d.classify(function, out)
}

func (d *Dispatcher) classify(function string, out []byte) (Reply, error) {
	body := bytes.TrimSpace(out)
	if len(body) == 0 {
		return nil, &ProtocolError{Function: function, Reason: "empty reply"}
	}
	if !gjson.ValidBytes(body) {
		return nil, &ProtocolError{Function: function, Reason: "reply is not a single JSON value"}
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, &ProtocolError{Function: function, Reason: "reply is not a JSON object"}
	}
	if err := d.envelope.Validate(json.RawMessage(body)); err != nil {
		return nil, &ProtocolError{Function: function, Reason: "malformed reply envelope", Err: err}
	}
	if code := parsed.Get("error").Int(); code != 0 {
		return nil, &EngineError{
			Function: function,
			Code:     code,
			Message:  parsed.Get("message").String(),
			Reply:    json.RawMessage(body),
		}
	}
	return Reply(body), nil
}

func outcome(err error) string {
	var engErr *EngineError
	var protoErr *ProtocolError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &engErr):
		return "engine_error"
	case errors.As(err, &protoErr):
		return "protocol_error"
	default:
		return "error"
	}
}
