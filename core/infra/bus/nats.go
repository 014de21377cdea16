package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cordum/fimgate/core/infra/logging"
	"github.com/cordum/fimgate/core/infra/tlsutil"
	"github.com/nats-io/nats.go"
)

// NatsBus wraps a NATS connection that carries JSON events and engine
// request/reply traffic.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration

	// ephemeral holds fan-out JetStream subscriptions; Close removes their
	// consumers.
	subsMu    sync.Mutex
	ephemeral []*nats.Subscription
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"
	envTLSPrefix    = "FIMGATE_NATS"

	defaultAckWait = 30 * time.Second
	defaultMaxAge  = 24 * time.Hour

	// ephemeralInactive is how long the server keeps a fan-out consumer
	// after its subscriber disappears without unsubscribing.
	ephemeralInactive = 5 * time.Minute

	// EventSubjectPrefix scopes gateway events; the cache group follows it.
	EventSubjectPrefix = "fimgate.events."
	streamEvents       = "FIMGATE_EVENTS"
)

var (
	errNilBus      = errors.New("nats bus not initialized")
	errNilPayload  = errors.New("nil bus payload")
	errEmptyTopic  = errors.New("empty subject")
	errNilHandler  = errors.New("nil handler")
	errEmptyRecord = errors.New("empty request payload")
)

// Identified payloads supply a JetStream dedupe id.
type Identified interface {
	MessageID() string
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("fimgate-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	tlsCfg, err := tlsutil.FromEnv(envTLSPrefix).Apply(nil)
	if err != nil {
		return nil, fmt.Errorf("nats %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close removes ephemeral consumers and shuts down the NATS connection.
// Durable queue consumers are shared with other instances and survive.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.subsMu.Lock()
	subs := b.ephemeral
	b.ephemeral = nil
	b.subsMu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logging.Debug("bus", "unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	b.nc.Close()
}

// EventSubject returns the subject events for a cache group travel on.
func EventSubject(group string) string {
	group = strings.TrimSpace(group)
	if group == "" {
		return ""
	}
	return EventSubjectPrefix + group
}

// Publish JSON-encodes payload onto subject. Event subjects go through
// JetStream when it is enabled.
func (b *NatsBus) Publish(subject string, payload any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if payload == nil {
		return errNilPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode bus payload: %w", err)
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := messageID(payload); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe delivers raw message bodies to handler. With JetStream, durable
// subjects are acked on success and nak'ed when handler returns a
// RetryAfter error. A queue group shares one durable consumer; without a
// queue every subscriber gets its own ephemeral consumer.
func (b *NatsBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errNilHandler
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			settle(msg, handler(msg.Data))
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.DeliverNew(),
		}
		durable := durableName(subject, queue)
		if durable == "" {
			sub, err := b.js.Subscribe(subject, cb, append(opts, nats.InactiveThreshold(ephemeralInactive))...)
			if err != nil {
				return err
			}
			b.subsMu.Lock()
			b.ephemeral = append(b.ephemeral, sub)
			b.subsMu.Unlock()
			return nil
		}
		_, err := b.js.QueueSubscribe(subject, queue, cb, append(opts, nats.Durable(durable))...)
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Warn("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// Request sends data and waits for exactly one reply, bounded by ctx.
func (b *NatsBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if subject == "" {
		return nil, errEmptyTopic
	}
	if len(data) == 0 {
		return nil, errEmptyRecord
	}
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return msg.Data, nil
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

// settle acks or naks a JetStream message from the handler outcome.
func settle(msg interface {
	Ack(...nats.AckOpt) error
	Nak(...nats.AckOpt) error
	NakWithDelay(time.Duration, ...nats.AckOpt) error
}, err error) {
	if err == nil {
		_ = msg.Ack()
		return
	}
	if delay, ok := RetryDelay(err); ok {
		if delay > 0 {
			_ = msg.NakWithDelay(delay)
		} else {
			_ = msg.Nak()
		}
		return
	}
	logging.Warn("bus", "handler error (ack)", "error", err)
	_ = msg.Ack()
}

func initJetStreamEnabled() bool {
	return tlsutil.ParseBool(os.Getenv(envUseJetStream))
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait, "max_age", maxAge)
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, EventSubjectPrefix)
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	q := clean(queue)
	if name == "" || q == "" {
		return ""
	}
	return "dur_" + q + "__" + name
}

func messageID(payload any) string {
	id, ok := payload.(Identified)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id.MessageID())
}
