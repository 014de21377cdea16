package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeAckMsg struct {
	acked    int
	naked    int
	nakDelay time.Duration
}

func (m *fakeAckMsg) Ack(...nats.AckOpt) error { m.acked++; return nil }
func (m *fakeAckMsg) Nak(...nats.AckOpt) error { m.naked++; return nil }
func (m *fakeAckMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.naked++
	m.nakDelay = d
	return nil
}

type idPayload struct{ ID string }

func (p idPayload) MessageID() string { return p.ID }

func TestEventSubject(t *testing.T) {
	if EventSubject("  ") != "" {
		t.Fatalf("expected empty subject")
	}
	if EventSubject("syscheck") != "fimgate.events.syscheck" {
		t.Fatalf("unexpected event subject")
	}
}

func TestInitJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !initJetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		"fimgate.events.syscheck": true,
		"fimgate.events.>":        true,
		"fimgate.engine.requests": false,
		"sys.ping":                false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName("fimgate.events.>", ""); got != "" {
		t.Fatalf("fan-out subscription should be ephemeral, got durable %s", got)
	}
	if got := durableName("fimgate.events.>", "  "); got != "" {
		t.Fatalf("blank queue should be ephemeral, got durable %s", got)
	}
	if got := durableName("fimgate.events.*", "gw"); got != "dur_gw__fimgate_events_STAR" {
		t.Fatalf("unexpected queued durable name: %s", got)
	}
}

func TestMessageID(t *testing.T) {
	if got := messageID(idPayload{ID: " evt-1 "}); got != "evt-1" {
		t.Fatalf("unexpected msg id %q", got)
	}
	if got := messageID(map[string]string{"id": "x"}); got != "" {
		t.Fatalf("expected no msg id for plain payload, got %q", got)
	}
}

func TestSettle(t *testing.T) {
	ok := &fakeAckMsg{}
	settle(ok, nil)
	if ok.acked != 1 || ok.naked != 0 {
		t.Fatalf("expected ack on success: %+v", ok)
	}

	retry := &fakeAckMsg{}
	settle(retry, RetryAfter(errors.New("cache down"), time.Second))
	if retry.naked != 1 || retry.nakDelay != time.Second {
		t.Fatalf("expected delayed nak: %+v", retry)
	}

	immediate := &fakeAckMsg{}
	settle(immediate, RetryAfter(errors.New("cache down"), 0))
	if immediate.naked != 1 || immediate.nakDelay != 0 {
		t.Fatalf("expected plain nak: %+v", immediate)
	}

	poison := &fakeAckMsg{}
	settle(poison, errors.New("bad json"))
	if poison.acked != 1 || poison.naked != 0 {
		t.Fatalf("expected ack for non-retryable error: %+v", poison)
	}
}

func TestNilBusOperations(t *testing.T) {
	var b *NatsBus
	if err := b.Publish("fimgate.events.syscheck", idPayload{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if err := b.Subscribe("fimgate.events.>", "", func([]byte) error { return nil }); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if _, err := b.Request(context.Background(), "fimgate.engine.requests", []byte("{}")); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if b.IsConnected() || b.Status() != "UNKNOWN" || b.ConnectedURL() != "" {
		t.Fatalf("unexpected nil bus state")
	}
	b.Close()
}

func TestEnvDuration(t *testing.T) {
	t.Setenv(envJSAckWait, "")
	if envDuration(envJSAckWait, time.Second) != time.Second {
		t.Fatalf("expected fallback")
	}
	t.Setenv(envJSAckWait, "5s")
	if envDuration(envJSAckWait, time.Second) != 5*time.Second {
		t.Fatalf("expected parsed duration")
	}
	t.Setenv(envJSAckWait, "-5s")
	if envDuration(envJSAckWait, time.Second) != time.Second {
		t.Fatalf("expected fallback for negative duration")
	}
}

func TestNewNatsBusUnreachable(t *testing.T) {
	if _, err := NewNatsBus("nats://127.0.0.1:1"); err == nil {
		t.Fatalf("expected connect error")
	}
}
