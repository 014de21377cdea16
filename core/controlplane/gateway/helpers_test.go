package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cordum/fimgate/core/command"
	"github.com/cordum/fimgate/core/dispatch"
	"github.com/cordum/fimgate/core/infra/cache"
	"github.com/stretchr/testify/require"
)

const okReply = `{"error":0,"data":{"totalItems":1,"items":[{"file":"/etc/passwd"}]}}`

// engineStub answers every command with a canned reply, per function when
// one is set.
type engineStub struct {
	mu       sync.Mutex
	commands []command.Command
	replies  map[string]string
	errs     map[string]error
	block    chan struct{}
}

func newEngineStub() *engineStub {
	return &engineStub{replies: map[string]string{}, errs: map[string]error{}}
}

func (e *engineStub) Name() string { return "stub" }

func (e *engineStub) Exec(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd command.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	reply, ok := e.replies[cmd.Function]
	err := e.errs[cmd.Function]
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		reply = okReply
	}
	return []byte(reply), nil
}

func (e *engineStub) setReply(function, reply string) {
	e.mu.Lock()
	e.replies[function] = reply
	e.mu.Unlock()
}

func (e *engineStub) calls(function string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.commands {
		if c.Function == function {
			n++
		}
	}
	return n
}

func (e *engineStub) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

func (e *engineStub) last() command.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.commands) == 0 {
		return command.Command{}
	}
	return e.commands[len(e.commands)-1]
}

type stubBus struct {
	mu        sync.Mutex
	published []publishedEvent
	handler   func([]byte) error
	subject   string
	queue     string
	err       error
}

type publishedEvent struct {
	subject string
	event   Event
}

func (b *stubBus) Publish(subject string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	evt, _ := payload.(Event)
	b.published = append(b.published, publishedEvent{subject: subject, event: evt})
	return nil
}

func (b *stubBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	b.mu.Lock()
	b.subject = subject
	b.queue = queue
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func (b *stubBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, p := range b.published {
		out = append(out, p.event.Type)
	}
	return out
}

// brokenStore fails every eviction.
type brokenStore struct {
	cache.Store
}

func (brokenStore) Clear(context.Context, string) (uint64, error) {
	return 0, errors.New("store offline")
}

type testServer struct {
	*server
	engine *engineStub
	coord  *cache.Coordinator
}

type serverOption func(*serverSetup)

type serverSetup struct {
	store    cache.Store
	isolated bool
	bus      EventBus
	auth     AuthProvider
	limiter  *tokenBucket
	timeout  time.Duration
}

func withStore(store cache.Store) serverOption {
	return func(s *serverSetup) { s.store = store }
}

func withIsolation() serverOption {
	return func(s *serverSetup) { s.isolated = true }
}

func withBus(b EventBus) serverOption {
	return func(s *serverSetup) { s.bus = b }
}

func withAuth(a AuthProvider) serverOption {
	return func(s *serverSetup) { s.auth = a }
}

func withLimiter(tb *tokenBucket) serverOption {
	return func(s *serverSetup) { s.limiter = tb }
}

func withEngineTimeout(d time.Duration) serverOption {
	return func(s *serverSetup) { s.timeout = d }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	setup := serverSetup{}
	for _, opt := range opts {
		opt(&setup)
	}
	if setup.store == nil {
		setup.store = cache.NewMemoryStore(time.Minute)
	}
	// Long TTL so expiry never interferes with eviction assertions.
	coord := cache.NewCoordinator(setup.store, cache.Options{TTL: time.Minute, Isolated: setup.isolated})
	t.Cleanup(func() { _ = coord.Close() })

	engine := newEngineStub()
	d, err := dispatch.New(engine, dispatch.Options{Timeout: setup.timeout})
	require.NoError(t, err)

	s := newServer(coord, d, setup.bus, setup.auth, setup.limiter, nil)
	go s.events.run()
	t.Cleanup(s.events.stop)
	return &testServer{server: s, engine: engine, coord: coord}
}

func (ts *testServer) do(t *testing.T, method, target string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
}
