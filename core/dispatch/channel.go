package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/cordum/fimgate/core/infra/logging"
)

const maxStderr = 4 << 10

// Channel carries one serialized command to the engine and returns its raw
// reply. Implementations must be safe for concurrent use.
type Channel interface {
	Name() string
	Exec(ctx context.Context, payload []byte) ([]byte, error)
}

// ExecChannel starts the engine executable once per call, writes the command
// to its stdin and reads the reply from stdout.
type ExecChannel struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

func (c *ExecChannel) Name() string { return "exec" }

// Exec runs the engine. When ctx ends first the reply is abandoned and the
// process is left to finish; it is reaped in the background.
func (c *ExecChannel) Exec(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G204 -- the engine command comes from operator config.
	cmd := exec.Command(c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &EngineError{Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, &EngineError{
					ExitCode: exitErr.ExitCode(),
					Stderr:   tail(stderr.String()),
					Err:      err,
				}
			}
			return nil, &EngineError{Err: err}
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		logging.Debug("dispatch", "engine reply abandoned", "pid", cmd.Process.Pid, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}

// Requester is the request/reply half of a message bus.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NatsChannel sends commands to an engine service listening on a NATS subject.
type NatsChannel struct {
	Bus     Requester
	Subject string
}

func (c *NatsChannel) Name() string { return "nats" }

func (c *NatsChannel) Exec(ctx context.Context, payload []byte) ([]byte, error) {
	reply, err := c.Bus.Request(ctx, c.Subject, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &EngineError{Err: err}
	}
	return reply, nil
}
