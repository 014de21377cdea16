package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cordum/fimgate/core/command"
	"github.com/cordum/fimgate/core/dispatch"
	"github.com/cordum/fimgate/core/filter"
	"github.com/cordum/fimgate/core/infra/logging"
	"github.com/tidwall/pretty"
)

// statusClientClosed marks requests whose caller went away before the reply.
const statusClientClosed = 499

// evictionError means a mutation was refused because its cache group could
// not be cleared.
type evictionError struct {
	Group string
	Err   error
}

func (e *evictionError) Error() string {
	return fmt.Sprintf("cache group %s not evicted: %v", e.Group, e.Err)
}

func (e *evictionError) Unwrap() error { return e.Err }

type errorBody struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Parameter string          `json:"parameter,omitempty"`
	Expected  string          `json:"expected,omitempty"`
	Code      int64           `json:"code,omitempty"`
	ExitCode  int             `json:"exit_code,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// resourceHandler serves one declared endpoint.
func (s *server) resourceHandler(rt resourceRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logging.Debug("api-gateway", requestHostname(r.RemoteAddr)+" "+rt.Method+" "+rt.Pattern,
			"request_id", requestIDFrom(r.Context()))

		// Mutations clear the group before anything else so no cached read can
		// outlive the change, even when the request itself is rejected.
		if rt.Mode == modeMutate {
			if err := s.cache.Invalidate(r.Context(), rt.Group); err != nil {
				s.writeError(w, r, &evictionError{Group: rt.Group, Err: err})
				return
			}
			s.events.emit(newEvent(EventCacheInvalidated, rt, s.origin, ""))
		}

		cmd, err := buildCommand(rt, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if rt.Mode == modeRead {
			s.serveRead(w, r, rt, cmd)
			return
		}
		s.serveMutation(w, r, rt, cmd)
	}
}

// buildCommand validates query then path parameters and assembles the
// engine command.
func buildCommand(rt resourceRoute, r *http.Request) (command.Command, error) {
	query, err := filter.Check(filter.Query(r.URL.Query()), rt.Query)
	if err != nil {
		return command.Command{}, err
	}
	raw := filter.Map{}
	for _, f := range rt.Path {
		raw[f.Name] = r.PathValue(f.Name)
	}
	path, err := filter.Check(raw, rt.Path)
	if err != nil {
		return command.Command{}, err
	}
	b := command.New(rt.Function).Apply(query).WithPath(path)
	if rt.Broadcast {
		b.Broadcast()
	}
	return b.Build(), nil
}

func (s *server) serveRead(w http.ResponseWriter, r *http.Request, rt resourceRoute, cmd command.Command) {
	key, err := cmd.Key()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cache.Fetch(r.Context(), rt.Group, requesterOf(r), key, func(ctx context.Context) ([]byte, error) {
		return s.dispatcher.Dispatch(ctx, cmd)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeReply(w, r, res.Value)
}

func (s *server) serveMutation(w http.ResponseWriter, r *http.Request, rt resourceRoute, cmd command.Command) {
	agentID, _ := cmd.Arguments["agent_id"].(string)
	reply, err := s.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		s.events.emit(newEvent(EventMutationFailed, rt, s.origin, agentID).withStatus(errorKind(err)))
		s.writeError(w, r, err)
		return
	}
	s.events.emit(newEvent(EventMutationDispatched, rt, s.origin, agentID).withStatus("ok"))
	writeReply(w, r, reply)
}

// writeReply passes the engine reply through, indented when ?pretty is set.
func writeReply(w http.ResponseWriter, r *http.Request, body []byte) {
	if _, ok := r.URL.Query()["pretty"]; ok {
		body = pretty.Pretty(body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	body.RequestID = requestIDFrom(r.Context())
	if status == statusClientClosed {
		logging.Debug("api-gateway", "client gone before reply", "path", r.URL.Path, "request_id", body.RequestID)
		w.WriteHeader(status)
		return
	}
	if status >= http.StatusInternalServerError {
		logging.Error("api-gateway", "request failed", "path", r.URL.Path, "status", status, "request_id", body.RequestID, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorResponse(err error) (int, errorBody) {
	var (
		valErr   *filter.ValidationError
		engErr   *dispatch.EngineError
		protoErr *dispatch.ProtocolError
		evictErr *evictionError
	)
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest, errorBody{
			Error:     "invalid_parameter",
			Message:   valErr.Error(),
			Parameter: valErr.Param,
			Expected:  valErr.Expected,
		}
	case errors.As(err, &evictErr):
		return http.StatusServiceUnavailable, errorBody{Error: "cache_unavailable", Message: evictErr.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Error: "engine_timeout", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return statusClientClosed, errorBody{}
	case errors.As(err, &engErr):
		msg := engErr.Message
		if msg == "" {
			msg = engErr.Error()
		}
		return http.StatusBadGateway, errorBody{
			Error:    "engine_error",
			Message:  msg,
			Code:     engErr.Code,
			ExitCode: engErr.ExitCode,
			Reply:    engErr.Reply,
		}
	case errors.As(err, &protoErr):
		return http.StatusBadGateway, errorBody{Error: "protocol_error", Message: protoErr.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error", Message: err.Error()}
	}
}

// errorKind labels a failed mutation in events.
func errorKind(err error) string {
	status, body := errorResponse(err)
	if status == statusClientClosed {
		return "canceled"
	}
	return body.Error
}
