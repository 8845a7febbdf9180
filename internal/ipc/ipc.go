// Package ipc provides request/response calls between processes built
// entirely on presence pub/sub: the caller publishes a request on a topic
// owned by the target process, the target invokes the named method and
// publishes the result (or error) on a per-request reply topic.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/arena/internal/presence"
)

// ErrTimeout is returned when no reply arrives within the configured window.
// It is distinguishable from a remote application error.
var ErrTimeout = errors.New("ipc_timeout")

// RemoteError carries the message of an error raised by the remote method.
// The message text is forwarded verbatim; the remote stack is not.
type RemoteError struct {
	Message string
}

// Error returns the remote error message.
func (e *RemoteError) Error() string { return e.Message }

const (
	statusSuccess = "success"
	statusError   = "error"
)

type request struct {
	RequestID string `json:"requestId"`
	Method    string `json:"method,omitempty"`
	Args      []any  `json:"args,omitempty"`
}

type response struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Payload   any    `json:"payload,omitempty"`
}

// Handler serves one inbound call. method may be empty for pass-through
// calls; args arrive JSON-decoded (numbers as float64, objects as maps).
// The returned value must be JSON-serializable.
type Handler func(method string, args []any) (any, error)

// Request invokes a method on whichever process subscribes to topic, waiting
// up to timeout for the reply. The result value has passed through a JSON
// round trip: only plain data survives.
//
// Postcondition: Exactly one of (result, error) is produced per call, and the
// per-request reply subscription is released on every path, including timeout.
func Request(ctx context.Context, p presence.Presence, topic, method string, args []any, timeout time.Duration) (any, error) {
	requestID := uuid.NewString()
	replyTopic := "ipc:" + requestID

	replyCh := make(chan response, 1)
	sub, err := p.Subscribe(ctx, replyTopic, func(data []byte) {
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		select {
		case replyCh <- resp:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to reply topic: %w", err)
	}
	defer sub.Unsubscribe()

	req := request{RequestID: requestID, Method: method, Args: args}
	if err := p.Publish(ctx, topic, req); err != nil {
		return nil, fmt.Errorf("publishing request to %q: %w", topic, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		if resp.Status == statusError {
			msg, _ := resp.Payload.(string)
			return nil, &RemoteError{Message: msg}
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve subscribes h to inbound calls on topic. Errors (and panics) raised by
// h travel back to the caller on the error path of the same request/reply
// correlation as successful results.
//
// Postcondition: Returns the topic subscription; unsubscribing it stops serving.
func Serve(ctx context.Context, p presence.Presence, topic string, h Handler) (presence.Subscription, error) {
	return p.Subscribe(ctx, topic, func(data []byte) {
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}

		result, err := invoke(h, req.Method, req.Args)

		resp := response{RequestID: req.RequestID, Status: statusSuccess, Payload: result}
		if err != nil {
			resp.Status = statusError
			resp.Payload = err.Error()
		}
		_ = p.Publish(ctx, "ipc:"+req.RequestID, resp)
	})
}

// invoke shields the serving goroutine from panicking handlers.
func invoke(h Handler, method string, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return h(method, args)
}
