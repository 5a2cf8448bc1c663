package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransport indicates the underlying byte exchange failed. The core
// never retries; retry policy belongs to the orchestrating caller.
var ErrTransport = errors.New("transport: request failed")

// Kind identifies a protocol request type.
type Kind string

// Protocol request kinds, one per REST endpoint.
const (
	KindInfo       Kind = "info"
	KindServers    Kind = "servers"
	KindClients    Kind = "clients"
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindLookup     Kind = "lookup"
	KindSend       Kind = "send"
	KindPoll       Kind = "poll"
	KindAck        Kind = "ack"
)

// Request is the envelope carried to a remote node.
type Request struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Response is the envelope carried back from a remote node.
type Response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Handler processes one inbound request on the serving node.
type Handler func(ctx context.Context, req *Request) *Response

// Transport exchanges requests with remote nodes and delivers inbound
// requests to a local handler.
type Transport interface {
	// RoundTrip sends a request to the node behind endpoint and returns
	// its response. Cancellation and deadlines come from ctx.
	RoundTrip(ctx context.Context, endpoint string, req *Request) (*Response, error)

	// Serve registers the local handler under the given endpoint and
	// starts accepting inbound requests.
	Serve(endpoint string, handler Handler) error

	// Close shuts down the transport.
	Close() error
}

// NewRequest builds a request with a JSON-encoded body.
func NewRequest(kind Kind, body any) (*Request, error) {
	req := &Request{Kind: kind}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode request body: %w", err)
		}
		req.Body = encoded
	}
	return req, nil
}

// DecodeBody unmarshals the request body into v.
func (r *Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return errors.New("transport: empty request body")
	}
	return json.Unmarshal(r.Body, v)
}

// Success builds a success response with a JSON-encoded body.
func Success(body any) *Response {
	resp := &Response{Status: StatusSuccess}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Failure("encode response body: %v", err)
		}
		resp.Body = encoded
	}
	return resp
}

// Failure builds a failed response with a formatted error message.
func Failure(format string, args ...any) *Response {
	return &Response{
		Status: StatusFailed,
		Error:  fmt.Sprintf(format, args...),
	}
}

// DecodeBody unmarshals the response body into v, surfacing a remote
// failure as an error.
func (r *Response) DecodeBody(v any) error {
	if r.Status != StatusSuccess {
		return fmt.Errorf("%w: remote: %s", ErrTransport, r.Error)
	}
	if v == nil {
		return nil
	}
	if len(r.Body) == 0 {
		return errors.New("transport: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}
