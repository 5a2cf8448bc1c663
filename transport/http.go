package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// apiPrefix is the REST path prefix; the request kind is the final path
// element, e.g. POST /api/v1/lookup.
const apiPrefix = "/api/v1/"

// maxRequestBody bounds inbound request bodies.
const maxRequestBody = 4 * 1024 * 1024

// HTTPTransport binds the protocol to HTTP. Endpoints are base URLs such
// as "http://host:port"; every request is a POST of the JSON request
// envelope to /api/v1/<kind>.
type HTTPTransport struct {
	client   *http.Client
	server   *http.Server
	listener net.Listener
}

// NewHTTPTransport creates an HTTP transport with sane client timeouts.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// RoundTrip posts the request to the remote node and decodes its
// response envelope.
func (t *HTTPTransport) RoundTrip(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrTransport, err)
	}

	url := strings.TrimSuffix(endpoint, "/") + apiPrefix + string(req.Kind)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: remote returned HTTP %d", ErrTransport, httpResp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}

	return &resp, nil
}

// Serve listens on the address part of the endpoint and dispatches
// inbound API requests to the handler. It returns once the listener is
// accepting.
func (t *HTTPTransport) Serve(endpoint string, handler Handler) error {
	addr := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrTransport, addr, err)
	}
	t.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, t.dispatch(r, handler))
	})

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Error("HTTP transport server stopped")
		}
	}()

	logrus.WithField("address", listener.Addr().String()).Info("HTTP transport listening")
	return nil
}

// LocalAddr returns the bound listen address, or "" before Serve.
func (t *HTTPTransport) LocalAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Close shuts down the HTTP server, if serving.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

func (t *HTTPTransport) dispatch(r *http.Request, handler Handler) *Response {
	if r.Method != http.MethodPost {
		return Failure("method %s not allowed", r.Method)
	}

	kind := Kind(strings.TrimPrefix(r.URL.Path, apiPrefix))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return Failure("read request: %v", err)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Failure("malformed request: %v", err)
	}
	if req.Kind == "" {
		req.Kind = kind
	}
	if req.Kind != kind {
		return Failure("request kind %q does not match path %q", req.Kind, kind)
	}

	return handler(r.Context(), &req)
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithField("error", err.Error()).Warn("Failed to write HTTP response")
	}
}
