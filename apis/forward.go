package apis

import (
	"context"
	"net/http"
)

// ForwardRequest a plain REST request to relay to a configured backend
type ForwardRequest struct {
	// Method the HTTP method of the original request
	Method string
	// Path the request path below the forwarding prefix
	Path string
	// Headers the original request headers
	Headers http.Header
	// Body the original request body
	Body []byte
}

// ForwardResponse a backend's response to a relayed request
type ForwardResponse struct {
	// StatusCode the backend's HTTP status code
	StatusCode int
	// Headers the backend's response headers
	Headers http.Header
	// Body the backend's response body
	Body []byte
}

// Forwarder relays plain REST requests to a configured backend and reports
// its response. Route matching and token validation live behind this
// interface; the gateway core does not implement them.
type Forwarder interface {
	Forward(ctxt context.Context, request ForwardRequest) (ForwardResponse, error)
}
