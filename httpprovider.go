package scriptrt

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxHTTPResponseBytes caps what a script can pull in per request.
const maxHTTPResponseBytes = 5 * 1024 * 1024

// HTTPRequest is a script's outbound request.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is the bounded response handed back to the script.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// HTTPProvider lets scripts make outbound HTTP requests through the
// process-wide client, gated and tightly ratelimited.
type HTTPProvider struct {
	ctx *HostContext
}

// Do performs one request. Only http and https URLs are allowed and
// the response body is truncated at the provider cap.
func (p *HTTPProvider) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if err := p.ctx.gate("http", "request", "request"); err != nil {
		return nil, err
	}
	if req == nil || req.URL == "" {
		return nil, errInvalidInput("url", "must not be empty")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errInvalidInput("url", err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errInvalidInput("url", "scheme must be http or https")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errInvalidInput("request", err.Error())
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	client := p.ctx.deps.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, errBackend("http request", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, errBackend("reading http response", err)
	}
	headers := make(map[string]string, len(res.Header))
	for name := range res.Header {
		headers[name] = res.Header.Get(name)
	}
	return &HTTPResponse{Status: res.StatusCode, Headers: headers, Body: data}, nil
}
