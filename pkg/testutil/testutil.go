// Package testutil provides an HTTP client with a cookie jar and CSRF
// handling, plus assertion helpers, for end-to-end tests of the API.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Client is an HTTP client for exercising the API in tests. It keeps
// cookies between requests and, once FetchCSRF has been called, sends the
// CSRF token on every state-changing request.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	t          *testing.T

	mu        sync.Mutex
	csrfToken string
	headers   map[string]string
}

// NewClient creates a client pointed at a test server.
func NewClient(t *testing.T, server *httptest.Server) *Client {
	hc := server.Client()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	hc.Jar = jar
	return &Client{
		BaseURL:    server.URL,
		HTTPClient: hc,
		t:          t,
		headers:    map[string]string{},
	}
}

// NewClientURL creates a client pointed at a specific URL.
func NewClientURL(t *testing.T, baseURL string) *Client {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Jar: jar},
		t:          t,
		headers:    map[string]string{},
	}
}

// SetHeader sets a header sent with every subsequent request.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// FetchCSRF calls GET /api/csrf and remembers the returned token.
func (c *Client) FetchCSRF() string {
	c.t.Helper()
	resp := c.Get("/api/csrf").AssertStatus(http.StatusOK)
	token := resp.Headers.Get("X-CSRF-Token")
	if token == "" {
		var body struct {
			Token string `json:"csrf_token"`
		}
		resp.JSON(&body)
		token = body.Token
	}
	if token == "" {
		c.t.Fatalf("no csrf token in response: %s", string(resp.Body))
	}
	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
	return token
}

// Response wraps an HTTP response with helper methods.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) {
	r.t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		r.t.Fatalf("failed to unmarshal response: %v\nbody: %s", err, string(r.Body))
	}
}

// JSONMap returns the response body as a map.
func (r *Response) JSONMap() map[string]any {
	r.t.Helper()
	var m map[string]any
	r.JSON(&m)
	return m
}

// ErrorReason returns error.reason from a standard error body, or "".
func (r *Response) ErrorReason() string {
	r.t.Helper()
	var body struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error.Reason
}

// AssertStatus asserts the response has the expected status code.
func (r *Response) AssertStatus(expected int) *Response {
	r.t.Helper()
	if r.StatusCode != expected {
		r.t.Errorf("expected status %d, got %d\nbody: %s", expected, r.StatusCode, string(r.Body))
	}
	return r
}

// AssertReason asserts the error body carries the given reason.
func (r *Response) AssertReason(expected string) *Response {
	r.t.Helper()
	if got := r.ErrorReason(); got != expected {
		r.t.Errorf("expected error reason %q, got %q\nbody: %s", expected, got, string(r.Body))
	}
	return r
}

// AssertBodyContains asserts the response body contains the given substring.
func (r *Response) AssertBodyContains(substr string) *Response {
	r.t.Helper()
	if !strings.Contains(string(r.Body), substr) {
		r.t.Errorf("expected body to contain %q, got: %s", substr, string(r.Body))
	}
	return r
}

// Get performs a GET request.
func (c *Client) Get(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, nil)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPut, path, body, nil)
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodDelete, path, nil, nil)
}

// PostRaw performs a POST with a raw body and headers, for signed webhook payloads.
func (c *Client) PostRaw(path string, body []byte, headers map[string]string) *Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doReq(req)
}

// DoWithHeaders performs a request with custom headers.
func (c *Client) DoWithHeaders(method, path string, body any, headers map[string]string) *Response {
	c.t.Helper()
	return c.do(method, path, body, headers)
}

func (c *Client) do(method, path string, body any, headers map[string]string) *Response {
	c.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.csrfToken != "" && method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("X-CSRF-Token", c.csrfToken)
	}
	c.mu.Unlock()

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doReq(req)
}

func (c *Client) doReq(req *http.Request) *Response {
	c.t.Helper()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
		t:          c.t,
	}
}

// OpsClient provides convenience methods for the /api/admin/ops control plane.
// The wrapped client must carry an admin session.
type OpsClient struct {
	*Client
}

// NewOpsClient creates an ops client from a client.
func NewOpsClient(c *Client) *OpsClient {
	return &OpsClient{c}
}

// GetState calls GET /api/admin/ops/state.
func (oc *OpsClient) GetState() *Response {
	oc.t.Helper()
	return oc.Get("/api/admin/ops/state")
}

// LoadState calls POST /api/admin/ops/state with the given state data.
func (oc *OpsClient) LoadState(state any) *Response {
	oc.t.Helper()
	return oc.Post("/api/admin/ops/state", state)
}

// GetRequests calls GET /api/admin/ops/requests.
func (oc *OpsClient) GetRequests() *Response {
	oc.t.Helper()
	return oc.Get("/api/admin/ops/requests")
}

// FlushNotifications calls POST /api/admin/ops/notifications/flush.
func (oc *OpsClient) FlushNotifications() *Response {
	oc.t.Helper()
	return oc.Post("/api/admin/ops/notifications/flush", nil)
}

// AdvanceTime calls POST /api/admin/ops/time/advance.
func (oc *OpsClient) AdvanceTime(duration string) *Response {
	oc.t.Helper()
	return oc.Post("/api/admin/ops/time/advance", map[string]string{"duration": duration})
}
