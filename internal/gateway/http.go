package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/casesync/internal/mutation"
)

// HTTPError describes a non-2xx response from the remote API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// HTTPGateway submits mutations to the case-management REST API:
//
//	Create  POST   /v1/{collection}
//	Update  PUT    /v1/{collection}/{remoteId}
//	Delete  DELETE /v1/{collection}/{remoteId}
//
// Responses are classified as 2xx success, 429 backpressure, 5xx or
// transport errors retryable, 404 on delete success, and any other 4xx
// (including 409 conflict) permanent.
type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		g.httpClient = c
	}
}

// NewHTTPGateway creates a gateway for baseURL authenticating with a bearer
// token. The caller bounds each Submit with its context.
func NewHTTPGateway(baseURL, token string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type createResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit sends one mutation. It makes exactly one HTTP request.
func (g *HTTPGateway) Submit(ctx context.Context, req Request) Result {
	method, path, err := route(req)
	if err != nil {
		return Permanent(err.Error())
	}

	var body io.Reader
	if req.Action != mutation.ActionDelete {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return Permanent(fmt.Sprintf("encode payload: %v", err))
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return Permanent(fmt.Sprintf("build request: %v", err))
	}
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Retryable("timeout: " + err.Error())
		}
		return Retryable("transport: " + err.Error())
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Retryable(fmt.Sprintf("read response: %v", readErr))
	}

	return g.classify(req, resp, respBody)
}

func (g *HTTPGateway) classify(req Request, resp *http.Response, body []byte) Result {
	code := resp.StatusCode
	switch {
	case code >= 200 && code <= 299:
		if req.Action != mutation.ActionCreate {
			return Success(req.RemoteID)
		}
		var created createResponse
		if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
			// The remote applied the create but we cannot learn its id.
			// Retrying with the same idempotency key should return it.
			return Retryable(fmt.Sprintf("create response without id (http %d)", code))
		}
		return Success(created.ID)

	case code == http.StatusNotFound && req.Action == mutation.ActionDelete:
		return Success(req.RemoteID)

	case code == http.StatusTooManyRequests:
		return Backpressure(httpErr(code, body).Error(), parseRetryAfter(resp.Header.Get("Retry-After"), g.now()))

	case code >= 500:
		r := Retryable(httpErr(code, body).Error())
		r.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), g.now())
		return r

	default:
		return Permanent(httpErr(code, body).Error())
	}
}

func httpErr(code int, body []byte) *HTTPError {
	var e errorResponse
	_ = json.Unmarshal(body, &e)
	return &HTTPError{StatusCode: code, Code: e.Code, Message: e.Message}
}

// route maps a request to its REST method and path.
func route(req Request) (string, string, error) {
	collection := req.EntityType.Collection()
	if collection == "" {
		return "", "", fmt.Errorf("no collection for entity type %s", req.EntityType)
	}
	switch req.Action {
	case mutation.ActionCreate:
		return http.MethodPost, "/v1/" + collection, nil
	case mutation.ActionUpdate, mutation.ActionDelete:
		if req.RemoteID == "" {
			return "", "", fmt.Errorf("%s %s requires a remote id", req.Action, req.EntityType)
		}
		method := http.MethodPut
		if req.Action == mutation.ActionDelete {
			method = http.MethodDelete
		}
		return method, "/v1/" + collection + "/" + url.PathEscape(req.RemoteID), nil
	default:
		return "", "", fmt.Errorf("unknown action %s", req.Action)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}
