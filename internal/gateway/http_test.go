package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) (*HTTPGateway, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(server.Close)
	return NewHTTPGateway(server.URL+"/", "secret", WithHTTPClient(server.Client())), &calls
}

func TestHTTPGateway_CreateReturnsRemoteID(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/evidence", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"kind":"photo","report":"R-100"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"E-7"}`))
	})

	res := gw.Submit(context.Background(), Request{
		EntityType:     mutation.EntityEvidence,
		Action:         mutation.ActionCreate,
		Payload:        payload.Object{"kind": payload.String("photo"), "report": payload.String("R-100")},
		IdempotencyKey: "key-1",
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "E-7", res.RemoteID)
	assert.NoError(t, res.Err())
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestHTTPGateway_UpdateAndDeleteUseRemoteID(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	res := gw.Submit(context.Background(), Request{
		EntityType: mutation.EntityReport,
		Action:     mutation.ActionUpdate,
		Payload:    payload.Object{"title": payload.String("x")},
		RemoteID:   "R-100",
	})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "R-100", res.RemoteID)

	res = gw.Submit(context.Background(), Request{
		EntityType: mutation.EntityReport,
		Action:     mutation.ActionDelete,
		RemoteID:   "R-100",
	})
	assert.Equal(t, StatusSuccess, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PUT /v1/reports/R-100", "DELETE /v1/reports/R-100"}, seen)
}

func TestHTTPGateway_Classification(t *testing.T) {
	tests := []struct {
		name       string
		action     mutation.Action
		status     int
		header     string
		body       string
		want       Status
		retryAfter time.Duration
	}{
		{name: "server error", action: mutation.ActionUpdate, status: 503, want: StatusRetryable},
		{name: "server error with retry after", action: mutation.ActionUpdate, status: 503, header: "7", want: StatusRetryable, retryAfter: 7 * time.Second},
		{name: "rate limited", action: mutation.ActionUpdate, status: 429, header: "30", want: StatusBackpressure, retryAfter: 30 * time.Second},
		{name: "validation", action: mutation.ActionUpdate, status: 422, body: `{"code":"invalid","message":"title required"}`, want: StatusPermanent},
		{name: "conflict", action: mutation.ActionUpdate, status: 409, want: StatusPermanent},
		{name: "not found on update", action: mutation.ActionUpdate, status: 404, want: StatusPermanent},
		{name: "not found on delete", action: mutation.ActionDelete, status: 404, want: StatusSuccess},
		{name: "create without id", action: mutation.ActionCreate, status: 201, body: `{}`, want: StatusRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			req := Request{EntityType: mutation.EntityHearing, Action: tt.action, Payload: payload.Object{}}
			if tt.action != mutation.ActionCreate {
				req.RemoteID = "H-1"
			}
			res := gw.Submit(context.Background(), req)
			assert.Equal(t, tt.want, res.Status, res.Reason)
			assert.Equal(t, tt.retryAfter, res.RetryAfter)
		})
	}
}

func TestHTTPGateway_PermanentReasonCarriesErrorBody(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"title required"}`))
	})

	res := gw.Submit(context.Background(), Request{EntityType: mutation.EntityForm, Action: mutation.ActionCreate, Payload: payload.Object{}})
	require.Equal(t, StatusPermanent, res.Status)
	assert.Equal(t, "http 422 invalid: title required", res.Reason)
	assert.True(t, mutation.IsPermanent(res.Err()))
}

func TestHTTPGateway_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := gw.Submit(ctx, Request{EntityType: mutation.EntityReport, Action: mutation.ActionCreate, Payload: payload.Object{}})
	assert.Equal(t, StatusRetryable, res.Status)
	assert.True(t, mutation.IsRetryable(res.Err()))
}

func TestHTTPGateway_UnreachableIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	gw := NewHTTPGateway(url, "")
	res := gw.Submit(context.Background(), Request{EntityType: mutation.EntityReport, Action: mutation.ActionCreate, Payload: payload.Object{}})
	assert.Equal(t, StatusRetryable, res.Status)
}

func TestHTTPGateway_UpdateWithoutRemoteIDIsPermanent(t *testing.T) {
	gw, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	res := gw.Submit(context.Background(), Request{EntityType: mutation.EntityReport, Action: mutation.ActionUpdate, Payload: payload.Object{}})
	assert.Equal(t, StatusPermanent, res.Status)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Success("x").Err())
	assert.True(t, mutation.IsRetryable(Retryable("503").Err()))
	assert.True(t, mutation.IsRetryable(Backpressure("429", time.Second).Err()))
	assert.Equal(t, time.Second, mutation.RetryAfter(Backpressure("429", time.Second).Err()))
	assert.True(t, mutation.IsPermanent(Permanent("422").Err()))
	assert.True(t, Backpressure("429", 0).Retryable())
	assert.False(t, Permanent("422").Retryable())
}
