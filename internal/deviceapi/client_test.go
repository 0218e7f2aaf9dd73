package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dialer-bridge/internal/backoff"
	"dialer-bridge/internal/contract"
	"dialer-bridge/internal/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, wait time.Duration) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       srv.URL,
		Token:         "tok",
		DeviceID:      "dev-1",
		LongPollWait:  wait,
		TimeoutMargin: 100 * time.Millisecond,
	}, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func TestPull_ReturnsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPull, r.URL.Path)
		assert.Equal(t, "dev-1", r.URL.Query().Get("device"))
		assert.Equal(t, "2", r.URL.Query().Get("wait"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"id":"abc","phone":"+15551234567"}`)
	}))
	defer srv.Close()

	cmd, err := newTestClient(t, srv, 2*time.Second).Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", cmd.ID)
	assert.Equal(t, "+15551234567", cmd.Phone)
}

func TestPull_EmptyObjectMeansNoCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	cmd, err := newTestClient(t, srv, 0).Pull(context.Background())
	require.NoError(t, err)
	assert.True(t, cmd.Empty())
}

func TestPull_HardTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestClient(t, srv, 0).Pull(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), 2*time.Second)

	kind, _ := Classify(err)
	assert.Equal(t, backoff.NetworkError, kind)
}

func TestErrors_ClassifiedByStatus(t *testing.T) {
	cases := []struct {
		name       string
		code       int
		retryAfter string
		sentinel   error
		kind       backoff.Outcome
		wantAfter  time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, "", ErrUnauthorized, backoff.NetworkError, 0},
		{"forbidden", http.StatusForbidden, "", ErrUnauthorized, backoff.NetworkError, 0},
		{"rate limited", http.StatusTooManyRequests, "7", ErrRateLimited, backoff.RateLimited, 7 * time.Second},
		{"rate limited no header", http.StatusTooManyRequests, "", ErrRateLimited, backoff.RateLimited, 0},
		{"bad request", http.StatusBadRequest, "", ErrRejected, backoff.ServerError, 0},
		{"server", http.StatusBadGateway, "", ErrServer, backoff.ServerError, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.code)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, 0).Pull(context.Background())
			require.ErrorIs(t, err, tc.sentinel)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.code, se.Code)

			kind, after := Classify(err)
			if !IsUnauthorized(err) {
				assert.Equal(t, tc.kind, kind)
			}
			assert.Equal(t, tc.wantAfter, after)
		})
	}
}

func TestUpdate_SendsExtendedScenarioPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathUpdate, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	ev := contract.CallOutcomeEvent{
		ID:            "abc",
		Status:        contract.Ptr(contract.StatusConnected),
		Duration:      contract.Ptr(42),
		Direction:     contract.Ptr(contract.DirectionOutgoing),
		ResolveMethod: contract.Ptr(contract.ResolveEventPath),
	}
	require.NoError(t, newTestClient(t, srv, 0).Update(context.Background(), ev))
	assert.Equal(t, map[string]any{
		"id": "abc", "status": "connected", "direction": "outgoing",
		"duration": float64(42), "resolve_method": "event_path",
	}, got)
}

func TestSend_PostsQueuedPayloadToDestination(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	err := newTestClient(t, srv, 0).Send(context.Background(), outbox.Item{
		Type: outbox.ItemHeartbeat, Destination: PathHeartbeat, Payload: []byte(`{"battery":80}`),
	})
	require.NoError(t, err)
	assert.Equal(t, PathHeartbeat, path)
	assert.JSONEq(t, `{"battery":80}`, body)
}

func TestPost_UnacknowledgedIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false}`)
	}))
	defer srv.Close()

	err := newTestClient(t, srv, 0).Post(context.Background(), PathTelemetry, []byte(`{}`))
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsTransient(err))
}

func TestNetworkFailure_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url}, nil, nil)
	require.NoError(t, err)
	err = c.Post(context.Background(), PathHeartbeat, []byte(`{}`))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, IsTransient(err))
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}
