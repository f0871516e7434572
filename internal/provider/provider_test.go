package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_TimeoutIsDistinct(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientOptions{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, SendTimeout: 40 * time.Millisecond})

	start := time.Now()
	err := c.Do(context.Background(), Request{Op: "status", Method: http.MethodGet, Path: "/x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)

	var perr *Error
	assert.False(t, errors.As(err, &perr))

	var terr *TimeoutError
	require.ErrorAs(t, c.Do(context.Background(), Request{Op: "send", Method: http.MethodPost, Path: "/x", Send: true}, nil), &terr)
	assert.Equal(t, 40*time.Millisecond, terr.Timeout)
}

func TestClient_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  error
		transient bool
	}{
		{name: "not found", status: 404, body: `{"message":"instance does not exist"}`, wantKind: ErrNotFound},
		{name: "connection closed", status: 500, body: `{"response":{"message":"Connection Closed"}}`, wantKind: ErrConnectionClosed},
		{name: "server error", status: 502, body: `bad gateway`, transient: true},
		{name: "rate limited", status: 429, body: `slow down`, transient: true},
		{name: "bad request", status: 400, body: `{"error":"invalid number"}`},
		{name: "recipient not on whatsapp", status: 400, body: `{"error":"number 5511999990000 is not connected to whatsapp"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(ClientOptions{BaseURL: srv.URL})
			err := c.Do(context.Background(), Request{Op: "op", Method: http.MethodGet, Path: "/"}, nil)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.NotErrorIs(t, err, ErrTimeout)
			if tt.wantKind != nil {
				assert.ErrorIs(t, err, tt.wantKind)
			} else {
				assert.NotErrorIs(t, err, ErrConnectionClosed)
				assert.NotErrorIs(t, err, ErrNotFound)
			}
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestClient_DecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		_, _ = io.WriteString(w, `{"id":"abc"}`)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL + "/"})
	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), Request{
		Op:     "create",
		Method: http.MethodPost,
		Path:   "/things",
		Query:  map[string][]string{"page": {"1"}},
		Header: http.Header{"Apikey": {"secret"}},
		Body:   map[string]string{"name": "x"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.ID)
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(ClientOptions{})
	err := c.Do(context.Background(), Request{Op: "op", Method: http.MethodGet, Path: "/"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type stubProvider struct {
	Provider
	kind Kind
}

func (s stubProvider) Kind() Kind { return s.kind }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubProvider{kind: KindUazapi}, stubProvider{kind: KindEvolution})

	p, err := r.Get("evolution")
	require.NoError(t, err)
	assert.Equal(t, KindEvolution, p.Kind())

	_, err = r.Get("meta")
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.Equal(t, []Kind{KindEvolution, KindUazapi}, r.Kinds())
}
