package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weskerllc/cronicorn/internal/domain/model"
)

func testEndpoint(url string) *model.Endpoint {
	return &model.Endpoint{
		ID:     "ep-1",
		JobID:  "job-1",
		Name:   "poll-orders",
		URL:    url,
		Method: model.MethodGet,
	}
}

func TestDispatcher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","count":3}`))
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusOK, *outcome.StatusCode)
	assert.JSONEq(t, `{"status":"ok","count":3}`, string(outcome.Body))
	assert.False(t, outcome.BodyTruncated)
	assert.Nil(t, outcome.ErrorMessage)
	assert.GreaterOrEqual(t, outcome.DurationMs, int64(0))
	assert.True(t, outcome.Success())
}

func TestDispatcher_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeHTTPFailure, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *outcome.StatusCode)
	require.NotNil(t, outcome.ErrorMessage)
	assert.Equal(t, "unexpected status 500", *outcome.ErrorMessage)
	assert.JSONEq(t, `{"error":"boom"}`, string(outcome.Body))
	assert.False(t, outcome.Success())
}

func TestDispatcher_ClientErrorIsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeHTTPFailure, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusNotFound, *outcome.StatusCode)
}

func TestDispatcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ep := testEndpoint(srv.URL)
	timeoutMs := int64(50)
	ep.TimeoutMs = &timeoutMs

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), ep)

	assert.Equal(t, model.OutcomeTimeout, outcome.Kind)
	assert.Nil(t, outcome.StatusCode)
	assert.Nil(t, outcome.Body)
	require.NotNil(t, outcome.ErrorMessage)
	assert.Equal(t, "request deadline exceeded", *outcome.ErrorMessage)
	assert.GreaterOrEqual(t, outcome.DurationMs, int64(50))
}

func TestDispatcher_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable := srv.URL
	srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(unreachable))

	assert.Equal(t, model.OutcomeNetworkFailure, outcome.Kind)
	assert.Nil(t, outcome.StatusCode)
	assert.Nil(t, outcome.Body)
	require.NotNil(t, outcome.ErrorMessage)
	assert.NotEmpty(t, *outcome.ErrorMessage)
}

func TestDispatcher_UnsupportedScheme(t *testing.T) {
	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint("ftp://files.example.com/drop"))

	assert.Equal(t, model.OutcomeNetworkFailure, outcome.Kind)
	require.NotNil(t, outcome.ErrorMessage)
	assert.Contains(t, *outcome.ErrorMessage, "unsupported url scheme")
}

func TestDispatcher_RedirectsFollowedWithinCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "/b", http.StatusFound)
		case "/b":
			http.Redirect(w, r, "/done", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"landed":true}`))
		}
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxRedirects: 3})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL+"/a"))

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusOK, *outcome.StatusCode)
	assert.JSONEq(t, `{"landed":true}`, string(outcome.Body))
}

func TestDispatcher_RedirectCapSurfacesLastResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxRedirects: 3})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL+"/loop"))

	assert.Equal(t, model.OutcomeHTTPFailure, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusFound, *outcome.StatusCode)
	require.NotNil(t, outcome.ErrorMessage)
	assert.Equal(t, "unexpected status 302", *outcome.ErrorMessage)
}

func TestDispatcher_ZeroRedirectsDisablesFollowing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{MaxRedirects: 0})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeHTTPFailure, outcome.Kind)
	require.NotNil(t, outcome.StatusCode)
	assert.Equal(t, http.StatusMovedPermanently, *outcome.StatusCode)
}

func TestDispatcher_TruncatesOversizeBody(t *testing.T) {
	payload := strings.Repeat("a", 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	ep := testEndpoint(srv.URL)
	capKb := int64(1)
	ep.MaxResponseSizeKb = &capKb

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), ep)

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	assert.True(t, outcome.BodyTruncated)

	var captured string
	require.NoError(t, json.Unmarshal(outcome.Body, &captured))
	assert.Len(t, captured, 1024)
	assert.Equal(t, strings.Repeat("a", 1024), captured)
}

func TestDispatcher_NonJSONBodyStoredAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("all good"))
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	assert.False(t, outcome.BodyTruncated)

	var captured string
	require.NoError(t, json.Unmarshal(outcome.Body, &captured))
	assert.Equal(t, "all good", captured)
}

func TestDispatcher_ForwardsMethodHeadersAndBody(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotUserAgent, gotContentType, gotAPIKey string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = r.Method
		gotUserAgent = r.Header.Get("User-Agent")
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ep := testEndpoint(srv.URL)
	ep.Method = model.MethodPut
	ep.Headers = map[string]string{"X-Api-Key": "sekrit"}
	ep.Body = json.RawMessage(`{"cursor":"abc"}`)

	d := NewDispatcher(Options{UserAgent: "cronicorn-test/0.1"})
	outcome := d.Dispatch(context.Background(), ep)

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "cronicorn-test/0.1", gotUserAgent)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "sekrit", gotAPIKey)
	assert.JSONEq(t, `{"cursor":"abc"}`, string(gotBody))
}

func TestDispatcher_DefaultUserAgent(t *testing.T) {
	var mu sync.Mutex
	var gotUserAgent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cronicorn-scheduler/1.0", gotUserAgent)
}

func TestDispatcher_EndpointHeadersOverrideDefaults(t *testing.T) {
	var mu sync.Mutex
	var gotUserAgent, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotUserAgent = r.Header.Get("User-Agent")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := testEndpoint(srv.URL)
	ep.Method = model.MethodPost
	ep.Headers = map[string]string{
		"User-Agent":   "custom-agent/2.0",
		"Content-Type": "text/plain",
	}
	ep.Body = json.RawMessage(`"ping"`)

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), ep)

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "custom-agent/2.0", gotUserAgent)
	assert.Equal(t, "text/plain", gotContentType)
}

func TestDispatcher_NoBodySendsNoContentType(t *testing.T) {
	var mu sync.Mutex
	var gotContentType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{})
	outcome := d.Dispatch(context.Background(), testEndpoint(srv.URL))

	assert.Equal(t, model.OutcomeSuccess, outcome.Kind)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, gotContentType)
	assert.Empty(t, gotBody)
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		truncated bool
		want      string
	}{
		{name: "empty", raw: "", truncated: false, want: ""},
		{name: "valid object passes through", raw: `{"a":1}`, truncated: false, want: `{"a":1}`},
		{name: "valid array passes through", raw: `[1,2]`, truncated: false, want: `[1,2]`},
		{name: "plain text wrapped", raw: "hello", truncated: false, want: `"hello"`},
		{name: "truncated json wrapped even if valid prefix", raw: `[1,2]`, truncated: true, want: `"[1,2]"`},
		{name: "json cut mid token wrapped", raw: `{"a":"bc`, truncated: true, want: `"{\"a\":\"bc"`},
		{name: "nul bytes stripped", raw: "ab\x00cd", truncated: false, want: `"abcd"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeBody([]byte(tt.raw), tt.truncated)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}

func TestReadResponseBody(t *testing.T) {
	t.Run("under limit", func(t *testing.T) {
		raw, truncated, err := readResponseBody(strings.NewReader("abc"), 10)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(raw))
		assert.False(t, truncated)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		raw, truncated, err := readResponseBody(strings.NewReader("abcde"), 5)
		require.NoError(t, err)
		assert.Equal(t, "abcde", string(raw))
		assert.False(t, truncated)
	})

	t.Run("over limit truncates", func(t *testing.T) {
		raw, truncated, err := readResponseBody(strings.NewReader("abcdef"), 5)
		require.NoError(t, err)
		assert.Equal(t, "abcde", string(raw))
		assert.True(t, truncated)
	})

	t.Run("nil body", func(t *testing.T) {
		raw, truncated, err := readResponseBody(nil, 5)
		require.NoError(t, err)
		assert.Nil(t, raw)
		assert.False(t, truncated)
	})
}
