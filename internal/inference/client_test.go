package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurongate/gateway/internal/apperr"
)

func testNode(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(NodeInfo{ProviderAddress: "ng1provider"})
	})
	mux.HandleFunc("/v1/chat/completions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSigningKey() *secp256k1.PrivateKey {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i + 11)
	}
	return secp256k1.PrivKeyFromBytes(b)
}

func TestChatCompletionSignsHeaders(t *testing.T) {
	var gotAuth, gotAddr, gotTS string
	srv := testNode(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAddr = r.Header.Get("X-Requester-Address")
		gotTS = r.Header.Get("X-Timestamp")
		w.Write([]byte(`{"id":"c1","usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`))
	})

	c := NewClient([]string{srv.URL}, nil).WithSelector(func(int) int { return 0 })
	resp, err := c.ChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"deepseek-v3"}`),
		Key:     testSigningKey(),
		Address: "ng1requester",
	})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(gotAuth)
	require.NoError(t, err)
	assert.Len(t, raw, 64, "authorization header carries the raw 64-byte signature")
	assert.Equal(t, "ng1requester", gotAddr)

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ts, int64(1e18), "timestamp is nanosecond resolution")

	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(10), resp.Usage.PromptTokens)
	assert.Equal(t, int64(4), resp.Usage.CompletionTokens)
}

func TestChatCompletionRateLimited(t *testing.T) {
	srv := testNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := NewClient([]string{srv.URL}, nil).WithSelector(func(int) int { return 0 })
	_, err := c.ChatCompletion(context.Background(), &Request{
		Body: []byte(`{}`), Key: testSigningKey(), Address: "ng1requester",
	})
	assert.True(t, errors.Is(err, apperr.ErrRateLimited), "429 must be distinguishable from generic upstream failure")
}

func TestChatCompletionRegistersOnceOn500(t *testing.T) {
	var calls, registered atomic.Int32
	srv := testNode(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"c1"}`))
	})

	c := NewClient([]string{srv.URL}, nil).WithSelector(func(int) int { return 0 })
	resp, err := c.ChatCompletion(context.Background(), &Request{
		Body:    []byte(`{}`),
		Key:     testSigningKey(),
		Address: "ng1requester",
		Register: func(ctx context.Context) error {
			registered.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(1), registered.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionPermanent500(t *testing.T) {
	srv := testNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient([]string{srv.URL}, nil).WithSelector(func(int) int { return 0 })
	var registered int
	_, err := c.ChatCompletion(context.Background(), &Request{
		Body: []byte(`{}`), Key: testSigningKey(), Address: "ng1requester",
		Register: func(ctx context.Context) error {
			registered++
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotRegistered),
		"a 500 that survives the registration retry reads as not-registered")
	assert.Equal(t, 1, registered, "registration retry happens exactly once")
}

func TestStreamReturnsOpenBody(t *testing.T) {
	srv := testNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	})

	c := NewClient([]string{srv.URL}, nil).WithSelector(func(int) int { return 0 })
	resp, err := c.ChatCompletion(context.Background(), &Request{
		Body: []byte(`{"stream":true}`), Stream: true, Key: testSigningKey(), Address: "ng1requester",
	})
	require.NoError(t, err)
	require.True(t, resp.Stream)
	require.NotNil(t, resp.Body)
	resp.Body.Close()
}
