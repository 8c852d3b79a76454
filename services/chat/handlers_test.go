// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/portfolio-chat/services/chat/corpus"
	"github.com/AleutianAI/portfolio-chat/services/chat/index"
	"github.com/AleutianAI/portfolio-chat/services/chat/queue"
	"github.com/AleutianAI/portfolio-chat/services/chat/ratelimit"
	"github.com/AleutianAI/portfolio-chat/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
	// A real provider so error responses carry trace IDs.
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
}

// keywordEmbedder maps text onto a small fixed vocabulary so retrieval is
// deterministic.
func keywordEmbedder() llm.Embedder {
	vocab := []string{"engineer", "university", "python", "photography", "goal", "idan"}
	return llm.EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		lower := strings.ToLower(text)
		v := make([]float32, len(vocab)+1)
		v[len(vocab)] = 0.1
		for i, w := range vocab {
			if strings.Contains(lower, w) {
				v[i] = 1
			}
		}
		return v, nil
	})
}

type recordingCompleter struct {
	mu      sync.Mutex
	calls   int
	system  []string
	prompts []string
	reply   func(ctx context.Context, prompt string) (string, error)
}

func (r *recordingCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string, _ int, _ float32) (string, error) {
	r.mu.Lock()
	r.calls++
	r.system = append(r.system, systemPrompt)
	r.prompts = append(r.prompts, userPrompt)
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply(ctx, userPrompt)
	}
	return "Idan is a software engineer.", nil
}

func (r *recordingCompleter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testServer struct {
	router    *gin.Engine
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	index     *index.Index
	completer *recordingCompleter
}

type serverOptions struct {
	maxRequests   int
	maxConcurrent int
	maxQueueSize  int
	timeout       time.Duration
	store         ratelimit.Store
	completer     *recordingCompleter
	logger        *slog.Logger
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.maxRequests == 0 {
		opts.maxRequests = 10
	}
	if opts.store == nil {
		opts.store = ratelimit.NewMemoryStore()
	}
	if opts.completer == nil {
		opts.completer = &recordingCompleter{}
	}

	idx := index.New(corpus.Default(), keywordEmbedder(), index.Options{})
	limiter := ratelimit.New(opts.store, ratelimit.Config{MaxRequests: opts.maxRequests})
	q := queue.New(NewProcessor(idx, opts.completer, ProcessorConfig{Temperature: 0.7}), queue.Config{
		MaxConcurrent:  opts.maxConcurrent,
		MaxQueueSize:   opts.maxQueueSize,
		RequestTimeout: opts.timeout,
	})
	t.Cleanup(q.Close)

	h := NewHandlers(limiter, q, idx, HandlersConfig{Logger: opts.logger})
	return &testServer{
		router:    NewRouter(h, "portfolio-chat-test", nil),
		limiter:   limiter,
		queue:     q,
		index:     idx,
		completer: opts.completer,
	}
}

func (s *testServer) post(t *testing.T, body, clientIP string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if clientIP != "" {
		req.Header.Set(HeaderForwardedFor, clientIP)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleChat_Success(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := s.post(t, `{"message": "What does Idan do?"}`, "203.0.113.7")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Response)
	assert.Equal(t, 9, resp.RemainingMessages)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, 1, s.completer.Calls())
	prompt := s.completer.prompts[0]
	assert.True(t, strings.HasPrefix(prompt, "Context:\n"), prompt)
	assert.Contains(t, prompt, "\n\nUser Query:\nWhat does Idan do?\n\nAssistant Answer:")
	assert.Contains(t, s.completer.system[0], "Idan Assis")
	assert.True(t, s.index.Initialized(), "first request initializes the index")
}

func TestHandleChat_VersionedRoute(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set(HeaderRealIP, "198.51.100.1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleChat_QuotaExhausted(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	for i := 1; i <= 10; i++ {
		w := s.post(t, `{"message": "What does Idan do?"}`, "203.0.113.8")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		var resp ChatResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 10-i, resp.RemainingMessages)
	}

	w := s.post(t, `{"message": "What does Idan do?"}`, "203.0.113.8")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "Rate limit exceeded", raw["error"])
	assert.Equal(t, msgRateLimited, raw["message"])
	assert.Equal(t, float64(0), raw["remainingMessages"])
	assert.NotEmpty(t, raw["trace_id"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, 10, s.completer.Calls(), "denied request never reaches the queue")

	// Another identifier is unaffected.
	assert.Equal(t, http.StatusOK, s.post(t, `{"message":"hi"}`, "203.0.113.9").Code)
}

func TestHandleChat_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrong type", `{"message": 123}`},
		{"missing", `{}`},
		{"null", `{"message": null}`},
		{"empty", `{"message": ""}`},
		{"whitespace", `{"message": "   \n"}`},
		{"array", `{"message": ["a"]}`},
		{"not json", `message=hello`},
		{"too long", fmt.Sprintf(`{"message": %q}`, strings.Repeat("é", DefaultMaxMessageLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{})

			w := s.post(t, tt.body, "203.0.113.10")
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, "Invalid request", resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.Nil(t, resp.RemainingMessages)

			d, err := s.limiter.Peek(context.Background(), "203.0.113.10")
			require.NoError(t, err)
			assert.Equal(t, 10, d.Remaining, "invalid body must not consume quota")
			assert.Zero(t, s.completer.Calls())
		})
	}
}

func TestHandleChat_MaxLengthBoundary(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	body := fmt.Sprintf(`{"message": %q}`, strings.Repeat("é", DefaultMaxMessageLength))
	assert.Equal(t, http.StatusOK, s.post(t, body, "203.0.113.11").Code)
}

func TestHandleChat_QueueSaturated(t *testing.T) {
	release := make(chan struct{})
	completer := &recordingCompleter{reply: func(ctx context.Context, _ string) (string, error) {
		<-release
		return "ok", nil
	}}
	s := newTestServer(t, serverOptions{
		maxConcurrent: 1,
		maxQueueSize:  2,
		timeout:       time.Minute,
		completer:     completer,
	})
	require.NoError(t, s.index.Initialize(context.Background()))

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = s.post(t, `{"message":"hi"}`, fmt.Sprintf("192.0.2.%d", i)).Code
		}(i)
	}
	require.Eventually(t, func() bool {
		st := s.queue.Stats()
		return st.InFlight == 1 && st.Queued == 2
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	w := s.post(t, `{"message":"hi"}`, "192.0.2.99")
	assert.Less(t, time.Since(start), time.Second, "capacity rejection must not wait")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Service busy", decodeError(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	close(release)
	wg.Wait()
	for i, code := range codes {
		assert.Equal(t, http.StatusOK, code, "request %d", i)
	}
}

func TestHandleChat_QueueTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	completer := &recordingCompleter{reply: func(ctx context.Context, _ string) (string, error) {
		<-release
		return "ok", nil
	}}
	s := newTestServer(t, serverOptions{
		maxConcurrent: 1,
		timeout:       50 * time.Millisecond,
		completer:     completer,
	})
	require.NoError(t, s.index.Initialize(context.Background()))

	go s.post(t, `{"message":"first"}`, "192.0.2.1")
	require.Eventually(t, func() bool { return s.queue.Stats().InFlight == 1 }, 5*time.Second, 5*time.Millisecond)

	w := s.post(t, `{"message":"second"}`, "192.0.2.2")
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "Request timeout", decodeError(t, w).Error)
	assert.Equal(t, 1, completer.Calls(), "timed-out request is never processed")
}

func TestHandleChat_UpstreamFailureIsRedacted(t *testing.T) {
	completer := &recordingCompleter{reply: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("openai: API returned 401: %w: bad key sk-abcdefghijklmnopqrstuvwxyz012345", llm.ErrUpstream)
	}}
	s := newTestServer(t, serverOptions{completer: completer})

	w := s.post(t, `{"message":"hi"}`, "192.0.2.3")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Request processing failed", resp.Error)
	assert.Equal(t, msgProcessing, resp.Message)
	assert.NotContains(t, w.Body.String(), "sk-")
	assert.NotContains(t, w.Body.String(), "401")
	assert.NotEmpty(t, resp.TraceID)
}

func TestHandleChat_EmbeddingFailure(t *testing.T) {
	failing := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("embed: %w", llm.ErrUpstream)
	})
	completer := &recordingCompleter{}
	idx := index.New(corpus.Default(), failing, index.Options{})
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	q := queue.New(NewProcessor(idx, completer, ProcessorConfig{}), queue.Config{})
	defer q.Close()
	router := NewRouter(NewHandlers(limiter, q, idx, HandlersConfig{}), "test", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set(HeaderForwardedFor, "192.0.2.4")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, completer.Calls())
}

func TestHandleChat_ProcessorPanic(t *testing.T) {
	completer := &recordingCompleter{reply: func(context.Context, string) (string, error) {
		panic("nil map write in provider")
	}}
	s := newTestServer(t, serverOptions{completer: completer})

	w := s.post(t, `{"message":"hi"}`, "192.0.2.5")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "nil map")

	// The queue keeps serving.
	completer.reply = nil
	assert.Equal(t, http.StatusOK, s.post(t, `{"message":"hi"}`, "192.0.2.6").Code)
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New("dial tcp 10.0.0.5:6379: connection refused")

func (failingStore) Consume(context.Context, string, time.Time, time.Time, int) (int, bool, error) {
	return 0, false, errStoreDown
}
func (failingStore) Get(context.Context, string, time.Time, time.Time) (ratelimit.Record, bool, error) {
	return ratelimit.Record{}, false, errStoreDown
}
func (failingStore) List(context.Context) ([]ratelimit.Record, error) { return nil, errStoreDown }
func (failingStore) Sweep(context.Context, time.Time) (int, error)  { return 0, errStoreDown }
func (failingStore) Ping(context.Context) error                     { return errStoreDown }
func (failingStore) Close() error                                   { return nil }

func TestHandleChat_StoreFailure(t *testing.T) {
	s := newTestServer(t, serverOptions{store: failingStore{}})

	w := s.post(t, `{"message":"hi"}`, "192.0.2.7")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Internal Server Error", resp.Error)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
	assert.Zero(t, s.completer.Calls())
}

func TestHandleChat_AnonymousCallersAreLimitedSeparately(t *testing.T) {
	s := newTestServer(t, serverOptions{maxRequests: 1})

	for i := 0; i < 3; i++ {
		w := s.post(t, `{"message":"hi"}`, "")
		assert.Equal(t, http.StatusOK, w.Code, "each anonymous request gets a fresh identifier")
	}
}

func TestHandleQuota(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	s.post(t, `{"message":"hi"}`, "192.0.2.8")
	s.post(t, `{"message":"hi"}`, "192.0.2.8")

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/quota", nil)
	req.Header.Set(HeaderForwardedFor, "192.0.2.8")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp QuotaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Limit)
	assert.Equal(t, 8, resp.RemainingMessages)
	assert.True(t, resp.ResetAt.After(time.Now()))

	// Peeking is free.
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 8, resp.RemainingMessages)
}

func TestHandleQueueStats(t *testing.T) {
	s := newTestServer(t, serverOptions{maxConcurrent: 3, maxQueueSize: 7})

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 3, st.MaxConcurrent)
	assert.Equal(t, 7, st.MaxQueueSize)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)

	w := get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var hr HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hr))
	assert.Equal(t, "initializing", hr.Checks["index"])
	assert.Equal(t, "ok", hr.Checks["rate_limit_store"])

	require.NoError(t, s.index.Initialize(context.Background()))
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "portfolio_chat_")
}

func TestReadiness_StoreDown(t *testing.T) {
	s := newTestServer(t, serverOptions{store: failingStore{}})
	require.NoError(t, s.index.Initialize(context.Background()))

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RecoveryMiddleware(nil))
	r.GET("/boom", func(*gin.Context) { panic("secret detail sk-abcdefghijklmnopqrstuvwxyz012345") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, "Internal Server Error", resp.Error)
	assert.Equal(t, msgUnexpected, resp.Message)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 59, 58, 500_000_000, time.UTC)
	assert.Equal(t, 2, retryAfterSeconds(now.Add(1500*time.Millisecond), now))
	assert.Equal(t, 1, retryAfterSeconds(now, now))
	assert.Equal(t, 60, retryAfterSeconds(now.Add(time.Minute), now))
}

func TestHandleChat_ConcurrentSameIdentifier(t *testing.T) {
	s := newTestServer(t, serverOptions{maxRequests: 5, maxConcurrent: 4, maxQueueSize: 50})

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch s.post(t, `{"message":"hi"}`, "192.0.2.50").Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(15), limited.Load())
}

func TestHandleChat_AnonymousFallbackLogsThroughHandlerLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("component", "chat-test"))
	s := newTestServer(t, serverOptions{logger: logger})

	w := s.post(t, `{"message": "What does Idan do?"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var warn map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		if rec["level"] == "WARN" {
			warn = rec
			break
		}
	}
	require.NotNil(t, warn, buf.String())
	assert.Equal(t, "No client address available, using anonymous identifier", warn["msg"])
	assert.Equal(t, "chat-test", warn["component"])
	assert.True(t, strings.HasPrefix(warn["identifier"].(string), AnonymousPrefix))
}
