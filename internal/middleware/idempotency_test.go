package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu         sync.Mutex
	entries    map[string]*StoredResponse
	inFlight   map[string]bool
	getErr     error
	reserveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*StoredResponse), inFlight: make(map[string]bool)}
}

func (s *memoryStore) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return false, s.reserveErr
	}
	if s.inFlight[key] {
		return false, nil
	}
	s.inFlight[key] = true
	return true, nil
}

func (s *memoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	return nil
}

func (s *memoryStore) reserved(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[key]
}

func (s *memoryStore) Get(_ context.Context, key string) (*StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.entries[key], nil
}

func (s *memoryStore) Set(_ context.Context, key string, resp *StoredResponse, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = resp
	}
	return nil
}

func (s *memoryStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func countingHandler(status int, body string) (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
		w.Write([]byte(body))
	}), &calls
}

func idempotentRequest(key, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil)
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	if userID != "" {
		req = req.WithContext(WithUserID(req.Context(), userID))
	}
	return req
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	store := newMemoryStore()
	next, calls := countingHandler(http.StatusCreated, `{"intent_id":"pi_1"}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest("key-1", "u1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentRequest("key-1", "u1"))

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"intent_id":"pi_1"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotencyReplayHeader))
	assert.Empty(t, first.Header().Get(idempotencyReplayHeader))
}

func TestIdempotency_KeysScopedPerUser(t *testing.T) {
	store := newMemoryStore()
	next, calls := countingHandler(http.StatusCreated, `{}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("key-1", "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("key-1", "u2"))

	assert.Equal(t, 2, *calls)
	assert.ElementsMatch(t, []string{"u1:key-1", "u2:key-1"}, store.keys())
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	store := newMemoryStore()
	next, calls := countingHandler(http.StatusServiceUnavailable, `{"code":"service_not_ready"}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("key-1", "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("key-1", "u1"))

	assert.Equal(t, 2, *calls)
	assert.Empty(t, store.keys())
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	store := newMemoryStore()
	next, calls := countingHandler(http.StatusCreated, `{}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("", "u1"))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("", "u1"))

	assert.Equal(t, 2, *calls)
	assert.Empty(t, store.keys())
}

func TestIdempotency_StoreFailureProcessesRequest(t *testing.T) {
	store := newMemoryStore()
	store.getErr = errors.New("redis down")
	next, calls := countingHandler(http.StatusCreated, `{}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("key-1", "u1"))

	require.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestIdempotency_ConcurrentDuplicateIsRejected(t *testing.T) {
	store := newMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"intent_id":"pi_1"}`))
	})
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(first, idempotentRequest("key-1", "u1"))
	}()
	<-entered

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, idempotentRequest("key-1", "u1"))
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), `"code":"idempotency_in_progress"`)

	close(release)
	<-done
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.False(t, store.reserved("u1:key-1"), "reservation is released once the response is stored")

	third := httptest.NewRecorder()
	handler.ServeHTTP(third, idempotentRequest("key-1", "u1"))
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get(idempotencyReplayHeader))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_ReservationFailureProcessesRequest(t *testing.T) {
	store := newMemoryStore()
	store.reserveErr = errors.New("redis down")
	next, calls := countingHandler(http.StatusCreated, `{}`)
	handler := Idempotency(store, time.Hour, zerolog.Nop())(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("key-1", "u1"))

	require.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusCreated, w.Code)
}
