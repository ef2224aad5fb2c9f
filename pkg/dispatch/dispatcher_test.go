package dispatch

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatcherSendsRequest(t *testing.T) {
	var mu sync.Mutex
	var got *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = r.Clone(r.Context())
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		body = buf
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := New(zap.NewNop(), 2, 8)
	defer d.Close()

	headers := http.Header{}
	headers.Set("X-Api-Key", "k")
	d.Enqueue(&Request{
		ComponentID: "amplitude",
		Method:      http.MethodPost,
		URL:         server.URL + "/collect",
		Headers:     headers,
		Body:        []byte(`{"name":"Signup"}`),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/collect", got.URL.Path)
	assert.Equal(t, "k", got.Header.Get("X-Api-Key"))
	assert.Equal(t, `{"name":"Signup"}`, string(body))
}

func TestDispatcherDropsOldestUnderSaturation(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	// One worker, queue of two: the worker blocks on /0 while /1../4 fight
	// over the queue.
	d := New(zap.NewNop(), 1, 2)
	defer d.Close()

	d.Enqueue(&Request{ComponentID: "c", Method: http.MethodGet, URL: server.URL + "/0"})
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queue) == 0
	}, 2*time.Second, 5*time.Millisecond)

	for i := 1; i <= 4; i++ {
		d.Enqueue(&Request{ComponentID: "c", Method: http.MethodGet, URL: server.URL + "/" + string(rune('0'+i))})
	}

	// /1 and /2 were the oldest queued entries; they must have been dropped.
	d.mu.Lock()
	var queued []string
	for _, r := range d.queue {
		queued = append(queued, r.URL[len(server.URL):])
	}
	d.mu.Unlock()
	assert.Equal(t, []string{"/3", "/4"}, queued)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "/1")
	assert.NotContains(t, seen, "/2")
}

func TestDispatcherSurvivesUnreachableDestination(t *testing.T) {
	d := New(zap.NewNop(), 1, 4)
	defer d.Close()

	d.Enqueue(&Request{ComponentID: "c", Method: http.MethodGet, URL: "http://127.0.0.1:1/nope"})
	d.Enqueue(&Request{ComponentID: "c", Method: "bad method", URL: "://"})

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.queue) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
