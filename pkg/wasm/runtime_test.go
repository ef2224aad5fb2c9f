package wasm

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgee-cloud/edgee-go/pkg/collect"
	"github.com/edgee-cloud/edgee-go/pkg/config"
	"github.com/edgee-cloud/edgee-go/pkg/dispatch"
)

// stubRuntime builds a Runtime whose guest bridge is replaced by stub; no
// real wasm is involved.
func stubRuntime(t *testing.T, stub func(id, export string, input []byte) ([]byte, error), comps ...config.Component) *Runtime {
	t.Helper()
	rt := &Runtime{
		logger:     zap.NewNop(),
		opts:       Options{Timeout: time.Second},
		dispatcher: dispatch.New(zap.NewNop(), 2, 16),
		tokens:     newTokenCache(),
		authClient: &http.Client{Timeout: time.Second},
	}
	t.Cleanup(rt.dispatcher.Close)
	for _, cfg := range comps {
		rt.components = append(rt.components, &component{cfg: cfg, hasAuth: true})
	}
	rt.callGuest = func(comp *component, export string, input []byte) ([]byte, error) {
		return stub(comp.cfg.ID, export, input)
	}
	return rt
}

func okResult(t *testing.T, req EdgeeRequest) []byte {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	out, err := json.Marshal(callResult{OK: raw})
	require.NoError(t, err)
	return out
}

func noAuth(t *testing.T) []byte {
	t.Helper()
	out, err := json.Marshal(callResult{OK: json.RawMessage("null")})
	require.NoError(t, err)
	return out
}

func trackEvent(name string) *collect.Event {
	return &collect.Event{
		UUID:      "evt-1",
		Timestamp: time.Now(),
		Type:      collect.EventTrack,
		Data:      collect.EventData{Track: &collect.TrackData{Name: name}},
	}
}

func TestFaultyComponentDoesNotAffectSiblings(t *testing.T) {
	var hits atomic.Int32
	destination := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer destination.Close()

	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		if export == exportAuth {
			return noAuth(t), nil
		}
		if id == "broken" {
			return nil, errors.New("wasm trap: unreachable")
		}
		return okResult(t, EdgeeRequest{Method: http.MethodPost, URL: destination.URL}), nil
	},
		config.Component{ID: "broken"},
		config.Component{ID: "healthy"},
	)

	rt.HandleEvent(trackEvent("Signup"), ClientHeaders{})

	require.Eventually(t, func() bool { return hits.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestComponentErrorResultProducesNoDispatch(t *testing.T) {
	var hits atomic.Int32
	destination := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer destination.Close()

	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		if export == exportAuth {
			return noAuth(t), nil
		}
		return json.Marshal(callResult{Err: "missing api key"})
	}, config.Component{ID: "c"})

	rt.HandleEvent(trackEvent("Signup"), ClientHeaders{})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), hits.Load())
}

func TestForwardClientHeaders(t *testing.T) {
	var mu sync.Mutex
	var got http.Header
	destination := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Clone()
		mu.Unlock()
	}))
	defer destination.Close()

	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		if export == exportAuth {
			return noAuth(t), nil
		}
		return okResult(t, EdgeeRequest{
			Method:               http.MethodPost,
			URL:                  destination.URL,
			Headers:              map[string]string{"X-Api-Key": "k"},
			ForwardClientHeaders: true,
		}), nil
	}, config.Component{ID: "c"})

	rt.HandleEvent(trackEvent("Signup"), ClientHeaders{UserAgent: "ua-1", IP: "203.0.113.9"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ua-1", got.Get("User-Agent"))
	assert.Equal(t, "203.0.113.9", got.Get("X-Forwarded-For"))
	assert.Equal(t, "k", got.Get("X-Api-Key"))
}

func TestEventTypeGatingViaSettings(t *testing.T) {
	var calls atomic.Int32
	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("should not be called")
	}, config.Component{ID: "c", Settings: map[string]string{"edgee_track_event_enabled": "false"}})

	rt.HandleEvent(trackEvent("Signup"), ClientHeaders{})
	assert.Equal(t, int32(0), calls.Load())
}

func TestAuthTokenFetchedOnceAndInjected(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		fmt.Fprintf(w, `{"token":"tok-%d"}`, tokenCalls.Load())
	}))
	defer tokenServer.Close()

	var mu sync.Mutex
	var seenKeys []string
	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		if export == exportAuth {
			return json.Marshal(callResult{OK: mustJSON(t, AuthRequest{
				Method:                http.MethodPost,
				URL:                   tokenServer.URL,
				TokenDuration:         3600,
				ResponseTokenProperty: "token",
				ComponentTokenSetting: "api_key",
			})})
		}
		var in callInput
		require.NoError(t, json.Unmarshal(input, &in))
		mu.Lock()
		seenKeys = append(seenKeys, in.Settings["api_key"])
		mu.Unlock()
		return json.Marshal(callResult{Err: "stop here"})
	}, config.Component{ID: "c"})

	rt.HandleEvent(trackEvent("First"), ClientHeaders{})
	rt.HandleEvent(trackEvent("Second"), ClientHeaders{})

	assert.Equal(t, int32(1), tokenCalls.Load(), "token must be fetched once and reused")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tok-1", "tok-1"}, seenKeys)
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		fmt.Fprint(w, `{"access_token":"tok"}`)
	}))
	defer tokenServer.Close()

	rt := stubRuntime(t, func(id, export string, input []byte) ([]byte, error) {
		if export == exportAuth {
			return json.Marshal(callResult{OK: mustJSON(t, AuthRequest{
				URL:                   tokenServer.URL,
				TokenDuration:         1,
				ComponentTokenSetting: "api_key",
			})})
		}
		return json.Marshal(callResult{Err: "stop here"})
	}, config.Component{ID: "c"})

	rt.HandleEvent(trackEvent("First"), ClientHeaders{})
	// Force staleness instead of sleeping.
	rt.tokens.mu.Lock()
	entry := rt.tokens.entries["c"]
	entry.expires = time.Now().Add(-time.Second)
	rt.tokens.entries["c"] = entry
	rt.tokens.mu.Unlock()
	rt.HandleEvent(trackEvent("Second"), ClientHeaders{})

	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestTokenCacheSingleWriterWins(t *testing.T) {
	cache := newTokenCache()
	now := time.Now()

	winner := cache.put("c", tokenEntry{token: "first", expires: now.Add(time.Hour)}, now)
	assert.Equal(t, "first", winner.token)

	// A concurrent refresh that finishes later keeps the live entry.
	loser := cache.put("c", tokenEntry{token: "second", expires: now.Add(time.Hour)}, now)
	assert.Equal(t, "first", loser.token)

	// Once expired, a refresh replaces the entry.
	replacement := cache.put("c", tokenEntry{token: "third", expires: now.Add(2 * time.Hour)}, now.Add(61*time.Minute))
	assert.Equal(t, "third", replacement.token)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
