package wasm

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultTokenDuration = time.Hour
	defaultTokenProperty = "access_token"
)

type tokenEntry struct {
	token   string
	setting string
	expires time.Time
}

// tokenCache holds one bearer token per component. Refreshes race freely;
// the first writer wins and a losing refresh discards its own result in
// favor of the cached one.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]tokenEntry)}
}

func (c *tokenCache) get(id string, now time.Time) (tokenEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || now.After(entry.expires) || now.Equal(entry.expires) {
		return tokenEntry{}, false
	}
	return entry, true
}

// put stores a freshly fetched token unless a concurrent refresh already
// stored a live one; the caller uses whatever comes back.
func (c *tokenCache) put(id string, entry tokenEntry, now time.Time) tokenEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[id]; ok && now.Before(existing.expires) {
		return existing
	}
	c.entries[id] = entry
	return entry
}

// ensureToken returns a live token for the component, calling the guest's
// authenticate and performing the resulting AuthRequest when the cache is
// stale. ok is false only when the component demands auth and the refresh
// failed; a component whose authenticate returns null needs no token and
// gets an empty entry.
func (rt *Runtime) ensureToken(comp *component, settings map[string]string) (tokenEntry, bool) {
	now := time.Now()
	if entry, ok := rt.tokens.get(comp.cfg.ID, now); ok {
		return entry, true
	}

	log := rt.logger.With(zap.String("component", comp.cfg.ID))

	authReq, err := rt.callAuthenticate(comp, settings)
	if err != nil {
		log.Error("authenticate call failed", zap.Error(err))
		return tokenEntry{}, false
	}
	if authReq == nil {
		return tokenEntry{}, true
	}

	token, err := rt.fetchToken(authReq)
	if err != nil {
		log.Error("token fetch failed", zap.String("url", authReq.URL), zap.Error(err))
		return tokenEntry{}, false
	}

	duration := defaultTokenDuration
	if authReq.TokenDuration > 0 {
		duration = time.Duration(authReq.TokenDuration) * time.Second
	}
	entry := tokenEntry{
		token:   token,
		setting: authReq.ComponentTokenSetting,
		expires: now.Add(duration),
	}
	return rt.tokens.put(comp.cfg.ID, entry, now), true
}

func (rt *Runtime) callAuthenticate(comp *component, settings map[string]string) (*AuthRequest, error) {
	input, err := json.Marshal(callInput{Settings: settings})
	if err != nil {
		return nil, err
	}
	out, err := rt.callGuest(comp, exportAuth, input)
	if err != nil {
		return nil, err
	}

	var result callResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	if result.Err != "" {
		return nil, &componentError{comp.cfg.ID, result.Err}
	}
	if len(result.OK) == 0 || string(result.OK) == "null" {
		return nil, nil
	}
	var authReq AuthRequest
	if err := json.Unmarshal(result.OK, &authReq); err != nil {
		return nil, err
	}
	return &authReq, nil
}

// fetchToken performs the AuthRequest and plucks the token out of the JSON
// reply under the property the component named.
func (rt *Runtime) fetchToken(authReq *AuthRequest) (string, error) {
	method := authReq.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequest(method, authReq.URL, strings.NewReader(authReq.Body))
	if err != nil {
		return "", err
	}
	for k, v := range authReq.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := rt.authClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", &componentError{authReq.URL, http.StatusText(resp.StatusCode)}
	}

	property := authReq.ResponseTokenProperty
	if property == "" {
		property = defaultTokenProperty
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	token, _ := payload[property].(string)
	if token == "" {
		return "", &componentError{authReq.URL, "no " + property + " in auth response"}
	}
	return token, nil
}

type componentError struct {
	scope string
	msg   string
}

func (e *componentError) Error() string {
	return e.scope + ": " + e.msg
}
