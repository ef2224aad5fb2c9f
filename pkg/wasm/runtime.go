package wasm

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/edgee-cloud/edgee-go/pkg/collect"
	"github.com/edgee-cloud/edgee-go/pkg/config"
	"github.com/edgee-cloud/edgee-go/pkg/dispatch"
)

var mInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edgee_component_invocations_total",
	Help: "Component invocations by event type and outcome",
}, []string{"component", "event", "outcome"})

// ClientHeaders carries the original client identity a component may ask to
// have forwarded on its outbound call.
type ClientHeaders struct {
	UserAgent string
	IP        string
}

// Options bound a single component invocation.
type Options struct {
	Timeout   time.Duration
	MaxMemory int64
}

type component struct {
	cfg       config.Component
	wasmbytes []byte
	hasAuth   bool
}

// Runtime owns the loaded components and invokes them per event. The
// component list is immutable after New; the auth token cache is the only
// mutable state.
type Runtime struct {
	logger     *zap.Logger
	components []*component
	opts       Options
	dispatcher *dispatch.Dispatcher
	tokens     *tokenCache
	authClient *http.Client

	// callGuest runs one guest export; swappable in tests.
	callGuest func(comp *component, export string, input []byte) ([]byte, error)
}

// New loads and verifies every configured component. Any unreadable module,
// missing export or interface version mismatch is fatal.
func New(logger *zap.Logger, cfgs []config.Component, opts Options, d *dispatch.Dispatcher) (*Runtime, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	rt := &Runtime{
		logger:     logger,
		opts:       opts,
		dispatcher: d,
		tokens:     newTokenCache(),
		authClient: &http.Client{Timeout: 5 * time.Second},
	}
	rt.callGuest = rt.runGuest
	for _, cfg := range cfgs {
		wasmbytes, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("component %q: read module: %w", cfg.ID, err)
		}
		inv, err := newInvocation(wasmbytes)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", cfg.ID, err)
		}
		if err := inv.abiCheck(); err != nil {
			return nil, fmt.Errorf("component %q: %w", cfg.ID, err)
		}
		for _, export := range []string{exportPage, exportTrack, exportUser} {
			if !inv.hasExport(export) {
				return nil, fmt.Errorf("component %q: guest exports no %q function", cfg.ID, export)
			}
		}
		rt.components = append(rt.components, &component{
			cfg:       cfg,
			wasmbytes: wasmbytes,
			hasAuth:   inv.hasExport(exportAuth),
		})
		logger.Info("component loaded",
			zap.String("component", cfg.ID),
			zap.String("path", cfg.Path),
			zap.Bool("authenticate", rt.components[len(rt.components)-1].hasAuth))
	}
	return rt, nil
}

// Components reports how many destinations are configured.
func (rt *Runtime) Components() int { return len(rt.components) }

// runGuest is the real guest bridge: fresh instance, budgeted call.
func (rt *Runtime) runGuest(comp *component, export string, input []byte) ([]byte, error) {
	inv, err := newInvocation(comp.wasmbytes)
	if err != nil {
		return nil, err
	}
	return inv.call(export, input, rt.opts.Timeout, rt.opts.MaxMemory)
}

// HandleEvent invokes every matching component with the event, concurrently
// and independently. It returns once all components finished; callers on the
// proxy path run it in their own goroutine so the client response never
// waits on it.
func (rt *Runtime) HandleEvent(event *collect.Event, client ClientHeaders) {
	var wg sync.WaitGroup
	for _, comp := range rt.components {
		if !comp.matches(event.Type) {
			continue
		}
		wg.Add(1)
		go func(comp *component) {
			defer wg.Done()
			rt.invoke(comp, event, client)
		}(comp)
	}
	wg.Wait()
}

// matches gates a component by event type via its settings, e.g.
// edgee_page_event_enabled: "false" opts a destination out of page events.
func (c *component) matches(eventType collect.EventType) bool {
	key := fmt.Sprintf("edgee_%s_event_enabled", eventType)
	return c.cfg.Settings[key] != "false"
}

// invoke runs one destination's handling of one event: token refresh if the
// component authenticates, then the data call, then hand-off to the
// dispatcher. Every failure mode is contained here.
func (rt *Runtime) invoke(comp *component, event *collect.Event, client ClientHeaders) {
	log := rt.logger.With(
		zap.String("component", comp.cfg.ID),
		zap.String("event", string(event.Type)),
		zap.String("uuid", event.UUID),
	)
	defer func() {
		if r := recover(); r != nil {
			mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "panic").Inc()
			log.Error("component invocation panicked", zap.Any("panic", r))
		}
	}()

	settings := make(map[string]string, len(comp.cfg.Settings)+1)
	for k, v := range comp.cfg.Settings {
		settings[k] = v
	}

	if comp.hasAuth {
		token, ok := rt.ensureToken(comp, settings)
		if !ok {
			mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "auth_failed").Inc()
			log.Error("token refresh failed, skipping destination")
			return
		}
		if token.setting != "" {
			settings[token.setting] = token.token
		}
	}

	input, err := json.Marshal(callInput{Event: event, Settings: settings})
	if err != nil {
		mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "error").Inc()
		log.Error("encode guest input", zap.Error(err))
		return
	}

	out, err := rt.callGuest(comp, exportFor(event.Type), input)
	if err != nil {
		mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "trap").Inc()
		log.Error("component call failed", zap.Error(err))
		return
	}

	var result callResult
	if err := json.Unmarshal(out, &result); err != nil {
		mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "error").Inc()
		log.Error("decode guest result", zap.Error(err))
		return
	}
	if result.Err != "" {
		mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "failed").Inc()
		log.Error("component returned error", zap.String("err", result.Err))
		return
	}

	var req EdgeeRequest
	if err := json.Unmarshal(result.OK, &req); err != nil || req.URL == "" {
		mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "error").Inc()
		log.Error("component returned malformed request", zap.Error(err))
		return
	}

	mInvocations.WithLabelValues(comp.cfg.ID, string(event.Type), "ok").Inc()
	if comp.cfg.Debug {
		log.Info("component produced request",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.String("body", req.Body))
	}

	rt.dispatcher.Enqueue(rt.outbound(comp, &req, client))
}

func (rt *Runtime) outbound(comp *component, req *EdgeeRequest, client ClientHeaders) *dispatch.Request {
	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	if req.ForwardClientHeaders {
		if client.UserAgent != "" {
			headers.Set("User-Agent", client.UserAgent)
		}
		if client.IP != "" {
			headers.Set("X-Forwarded-For", client.IP)
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	return &dispatch.Request{
		ComponentID: comp.cfg.ID,
		Method:      method,
		URL:         req.URL,
		Headers:     headers,
		Body:        []byte(req.Body),
	}
}
