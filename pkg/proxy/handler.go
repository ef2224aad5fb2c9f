// Package proxy is the request path: listeners, routing, the backend
// exchange and the compute stage that turns page views into component
// invocations.
package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/edgee-cloud/edgee-go/pkg/collect"
	"github.com/edgee-cloud/edgee-go/pkg/config"
	"github.com/edgee-cloud/edgee-go/pkg/rewrite"
	"github.com/edgee-cloud/edgee-go/pkg/session"
	"github.com/edgee-cloud/edgee-go/pkg/wasm"
)

var (
	mRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgee_proxy_requests_total",
		Help: "Proxied requests by domain and response code",
	}, []string{"domain", "code"})
	mDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgee_proxy_request_duration_seconds",
		Help:    "Full request duration including the backend exchange",
		Buckets: prometheus.DefBuckets,
	})
)

// debugHeader on a request raises response annotations for that exchange.
const debugHeader = "Edgee-Debug"

// processHeader tells a debugging client what the compute stage did with
// the response.
const processHeader = "x-edgee"

// EventSink receives finished events for component processing. Satisfied
// by wasm.Runtime.
type EventSink interface {
	HandleEvent(event *collect.Event, client wasm.ClientHeaders)
}

// Handler serves every proxied domain: redirections, the event endpoint,
// the backend exchange and the compute stage.
type Handler struct {
	logger    *zap.Logger
	cfg       *config.Config
	table     *Table
	codec     *session.Codec
	builder   *collect.Builder
	sink      EventSink
	transport http.RoundTripper
}

// NewHandler wires the request path together. codec and sink may be nil
// when the compute pipeline is disabled; the handler then proxies only.
func NewHandler(logger *zap.Logger, cfg *config.Config, table *Table, codec *session.Codec, sink EventSink) *Handler {
	return &Handler{
		logger:  logger,
		cfg:     cfg,
		table:   table,
		codec:   codec,
		builder: collect.NewBuilder(),
		sink:    sink,
		transport: &http.Transport{
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	if r.TLS == nil && h.cfg.HTTP.ForceHTTPS {
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
		return
	}

	if target, ok := h.table.Redirect(r.Host, r.URL.Path); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if r.URL.Path == h.cfg.Compute.EventPath {
		h.handleEvent(w, r, proto)
		return
	}

	h.proxy(w, r, proto, start)
}

// computeDisabled reports whether the compute pipeline is off for this
// deployment, globally or for lack of components.
func (h *Handler) computeDisabled() bool {
	return h.cfg.Compute.ProxyOnly || h.codec == nil || h.sink == nil
}

// handleEvent is the client SDK endpoint: a JSON event posted by the
// browser, answered before any component runs.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request, proto string) {
	w.Header().Set("Cache-Control", "private, no-store")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.computeDisabled() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	state := h.codec.Resolve(r)
	ip := clientIP(r)
	event, err := h.builder.FromJSON(body, r, proto, ip, state)
	if err != nil {
		if errors.Is(err, collect.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, "malformed event", http.StatusBadRequest)
		}
		return
	}

	if err := h.codec.Write(w.Header(), r.Host, state); err != nil {
		h.logger.Error("write session cookie", zap.Error(err))
	}

	go h.sink.HandleEvent(event, wasm.ClientHeaders{UserAgent: r.UserAgent(), IP: ip})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, proto string, start time.Time) {
	domain := normalizeHost(r.Host)
	target, ok := h.table.Resolve(r.Host, r.URL.RequestURI())
	if !ok {
		mRequests.WithLabelValues(domain, "404").Inc()
		http.NotFound(w, r)
		return
	}

	outReq, err := h.upstreamRequest(r, target, proto)
	if err != nil {
		h.logger.Error("build upstream request", zap.String("domain", domain), zap.Error(err))
		mRequests.WithLabelValues(domain, "502").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		h.logger.Error("backend exchange failed",
			zap.String("domain", domain),
			zap.String("backend", target.Backend.Name),
			zap.Error(err))
		mRequests.WithLabelValues(domain, "502").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if h.computeDisabled() {
		h.annotate(r, resp, "proxy-only")
	} else {
		h.compute(r, resp, proto)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("stream response", zap.String("domain", domain), zap.Error(err))
	}

	mRequests.WithLabelValues(domain, strconv.Itoa(resp.StatusCode)).Inc()
	mDuration.Observe(time.Since(start).Seconds())
}

func (h *Handler) upstreamRequest(r *http.Request, target Target, proto string) (*http.Request, error) {
	scheme := "http"
	if target.Backend.EnableSSL {
		scheme = "https"
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, scheme+"://"+target.Backend.Address+target.Path, r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength
	copyHeaders(outReq.Header, r.Header)
	outReq.Host = normalizeHost(target.Backend.Address)

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+remoteIP(r))
	} else {
		outReq.Header.Set("X-Forwarded-For", remoteIP(r))
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	return outReq, nil
}

// compute is the data-collection stage: session resolution, the edge-side
// page event and the data layer injection. It only annotates and mutates
// the response in place; the caller streams it afterwards.
func (h *Handler) compute(r *http.Request, resp *http.Response, proto string) {
	if reason := h.abortReason(r, resp); reason != "" {
		h.annotate(r, resp, reason)
		return
	}

	state := h.codec.Resolve(r)
	if err := h.codec.Write(resp.Header, r.Host, state); err != nil {
		h.logger.Error("write session cookie", zap.Error(err))
	}

	ip := clientIP(r)
	event := h.builder.PageView(r, proto, ip, state)
	go h.sink.HandleEvent(event, wasm.ClientHeaders{UserAgent: r.UserAgent(), IP: ip})

	dataLayer, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode data layer", zap.Error(err))
		h.annotate(r, resp, "compute-aborted(data-layer)")
		return
	}
	if !rewrite.Response(resp, rewrite.Snippet(dataLayer)) {
		h.annotate(r, resp, "compute-aborted(encoding)")
		return
	}
	h.annotate(r, resp, "compute")
}

// abortReason checks the conditions under which a response must pass
// through without data collection.
func (h *Handler) abortReason(r *http.Request, resp *http.Response) string {
	if r.Method != http.MethodGet {
		return "compute-aborted(method)"
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return "compute-aborted(redirection)"
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); !strings.Contains(ct, "text/html") {
		return "compute-aborted(not-html)"
	}
	if strings.Contains(r.URL.RawQuery, "disableEdgeDataCollection") {
		return "compute-aborted(disableEdgeDataCollection)"
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Purpose")), "prefetch") ||
		strings.Contains(strings.ToLower(r.Header.Get("Sec-Purpose")), "prefetch") {
		return "compute-aborted(prefetch)"
	}
	if cacheable(resp.Header, h.cfg.Compute.BehindProxyCache) {
		return "compute-aborted(cacheable)"
	}
	return ""
}

// annotate records what the compute stage did, visible to debugging
// clients only.
func (h *Handler) annotate(r *http.Request, resp *http.Response, process string) {
	if h.cfg.Log.Level == "debug" || r.Header.Get(debugHeader) != "" {
		resp.Header.Set(processHeader, process)
	}
}

// cacheable decides whether the response may be served from a cache, in
// which case the injected body would go stale and data collection would
// overcount. behindProxyCache widens the check to CDN semantics.
func cacheable(header http.Header, behindProxyCache bool) bool {
	cc := strings.ToLower(header.Get("Cache-Control"))

	if behindProxyCache {
		sc := strings.ToLower(header.Get("Surrogate-Control"))
		if strings.Contains(sc, "private") && strings.Contains(sc, "no-store") {
			return false
		}
		if strings.Contains(cc, "private") && strings.Contains(cc, "no-store") {
			return false
		}
		if header.Get("Etag") != "" || header.Get("Last-Modified") != "" || header.Get("Expires") != "" {
			return true
		}
		if strings.Contains(cc, "max-age=0") &&
			(strings.Contains(cc, "public") || strings.Contains(cc, "private")) {
			return false
		}
		return true
	}

	if strings.Contains(cc, "private") && strings.Contains(cc, "no-store") {
		return false
	}
	if header.Get("Etag") != "" || header.Get("Last-Modified") != "" || header.Get("Expires") != "" {
		return true
	}
	if strings.Contains(cc, "public") && strings.Contains(cc, "max-age=0") {
		return false
	}
	return strings.Contains(cc, "public") || strings.Contains(cc, "max-age") || strings.Contains(cc, "no-cache")
}

// hop-by-hop headers are not forwarded in either direction.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// clientIP is the originating address: the first hop of X-Forwarded-For
// when present, the peer address otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
