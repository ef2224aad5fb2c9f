// Package dispatch executes the HTTP intents produced by components as real
// outbound calls, decoupled from the client-facing response. Calls are
// fire-and-forget: nothing upstream ever waits on them, failures are logged
// and counted but never retried.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	mDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgee_dispatch_requests_total",
		Help: "Outbound component requests by outcome",
	}, []string{"component", "outcome"})
	mDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgee_dispatch_dropped_total",
		Help: "Outbound requests dropped by admission control",
	})
	gQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgee_dispatch_queue_depth",
		Help: "Outbound requests waiting for a worker",
	})
)

// Request is one outbound call on behalf of a component.
type Request struct {
	ComponentID string
	Method      string
	URL         string
	Headers     http.Header
	Body        []byte
}

// Dispatcher runs a fixed worker pool over a bounded queue. Under
// saturation the oldest queued request is dropped to make room for the new
// one (drop-oldest): a stale analytics call is worth less than a fresh one,
// and the client response is never held up either way.
type Dispatcher struct {
	logger *zap.Logger
	client *http.Client

	mu    sync.Mutex
	queue []*Request
	wake  chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
	max  int
}

// New starts workers goroutines over a queue bounded at queueSize entries.
func New(logger *zap.Logger, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
		wake:   make(chan struct{}, queueSize+workers),
		done:   make(chan struct{}),
		max:    queueSize,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue admits a request for asynchronous execution. It never blocks the
// caller: when the queue is full the oldest unsent request is discarded and
// counted as an error.
func (d *Dispatcher) Enqueue(req *Request) {
	d.mu.Lock()
	if len(d.queue) >= d.max {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		mDropped.Inc()
		mDispatched.WithLabelValues(dropped.ComponentID, "dropped").Inc()
		d.logger.Warn("outbound request dropped by admission control",
			zap.String("component", dropped.ComponentID),
			zap.String("url", dropped.URL))
	}
	d.queue = append(d.queue, req)
	gQueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting wakeups and waits for in-flight sends to finish.
// Queued-but-unsent requests are abandoned.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
			for {
				req := d.pop()
				if req == nil {
					break
				}
				d.send(req)
			}
		}
	}
}

func (d *Dispatcher) pop() *Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	gQueueDepth.Set(float64(len(d.queue)))
	return req
}

func (d *Dispatcher) send(req *Request) {
	httpReq, err := http.NewRequestWithContext(context.Background(), req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		mDispatched.WithLabelValues(req.ComponentID, "error").Inc()
		d.logger.Error("invalid outbound request",
			zap.String("component", req.ComponentID),
			zap.String("url", req.URL),
			zap.Error(err))
		return
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		mDispatched.WithLabelValues(req.ComponentID, "error").Inc()
		d.logger.Error("outbound request failed",
			zap.String("component", req.ComponentID),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		mDispatched.WithLabelValues(req.ComponentID, "http_error").Inc()
		d.logger.Error("destination rejected outbound request",
			zap.String("component", req.ComponentID),
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("status", resp.StatusCode))
		return
	}

	mDispatched.WithLabelValues(req.ComponentID, "ok").Inc()
	d.logger.Debug("outbound request sent",
		zap.String("component", req.ComponentID),
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode))
}
