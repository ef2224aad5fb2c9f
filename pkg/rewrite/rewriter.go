// Package rewrite injects the data layer into HTML responses as they
// stream from the backend to the client. The transform never buffers more
// than one chunk plus a few bytes of tag-boundary carry, so large pages
// flow through with constant memory.
package rewrite

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mInjections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "edgee_rewriter_injections_total",
	Help: "HTML responses that received the data layer snippet",
})

// Snippet renders the serialized data layer as an inline script tag. Any
// "</" inside the payload is escaped so the tag cannot be closed early.
func Snippet(dataLayer []byte) []byte {
	safe := bytes.ReplaceAll(dataLayer, []byte("</"), []byte(`<\/`))
	var b bytes.Buffer
	b.WriteString(`<script id="__EDGEE_DATA_LAYER__" type="application/json">`)
	b.Write(safe)
	b.WriteString(`</script>`)
	return b.Bytes()
}

// Response wraps resp.Body so the snippet is injected into the document.
// It reports false and leaves the response untouched when the body is not
// rewritable: non-HTML content, or a content encoding other than identity
// or gzip. On success the Content-Length header is dropped since the body
// length changes.
func Response(resp *http.Response, snippet []byte) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "text/html") {
		return false
	}

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		resp.Body = newInjectReader(resp.Body, resp.Body, snippet)
	case "gzip":
		resp.Body = gzipRewrite(resp.Body, snippet)
	default:
		return false
	}

	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return true
}

// gzipRewrite decodes, injects and re-encodes on the fly. The copy runs in
// its own goroutine feeding a pipe the caller reads from.
func gzipRewrite(body io.ReadCloser, snippet []byte) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		gzr, err := gzip.NewReader(body)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		gzw := gzip.NewWriter(pw)
		_, err = io.Copy(gzw, newInjectReader(gzr, nil, snippet))
		if cerr := gzw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return &pipedBody{PipeReader: pr, src: body}
}

type pipedBody struct {
	*io.PipeReader
	src io.ReadCloser
}

func (b *pipedBody) Close() error {
	b.PipeReader.Close()
	return b.src.Close()
}

const (
	tokenHead = "</head>"
	tokenBody = "<body"

	// longest token minus one: the most bytes a chunk boundary can split.
	carryMax = len(tokenHead) - 1
)

// injectReader emits its source unchanged except for one insertion of the
// snippet at the first injection point. Documents with neither a head close
// nor a body open tag get the snippet appended at the end.
type injectReader struct {
	src      io.Reader
	closer   io.Closer
	snippet  []byte
	scratch  []byte
	buf      []byte
	carry    []byte
	injected bool
	err      error
}

func newInjectReader(src io.Reader, closer io.Closer, snippet []byte) *injectReader {
	return &injectReader{
		src:     src,
		closer:  closer,
		snippet: snippet,
		scratch: make([]byte, 32*1024),
	}
}

func (r *injectReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.src.Read(r.scratch)
		if n > 0 {
			r.consume(r.scratch[:n])
		}
		if err != nil {
			if err == io.EOF {
				r.finish()
			}
			r.err = err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *injectReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *injectReader) consume(chunk []byte) {
	if r.injected {
		r.buf = append(r.buf, chunk...)
		return
	}
	window := make([]byte, 0, len(r.carry)+len(chunk))
	window = append(window, r.carry...)
	window = append(window, chunk...)

	if at, ok := injectionPoint(window); ok {
		r.buf = append(r.buf, window[:at]...)
		r.buf = append(r.buf, r.snippet...)
		r.buf = append(r.buf, window[at:]...)
		r.injected = true
		r.carry = nil
		mInjections.Inc()
		return
	}

	keep := len(window) - carryMax
	if keep < 0 {
		keep = 0
	}
	r.buf = append(r.buf, window[:keep]...)
	r.carry = append(r.carry[:0], window[keep:]...)
}

// finish flushes the carry and, for documents without any injection point,
// appends the snippet at the end.
func (r *injectReader) finish() {
	r.buf = append(r.buf, r.carry...)
	r.carry = nil
	if !r.injected {
		r.buf = append(r.buf, r.snippet...)
		r.injected = true
		mInjections.Inc()
	}
}

// injectionPoint finds the earliest of the head close or body open tags,
// case-insensitively.
func injectionPoint(window []byte) (int, bool) {
	lower := bytes.ToLower(window)
	head := bytes.Index(lower, []byte(tokenHead))
	body := bytes.Index(lower, []byte(tokenBody))
	switch {
	case head >= 0 && (body < 0 || head <= body):
		return head, true
	case body >= 0:
		return body, true
	}
	return 0, false
}
