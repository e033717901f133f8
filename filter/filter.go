// Package filter adapts the verification pipeline to two calling
// conventions: the Envoy-style decodeHeaders/decodeData/decodeTrailers
// contract described by the source filter, and a plain net/http
// middleware for embedding in a Go reverse proxy.
package filter

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ScaleFT/envoy-filter-accessfabric/verifier"
)

// Action mirrors the host's stream-filter continuation contract.
type Action int

const (
	Continue Action = iota
	StopIteration
)

// HeaderMap is the minimal case-insensitive header lookup the adapter
// needs from a host's request headers; http.Header satisfies it.
type HeaderMap interface {
	Get(key string) string
}

// AcceptStats counts accepted/rejected verification outcomes, e.g. for the
// jwt_accepted / jwt_rejected counters.
type AcceptStats interface {
	Accepted()
	Rejected(verdict verifier.VerifyStatus)
}

const headerName = "Authenticated-User-Jwt"

// Filter wraps a verification Pipeline behind the host's streaming filter
// callbacks. It holds no per-request state between calls.
type Filter struct {
	pipeline    *verifier.Pipeline
	stats       AcceptStats
	log         *logrus.Entry
	traceHeader string
}

// New builds a Filter. stats may be nil. traceHeader is the inbound header
// read for log correlation (the teacher's TraceHeader option); pass "" to
// disable trace id logging entirely.
func New(pipeline *verifier.Pipeline, stats AcceptStats, traceHeader string) *Filter {
	return &Filter{
		pipeline:    pipeline,
		stats:       stats,
		log:         logrus.WithField("component", "filter"),
		traceHeader: traceHeader,
	}
}

// TraceID returns the request's trace id for log correlation: the value of
// the configured trace header if the caller already sent one, otherwise a
// freshly generated one. It returns "" when no trace header is configured.
// Unlike the teacher's read-only TraceHeader option, a missing header still
// yields an id here so a single request's log lines can be correlated even
// when the caller never set one; the generated id is never written back
// into headers, so it has no effect on what's forwarded upstream.
func (f *Filter) TraceID(headers HeaderMap) string {
	if f.traceHeader == "" {
		return ""
	}
	if id := headers.Get(f.traceHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func (f *Filter) logger(headers HeaderMap) *logrus.Entry {
	id := f.TraceID(headers)
	if id == "" {
		return f.log
	}
	return f.log.WithField("reqID", id)
}

// DecodeResult carries the outcome of DecodeHeaders: the continuation
// action, and when StopIteration is returned, the synthesized response.
type DecodeResult struct {
	Action     Action
	StatusCode int
	Body       string
}

// DecodeHeaders runs the pipeline against headers and reports whether the
// host should continue to the next filter (and ultimately upstream) or
// stop the stream with a synthesized 401.
func (f *Filter) DecodeHeaders(headers HeaderMap, endOfStream bool) DecodeResult {
	raw := headers.Get(headerName)
	verdict := f.pipeline.Verify(raw, raw != "")

	if f.stats != nil {
		if verdict == verifier.Success {
			f.stats.Accepted()
		} else {
			f.stats.Rejected(verdict)
		}
	}

	if verdict == verifier.Success {
		return DecodeResult{Action: Continue}
	}

	f.logger(headers).WithField("verdict", verdict.String()).Warn("filter: rejecting request")
	return DecodeResult{
		Action:     StopIteration,
		StatusCode: http.StatusUnauthorized,
		Body:       verdict.String(),
	}
}

// DecodeData is pass-through; the pipeline only inspects headers.
func (f *Filter) DecodeData(buffer []byte, endOfStream bool) Action {
	return Continue
}

// DecodeTrailers is pass-through.
func (f *Filter) DecodeTrailers(trailers HeaderMap) Action {
	return Continue
}

// Middleware adapts the filter to net/http for embedding in a reverse
// proxy. On SUCCESS it forwards the request to next unchanged; on any
// other verdict it writes the 401 itself and never calls next, satisfying
// the no-forward-on-failure property.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := f.DecodeHeaders(r.Header, r.Body == nil || r.ContentLength == 0)
		if result.Action == StopIteration {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(result.StatusCode)
			_, _ = io.WriteString(w, result.Body)
			return
		}
		next.ServeHTTP(w, r)
	})
}
