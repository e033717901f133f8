package filter

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwks"
	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
	"github.com/ScaleFT/envoy-filter-accessfabric/verifier"
)

func newAlwaysRejectPipeline() *verifier.Pipeline {
	store := jwks.NewStore()
	return verifier.New(verifier.Config{AllowedIssuer: "iss1", AllowedAudiences: map[string]struct{}{"aud1": {}}}, store, nil)
}

func encodeSeg(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
}

// newSuccessPipeline builds a pipeline that accepts a freshly signed
// token for kid "kid1", and returns that token alongside it.
func newSuccessPipeline(t *testing.T) (*verifier.Pipeline, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := jwks.NewStore()
	store.Publish(jwks.NewSnapshot([]*jwt.PublicKey{
		{Kid: "kid1", Alg: "ES256", Key: &priv.PublicKey},
	}))
	pipeline := verifier.New(verifier.Config{
		AllowedIssuer:    "iss1",
		AllowedAudiences: map[string]struct{}{"aud1": {}},
	}, store, nil)

	header := encodeSeg(t, map[string]string{"alg": "ES256", "kid": "kid1"})
	body := encodeSeg(t, map[string]interface{}{"iss": "iss1", "aud": "aud1"})
	signingInput := header + "." + body
	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	sigSeg := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)

	return pipeline, signingInput + "." + sigSeg
}

type recordingStats struct {
	accepted int
	rejected []verifier.VerifyStatus
}

func (s *recordingStats) Accepted() { s.accepted++ }
func (s *recordingStats) Rejected(v verifier.VerifyStatus) {
	s.rejected = append(s.rejected, v)
}

func TestDecodeHeadersNotPresent(t *testing.T) {
	f := New(newAlwaysRejectPipeline(), nil, "")
	result := f.DecodeHeaders(http.Header{}, true)
	if result.Action != StopIteration {
		t.Fatalf("expected StopIteration, got %v", result.Action)
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", result.StatusCode)
	}
	if result.Body != "JWT_VERIFY_FAIL_NOT_PRESENT" {
		t.Fatalf("unexpected body: %q", result.Body)
	}
}

func TestDecodeHeadersCaseInsensitiveLookup(t *testing.T) {
	f := New(newAlwaysRejectPipeline(), nil, "")
	headers := http.Header{}
	headers.Set("authenticated-user-jwt", "malformed.not.a.jwt")
	result := f.DecodeHeaders(headers, true)
	if result.Action != StopIteration {
		t.Fatalf("expected StopIteration for malformed token, got %v", result.Action)
	}
	if result.Body != "JWT_VERIFY_FAIL_MALFORMED" {
		t.Fatalf("unexpected body: %q", result.Body)
	}
}

func TestDecodeHeadersSuccessContinues(t *testing.T) {
	pipeline, token := newSuccessPipeline(t)
	stats := &recordingStats{}
	f := New(pipeline, stats, "")

	headers := http.Header{}
	headers.Set("Authenticated-User-Jwt", token)
	result := f.DecodeHeaders(headers, true)
	if result.Action != Continue {
		t.Fatalf("expected Continue, got %v", result.Action)
	}
	if stats.accepted != 1 {
		t.Fatalf("expected one acceptance recorded, got %d", stats.accepted)
	}
}

func TestMiddlewareBlocksOnFailureAndNeverForwards(t *testing.T) {
	var upstreamHit bool
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	})

	stats := &recordingStats{}
	f := New(newAlwaysRejectPipeline(), stats, "")
	handler := f.Middleware(upstream)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if upstreamHit {
		t.Fatalf("expected upstream to never be called on failure")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(stats.rejected) != 1 {
		t.Fatalf("expected one rejection recorded, got %d", len(stats.rejected))
	}
}

func TestMiddlewarePassThroughFidelityOnSuccess(t *testing.T) {
	pipeline, token := newSuccessPipeline(t)

	var gotHeaders http.Header
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	f := New(pipeline, nil, "")
	handler := f.Middleware(upstream)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authenticated-User-Jwt", token)
	req.Header.Set("X-Custom", "value")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected upstream's 200 to pass through, got %d", rec.Code)
	}
	if gotHeaders.Get("Authenticated-User-Jwt") != token {
		t.Fatalf("expected jwt header forwarded unchanged")
	}
	if gotHeaders.Get("X-Custom") != "value" {
		t.Fatalf("expected unrelated header forwarded unchanged")
	}
}

func TestTraceIDDisabledWithoutHeaderConfigured(t *testing.T) {
	f := New(newAlwaysRejectPipeline(), nil, "")
	if id := f.TraceID(http.Header{}); id != "" {
		t.Fatalf("expected empty trace id when no trace header is configured, got %q", id)
	}
}

func TestTraceIDUsesIncomingHeaderWhenPresent(t *testing.T) {
	f := New(newAlwaysRejectPipeline(), nil, "X-Trace-Id")
	headers := http.Header{}
	headers.Set("X-Trace-Id", "req-123")
	if id := f.TraceID(headers); id != "req-123" {
		t.Fatalf("expected incoming trace id preserved, got %q", id)
	}
}

func TestTraceIDGeneratedWhenHeaderAbsent(t *testing.T) {
	f := New(newAlwaysRejectPipeline(), nil, "X-Trace-Id")
	first := f.TraceID(http.Header{})
	second := f.TraceID(http.Header{})
	if first == "" || second == "" {
		t.Fatalf("expected generated trace ids, got %q and %q", first, second)
	}
	if first == second {
		t.Fatalf("expected distinct generated trace ids across requests")
	}
}

func TestMiddlewareNeverForwardsGeneratedTraceID(t *testing.T) {
	pipeline, token := newSuccessPipeline(t)

	var gotHeaders http.Header
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	f := New(pipeline, nil, "X-Trace-Id")
	handler := f.Middleware(upstream)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authenticated-User-Jwt", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected upstream's 200 to pass through, got %d", rec.Code)
	}
	if gotHeaders.Get("X-Trace-Id") != "" {
		t.Fatalf("expected generated trace id not forwarded upstream, got %q", gotHeaders.Get("X-Trace-Id"))
	}
}
