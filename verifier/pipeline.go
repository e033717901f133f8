// Package verifier sequences claim checks and signature verification into
// a single classified outcome per request.
package verifier

import (
	"time"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwks"
	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
)

// VerifyStatus is an exhaustive, mutually exclusive verification verdict.
type VerifyStatus int

const (
	Success VerifyStatus = iota
	NotPresent
	Malformed
	IssuerMismatch
	AudienceMismatch
	NotBefore
	Expired
	NoValidators
	InvalidSignature
	FailUnknown
)

// String returns the verdict's textual name, used verbatim as the 401
// response body.
func (v VerifyStatus) String() string {
	switch v {
	case Success:
		return "SUCCESS"
	case NotPresent:
		return "JWT_VERIFY_FAIL_NOT_PRESENT"
	case Malformed:
		return "JWT_VERIFY_FAIL_MALFORMED"
	case IssuerMismatch:
		return "JWT_VERIFY_FAIL_ISSUER_MISMATCH"
	case AudienceMismatch:
		return "JWT_VERIFY_FAIL_AUDIENCE_MISMATCH"
	case NotBefore:
		return "JWT_VERIFY_FAIL_NOT_BEFORE"
	case Expired:
		return "JWT_VERIFY_FAIL_EXPIRED"
	case NoValidators:
		return "JWT_VERIFY_FAIL_NO_VALIDATORS"
	case InvalidSignature:
		return "JWT_VERIFY_FAIL_INVALID_SIGNATURE"
	default:
		return "JWT_VERIFY_FAIL_UNKNOWN"
	}
}

// Clock abstracts wall-clock time so temporal checks are deterministic in
// tests.
type Clock func() time.Time

// Config holds the claim constraints a token must satisfy.
type Config struct {
	AllowedIssuer    string
	AllowedAudiences map[string]struct{}
}

// Pipeline orchestrates the JWT decoder, the JWKS store and claim checks
// into a single VerifyStatus per request.
type Pipeline struct {
	cfg   Config
	store *jwks.Store
	clock Clock
}

// New builds a Pipeline. clock defaults to time.Now if nil.
func New(cfg Config, store *jwks.Store, clock Clock) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{cfg: cfg, store: store, clock: clock}
}

// Verify runs the full check sequence against a single header value.
// present must be false if the request carried no Authenticated-User-Jwt
// header at all; headerValue is then ignored.
func (p *Pipeline) Verify(headerValue string, present bool) VerifyStatus {
	if !present {
		return NotPresent
	}

	tok := jwt.Decode(headerValue)
	if !tok.Parsed {
		return Malformed
	}

	if tok.Payload.Iss == "" || tok.Payload.Iss != p.cfg.AllowedIssuer {
		return IssuerMismatch
	}

	aud, ok := tok.Payload.Audiences()
	if !ok || !p.audienceAllowed(aud) {
		return AudienceMismatch
	}

	if st := p.checkNotBefore(tok); st != Success {
		return st
	}
	if st := p.checkExpiry(tok); st != Success {
		return st
	}

	if tok.Header.Kid == "" {
		return NoValidators
	}
	pub, ok := p.store.Current().Lookup(tok.Header.Kid)
	if !ok {
		return NoValidators
	}

	if !jwt.VerifySignature(tok.SigningInput(), tok.Signature, tok.Header.Alg, pub.Key) {
		return InvalidSignature
	}

	return Success
}

// audienceAllowed reports whether at least one of the token's audiences is
// in the configured allow-set. An empty allow-set never matches, which is
// intentional: operators wanting anonymous audiences must not configure
// the filter with this pipeline.
func (p *Pipeline) audienceAllowed(aud []string) bool {
	for _, a := range aud {
		if _, ok := p.cfg.AllowedAudiences[a]; ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) checkNotBefore(tok *jwt.Token) VerifyStatus {
	seconds, present, ok := jwt.NumericClaim(tok.Payload.Nbf)
	if !present {
		return Success
	}
	if !ok || seconds < 0 {
		return NotBefore
	}
	if p.clock().Unix() < seconds {
		return NotBefore
	}
	return Success
}

func (p *Pipeline) checkExpiry(tok *jwt.Token) VerifyStatus {
	seconds, present, ok := jwt.NumericClaim(tok.Payload.Exp)
	if !present {
		return Success
	}
	if !ok || seconds < 0 {
		return Expired
	}
	if p.clock().Unix() > seconds {
		return Expired
	}
	return Success
}
