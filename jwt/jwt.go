// Package jwt decodes JOSE compact-serialized JWTs and verifies ECDSA
// signatures over them. It borrows its shape from the project's older
// jose/jwx packages but narrows scope to what the filter needs: no
// signing, no HMAC, no RSA.
package jwt

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Header is the recognized subset of a JWT header.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Payload is the recognized subset of a JWT payload. Aud, Nbf and Exp are
// kept as raw JSON so callers can tolerate the int/float claim encodings
// seen in the wild.
type Payload struct {
	Iss string          `json:"iss"`
	Aud json.RawMessage `json:"aud"`
	Nbf json.RawMessage `json:"nbf"`
	Exp json.RawMessage `json:"exp"`
}

// Token is an immutable parsed JWT. A Token with Parsed == false is
// malformed; no other field should be inspected.
type Token struct {
	HeaderRaw  string
	PayloadRaw string
	Header     Header
	Payload    Payload
	Signature  []byte
	Parsed     bool
}

// SigningInput returns the bytes that were signed: the two base64url
// segments joined with the original '.' separator.
func (t *Token) SigningInput() string {
	return t.HeaderRaw + "." + t.PayloadRaw
}

// Decode splits a compact JWS into its three segments and parses the
// header and payload JSON. It never panics; any failure is reported only
// through Token.Parsed.
func Decode(raw string) *Token {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return &Token{Parsed: false}
	}
	headerRaw, payloadRaw, sigRaw := parts[0], parts[1], parts[2]

	headerJSON, err := decodeSegment(headerRaw)
	if err != nil {
		return &Token{Parsed: false}
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return &Token{Parsed: false}
	}

	payloadJSON, err := decodeSegment(payloadRaw)
	if err != nil {
		return &Token{Parsed: false}
	}
	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return &Token{Parsed: false}
	}

	sig, err := decodeSegment(sigRaw)
	if err != nil || len(sig) == 0 {
		return &Token{Parsed: false}
	}

	return &Token{
		HeaderRaw:  headerRaw,
		PayloadRaw: payloadRaw,
		Header:     header,
		Payload:    payload,
		Signature:  sig,
		Parsed:     true,
	}
}

// decodeSegment base64url-decodes a JOSE segment: pad to a multiple of 4
// and decode with the URL-safe alphabet, matching the original filter's
// urlsafeBase64Decode.
func decodeSegment(seg string) ([]byte, error) {
	if m := len(seg) % 4; m != 0 {
		seg += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(seg)
}

// Audiences returns the token's "aud" claim normalized to a list: a bare
// string becomes a one-element list, an array is used as-is. ok is false
// if "aud" is absent or any other JSON shape.
func (p Payload) Audiences() (aud []string, ok bool) {
	if len(p.Aud) == 0 || string(p.Aud) == "null" {
		return nil, false
	}
	var single string
	if err := json.Unmarshal(p.Aud, &single); err == nil {
		return []string{single}, true
	}
	var list []string
	if err := json.Unmarshal(p.Aud, &list); err == nil {
		return list, true
	}
	return nil, false
}

// NumericClaim reports a numeric claim (nbf/exp) tolerant of both integer
// and floating point JSON encodings, truncating to whole seconds. present
// is false if the claim is absent from the payload; ok is false if it is
// present but not a JSON number.
func NumericClaim(raw json.RawMessage) (seconds int64, present bool, ok bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, true, false
	}
	return int64(f), true, true
}
