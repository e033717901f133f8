package jwt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"math/big"
)

// PublicKey is a handle to an imported EC public key, identified by Kid.
type PublicKey struct {
	Kid string
	Alg string // ES256, ES384 or ES512, matching Curve
	Key *ecdsa.PublicKey
}

// curveParams maps a JWK "crv" value to the NIST curve and the ECDSA
// algorithm a key on that curve is expected to sign with.
var curveParams = map[string]struct {
	curve elliptic.Curve
	alg   string
}{
	"P-256": {elliptic.P256(), "ES256"},
	"P-384": {elliptic.P384(), "ES384"},
	"P-521": {elliptic.P521(), "ES512"},
}

type jwkDoc struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ImportJWK converts a JWK JSON object (kty=EC) into a PublicKey handle.
// It returns an error for anything that makes the key unusable: missing
// kid, unrecognized kty/crv, missing/empty x or y, or a point that
// doesn't decode. Callers importing a JWKS should skip (not fail) on
// error per spec.
func ImportJWK(raw json.RawMessage) (*PublicKey, error) {
	var doc jwkDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwt: invalid jwk json: %w", err)
	}
	if doc.Kid == "" {
		return nil, fmt.Errorf("jwt: jwk missing kid")
	}
	if doc.Kty != "" && doc.Kty != "EC" {
		return nil, fmt.Errorf("jwt: unsupported kty %q", doc.Kty)
	}
	params, ok := curveParams[doc.Crv]
	if !ok {
		return nil, fmt.Errorf("jwt: unsupported crv %q", doc.Crv)
	}
	if doc.X == "" || doc.Y == "" {
		return nil, fmt.Errorf("jwt: jwk %s missing x or y", doc.Kid)
	}
	xb, err := decodeSegment(doc.X)
	if err != nil {
		return nil, fmt.Errorf("jwt: jwk %s invalid x: %w", doc.Kid, err)
	}
	yb, err := decodeSegment(doc.Y)
	if err != nil {
		return nil, fmt.Errorf("jwt: jwk %s invalid y: %w", doc.Kid, err)
	}
	x := new(big.Int).SetBytes(xb)
	y := new(big.Int).SetBytes(yb)
	if !params.curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("jwt: jwk %s point not on curve %s", doc.Kid, doc.Crv)
	}
	return &PublicKey{
		Kid: doc.Kid,
		Alg: params.alg,
		Key: &ecdsa.PublicKey{Curve: params.curve, X: x, Y: y},
	}, nil
}
