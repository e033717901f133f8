// Command jwkgen generates EC JWK/JWKS fixtures for testing the filter.
// It reads an existing JWKS from stdin (or starts a new one with
// -create), appends a freshly generated EC key, and proves the result
// usable by round-tripping it through this repo's own jwt/jwks packages
// before printing it: import every key with jwt.ImportJWK, publish them
// into a jwks.Snapshot, look the new key up by kid, and verify a
// throwaway signature against it with jwt.VerifySignature. A fixture
// that fails this check would also fail at the filter, so jwkgen
// refuses to emit one.
package main

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"hash"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwks"
	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
)

type jwkSet struct {
	Keys []json.RawMessage `json:"keys"`
}

type jwk struct {
	KeyType string   `json:"kty"`
	KeyOps  []string `json:"key_ops"`
	KeyID   string   `json:"kid"`
}

type jwkEC struct {
	jwk
	Curve string `json:"crv"`
	X     string `json:"x"`
	Y     string `json:"y"`
	D     string `json:"d,omitempty"`
}

// curveFor maps an alg flag value to its curve, segment byte length and
// digest, mirroring jwt.VerifySignature's own alg table so the round-trip
// check below exercises exactly the same mapping the filter verifies with.
var curveFor = map[string]struct {
	curve elliptic.Curve
	size  int
	hash  func() hash.Hash
}{
	"ES256": {elliptic.P256(), 32, sha256.New},
	"ES384": {elliptic.P384(), 48, sha512.New384},
	"ES512": {elliptic.P521(), 66, sha512.New},
}

// newJWKEC generates a fresh EC key pair for alg (ES256, ES384 or ES512)
// and returns it both as a JWK (with the private scalar D, so the
// fixture can also sign test tokens) and as the live *ecdsa.PrivateKey,
// so the caller can round-trip a signature against the imported key
// before trusting the JWK encoding.
func newJWKEC(alg string) (*jwkEC, *ecdsa.PrivateKey, error) {
	params, ok := curveFor[alg]
	if !ok {
		return nil, nil, fmt.Errorf("%s is not a supported algorithm", alg)
	}

	privKey, err := ecdsa.GenerateKey(params.curve, rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	d := make([]byte, params.size)
	x := make([]byte, params.size)
	y := make([]byte, params.size)
	copy(d[params.size-len(privKey.D.Bytes()):], privKey.D.Bytes())
	copy(x[params.size-len(privKey.X.Bytes()):], privKey.X.Bytes())
	copy(y[params.size-len(privKey.Y.Bytes()):], privKey.Y.Bytes())

	kid, err := uuid.NewRandom()
	if err != nil {
		return nil, nil, err
	}

	key := &jwkEC{}
	key.KeyType = "EC"
	key.KeyID = kid.String()
	key.Curve = curveName(alg)
	key.X = base64.URLEncoding.EncodeToString(x)
	key.Y = base64.URLEncoding.EncodeToString(y)
	key.D = base64.URLEncoding.EncodeToString(d)
	key.KeyOps = []string{"verify", "sign"}

	return key, privKey, nil
}

func curveName(alg string) string {
	switch alg {
	case "ES256":
		return "P-256"
	case "ES384":
		return "P-384"
	default:
		return "P-521"
	}
}

func readJWKSFromStdin() *jwkSet {
	var set jwkSet
	buf := new(bytes.Buffer)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := buf.Write(scanner.Bytes()); err != nil {
			log.Fatalf("Error reading stdin: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Error reading stdin: %v", err)
	}
	if err := json.Unmarshal(buf.Bytes(), &set); err != nil {
		log.Fatalf("Error unmarshaling jwks: %v", err)
	}
	return &set
}

// verifyRoundTrip imports every key in set through jwt.ImportJWK, builds a
// jwks.Snapshot from the result, and - when a key was just generated -
// confirms that key's kid is reachable in the snapshot and that it can
// verify a signature made with priv/alg. It refuses (log.Fatal) rather
// than emit a generated key the rest of this repo couldn't itself verify.
// Other keys in set that fail to import are logged and skipped, not
// rejected, and stay in the printed set.
func verifyRoundTrip(set *jwkSet, newKid, alg string, priv *ecdsa.PrivateKey) {
	var imported []*jwt.PublicKey
	for _, raw := range set.Keys {
		pk, err := jwt.ImportJWK(raw)
		if err != nil {
			log.WithError(err).Warn("jwkgen: skipping key that failed to import")
			continue
		}
		imported = append(imported, pk)
	}
	snapshot := jwks.NewSnapshot(imported)

	if priv == nil {
		log.WithField("keys", len(imported)).Info("jwkgen: round-trip import ok")
		return
	}

	pub, ok := snapshot.Lookup(newKid)
	if !ok {
		log.Fatalf("jwkgen: generated key %s did not round-trip through jwt.ImportJWK", newKid)
	}

	params := curveFor[alg]
	header := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(fmt.Sprintf(`{"alg":%q,"kid":%q}`, alg, newKid)))
	payload := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(`{"jwkgen":"fixture-check"}`))
	signingInput := header + "." + payload

	h := params.hash()
	h.Write([]byte(signingInput))
	digest := h.Sum(nil)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		log.Fatalf("jwkgen: signing round-trip check: %v", err)
	}
	sig := make([]byte, 2*params.size)
	r.FillBytes(sig[:params.size])
	s.FillBytes(sig[params.size:])

	if !jwt.VerifySignature(signingInput, sig, alg, pub.Key) {
		log.Fatalf("jwkgen: generated key %s failed its own signature round-trip", newKid)
	}
	log.WithField("kid", newKid).Info("jwkgen: generated key round-trips through jwt.VerifySignature")
}

func main() {
	create := flag.Bool("create", false, "Create a new JWKS instead of reading an existing one from stdin")
	alg := flag.String("alg", "", "Algorithm, one of ES256, ES384 or ES512")
	flag.Parse()

	var set *jwkSet
	if *create {
		set = &jwkSet{Keys: []json.RawMessage{}}
	} else {
		set = readJWKSFromStdin()
	}

	var (
		newKid string
		priv   *ecdsa.PrivateKey
	)
	if *alg != "" {
		key, privKey, err := newJWKEC(*alg)
		if err != nil {
			log.Fatalf("Error creating key: %v", err)
		}
		raw, err := json.Marshal(key)
		if err != nil {
			log.Fatalf("Error marshaling key: %v", err)
		}
		set.Keys = append(set.Keys, raw)
		newKid = key.KeyID
		priv = privKey
	}

	verifyRoundTrip(set, newKid, *alg, priv)

	out, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling jwks: %v", err)
	}
	fmt.Printf("%s\n", out)
}
