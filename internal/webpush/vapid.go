package webpush

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"time"
)

// VAPIDKeys holds the application server identity: an uncompressed
// P-256 public key, its private scalar, both base64url, and the contact
// subject push services may use to reach the operator.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// tokenLifetime is how long a signed VAPID assertion stays valid.
const tokenLifetime = 12 * time.Hour

// Validate checks the key material is well formed.
func (k VAPIDKeys) Validate() error {
	pub, err := b64decode(k.PublicKey)
	if err != nil {
		return fmt.Errorf("vapid public key: %w", err)
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("vapid public key: want 65-byte uncompressed point, got %d bytes", len(pub))
	}
	if _, err := b64decode(k.PrivateKey); err != nil {
		return fmt.Errorf("vapid private key: %w", err)
	}
	if k.Subject == "" {
		return fmt.Errorf("vapid subject is required")
	}
	return nil
}

// publicKeyB64 re-encodes the public key so padded or standard-alphabet
// input still produces the canonical header form.
func (k VAPIDKeys) publicKeyB64() (string, error) {
	pub, err := b64decode(k.PublicKey)
	if err != nil {
		return "", fmt.Errorf("vapid public key: %w", err)
	}
	return b64encode(pub), nil
}

// signingKey reconstructs the ECDSA private key from the stored scalar
// and public point.
func (k VAPIDKeys) signingKey() (*ecdsa.PrivateKey, error) {
	pub, err := b64decode(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("vapid public key: %w", err)
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		return nil, fmt.Errorf("vapid public key: want 65-byte uncompressed point, got %d bytes", len(pub))
	}
	d, err := b64decode(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("vapid private key: %w", err)
	}
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

// Authorization builds the `vapid t=<jwt>, k=<pub>` header value for a
// push endpoint. The JWT audience is the endpoint's scheme://host and
// the assertion expires 12 hours from now.
func (k VAPIDKeys) Authorization(endpoint string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	subject := k.Subject
	if len(subject) < 7 || subject[:7] != "mailto:" {
		subject = "mailto:" + subject
	}

	header, err := json.Marshal(map[string]string{"typ": "JWT", "alg": "ES256"})
	if err != nil {
		return "", fmt.Errorf("encode jwt header: %w", err)
	}
	payload, err := json.Marshal(map[string]any{
		"aud": u.Scheme + "://" + u.Host,
		"exp": now.Add(tokenLifetime).Unix(),
		"sub": subject,
	})
	if err != nil {
		return "", fmt.Errorf("encode jwt payload: %w", err)
	}
	signingInput := b64encode(header) + "." + b64encode(payload)

	key, err := k.signingKey()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signingInput))
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	jose, err := DERToJose(der)
	if err != nil {
		return "", err
	}

	pub, err := k.publicKeyB64()
	if err != nil {
		return "", err
	}
	jwt := signingInput + "." + b64encode(jose)
	return fmt.Sprintf("vapid t=%s, k=%s", jwt, pub), nil
}

// DERToJose normalizes an ECDSA P-256 signature to the 64-byte JOSE
// r||s form. A 64-byte input is passed through; a DER
// SEQUENCE{INTEGER r, INTEGER s} is parsed, leading zero bytes are
// stripped from each integer and both halves are left-padded to 32
// bytes.
func DERToJose(sig []byte) ([]byte, error) {
	if len(sig) == 64 {
		out := make([]byte, 64)
		copy(out, sig)
		return out, nil
	}
	if len(sig) < 8 || sig[0] != 0x30 {
		return nil, fmt.Errorf("unexpected signature format (len=%d)", len(sig))
	}

	i := 2
	r, next, err := derInteger(sig, i)
	if err != nil {
		return nil, fmt.Errorf("signature r: %w", err)
	}
	s, _, err := derInteger(sig, next)
	if err != nil {
		return nil, fmt.Errorf("signature s: %w", err)
	}

	out := make([]byte, 64)
	copy(out[32-len(r):32], r)
	copy(out[64-len(s):], s)
	return out, nil
}

// derInteger reads one INTEGER at offset i, stripping leading zeros.
func derInteger(sig []byte, i int) (val []byte, next int, err error) {
	if i+2 > len(sig) || sig[i] != 0x02 {
		return nil, 0, fmt.Errorf("expected INTEGER tag at offset %d", i)
	}
	n := int(sig[i+1])
	i += 2
	if i+n > len(sig) {
		return nil, 0, fmt.Errorf("truncated INTEGER at offset %d", i)
	}
	v := sig[i : i+n]
	for len(v) > 1 && v[0] == 0x00 {
		v = v[1:]
	}
	if len(v) > 32 {
		return nil, 0, fmt.Errorf("INTEGER longer than 32 bytes")
	}
	return v, i + n, nil
}
