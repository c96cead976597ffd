package binance

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
)

// Signature schemes the upstream accepts for signed requests.
const (
	SignatureHMAC    = "HMAC"
	SignatureRSA     = "RSA"
	SignatureEd25519 = "ED25519"
)

// Params is an ordered parameter list. The upstream verifies the
// signature against the query string exactly as sent, so insertion
// order is part of the signature and the list is never sorted.
type Params struct {
	keys   []string
	values []string
}

// Add appends one parameter, returning p for chaining.
func (p *Params) Add(key, value string) *Params {
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return p
}

// Encode renders the list as a URL-encoded query string in insertion
// order.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.values[i]))
	}
	return b.String()
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.keys)
}

// Signer produces the signature parameter over an encoded query string.
type Signer interface {
	Sign(payload string) (string, error)
}

type hmacSigner struct {
	secret []byte
}

func (s *hmacSigner) Sign(payload string) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

type rsaSigner struct {
	key *rsa.PrivateKey
}

func (s *rsaSigner) Sign(payload string) (string, error) {
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s *ed25519Signer) Sign(payload string) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, []byte(payload))), nil
}

// NewSigner builds a signer for the configured scheme. HMAC takes the
// raw secret, the asymmetric schemes take a PEM-encoded private key.
// An empty scheme defaults to HMAC.
func NewSigner(scheme, keyMaterial string) (Signer, error) {
	scheme = strings.ToUpper(strings.TrimSpace(scheme))
	if scheme == "" {
		scheme = SignatureHMAC
	}

	if scheme == SignatureHMAC {
		if keyMaterial == "" {
			return nil, fmt.Errorf("hmac signer: empty secret")
		}
		return &hmacSigner{secret: []byte(keyMaterial)}, nil
	}

	block, _ := pem.Decode([]byte(keyMaterial))
	if block == nil {
		return nil, fmt.Errorf("%s signer: key material is not PEM", scheme)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Older RSA keys come PKCS1-encoded.
		rsaKey, err1 := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("%s signer: parse private key: %w", scheme, err)
		}
		parsed = rsaKey
	}

	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		if scheme != SignatureRSA {
			return nil, fmt.Errorf("%s signer: key material is an RSA key", scheme)
		}
		return &rsaSigner{key: key}, nil
	case ed25519.PrivateKey:
		if scheme != SignatureEd25519 {
			return nil, fmt.Errorf("%s signer: key material is an Ed25519 key", scheme)
		}
		return &ed25519Signer{key: key}, nil
	default:
		return nil, fmt.Errorf("%s signer: unsupported key type %T", scheme, parsed)
	}
}
