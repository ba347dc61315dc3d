// Package kalshi is the venue-K client surface: signed REST access, the
// book-delta WebSocket dialect, ticker structure parsing, and the maker fee
// schedule.
package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Signer signs requests with RSA-PSS over timestamp+method+path. A signed
// header set is valid venue-side for 500 ms, so identical method+path pairs
// within the cache TTL reuse the previous signature instead of re-signing.
type Signer struct {
	keyID      string
	privateKey *rsa.PrivateKey

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedSig
}

type cachedSig struct {
	timestamp string
	signature string
	signedAt  time.Time
}

// DefaultSignatureTTL is the venue's signature validity window.
const DefaultSignatureTTL = 500 * time.Millisecond

// NewSignerFromFile loads an RSA private key from a PEM file (PKCS#8 or
// PKCS#1). Returns (nil, nil) when keyID or path is empty so paper-mode runs
// need no credentials; a nil *Signer is a no-op.
func NewSignerFromFile(keyID, path string, cacheTTL time.Duration) (*Signer, error) {
	if keyID == "" || path == "" {
		return nil, nil
	}

	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	var rsaKey *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		var ok bool
		rsaKey, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA (got %T)", path, parsed)
		}
	} else if pk1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		rsaKey = pk1
	} else {
		return nil, fmt.Errorf("parse private key in %s: not PKCS#8 or PKCS#1", path)
	}

	if cacheTTL <= 0 || cacheTTL > DefaultSignatureTTL {
		cacheTTL = DefaultSignatureTTL
	}

	return &Signer{
		keyID:      keyID,
		privateKey: rsaKey,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedSig),
	}, nil
}

// SignRequest sets the access-key, signature, and timestamp headers on req.
// No-op when s is nil.
func (s *Signer) SignRequest(req *http.Request) error {
	if s == nil {
		return nil
	}

	ts, sig, err := s.sign(req.Method, req.URL.Path)
	if err != nil {
		return err
	}

	req.Header.Set("KALSHI-ACCESS-KEY", s.keyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return nil
}

// Headers returns auth headers for a WebSocket dial against the given
// endpoint path. Returns nil when s is nil.
func (s *Signer) Headers(method, path string) http.Header {
	if s == nil {
		return nil
	}

	ts, sig, err := s.sign(method, path)
	if err != nil {
		return nil
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.keyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", sig)
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return h
}

// Enabled reports whether credentials are loaded.
func (s *Signer) Enabled() bool {
	return s != nil && s.keyID != ""
}

func (s *Signer) sign(method, path string) (timestamp, signature string, err error) {
	key := method + " " + path

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.signedAt) < s.cacheTTL {
		s.mu.Unlock()
		return c.timestamp, c.signature, nil
	}
	s.mu.Unlock()

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + path

	hash := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", "", fmt.Errorf("rsa sign pss: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(sig)

	s.mu.Lock()
	s.cache[key] = cachedSig{timestamp: ts, signature: encoded, signedAt: time.Now()}
	s.mu.Unlock()

	return ts, encoded, nil
}
