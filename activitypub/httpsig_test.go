package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedicore/domain"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	keyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes})
	return privateKey, string(publicPEM)
}

// privateKeyToPEM converts private key to PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func calculateDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func newSignedRequest(t *testing.T, key *rsa.PrivateKey, keyId, method, url string, body []byte) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, url, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if err := SignRequest(req, key, keyId, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func TestParsePrivateKey(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)

	parsed, err := ParsePrivateKey(privateKeyToPEM(privateKey))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		t.Fatalf("Failed to marshal PKCS8: %v", err)
	}
	parsed, err = ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed on PKCS8: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed PKCS8 key doesn't match original")
	}

	for _, invalid := range []string{"", "not a valid PEM"} {
		if _, err := ParsePrivateKey(invalid); err == nil {
			t.Errorf("Expected error for %q", invalid)
		}
	}
}

func TestParsePublicKey(t *testing.T) {
	privateKey, publicPEM := generateTestKeyPair(t)

	parsed, err := ParsePublicKey(publicPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&privateKey.PublicKey)})
	parsed, err = ParsePublicKey(string(pkcs1))
	if err != nil {
		t.Fatalf("ParsePublicKey failed on PKCS1: %v", err)
	}
	if parsed.N.Cmp(privateKey.N) != 0 {
		t.Error("Parsed PKCS1 key doesn't match original")
	}

	for _, invalid := range []string{"", "not a valid PEM"} {
		if _, err := ParsePublicKey(invalid); err == nil {
			t.Errorf("Expected error for %q", invalid)
		}
	}
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	privateKey, publicPEM := generateTestKeyPair(t)

	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
	}{
		{"POST with body", "POST", "https://example.com/inbox", []byte(`{"type":"Create","object":{}}`)},
		{"GET without body", "GET", "https://example.com/users/alice", nil},
		{"POST to different path", "POST", "https://example.com/users/bob/inbox", []byte(`{"type":"Follow"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newSignedRequest(t, privateKey, "https://myserver.com/users/testuser#main-key", tt.method, tt.url, tt.body)

			if tt.body != nil {
				if req.Header.Get("Digest") != calculateDigest(tt.body) {
					t.Errorf("Expected digest header, got '%s'", req.Header.Get("Digest"))
				}
				if err := VerifyDigest(req, tt.body); err != nil {
					t.Errorf("VerifyDigest failed: %v", err)
				}
			}

			actorURI, err := VerifyRequest(req, publicPEM)
			if err != nil {
				t.Fatalf("VerifyRequest failed: %v", err)
			}
			if actorURI != "https://myserver.com/users/testuser" {
				t.Errorf("Expected actor URI, got '%s'", actorURI)
			}
		})
	}
}

func TestVerifyRequestServerSide(t *testing.T) {
	privateKey, publicPEM := generateTestKeyPair(t)
	body := []byte(`{"type":"Create"}`)
	signed := newSignedRequest(t, privateKey, "https://myserver.com/users/alice#main-key", "POST", "https://example.com/inbox", body)

	// a server sees Host outside the header map
	incoming, err := http.NewRequest("POST", "https://example.com/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	incoming.Header = signed.Header.Clone()
	incoming.Header.Del("Host")

	keyID, err := SignatureKeyID(incoming)
	if err != nil {
		t.Fatalf("SignatureKeyID failed: %v", err)
	}
	if keyID != "https://myserver.com/users/alice#main-key" {
		t.Errorf("Expected keyId, got '%s'", keyID)
	}
	if _, err := VerifyRequest(incoming, publicPEM); err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
}

func TestVerifyRequestInvalidSignature(t *testing.T) {
	privateKey1, _ := generateTestKeyPair(t)
	_, publicPEM2 := generateTestKeyPair(t)

	req := newSignedRequest(t, privateKey1, "https://myserver.com/users/alice#main-key", "POST", "https://example.com/inbox", []byte(`{"type":"Create"}`))

	if _, err := VerifyRequest(req, publicPEM2); err == nil {
		t.Error("Expected verification to fail with wrong public key")
	}
}

func TestVerifyRequestTamperedPath(t *testing.T) {
	privateKey, publicPEM := generateTestKeyPair(t)
	req := newSignedRequest(t, privateKey, "https://myserver.com/users/alice#main-key", "POST", "https://example.com/users/bob/inbox", []byte(`{}`))

	req.URL.Path = "/users/carol/inbox"
	if _, err := VerifyRequest(req, publicPEM); err == nil {
		t.Error("Expected verification to fail for a different request target")
	}
}

func TestVerifyRequestInvalidPEM(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	req := newSignedRequest(t, privateKey, "https://myserver.com/users/alice#main-key", "GET", "https://example.com/users/alice", nil)

	for _, invalid := range []string{"", "invalid PEM"} {
		if _, err := VerifyRequest(req, invalid); err == nil {
			t.Errorf("Expected error with PEM %q", invalid)
		}
	}
}

func TestVerifyRequestUnsigned(t *testing.T) {
	req, err := http.NewRequest("POST", "https://example.com/inbox", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if _, err := SignatureKeyID(req); err == nil {
		t.Error("Expected error for unsigned request")
	}
}

func TestVerifyDigest(t *testing.T) {
	body := []byte(`{"type":"Like"}`)
	req, _ := http.NewRequest("POST", "https://example.com/inbox", nil)

	if err := VerifyDigest(req, body); err != nil {
		t.Errorf("Request without digest should pass: %v", err)
	}

	req.Header.Set("Digest", calculateDigest(body))
	if err := VerifyDigest(req, body); err != nil {
		t.Errorf("Matching digest should pass: %v", err)
	}
	if err := VerifyDigest(req, []byte(`{"type":"Announce"}`)); err == nil {
		t.Error("Expected digest mismatch")
	}

	req.Header.Set("Digest", "MD5=abc")
	if err := VerifyDigest(req, body); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("Expected unsupported algorithm, got %v", err)
	}
}

func TestKeyIdWithoutFragment(t *testing.T) {
	privateKey, publicPEM := generateTestKeyPair(t)
	req := newSignedRequest(t, privateKey, "https://myserver.com/users/alice", "POST", "https://example.com/inbox", []byte(`{"type":"Create"}`))

	actorURI, err := VerifyRequest(req, publicPEM)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if actorURI != "https://myserver.com/users/alice" {
		t.Errorf("Expected actor URI, got '%s'", actorURI)
	}
}

func TestAccountSigner(t *testing.T) {
	privateKey, _ := generateTestKeyPair(t)
	links := NewLinks("fedi.example")

	signer, err := AccountSigner(links, &domain.Account{Username: "carol", WebPrivateKey: privateKeyToPEM(privateKey)})
	if err != nil {
		t.Fatalf("AccountSigner failed: %v", err)
	}
	if signer.KeyID != "https://fedi.example/users/carol#main-key" {
		t.Errorf("Expected key id, got '%s'", signer.KeyID)
	}

	if _, err := AccountSigner(links, &domain.Account{Username: "carol"}); err == nil {
		t.Error("Expected error for account without key")
	}
}
