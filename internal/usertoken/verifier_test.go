package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"smartlibrary/pkg/domain"
)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func sign(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(subject, role string) Claims {
	now := time.Now()
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}
}

func TestNewVerifierRequiresKey(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing key to fail")
	}
	if _, err := NewVerifier(Config{PublicKeyPEM: []byte("not a key")}); err == nil {
		t.Fatalf("expected malformed key to fail")
	}
}

func TestVerifyActorRoles(t *testing.T) {
	key, pub := newKeyPair(t)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pub, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	v, err := NewVerifier(Config{PublicKeyPath: path, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	actor, err := v.VerifyActor(sign(t, key, validClaims("42", "")))
	if err != nil || actor != (domain.Actor{UserID: 42, Role: domain.RoleUser}) {
		t.Fatalf("user token: actor=%+v err=%v", actor, err)
	}
	actor, err = v.VerifyActor(sign(t, key, validClaims("7", "admin")))
	if err != nil || !actor.IsAdmin() {
		t.Fatalf("admin token: actor=%+v err=%v", actor, err)
	}
	if _, err := v.VerifyActor(sign(t, key, validClaims("7", "librarian"))); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := v.VerifyActor(sign(t, key, validClaims("user-a", "user"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected non-numeric subject to fail, got %v", err)
	}
}

func TestVerifyActorRejectsBadTokens(t *testing.T) {
	key, pub := newKeyPair(t)
	other, _ := newKeyPair(t)
	v, err := NewVerifier(Config{PublicKeyPEM: pub, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	future := validClaims("1", "user")
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))

	expired := validClaims("1", "user")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAudience := validClaims("1", "user")
	wrongAudience.Audience = jwt.ClaimStrings{"aud-b"}

	noExpiry := validClaims("1", "user")
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"future iat":     sign(t, key, future),
		"expired":        sign(t, key, expired),
		"wrong audience": sign(t, key, wrongAudience),
		"no expiry":      sign(t, key, noExpiry),
		"foreign key":    sign(t, other, validClaims("1", "user")),
		"garbage":        "not-a-jwt",
	}
	for name, token := range cases {
		if _, err := v.VerifyActor(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
