package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testJWKS serves a JWKS document for the given key.
func testJWKS(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		doc := map[string]any{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func setupVerifier(t *testing.T) (*ClerkVerifier, *rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	const kid = "test-key-1"
	server := testJWKS(t, key, kid)
	return NewClerkVerifier(server.URL), key, kid
}

func TestClerkVerifier_ValidToken(t *testing.T) {
	verifier, key, kid := setupVerifier(t)

	token := signToken(t, key, kid, jwt.MapClaims{
		"iss":   verifier.issuer,
		"sub":   "user_1",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.UserID != "user_1" {
		t.Errorf("UserID = %q, want user_1", claims.UserID)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", claims.Email)
	}
}

func TestClerkVerifier_ExpiredToken(t *testing.T) {
	verifier, key, kid := setupVerifier(t)

	token := signToken(t, key, kid, jwt.MapClaims{
		"iss": verifier.issuer,
		"sub": "user_1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := verifier.VerifyToken(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestClerkVerifier_WrongIssuer(t *testing.T) {
	verifier, key, kid := setupVerifier(t)

	token := signToken(t, key, kid, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "user_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.VerifyToken(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestClerkVerifier_MissingSubject(t *testing.T) {
	verifier, key, kid := setupVerifier(t)

	token := signToken(t, key, kid, jwt.MapClaims{
		"iss": verifier.issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.VerifyToken(token)
	if !errors.Is(err, ErrMissingClaims) {
		t.Fatalf("expected ErrMissingClaims, got %v", err)
	}
}

func TestClerkVerifier_UnknownKeyID(t *testing.T) {
	verifier, key, _ := setupVerifier(t)

	token := signToken(t, key, "other-key", jwt.MapClaims{
		"iss": verifier.issuer,
		"sub": "user_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := verifier.VerifyToken(token); err == nil {
		t.Fatal("expected verification to fail for unknown kid")
	}
}

func TestClerkVerifier_RejectsHMAC(t *testing.T) {
	verifier, _, kid := setupVerifier(t)

	// A token signed with a symmetric key must never verify, no matter
	// what the header claims.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": verifier.issuer,
		"sub": "user_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := verifier.VerifyToken(signed); err == nil {
		t.Fatal("expected verification to fail for HS256")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pub, err := parseRSAPublicKey(
		base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Error("parsed key does not match the original")
	}

	if _, err := parseRSAPublicKey("!!!", "AQAB"); err == nil {
		t.Error("expected error for invalid modulus encoding")
	}
}
