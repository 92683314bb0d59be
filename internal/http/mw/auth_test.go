package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		claims := GetUserClaims(r.Context())
		if claims == nil {
			t.Error("expected claims in request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_MissingHeader(t *testing.T) {
	called := false
	handler := Auth(nil)(okHandler(t, &called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/check", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("next handler should not run without credentials")
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	called := false
	handler := Auth(nil)(okHandler(t, &called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/check", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("next handler should not run with a bad token")
	}
}

func TestValidateClerkToken_NilVerifier(t *testing.T) {
	if _, err := validateClerkToken(nil, "anything"); err == nil {
		t.Fatal("expected error with nil verifier")
	}
}

func TestGetUserClaims(t *testing.T) {
	if claims := GetUserClaims(context.Background()); claims != nil {
		t.Errorf("expected nil claims from empty context, got %+v", claims)
	}

	want := &UserClaims{UserID: "user_1", Email: "alice@example.com", Name: "Alice Smith"}
	ctx := context.WithValue(context.Background(), UserClaimsKey, want)
	got := GetUserClaims(ctx)
	if got == nil || got.UserID != want.UserID || got.Email != want.Email {
		t.Errorf("claims = %+v, want %+v", got, want)
	}
}
