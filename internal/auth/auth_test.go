package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/config"
)

func TestNewConfig(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	tests := []struct {
		name    string
		cfg     config.AuthConfig
		wantErr bool
	}{
		{name: "plaintext password", cfg: config.AuthConfig{JWTSecret: "s", AdminPassword: "hunter2"}},
		{name: "prehashed password", cfg: config.AuthConfig{JWTSecret: "s", AdminPassword: hashed}},
		{name: "missing secret", cfg: config.AuthConfig{AdminPassword: "hunter2"}, wantErr: true},
		{name: "missing password", cfg: config.AuthConfig{JWTSecret: "s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewConfig: %v", err)
			}
			if !CheckPassword("hunter2", cfg.PasswordHash) {
				t.Fatal("password does not match the stored hash")
			}
			if CheckPassword("wrong", cfg.PasswordHash) {
				t.Fatal("wrong password accepted")
			}
			if cfg.TokenDuration != 24*time.Hour {
				t.Fatalf("TokenDuration = %v, want 24h", cfg.TokenDuration)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("admin", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	userID, err := ValidateToken(token, "secret")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "admin" {
		t.Fatalf("userID = %q, want admin", userID)
	}

	if _, err := ValidateToken(token, "other"); err == nil {
		t.Fatal("token accepted with the wrong secret")
	}

	expired, err := GenerateToken("admin", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ValidateToken(expired, "secret"); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	cfg := Config{JWTSecret: "secret", TokenDuration: time.Hour}
	token, err := GenerateToken("admin", cfg.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var seenUser string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = GetUserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, want: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + token, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	if seenUser != "admin" {
		t.Fatalf("user in context = %q, want admin", seenUser)
	}
}
