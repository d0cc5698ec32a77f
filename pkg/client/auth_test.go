package client

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUserIDFromToken(t *testing.T) {
	opaque := "8a7sd6f8as7d6f8a7s6df"
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"subject", signed(t, jwt.MapClaims{"sub": "5682b4f3c379cf0088d4a5ca"}), "5682b4f3c379cf0088d4a5ca"},
		{"user_id claim", signed(t, jwt.MapClaims{"user_id": "u-1"}), "u-1"},
		{"unsafe subject", signed(t, jwt.MapClaims{"sub": "../etc"}), ""},
		{"opaque", opaque, AnonymousUserID(opaque)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserIDFromToken(tt.token)
			if tt.want == "" {
				if !strings.HasPrefix(got, "t") || strings.ContainsAny(got, "./") {
					t.Errorf("got %q, want hashed id", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if AnonymousUserID("a") == AnonymousUserID("b") {
		t.Error("distinct tokens share an id")
	}
}

func TestExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := ExpiryFromToken(signed(t, jwt.MapClaims{"exp": exp.Unix()}))
	if !ok || !got.Equal(exp) {
		t.Errorf("expiry = %v, %v; want %v", got, ok, exp)
	}
	if _, ok := ExpiryFromToken(signed(t, jwt.MapClaims{"sub": "x"})); ok {
		t.Error("expiry reported for token without exp")
	}
	if _, ok := ExpiryFromToken("opaque"); ok {
		t.Error("expiry reported for opaque token")
	}
}

func TestTokenFile_IsExpired(t *testing.T) {
	tf := &TokenFile{}
	if tf.IsExpired(time.Hour) {
		t.Error("token without expiry expired")
	}
	tf.ExpiresAt = time.Now().Add(30 * time.Minute)
	if tf.IsExpired(0) {
		t.Error("valid token expired")
	}
	if !tf.IsExpired(time.Hour) {
		t.Error("margin ignored")
	}
}

func TestSaveLoadDeleteToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "token.json")
	t.Setenv(TokenFileEnv, path)

	token := signed(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	tf := NewTokenFile(token, "https://cloud.example.com/api/")
	if tf.UserID != "u1" || tf.ExpiresAt.IsZero() {
		t.Fatalf("token file = %+v", tf)
	}
	if err := SaveToken(tf); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadToken()
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded.Token != token || loaded.UserID != "u1" || loaded.Server != tf.Server {
		t.Errorf("loaded = %+v", loaded)
	}

	if err := DeleteToken(); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if _, err := LoadToken(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadToken after delete: %v", err)
	}
}
