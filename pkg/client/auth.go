package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFileEnv overrides the token file location.
const TokenFileEnv = "BCLOUD_TOKEN_FILE"

// TokenFile holds a saved authentication token.
type TokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Server    string    `json:"server"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
}

// IsExpired returns true if the token has expired (with optional margin).
// Tokens without a known expiry never expire locally.
func (t *TokenFile) IsExpired(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// NewTokenFile fills in the user ID and expiry that can be read from token.
func NewTokenFile(token, server string) *TokenFile {
	tf := &TokenFile{Token: token, Server: server, UserID: UserIDFromToken(token)}
	if exp, ok := ExpiryFromToken(token); ok {
		tf.ExpiresAt = exp
	}
	return tf
}

var safeUserID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func parseClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// UserIDFromToken derives the directory name that partitions per-user
// caches. JWTs give their subject (or user_id claim); the signature is not
// checked because the value only selects a local directory. Opaque tokens
// map to a hash prefix.
func UserIDFromToken(token string) string {
	if claims, ok := parseClaims(token); ok {
		if sub, _ := claims.GetSubject(); safeUserID.MatchString(sub) {
			return sub
		}
		if uid, _ := claims["user_id"].(string); safeUserID.MatchString(uid) {
			return uid
		}
	}
	return AnonymousUserID(token)
}

// AnonymousUserID hashes a credential into a directory name.
func AnonymousUserID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "t" + hex.EncodeToString(sum[:8])
}

// ExpiryFromToken returns the exp claim of a JWT.
func ExpiryFromToken(token string) (time.Time, bool) {
	claims, ok := parseClaims(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenFilePath returns the path of the token file.
func TokenFilePath() string {
	if p := os.Getenv(TokenFileEnv); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "blender_cloud", "token.json")
}

// SaveToken saves a token file to the default location.
func SaveToken(tf *TokenFile) error {
	path := TokenFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken loads a token file from the default location.
func LoadToken() (*TokenFile, error) {
	data, err := os.ReadFile(TokenFilePath())
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	if tf.UserID == "" {
		tf.UserID = UserIDFromToken(tf.Token)
	}
	return &tf, nil
}

// DeleteToken removes the saved token file.
func DeleteToken() error {
	return os.Remove(TokenFilePath())
}
