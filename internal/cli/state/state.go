package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"judgeline/pkg/identity"

	"github.com/golang-jwt/jwt/v5"
)

// TokenState stores the access token the REPL sends with every request.
type TokenState struct {
	AccessToken string        `json:"access_token"`
	UserID      int64         `json:"user_id,omitempty"`
	Role        identity.Role `json:"role,omitempty"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Expired reports whether the token has a known expiry in the past.
func (s TokenState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

func Load(path string) (TokenState, error) {
	var st TokenState
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read token state failed: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse token state failed: %w", err)
	}
	return st, nil
}

func Save(path string, st TokenState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create token state dir failed: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token state failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token state failed: %w", err)
	}
	return nil
}

func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token state failed: %w", err)
	}
	return nil
}

// IssueToken signs a development access token with the shared service secret.
func IssueToken(secret, issuer string, caller identity.Identity, ttl time.Duration, now time.Time) (TokenState, error) {
	if secret == "" {
		return TokenState{}, fmt.Errorf("auth.jwtSecret is not configured")
	}
	if !caller.Authenticated() {
		return TokenState{}, fmt.Errorf("user id and role are required")
	}
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(caller.UserID, 10),
		"role": string(caller.Role),
		"typ":  "access",
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return TokenState{}, fmt.Errorf("sign token failed: %w", err)
	}
	return TokenState{
		AccessToken: signed,
		UserID:      caller.UserID,
		Role:        caller.Role,
		ExpiresAt:   expiresAt,
	}, nil
}
