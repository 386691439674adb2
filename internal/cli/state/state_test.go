package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"judgeline/internal/cli/state"
	"judgeline/internal/common/http/middleware"
	"judgeline/pkg/identity"
)

func TestIssuedTokenPassesServiceAuth(t *testing.T) {
	t.Parallel()
	admin := identity.Identity{UserID: 1, Role: identity.RoleAdmin}
	issued, err := state.IssueToken("shared", "judgeline", admin, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{JWTSecret: "shared", JWTIssuer: "judgeline"}, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	caller, err := auth.Authenticate(context.Background(), issued.AccessToken)
	if err != nil {
		t.Fatalf("service rejected issued token: %v", err)
	}
	if caller != admin {
		t.Fatalf("caller = %+v", caller)
	}

	expired, err := state.IssueToken("shared", "judgeline", admin, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expired.Expired(time.Now()) {
		t.Fatalf("expected expired state")
	}
	if _, err := auth.Authenticate(context.Background(), expired.AccessToken); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestIssueTokenRequiresSecretAndIdentity(t *testing.T) {
	t.Parallel()
	if _, err := state.IssueToken("", "", identity.Identity{UserID: 1, Role: identity.RoleUser}, time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := state.IssueToken("s", "", identity.Identity{}, time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error for anonymous identity")
	}
}

func TestLoadSaveClear(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	st, err := state.Load(path)
	if err != nil || st.AccessToken != "" {
		t.Fatalf("missing file should load empty state: %+v %v", st, err)
	}
	want := state.TokenState{AccessToken: "tok", UserID: 3, Role: identity.RoleUser, ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := state.Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := state.Load(path)
	if err != nil || got.AccessToken != want.AccessToken || got.UserID != want.UserID ||
		got.Role != want.Role || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("load = %+v, %v", got, err)
	}
	if err := state.Clear(path); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := state.Clear(path); err != nil {
		t.Fatalf("clearing twice should be a no-op: %v", err)
	}
}
