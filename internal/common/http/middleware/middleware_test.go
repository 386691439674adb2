package middleware_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"judgeline/internal/common/cache"
	"judgeline/internal/common/http/middleware"
	pkgerrors "judgeline/pkg/errors"
	"judgeline/pkg/utils/contextkey"
	"judgeline/pkg/utils/response"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testSecret = "test-secret"
	testIssuer = "judgeline"
)

func newToken(t *testing.T, secret string, userID int64, role, typ string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"iss":  testIssuer,
		"role": role,
		"typ":  typ,
		"exp":  time.Now().Add(expiresIn).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newRouter(t *testing.T, blacklist cache.Cache) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		JWTSecret:        testSecret,
		JWTIssuer:        testIssuer,
		BlacklistTimeout: time.Second,
	}, blacklist)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	router := gin.New()
	router.Use(middleware.TraceContext())
	router.GET("/me", middleware.Auth(auth), func(c *gin.Context) {
		caller := middleware.CallerIdentity(c)
		c.Header("X-Caller", fmt.Sprintf("%d/%s", caller.UserID, caller.Role))
		c.Header("X-Ctx-User", fmt.Sprint(c.Request.Context().Value(contextkey.UserID)))
		c.Status(http.StatusOK)
	})
	return router
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestAuthMiddleware(t *testing.T) {
	router := newRouter(t, nil)

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   pkgerrors.ErrorCode
		wantCaller string
	}{
		{name: "missing token", wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{
			name:       "valid user token",
			header:     "Bearer " + newToken(t, testSecret, 42, "user", "access", time.Hour),
			wantStatus: http.StatusOK,
			wantCaller: "42/USER",
		},
		{
			name:       "valid admin token",
			header:     "bearer " + newToken(t, testSecret, 1, "ADMIN", "access", time.Hour),
			wantStatus: http.StatusOK,
			wantCaller: "1/ADMIN",
		},
		{
			name:       "expired",
			header:     "Bearer " + newToken(t, testSecret, 42, "user", "access", -time.Hour),
			wantStatus: http.StatusUnauthorized,
			wantCode:   pkgerrors.TokenExpired,
		},
		{
			name:       "refresh token",
			header:     "Bearer " + newToken(t, testSecret, 42, "user", "refresh", time.Hour),
			wantStatus: http.StatusUnauthorized,
			wantCode:   pkgerrors.TokenInvalid,
		},
		{
			name:       "wrong secret",
			header:     "Bearer " + newToken(t, "other", 42, "user", "access", time.Hour),
			wantStatus: http.StatusUnauthorized,
			wantCode:   pkgerrors.TokenInvalid,
		},
		{
			name:       "unknown role",
			header:     "Bearer " + newToken(t, testSecret, 42, "guest", "access", time.Hour),
			wantStatus: http.StatusUnauthorized,
			wantCode:   pkgerrors.TokenInvalid,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantCode != 0 {
				resp := decode(t, rec)
				if resp.Code != tc.wantCode {
					t.Fatalf("code = %d, want %d", resp.Code, tc.wantCode)
				}
				if resp.TraceID == "" || resp.TraceID != rec.Header().Get(middleware.TraceIDHeader) {
					t.Fatalf("error body should carry the trace id")
				}
			}
			if tc.wantCaller != "" && rec.Header().Get("X-Caller") != tc.wantCaller {
				t.Fatalf("caller = %q, want %q", rec.Header().Get("X-Caller"), tc.wantCaller)
			}
		})
	}
}

func TestAuthMiddlewareRevokedToken(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	router := newRouter(t, c)
	token := newToken(t, testSecret, 42, "user", "access", time.Hour)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	if rec := do(); rec.Code != http.StatusOK || rec.Header().Get("X-Ctx-User") != "42" {
		t.Fatalf("expected ok with user in context, got %d %q", rec.Code, rec.Header().Get("X-Ctx-User"))
	}

	if err := c.Set(context.Background(), middleware.TokenBlacklistKey(token), "1", time.Hour); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	rec := do()
	if rec.Code != http.StatusUnauthorized || decode(t, rec).Code != pkgerrors.TokenInvalid {
		t.Fatalf("revoked token should be rejected, got %d", rec.Code)
	}

	mr.Close()
	if rec := do(); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("blacklist outage should fail closed, got %d", rec.Code)
	}
}

func TestAuthMiddlewareWithoutAuthenticator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", middleware.Auth(nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTraceContextKeepsIncomingIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContext())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"trace":   ctx.Value(contextkey.TraceID),
			"request": ctx.Value(contextkey.RequestID),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set(middleware.TraceIDHeader, "trace-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["trace"] != "trace-1" || rec.Header().Get(middleware.TraceIDHeader) != "trace-1" {
		t.Fatalf("trace id not preserved: %v", body)
	}
	if body["request"] == "" || body["request"] != rec.Header().Get(middleware.RequestIDHeader) {
		t.Fatalf("request id should be generated and echoed: %v", body)
	}
}
