package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"judgeline/internal/common/cache"
	pkgerrors "judgeline/pkg/errors"
	"judgeline/pkg/identity"
	"judgeline/pkg/utils/contextkey"
	"judgeline/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	identityKey          = "identity"
	tokenBlacklistPrefix = "auth:blacklist:"
	accessTokenType      = "access"
)

// AuthConfig configures access token validation. A zero BlacklistTimeout disables
// the revocation lookup.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwtSecret"`
	JWTIssuer        string        `yaml:"jwtIssuer"`
	BlacklistTimeout time.Duration `yaml:"blacklistTimeout"`
}

// Authenticator validates HS256 access tokens issued by the user service.
type Authenticator struct {
	secret           []byte
	issuer           string
	blacklist        cache.Cache
	blacklistTimeout time.Duration
}

// NewAuthenticator creates an Authenticator. blacklist may be nil.
func NewAuthenticator(cfg AuthConfig, blacklist cache.Cache) (*Authenticator, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{
		secret:           []byte(cfg.JWTSecret),
		issuer:           cfg.JWTIssuer,
		blacklist:        blacklist,
		blacklistTimeout: cfg.BlacklistTimeout,
	}, nil
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate turns a raw bearer token into the caller identity.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (identity.Identity, error) {
	if raw == "" {
		return identity.Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, err := a.parseToken(raw)
	if err != nil {
		return identity.Identity{}, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return identity.Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	role := identity.ParseRole(claims.Role)
	if role == "" {
		return identity.Identity{}, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("unknown role")
	}
	if err := a.checkRevoked(ctx, raw); err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{UserID: userID, Role: role}, nil
}

func (a *Authenticator) parseToken(raw string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != accessTokenType || claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

func (a *Authenticator) checkRevoked(ctx context.Context, raw string) error {
	if a.blacklist == nil || a.blacklistTimeout <= 0 {
		return nil
	}
	ctxCache, cancel := context.WithTimeout(ctx, a.blacklistTimeout)
	defer cancel()
	val, err := a.blacklist.Get(ctxCache, TokenBlacklistKey(raw))
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
	}
	if val != "" {
		return pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("token revoked")
	}
	return nil
}

// TokenBlacklistKey is the cache key marking a revoked token.
func TokenBlacklistKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return tokenBlacklistPrefix + hex.EncodeToString(sum[:])
}

// Auth rejects requests without a valid bearer token and stores the caller identity.
func Auth(authenticator *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		caller, err := authenticator.Authenticate(c.Request.Context(), extractBearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(identityKey, caller)
		c.Set(contextkey.UserID.String(), caller.UserID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, caller.UserID))
		c.Next()
	}
}

// CallerIdentity returns the identity stored by Auth; anonymous when absent.
func CallerIdentity(c *gin.Context) identity.Identity {
	if v, ok := c.Get(identityKey); ok {
		if caller, ok := v.(identity.Identity); ok {
			return caller
		}
	}
	return identity.Identity{}
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
