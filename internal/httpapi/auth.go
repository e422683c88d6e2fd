package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/service"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"

	tokenIssuer      = "gudangkas"
	syncSecretHeader = "X-Sync-Secret"
)

// AuthManager signs and verifies operator access tokens and guards the job
// endpoints with the shared sync secret.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	syncSecret string
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, syncSecret string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	syncSecret = strings.TrimSpace(syncSecret)
	if syncSecret != "" {
		if hashed, err := bcrypt.GenerateFromPassword([]byte(syncSecret), bcrypt.DefaultCost); err == nil {
			syncSecret = string(hashed)
		}
	}
	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		syncSecret: syncSecret,
	}
}

// IssueToken mints an access token for an operator. A zero ttl uses the
// manager default.
func (a *AuthManager) IssueToken(username string, role string, ttl time.Duration) (string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", time.Time{}, errors.New("username is required")
	}
	if role != RoleCashier && role != RoleAdmin {
		return "", time.Time{}, errors.New("role must be cashier or admin")
	}
	if ttl <= 0 {
		ttl = a.tokenTTL
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// ValidateSyncSecret reports whether input matches the configured sync
// secret. It is always false when no secret is configured.
func (a *AuthManager) ValidateSyncSecret(input string) bool {
	input = strings.TrimSpace(input)
	if input == "" || !isBcryptHash(a.syncSecret) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.syncSecret), []byte(input)) == nil
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			abortWithStatus(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			abortWithStatus(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		if len(roles) > 0 && !slices.Contains(roles, actor.Role) {
			abortWithStatus(c, http.StatusForbidden, "forbidden", "forbidden role")
			return
		}

		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// requireSyncSecret guards the job endpoints. Jobs run as the "sync" actor.
func (a *API) requireSyncSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.auth.ValidateSyncSecret(c.GetHeader(syncSecretHeader)) {
			abortWithStatus(c, http.StatusUnauthorized, "unauthorized", "invalid sync secret")
			return
		}
		actor := domain.Actor{Username: "sync", Role: "system"}
		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if value, ok := c.Get(actorKey); ok {
		if actor, ok := value.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
