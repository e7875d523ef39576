package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "fleetpulse"

// ctxUser is the gin context key JWTMiddleware stores the operator name under.
const ctxUser = "username"

// ctxAgent holds the agent id resolved from a Bearer agent token.
const ctxAgent = "agent_id"

// ─── JWT control-plane auth ───────────────────────────────────────────────────

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth holds the operator credentials and signing key for the control plane
// and the shared key for the by-name heartbeat endpoint.
type Auth struct {
	secret     []byte
	ttl        time.Duration
	adminUser  string
	adminHash  []byte
	agentToken string
	now        func() time.Time
}

// NewAuth hashes pass with bcrypt unless it already is a bcrypt hash.
func NewAuth(secret string, ttl time.Duration, user, pass, agentToken string) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	hash := []byte(pass)
	if _, err := bcrypt.Cost(hash); err != nil {
		hash, err = bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing admin password: %w", err)
		}
	}
	return &Auth{
		secret:     []byte(secret),
		ttl:        ttl,
		adminUser:  user,
		adminHash:  hash,
		agentToken: agentToken,
		now:        time.Now,
	}, nil
}

// CheckCredentials reports whether user/pass match the configured operator.
func (a *Auth) CheckCredentials(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.adminHash, []byte(pass)) == nil
	return userOK && passOK
}

// GenerateJWT creates a signed HS256 JWT valid for the configured TTL.
func (a *Auth) GenerateJWT(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// parseJWT validates a token string and returns the claims.
func (a *Auth) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTMiddleware validates the operator JWT on the control plane.
// It expects the header:  Authorization: Bearer <jwt>
// On success it stores the username in the Gin context as "username".
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := a.parseJWT(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ctxUser, claims.Username)
		c.Next()
	}
}

// ─── Bearer-token data-plane auth ────────────────────────────────────────────

// AgentKeyMiddleware guards the by-name heartbeat with the shared agent key.
// It checks: Authorization: Bearer <agent_token>
func (a *Auth) AgentKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok || a.agentToken == "" ||
			subtle.ConstantTimeCompare([]byte(raw), []byte(a.agentToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing agent token",
			})
			return
		}
		c.Next()
	}
}

// bearerToken extracts <token> from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// operator returns the authenticated operator name set by JWTMiddleware.
func operator(c *gin.Context) string {
	return c.GetString(ctxUser)
}
