// Package auth authenticates control API requests with HTTP basic auth
// against configured bcrypt users, or with HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "tandem"

// ResultKey is the gin context key holding the Principal.
const ResultKey = "auth_principal"

type Authenticator struct {
	enabled bool
	secret  []byte
	ttl     time.Duration
	users   map[string]User
	dummy   []byte // compared against for unknown users
	now     func() time.Time
}

// New validates c. With auth enabled a JWT secret of at least 32 bytes and
// at least one user are required.
func New(c Config) (*Authenticator, error) {
	a := &Authenticator{enabled: c.Enabled, ttl: c.TokenTTL, users: make(map[string]User), now: time.Now}
	if !c.Enabled {
		return a, nil
	}
	if len(c.JWTSecret) < 32 {
		return nil, errors.New("auth: jwt_secret must be at least 32 bytes")
	}
	if len(c.Users) == 0 {
		return nil, errors.New("auth: enabled without users")
	}
	if a.ttl <= 0 {
		a.ttl = DefaultTokenTTL
	}
	a.secret = []byte(c.JWTSecret)
	dummy, err := bcrypt.GenerateFromPassword([]byte(c.JWTSecret[:16]), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	a.dummy = dummy
	for _, u := range c.Users {
		if u.Username == "" {
			return nil, errors.New("auth: user without username")
		}
		if _, dup := a.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		if !u.Role.valid() {
			return nil, fmt.Errorf("auth: user %q has unknown role %q", u.Username, u.Role)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash", u.Username)
		}
		a.users[u.Username] = u
	}
	return a, nil
}

// Enabled reports whether requests are checked at all.
func (a *Authenticator) Enabled() bool { return a.enabled }

// HashPassword returns the bcrypt hash to put in the config.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Login checks a username and password.
func (a *Authenticator) Login(username, password string) (Principal, error) {
	u, ok := a.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return Principal{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Username: u.Username, Role: u.Role, Method: MethodBasic}, nil
}

// Issue signs a bearer token for p.
func (a *Authenticator) Issue(p Principal) (Token, error) {
	if !a.enabled {
		return Token{}, errors.New("auth is disabled")
	}
	now := a.now()
	exp := now.Add(a.ttl)
	claims := &Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   p.Username,
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: s, ExpiresAt: exp}, nil
}

// Verify parses and validates a bearer token. A user removed from the config
// invalidates their outstanding tokens.
func (a *Authenticator) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrInvalidCredentials
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	u, ok := a.users[claims.Subject]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Username: u.Username, Role: u.Role, Method: MethodJWT}, nil
}

// Authenticate extracts credentials from r: a bearer token first, then basic
// auth.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.enabled {
		return Principal{Username: "anonymous", Role: RoleOperator}, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return a.Verify(strings.TrimSpace(value))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return a.Login(user, pass)
	}
	return Principal{}, ErrInvalidCredentials
}

// GinAuth rejects requests whose principal does not satisfy required.
func (a *Authenticator) GinAuth(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="tandem"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		if !p.Role.Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": ErrForbidden.Error(),
			})
			return
		}
		c.Set(ResultKey, p)
		c.Next()
	}
}

// FromContext returns the principal stored by GinAuth.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
