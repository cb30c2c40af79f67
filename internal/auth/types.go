package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Method is how a request authenticated.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer token issued by /auth/login
)

// Role gates what a principal may do. Viewers may read status; operators may
// also start, stop, restart and update.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

func (r Role) valid() bool { return r == RoleViewer || r == RoleOperator }

// Allows reports whether r satisfies required.
func (r Role) Allows(required Role) bool {
	if required == RoleViewer {
		return r.valid()
	}
	return r == RoleOperator
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
)

const DefaultTokenTTL = time.Hour

// User is a configured API user. PasswordHash is a bcrypt hash as printed
// by "tandem auth hash-password".
type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         Role   `mapstructure:"role"`
}

// Config of the control API authentication. Disabled means every request is
// treated as an operator.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// Principal is an authenticated caller.
type Principal struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Method   Method `json:"method"`
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims carried by issued tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}
