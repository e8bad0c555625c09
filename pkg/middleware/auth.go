package middleware

import (
	"context"
	"strings"
	"time"

	"impact-donations/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	RoleDonor    = "donor"
	RoleOperator = "operator"
)

type identityKey struct{}

// Identity is the authenticated caller. Subject is the donor id for donors.
type Identity struct {
	Subject string
	Role    string
}

type claims struct {
	jwt.Claims
	Role string `json:"role,omitempty"`
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Subject != ""
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (a *Authenticator) Verify(raw string) (Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Identity{}, errutil.Unauthorized("malformed token", err)
	}

	var c claims
	if err := tok.Claims(a.secret, &c); err != nil {
		return Identity{}, errutil.Unauthorized("invalid token signature", err)
	}

	if err := c.Claims.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: a.now()}, time.Minute); err != nil {
		return Identity{}, errutil.Unauthorized("token rejected", err)
	}
	if c.Subject == "" {
		return Identity{}, errutil.Unauthorized("token has no subject", nil)
	}

	role := c.Role
	if role == "" {
		role = RoleDonor
	}
	return Identity{Subject: c.Subject, Role: role}, nil
}

// Issue signs a token for subject. Used by the seed command and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: a.secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}
	now := a.now()
	c := claims{
		Claims: jwt.Claims{
			Issuer:   a.issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.Signed(signer).Claims(c).Serialize()
}

// Auth rejects requests without a valid bearer token and stores the Identity
// on the request context.
func Auth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			_ = c.Error(errutil.Unauthorized("missing bearer token", nil))
			c.Abort()
			return
		}

		id, err := a.Verify(raw)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}
