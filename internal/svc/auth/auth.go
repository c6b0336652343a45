package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/elevatehq/realtime/internal/errors"
	"github.com/elevatehq/realtime/internal/utils"
)

// Authorizer verifies opaque credentials handed over during the connection
// handshake. Token issuance lives in the account service; this side only
// validates and extracts the subject.
type Authorizer interface {
	SignJWT(claim jwt.Claims) (string, error)
	VerifyJWT(token string, out jwt.Claims) (*jwt.Token, error)
	Verify(token string) (Identity, errors.APIError)
}

type Identity struct {
	UserID       string
	TokenVersion float64
	ExpiresAt    time.Time
}

type JWTClaimUser struct {
	UserID       string  `json:"u"`
	TokenVersion float64 `json:"v"`

	jwt.RegisteredClaims
}

type authorizer struct {
	jwtSecret string
}

type AuthorizerOptions struct {
	JWTSecret string
}

func New(opt AuthorizerOptions) Authorizer {
	return &authorizer{jwtSecret: opt.JWTSecret}
}

func (a *authorizer) SignJWT(claim jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)

	return token.SignedString(utils.S2B(a.jwtSecret))
}

func (a *authorizer) VerifyJWT(token string, out jwt.Claims) (*jwt.Token, error) {
	result, err := jwt.ParseWithClaims(
		strings.TrimPrefix(token, "Bearer "),
		out,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("bad jwt signing method, expected HMAC but got %v", t.Header["alg"])
			}

			return utils.S2B(a.jwtSecret), nil
		},
	)

	return result, err
}

func (a *authorizer) Verify(token string) (Identity, errors.APIError) {
	claims := &JWTClaimUser{}

	parsed, err := a.VerifyJWT(token, claims)
	if err != nil || !parsed.Valid {
		return Identity{}, errors.ErrAuthFailed().WithError(err)
	}

	if claims.UserID == "" {
		return Identity{}, errors.ErrAuthFailed().WithMessage("token carries no subject")
	}

	ident := Identity{
		UserID:       claims.UserID,
		TokenVersion: claims.TokenVersion,
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	}

	return ident, nil
}
