// Package jwtclaims implements the ClaimVerifier port for identity tokens
// issued as signed JWTs.
package jwtclaims

import (
	"context"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"

	"github.com/testbed-io/uis/internal/domain/model"
	"github.com/testbed-io/uis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ClaimVerifier = (*Verifier)(nil)

// tokenClaims is the subset of identity token claims the service reads.
type tokenClaims struct {
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed identity tokens.
type Verifier struct {
	secret []byte
	skip   bool
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with secret. With
// skipValidation set, signatures and expiry are not checked and only the
// claims are decoded; this is meant for development deployments behind a
// proxy that has already validated the token.
func NewVerifier(secret string, skipValidation bool, opts ...jwt.ParserOption) (*Verifier, error) {
	if secret == "" && !skipValidation {
		return nil, errors.NotValidf("empty token secret")
	}
	if skipValidation {
		slog.Warn("identity token validation disabled")
	}

	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}, opts...)

	return &Verifier{
		secret: []byte(secret),
		skip:   skipValidation,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(_ context.Context, token string) (model.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Claims{}, errors.Unauthorizedf("missing identity token")
	}

	claims := &tokenClaims{}
	if v.skip {
		if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
			return model.Claims{}, errors.Unauthorizedf("malformed identity token: %v", err)
		}
	} else {
		parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
		if err != nil {
			return model.Claims{}, errors.Unauthorizedf("invalid identity token: %v", err)
		}
		if !parsed.Valid {
			return model.Claims{}, errors.Unauthorizedf("invalid identity token")
		}
	}

	if claims.Subject == "" {
		return model.Claims{}, errors.Unauthorizedf("identity token has no subject")
	}

	name := claims.Name
	if name == "" {
		name = strings.TrimSpace(claims.GivenName + " " + claims.FamilyName)
	}
	return model.Claims{
		Subject: claims.Subject,
		Name:    name,
		Email:   strings.ToLower(strings.TrimSpace(claims.Email)),
	}, nil
}
