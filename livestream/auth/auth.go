/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package auth attaches a verified user to control plane requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	api "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0"
)

// RoleAdmin is the role which may act on resources of other users.
const RoleAdmin = "admin"

// UserIDHeader is the request header trusted as user id when no secret is
// configured.
const UserIDHeader = "X-User-Id"

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// User is an authenticated user.
type User struct {
	ID   string
	Role string
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type contextKey int

const userContextKey contextKey = iota

// NewContextWithUser returns a copy of ctx carrying user.
func NewContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// FromContext returns the user of ctx.
func FromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok && user != nil
}

// Claims are the claims of bearer tokens. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies requests.
type Authenticator struct {
	logger logrus.FieldLogger
	secret []byte
	parser *jwt.Parser
}

// New creates an Authenticator for HS256 tokens signed with secret. An empty
// secret selects development mode, where the UserIDHeader is trusted.
func New(logger logrus.FieldLogger, secret string) *Authenticator {
	a := &Authenticator{
		logger: logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
	if secret != "" {
		a.secret = []byte(secret)
	} else {
		logger.Warnln("no jwt secret set, trusting user id request header (development mode)")
	}
	return a
}

// Authenticate returns the user of req.
func (a *Authenticator) Authenticate(req *http.Request) (*User, error) {
	if a.secret == nil {
		userID := strings.TrimSpace(req.Header.Get(UserIDHeader))
		if userID == "" {
			return nil, ErrMissingCredentials
		}
		return &User{ID: userID}, nil
	}

	authorization := req.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || tokenString == "" {
		return nil, ErrMissingCredentials
	}

	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &User{
		ID:   claims.Subject,
		Role: claims.Role,
	}, nil
}

// Handler is a middleware which rejects unauthenticated requests and
// attaches the user to the request context of all others.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		user, err := a.Authenticate(req)
		if err != nil {
			a.logger.WithError(err).Debugln("request authentication failed")
			if a.secret != nil {
				rw.Header().Set("WWW-Authenticate", `Bearer realm="kwmlivestream"`)
			}
			if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
				api.ErrorCodeUnauthorized,
				err.Error(),
				api.ErrUnauthorized,
			)); writeErr != nil {
				a.logger.WithError(writeErr).Errorln("failed to write json error")
			}
			return
		}
		next.ServeHTTP(rw, req.WithContext(NewContextWithUser(req.Context(), user)))
	})
}

// Token mints a signed bearer token for the provided user, valid for ttl.
func (a *Authenticator) Token(userID, role string, ttl time.Duration) (string, error) {
	if a.secret == nil {
		return "", errors.New("no jwt secret set")
	}
	return NewToken(a.secret, userID, role, ttl)
}

// NewToken mints a signed bearer token with secret.
func NewToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
