// Package identity issues and verifies the bearer tokens that carry the
// current actor, and keeps that actor on the request context.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"projectsync/internal/model"
)

type claims struct {
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
	jwt.RegisteredClaims
}

type Provider struct {
	secret []byte
	now    func() time.Time
}

func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for id that expires after ttl.
func (p *Provider) Issue(id model.Identity, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", &model.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if _, err := model.ParseRole(string(id.Role)); err != nil {
		return "", err
	}
	now := p.now()
	c := claims{
		Role:      string(id.Role),
		Name:      id.Name,
		CompanyID: id.CompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}

// Parse validates token and returns the identity it carries. Every failure
// wraps model.ErrUnauthorized.
func (p *Provider) Parse(token string) (model.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	role, err := model.ParseRole(c.Role)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no subject", model.ErrUnauthorized)
	}
	return model.Identity{ID: c.Subject, Role: role, Name: c.Name, CompanyID: c.CompanyID}, nil
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the access_token query parameter for EventSource clients.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

var ErrNoIdentity = errors.New("no identity on context")

func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the current actor.
func FromContext(ctx context.Context) (model.Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, ErrNoIdentity)
	}
	return id, nil
}
