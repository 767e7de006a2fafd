package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/auth"
)

// HMACConfig controls validation of HS256 access tokens signed with a
// shared secret.
type HMACConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type hmacAuthenticator struct {
	cfg    HMACConfig
	secret []byte
}

// NewHMAC constructs an authenticator that validates HS256 JWT access
// tokens against a shared secret. Issuer and audience checks are applied
// only when configured.
func NewHMAC(secret []byte, cfg HMACConfig) (*hmacAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &hmacAuthenticator{cfg: cfg, secret: secret}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	parsed, err := parser.Parse(tok, func(t *jwt.Token) (any, error) { return a.secret, nil })
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", auth.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

var _ auth.Authenticator = (*hmacAuthenticator)(nil)
