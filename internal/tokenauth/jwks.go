package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/auth"
)

// JWKSConfig controls validation for JWT access tokens verified against a
// remote JWKS document. Caller supplies issuer, one or more expected
// audiences, and the JWKS URI.
type JWKSConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

type jwksAuthenticator struct {
	cfg     *JWKSConfig
	keyfunc jwt.Keyfunc
}

// NewJWKS constructs an authenticator that validates RFC 9068 JWT access
// tokens against a statically configured issuer, audiences and JWKS URI.
func NewJWKS(ctx context.Context, cfg *JWKSConfig, jwksURI string) (*jwksAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwksAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		allowed := false
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *jwksAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
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
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

var _ auth.Authenticator = (*jwksAuthenticator)(nil)
