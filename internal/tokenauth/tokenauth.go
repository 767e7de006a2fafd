// Package tokenauth provides JWT-based implementations of auth.Authenticator.
//
// Two validation modes are supported: a shared-secret HMAC verifier for
// single-operator deployments, and a JWKS-backed verifier for deployments
// that mint tokens from an external issuer.
package tokenauth

import (
	"encoding/json"

	"github.com/agentgate/agentgate/auth"
)

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.UserInfo = (*userInfo)(nil)
