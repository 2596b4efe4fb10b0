package authz

import "fmt"

// AuthMode selects how the caller's identity is established.
type AuthMode string

const (
	// AuthModeJWT verifies HS256 bearer tokens issued at login.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeHeader trusts X-Remote-User / X-Remote-Role (development).
	AuthModeHeader AuthMode = "header"
)

// AuthzMode selects the authorization backend.
type AuthzMode string

const (
	// AuthzModeNone disables role checks; custodian checks still apply.
	AuthzModeNone AuthzMode = "none"
	// AuthzModeRole enforces DefaultPolicy.
	AuthzModeRole AuthzMode = "role"
)

// NewAuthorizer returns the Authorizer for mode.
func NewAuthorizer(mode AuthzMode) (Authorizer, error) {
	switch mode {
	case AuthzModeNone:
		return &NoopAuthorizer{}, nil
	case AuthzModeRole, "":
		return NewRoleAuthorizer(nil), nil
	default:
		return nil, fmt.Errorf("unknown authz mode %q (expected none or role)", mode)
	}
}
