package auth

import "github.com/golang-jwt/jwt/v5"

// RoleAdmin grants bundle deployment and attachment deletion.
const RoleAdmin = "admin"

// Claims are the JWT claims carried by client and admin tokens.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
}

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is the Principal built from verified Claims.
type BasePrincipal struct {
	ID       string
	Username string
	Roles    []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasRole reports whether the principal carries role. Admins carry every
// role.
func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
