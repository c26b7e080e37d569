package model

import "fmt"

// Role is the closed set of actor kinds. It is chosen once per session.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCompany Role = "company"
	RoleClient  Role = "client"
)

var roles = []Role{RoleAdmin, RoleCompany, RoleClient}

// ParseRole accepts the three known roles and nothing else.
func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", s)}
}

// Identity is the authenticated actor as reported by the identity provider.
type Identity struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
}

// AuthorTag maps an actor role onto the reply author tag. Only companies
// reply as "company"; everyone else is recorded as "client".
func (r Role) AuthorTag() Author {
	if r == RoleCompany {
		return AuthorCompany
	}
	return AuthorClient
}
