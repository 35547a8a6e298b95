package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Rights granted to operator roles.
const (
	RightView      = "view"
	RightManageLog = "manage_log"
)

// RoleProjectAdmin holds every right regardless of policy.
const RoleProjectAdmin = "project_admin"

// TokenConfig is a bearer token bound to an operator identity.
type TokenConfig struct {
	Token string
	User  string
	Org   string
	Role  string
}

// Principal is an authenticated operator.
type Principal struct {
	User string
	Org  string
	Role string
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{User: t.User, Org: t.Org, Role: t.Role}, true
		}
	}
	return Principal{}, false
}

// Policy maps roles to the rights they hold. The zero value grants nothing
// except to project admins.
type Policy struct {
	rights map[string]map[string]struct{}
}

// NewPolicy builds a Policy from a role -> rights table.
func NewPolicy(roles map[string][]string) *Policy {
	p := &Policy{rights: make(map[string]map[string]struct{}, len(roles))}
	for role, rights := range roles {
		set := make(map[string]struct{}, len(rights))
		for _, r := range rights {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			set[r] = struct{}{}
		}
		p.rights[strings.TrimSpace(role)] = set
	}
	return p
}

// Allows reports whether the principal's role holds right.
func (p *Policy) Allows(pr Principal, right string) bool {
	if pr.Role == RoleProjectAdmin {
		return true
	}
	if p == nil {
		return false
	}
	set, ok := p.rights[pr.Role]
	if !ok {
		return false
	}
	if _, ok := set["*"]; ok {
		return true
	}
	_, ok = set[right]
	return ok
}
