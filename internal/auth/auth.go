package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleProducer = "producer"
	RoleReader   = "reader"
	RoleAdmin    = "admin"
)

// Identity is the caller resolved from an API key.
type Identity struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries role. Admin implies every
// other role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role) || slices.Contains(i.Roles, RoleAdmin)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	key      string
	identity Identity
}

type StaticAPIKeyValidator struct {
	keys []staticKey
}

// NewStaticAPIKeyValidator parses "key:subject:role|role,..." entries.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	seen := map[string]struct{}{}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:subject:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		subject := strings.TrimSpace(parts[1])
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/subject", entry)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		seen[key] = struct{}{}

		roles := make([]string, 0, 3)
		for _, role := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				continue
			}
			if !isKnownRole(role) {
				return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
			}
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		slices.Sort(roles)
		validator.keys = append(validator.keys, staticKey{key: key, identity: Identity{Subject: subject, Roles: roles}})
	}

	return validator, nil
}

// Validate compares apiKey against every configured key in constant time.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	candidate := []byte(apiKey)
	var found Identity
	matched := false
	for _, entry := range v.keys {
		if subtle.ConstantTimeCompare([]byte(entry.key), candidate) == 1 {
			found = entry.identity
			matched = true
		}
	}
	return found, matched
}

// Len returns the number of configured keys.
func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}

func isKnownRole(role string) bool {
	switch role {
	case RoleProducer, RoleReader, RoleAdmin:
		return true
	default:
		return false
	}
}
