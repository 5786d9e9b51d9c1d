package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/genecura/go-audit/internal/audit"
)

var (
	ErrUnknownRole   = errors.New("invalid user role")
	ErrActorInactive = errors.New("user not found or inactive")
)

// Resolver turns validated claims into the actor that will be audited.
type Resolver interface {
	Resolve(ctx context.Context, claims *Claims) (audit.Actor, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, claims *Claims) (audit.Actor, error)

func (f ResolverFunc) Resolve(ctx context.Context, claims *Claims) (audit.Actor, error) {
	return f(ctx, claims)
}

// Directory is the closed role table consulted on every authenticated request.
// Roles missing from the table cannot authenticate.
type Directory struct {
	resolvers map[audit.ActorRole]Resolver
}

// NewDirectory builds a directory. Every key must be a known role.
func NewDirectory(resolvers map[audit.ActorRole]Resolver) (*Directory, error) {
	table := make(map[audit.ActorRole]Resolver, len(resolvers))
	for role, r := range resolvers {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		if r == nil {
			return nil, fmt.Errorf("nil resolver for role %q", role)
		}
		table[role] = r
	}
	return &Directory{resolvers: table}, nil
}

// DefaultDirectory trusts the actor id carried in the token for every role.
func DefaultDirectory() *Directory {
	table := make(map[audit.ActorRole]Resolver)
	for _, role := range audit.ActorRoles() {
		table[role] = ClaimsResolver(role)
	}
	d, _ := NewDirectory(table)
	return d
}

// ClaimsResolver returns a resolver that reads the actor id from the token.
func ClaimsResolver(role audit.ActorRole) Resolver {
	return ResolverFunc(func(_ context.Context, claims *Claims) (audit.Actor, error) {
		id := strings.TrimSpace(claims.ActorID)
		if id == "" {
			return audit.Actor{}, fmt.Errorf("%w: token has no actor id", ErrInvalidToken)
		}
		return audit.Actor{Role: role, ID: id}, nil
	})
}

// Resolve dispatches on the claimed role.
func (d *Directory) Resolve(ctx context.Context, claims *Claims) (audit.Actor, error) {
	role := audit.ActorRole(claims.Role)
	r, ok := d.resolvers[role]
	if !ok {
		return audit.Actor{}, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	return r.Resolve(ctx, claims)
}

// Roles lists the roles that can authenticate.
func (d *Directory) Roles() []audit.ActorRole {
	var out []audit.ActorRole
	for _, role := range audit.ActorRoles() {
		if _, ok := d.resolvers[role]; ok {
			out = append(out, role)
		}
	}
	return out
}
