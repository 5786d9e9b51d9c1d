package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genecura/go-audit/internal/audit"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "genecura")
	token, err := svc.Issue(audit.Actor{Role: audit.RoleGeneticist, ID: "GEN001"}, time.Hour)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "geneticist", claims.Role)
	assert.Equal(t, "GEN001", claims.ActorID)
}

func TestTokenRejections(t *testing.T) {
	svc := NewTokenService("secret", "genecura")
	actor := audit.Actor{Role: audit.RoleDoctor, ID: "DOC001"}

	expired, err := svc.Issue(actor, -time.Minute)
	require.NoError(t, err)
	_, err = svc.Validate(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	foreign, err := NewTokenService("other-secret", "genecura").Issue(actor, time.Hour)
	require.NoError(t, err)
	_, err = svc.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer, err := NewTokenService("secret", "someone-else").Issue(actor, time.Hour)
	require.NoError(t, err)
	_, err = svc.Validate(otherIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDirectoryDispatch(t *testing.T) {
	ctx := context.Background()
	d := DefaultDirectory()
	assert.Equal(t, audit.ActorRoles(), d.Roles())

	actor, err := d.Resolve(ctx, &Claims{Role: "pharmacologist", ActorID: "PHA001"})
	require.NoError(t, err)
	assert.Equal(t, audit.Actor{Role: audit.RolePharmacologist, ID: "PHA001"}, actor)

	_, err = d.Resolve(ctx, &Claims{Role: "nurse", ActorID: "N1"})
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = d.Resolve(ctx, &Claims{Role: "doctor"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDirectoryCustomTable(t *testing.T) {
	inactive := ResolverFunc(func(context.Context, *Claims) (audit.Actor, error) {
		return audit.Actor{}, ErrActorInactive
	})
	d, err := NewDirectory(map[audit.ActorRole]Resolver{
		audit.RoleDoctor: inactive,
		audit.RoleAdmin:  ClaimsResolver(audit.RoleAdmin),
	})
	require.NoError(t, err)
	assert.Equal(t, []audit.ActorRole{audit.RoleDoctor, audit.RoleAdmin}, d.Roles())

	_, err = d.Resolve(context.Background(), &Claims{Role: "doctor", ActorID: "DOC001"})
	assert.ErrorIs(t, err, ErrActorInactive)

	_, err = d.Resolve(context.Background(), &Claims{Role: "geneticist", ActorID: "GEN001"})
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = NewDirectory(map[audit.ActorRole]Resolver{"nurse": inactive})
	assert.ErrorIs(t, err, ErrUnknownRole)
}
