package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genecura/go-audit/internal/audit"
)

func openTemp(t *testing.T) *AuditStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(id string, et audit.EntityType, entityID string, action audit.Action, at time.Time) *audit.Event {
	return &audit.Event{
		ID:         id,
		EntityType: et,
		EntityID:   entityID,
		ActorRole:  audit.RoleGeneticist,
		ActorID:    "GEN001",
		Action:     action,
		CreatedAt:  at,
	}
}

func TestAppendAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	corr := "corr-1"
	create := event("01", audit.EntityGene, "CYP2D6", audit.ActionCreate, t0)
	create.After = json.RawMessage(`{"gene_id":"CYP2D6","metabolizer_status":"normal"}`)
	create.CorrelationID = &corr
	update := event("02", audit.EntityGene, "CYP2D6", audit.ActionUpdate, t0.Add(time.Second))
	update.Before = json.RawMessage(`{"metabolizer_status":"normal"}`)
	update.After = json.RawMessage(`{"metabolizer_status":"rapid"}`)
	del := event("03", audit.EntityGene, "CYP2D6", audit.ActionDelete, t0.Add(2*time.Second))
	del.Before = update.After
	other := event("04", audit.EntityMedicine, "MED001", audit.ActionCreate, t0)

	for _, e := range []*audit.Event{create, update, del, other} {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.List(ctx, audit.Filter{EntityType: audit.EntityGene, EntityID: "CYP2D6"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []audit.Action{audit.ActionDelete, audit.ActionUpdate, audit.ActionCreate},
		[]audit.Action{got[0].Action, got[1].Action, got[2].Action})

	assert.Nil(t, got[0].After)
	assert.JSONEq(t, `{"metabolizer_status":"rapid"}`, string(got[0].Before))
	assert.Nil(t, got[2].Before)
	require.NotNil(t, got[2].CorrelationID)
	assert.Equal(t, "corr-1", *got[2].CorrelationID)
	assert.Nil(t, got[1].CorrelationID)
	assert.True(t, t0.Equal(got[2].CreatedAt))
	assert.Equal(t, audit.RoleGeneticist, got[0].ActorRole)
}

func TestListTieBreaksOnID(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "c", "b"} {
		require.NoError(t, s.Append(ctx, event(id, audit.EntityMedicine, "MED-"+id, audit.ActionCreate, at)))
	}

	got, err := s.List(ctx, audit.Filter{EntityType: audit.EntityMedicine})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})

	limited, err := s.List(ctx, audit.Filter{EntityType: audit.EntityMedicine, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListByActor(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	at := time.Now().UTC()

	require.NoError(t, s.Append(ctx, event("1", audit.EntityGene, "G1", audit.ActionCreate, at)))
	doc := event("2", audit.EntityPatient, "P1", audit.ActionCreate, at)
	doc.ActorRole, doc.ActorID = audit.RoleDoctor, "DOC001"
	require.NoError(t, s.Append(ctx, doc))

	got, err := s.List(ctx, audit.Filter{ActorRole: audit.RoleDoctor, ActorID: "DOC001"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "P1", got[0].EntityID)
}

func TestEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Append(ctx, event("1", audit.EntityGene, "G1", audit.ActionCreate, time.Now())))

	_, err := s.db.ExecContext(ctx, `UPDATE audit_events SET action = 'delete' WHERE id = '1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = '1'`)
	assert.ErrorContains(t, err, "append-only")

	err = s.Append(ctx, event("1", audit.EntityGene, "G1", audit.ActionUpdate, time.Now()))
	assert.Error(t, err, "ids are unique")

	got, err := s.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, audit.ActionCreate, got[0].Action)
}

func TestReopenKeepsEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, event("1", audit.EntityReport, "RPT1", audit.ActionApprove, time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.List(ctx, audit.Filter{EntityType: audit.EntityReport})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, audit.ActionApprove, got[0].Action)
}
