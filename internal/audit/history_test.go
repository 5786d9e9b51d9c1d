package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/audit/mocks"
)

type HistorySuite struct {
	suite.Suite
	ctx       context.Context
	store     *audit.MemoryStore
	recorder  *audit.Recorder
	projector *audit.Projector
}

func TestHistorySuite(t *testing.T) {
	suite.Run(t, new(HistorySuite))
}

func (s *HistorySuite) SetupTest() {
	s.ctx = context.Background()
	s.store = audit.NewMemoryStore()
	clock := newStepClock()
	s.recorder = audit.NewRecorder(s.store, nil, nil, audit.RecorderConfig{Clock: clock.Now, NewID: seqIDs()}, nil)
	s.projector = audit.NewProjector(s.store, nil, nil)
}

func (s *HistorySuite) record(in audit.Input) {
	s.Require().NoError(s.recorder.Record(s.ctx, in))
}

func (s *HistorySuite) medicine(id string, action audit.Action, actorID string) audit.Input {
	in := audit.Input{
		EntityType: audit.EntityMedicine,
		EntityID:   id,
		Actor:      audit.Actor{Role: audit.RolePharmacologist, ID: actorID},
		Action:     action,
	}
	if action != audit.ActionDelete {
		in.After = json.RawMessage(`{"medicine_id":"` + id + `"}`)
	}
	return in
}

func (s *HistorySuite) TestNewestFirstWithProjectedShape() {
	s.record(geneInput(audit.ActionCreate, "", `{"gene_id":"GENE001","metabolizer_status":"normal"}`))
	s.record(geneInput(audit.ActionUpdate,
		`{"gene_id":"GENE001","metabolizer_status":"normal"}`,
		`{"gene_id":"GENE001","metabolizer_status":"rapid"}`))

	entries, err := s.projector.GetHistory(s.ctx, audit.EntityGene, "GENE001")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)

	s.Equal(audit.ActionUpdate, entries[0].Action)
	s.True(entries[0].Timestamp.After(entries[1].Timestamp))
	s.Equal(audit.Actor{Role: audit.RoleGeneticist, ID: "GEN001"}, entries[0].Actor)

	var before, after map[string]any
	s.Require().NoError(json.Unmarshal(entries[0].Changes.Before, &before))
	s.Require().NoError(json.Unmarshal(entries[0].Changes.After, &after))
	s.Equal("normal", before["metabolizer_status"])
	s.Equal("rapid", after["metabolizer_status"])

	raw, err := json.Marshal(entries[1])
	s.Require().NoError(err)
	var wire map[string]any
	s.Require().NoError(json.Unmarshal(raw, &wire))
	s.Contains(wire, "timestamp")
	s.Contains(wire, "correlationId")
	s.Nil(wire["correlationId"])
	changes := wire["changes"].(map[string]any)
	s.Nil(changes["before"], "create has a null before")
	s.NotNil(changes["after"])
}

func (s *HistorySuite) TestAggregateAcrossIDs() {
	s.record(s.medicine("MED001", audit.ActionCreate, "PHA001"))
	s.record(s.medicine("MED002", audit.ActionCreate, "PHA002"))
	s.record(s.medicine("MED001", audit.ActionUpdate, "PHA001"))
	s.record(geneInput(audit.ActionCreate, "", `{}`))

	entries, err := s.projector.GetHistory(s.ctx, audit.EntityMedicine, "")
	s.Require().NoError(err)
	s.Require().Len(entries, 3)

	ids := make(map[string]int)
	for i, e := range entries {
		s.Equal(audit.EntityMedicine, e.EntityType)
		ids[e.EntityID]++
		if i > 0 {
			s.False(e.Timestamp.After(entries[i-1].Timestamp), "entries must be newest first")
		}
	}
	s.Equal(map[string]int{"MED001": 2, "MED002": 1}, ids)
	s.Equal("MED001", entries[0].EntityID)
	s.Equal(audit.ActionUpdate, entries[0].Action)
}

func (s *HistorySuite) TestEmptyHistory() {
	entries, err := s.projector.GetHistory(s.ctx, audit.EntityPatient, "PAT404")
	s.Require().NoError(err)
	s.NotNil(entries)
	s.Empty(entries)
}

func (s *HistorySuite) TestUnknownEntityType() {
	_, err := s.projector.GetHistory(s.ctx, "Invoice", "")
	s.ErrorIs(err, audit.ErrInvalidInput)
}

func (s *HistorySuite) TestReadErrorPropagates() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	cause := errors.New("connection refused")
	store.EXPECT().List(gomock.Any(), audit.Filter{EntityType: audit.EntityGene, EntityID: "GENE001"}).Return(nil, cause)

	_, err := audit.NewProjector(store, nil, nil).GetHistory(s.ctx, audit.EntityGene, "GENE001")
	s.Require().Error(err)
	s.ErrorIs(err, audit.ErrStoreRead)
	s.ErrorIs(err, cause)
}

func (s *HistorySuite) TestTransitionsAndReplay() {
	s.record(geneInput(audit.ActionCreate, "", `{"v":1}`))
	s.record(geneInput(audit.ActionUpdate, `{"v":1}`, `{"v":2}`))
	s.record(geneInput(audit.ActionDelete, `{"v":2}`, ""))

	transitions, err := s.projector.Transitions(s.ctx, audit.EntityGene, "GENE001")
	s.Require().NoError(err)
	s.Require().Len(transitions, 3)
	s.Equal(audit.ActionCreate, transitions[0].Action)
	s.Equal(audit.ActionDelete, transitions[2].Action)

	seq := s.projector.Replay(s.ctx, audit.EntityGene, "GENE001")
	for range 2 {
		var actions []audit.Action
		for entry, err := range seq {
			s.Require().NoError(err)
			actions = append(actions, entry.Action)
		}
		s.Equal([]audit.Action{audit.ActionCreate, audit.ActionUpdate, audit.ActionDelete}, actions)
	}

	var first []audit.Action
	for entry := range seq {
		first = append(first, entry.Action)
		break
	}
	s.Equal([]audit.Action{audit.ActionCreate}, first)
}

func (s *HistorySuite) TestActorActivity() {
	s.record(s.medicine("MED001", audit.ActionCreate, "PHA001"))
	s.record(s.medicine("MED002", audit.ActionCreate, "PHA002"))
	s.record(s.medicine("MED003", audit.ActionCreate, "PHA001"))

	entries, err := s.projector.ActorActivity(s.ctx, audit.Actor{Role: audit.RolePharmacologist, ID: "PHA001"}, 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("MED003", entries[0].EntityID)
}
