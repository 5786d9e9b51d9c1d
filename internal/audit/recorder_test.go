package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/audit/mocks"
	"github.com/genecura/go-audit/internal/observability/metrics"
	"github.com/genecura/go-audit/pkg/circuitbreaker"
)

// stepClock returns a strictly increasing time on each call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("evt-%04d", n)
	}
}

func geneInput(action audit.Action, before, after string) audit.Input {
	in := audit.Input{
		EntityType: audit.EntityGene,
		EntityID:   "GENE001",
		Actor:      audit.Actor{Role: audit.RoleGeneticist, ID: "GEN001"},
		Action:     action,
	}
	if before != "" {
		in.Before = json.RawMessage(before)
	}
	if after != "" {
		in.After = json.RawMessage(after)
	}
	return in
}

type RecorderSuite struct {
	suite.Suite
	ctx      context.Context
	store    *audit.MemoryStore
	metrics  *metrics.Metrics
	recorder *audit.Recorder
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = audit.NewMemoryStore()
	s.metrics = metrics.New()
	clock := newStepClock()
	s.recorder = audit.NewRecorder(s.store, nil, s.metrics, audit.RecorderConfig{
		Clock: clock.Now,
		NewID: seqIDs(),
	}, nil)
}

func (s *RecorderSuite) TestGeneLifecycle() {
	corr := "corr-1"
	create := geneInput(audit.ActionCreate, "", `{"gene_id":"GENE001","name":"CYP2D6","metabolizer_status":"normal"}`)
	create.CorrelationID = &corr
	update := geneInput(audit.ActionUpdate,
		`{"gene_id":"GENE001","metabolizer_status":"normal"}`,
		`{"gene_id":"GENE001","metabolizer_status":"rapid"}`)
	del := geneInput(audit.ActionDelete, `{"gene_id":"GENE001","metabolizer_status":"rapid"}`, "")

	for _, in := range []audit.Input{create, update, del} {
		s.Require().NoError(s.recorder.Record(s.ctx, in))
	}

	events, err := s.store.List(s.ctx, audit.Filter{EntityType: audit.EntityGene, EntityID: "GENE001"})
	s.Require().NoError(err)
	s.Require().Len(events, 3)

	s.Equal(audit.ActionDelete, events[0].Action)
	s.Equal(audit.ActionUpdate, events[1].Action)
	s.Equal(audit.ActionCreate, events[2].Action)

	s.Nil(events[2].Before)
	s.Require().NotNil(events[2].CorrelationID)
	s.Equal("corr-1", *events[2].CorrelationID)
	s.Nil(events[0].After)
	s.JSONEq(`{"gene_id":"GENE001","metabolizer_status":"rapid"}`, string(events[1].After))

	for _, e := range events {
		s.Equal(audit.RoleGeneticist, e.ActorRole)
		s.Equal("GEN001", e.ActorID)
		s.Equal(time.UTC, e.CreatedAt.Location())
		s.NotEmpty(e.ID)
	}
}

func (s *RecorderSuite) TestInvalidInputIsRejectedBeforeStore() {
	in := geneInput(audit.ActionCreate, "", `{}`)
	in.EntityType = "Invoice"

	err := s.recorder.Record(s.ctx, in)
	s.Require().Error(err)
	s.ErrorIs(err, audit.ErrInvalidInput)
	s.Equal(0, s.store.Len())
}

func (s *RecorderSuite) TestLaxPairingRecordsAndFlags() {
	in := geneInput(audit.ActionCreate, `{"gene_id":"GENE001"}`, `{"gene_id":"GENE001"}`)

	s.Require().NoError(s.recorder.Record(s.ctx, in))
	s.Equal(1, s.store.Len())

	m, err := s.metrics.Registry().Gather()
	s.Require().NoError(err)
	found := false
	for _, mf := range m {
		if mf.GetName() == "audit_pairing_violations_total" {
			found = true
			s.Equal(float64(1), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	s.True(found, "pairing violation counter must be exported")
}

func (s *RecorderSuite) TestStrictPairingRejects() {
	strict := audit.NewRecorder(s.store, nil, nil, audit.RecorderConfig{Pairing: audit.PairingStrict}, nil)

	err := strict.Record(s.ctx, geneInput(audit.ActionDelete, `{"a":1}`, `{"a":2}`))
	s.Require().Error(err)
	var ve *audit.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("after", ve.Field)
	s.Equal(0, s.store.Len())

	s.NoError(strict.Record(s.ctx, geneInput(audit.ActionDelete, `{"a":1}`, `null`)))
	s.Equal(1, s.store.Len())
}

func (s *RecorderSuite) TestStoreFailureIsWrapped() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	cause := errors.New("disk full")
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(cause)

	rec := audit.NewRecorder(store, nil, nil, audit.DefaultRecorderConfig(), nil)
	err := rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`))

	s.Require().Error(err)
	s.ErrorIs(err, audit.ErrStoreWrite)
	s.ErrorIs(err, cause)
}

func (s *RecorderSuite) TestAppendReceivesOneEventPerCall() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e *audit.Event) error {
		s.Equal(audit.EntityGene, e.EntityType)
		s.Equal(audit.ActionCreate, e.Action)
		s.False(e.CreatedAt.IsZero())
		return nil
	}).Times(1)

	rec := audit.NewRecorder(store, nil, nil, audit.DefaultRecorderConfig(), nil)
	s.NoError(rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`)))
}

func (s *RecorderSuite) TestOpenBreakerSkipsStore() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("timeout")).Times(2)

	cfg := circuitbreaker.DefaultConfig("audit-store-test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	breaker, err := circuitbreaker.New(cfg, nil)
	s.Require().NoError(err)

	rec := audit.NewRecorder(store, breaker, nil, audit.DefaultRecorderConfig(), nil)
	for i := 0; i < 2; i++ {
		s.Error(rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`)))
	}
	s.Equal(circuitbreaker.StateOpen, breaker.GetState())

	err = rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`))
	s.ErrorIs(err, audit.ErrStoreWrite)
	s.ErrorIs(err, circuitbreaker.ErrOpen)
}
