//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/genecura/go-audit/internal/audit"
	"github.com/genecura/go-audit/internal/domain/records"
	"github.com/genecura/go-audit/internal/infrastructure/postgres"
	"github.com/genecura/go-audit/pkg/idempotency"
)

type publishedMsg struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []publishedMsg
	err      error
	attempts int
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}

type PostgresSuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.ctx = context.Background()

	ctr, err := tcpostgres.Run(s.ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("genecura"),
		tcpostgres.WithUsername("genecura"),
		tcpostgres.WithPassword("genecura"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = ctr

	dsn, err := ctr.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.pool, err = pgxpool.New(s.ctx, dsn)
	s.Require().NoError(err)
	s.Require().NoError(postgres.EnsureSchema(s.ctx, s.pool))
	s.Require().NoError(postgres.EnsureSchema(s.ctx, s.pool), "schema must be re-runnable")
}

func (s *PostgresSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *PostgresSuite) SetupTest() {
	// TRUNCATE does not fire the row-level immutability trigger.
	_, err := s.pool.Exec(s.ctx, `TRUNCATE audit_events, outbox, inbox, records, variation_analyses`)
	s.Require().NoError(err)
}

func (s *PostgresSuite) recorder(store audit.Store) *audit.Recorder {
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return audit.NewRecorder(store, nil, nil, audit.RecorderConfig{
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			n++
			return base.Add(time.Duration(n) * time.Second)
		},
		NewID: audit.DefaultRecorderConfig().NewID,
	}, nil)
}

func geneInput(action audit.Action, before, after string) audit.Input {
	in := audit.Input{
		EntityType: audit.EntityGene,
		EntityID:   "CYP2D6",
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

func (s *PostgresSuite) TestAppendAndHistory() {
	store := postgres.NewAuditStore(s.pool, postgres.DefaultAuditStoreConfig(), nil)
	rec := s.recorder(store)

	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{"metabolizer_status":"normal"}`)))
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionUpdate, `{"metabolizer_status":"normal"}`, `{"metabolizer_status":"rapid"}`)))
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionDelete, `{"metabolizer_status":"rapid"}`, "")))

	entries, err := audit.NewProjector(store, nil, nil).GetHistory(s.ctx, audit.EntityGene, "CYP2D6")
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal(audit.ActionDelete, entries[0].Action)
	s.Nil(entries[0].Changes.After)
	s.JSONEq(`{"metabolizer_status":"normal"}`, string(entries[1].Changes.Before))
	s.JSONEq(`{"metabolizer_status":"rapid"}`, string(entries[1].Changes.After))
	s.Nil(entries[2].Changes.Before)

	var outboxRows int
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT count(*) FROM outbox WHERE kafka_key = 'Gene/CYP2D6'`).Scan(&outboxRows))
	s.Equal(3, outboxRows)
}

func (s *PostgresSuite) TestEventsAreImmutable() {
	store := postgres.NewAuditStore(s.pool, postgres.AuditStoreConfig{}, nil)
	s.Require().NoError(s.recorder(store).Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`)))

	_, err := s.pool.Exec(s.ctx, `UPDATE audit_events SET action = 'delete'`)
	s.Error(err)
	_, err = s.pool.Exec(s.ctx, `DELETE FROM audit_events`)
	s.Error(err)

	events, err := store.List(s.ctx, audit.Filter{EntityType: audit.EntityGene})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionCreate, events[0].Action)
}

func (s *PostgresSuite) TestOutboxRelay() {
	store := postgres.NewAuditStore(s.pool, postgres.DefaultAuditStoreConfig(), nil)
	rec := s.recorder(store)
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`)))
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionUpdate, `{}`, `{"a":1}`)))

	pub := &fakePublisher{err: errors.New("broker down")}
	cfg := postgres.DefaultOutboxConfig()
	cfg.MaxRetries = 1
	outbox := postgres.NewOutbox(s.pool, pub, cfg, nil, nil)

	n, err := outbox.ProcessOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
	s.Equal(1, pub.attempts, "later entries for the same key wait behind the failed one")

	stats, err := outbox.GetStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Failed)
	s.Equal(int64(1), stats.Pending)

	n, err = outbox.ProcessOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)
	stats, err = outbox.GetStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.Failed)

	pub.err = nil
	moved, err := outbox.MoveToDeadLetter(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), moved)
	s.Require().Len(pub.msgs, 2)
	s.Equal("audit.dead-letter", pub.msgs[0].topic)

	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionUpdate, `{"a":1}`, `{"a":2}`)))
	n, err = outbox.ProcessOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	last := pub.msgs[len(pub.msgs)-1]
	s.Equal("audit.trail", last.topic)
	s.Equal("Gene/CYP2D6", last.key)

	var event audit.Event
	s.Require().NoError(json.Unmarshal(last.value, &event))
	s.Equal(audit.ActionUpdate, event.Action)

	purged, err := outbox.CleanupProcessed(s.ctx, time.Hour)
	s.Require().NoError(err)
	s.Equal(int64(0), purged)
	purged, err = outbox.CleanupProcessed(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(int64(3), purged)
}

func (s *PostgresSuite) TestOutboxKeepsKeyOrder() {
	store := postgres.NewAuditStore(s.pool, postgres.DefaultAuditStoreConfig(), nil)
	rec := s.recorder(store)
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionCreate, "", `{}`)))
	s.Require().NoError(rec.Record(s.ctx, geneInput(audit.ActionUpdate, `{}`, `{"a":1}`)))

	pub := &fakePublisher{err: errors.New("broker down")}
	outbox := postgres.NewOutbox(s.pool, pub, postgres.DefaultOutboxConfig(), nil, nil)

	_, err := outbox.ProcessOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, pub.attempts)

	pub.err = nil
	n, err := outbox.ProcessOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Require().Len(pub.msgs, 2)

	var first, second audit.Event
	s.Require().NoError(json.Unmarshal(pub.msgs[0].value, &first))
	s.Require().NoError(json.Unmarshal(pub.msgs[1].value, &second))
	s.Equal(audit.ActionCreate, first.Action)
	s.Equal(audit.ActionUpdate, second.Action)
}

func (s *PostgresSuite) TestRecordsRepository() {
	repo := records.NewPostgresRepository(s.pool, nil)

	rec, err := records.New(audit.EntityGene, map[string]any{"gene_id": "CYP2D6", "metabolizer_status": "normal"}, time.Now())
	s.Require().NoError(err)
	s.Require().NoError(repo.Create(s.ctx, rec))
	s.ErrorIs(repo.Create(s.ctx, rec), records.ErrAlreadyExists)

	updated, err := repo.Update(s.ctx, audit.EntityGene, "CYP2D6", map[string]any{"metabolizer_status": "rapid"})
	s.Require().NoError(err)
	s.Equal("rapid", updated.Fields["metabolizer_status"])

	list, total, err := repo.List(s.ctx, audit.EntityGene, records.ListOptions{Equals: map[string]string{"metabolizer_status": "rapid"}})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Len(list, 1)

	_, err = repo.Delete(s.ctx, audit.EntityGene, "CYP2D6")
	s.Require().NoError(err)
	_, err = repo.Get(s.ctx, audit.EntityGene, "CYP2D6")
	s.ErrorIs(err, records.ErrNotFound)
}

func (s *PostgresSuite) TestInboxDeduplicates() {
	inbox := idempotency.NewInbox(s.pool, idempotency.DefaultInboxConfig(), nil)
	key := idempotency.GenerateKey("archiver", "evt-1")

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"key":"archive/Gene/CYP2D6/evt-1.json"}`), nil
	}

	res, err := inbox.Process(s.ctx, key, "archiver", json.RawMessage(`{}`), fn)
	s.Require().NoError(err)
	s.True(res.IsNew)

	res, err = inbox.Process(s.ctx, key, "archiver", json.RawMessage(`{}`), fn)
	s.Require().NoError(err)
	s.False(res.IsNew)
	s.JSONEq(`{"key":"archive/Gene/CYP2D6/evt-1.json"}`, string(res.Result))
	s.Equal(1, calls)

	failKey := idempotency.GenerateKey("archiver", "evt-2")
	_, err = inbox.Process(s.ctx, failKey, "archiver", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, idempotency.Terminal(errors.New("bad payload"))
	})
	s.ErrorIs(err, idempotency.ErrTerminal)
	_, err = inbox.Process(s.ctx, failKey, "archiver", nil, fn)
	s.ErrorIs(err, idempotency.ErrTerminal)
	s.Equal(1, calls)
}

func (s *PostgresSuite) TestAnalyses() {
	repo := records.NewPostgresAnalyses(s.pool)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := records.NewAnalysis("MED001", "first", at)
	s.Require().NoError(err)
	second, err := records.NewAnalysis("MED001", "second", at.Add(time.Minute))
	s.Require().NoError(err)
	s.Require().NoError(repo.CreateAnalysis(s.ctx, first))
	s.Require().NoError(repo.CreateAnalysis(s.ctx, second))
	s.ErrorIs(repo.CreateAnalysis(s.ctx, first), records.ErrAlreadyExists)

	got, err := repo.ListAnalyses(s.ctx, "MED001")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(second.ID, got[0].ID)

	none, err := repo.ListAnalyses(s.ctx, "MED404")
	s.Require().NoError(err)
	s.Empty(none)
}
