package records

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Analysis is a pharmacologist's note on how a medicine's response varies
// across patients. Analyses are written once and never edited, and are not
// part of the audited record set.
type Analysis struct {
	ID          string    `json:"analysis_report_id"`
	MedicineID  string    `json:"medicine_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewAnalysis validates the input and mints a VAR-prefixed id.
func NewAnalysis(medicineID, description string, now time.Time) (*Analysis, error) {
	medicineID = strings.TrimSpace(medicineID)
	description = strings.TrimSpace(description)
	if medicineID == "" || description == "" {
		return nil, fmt.Errorf("%w: medicine_id and description are required", ErrInvalid)
	}
	now = now.UTC()
	return &Analysis{
		ID:          mintKey("VAR", now),
		MedicineID:  medicineID,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// AnalysisRepository stores variation analyses. List returns newest first;
// an empty medicineID lists every analysis.
type AnalysisRepository interface {
	CreateAnalysis(ctx context.Context, a *Analysis) error
	ListAnalyses(ctx context.Context, medicineID string) ([]*Analysis, error)
}

func newestAnalysisFirst(a, b *Analysis) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// MemoryAnalyses keeps analyses in process.
type MemoryAnalyses struct {
	mu       sync.RWMutex
	analyses []Analysis
}

func NewMemoryAnalyses() *MemoryAnalyses {
	return &MemoryAnalyses{}
}

func (m *MemoryAnalyses) CreateAnalysis(_ context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.analyses {
		if existing.ID == a.ID {
			return fmt.Errorf("%w: analysis_report_id %s", ErrAlreadyExists, a.ID)
		}
	}
	m.analyses = append(m.analyses, *a)
	return nil
}

func (m *MemoryAnalyses) ListAnalyses(_ context.Context, medicineID string) ([]*Analysis, error) {
	m.mu.RLock()
	out := make([]*Analysis, 0, len(m.analyses))
	for _, a := range m.analyses {
		if medicineID == "" || a.MedicineID == medicineID {
			out = append(out, &a)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, newestAnalysisFirst)
	return out, nil
}

// PostgresAnalyses stores analyses in the variation_analyses table.
type PostgresAnalyses struct {
	pool *pgxpool.Pool
}

func NewPostgresAnalyses(pool *pgxpool.Pool) *PostgresAnalyses {
	return &PostgresAnalyses{pool: pool}
}

func (p *PostgresAnalyses) CreateAnalysis(ctx context.Context, a *Analysis) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO variation_analyses (id, medicine_id, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.MedicineID, a.Description, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: analysis_report_id %s", ErrAlreadyExists, a.ID)
	}
	return nil
}

func (p *PostgresAnalyses) ListAnalyses(ctx context.Context, medicineID string) ([]*Analysis, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, medicine_id, description, created_at, updated_at
		FROM variation_analyses
		WHERE $1 = '' OR medicine_id = $1
		ORDER BY created_at DESC, id DESC
	`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Analysis, error) {
		var a Analysis
		if err := row.Scan(&a.ID, &a.MedicineID, &a.Description, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		return &a, nil
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan analyses: %w", err)
	}
	if out == nil {
		out = []*Analysis{}
	}
	return out, nil
}
