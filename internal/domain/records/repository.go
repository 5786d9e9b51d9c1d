package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/genecura/go-audit/internal/audit"
)

// Repository persists records. Reads and writes only see active records;
// Delete is a soft delete.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, collection audit.EntityType, key string) (*Record, error)
	List(ctx context.Context, collection audit.EntityType, opts ListOptions) ([]*Record, int, error)
	Update(ctx context.Context, collection audit.EntityType, key string, fields map[string]any) (*Record, error)
	Delete(ctx context.Context, collection audit.EntityType, key string) (*Record, error)
}

// PostgresRepository stores records as jsonb documents.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new repository
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRepository{pool: pool, logger: logger}
}

const recordColumns = `entity_type, key, fields, is_active, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_type, key) DO NOTHING
	`, rec.Collection, rec.Key, fields, rec.Active, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, rec.Collection.KeyField(), rec.Key)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, collection audit.EntityType, key string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE entity_type = $1 AND key = $2 AND is_active
	`, collection, key)
	return scanRecord(row)
}

func (r *PostgresRepository) List(ctx context.Context, collection audit.EntityType, opts ListOptions) ([]*Record, int, error) {
	opts = opts.normalized()

	where := []string{"entity_type = $1", "is_active"}
	args := []any{collection}
	if opts.Search != "" {
		args = append(args, "%"+opts.Search+"%")
		where = append(where, fmt.Sprintf("(key ILIKE $%d OR fields::text ILIKE $%d)", len(args), len(args)))
	}
	for field, value := range opts.Equals {
		args = append(args, field, value)
		where = append(where, fmt.Sprintf("fields->>$%d = $%d", len(args)-1, len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM records WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM records WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, recordColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, collection audit.EntityType, key string, fields map[string]any) (*Record, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE records SET fields = fields || $3::jsonb, updated_at = $4
		WHERE entity_type = $1 AND key = $2 AND is_active
		RETURNING `+recordColumns,
		collection, key, patch, time.Now().UTC())
	return scanRecord(row)
}

func (r *PostgresRepository) Delete(ctx context.Context, collection audit.EntityType, key string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE records SET is_active = false, updated_at = $3
		WHERE entity_type = $1 AND key = $2 AND is_active
		RETURNING `+recordColumns,
		collection, key, time.Now().UTC())
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		fields []byte
	)
	err := row.Scan(&rec.Collection, &rec.Key, &fields, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
