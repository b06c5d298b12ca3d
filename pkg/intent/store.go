package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists trained model versions and the learning buffer so a
// restart resumes from the last good model rather than cold. Two
// implementations exist: SQLite for single-node deployments and
// Postgres when the service runs replicated.
type Store interface {
	// SaveModelVersion persists a trained version's parameters.
	SaveModelVersion(ctx context.Context, v *ModelVersion) error
	// SetActiveModel marks one version as the serving model.
	SetActiveModel(ctx context.Context, id uuid.UUID) error
	// LoadActiveModel restores the serving model, or (nil, nil) when
	// none has been trained yet.
	LoadActiveModel(ctx context.Context) (*ModelVersion, error)
	// PruneModelVersions keeps the newest keep versions and deletes
	// the rest, never deleting the active one.
	PruneModelVersions(ctx context.Context, keep int) error

	// AppendExample adds one confirmed example to the persisted buffer.
	AppendExample(ctx context.Context, ex TrainingExample) error
	// LoadExamples returns all persisted buffer examples, oldest first.
	LoadExamples(ctx context.Context) ([]TrainingExample, error)
	// ClearExamplesThrough deletes persisted examples at or before
	// cutoff, called after a retrain commits.
	ClearExamplesThrough(ctx context.Context, cutoff time.Time) error

	Close() error
}

// =============================================================================
// SQLite
// =============================================================================

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS model_versions (
	id               TEXT PRIMARY KEY,
	predecessor_id   TEXT,
	params           BLOB NOT NULL,
	trained_at       TIMESTAMP NOT NULL,
	validation_score REAL NOT NULL,
	example_count    INTEGER NOT NULL,
	active           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_model_versions_trained_at ON model_versions(trained_at);

CREATE TABLE IF NOT EXISTS buffer_examples (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	text       TEXT NOT NULL,
	label      TEXT NOT NULL,
	provenance TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffer_examples_created_at ON buffer_examples(created_at);
`

// SQLiteStore persists to a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveModelVersion implements Store.
func (s *SQLiteStore) SaveModelVersion(ctx context.Context, v *ModelVersion) error {
	params, err := v.MarshalParams()
	if err != nil {
		return fmt.Errorf("failed to serialize model %s: %w", v.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_versions (id, predecessor_id, params, trained_at, validation_score, example_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.PredecessorID.String(), params, v.TrainedAt, v.ValidationScore, v.ExampleCount)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", v.ID, err)
	}
	return nil
}

// SetActiveModel implements Store.
func (s *SQLiteStore) SetActiveModel(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE model_versions SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("failed to clear active model: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE model_versions SET active = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to mark model %s active: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %s not found", id)
	}
	return tx.Commit()
}

// LoadActiveModel implements Store.
func (s *SQLiteStore) LoadActiveModel(ctx context.Context) (*ModelVersion, error) {
	var params []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT params FROM model_versions WHERE active = 1`).Scan(&params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	return UnmarshalModelVersion(params)
}

// PruneModelVersions implements Store.
func (s *SQLiteStore) PruneModelVersions(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM model_versions WHERE active = 0 AND id NOT IN (
			SELECT id FROM model_versions ORDER BY trained_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune model versions: %w", err)
	}
	return nil
}

// AppendExample implements Store.
func (s *SQLiteStore) AppendExample(ctx context.Context, ex TrainingExample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buffer_examples (text, label, provenance, created_at) VALUES (?, ?, ?, ?)`,
		ex.Text, ex.Label, string(ex.Provenance), ex.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to persist example: %w", err)
	}
	return nil
}

// LoadExamples implements Store.
func (s *SQLiteStore) LoadExamples(ctx context.Context) ([]TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, label, provenance, created_at FROM buffer_examples ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load examples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrainingExample
	for rows.Next() {
		var ex TrainingExample
		var prov string
		if err := rows.Scan(&ex.Text, &ex.Label, &prov, &ex.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		ex.Provenance = Provenance(prov)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ClearExamplesThrough implements Store.
func (s *SQLiteStore) ClearExamplesThrough(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM buffer_examples WHERE created_at <= ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clear examples: %w", err)
	}
	return nil
}

// =============================================================================
// Postgres
// =============================================================================

const postgresSchema = `
CREATE TABLE IF NOT EXISTS model_versions (
	id               UUID PRIMARY KEY,
	predecessor_id   UUID,
	params           BYTEA NOT NULL,
	trained_at       TIMESTAMPTZ NOT NULL,
	validation_score DOUBLE PRECISION NOT NULL,
	example_count    INTEGER NOT NULL,
	active           BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_model_versions_trained_at ON model_versions(trained_at);

CREATE TABLE IF NOT EXISTS buffer_examples (
	id         BIGSERIAL PRIMARY KEY,
	text       TEXT NOT NULL,
	label      TEXT NOT NULL,
	provenance TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffer_examples_created_at ON buffer_examples(created_at);
`

// PostgresStore persists to Postgres via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveModelVersion implements Store.
func (s *PostgresStore) SaveModelVersion(ctx context.Context, v *ModelVersion) error {
	params, err := v.MarshalParams()
	if err != nil {
		return fmt.Errorf("failed to serialize model %s: %w", v.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (id, predecessor_id, params, trained_at, validation_score, example_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.PredecessorID, params, v.TrainedAt, v.ValidationScore, v.ExampleCount)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", v.ID, err)
	}
	return nil
}

// SetActiveModel implements Store.
func (s *PostgresStore) SetActiveModel(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE model_versions SET active = FALSE WHERE active`); err != nil {
		return fmt.Errorf("failed to clear active model: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE model_versions SET active = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark model %s active: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model %s not found", id)
	}
	return tx.Commit(ctx)
}

// LoadActiveModel implements Store.
func (s *PostgresStore) LoadActiveModel(ctx context.Context) (*ModelVersion, error) {
	var params []byte
	err := s.pool.QueryRow(ctx,
		`SELECT params FROM model_versions WHERE active`).Scan(&params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	return UnmarshalModelVersion(params)
}

// PruneModelVersions implements Store.
func (s *PostgresStore) PruneModelVersions(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM model_versions WHERE NOT active AND id NOT IN (
			SELECT id FROM model_versions ORDER BY trained_at DESC LIMIT $1
		)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune model versions: %w", err)
	}
	return nil
}

// AppendExample implements Store.
func (s *PostgresStore) AppendExample(ctx context.Context, ex TrainingExample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO buffer_examples (text, label, provenance, created_at) VALUES ($1, $2, $3, $4)`,
		ex.Text, ex.Label, string(ex.Provenance), ex.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to persist example: %w", err)
	}
	return nil
}

// LoadExamples implements Store.
func (s *PostgresStore) LoadExamples(ctx context.Context) ([]TrainingExample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT text, label, provenance, created_at FROM buffer_examples ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load examples: %w", err)
	}
	defer rows.Close()

	var out []TrainingExample
	for rows.Next() {
		var ex TrainingExample
		var prov string
		if err := rows.Scan(&ex.Text, &ex.Label, &prov, &ex.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		ex.Provenance = Provenance(prov)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// ClearExamplesThrough implements Store.
func (s *PostgresStore) ClearExamplesThrough(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM buffer_examples WHERE created_at <= $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clear examples: %w", err)
	}
	return nil
}
