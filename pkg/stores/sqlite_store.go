package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openmoor/moor/pkg/entity"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeFormat is the layout for datetime columns that SQL-side
// datetime() comparisons must be able to parse. Values are always UTC,
// matching datetime('now').
const sqliteTimeFormat = "2006-01-02 15:04:05"

// notFoundErr classifies a missing row so callers can branch with
// entity.IsNotFound instead of matching message text.
func notFoundErr(msg string) error {
	return entity.NewNotFound(msg, nil).WithCode(entity.CodeNotFound)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// The pragmas ride on the DSN so every pooled connection gets them,
	// foreign_keys in particular being a per-connection setting.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// UpsertEntity inserts or updates an entity record. The namespace, name
// and type of an existing row are never rewritten.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, rec *EntityRecord) error {
	query := `
		INSERT INTO entities (
			namespace, name, type, status, definition, state, labels, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, name) DO UPDATE SET
			status = excluded.status,
			definition = excluded.definition,
			state = excluded.state,
			labels = excluded.labels,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Namespace,
		rec.Name,
		rec.Type,
		rec.Status,
		rec.Definition,
		rec.State,
		rec.Labels,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	return nil
}

// GetEntity retrieves an entity record by namespace and name
func (s *SQLiteStore) GetEntity(ctx context.Context, namespace, name string) (*EntityRecord, error) {
	query := `
		SELECT namespace, name, type, status, definition, state, labels, created_at, updated_at
		FROM entities
		WHERE namespace = ? AND name = ?
	`

	rec := &EntityRecord{}
	err := s.db.QueryRowContext(ctx, query, namespace, name).Scan(
		&rec.Namespace,
		&rec.Name,
		&rec.Type,
		&rec.Status,
		&rec.Definition,
		&rec.State,
		&rec.Labels,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, notFoundErr(fmt.Sprintf("entity not found: %s/%s", namespace, name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return rec, nil
}

// ListEntities lists entity records with optional filters and pagination
func (s *SQLiteStore) ListEntities(ctx context.Context, namespace *string, entityType *string, status *entity.Status, limit, offset int) ([]*EntityRecord, error) {
	query := `
		SELECT namespace, name, type, status, definition, state, labels, created_at, updated_at
		FROM entities
		WHERE (? IS NULL OR namespace = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY namespace, name
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, namespace, entityType, entityType, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	recs := []*EntityRecord{}
	for rows.Next() {
		rec := &EntityRecord{}
		err := rows.Scan(
			&rec.Namespace,
			&rec.Name,
			&rec.Type,
			&rec.Status,
			&rec.Definition,
			&rec.State,
			&rec.Labels,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return recs, nil
}

// UpdateEntityStatus updates the lifecycle status of an entity
func (s *SQLiteStore) UpdateEntityStatus(ctx context.Context, namespace, name string, status entity.Status) error {
	query := `
		UPDATE entities
		SET status = ?, updated_at = ?
		WHERE namespace = ? AND name = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), namespace, name)
	if err != nil {
		return fmt.Errorf("failed to update entity status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFoundErr(fmt.Sprintf("entity not found: %s/%s", namespace, name))
	}

	return nil
}

// DeleteEntity deletes an entity record. Invocation history and
// journaled events survive the record; PruneEvents owns their
// retention.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, namespace, name string) error {
	query := `DELETE FROM entities WHERE namespace = ? AND name = ?`

	result, err := s.db.ExecContext(ctx, query, namespace, name)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFoundErr(fmt.Sprintf("entity not found: %s/%s", namespace, name))
	}

	return nil
}

// CreateInvocation creates a new invocation record
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *Invocation) error {
	query := `
		INSERT INTO invocations (id, namespace, name, entity_type, verb, action, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		inv.Namespace,
		inv.Name,
		inv.EntityType,
		inv.Verb,
		inv.Action,
		inv.Status,
		inv.Error,
		inv.StartedAt,
		inv.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create invocation: %w", err)
	}

	return nil
}

// GetInvocation retrieves an invocation by ID
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	query := `
		SELECT id, namespace, name, entity_type, verb, action, status, error, started_at, completed_at
		FROM invocations
		WHERE id = ?
	`

	inv := &Invocation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inv.ID,
		&inv.Namespace,
		&inv.Name,
		&inv.EntityType,
		&inv.Verb,
		&inv.Action,
		&inv.Status,
		&inv.Error,
		&inv.StartedAt,
		&inv.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, notFoundErr(fmt.Sprintf("invocation not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}

	return inv, nil
}

// CompleteInvocation updates the status of an invocation
func (s *SQLiteStore) CompleteInvocation(ctx context.Context, id string, status InvocationStatus, errMsg *string) error {
	query := `
		UPDATE invocations
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status == InvocationStatusSucceeded || status == InvocationStatusFailed {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to complete invocation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFoundErr(fmt.Sprintf("invocation not found: %s", id))
	}

	return nil
}

// ListInvocations lists invocations with optional filters and pagination
func (s *SQLiteStore) ListInvocations(ctx context.Context, namespace *string, name *string, verb *entity.Verb, limit, offset int) ([]*Invocation, error) {
	query := `
		SELECT id, namespace, name, entity_type, verb, action, status, error, started_at, completed_at
		FROM invocations
		WHERE (? IS NULL OR namespace = ?)
		  AND (? IS NULL OR name = ?)
		  AND (? IS NULL OR verb = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, namespace, name, name, verb, verb, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	invs := []*Invocation{}
	for rows.Next() {
		inv := &Invocation{}
		err := rows.Scan(
			&inv.ID,
			&inv.Namespace,
			&inv.Name,
			&inv.EntityType,
			&inv.Verb,
			&inv.Action,
			&inv.Status,
			&inv.Error,
			&inv.StartedAt,
			&inv.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		invs = append(invs, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invocations: %w", err)
	}

	return invs, nil
}

// AppendEvent appends a new lifecycle event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	query := `
		INSERT INTO events (invocation_id, type, entity, entity_type, verb, action, status, message, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ev.InvocationID,
		ev.Type,
		ev.Entity,
		ev.EntityType,
		ev.Verb,
		ev.Action,
		ev.Status,
		ev.Message,
		ev.Error,
		ev.Timestamp.UTC().Format(sqliteTimeFormat),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	ev.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination,
// newest first
func (s *SQLiteStore) GetEvents(ctx context.Context, entityRef *string, invocationID *string, eventType *entity.EventType, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, invocation_id, type, entity, entity_type, verb, action, status, message, error, timestamp
		FROM events
		WHERE (? IS NULL OR entity = ?)
		  AND (? IS NULL OR invocation_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, entityRef, entityRef, invocationID, invocationID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		err := rows.Scan(
			&ev.ID,
			&ev.InvocationID,
			&ev.Type,
			&ev.Entity,
			&ev.EntityType,
			&ev.Verb,
			&ev.Action,
			&ev.Status,
			&ev.Message,
			&ev.Error,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneEvents deletes all events at or before the cutoff time
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM events WHERE datetime(timestamp) <= datetime(?)`

	result, err := s.db.ExecContext(ctx, query, before.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AcquireLock takes or renews a named lease. It reports false when the
// lock is held by another holder and has not expired. A ttl of zero
// means the lease never expires on its own.
func (s *SQLiteStore) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO locks (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.holder = excluded.holder
		   OR (locks.expires_at IS NOT NULL AND datetime(locks.expires_at) <= datetime('now'))
	`

	now := time.Now().UTC()

	var expiresAt *string
	if ttl > 0 {
		formatted := now.Add(ttl).Format(sqliteTimeFormat)
		expiresAt = &formatted
	}

	result, err := s.db.ExecContext(ctx, query, name, holder, now.Format(sqliteTimeFormat), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ReleaseLock releases a named lease held by the given holder
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, holder string) error {
	query := `DELETE FROM locks WHERE name = ? AND holder = ?`

	result, err := s.db.ExecContext(ctx, query, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("lock not held by %s: %s", holder, name)
	}

	return nil
}

// GetLock retrieves a named lease, ignoring expired ones
func (s *SQLiteStore) GetLock(ctx context.Context, name string) (*Lock, error) {
	query := `
		SELECT name, holder, acquired_at, expires_at
		FROM locks
		WHERE name = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
	`

	lock := &Lock{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&lock.Name,
		&lock.Holder,
		&lock.AcquiredAt,
		&lock.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, notFoundErr(fmt.Sprintf("lock not held: %s", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return lock, nil
}

// DeleteExpiredLocks deletes all expired leases
func (s *SQLiteStore) DeleteExpiredLocks(ctx context.Context) (int64, error) {
	query := `DELETE FROM locks WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
