package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/stackflow/stackflow/pkg/flow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const instanceColumns = `id, resource_id, definition_id, current_state, status, payload,
	version, sequence, abort_requested, halted, error, created_at, last_transition_at`

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
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

	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a SQLite store.
func OpenSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateInstance inserts a new instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}
	payload, err := encodePayload(inst.Payload)
	if err != nil {
		return err
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	query := `
		INSERT INTO flow_instances (` + instanceColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.ResourceID,
		inst.DefinitionID,
		string(inst.CurrentState),
		string(inst.Status),
		payload,
		inst.Version,
		inst.Sequence,
		inst.AbortRequested,
		inst.Halted,
		nullString(inst.Error),
		inst.CreatedAt.UTC(),
		inst.LastTransitionAt.UTC(),
		time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: resource %s, definition %s", ErrActiveExists, inst.ResourceID, inst.DefinitionID)
	}
	if err != nil {
		return fmt.Errorf("failed to create flow instance: %w", err)
	}
	return nil
}

// LoadInstance retrieves an instance by ID
func (s *SQLiteStore) LoadInstance(ctx context.Context, id string) (*flow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances WHERE id = ?`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow instance: %w", err)
	}
	return inst, nil
}

// SaveInstance updates the instance snapshot.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow instance: %w", err)
	}
	inst.Version++
	return nil
}

// AppendHistory appends a history entry.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *flow.HistoryEntry) error {
	if entry == nil || entry.ResourceID == "" {
		return fmt.Errorf("history entry requires a resource id")
	}
	return s.insertHistory(ctx, s.db, entry)
}

// CommitTransition stores the instance snapshot and its history entry in one transaction.
func (s *SQLiteStore) CommitTransition(ctx context.Context, inst *flow.Instance, entry *flow.HistoryEntry) error {
	if err := checkTransition(inst, entry); err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := s.insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	inst.Version++
	return nil
}

// FindActive returns the most recent running instance of the resource.
func (s *SQLiteStore) FindActive(ctx context.Context, resourceID, definitionID string) (*flow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances
		WHERE resource_id = ? AND status = 'running' AND (? = '' OR definition_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, resourceID, definitionID, definitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active flow for resource %s", ErrNotFound, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active flow instance: %w", err)
	}
	return inst, nil
}

// LatestInstance returns the most recently created instance of the resource.
func (s *SQLiteStore) LatestInstance(ctx context.Context, resourceID string) (*flow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances
		WHERE resource_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no flow for resource %s", ErrNotFound, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest flow instance: %w", err)
	}
	return inst, nil
}

// ListActive lists running instances, oldest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*flow.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM flow_instances
		WHERE status = 'running'
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active flow instances: %w", err)
	}
	defer rows.Close()

	instances := []*flow.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow instances: %w", err)
	}
	return instances, nil
}

// ListHistory lists the history of a resource in append order.
func (s *SQLiteStore) ListHistory(ctx context.Context, resourceID string, limit int) ([]*flow.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, flow_id, resource_id, sequence, state, event, status, message, timestamp
		FROM flow_history
		WHERE resource_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []*flow.HistoryEntry{}
	for rows.Next() {
		var (
			entry        flow.HistoryEntry
			flowID       sql.NullString
			state, event sql.NullString
			status, msg  string
		)
		if err := rows.Scan(&entry.ID, &flowID, &entry.ResourceID, &entry.Sequence,
			&state, &event, &status, &msg, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.FlowID = flowID.String
		entry.State = flow.StateID(state.String)
		entry.Event = flow.EventKind(event.String)
		entry.Status = flow.Status(status)
		entry.Message = msg
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// RequestAbort sets the abort flag of a running instance.
func (s *SQLiteStore) RequestAbort(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE flow_instances SET abort_requested = 1, updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to request abort: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.LoadInstance(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// updateInstance writes the snapshot if the stored version matches. The abort
// flag is only ever raised here, never cleared.
func (s *SQLiteStore) updateInstance(ctx context.Context, tx *sql.Tx, inst *flow.Instance) error {
	payload, err := encodePayload(inst.Payload)
	if err != nil {
		return err
	}

	query := `
		UPDATE flow_instances
		SET current_state = ?, status = ?, payload = ?, sequence = ?,
			abort_requested = (abort_requested OR ?), halted = ?, error = ?,
			last_transition_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := tx.ExecContext(ctx, query,
		string(inst.CurrentState),
		string(inst.Status),
		payload,
		inst.Sequence,
		inst.AbortRequested,
		inst.Halted,
		nullString(inst.Error),
		inst.LastTransitionAt.UTC(),
		time.Now().UTC(),
		inst.ID,
		inst.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: resource %s, definition %s", ErrActiveExists, inst.ResourceID, inst.DefinitionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update flow instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_instances WHERE id = ?`, inst.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check flow instance: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.ID, inst.Version)
	}
	return nil
}

func (s *SQLiteStore) insertHistory(ctx context.Context, db execer, entry *flow.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO flow_history (flow_id, resource_id, sequence, state, event, status, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := db.ExecContext(ctx, query,
		nullString(entry.FlowID),
		entry.ResourceID,
		entry.Sequence,
		nullString(string(entry.State)),
		nullString(string(entry.Event)),
		string(entry.Status),
		entry.Message,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get history id: %w", err)
	}
	entry.ID = id
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*flow.Instance, error) {
	var (
		inst          flow.Instance
		state, status string
		payload       string
		errMsg        sql.NullString
	)
	err := row.Scan(
		&inst.ID,
		&inst.ResourceID,
		&inst.DefinitionID,
		&state,
		&status,
		&payload,
		&inst.Version,
		&inst.Sequence,
		&inst.AbortRequested,
		&inst.Halted,
		&errMsg,
		&inst.CreatedAt,
		&inst.LastTransitionAt,
	)
	if err != nil {
		return nil, err
	}

	inst.CurrentState = flow.StateID(state)
	inst.Status = flow.RunStatus(status)
	inst.Error = errMsg.String
	if inst.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	return &inst, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
