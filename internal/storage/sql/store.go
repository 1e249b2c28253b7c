package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db.DB, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, driver: driver}, nil
}

// Open connects to the database without migrating it.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	// SQLite allows a single writer; serialize access through one connection.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(db *sql.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// API Keys
// ============================================

const apiKeyColumns = `id, name, key_hash, key_prefix, tenant_id, created_at, last_used_at`

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.TenantID, key.CreatedAt.UTC(), key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.GetContext(ctx, &key,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := s.db.SelectContext(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

// ============================================
// Stacks
// ============================================

const stackColumns = `id, tenant_id, template, name, status, domain, external_ref, project_ref,
	config, resource_limits, error_message, last_deploy, last_health_check, created_at, updated_at`

// stackRow is the database shape of a stack; config and resource limits are
// stored as JSON text.
type stackRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	Template        string         `db:"template"`
	Name            string         `db:"name"`
	Status          string         `db:"status"`
	Domain          string         `db:"domain"`
	ExternalRef     string         `db:"external_ref"`
	ProjectRef      string         `db:"project_ref"`
	Config          string         `db:"config"`
	ResourceLimits  sql.NullString `db:"resource_limits"`
	ErrorMessage    string         `db:"error_message"`
	LastDeploy      sql.NullTime   `db:"last_deploy"`
	LastHealthCheck sql.NullTime   `db:"last_health_check"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func toRow(stack *domain.Stack) (*stackRow, error) {
	cfg := stack.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	row := &stackRow{
		ID:           stack.ID,
		TenantID:     stack.TenantID,
		Template:     stack.Template,
		Name:         stack.Name,
		Status:       string(stack.Status),
		Domain:       stack.Domain,
		ExternalRef:  stack.ExternalRef,
		ProjectRef:   stack.ProjectRef,
		Config:       string(configJSON),
		ErrorMessage: stack.ErrorMessage,
		CreatedAt:    stack.CreatedAt.UTC(),
		UpdatedAt:    stack.UpdatedAt.UTC(),
	}
	if !stack.ResourceLimits.IsZero() {
		limitsJSON, err := json.Marshal(stack.ResourceLimits)
		if err != nil {
			return nil, fmt.Errorf("encoding resource limits: %w", err)
		}
		row.ResourceLimits = sql.NullString{String: string(limitsJSON), Valid: true}
	}
	if stack.LastDeploy != nil {
		row.LastDeploy = sql.NullTime{Time: stack.LastDeploy.UTC(), Valid: true}
	}
	if stack.LastHealthCheck != nil {
		row.LastHealthCheck = sql.NullTime{Time: stack.LastHealthCheck.UTC(), Valid: true}
	}
	return row, nil
}

func (r *stackRow) toDomain() (*domain.Stack, error) {
	stack := &domain.Stack{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Template:     r.Template,
		Name:         r.Name,
		Status:       domain.Status(r.Status),
		Domain:       r.Domain,
		ExternalRef:  r.ExternalRef,
		ProjectRef:   r.ProjectRef,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &stack.Config); err != nil {
			return nil, fmt.Errorf("decoding config of stack %s: %w", r.ID, err)
		}
	}
	if r.ResourceLimits.Valid && r.ResourceLimits.String != "" {
		var rl domain.ResourceLimits
		if err := json.Unmarshal([]byte(r.ResourceLimits.String), &rl); err != nil {
			return nil, fmt.Errorf("decoding resource limits of stack %s: %w", r.ID, err)
		}
		stack.ResourceLimits = &rl
	}
	if r.LastDeploy.Valid {
		t := r.LastDeploy.Time.UTC()
		stack.LastDeploy = &t
	}
	if r.LastHealthCheck.Valid {
		t := r.LastHealthCheck.Time.UTC()
		stack.LastHealthCheck = &t
	}
	return stack, nil
}

func (s *Store) CreateStack(ctx context.Context, stack *domain.Stack) error {
	now := time.Now().UTC()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	stack.UpdatedAt = now

	row, err := toRow(stack)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO agent_stacks (`+stackColumns+`)
		 VALUES (:id, :tenant_id, :template, :name, :status, :domain, :external_ref, :project_ref,
		 :config, :resource_limits, :error_message, :last_deploy, :last_health_check, :created_at, :updated_at)`,
		row)
	return wrapUniqueError(err)
}

func getStack(ctx context.Context, db dbInterface, id string) (*domain.Stack, error) {
	var row stackRow
	err := db.GetContext(ctx, &row,
		`SELECT `+stackColumns+` FROM agent_stacks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetStack(ctx context.Context, id string) (*domain.Stack, error) {
	return getStack(ctx, s.db, id)
}

func (s *Store) GetStackByName(ctx context.Context, tenantID, name string) (*domain.Stack, error) {
	var row stackRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+stackColumns+` FROM agent_stacks WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListStacks(ctx context.Context, filter domain.StackFilter) ([]*domain.Stack, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + stackColumns + ` FROM agent_stacks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY tenant_id, name`

	var rows []stackRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	stacks := make([]*domain.Stack, 0, len(rows))
	for i := range rows {
		stack, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		stacks = append(stacks, stack)
	}
	return stacks, nil
}

func (s *Store) UpdateStack(ctx context.Context, id string, patch *domain.StackPatch) (*domain.Stack, error) {
	var updated *domain.Stack
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stack, err := getStack(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(stack)
		stack.UpdatedAt = time.Now().UTC()

		row, err := toRow(stack)
		if err != nil {
			return err
		}
		result, err := tx.NamedExecContext(ctx,
			`UPDATE agent_stacks SET status = :status, external_ref = :external_ref, project_ref = :project_ref,
			 error_message = :error_message, last_deploy = :last_deploy, last_health_check = :last_health_check,
			 updated_at = :updated_at
			 WHERE id = :id`, row)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrNotFound
		}
		updated = stack
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteStack(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stack_events WHERE stack_id = $1`, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM agent_stacks WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ============================================
// Stack events
// ============================================

func (s *Store) CreateStackEvent(ctx context.Context, event *domain.StackEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stack_events (id, stack_id, action, status, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.StackID, event.Action, event.Status, event.Message, event.CreatedAt.UTC())
	return wrapUniqueError(err)
}

func (s *Store) ListStackEvents(ctx context.Context, stackID string, limit int) ([]*domain.StackEvent, error) {
	query := `SELECT id, stack_id, action, status, message, created_at FROM stack_events
		WHERE stack_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{stackID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var events []*domain.StackEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}
