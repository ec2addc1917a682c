package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps credentials in a shared Postgres table, partitioned by
// namespace (one namespace per device or profile).
//
// PostgresStore does NOT own the pgx pool. The caller must close the pool.
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	namespace string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "taskline").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("credential: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("credential: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNamespace selects the credential partition (default: "default").
func WithNamespace(ns string) PostgresOption {
	return func(s *PostgresStore) error {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			return errors.New("credential: empty namespace")
		}
		s.namespace = ns
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:      pool,
		schema:    "taskline",
		namespace: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("credential: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	table := s.table()

	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return fmt.Errorf("credential: create schema: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			namespace  text        NOT NULL,
			key        text        NOT NULL,
			value      text        NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		)`)
	if err != nil {
		return fmt.Errorf("credential: create table: %w", err)
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "credential_items"}.Sanitize()
}

func (s *PostgresStore) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credential: read %s: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStore) set(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
			s.namespace, key,
		)
		if err != nil {
			return fmt.Errorf("credential: delete %s: %w", key, err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, s.namespace, key, value)
	if err != nil {
		return fmt.Errorf("credential: write %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Token(ctx context.Context) (string, error) {
	return s.get(ctx, keyAccessToken)
}

func (s *PostgresStore) SetToken(ctx context.Context, token string) error {
	return s.set(ctx, keyAccessToken, token)
}

func (s *PostgresStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, keyRefreshToken)
}

func (s *PostgresStore) SetRefreshToken(ctx context.Context, token string) error {
	return s.set(ctx, keyRefreshToken, token)
}

func (s *PostgresStore) Item(ctx context.Context, key string) (string, error) {
	if err := validateItemKey(key); err != nil {
		return "", err
	}
	return s.get(ctx, key)
}

func (s *PostgresStore) SetItem(ctx context.Context, key, value string) error {
	if err := validateItemKey(key); err != nil {
		return err
	}
	return s.set(ctx, key, value)
}

func (s *PostgresStore) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE namespace = $1`, s.namespace)
	if err != nil {
		return fmt.Errorf("credential: clear: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
