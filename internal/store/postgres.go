package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/vaheed/novaspace/internal/security"
	"github.com/vaheed/novaspace/pkg/types"
)

type postgresStore struct {
	db     *sql.DB
	sealer *security.Sealer
}

// NewPostgres opens a Store backed by PostgreSQL and applies pending
// migrations. Tokens are sealed with sealer when it is non-nil.
func NewPostgres(ctx context.Context, dsn string, sealer *security.Sealer) (*postgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	st := &postgresStore{db: db, sealer: sealer}
	if err := st.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (p *postgresStore) init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	for _, m := range migrations {
		applied, err := p.isApplied(ctx, m.ID)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *postgresStore) Close(ctx context.Context) error {
	return p.db.Close()
}

func (p *postgresStore) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{
		ID: "0001_identities",
		SQL: `
CREATE TABLE IF NOT EXISTS identities (
	id UUID PRIMARY KEY,
	namespace TEXT NOT NULL,
	user_id TEXT NOT NULL,
	user_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (namespace, user_id)
);
CREATE INDEX IF NOT EXISTS identities_user_id_idx ON identities (user_id);
CREATE UNIQUE INDEX IF NOT EXISTS identities_namespace_admin_idx ON identities (namespace) WHERE user_type = 'NAMESPACE_ADMIN';
`,
	},
}

func (p *postgresStore) isApplied(ctx context.Context, id string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE id=$1`, id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *postgresStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, m.ID, time.Now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", m.ID, err)
	}
	return tx.Commit()
}

func (p *postgresStore) CreateIdentity(ctx context.Context, id *types.Identity) error {
	if types.IsZeroID(id.ID) {
		id.ID = types.NewID()
	}
	id.CreatedAt = stamp(id.CreatedAt)
	id.UpdatedAt = id.CreatedAt
	payload, err := p.marshal(*id)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO identities (id, namespace, user_id, user_type, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id.ID, id.Namespace, id.UserID, string(id.UserType), payload, id.CreatedAt, id.UpdatedAt)
	return handleSQLError(err)
}

func (p *postgresStore) UpdateIdentity(ctx context.Context, id types.Identity) error {
	id.UpdatedAt = time.Now().UTC()
	payload, err := p.marshal(id)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE identities SET namespace=$2, user_id=$3, user_type=$4, payload=$5, updated_at=$6
		WHERE id=$1
	`, id.ID, id.Namespace, id.UserID, string(id.UserType), payload, id.UpdatedAt)
	if err != nil {
		return handleSQLError(err)
	}
	return requireAffected(res)
}

func (p *postgresStore) DeleteIdentity(ctx context.Context, id types.ID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM identities WHERE id=$1`, id)
	if err != nil {
		return handleSQLError(err)
	}
	return requireAffected(res)
}

func (p *postgresStore) GetIdentity(ctx context.Context, namespace, userID string) (types.Identity, error) {
	return p.queryOne(ctx, `SELECT id::text, payload, created_at FROM identities WHERE namespace=$1 AND user_id=$2`, namespace, userID)
}

func (p *postgresStore) GetNamespaceAdmin(ctx context.Context, namespace string) (types.Identity, error) {
	return p.queryOne(ctx, `SELECT id::text, payload, created_at FROM identities WHERE namespace=$1 AND user_type=$2`, namespace, string(types.UserTypeNamespaceAdmin))
}

func (p *postgresStore) ListByNamespace(ctx context.Context, namespace string) ([]types.Identity, error) {
	return p.queryMany(ctx, `SELECT id::text, payload, created_at FROM identities WHERE namespace=$1 ORDER BY user_id`, namespace)
}

func (p *postgresStore) ListByUser(ctx context.Context, userID string) ([]types.Identity, error) {
	return p.queryMany(ctx, `SELECT id::text, payload, created_at FROM identities WHERE user_id=$1 ORDER BY namespace`, userID)
}

func (p *postgresStore) queryOne(ctx context.Context, query string, args ...any) (types.Identity, error) {
	var (
		key     string
		raw     []byte
		created time.Time
	)
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&key, &raw, &created); err != nil {
		return types.Identity{}, handleSQLError(err)
	}
	return p.unmarshal(key, raw, created)
}

func (p *postgresStore) queryMany(ctx context.Context, query string, args ...any) ([]types.Identity, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.Identity{}
	for rows.Next() {
		var (
			key     string
			raw     []byte
			created time.Time
		)
		if err := rows.Scan(&key, &raw, &created); err != nil {
			return nil, err
		}
		id, err := p.unmarshal(key, raw, created)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *postgresStore) marshal(id types.Identity) ([]byte, error) {
	sealed, err := p.sealer.Seal(id.Token, tokenContext(id))
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}
	id.Token = sealed
	return json.Marshal(id)
}

// unmarshal decodes a row. The id column is authoritative over the payload.
func (p *postgresStore) unmarshal(key string, raw []byte, created time.Time) (types.Identity, error) {
	var id types.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return types.Identity{}, err
	}
	rowID, err := types.ParseID(key)
	if err != nil {
		return types.Identity{}, err
	}
	id.ID = rowID
	token, err := p.sealer.Open(id.Token, tokenContext(id))
	if err != nil {
		return types.Identity{}, fmt.Errorf("open token: %w", err)
	}
	id.Token = token
	id.CreatedAt = created.UTC()
	return id, nil
}

func tokenContext(id types.Identity) string {
	return id.Namespace + "/" + id.UserID
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func handleSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if containsAny(err.Error(), "unique constraint", "duplicate key") {
		return ErrConflict
	}
	return err
}

func containsAny(msg string, tokens ...string) bool {
	for _, t := range tokens {
		if t != "" && strings.Contains(msg, t) {
			return true
		}
	}
	return false
}
