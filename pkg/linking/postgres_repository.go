package linking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
)

const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS oauth_linked_identity (
		local_user_id TEXT NOT NULL,
		provider      TEXT NOT NULL,
		username      TEXT NOT NULL,
		remote_id     TEXT NOT NULL DEFAULT '',
		token         TEXT NOT NULL DEFAULT '',
		linked_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (local_user_id, provider),
		CONSTRAINT oauth_linked_identity_provider_username_key UNIQUE (provider, username)
	)
`

const selectColumns = `local_user_id, provider, username, remote_id, token, linked_at, updated_at`

// PostgresAccountRepository implements AccountRepository using PostgreSQL
type PostgresAccountRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountRepository creates a new PostgreSQL account repository
func NewPostgresAccountRepository(pool *pgxpool.Pool) (*PostgresAccountRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &PostgresAccountRepository{pool: pool}, nil
}

// EnsureSchema creates the oauth_linked_identity table when missing
func (r *PostgresAccountRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create oauth_linked_identity table: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) FindByProviderUsername(ctx context.Context, provider, username string) (*LinkedAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM oauth_linked_identity WHERE provider = $1 AND username = $2`
	return r.queryOne(ctx, query, provider, username)
}

func (r *PostgresAccountRepository) FindByLocalUser(ctx context.Context, localUserID, provider string) (*LinkedAccount, error) {
	query := `SELECT ` + selectColumns + ` FROM oauth_linked_identity WHERE local_user_id = $1 AND provider = $2`
	return r.queryOne(ctx, query, localUserID, provider)
}

func (r *PostgresAccountRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*LinkedAccount, error) {
	account := &LinkedAccount{}
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&account.LocalUserID,
		&account.Provider,
		&account.Username,
		&account.RemoteID,
		&account.Token,
		&account.LinkedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get linked account: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepository) UpdateLinkedIdentity(ctx context.Context, identity LinkedIdentity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	query := `
		INSERT INTO oauth_linked_identity (local_user_id, provider, username, remote_id, token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (local_user_id, provider) DO UPDATE SET
			username = EXCLUDED.username,
			remote_id = EXCLUDED.remote_id,
			token = EXCLUDED.token,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		identity.LocalUserID,
		identity.Provider,
		identity.Username,
		identity.RemoteID,
		identity.Token,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &oautherrors.DuplicateIdentityConflict{Provider: identity.Provider, Username: identity.Username}
		}
		return fmt.Errorf("failed to update linked identity: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) RemoveLinkedIdentity(ctx context.Context, localUserID, provider string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM oauth_linked_identity WHERE local_user_id = $1 AND provider = $2`,
		localUserID, provider)
	if err != nil {
		return fmt.Errorf("failed to remove linked identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
