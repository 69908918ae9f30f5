package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/storage/migrations"
)

// PostgresStore implements the vault, recovery and group record stores on
// PostgreSQL. Status transitions are conditional updates so concurrent
// processes never apply the same transition twice.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewPostgresStore connects to PostgreSQL. The pool is created even when the
// database is temporarily unreachable; the first ping failure is only logged.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log *slog.Logger) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		pcfg.MaxConnIdleTime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Warn("Postgres startup ping failed", "err", err)
	} else {
		log.Info("Postgres pool ready", "maxConns", pcfg.MaxConns)
	}

	return &PostgresStore{pool: pool, log: log}, nil
}

// Migrate applies the embedded schema in file name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		s.log.Debug("Applied migration", "name", name)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetVault(ctx context.Context, ownerID string) (*interfaces.Vault, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM vaults WHERE owner_id = $1`, ownerID).Scan(&raw)
	if err != nil {
		return nil, notFound(err)
	}
	return interfaces.UnmarshalVault(raw)
}

func (s *PostgresStore) PutVault(ctx context.Context, ownerID string, vault *interfaces.Vault) error {
	raw, err := vault.Marshal()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO vaults (owner_id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner_id)
		DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`, ownerID, string(raw))
	return err
}

func (s *PostgresStore) DeleteVault(ctx context.Context, ownerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vaults WHERE owner_id = $1`, ownerID)
	return err
}

const methodColumns = `user_id, method_type, config_encrypted, enabled, created_at, updated_at`

func scanMethod(row pgx.Row) (*interfaces.RecoveryMethod, error) {
	var m interfaces.RecoveryMethod
	var methodType string
	if err := row.Scan(&m.UserID, &methodType, &m.ConfigEncrypted, &m.Enabled, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.MethodType = interfaces.RecoveryMethodType(methodType)
	return &m, nil
}

func (s *PostgresStore) GetMethod(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType) (*interfaces.RecoveryMethod, error) {
	m, err := scanMethod(s.pool.QueryRow(ctx,
		`SELECT `+methodColumns+` FROM recovery_methods WHERE user_id = $1 AND method_type = $2`,
		userID, string(methodType)))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) ListMethods(ctx context.Context, userID string) ([]interfaces.RecoveryMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+methodColumns+` FROM recovery_methods WHERE user_id = $1 ORDER BY method_type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.RecoveryMethod
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutMethod(ctx context.Context, method *interfaces.RecoveryMethod) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_methods (`+methodColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, method_type)
		DO UPDATE SET config_encrypted = EXCLUDED.config_encrypted,
		              enabled = EXCLUDED.enabled,
		              updated_at = EXCLUDED.updated_at
	`, method.UserID, string(method.MethodType), method.ConfigEncrypted, method.Enabled, method.CreatedAt, method.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteMethod(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recovery_methods WHERE user_id = $1 AND method_type = $2`, userID, string(methodType))
	return err
}

func (s *PostgresStore) ReplaceContacts(ctx context.Context, userID string, contacts []interfaces.RecoveryContact) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recovery_contacts WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, c := range contacts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO recovery_contacts (user_id, recovery_id, contact_email, contact_name, share_index, encrypted_shard)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, userID, c.RecoveryID, c.ContactEmail, c.ContactName, c.ShareIndex, c.EncryptedShard); err != nil {
				return err
			}
		}
		return nil
	})
}

const contactColumns = `user_id, recovery_id, contact_email, contact_name, share_index, encrypted_shard`

func scanContact(row pgx.Row) (*interfaces.RecoveryContact, error) {
	var c interfaces.RecoveryContact
	if err := row.Scan(&c.UserID, &c.RecoveryID, &c.ContactEmail, &c.ContactName, &c.ShareIndex, &c.EncryptedShard); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, userID string) ([]interfaces.RecoveryContact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM recovery_contacts WHERE user_id = $1 ORDER BY share_index`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.RecoveryContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindContact(ctx context.Context, recoveryID, contactEmail string) (*interfaces.RecoveryContact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM recovery_contacts WHERE recovery_id = $1 AND lower(contact_email) = lower($2)`,
		recoveryID, contactEmail))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

const requestColumns = `id, user_id, recovery_id, token_hash, threshold, shards_collected, status, created_at, expires_at, completed_at`

func scanRequest(row pgx.Row) (*interfaces.RecoveryRequest, error) {
	var r interfaces.RecoveryRequest
	var status string
	if err := row.Scan(&r.ID, &r.UserID, &r.RecoveryID, &r.TokenHash, &r.Threshold, &r.ShardsCollected,
		&status, &r.CreatedAt, &r.ExpiresAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Status = interfaces.RecoveryStatus(status)
	return &r, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *interfaces.RecoveryRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.UserID, req.RecoveryID, req.TokenHash, req.Threshold, req.ShardsCollected,
		string(req.Status), req.CreatedAt, req.ExpiresAt, req.CompletedAt)
	if isUniqueViolation(err) {
		return interfaces.ErrConflict
	}
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*interfaces.RecoveryRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM recovery_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *PostgresStore) FindPendingRequest(ctx context.Context, userID string) (*interfaces.RecoveryRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM recovery_requests WHERE user_id = $1 AND status = 'pending'`, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, from, to interfaces.RecoveryStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recovery_requests
		SET status = $3, completed_at = CASE WHEN $3 = 'pending' THEN NULL ELSE $4::timestamptz END
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListExpiredRequests(ctx context.Context, now time.Time) ([]interfaces.RecoveryRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM recovery_requests WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.RecoveryRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddShard(ctx context.Context, shard interfaces.CollectedShard) (int, error) {
	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx,
			`SELECT status, shards_collected FROM recovery_requests WHERE id = $1 FOR UPDATE`,
			shard.RequestID).Scan(&status, &count); err != nil {
			return notFound(err)
		}
		if interfaces.RecoveryStatus(status) != interfaces.RecoveryPending {
			return interfaces.ErrRequestNotPending
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO recovery_shards (request_id, contact_email, shard_encrypted, submitted_at)
			VALUES ($1, lower($2), $3, $4)
			ON CONFLICT (request_id, contact_email) DO NOTHING
		`, shard.RequestID, shard.ContactEmail, shard.ShardEncrypted, shard.SubmittedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return interfaces.ErrDuplicateShardSubmission
		}

		return tx.QueryRow(ctx, `
			UPDATE recovery_requests SET shards_collected = shards_collected + 1
			WHERE id = $1 RETURNING shards_collected
		`, shard.RequestID).Scan(&count)
	})
	return count, err
}

func (s *PostgresStore) ListShards(ctx context.Context, requestID string) ([]interfaces.CollectedShard, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, contact_email, shard_encrypted, submitted_at
		FROM recovery_shards WHERE request_id = $1 ORDER BY submitted_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.CollectedShard
	for rows.Next() {
		var sh interfaces.CollectedShard
		if err := rows.Scan(&sh.RequestID, &sh.ContactEmail, &sh.ShardEncrypted, &sh.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteShards(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM recovery_shards WHERE request_id = $1`, requestID)
	return err
}

const unlockColumns = `id, group_id, requested_by, reason, required_approvals, status, session_key_encrypted,
	admin_session_keys, created_at, expires_at, unlocked_at, session_expires_at, decided_at`

func scanUnlock(row pgx.Row) (*interfaces.GroupUnlockRequest, error) {
	var r interfaces.GroupUnlockRequest
	var status string
	var adminKeys []byte
	if err := row.Scan(&r.ID, &r.GroupID, &r.RequestedBy, &r.Reason, &r.RequiredApprovals, &status,
		&r.SessionKeyEncrypted, &adminKeys, &r.CreatedAt, &r.ExpiresAt, &r.UnlockedAt, &r.SessionExpiresAt, &r.DecidedAt); err != nil {
		return nil, err
	}
	r.Status = interfaces.GroupUnlockStatus(status)
	if len(adminKeys) > 0 {
		if err := json.Unmarshal(adminKeys, &r.AdminSessionKeys); err != nil {
			return nil, fmt.Errorf("invalid admin session keys: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateUnlockRequest(ctx context.Context, req *interfaces.GroupUnlockRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_unlock_requests (id, group_id, requested_by, reason, required_approvals, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.GroupID, req.RequestedBy, req.Reason, req.RequiredApprovals, string(req.Status), req.CreatedAt, req.ExpiresAt)
	if isUniqueViolation(err) {
		return interfaces.ErrConflict
	}
	return err
}

func (s *PostgresStore) GetUnlockRequest(ctx context.Context, id string) (*interfaces.GroupUnlockRequest, error) {
	r, err := scanUnlock(s.pool.QueryRow(ctx, `SELECT `+unlockColumns+` FROM group_unlock_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *PostgresStore) FindActiveUnlockRequest(ctx context.Context, groupID string) (*interfaces.GroupUnlockRequest, error) {
	r, err := scanUnlock(s.pool.QueryRow(ctx, `
		SELECT `+unlockColumns+` FROM group_unlock_requests
		WHERE group_id = $1 AND status IN ('pending', 'unlocked')
	`, groupID))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *PostgresStore) ListUnlockRequests(ctx context.Context, status interfaces.GroupUnlockStatus) ([]interfaces.GroupUnlockRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unlockColumns+` FROM group_unlock_requests WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.GroupUnlockRequest
	for rows.Next() {
		r, err := scanUnlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddApproval(ctx context.Context, approval interfaces.GroupUnlockApproval) (bool, int, error) {
	var inserted bool
	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM group_unlock_requests WHERE id = $1 FOR UPDATE`, approval.RequestID).Scan(&id); err != nil {
			return notFound(err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO group_unlock_approvals (request_id, approved_by, approved_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (request_id, approved_by) DO NOTHING
		`, approval.RequestID, approval.ApprovedBy, approval.ApprovedAt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return tx.QueryRow(ctx, `SELECT count(*) FROM group_unlock_approvals WHERE request_id = $1`, approval.RequestID).Scan(&count)
	})
	return inserted, count, err
}

func (s *PostgresStore) ListApprovals(ctx context.Context, requestID string) ([]interfaces.GroupUnlockApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, approved_by, approved_at
		FROM group_unlock_approvals WHERE request_id = $1 ORDER BY approved_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.GroupUnlockApproval
	for rows.Next() {
		var a interfaces.GroupUnlockApproval
		if err := rows.Scan(&a.RequestID, &a.ApprovedBy, &a.ApprovedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkUnlocked(ctx context.Context, id string, sessionKeyEncrypted []byte, adminKeys map[string][]byte, unlockedAt, sessionExpiresAt time.Time) (bool, error) {
	var adminKeysJSON *string
	if len(adminKeys) > 0 {
		raw, err := json.Marshal(adminKeys)
		if err != nil {
			return false, err
		}
		encoded := string(raw)
		adminKeysJSON = &encoded
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE group_unlock_requests
		SET status = 'unlocked', session_key_encrypted = $2, admin_session_keys = $3,
		    unlocked_at = $4, session_expires_at = $5
		WHERE id = $1 AND status = 'pending'
	`, id, sessionKeyEncrypted, adminKeysJSON, unlockedAt, sessionExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) TransitionUnlockRequest(ctx context.Context, id string, from, to interfaces.GroupUnlockStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE group_unlock_requests SET status = $3, decided_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetGroupVault(ctx context.Context, groupID string) ([]byte, error) {
	var payload []byte
	if err := s.pool.QueryRow(ctx, `SELECT payload FROM group_vaults WHERE group_id = $1`, groupID).Scan(&payload); err != nil {
		return nil, notFound(err)
	}
	return payload, nil
}

func (s *PostgresStore) PutGroupVault(ctx context.Context, groupID string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO group_vaults (group_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (group_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, groupID, payload)
	return err
}
