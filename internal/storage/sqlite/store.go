// Package sqlite implements the storage contracts over a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
	"github.com/billvog/passkeys-example/internal/platform/storage/sqlitemigrate"
	"github.com/billvog/passkeys-example/internal/storage"
	"github.com/billvog/passkeys-example/internal/storage/sqlite/migrations"
	"github.com/billvog/passkeys-example/internal/webauthn"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements identity and credential persistence over SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the insert helpers
// can run standalone or inside an enrollment transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutUser persists an identity record, keeping the original creation time
// when the identity already exists.
func (s *Store) PutUser(ctx context.Context, u storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return insertUser(ctx, s.sqlDB, u)
}

func insertUser(ctx context.Context, db execer, u storage.User) error {
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO users (username, created_at)
VALUES (?, ?)
ON CONFLICT (username) DO NOTHING
`, u.Username, toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches an identity record by username.
func (s *Store) GetUser(ctx context.Context, username string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}

	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT created_at FROM users WHERE username = ?
`, username).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}

	return storage.User{Username: username, CreatedAt: fromMillis(createdAt)}, nil
}

// PutCredential stores a new passkey credential. A credential ID that is
// already registered, to any owner, fails with a conflict.
func (s *Store) PutCredential(ctx context.Context, record storage.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return insertCredential(ctx, s.sqlDB, record)
}

// EnrollCredential stores a credential and its owning identity in one
// transaction. A credential conflict rolls the identity insert back too,
// so a failed enrollment leaves no rows behind.
func (s *Store) EnrollCredential(ctx context.Context, u storage.User, record storage.CredentialRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enroll credential: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertUser(ctx, tx, u); err != nil {
		return err
	}
	if err := insertCredential(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enroll credential: %w", err)
	}
	return nil
}

func insertCredential(ctx context.Context, db execer, record storage.CredentialRecord) error {
	if strings.TrimSpace(record.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(record.Owner) == "" {
		return fmt.Errorf("credential owner is required")
	}

	keyJSON, err := json.Marshal(record.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	transports := record.Transports
	if transports == nil {
		transports = []string{}
	}
	transportsJSON, err := json.Marshal(transports)
	if err != nil {
		return fmt.Errorf("encode transports: %w", err)
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	var lastUsed sql.NullInt64
	if record.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*record.LastUsedAt), Valid: true}
	}

	result, err := db.ExecContext(ctx, `
INSERT INTO credentials (
	credential_id,
	owner,
	public_key_json,
	sign_count,
	transports_json,
	created_at,
	updated_at,
	last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (credential_id) DO NOTHING
`,
		record.CredentialID,
		record.Owner,
		string(keyJSON),
		int64(record.SignCount),
		string(transportsJSON),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeConflict, "credential id is already registered")
	}
	return nil
}

const credentialColumns = `
	credential_id,
	owner,
	public_key_json,
	sign_count,
	transports_json,
	created_at,
	updated_at,
	last_used_at
`

// GetCredential fetches a stored passkey credential by its ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CredentialRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE credential_id = ?
`, credentialID)

	record, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CredentialRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}
	return record, nil
}

// ListCredentialsByOwner fetches every credential registered to an identity,
// oldest first.
func (s *Store) ListCredentialsByOwner(ctx context.Context, owner string) ([]storage.CredentialRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+credentialColumns+`
FROM credentials
WHERE owner = ?
ORDER BY created_at ASC, credential_id ASC
`, owner)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var records []storage.CredentialRecord
	for rows.Next() {
		record, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list credentials: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return records, nil
}

// UpdateSignCount advances the stored sign counter. The conditional UPDATE
// makes the monotonicity check atomic with the write, so two concurrent
// assertions cannot both pass with the same counter value.
func (s *Store) UpdateSignCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	usedAtMillis := toMillis(usedAt)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND (sign_count = 0 OR sign_count < ?)
`, int64(newCount), usedAtMillis, usedAtMillis, credentialID, int64(newCount))
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// The guarded update matched nothing; figure out which failure it was.
	var stored int64
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT sign_count FROM credentials WHERE credential_id = ?
`, credentialID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	return apperrors.New(apperrors.CodeCloneSuspected,
		fmt.Sprintf("sign count %d did not advance past stored %d", newCount, stored))
}

func scanCredential(scan func(dest ...any) error) (storage.CredentialRecord, error) {
	var record storage.CredentialRecord
	var keyJSON string
	var signCount int64
	var transportsJSON string
	var createdAt int64
	var updatedAt int64
	var lastUsed sql.NullInt64
	if err := scan(
		&record.CredentialID,
		&record.Owner,
		&keyJSON,
		&signCount,
		&transportsJSON,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.CredentialRecord{}, err
	}

	var key webauthn.PublicKey
	if err := json.Unmarshal([]byte(keyJSON), &key); err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("decode public key: %w", err)
	}
	record.PublicKey = key
	if err := json.Unmarshal([]byte(transportsJSON), &record.Transports); err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("decode transports: %w", err)
	}
	record.SignCount = uint32(signCount)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		record.LastUsedAt = &value
	}
	return record, nil
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.CredentialRegistry = (*Store)(nil)
