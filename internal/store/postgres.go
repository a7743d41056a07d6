package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced session or user does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- sessions ----

const sessionColumns = `session_id, admin_id, status, data, created_at, updated_at`

func (s *PostgresStore) FindSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var record SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM retro_sessions WHERE session_id=$1`, sessionID,
	).Scan(&record.SessionID, &record.AdminID, &record.Status, &record.Data, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("find session: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sessionID, adminID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retro_sessions (session_id, admin_id, status, data)
		VALUES ($1, $2, 'active', $3)
	`, sessionID, adminID, data)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpsertSession writes the authoritative state blob. Read-modify-write on
// the same session is not atomic across concurrent updates; the merge rules
// bound the damage per race.
func (s *PostgresStore) UpsertSession(ctx context.Context, sessionID, adminID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retro_sessions (session_id, admin_id, status, data)
		VALUES ($1, $2, 'active', $3)
		ON CONFLICT (session_id) DO UPDATE SET data=EXCLUDED.data, updated_at=NOW()
	`, sessionID, adminID, data)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE retro_sessions SET status=$2, updated_at=NOW() WHERE session_id=$1`, sessionID, status)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListClosedSessions(ctx context.Context, adminID string) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM retro_sessions
		WHERE admin_id=$1 AND status='closed'
		ORDER BY updated_at DESC
	`, adminID)
	if err != nil {
		return nil, fmt.Errorf("list closed sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var record SessionRecord
		if err := rows.Scan(&record.SessionID, &record.AdminID, &record.Status, &record.Data, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) LastClosedSession(ctx context.Context, adminID string) (SessionRecord, error) {
	var record SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM retro_sessions
		WHERE admin_id=$1 AND status='closed'
		ORDER BY updated_at DESC
		LIMIT 1
	`, adminID).Scan(&record.SessionID, &record.AdminID, &record.Status, &record.Data, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("last closed session: %w", err)
	}
	return record, nil
}

// CloseStaleSessions closes every non-closed session untouched since the
// cutoff and returns how many were affected.
func (s *PostgresStore) CloseStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE retro_sessions
		SET status='closed', updated_at=NOW()
		WHERE status <> 'closed' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	return affected, nil
}

// ---- users ----

const userColumns = `id, username, COALESCE(email, ''), password_hash, created_at, updated_at`

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username=$1`, username,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email=$1`, email,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1`, id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	var email any
	if user.Email != "" {
		email = user.Email
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE password_resets SET used_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}
