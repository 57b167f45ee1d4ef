// Package store persists local browser sessions.
//
// A session binds the opaque cookie token to the identity provider login that
// created it. Only the SHA-256 hash of the cookie token is stored.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// SessionStore defines persistence for sessions.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *domain.Session) error

	// GetByTokenHash returns an unexpired session.
	// Returns domain.ENOTFOUND if no such session exists.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)

	// DeleteByTokenHash removes one session. Missing sessions are not an error.
	DeleteByTokenHash(ctx context.Context, tokenHash string) error

	// DeleteByUserID removes every session of a user.
	DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error)

	// DeleteExpired removes all expired sessions.
	DeleteExpired(ctx context.Context) (int64, error)
}

// =============================================================================
// Postgres
// =============================================================================

// PostgresSessionStore stores sessions in the sessions table.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates a store on an open database.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

const createSession = `INSERT INTO sessions (
    id, user_id, email, token_hash, access_token, refresh_token,
    ip_address, user_agent, metadata, expires_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (s *PostgresSessionStore) Create(ctx context.Context, session *domain.Session) error {
	const op = "PostgresSessionStore.Create"

	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return domain.Internal(err, op, "Failed to encode session metadata")
	}

	_, err = s.db.ExecContext(ctx, createSession,
		session.ID,
		session.UserID,
		session.Email,
		session.TokenHash,
		session.AccessToken,
		session.RefreshToken,
		parseInet(session.IPAddress),
		session.UserAgent,
		metadata,
		session.ExpiresAt,
		session.CreatedAt,
	)
	if err != nil {
		return domain.Internal(err, op, "Failed to create session")
	}
	return nil
}

const getSessionByTokenHash = `SELECT
    id, user_id, email, token_hash, access_token, refresh_token,
    ip_address, user_agent, metadata, expires_at, created_at
FROM sessions
WHERE token_hash = $1 AND expires_at > NOW()`

func (s *PostgresSessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	const op = "PostgresSessionStore.GetByTokenHash"

	var (
		session  domain.Session
		ip       pqtype.Inet
		metadata pqtype.NullRawMessage
	)
	err := s.db.QueryRowContext(ctx, getSessionByTokenHash, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.Email,
		&session.TokenHash,
		&session.AccessToken,
		&session.RefreshToken,
		&ip,
		&session.UserAgent,
		&metadata,
		&session.ExpiresAt,
		&session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "Session not found")
		}
		return nil, domain.Internal(err, op, "Failed to retrieve session")
	}

	if ip.Valid {
		session.IPAddress = ip.IPNet.IP.String()
	}
	if session.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, domain.Internal(err, op, "Failed to decode session metadata")
	}
	return &session, nil
}

const deleteSessionByTokenHash = `DELETE FROM sessions WHERE token_hash = $1`

func (s *PostgresSessionStore) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	const op = "PostgresSessionStore.DeleteByTokenHash"

	if _, err := s.db.ExecContext(ctx, deleteSessionByTokenHash, tokenHash); err != nil {
		return domain.Internal(err, op, "Failed to delete session")
	}
	return nil
}

const deleteSessionsByUserID = `DELETE FROM sessions WHERE user_id = $1`

func (s *PostgresSessionStore) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "PostgresSessionStore.DeleteByUserID"

	res, err := s.db.ExecContext(ctx, deleteSessionsByUserID, userID)
	if err != nil {
		return 0, domain.Internal(err, op, "Failed to delete sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const deleteExpiredSessions = `DELETE FROM sessions WHERE expires_at <= NOW()`

func (s *PostgresSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	const op = "PostgresSessionStore.DeleteExpired"

	res, err := s.db.ExecContext(ctx, deleteExpiredSessions)
	if err != nil {
		return 0, domain.Internal(err, op, "Failed to delete expired sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// parseInet converts a client IP to an inet value; unparsable input is NULL.
func parseInet(addr string) pqtype.Inet {
	ip := net.ParseIP(addr)
	if ip == nil {
		return pqtype.Inet{}
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return pqtype.Inet{
		IPNet: net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)},
		Valid: true,
	}
}

func encodeMetadata(m map[string]string) (pqtype.NullRawMessage, error) {
	if len(m) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

func decodeMetadata(raw pqtype.NullRawMessage) (map[string]string, error) {
	if !raw.Valid || len(raw.RawMessage) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw.RawMessage, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ SessionStore = (*PostgresSessionStore)(nil)
