package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// SessionStorage handles session bookkeeping.
type SessionStorage struct {
	db *DB
}

// NewSessionStorage creates a new session storage handler.
func NewSessionStorage(db *DB) *SessionStorage {
	return &SessionStorage{db: db}
}

// SaveSession inserts or updates a session row.
func (s *SessionStorage) SaveSession(ctx context.Context, info *model.SessionInfo) error {
	summary, err := json.Marshal(info.Summary)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (id, network_id, scope, state, started_at, ended_at, summary, error,
			  discovery, discovery_error)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  scope = excluded.scope,
			  state = excluded.state,
			  ended_at = excluded.ended_at,
			  summary = excluded.summary,
			  error = excluded.error,
			  discovery = excluded.discovery,
			  discovery_error = excluded.discovery_error`

	_, err = s.db.ExecContext(ctx, query,
		info.ID, info.NetworkID, info.Scope, string(info.State),
		info.StartedAt.UTC(), info.EndedAt.UTC(), string(summary), info.Error,
		string(info.Discovery), info.DiscoveryError)
	if err != nil {
		return &util.PersistenceError{Op: "save session", Err: err}
	}
	return nil
}

// GetSession returns a session by id, or nil if unknown.
func (s *SessionStorage) GetSession(ctx context.Context, id string) (*model.SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id)
	info, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return info, err
}

// LatestSession returns the most recent session for a network, or nil.
func (s *SessionStorage) LatestSession(ctx context.Context, networkID string) (*model.SessionInfo, error) {
	row := s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE network_id = ? ORDER BY started_at DESC LIMIT 1`, networkID)
	info, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return info, err
}

// ListSessions returns sessions newest first. limit <= 0 returns all.
func (s *SessionStorage) ListSessions(ctx context.Context, limit int) ([]*model.SessionInfo, error) {
	query := sessionColumns + ` ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.SessionInfo
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// MarkInterrupted moves sessions left active by a crash to suspended.
func (s *SessionStorage) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, error = ? WHERE state = ?`,
		string(model.SessionSuspended), "interrupted", string(model.SessionActive))
	if err != nil {
		return 0, &util.PersistenceError{Op: "mark interrupted", Err: err}
	}
	return res.RowsAffected()
}

const sessionColumns = `SELECT id, network_id, scope, state, started_at, ended_at, summary, error,
	discovery, discovery_error FROM sessions`

func scanSession(row rowScanner) (*model.SessionInfo, error) {
	var (
		info                  model.SessionInfo
		state                 string
		scope, summary, errTx sql.NullString
		disc, discErr         sql.NullString
		ended                 sql.NullTime
	)
	if err := row.Scan(&info.ID, &info.NetworkID, &scope, &state, &info.StartedAt, &ended, &summary, &errTx,
		&disc, &discErr); err != nil {
		return nil, err
	}
	info.Discovery = model.StageStatus(disc.String)
	info.DiscoveryError = discErr.String
	info.Scope = scope.String
	info.State = model.SessionState(state)
	info.Error = errTx.String
	if ended.Valid {
		info.EndedAt = ended.Time
	}
	if summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &info.Summary); err != nil {
			return nil, fmt.Errorf("session %s summary: %w", info.ID, err)
		}
	}
	return &info, nil
}
