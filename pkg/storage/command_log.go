package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/odvcencio/webpilot/pkg/session"
)

// Append inserts a terminal command record. Replays of the same command id
// overwrite the prior row so late-result updates land on the same entry.
func (s *Store) Append(ctx context.Context, rec session.CommandRecord) error {
	payload, err := encodeJSON(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	lateResult, err := encodeJSON(rec.LateResult)
	if err != nil {
		return fmt.Errorf("encode late result: %w", err)
	}

	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}

	query := `
		INSERT INTO command_log
			(command_id, session_id, command_type, payload, status, backend_used, result, error, late_result, timeout_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			status = excluded.status,
			backend_used = excluded.backend_used,
			result = excluded.result,
			error = excluded.error,
			late_result = excluded.late_result,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.Type,
		payload,
		string(rec.Status),
		rec.BackendUsed,
		result,
		rec.Error,
		lateResult,
		rec.TimeoutMs,
		rec.CreatedAt.UTC(),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command record: %w", err)
	}
	return nil
}

// ListBySession returns a session's audit records, oldest first, capped at
// limit (0 = unlimited).
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]session.CommandRecord, error) {
	query := `
		SELECT command_id, session_id, command_type, payload, status, backend_used, result, error, late_result, timeout_ms, created_at, completed_at
		FROM command_log
		WHERE session_id = ?
		ORDER BY created_at ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command log: %w", err)
	}
	defer rows.Close()

	var records []session.CommandRecord
	for rows.Next() {
		rec, err := scanCommandRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetByID returns one audit record.
func (s *Store) GetByID(ctx context.Context, commandID string) (session.CommandRecord, bool, error) {
	query := `
		SELECT command_id, session_id, command_type, payload, status, backend_used, result, error, late_result, timeout_ms, created_at, completed_at
		FROM command_log
		WHERE command_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return session.CommandRecord{}, false, fmt.Errorf("query command record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return session.CommandRecord{}, false, rows.Err()
	}
	rec, err := scanCommandRecord(rows)
	if err != nil {
		return session.CommandRecord{}, false, err
	}
	return rec, true, nil
}

// DeleteBySession drops a session's audit records. Returns rows removed.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM command_log WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete command records: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns audit record counts keyed by terminal status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM command_log GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count command records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanCommandRecord(rows *sql.Rows) (session.CommandRecord, error) {
	var rec session.CommandRecord
	var payload, backend, result, errMsg, lateResult sql.NullString
	var status string
	var completedAt sql.NullTime

	err := rows.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Type,
		&payload,
		&status,
		&backend,
		&result,
		&errMsg,
		&lateResult,
		&rec.TimeoutMs,
		&rec.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return session.CommandRecord{}, fmt.Errorf("scan command record: %w", err)
	}

	rec.Status = session.CommandStatus(status)
	rec.BackendUsed = backend.String
	rec.Error = errMsg.String
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return session.CommandRecord{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if lateResult.Valid && lateResult.String != "" {
		if err := json.Unmarshal([]byte(lateResult.String), &rec.LateResult); err != nil {
			return session.CommandRecord{}, fmt.Errorf("decode late result: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		return string(val), nil
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
