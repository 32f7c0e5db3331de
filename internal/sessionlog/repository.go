package sessionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the journal operations the workspace depends on.
type Repository interface {
	BeginSession(ctx context.Context, s *Session) error
	EndSession(ctx context.Context, id, reason string, endedAt time.Time) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, filter Filter) (*ListResult, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)
	RecordIncident(ctx context.Context, inc *Incident) error
	ListIncidents(ctx context.Context, pluginEntry string, limit int) ([]Incident, error)
	SaveTotals(ctx context.Context, sessionID string, frames, bytes uint64) error
	GetTotals(ctx context.Context, sessionID string) (*Totals, error)
}

// SQLiteRepository stores the journal in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// BeginSession inserts the journal row for a freshly opened session.
// StartedAt is filled in if zero.
func (r *SQLiteRepository) BeginSession(ctx context.Context, s *Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}

	paramsJSON := "{}"
	if s.Params != nil {
		b, err := json.Marshal(s.Params)
		if err != nil {
			return fmt.Errorf("marshalling session params: %w", err)
		}
		paramsJSON = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, capability_id, plugin_entry, params_json, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.CapabilityID, s.PluginEntry, paramsJSON,
		s.StartedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// EndSession closes the journal row. Ending an already-ended or unknown
// session returns ErrNotFound.
func (r *SQLiteRepository) EndSession(ctx context.Context, id, reason string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt.Format(time.RFC3339), nullableString(reason), id,
	)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking ended session: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// GetSession returns one session by id.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, capability_id, plugin_entry, params_json, started_at, ended_at, end_reason
		 FROM sessions WHERE id = ?`, id,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (r *SQLiteRepository) ListSessions(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for journal queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.PluginEntry != "" {
		conditions = append(conditions, "plugin_entry = ?")
		args = append(args, filter.PluginEntry)
	}
	if filter.OpenOnly {
		conditions = append(conditions, "ended_at IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Get total count.
	// WHERE clause is built from parameterised conditions (? placeholders), never user input.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sessions %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	// Get paginated results.
	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, capability_id, plugin_entry, params_json, started_at, ended_at, end_reason FROM sessions %s ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return &ListResult{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// AppendEvent adds one entry to a session's trail. At is filled in if zero.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, e *Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	detailJSON := "{}"
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshalling event detail: %w", err)
		}
		detailJSON = string(b)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, at, kind, detail_json) VALUES (?, ?, ?, ?)`,
		e.SessionID, e.At.Format(time.RFC3339), e.Kind, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	e.ID, _ = result.LastInsertId() //nolint:errcheck // SQLite always reports it
	return nil
}

// ListEvents returns a session's trail in order of occurrence.
func (r *SQLiteRepository) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, at, kind, detail_json FROM session_events
		 WHERE session_id = ? ORDER BY id LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at, detailJSON string
		if err := rows.Scan(&e.ID, &e.SessionID, &at, &e.Kind, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // format is controlled
		if detailJSON != "" && detailJSON != "{}" {
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshalling event detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// RecordIncident writes one host-process incident. At is filled in if zero.
func (r *SQLiteRepository) RecordIncident(ctx context.Context, inc *Incident) error {
	if inc.At.IsZero() {
		inc.At = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO host_incidents (plugin_entry, at, kind, session_id, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		inc.PluginEntry, inc.At.Format(time.RFC3339), inc.Kind,
		nullableString(inc.SessionID), inc.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting host incident: %w", err)
	}
	inc.ID, _ = result.LastInsertId() //nolint:errcheck // SQLite always reports it
	return nil
}

// ListIncidents returns incidents newest first, optionally scoped to one
// plugin entry.
func (r *SQLiteRepository) ListIncidents(ctx context.Context, pluginEntry string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, plugin_entry, at, kind, session_id, detail FROM host_incidents`
	var args []any
	if pluginEntry != "" {
		query += " WHERE plugin_entry = ?"
		args = append(args, pluginEntry)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		var inc Incident
		var at string
		var sessionID sql.NullString
		if err := rows.Scan(&inc.ID, &inc.PluginEntry, &at, &inc.Kind, &sessionID, &inc.Detail); err != nil {
			return nil, fmt.Errorf("scanning incident row: %w", err)
		}
		inc.At, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // format is controlled
		inc.SessionID = sessionID.String
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating incidents: %w", err)
	}
	return incidents, nil
}

// SaveTotals upserts a session's lifetime frame counters.
func (r *SQLiteRepository) SaveTotals(ctx context.Context, sessionID string, frames, bytes uint64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_totals (session_id, frames, bytes, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   frames = excluded.frames,
		   bytes = excluded.bytes,
		   updated_at = excluded.updated_at`,
		sessionID, int64(frames), int64(bytes), //nolint:gosec // frame counts fit comfortably
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving session totals: %w", err)
	}
	return nil
}

// GetTotals returns a session's persisted counters.
func (r *SQLiteRepository) GetTotals(ctx context.Context, sessionID string) (*Totals, error) {
	var t Totals
	var updatedAt string
	var frames, bytes int64
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, frames, bytes, updated_at FROM session_totals WHERE session_id = ?`,
		sessionID,
	).Scan(&t.SessionID, &frames, &bytes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session totals: %w", err)
	}
	t.Frames = uint64(frames)                            //nolint:gosec // stored non-negative
	t.Bytes = uint64(bytes)                              //nolint:gosec // stored non-negative
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return &t, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var paramsJSON, startedAt string
	var endedAt, endReason sql.NullString

	if err := row.Scan(&s.ID, &s.CapabilityID, &s.PluginEntry, &paramsJSON,
		&startedAt, &endedAt, &endReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &s.Params); err != nil {
			return nil, fmt.Errorf("unmarshalling session params: %w", err)
		}
	}
	s.StartedAt, _ = time.Parse(time.RFC3339, startedAt) //nolint:errcheck // format is controlled
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339, endedAt.String) //nolint:errcheck // format is controlled
		s.EndedAt = &t
	}
	s.EndReason = endReason.String
	return &s, nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
