package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Cohort tags. Visitors are this_year/last_year; sessions this_year/past_year.
const (
	CohortThisYear = "this_year"
	CohortLastYear = "last_year"
	CohortPastYear = "past_year"
)

// Visitor is an attendee record for one show+year. Attributes are an open
// categorical map; values may be absent or "NA".
type Visitor struct {
	ID       string
	BadgeID  string
	ShowCode string
	Cohort   string
	Attrs    map[string]string
}

// Session is a catalog entry with optional stream labels and theatre.
type Session struct {
	ID        string
	ShowCode  string
	Cohort    string
	Title     string
	Synopsis  string
	Theatre   string
	Sponsored bool
	Streams   []string
}

// Stream is a named topical category with a description.
type Stream struct {
	Name        string
	Description string
}

// Recommendation is a scored visitor->session edge.
type Recommendation struct {
	VisitorID string
	SessionID string
	Score     float64
	Rank      int
}

// Store wraps the SQLite-backed graph store.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertVisitor inserts or replaces a visitor node.
func (s *Store) UpsertVisitor(ctx context.Context, v Visitor) error {
	if v.ID == "" {
		return fmt.Errorf("store: visitor ID is required")
	}
	attrs, err := json.Marshal(v.Attrs)
	if err != nil {
		return fmt.Errorf("store: marshal visitor attrs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO visitors (id, badge_id, show_code, cohort, attrs_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			badge_id = excluded.badge_id,
			show_code = excluded.show_code,
			cohort = excluded.cohort,
			attrs_json = excluded.attrs_json
	`, v.ID, v.BadgeID, v.ShowCode, v.Cohort, string(attrs), nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: upsert visitor %s: %w", v.ID, err)
	}
	return nil
}

func scanVisitor(row interface{ Scan(...any) error }) (Visitor, error) {
	var v Visitor
	var attrs string
	if err := row.Scan(&v.ID, &v.BadgeID, &v.ShowCode, &v.Cohort, &attrs); err != nil {
		return Visitor{}, err
	}
	if err := json.Unmarshal([]byte(attrs), &v.Attrs); err != nil {
		return Visitor{}, fmt.Errorf("store: parse visitor attrs for %s: %w", v.ID, err)
	}
	if v.Attrs == nil {
		v.Attrs = map[string]string{}
	}
	return v, nil
}

// GetVisitor returns one visitor by id.
func (s *Store) GetVisitor(ctx context.Context, id string) (Visitor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, badge_id, show_code, cohort, attrs_json FROM visitors WHERE id = ?
	`, id)
	v, err := scanVisitor(row)
	if err == sql.ErrNoRows {
		return Visitor{}, fmt.Errorf("store: visitor %s not found", id)
	}
	return v, err
}

// ListVisitors returns visitors for a show filtered by cohort, ordered by id.
func (s *Store) ListVisitors(ctx context.Context, showCode, cohort string) ([]Visitor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, badge_id, show_code, cohort, attrs_json
		FROM visitors
		WHERE show_code = ? AND cohort = ?
		ORDER BY id
	`, showCode, cohort)
	if err != nil {
		return nil, fmt.Errorf("store: list visitors: %w", err)
	}
	defer rows.Close()

	var visitors []Visitor
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, err
		}
		visitors = append(visitors, v)
	}
	return visitors, rows.Err()
}

// ListVisitorsByShows returns visitors registered under any of the given show
// codes, ordered by id. Used by the engagement-mode cohort remapping.
func (s *Store) ListVisitorsByShows(ctx context.Context, showCodes []string) ([]Visitor, error) {
	var visitors []Visitor
	seen := make(map[string]bool)
	for _, code := range showCodes {
		if code == "" {
			continue
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, badge_id, show_code, cohort, attrs_json
			FROM visitors WHERE show_code = ? ORDER BY id
		`, code)
		if err != nil {
			return nil, fmt.Errorf("store: list visitors for show %s: %w", code, err)
		}
		for rows.Next() {
			v, err := scanVisitor(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[v.ID] {
				seen[v.ID] = true
				visitors = append(visitors, v)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	sort.Slice(visitors, func(i, j int) bool { return visitors[i].ID < visitors[j].ID })
	return visitors, nil
}

// UpsertSession inserts or replaces a session node and its HAS_STREAM edges.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("store: session ID is required")
	}
	sponsored := 0
	if sess.Sponsored {
		sponsored = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, show_code, cohort, title, synopsis, theatre, sponsored, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			show_code = excluded.show_code,
			cohort = excluded.cohort,
			title = excluded.title,
			synopsis = excluded.synopsis,
			theatre = excluded.theatre,
			sponsored = excluded.sponsored
	`, sess.ID, sess.ShowCode, sess.Cohort, sess.Title, sess.Synopsis, sess.Theatre, sponsored, nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: upsert session %s: %w", sess.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_streams WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("store: clear session streams: %w", err)
	}
	for _, stream := range sess.Streams {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_streams (session_id, stream) VALUES (?, ?)
		`, sess.ID, stream); err != nil {
			return fmt.Errorf("store: insert session stream: %w", err)
		}
	}

	return tx.Commit()
}

// ListSessions returns sessions for a show+cohort with streams attached,
// ordered by id.
func (s *Store) ListSessions(ctx context.Context, showCode, cohort string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, show_code, cohort, title, synopsis, theatre, sponsored
		FROM sessions
		WHERE show_code = ? AND cohort = ?
		ORDER BY id
	`, showCode, cohort)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var sponsored int
		if err := rows.Scan(&sess.ID, &sess.ShowCode, &sess.Cohort, &sess.Title, &sess.Synopsis, &sess.Theatre, &sponsored); err != nil {
			return nil, err
		}
		sess.Sponsored = sponsored != 0
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		streams, err := s.SessionStreams(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Streams = streams
	}
	return sessions, nil
}

// SessionStreams returns the HAS_STREAM edge targets for a session, sorted.
func (s *Store) SessionStreams(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream FROM session_streams WHERE session_id = ? ORDER BY stream
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: session streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// SetSessionStreams replaces a session's HAS_STREAM edges.
func (s *Store) SetSessionStreams(ctx context.Context, sessionID string, streams []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_streams WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: clear session streams: %w", err)
	}
	for _, stream := range streams {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_streams (session_id, stream) VALUES (?, ?)
		`, sessionID, stream); err != nil {
			return fmt.Errorf("store: insert session stream: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertStream registers a stream node, preserving an existing description
// unless the new one is non-empty.
func (s *Store) UpsertStream(ctx context.Context, st Stream) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (name, description, description_cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE streams.description END,
			description_cached_at = CASE WHEN excluded.description != '' THEN excluded.description_cached_at ELSE streams.description_cached_at END
	`, st.Name, st.Description, nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: upsert stream %s: %w", st.Name, err)
	}
	return nil
}

// ListStreams returns all stream nodes ordered by name.
func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description FROM streams ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.Name, &st.Description); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// CachedDescription returns a previously generated stream description, if any.
func (s *Store) CachedDescription(ctx context.Context, name string) (string, bool, error) {
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT description FROM streams WHERE name = ? AND description_cached_at IS NOT NULL
	`, name).Scan(&desc)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return desc.String, desc.Valid && desc.String != "", nil
}

// TheatreStreams returns the streams already associated with a theatre.
func (s *Store) TheatreStreams(ctx context.Context, theatre string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream FROM theatre_streams WHERE theatre = ? ORDER BY stream
	`, theatre)
	if err != nil {
		return nil, fmt.Errorf("store: theatre streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// RegisterTheatreStreams associates streams with a theatre for future
// backfill candidate narrowing.
func (s *Store) RegisterTheatreStreams(ctx context.Context, theatre string, streams []string) error {
	if theatre == "" {
		return nil
	}
	for _, stream := range streams {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO theatre_streams (theatre, stream) VALUES (?, ?)
		`, theatre, stream); err != nil {
			return fmt.Errorf("store: register theatre stream: %w", err)
		}
	}
	return nil
}

// AddAttendance records a historical ATTENDED_SESSION edge.
func (s *Store) AddAttendance(ctx context.Context, visitorID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO attended (visitor_id, session_id) VALUES (?, ?)
	`, visitorID, sessionID)
	if err != nil {
		return fmt.Errorf("store: add attendance: %w", err)
	}
	return nil
}

// AttendedSessions returns session ids a visitor historically attended.
func (s *Store) AttendedSessions(ctx context.Context, visitorID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM attended WHERE visitor_id = ? ORDER BY session_id
	`, visitorID)
	if err != nil {
		return nil, fmt.Errorf("store: attended sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LinkIdentity records a SAME_IDENTITY edge between a this-year visitor and
// its own last-year record. The link is a cross-reference by id only; each
// record keeps its own attributes.
func (s *Store) LinkIdentity(ctx context.Context, thisYearID, lastYearID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identity_links (id, this_year_visitor_id, last_year_visitor_id, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), thisYearID, lastYearID, nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: link identity: %w", err)
	}
	return nil
}

// IdentityLink returns the linked last-year visitor id, if resolved.
func (s *Store) IdentityLink(ctx context.Context, thisYearID string) (string, bool, error) {
	var lastID string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_year_visitor_id FROM identity_links WHERE this_year_visitor_id = ?
	`, thisYearID).Scan(&lastID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return lastID, true, nil
}

// SaveEmbedding stores a vector for an entity, replacing any prior vector
// for the same model.
func (s *Store) SaveEmbedding(ctx context.Context, entityType, entityID, model string, vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("store: empty embedding for %s %s", entityType, entityID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entity_type, entity_id, model, dimension, embedding_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, model) DO UPDATE SET
			dimension = excluded.dimension,
			embedding_blob = excluded.embedding_blob,
			created_at = excluded.created_at
	`, entityType, entityID, model, len(vector), encodeVector(vector), nowRFC3339())
	if err != nil {
		return fmt.Errorf("store: save embedding: %w", err)
	}
	return nil
}

// GetEmbedding loads a stored vector, returning ok=false when absent.
func (s *Store) GetEmbedding(ctx context.Context, entityType, entityID, model string) ([]float64, bool, error) {
	var blob []byte
	var dimension int
	err := s.db.QueryRowContext(ctx, `
		SELECT embedding_blob, dimension FROM embeddings
		WHERE entity_type = ? AND entity_id = ? AND model = ?
	`, entityType, entityID, model).Scan(&blob, &dimension)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vector := decodeVector(blob)
	if len(vector) != dimension {
		return nil, false, fmt.Errorf("store: embedding dimension mismatch for %s %s", entityType, entityID)
	}
	return vector, true, nil
}

// ListEmbeddings returns all vectors of one entity type for a model.
func (s *Store) ListEmbeddings(ctx context.Context, entityType, model string) (map[string][]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, embedding_blob, dimension FROM embeddings
		WHERE entity_type = ? AND model = ?
	`, entityType, model)
	if err != nil {
		return nil, fmt.Errorf("store: list embeddings: %w", err)
	}
	defer rows.Close()

	vectors := make(map[string][]float64)
	for rows.Next() {
		var id string
		var blob []byte
		var dimension int
		if err := rows.Scan(&id, &blob, &dimension); err != nil {
			return nil, err
		}
		vector := decodeVector(blob)
		if len(vector) != dimension {
			continue
		}
		vectors[id] = vector
	}
	return vectors, rows.Err()
}

// encodeVector packs float64 values little-endian.
func encodeVector(values []float64) []byte {
	blob := make([]byte, len(values)*8)
	for i, v := range values {
		bits := math.Float64bits(v)
		for j := 0; j < 8; j++ {
			blob[i*8+j] = byte(bits >> (j * 8))
		}
	}
	return blob
}

// decodeVector unpacks a little-endian float64 blob.
func decodeVector(blob []byte) []float64 {
	if len(blob)%8 != 0 {
		return nil
	}
	values := make([]float64, len(blob)/8)
	for i := 0; i < len(values); i++ {
		bits := uint64(0)
		for j := 0; j < 8; j++ {
			bits |= uint64(blob[i*8+j]) << (j * 8)
		}
		values[i] = math.Float64frombits(bits)
	}
	return values
}
