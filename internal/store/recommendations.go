package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ReplaceRecommendations atomically swaps a visitor's full IS_RECOMMENDED
// edge set for the given one. Delete and insert run inside one transaction
// so a crash mid-run never leaves a mixed stale/fresh edge set.
func (s *Store) ReplaceRecommendations(ctx context.Context, visitorID string, recs []Recommendation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recommendations WHERE visitor_id = ?`, visitorID); err != nil {
		return fmt.Errorf("store: clear recommendations for %s: %w", visitorID, err)
	}

	now := nowRFC3339()
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recommendations (visitor_id, session_id, score, rank, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, visitorID, rec.SessionID, rec.Score, rec.Rank, now); err != nil {
			return fmt.Errorf("store: insert recommendation %s->%s: %w", visitorID, rec.SessionID, err)
		}
	}

	return tx.Commit()
}

// ListRecommendations returns a visitor's edges ordered by rank.
func (s *Store) ListRecommendations(ctx context.Context, visitorID string) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT visitor_id, session_id, score, rank
		FROM recommendations
		WHERE visitor_id = ?
		ORDER BY rank
	`, visitorID)
	if err != nil {
		return nil, fmt.Errorf("store: list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		var rec Recommendation
		if err := rows.Scan(&rec.VisitorID, &rec.SessionID, &rec.Score, &rec.Rank); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AllRecommendations returns every persisted edge, ordered by visitor then
// rank. Used by the post-run zero-violation scan.
func (s *Store) AllRecommendations(ctx context.Context) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT visitor_id, session_id, score, rank
		FROM recommendations
		ORDER BY visitor_id, rank
	`)
	if err != nil {
		return nil, fmt.Errorf("store: all recommendations: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		var rec Recommendation
		if err := rows.Scan(&rec.VisitorID, &rec.SessionID, &rec.Score, &rec.Rank); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// sessionSnapshot is the backup payload row for one session.
type sessionSnapshot struct {
	ID        string   `json:"id"`
	ShowCode  string   `json:"show_code"`
	Cohort    string   `json:"cohort"`
	Title     string   `json:"title"`
	Synopsis  string   `json:"synopsis"`
	Theatre   string   `json:"theatre"`
	Sponsored bool     `json:"sponsored"`
	Streams   []string `json:"streams"`
}

// BackupSessions snapshots a show's sessions (including HAS_STREAM edges)
// into session_backups under the given tag. Taken before any backfill
// mutation.
func (s *Store) BackupSessions(ctx context.Context, tag, showCode, cohort string) error {
	sessions, err := s.ListSessions(ctx, showCode, cohort)
	if err != nil {
		return err
	}

	snapshots := make([]sessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snapshots = append(snapshots, sessionSnapshot{
			ID:        sess.ID,
			ShowCode:  sess.ShowCode,
			Cohort:    sess.Cohort,
			Title:     sess.Title,
			Synopsis:  sess.Synopsis,
			Theatre:   sess.Theatre,
			Sponsored: sess.Sponsored,
			Streams:   sess.Streams,
		})
	}

	payload, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("store: marshal backup: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_backups (tag, taken_at, payload) VALUES (?, ?, ?)
	`, tag, time.Now().UTC().Format(time.RFC3339), string(payload))
	if err != nil {
		return fmt.Errorf("store: save backup %s: %w", tag, err)
	}
	return nil
}

// RestoreSessions replays a named backup over the session collection.
func (s *Store) RestoreSessions(ctx context.Context, tag string) (int, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM session_backups WHERE tag = ?
	`, tag).Scan(&payload)
	if err != nil {
		return 0, fmt.Errorf("store: load backup %s: %w", tag, err)
	}

	var snapshots []sessionSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshots); err != nil {
		return 0, fmt.Errorf("store: parse backup %s: %w", tag, err)
	}

	restored := 0
	for _, snap := range snapshots {
		err := s.UpsertSession(ctx, Session{
			ID:        snap.ID,
			ShowCode:  snap.ShowCode,
			Cohort:    snap.Cohort,
			Title:     snap.Title,
			Synopsis:  snap.Synopsis,
			Theatre:   snap.Theatre,
			Sponsored: snap.Sponsored,
			Streams:   snap.Streams,
		})
		if err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// ListBackups returns backup tags, newest first.
func (s *Store) ListBackups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag FROM session_backups ORDER BY taken_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list backups: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
