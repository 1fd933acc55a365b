// Package backfill assigns stream labels to sessions that lack them, using
// the external semantic-classification service with theatre-aware candidate
// narrowing and a pre-mutation backup.
package backfill

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camlane/agendas/internal/catalog"
	"github.com/camlane/agendas/internal/classify"
	"github.com/camlane/agendas/internal/store"
)

// Per-session outcome statuses.
const (
	StatusBackfilled          = "backfilled"
	StatusSkippedNoSynopsis   = "skipped: empty synopsis"
	StatusSkippedNoCandidates = "skipped: no candidates"
	StatusFailedInvalidOutput = "failed: invalid classifier output"
	StatusFailedClassifier    = "failed: classifier error"
)

// Classifier issues one semantic-classification call. Satisfied by the
// classify client.
type Classifier interface {
	Classify(ctx context.Context, title, synopsis string, candidates []classify.Candidate) ([]string, error)
}

// Outcome records what happened to one session.
type Outcome struct {
	SessionID string   `json:"session_id"`
	Status    string   `json:"status"`
	Streams   []string `json:"streams,omitempty"`
}

// Metrics are the backfill run counters.
type Metrics struct {
	SessionsEvaluated   int    `json:"sessions_evaluated"`
	SessionsModified    int    `json:"sessions_modified"`
	MissingDetected     int    `json:"missing_detected"`
	Backfilled          int    `json:"backfilled"`
	SkippedNoSynopsis   int    `json:"skipped_no_synopsis"`
	SkippedNoCandidates int    `json:"skipped_no_candidates"`
	Failed              int    `json:"failed"`
	BackupTag           string `json:"backup_tag,omitempty"`
}

// Backfiller runs the stream backfill over one show's session collection.
type Backfiller struct {
	st            *store.Store
	cat           *catalog.Catalog
	classifier    Classifier
	maxCandidates int
	Logf          func(format string, args ...any)
}

// New creates a Backfiller. maxCandidates caps the candidate set offered to
// the classifier when no theatre narrowing applies.
func New(st *store.Store, cat *catalog.Catalog, classifier Classifier, maxCandidates int) *Backfiller {
	return &Backfiller{
		st:            st,
		cat:           cat,
		classifier:    classifier,
		maxCandidates: maxCandidates,
		Logf:          log.Printf,
	}
}

// Run backfills every session of the show+cohort that has no stream labels.
// A timestamped backup of the session collection is taken before the first
// mutation. A failed classification marks that session and the run
// continues; only storage errors or cancellation abort it.
func (b *Backfiller) Run(ctx context.Context, showCode, cohort string) (*Metrics, []Outcome, error) {
	metrics := &Metrics{}
	var outcomes []Outcome

	sessions, err := b.st.ListSessions(ctx, showCode, cohort)
	if err != nil {
		return nil, nil, err
	}
	metrics.SessionsEvaluated = len(sessions)

	var missing []store.Session
	for _, sess := range sessions {
		if len(sess.Streams) == 0 {
			missing = append(missing, sess)
		}
	}
	metrics.MissingDetected = len(missing)
	if len(missing) == 0 {
		return metrics, nil, nil
	}

	if err := b.primeTheatres(ctx, sessions); err != nil {
		return nil, nil, fmt.Errorf("backfill: prime theatre streams: %w", err)
	}

	// Snapshot before any mutation so a bad run can be rolled back.
	tag := fmt.Sprintf("backfill-%s-%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	if err := b.st.BackupSessions(ctx, tag, showCode, cohort); err != nil {
		return nil, nil, fmt.Errorf("backfill: backup sessions: %w", err)
	}
	metrics.BackupTag = tag
	b.Logf("[backfill] %d/%d sessions missing streams, backup %s", len(missing), len(sessions), tag)

	for _, sess := range missing {
		if err := ctx.Err(); err != nil {
			return metrics, outcomes, err
		}

		outcome := b.processSession(ctx, sess, metrics)
		outcomes = append(outcomes, outcome)
		if outcome.Status == StatusBackfilled {
			metrics.Backfilled++
			metrics.SessionsModified++
		}
	}

	return metrics, outcomes, nil
}

// primeTheatres seeds the theatre->streams registry before any session is
// classified: first from the show's already-labeled sessions, then from
// associations persisted by earlier runs. Without this, narrowing would
// only ever see labels inferred during the current run.
func (b *Backfiller) primeTheatres(ctx context.Context, sessions []store.Session) error {
	theatres := make(map[string]bool)
	for _, sess := range sessions {
		if sess.Theatre == "" {
			continue
		}
		theatres[sess.Theatre] = true
		if len(sess.Streams) > 0 {
			b.cat.RegisterTheatre(sess.Theatre, sess.Streams)
		}
	}

	names := make([]string, 0, len(theatres))
	for theatre := range theatres {
		names = append(names, theatre)
	}
	sort.Strings(names)
	return b.cat.LoadTheatres(ctx, b.st, names)
}

func (b *Backfiller) processSession(ctx context.Context, sess store.Session, metrics *Metrics) Outcome {
	// Never fabricate a classification from the title alone.
	if strings.TrimSpace(sess.Synopsis) == "" {
		metrics.SkippedNoSynopsis++
		return Outcome{SessionID: sess.ID, Status: StatusSkippedNoSynopsis}
	}

	entries := b.cat.Candidates(sess.Theatre, b.maxCandidates)
	if len(entries) == 0 {
		metrics.SkippedNoCandidates++
		return Outcome{SessionID: sess.ID, Status: StatusSkippedNoCandidates}
	}

	candidates := make([]classify.Candidate, len(entries))
	allowed := make(map[string]bool, len(entries))
	for i, e := range entries {
		candidates[i] = classify.Candidate{Name: e.Name, Description: e.Description}
		allowed[e.Name] = true
	}

	names, err := b.classifier.Classify(ctx, sess.Title, sess.Synopsis, candidates)
	if err != nil {
		b.Logf("[backfill] session %s: classifier: %v", sess.ID, err)
		metrics.Failed++
		return Outcome{SessionID: sess.ID, Status: StatusFailedClassifier}
	}

	// Any name outside the candidate set rejects the whole response.
	if len(names) == 0 || len(names) > 3 {
		metrics.Failed++
		return Outcome{SessionID: sess.ID, Status: StatusFailedInvalidOutput}
	}
	for _, name := range names {
		if !allowed[name] {
			b.Logf("[backfill] session %s: classifier returned %q outside candidate set", sess.ID, name)
			metrics.Failed++
			return Outcome{SessionID: sess.ID, Status: StatusFailedInvalidOutput}
		}
	}

	if err := b.st.SetSessionStreams(ctx, sess.ID, names); err != nil {
		b.Logf("[backfill] session %s: persist streams: %v", sess.ID, err)
		metrics.Failed++
		return Outcome{SessionID: sess.ID, Status: StatusFailedClassifier}
	}

	// Register the inferred streams against the theatre so later sessions
	// at the same theatre get a narrowed candidate set.
	b.cat.RegisterTheatre(sess.Theatre, names)
	if err := b.st.RegisterTheatreStreams(ctx, sess.Theatre, names); err != nil {
		b.Logf("[backfill] session %s: register theatre streams: %v", sess.ID, err)
	}

	return Outcome{SessionID: sess.ID, Status: StatusBackfilled, Streams: names}
}
