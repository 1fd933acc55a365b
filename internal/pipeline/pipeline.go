// Package pipeline orchestrates the recommendation run: Load ->
// Backfill(optional) -> Embed -> Score -> Augment -> Filter -> SelectTopN ->
// Persist, with per-visitor atomic persistence and a post-run
// zero-violation check.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camlane/agendas/internal/backfill"
	"github.com/camlane/agendas/internal/catalog"
	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/embed"
	"github.com/camlane/agendas/internal/neighbors"
	"github.com/camlane/agendas/internal/rules"
	"github.com/camlane/agendas/internal/score"
	"github.com/camlane/agendas/internal/store"
)

// attendedStreamBoost is the additive preference bump for a session sharing
// a stream with the visitor's historical attendance.
const attendedStreamBoost = 0.05

// Options wires the pipeline's collaborators. Classifier and Embedder may
// be nil; the corresponding stages then degrade (no backfill calls, purely
// categorical scores).
type Options struct {
	Store      *store.Store
	Config     *config.Config
	Catalog    *catalog.Catalog
	Classifier backfill.Classifier
	Embedder   embed.Embedder
	Logf       func(format string, args ...any)
}

// Pipeline is one configured recommendation run. The configuration is
// immutable for the lifetime of the run, so separate shows can run
// concurrently in one process with separate Pipelines.
type Pipeline struct {
	st        *store.Store
	cfg       *config.Config
	cat       *catalog.Catalog
	scorer    *score.Scorer
	augmenter *neighbors.Augmenter
	engine    *rules.Engine
	backfill  *backfill.Backfiller
	embeds    *embed.Service
	logf      func(format string, args ...any)
}

// New builds a Pipeline, failing fast on invalid rule configuration.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("pipeline: catalog is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	engine, err := rules.NewEngine(opts.Config.Rules)
	if err != nil {
		return nil, err
	}

	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	weights := score.Weights(opts.Config.SimilarityAttributes)

	p := &Pipeline{
		st:        opts.Store,
		cfg:       opts.Config,
		cat:       opts.Catalog,
		scorer:    score.NewScorer(weights, opts.Config.ContentBlend),
		augmenter: neighbors.NewAugmenter(weights, opts.Config.SimilarVisitorsCount),
		engine:    engine,
		embeds:    embed.NewService(opts.Store, opts.Embedder, opts.Config.Classifier.EmbeddingModel),
		logf:      logf,
	}
	p.embeds.Logf = logf

	if opts.Classifier != nil {
		p.backfill = backfill.New(opts.Store, opts.Catalog, opts.Classifier, opts.Config.StreamProcessing.MaxCandidateStreams)
		p.backfill.Logf = logf
	}

	return p, nil
}

// cohorts is the loaded input of one run.
type cohorts struct {
	visitors     []store.Visitor // current cohort being recommended to
	lastYear     []store.Visitor // prior-year pool for identity resolution
	sessions     []store.Session // upcoming event's catalog
	sessionByID  map[string]store.Session
	attendedByID map[string][]string // visitor id -> attended session ids
	pastStreams  map[string][]string // attended session id outside the catalog -> streams
}

// Run executes the full pipeline and returns the processing summary.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	summary := &Summary{
		RunID:     uuid.NewString(),
		Mode:      p.cfg.Mode,
		ShowCode:  p.cfg.ShowCode,
		StartedAt: started.UTC(),
	}

	// Load
	data, err := p.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load: %w", err)
	}
	summary.VisitorsLoaded = len(data.visitors)
	summary.SessionsLoaded = len(data.sessions)
	p.logf("[pipeline] run %s: %d visitors, %d sessions", summary.RunID, len(data.visitors), len(data.sessions))

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Backfill (optional)
	if p.backfill != nil && p.cfg.StreamProcessing.CreateMissingStreams {
		metrics, outcomes, err := p.backfill.Run(ctx, p.cfg.ShowCode, store.CohortThisYear)
		if err != nil {
			return summary, fmt.Errorf("pipeline: backfill: %w", err)
		}
		summary.Backfill = metrics
		summary.BackfillOutcomes = outcomes
		if metrics.SessionsModified > 0 {
			// Reload sessions so scoring sees the new stream labels.
			data.sessions, err = p.st.ListSessions(ctx, p.cfg.ShowCode, store.CohortThisYear)
			if err != nil {
				return summary, fmt.Errorf("pipeline: reload sessions: %w", err)
			}
			data.sessionByID = sessionIndex(data.sessions)
		}
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Embed
	streamDescs := p.streamDescriptions()
	embedded, embedFailed, err := p.embeds.EmbedSessions(ctx, data.sessions, streamDescs)
	if err != nil {
		return summary, fmt.Errorf("pipeline: embed sessions: %w", err)
	}
	summary.SessionsEmbedded = embedded
	vEmbedded, vFailed, err := p.embeds.EmbedVisitors(ctx, data.visitors)
	if err != nil {
		return summary, fmt.Errorf("pipeline: embed visitors: %w", err)
	}
	summary.VisitorsEmbedded = vEmbedded
	summary.EmbedFailures = embedFailed + vFailed

	sessionVecs, err := p.st.ListEmbeddings(ctx, embed.EntitySession, p.embeds.Model())
	if err != nil {
		return summary, fmt.Errorf("pipeline: load session embeddings: %w", err)
	}
	visitorVecs, err := p.st.ListEmbeddings(ctx, embed.EntityVisitor, p.embeds.Model())
	if err != nil {
		return summary, fmt.Errorf("pipeline: load visitor embeddings: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Score (bounded worker pool; read-only over shared state)
	direct := p.scoreAll(ctx, data, sessionVecs, visitorVecs)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Augment -> Filter -> SelectTopN (per visitor, parallel)
	selected := p.selectAll(ctx, data, direct)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Persist: atomic per-visitor replacement, retried once, failures
	// reported rather than aborting the run.
	for _, v := range data.visitors {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		recs := selected[v.ID]
		if err := p.st.ReplaceRecommendations(ctx, v.ID, recs); err != nil {
			p.logf("[pipeline] persist visitor %s failed, retrying: %v", v.ID, err)
			if err := p.st.ReplaceRecommendations(ctx, v.ID, recs); err != nil {
				p.logf("[pipeline] persist visitor %s failed: %v", v.ID, err)
				summary.FailedVisitors = append(summary.FailedVisitors, v.ID)
				continue
			}
		}
		summary.VisitorsProcessed++
		summary.RecommendationsPersisted += len(recs)
	}

	// Zero-violation check over the persisted output. A deny here is an
	// invariant breach, never tolerated.
	violations, err := p.verify(ctx, data)
	if err != nil {
		return summary, fmt.Errorf("pipeline: verify: %w", err)
	}
	summary.ZeroViolations = len(violations) == 0
	if len(violations) > 0 {
		return summary, fmt.Errorf("pipeline: rule violations in persisted output: %v", violations)
	}

	summary.Duration = time.Since(started)
	p.logf("[pipeline] run %s: %d visitors processed, %d edges persisted in %v",
		summary.RunID, summary.VisitorsProcessed, summary.RecommendationsPersisted, summary.Duration)
	return summary, nil
}

// load assembles the run's cohorts, applying the engagement-mode transform
// when configured and resolving cross-year identity links.
func (p *Pipeline) load(ctx context.Context) (*cohorts, error) {
	var data *cohorts
	var err error
	if p.cfg.Mode == config.ModeEngagement {
		data, err = p.loadEngagement(ctx)
	} else {
		data, err = p.loadStandard(ctx)
	}
	if err != nil {
		return nil, err
	}

	data.sessionByID = sessionIndex(data.sessions)

	if err := p.resolveIdentities(ctx, data); err != nil {
		return nil, err
	}
	if err := p.loadPastStreams(ctx, data); err != nil {
		return nil, err
	}
	return data, nil
}

// loadPastStreams indexes stream labels for attended sessions outside the
// current catalog (prior-year records), so the attendance preference signal
// survives the cohort boundary.
func (p *Pipeline) loadPastStreams(ctx context.Context, data *cohorts) error {
	data.pastStreams = make(map[string][]string)
	for _, attended := range data.attendedByID {
		for _, sessionID := range attended {
			if _, ok := data.sessionByID[sessionID]; ok {
				continue
			}
			if _, ok := data.pastStreams[sessionID]; ok {
				continue
			}
			streams, err := p.st.SessionStreams(ctx, sessionID)
			if err != nil {
				return err
			}
			data.pastStreams[sessionID] = streams
		}
	}
	return nil
}

func (p *Pipeline) loadStandard(ctx context.Context) (*cohorts, error) {
	visitors, err := p.st.ListVisitors(ctx, p.cfg.ShowCode, store.CohortThisYear)
	if err != nil {
		return nil, err
	}
	lastYear, err := p.st.ListVisitors(ctx, p.cfg.ShowCode, store.CohortLastYear)
	if err != nil {
		return nil, err
	}
	sessions, err := p.st.ListSessions(ctx, p.cfg.ShowCode, store.CohortThisYear)
	if err != nil {
		return nil, err
	}
	return &cohorts{visitors: visitors, lastYear: lastYear, sessions: sessions}, nil
}

// resolveIdentities links each current visitor to its prior-year record by
// badge id and gathers the historical attendance signal. The link is a
// cross-reference only; attribute storage stays per year.
func (p *Pipeline) resolveIdentities(ctx context.Context, data *cohorts) error {
	byBadge := make(map[string]string, len(data.lastYear))
	for _, v := range data.lastYear {
		if v.BadgeID != "" {
			byBadge[v.BadgeID] = v.ID
		}
	}

	data.attendedByID = make(map[string][]string, len(data.visitors))
	for _, v := range data.visitors {
		attended, err := p.st.AttendedSessions(ctx, v.ID)
		if err != nil {
			return err
		}

		if lastID, ok := byBadge[v.BadgeID]; ok && lastID != v.ID {
			if err := p.st.LinkIdentity(ctx, v.ID, lastID); err != nil {
				return err
			}
			prior, err := p.st.AttendedSessions(ctx, lastID)
			if err != nil {
				return err
			}
			attended = append(attended, prior...)
		}

		if len(attended) > 0 {
			data.attendedByID[v.ID] = attended
		}
	}
	return nil
}

// scoreAll computes direct visitor-session scores across a bounded worker
// pool. Results are deterministic: each visitor's map is computed
// independently from read-only shared state.
func (p *Pipeline) scoreAll(ctx context.Context, data *cohorts, sessionVecs, visitorVecs map[string][]float64) map[string]map[string]float64 {
	direct := make(map[string]map[string]float64, len(data.visitors))
	var mu sync.Mutex
	var wg sync.WaitGroup

	jobs := make(chan store.Visitor)
	workers := p.cfg.Workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range jobs {
				scores := p.scoreVisitor(v, data, sessionVecs, visitorVecs[v.ID])
				mu.Lock()
				direct[v.ID] = scores
				mu.Unlock()
			}
		}()
	}

	for _, v := range data.visitors {
		if ctx.Err() != nil {
			break
		}
		jobs <- v
	}
	close(jobs)
	wg.Wait()
	return direct
}

func (p *Pipeline) scoreVisitor(v store.Visitor, data *cohorts, sessionVecs map[string][]float64, visitorVec []float64) map[string]float64 {
	attendedStreams := p.attendedStreams(v.ID, data)

	scores := make(map[string]float64, len(data.sessions))
	for _, sess := range data.sessions {
		s := p.scorer.Score(v, sess, visitorVec, sessionVecs[sess.ID])
		if len(attendedStreams) > 0 && sharesStream(sess.Streams, attendedStreams) {
			s += attendedStreamBoost
			if s > 1 {
				s = 1
			}
		}
		if s > 0 {
			scores[sess.ID] = s
		}
	}
	return scores
}

// attendedStreams collects the stream labels of sessions the visitor (or
// its linked prior-year record) attended, as an implicit preference signal.
func (p *Pipeline) attendedStreams(visitorID string, data *cohorts) map[string]bool {
	attended := data.attendedByID[visitorID]
	if len(attended) == 0 {
		return nil
	}
	streams := make(map[string]bool)
	for _, sessionID := range attended {
		labels := data.pastStreams[sessionID]
		if sess, ok := data.sessionByID[sessionID]; ok {
			labels = sess.Streams
		}
		for _, stream := range labels {
			streams[stream] = true
		}
	}
	return streams
}

func sharesStream(streams []string, set map[string]bool) bool {
	for _, s := range streams {
		if set[s] {
			return true
		}
	}
	return false
}

// selectAll runs Augment -> Filter -> SelectTopN per visitor over the
// worker pool and returns each visitor's final ranked edge set.
func (p *Pipeline) selectAll(ctx context.Context, data *cohorts, direct map[string]map[string]float64) map[string][]store.Recommendation {
	selected := make(map[string][]store.Recommendation, len(data.visitors))
	var mu sync.Mutex
	var wg sync.WaitGroup

	jobs := make(chan store.Visitor)
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range jobs {
				recs := p.selectVisitor(v, data, direct)
				mu.Lock()
				selected[v.ID] = recs
				mu.Unlock()
			}
		}()
	}

	for _, v := range data.visitors {
		if ctx.Err() != nil {
			break
		}
		jobs <- v
	}
	close(jobs)
	wg.Wait()
	return selected
}

func (p *Pipeline) selectVisitor(v store.Visitor, data *cohorts, direct map[string]map[string]float64) []store.Recommendation {
	// Augment: fold in neighbor-sourced candidates. A neighbor contributes
	// its own direct edges plus sessions it historically attended that are
	// in the current catalog.
	similar := p.augmenter.SimilarVisitors(v, data.visitors)
	candidates := p.augmenter.Augment(direct[v.ID], similar, func(neighborID string) map[string]float64 {
		edges := make(map[string]float64)
		for sessionID, sc := range direct[neighborID] {
			edges[sessionID] = sc
		}
		for _, sessionID := range data.attendedByID[neighborID] {
			if _, ok := data.sessionByID[sessionID]; ok && edges[sessionID] < 1 {
				edges[sessionID] = 1
			}
		}
		return edges
	})

	// Filter: rules prune or boost; deny always wins.
	scored := make([]score.Scored, 0, len(candidates))
	for sessionID, sc := range candidates {
		sess, ok := data.sessionByID[sessionID]
		if !ok {
			continue
		}
		if p.cfg.EnableFiltering {
			verdict := p.engine.Evaluate(v.Attrs, sess.Streams)
			if verdict.Deny {
				continue
			}
			sc += verdict.Boost
			if sc > 1 {
				sc = 1
			}
		}
		scored = append(scored, score.Scored{SessionID: sessionID, Score: sc})
	}

	// SelectTopN: boosted score descending, session-id tie-break, cap and
	// threshold.
	score.SortScored(scored)
	recs := make([]store.Recommendation, 0, p.cfg.MaxRecommendations)
	for _, cand := range scored {
		if len(recs) >= p.cfg.MaxRecommendations {
			break
		}
		if cand.Score < p.cfg.MinSimilarityScore {
			break
		}
		recs = append(recs, store.Recommendation{
			VisitorID: v.ID,
			SessionID: cand.SessionID,
			Score:     cand.Score,
			Rank:      len(recs) + 1,
		})
	}
	return recs
}

// verify exhaustively scans the persisted edges of the run's visitors for
// rule violations.
func (p *Pipeline) verify(ctx context.Context, data *cohorts) ([]rules.Violation, error) {
	if !p.cfg.EnableFiltering {
		return nil, nil
	}
	var pairs []rules.CheckPair
	for _, v := range data.visitors {
		recs, err := p.st.ListRecommendations(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			sess, ok := data.sessionByID[rec.SessionID]
			if !ok {
				streams, err := p.st.SessionStreams(ctx, rec.SessionID)
				if err != nil {
					return nil, err
				}
				sess = store.Session{ID: rec.SessionID, Streams: streams}
			}
			pairs = append(pairs, rules.CheckPair{
				VisitorID: v.ID,
				SessionID: rec.SessionID,
				Attrs:     v.Attrs,
				Streams:   sess.Streams,
			})
		}
	}
	return p.engine.CheckAll(pairs), nil
}

func (p *Pipeline) streamDescriptions() map[string]string {
	descs := make(map[string]string)
	for _, e := range p.cat.Entries() {
		if e.Description != "" {
			descs[e.Name] = e.Description
		}
	}
	return descs
}

func sessionIndex(sessions []store.Session) map[string]store.Session {
	index := make(map[string]store.Session, len(sessions))
	for _, sess := range sessions {
		index[sess.ID] = sess
	}
	return index
}

// sortedVisitorIDs is a small helper for deterministic reporting.
func sortedVisitorIDs(visitors []store.Visitor) []string {
	ids := make([]string, len(visitors))
	for i, v := range visitors {
		ids[i] = v.ID
	}
	sort.Strings(ids)
	return ids
}
