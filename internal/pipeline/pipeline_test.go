package pipeline

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/camlane/agendas/internal/catalog"
	"github.com/camlane/agendas/internal/classify"
	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/db"
	"github.com/camlane/agendas/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if _, err := sqlDB.Exec(db.Schema()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.New(sqlDB)
}

// testConfig sets every knob explicitly so no default shifts the numbers.
func testConfig() *config.Config {
	return &config.Config{
		Mode:                 config.ModePersonalAgendas,
		ShowCode:             "vetlon25",
		SimilarityAttributes: map[string]float64{"stream": 1.0},
		ContentBlend:         0,
		MinSimilarityScore:   0.3,
		MaxRecommendations:   5,
		SimilarVisitorsCount: 2,
		EnableFiltering:      true,
		Workers:              2,
		Rules: config.RulesConfig{
			RoleAttribute:     "job_role",
			PracticeAttribute: "practice_type",
			Groups: []config.RuleGroup{
				{Name: "vet_roles", Kind: "role", Members: []string{"Vet"}, ForbiddenStreams: []string{"Nursing"}, Priority: 20},
			},
		},
		StreamProcessing: config.StreamProcessingConfig{MaxCandidateStreams: 50},
	}
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Entry{
		{Name: "Nursing"}, {Name: "Surgery"}, {Name: "Business"},
	})
}

func seedVisitor(t *testing.T, st *store.Store, v store.Visitor) {
	t.Helper()
	if v.ShowCode == "" {
		v.ShowCode = "vetlon25"
	}
	if v.Cohort == "" {
		v.Cohort = store.CohortThisYear
	}
	if err := st.UpsertVisitor(context.Background(), v); err != nil {
		t.Fatalf("seed visitor %s: %v", v.ID, err)
	}
}

func seedSession(t *testing.T, st *store.Store, sess store.Session) {
	t.Helper()
	if sess.ShowCode == "" {
		sess.ShowCode = "vetlon25"
	}
	if sess.Cohort == "" {
		sess.Cohort = store.CohortThisYear
	}
	if err := st.UpsertSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session %s: %v", sess.ID, err)
	}
}

func newPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Catalog == nil {
		opts.Catalog = testCatalog()
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestRunBoundsAndZeroViolations(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing", "job_role": "Vet Nurse"}})
	seedVisitor(t, st, store.Visitor{ID: "v2", Attrs: map[string]string{"stream": "Nursing", "job_role": "Vet"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "Wound care", Streams: []string{"Nursing"}})
	seedSession(t, st, store.Session{ID: "s2", Title: "Spays", Streams: []string{"Surgery"}})

	p := newPipeline(t, Options{Store: st, Config: cfg})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.VisitorsProcessed != 2 || !summary.ZeroViolations {
		t.Errorf("summary = %+v", summary)
	}

	ctx := context.Background()
	v1Recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list v1: %v", err)
	}
	if len(v1Recs) != 1 || v1Recs[0].SessionID != "s1" || v1Recs[0].Rank != 1 {
		t.Errorf("v1 recs = %+v", v1Recs)
	}

	// v2 matches the Nursing session too, but the role rule forbids it, both
	// directly and via the v1 neighbor edge.
	v2Recs, err := st.ListRecommendations(ctx, "v2")
	if err != nil {
		t.Fatalf("list v2: %v", err)
	}
	if len(v2Recs) != 0 {
		t.Errorf("v2 recs = %+v, want none (forbidden stream)", v2Recs)
	}

	for _, rec := range v1Recs {
		if rec.Score < cfg.MinSimilarityScore || rec.Score > 1 {
			t.Errorf("score %v out of bounds", rec.Score)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing"}})
	seedVisitor(t, st, store.Visitor{ID: "v2", Attrs: map[string]string{"stream": "Surgery"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Nursing"}})
	seedSession(t, st, store.Session{ID: "s2", Title: "B", Streams: []string{"Surgery"}})
	seedSession(t, st, store.Session{ID: "s3", Title: "C", Streams: []string{"Business"}})

	p := newPipeline(t, Options{Store: st, Config: cfg})
	ctx := context.Background()

	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := map[string][]store.Recommendation{}
	for _, id := range []string{"v1", "v2"} {
		recs, err := st.ListRecommendations(ctx, id)
		if err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
		first[id] = recs
	}

	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, id := range []string{"v1", "v2"} {
		recs, err := st.ListRecommendations(ctx, id)
		if err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
		if len(recs) != len(first[id]) {
			t.Fatalf("%s: %d recs, first run had %d", id, len(recs), len(first[id]))
		}
		for i := range recs {
			if recs[i] != first[id][i] {
				t.Errorf("%s rec %d = %+v, first run %+v", id, i, recs[i], first[id][i])
			}
		}
	}
}

func TestPreferredBoostReorders(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.SimilarityAttributes = map[string]float64{"stream": 0.5, "job_role": 0.5}
	cfg.Rules.Groups = []config.RuleGroup{
		{Name: "nurse_pref", Kind: "role", Members: []string{"Vet Nurse"}, PreferredStreams: []string{"Surgery"}, Boost: 0.1, Priority: 20},
	}

	// Both sessions match on stream alone (base 0.5); the boost lifts the
	// Surgery session past the tie-break.
	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing", "job_role": "Vet Nurse"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Nursing"}})
	seedSession(t, st, store.Session{ID: "s2", Title: "B", Streams: []string{"Nursing", "Surgery"}})

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := st.ListRecommendations(context.Background(), "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].SessionID != "s2" {
		t.Fatalf("recs = %+v, want boosted s2 first", recs)
	}
	if recs[0].Score <= recs[1].Score {
		t.Errorf("boosted score %v not above base %v", recs[0].Score, recs[1].Score)
	}
}

func TestAttendedStreamLiftsScore(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MinSimilarityScore = 0
	cfg.Rules.Groups = nil

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Nursing"}})
	seedSession(t, st, store.Session{ID: "s2", Title: "B", Streams: []string{"Surgery"}})

	ctx := context.Background()
	if err := st.AddAttendance(ctx, "v1", "s2"); err != nil {
		t.Fatalf("attend: %v", err)
	}

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recs = %+v", recs)
	}
	// s2 has no categorical match; its whole score is the attendance lift.
	if recs[1].SessionID != "s2" || recs[1].Score != attendedStreamBoost {
		t.Errorf("attended lift rec = %+v", recs[1])
	}
}

func TestPastYearAttendanceLiftsScore(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MinSimilarityScore = 0
	cfg.Rules.Groups = nil

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Nursing"}})
	seedSession(t, st, store.Session{ID: "s2", Title: "B", Streams: []string{"Surgery"}})
	// The attended session is a prior-year record, not part of this year's
	// catalog. Its stream label must still feed the preference signal.
	seedSession(t, st, store.Session{ID: "old-s9", Title: "Old spays", Cohort: store.CohortPastYear, Streams: []string{"Surgery"}})

	ctx := context.Background()
	if err := st.AddAttendance(ctx, "v1", "old-s9"); err != nil {
		t.Fatalf("attend: %v", err)
	}

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recs = %+v", recs)
	}
	// The prior-year session itself never becomes a recommendation; the
	// this-year Surgery session picks up the lift.
	if recs[1].SessionID != "s2" || recs[1].Score != attendedStreamBoost {
		t.Errorf("lifted rec = %+v", recs[1])
	}
	for _, rec := range recs {
		if rec.SessionID == "old-s9" {
			t.Errorf("prior-year session recommended: %+v", rec)
		}
	}
}

func TestIdentityResolutionMergesAttendance(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MinSimilarityScore = 0
	cfg.Rules.Groups = nil

	seedVisitor(t, st, store.Visitor{ID: "v1", BadgeID: "B-1", Attrs: map[string]string{"stream": "Nursing"}})
	seedVisitor(t, st, store.Visitor{ID: "old-v1", BadgeID: "B-1", Cohort: store.CohortLastYear, Attrs: map[string]string{}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Surgery"}})

	ctx := context.Background()
	// Only the prior-year record attended a Surgery session.
	if err := st.AddAttendance(ctx, "old-v1", "s1"); err != nil {
		t.Fatalf("attend: %v", err)
	}

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	lastID, ok, err := st.IdentityLink(ctx, "v1")
	if err != nil || !ok || lastID != "old-v1" {
		t.Errorf("identity link = %q ok=%v err=%v", lastID, ok, err)
	}

	recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "s1" || recs[0].Score != attendedStreamBoost {
		t.Errorf("recs = %+v, want s1 via merged attendance", recs)
	}
}

// stubClassifier answers every session with a fixed stream set.
type stubClassifier struct {
	streams []string
}

func (c *stubClassifier) Classify(_ context.Context, _, _ string, _ []classify.Candidate) ([]string, error) {
	return c.streams, nil
}

func TestRunBackfillsThenScores(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.Rules.Groups = nil
	cfg.StreamProcessing.CreateMissingStreams = true

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "Wound care", Synopsis: "Managing wounds"})

	p := newPipeline(t, Options{
		Store:      st,
		Config:     cfg,
		Classifier: &stubClassifier{streams: []string{"Nursing"}},
	})
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Backfill == nil || summary.Backfill.Backfilled != 1 {
		t.Fatalf("backfill metrics = %+v", summary.Backfill)
	}

	// The backfilled label must be visible to the same run's scoring.
	recs, err := st.ListRecommendations(context.Background(), "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "s1" {
		t.Errorf("recs = %+v, want the backfilled session", recs)
	}
}

func TestEngagementRemapsCohort(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.Mode = config.ModeEngagement
	cfg.Rules.Groups = nil
	cfg.Engagement.RegistrationShows = config.RegistrationShows{
		ThisYearMain:            "vetlon24",
		DropLastYearWhenMissing: true,
		ResetReturningFlags:     true,
	}

	// Prior-year registrants become the cohort; the upcoming catalog is ranked.
	seedVisitor(t, st, store.Visitor{ID: "v1", ShowCode: "vetlon24", Attrs: map[string]string{"stream": "Nursing", "returning": "yes"}})
	seedVisitor(t, st, store.Visitor{ID: "v2", ShowCode: "vetlon25", Attrs: map[string]string{"stream": "Nursing"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Nursing"}})

	p := newPipeline(t, Options{Store: st, Config: cfg})
	ctx := context.Background()

	ids, err := p.CohortIDs(ctx)
	if err != nil {
		t.Fatalf("cohort ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "v1" {
		t.Fatalf("cohort = %v, want [v1]", ids)
	}

	summary, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.VisitorsProcessed != 1 {
		t.Errorf("visitors processed = %d, want 1", summary.VisitorsProcessed)
	}

	recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "s1" {
		t.Errorf("recs = %+v", recs)
	}
	// The current-year registrant was not part of the remapped cohort.
	if recs, _ := st.ListRecommendations(ctx, "v2"); len(recs) != 0 {
		t.Errorf("v2 recs = %+v, want none", recs)
	}
}

func TestNeighborAttendanceSurfacesSessions(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MinSimilarityScore = 0.1
	cfg.Rules.Groups = nil
	cfg.SimilarityAttributes = map[string]float64{"job_role": 1.0}

	// v1 and v2 share a role; only v2 attended the Business session. The
	// neighbor edge surfaces it for v1 at a discounted score.
	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"job_role": "Vet"}})
	seedVisitor(t, st, store.Visitor{ID: "v2", Attrs: map[string]string{"job_role": "Vet"}})
	seedSession(t, st, store.Session{ID: "s1", Title: "A", Streams: []string{"Business"}})

	ctx := context.Background()
	if err := st.AddAttendance(ctx, "v2", "s1"); err != nil {
		t.Fatalf("attend: %v", err)
	}

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := st.ListRecommendations(ctx, "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "s1" {
		t.Fatalf("recs = %+v, want neighbor-sourced s1", recs)
	}
	if recs[0].Score >= 1 {
		t.Errorf("neighbor-sourced score %v must be discounted", recs[0].Score)
	}
}

func TestMaxRecommendationsCap(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.MaxRecommendations = 2
	cfg.Rules.Groups = nil

	seedVisitor(t, st, store.Visitor{ID: "v1", Attrs: map[string]string{"stream": "Nursing"}})
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		seedSession(t, st, store.Session{ID: id, Title: id, Streams: []string{"Nursing"}})
	}

	p := newPipeline(t, Options{Store: st, Config: cfg})
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := st.ListRecommendations(context.Background(), "v1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recs = %d, want cap of 2", len(recs))
	}
	for i, rec := range recs {
		if rec.Rank != i+1 {
			t.Errorf("rank %d = %d", i, rec.Rank)
		}
	}
}
