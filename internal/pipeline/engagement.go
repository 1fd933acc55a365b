package pipeline

import (
	"context"

	"github.com/camlane/agendas/internal/store"
)

// loadEngagement applies the engagement-mode transform: the configured
// prior-year show codes are reinterpreted as the current cohort so last
// year's attendees get recommendations for the upcoming event. Only the
// cohort mapping changes; every later stage is untouched.
func (p *Pipeline) loadEngagement(ctx context.Context) (*cohorts, error) {
	shows := p.cfg.Engagement.RegistrationShows

	visitors, err := p.st.ListVisitorsByShows(ctx, []string{shows.ThisYearMain, shows.ThisYearSecondary})
	if err != nil {
		return nil, err
	}

	if shows.ResetReturningFlags {
		for i := range visitors {
			visitors[i] = resetReturningFlag(visitors[i])
		}
	}

	var lastYear []store.Visitor
	lastCodes := []string{shows.LastYearMain, shows.LastYearSecondary}
	if shows.LastYearMain == "" && shows.DropLastYearWhenMissing {
		lastCodes = nil
	}
	if len(lastCodes) > 0 {
		lastYear, err = p.st.ListVisitorsByShows(ctx, lastCodes)
		if err != nil {
			return nil, err
		}
	}

	// Rank the upcoming event's catalog, not the prior year's.
	sessions, err := p.st.ListSessions(ctx, p.cfg.ShowCode, store.CohortThisYear)
	if err != nil {
		return nil, err
	}

	p.logf("[pipeline] engagement cohort: %d visitors remapped from %s/%s",
		len(visitors), shows.ThisYearMain, shows.ThisYearSecondary)

	return &cohorts{visitors: visitors, lastYear: lastYear, sessions: sessions}, nil
}

// resetReturningFlag clears the returning-visitor marker on the in-memory
// copy; stored attributes stay immutable for the year they were captured.
func resetReturningFlag(v store.Visitor) store.Visitor {
	if _, ok := v.Attrs["returning"]; !ok {
		return v
	}
	attrs := make(map[string]string, len(v.Attrs))
	for k, val := range v.Attrs {
		if k == "returning" {
			continue
		}
		attrs[k] = val
	}
	v.Attrs = attrs
	return v
}

// CohortIDs returns the current-cohort visitor ids a run would process, in
// sorted order. Exposed for verification of the engagement remapping.
func (p *Pipeline) CohortIDs(ctx context.Context) ([]string, error) {
	data, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return sortedVisitorIDs(data.visitors), nil
}
