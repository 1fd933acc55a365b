package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/camlane/agendas/internal/backfill"
)

// Summary is the structured processing report emitted per run, consumed by
// external reporting tooling.
type Summary struct {
	RunID    string `json:"run_id"`
	Mode     string `json:"mode"`
	ShowCode string `json:"show_code"`

	VisitorsLoaded   int `json:"visitors_loaded"`
	SessionsLoaded   int `json:"sessions_loaded"`
	VisitorsEmbedded int `json:"visitors_embedded"`
	SessionsEmbedded int `json:"sessions_embedded"`
	EmbedFailures    int `json:"embed_failures"`

	Backfill         *backfill.Metrics  `json:"backfill,omitempty"`
	BackfillOutcomes []backfill.Outcome `json:"backfill_outcomes,omitempty"`

	VisitorsProcessed        int      `json:"visitors_processed"`
	RecommendationsPersisted int      `json:"recommendations_persisted"`
	FailedVisitors           []string `json:"failed_visitors,omitempty"`
	ZeroViolations           bool     `json:"zero_violations"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// WriteFile persists the summary as a JSON artifact in dir, named by run id.
func (s *Summary) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("summary: create dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", s.RunID))

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("summary: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("summary: write: %w", err)
	}
	return path, nil
}
