package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline modes.
const (
	ModePersonalAgendas = "personal_agendas"
	ModeEngagement      = "engagement"
)

// Config is the event-specific pipeline configuration.
type Config struct {
	Mode     string `yaml:"mode"`
	ShowCode string `yaml:"show_code"`

	// Attribute name -> non-negative weight for categorical similarity.
	// Attributes absent from the table contribute nothing.
	SimilarityAttributes map[string]float64 `yaml:"similarity_attributes"`

	// Fraction of the final score taken from content similarity, in [0,1].
	ContentBlend float64 `yaml:"content_blend"`

	MinSimilarityScore   float64 `yaml:"min_similarity_score"`
	MaxRecommendations   int     `yaml:"max_recommendations"`
	SimilarVisitorsCount int     `yaml:"similar_visitors_count"`
	EnableFiltering      bool    `yaml:"enable_filtering"`

	// Worker count for the score/augment/filter stages (default 4).
	Workers int `yaml:"workers"`

	CatalogPath string `yaml:"catalog_path"`

	Rules            RulesConfig            `yaml:"rules_config"`
	StreamProcessing StreamProcessingConfig `yaml:"stream_processing"`
	Engagement       EngagementConfig       `yaml:"engagement_mode"`
	Classifier       ClassifierConfig       `yaml:"classifier"`
}

// RulesConfig declares role/practice-type rule groups as data.
type RulesConfig struct {
	// Visitor attribute names the rule kinds match against.
	RoleAttribute     string `yaml:"role_attribute"`
	PracticeAttribute string `yaml:"practice_type_attribute"`

	Groups []RuleGroup `yaml:"groups"`
}

// RuleGroup is a single data-driven rule: a named set of attribute values
// plus the streams it forbids or prefers. Lower priority evaluates first.
type RuleGroup struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"` // "role" or "practice_type"
	Members          []string `yaml:"members"`
	ForbiddenStreams []string `yaml:"forbidden_streams"`
	PreferredStreams []string `yaml:"preferred_streams"`
	Boost            float64  `yaml:"boost"`
	Priority         int      `yaml:"priority"`
}

// StreamProcessingConfig gates the backfill subsystem.
type StreamProcessingConfig struct {
	UseCachedDescriptions bool `yaml:"use_cached_descriptions"`
	CreateMissingStreams  bool `yaml:"create_missing_streams"`
	MaxCandidateStreams   int  `yaml:"max_candidate_streams"`
}

// EngagementConfig remaps which show codes count as this year / last year
// when re-targeting a prior cohort.
type EngagementConfig struct {
	RegistrationShows RegistrationShows `yaml:"registration_shows"`
}

// RegistrationShows names the show codes used by engagement mode.
type RegistrationShows struct {
	ThisYearMain            string `yaml:"this_year_main"`
	ThisYearSecondary       string `yaml:"this_year_secondary"`
	LastYearMain            string `yaml:"last_year_main"`
	LastYearSecondary       string `yaml:"last_year_secondary"`
	DropLastYearWhenMissing bool   `yaml:"drop_last_year_when_missing"`
	ResetReturningFlags     bool   `yaml:"reset_returning_flags"`
}

// ClassifierConfig configures the external semantic-classification service.
type ClassifierConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	RPM            int    `yaml:"rpm"`
	TimeoutSecs    int    `yaml:"timeout_secs"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("AGENDAS_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "agendas"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("AGENDAS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Agendas"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agendas"), nil
	}

	return filepath.Join(home, ".local", "share", "agendas"), nil
}

// Load reads and validates an event config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// An explicit content_blend: 0 means categorical-only scoring; only an
	// absent key gets the default, so presence is probed separately.
	var keys struct {
		ContentBlend *float64 `yaml:"content_blend"`
	}
	if err := yaml.Unmarshal(data, &keys); err == nil && keys.ContentBlend == nil {
		cfg.ContentBlend = defaultContentBlend
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// defaultContentBlend is the content-similarity fraction used when the
// config file does not set content_blend at all.
const defaultContentBlend = 0.35

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePersonalAgendas
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SimilarVisitorsCount <= 0 {
		c.SimilarVisitorsCount = 5
	}
	if c.StreamProcessing.MaxCandidateStreams <= 0 {
		c.StreamProcessing.MaxCandidateStreams = 50
	}
	if c.Rules.RoleAttribute == "" {
		c.Rules.RoleAttribute = "job_role"
	}
	if c.Rules.PracticeAttribute == "" {
		c.Rules.PracticeAttribute = "practice_type"
	}
	if c.Classifier.TimeoutSecs <= 0 {
		c.Classifier.TimeoutSecs = 120
	}
	for i := range c.Rules.Groups {
		if c.Rules.Groups[i].Boost == 0 && len(c.Rules.Groups[i].PreferredStreams) > 0 {
			c.Rules.Groups[i].Boost = 0.1
		}
	}
}

// Validate fails fast on missing or invalid required keys, before any
// pipeline stage mutates state.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePersonalAgendas, ModeEngagement:
	default:
		return fmt.Errorf("config: invalid mode %q (want %q or %q)", c.Mode, ModePersonalAgendas, ModeEngagement)
	}

	if c.ShowCode == "" {
		return fmt.Errorf("config: show_code is required")
	}
	if len(c.SimilarityAttributes) == 0 {
		return fmt.Errorf("config: similarity_attributes is required")
	}
	for name, weight := range c.SimilarityAttributes {
		if weight < 0 {
			return fmt.Errorf("config: similarity_attributes[%s] must be non-negative, got %v", name, weight)
		}
	}
	if c.MinSimilarityScore < 0 || c.MinSimilarityScore > 1 {
		return fmt.Errorf("config: min_similarity_score must be in [0,1], got %v", c.MinSimilarityScore)
	}
	if c.MaxRecommendations <= 0 {
		return fmt.Errorf("config: max_recommendations must be positive, got %d", c.MaxRecommendations)
	}
	if c.ContentBlend < 0 || c.ContentBlend > 1 {
		return fmt.Errorf("config: content_blend must be in [0,1], got %v", c.ContentBlend)
	}

	for _, g := range c.Rules.Groups {
		if g.Name == "" {
			return fmt.Errorf("config: rules_config group with empty name")
		}
		if g.Kind != "role" && g.Kind != "practice_type" {
			return fmt.Errorf("config: rule group %s has invalid kind %q", g.Name, g.Kind)
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("config: rule group %s has no members", g.Name)
		}
		if g.Boost < 0 {
			return fmt.Errorf("config: rule group %s has negative boost", g.Name)
		}
	}

	if c.Mode == ModeEngagement {
		shows := c.Engagement.RegistrationShows
		if shows.ThisYearMain == "" {
			return fmt.Errorf("config: engagement_mode.registration_shows.this_year_main is required")
		}
		if shows.LastYearMain == "" && !shows.DropLastYearWhenMissing {
			return fmt.Errorf("config: engagement_mode.registration_shows.last_year_main is required unless drop_last_year_when_missing is set")
		}
	}

	return nil
}

// NormalizeAttr trims an attribute value and maps the conventional
// not-available markers to the empty string.
func NormalizeAttr(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToUpper(v) {
	case "", "NA", "N/A", "NONE", "NULL":
		return ""
	}
	return v
}
