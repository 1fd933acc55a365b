package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camlane/agendas/internal/backfill"
	"github.com/camlane/agendas/internal/catalog"
	"github.com/camlane/agendas/internal/classify"
	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/db"
	"github.com/camlane/agendas/internal/embed"
	"github.com/camlane/agendas/internal/ingest"
	"github.com/camlane/agendas/internal/pipeline"
	"github.com/camlane/agendas/internal/store"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agendas",
		Short: "Personalized session recommendations for event attendees",
		Long: `Agendas ranks an event's session catalog against each visitor's
professional profile and history, backfills missing stream labels via
semantic classification, and persists the resulting recommendation
edges into the graph store.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to event config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("agendas %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize data directory and database",
		Run: func(cmd *cobra.Command, args []string) {
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("get data directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("initialize database: %v", err)
			}
			dbPath, _ := db.GetPath()
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "data_dir": dataDir, "db_path": dbPath})
			} else {
				fmt.Printf("Initialized %s\n", dbPath)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the recommendation pipeline for an event",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			database, err := db.Open()
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()

			st := store.New(database)
			cat := mustLoadCatalog(cfg)
			client := buildClient(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var classifier backfill.Classifier
			var embedder embed.Embedder
			if client != nil {
				classifier = client
				embedder = client
				if _, err := cat.EnsureDescriptions(ctx, st, client, cfg.StreamProcessing.UseCachedDescriptions); err != nil {
					fail("prepare stream descriptions: %v", err)
				}
			}

			p, err := pipeline.New(pipeline.Options{
				Store:      st,
				Config:     cfg,
				Catalog:    cat,
				Classifier: classifier,
				Embedder:   embedder,
			})
			if err != nil {
				fail("build pipeline: %v", err)
			}

			summary, err := p.Run(ctx)
			if err != nil {
				fail("pipeline: %v", err)
			}

			if dataDir, derr := config.GetDataDir(); derr == nil {
				if path, werr := summary.WriteFile(dataDir); werr == nil && !jsonOutput {
					fmt.Printf("Summary written to %s\n", path)
				}
			}

			if jsonOutput {
				printJSON(summary)
			} else {
				fmt.Printf("Run %s: %d visitors, %d recommendations, zero violations: %v\n",
					summary.RunID, summary.VisitorsProcessed, summary.RecommendationsPersisted, summary.ZeroViolations)
			}
		},
	})

	var (
		visitorsPath   string
		sessionsPath   string
		attendancePath string
		importCohort   string
		importDryRun   bool
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import registration, session and attendance CSV exports",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			if visitorsPath == "" && sessionsPath == "" && attendancePath == "" {
				fail("nothing to import: pass --visitors, --sessions or --attendance")
			}
			database, err := db.Open()
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()
			st := store.New(database)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report := map[string]any{}
			if visitorsPath != "" {
				result, err := ingest.ImportVisitors(ctx, st, ingest.VisitorImportOptions{
					Path:     visitorsPath,
					ShowCode: cfg.ShowCode,
					Cohort:   importCohort,
					DryRun:   importDryRun,
				})
				if err != nil {
					fail("import visitors: %v", err)
				}
				report["visitors"] = result
				if !jsonOutput {
					fmt.Printf("Visitors: %d imported, %d skipped\n", result.Imported, result.RowsSkipped)
				}
			}
			if sessionsPath != "" {
				result, err := ingest.ImportSessions(ctx, st, ingest.SessionImportOptions{
					Path:     sessionsPath,
					ShowCode: cfg.ShowCode,
					Cohort:   importCohort,
					DryRun:   importDryRun,
				})
				if err != nil {
					fail("import sessions: %v", err)
				}
				report["sessions"] = result
				if !jsonOutput {
					fmt.Printf("Sessions: %d imported, %d missing streams\n", result.Imported, result.MissingStreams)
				}
			}
			if attendancePath != "" {
				result, err := ingest.ImportAttendance(ctx, st, attendancePath)
				if err != nil {
					fail("import attendance: %v", err)
				}
				report["attendance"] = result
				if !jsonOutput {
					fmt.Printf("Attendance: %d edges imported\n", result.Imported)
				}
			}
			if jsonOutput {
				printJSON(report)
			}
		},
	}
	importCmd.Flags().StringVar(&visitorsPath, "visitors", "", "Registration export CSV")
	importCmd.Flags().StringVar(&sessionsPath, "sessions", "", "Session catalog CSV")
	importCmd.Flags().StringVar(&attendancePath, "attendance", "", "Historical attendance CSV (visitor_id,session_id)")
	importCmd.Flags().StringVar(&importCohort, "cohort", "", "Cohort tag for imported rows (default this_year)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and validate without writing")
	rootCmd.AddCommand(importCmd)

	var restoreTag string
	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill missing session streams (or restore a backup)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			database, err := db.Open()
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()
			st := store.New(database)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if restoreTag != "" {
				restored, err := st.RestoreSessions(ctx, restoreTag)
				if err != nil {
					fail("restore %s: %v", restoreTag, err)
				}
				if jsonOutput {
					printJSON(map[string]any{"restored": restored, "tag": restoreTag})
				} else {
					fmt.Printf("Restored %d sessions from %s\n", restored, restoreTag)
				}
				return
			}

			cat := mustLoadCatalog(cfg)
			client := buildClient(cfg)
			if client == nil {
				fail("backfill requires classifier.base_url in config")
			}
			if _, err := cat.EnsureDescriptions(ctx, st, client, cfg.StreamProcessing.UseCachedDescriptions); err != nil {
				fail("prepare stream descriptions: %v", err)
			}

			b := backfill.New(st, cat, client, cfg.StreamProcessing.MaxCandidateStreams)
			metrics, outcomes, err := b.Run(ctx, cfg.ShowCode, store.CohortThisYear)
			if err != nil {
				fail("backfill: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{"metrics": metrics, "outcomes": outcomes})
			} else {
				fmt.Printf("Evaluated %d sessions: %d backfilled, %d skipped (no synopsis), %d skipped (no candidates), %d failed\n",
					metrics.SessionsEvaluated, metrics.Backfilled, metrics.SkippedNoSynopsis, metrics.SkippedNoCandidates, metrics.Failed)
			}
		},
	}
	backfillCmd.Flags().StringVar(&restoreTag, "restore", "", "Restore sessions from a named backup instead of backfilling")
	rootCmd.AddCommand(backfillCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show store counts for the configured event",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			database, err := db.Open()
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()
			st := store.New(database)

			ctx := context.Background()
			visitors, err := st.ListVisitors(ctx, cfg.ShowCode, store.CohortThisYear)
			if err != nil {
				fail("list visitors: %v", err)
			}
			sessions, err := st.ListSessions(ctx, cfg.ShowCode, store.CohortThisYear)
			if err != nil {
				fail("list sessions: %v", err)
			}
			streams, err := st.ListStreams(ctx)
			if err != nil {
				fail("list streams: %v", err)
			}

			missing := 0
			for _, sess := range sessions {
				if len(sess.Streams) == 0 {
					missing++
				}
			}

			if jsonOutput {
				printJSON(map[string]any{
					"show_code":               cfg.ShowCode,
					"visitors":                len(visitors),
					"sessions":                len(sessions),
					"sessions_missing_stream": missing,
					"streams":                 len(streams),
				})
			} else {
				fmt.Printf("%s: %d visitors, %d sessions (%d missing streams), %d streams\n",
					cfg.ShowCode, len(visitors), len(sessions), missing, len(streams))
			}
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	if configPath == "" {
		fail("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fail("%v", err)
	}
	return cfg
}

func mustLoadCatalog(cfg *config.Config) *catalog.Catalog {
	if cfg.CatalogPath == "" {
		fail("config: catalog_path is required")
	}
	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		fail("%v", err)
	}
	return cat
}

func buildClient(cfg *config.Config) *classify.Client {
	if cfg.Classifier.BaseURL == "" {
		return nil
	}
	client := classify.NewClient(
		cfg.Classifier.BaseURL,
		cfg.Classifier.APIKey,
		cfg.Classifier.Model,
		time.Duration(cfg.Classifier.TimeoutSecs)*time.Second,
	)
	client.SetRPM(cfg.Classifier.RPM)
	return client
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("marshal output: %v", err)
	}
	fmt.Println(string(data))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
