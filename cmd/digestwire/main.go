package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"digestwire/internal/config"
	"digestwire/internal/journal"
	"digestwire/internal/run"
	"digestwire/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	exitCode   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:     "digestwire",
	Short:   "Daily news digests",
	Long:    "Digestwire collects news from configured sources, merges duplicate coverage into stories, and distributes a daily digest.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Credentials may live in a local .env during development.
		_ = godotenv.Load()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("digestwire", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/digestwire/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the query, sources, and sinks.")
		return nil
	},
}

// --- run command ---

var (
	runDate    string
	dryRun     bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once: fetch -> extract -> merge -> build -> distribute",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := run.Options{DryRun: dryRun, Timeout: runTimeout}
		if runDate != "" {
			date, err := time.Parse("2006-01-02", runDate)
			if err != nil {
				return fmt.Errorf("invalid date %q, want YYYY-MM-DD", runDate)
			}
			opts.Date = date
		}

		jnl, err := openJournal()
		if err != nil {
			return err
		}
		defer jnl.Close()

		summary := run.New(cfg, jnl).Execute(context.Background(), opts)
		printSummary(summary)
		exitCode = summary.ExitCode
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "Digest date (YYYY-MM-DD, default today)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build and print the digest without delivering it")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Override the configured run timeout")
}

func printSummary(s *run.Summary) {
	fmt.Printf("Run %s: %s\n", s.RunID, s.Status)
	if s.Error != "" {
		fmt.Printf("  Error: %s\n", s.Error)
		return
	}

	for _, stage := range s.Stages {
		line := fmt.Sprintf("  %-11s %s", stage.Name, stage.Status)
		if stage.Detail != "" {
			line += " (" + stage.Detail + ")"
		}
		if stage.Err != nil {
			line += fmt.Sprintf(": %v", stage.Err)
		}
		fmt.Println(line)
	}

	if len(s.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, id := range sortedKeys(s.Sources) {
			fmt.Printf("  %s: %s\n", id, s.Sources[id])
		}
	}
	if len(s.Sinks) > 0 {
		fmt.Println("\nSinks:")
		ids := make([]string, 0, len(s.Sinks))
		for id := range s.Sinks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out := s.Sinks[id]
			line := fmt.Sprintf("  %s: %s", id, out.Status)
			if out.Detail != "" {
				line += " (" + out.Detail + ")"
			}
			fmt.Println(line)
		}
	}

	if dryRun && s.Digest != nil {
		fmt.Println("\n--- digest ---")
		fmt.Println(s.Digest.Markdown(cfg.Digest.ExcerptChars))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- serve command ---

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger/status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		jnl, err := openJournal()
		if err != nil {
			return err
		}
		defer jnl.Close()

		orch := run.New(cfg, jnl)
		srv := server.New(jnl, orch, cfg.Server.APIKeyEnv)

		if cfg.Server.Schedule != "" {
			c := cron.New()
			_, err := c.AddFunc(cfg.Server.Schedule, func() {
				id, err := srv.TriggerRun()
				if err != nil {
					log.Printf("schedule: %v", err)
					return
				}
				log.Printf("schedule: started run %s", id)
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", cfg.Server.Schedule, err)
			}
			c.Start()
			defer c.Stop()
			log.Printf("scheduled runs: %s", cfg.Server.Schedule)
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		fmt.Printf("Starting server at http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return http.ListenAndServe(addr, srv.Handler())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

// --- status command ---

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		jnl, err := openJournal()
		if err != nil {
			return err
		}
		defer jnl.Close()

		runs, err := jnl.ListRuns(statusLimit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded. Start one with: digestwire run")
			return nil
		}

		for _, r := range runs {
			fmt.Printf("%s  %s  exit=%d  %d candidates -> %d stories  (%s)\n",
				r.StartedAt, r.Status, r.ExitCode, r.CandidateCount, r.StoryCount, r.RunID)
			if r.Error != nil {
				fmt.Printf("    error: %s\n", *r.Error)
			}

			stages, _ := jnl.GetStages(r.RunID)
			for _, st := range stages {
				line := fmt.Sprintf("    %-11s %s", st.Stage, st.Status)
				if st.Detail != nil {
					line += " (" + *st.Detail + ")"
				}
				fmt.Println(line)
			}

			sinks, _ := jnl.GetSinks(r.RunID)
			for _, sk := range sinks {
				line := fmt.Sprintf("    sink %-8s %s", sk.SinkID, sk.Outcome)
				if sk.Detail != nil {
					line += " (" + *sk.Detail + ")"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of runs to show")
}

func openJournal() (*journal.Journal, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return journal.Open(filepath.Join(dataDir, "digestwire.db"))
}
