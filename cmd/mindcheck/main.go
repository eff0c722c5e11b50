package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/mindcheck/internal/auth"
	"github.com/TobiSchelling/mindcheck/internal/chat"
	"github.com/TobiSchelling/mindcheck/internal/config"
	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/detector"
	"github.com/TobiSchelling/mindcheck/internal/llm"
	"github.com/TobiSchelling/mindcheck/internal/lock"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/narrative"
	"github.com/TobiSchelling/mindcheck/internal/oracle"
	"github.com/TobiSchelling/mindcheck/internal/report"
	"github.com/TobiSchelling/mindcheck/internal/screening"
	"github.com/TobiSchelling/mindcheck/internal/server"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	log        *logger.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mindcheck",
	Short:   "Conversational PHQ-9 depression screening",
	Long:    "mindcheck chats with users, watches each message for depressive language and weaves PHQ-9 questions into the conversation.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			log = logger.Nop()
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

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		log, err = logger.New(cfg.Logging.Mode, level)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(userCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mindcheck", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/mindcheck/",
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
		fmt.Println("Edit it to configure the LLM provider and server. Set the JWT secret variable before 'mindcheck serve'.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Users:")
		fmt.Printf("  Registered: %d\n", stats.Users)
		fmt.Printf("  Requiring attention: %d\n", stats.UsersNeedingAttention)
		fmt.Println("\nChat:")
		fmt.Printf("  Messages: %d\n", stats.Messages)
		fmt.Printf("  Detections: %d (%d positive)\n", stats.Detections, stats.PositiveDetections)
		fmt.Println("\nPHQ-9:")
		fmt.Printf("  Narrative assessments: %d\n", stats.NarrativeAssessments)
		fmt.Printf("  Conversational sessions active: %d\n", stats.ActiveSessions)
		fmt.Printf("  Conversational sessions completed: %d\n", stats.CompletedSessions)
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		secret, err := cfg.JWTSecret()
		if err != nil {
			return err
		}
		authSvc, err := auth.New(db, secret, cfg.Server.TokenTTL)
		if err != nil {
			return err
		}

		locker, closeLocker, err := lock.New(cfg.Locking, log)
		if err != nil {
			return fmt.Errorf("creating locker: %w", err)
		}
		defer closeLocker()

		replies := llm.CreateProvider(providerOptions(false), log)
		if replies == nil {
			return errors.New("no LLM provider available for chat replies")
		}
		orc := oracle.New(llm.CreateProvider(providerOptions(true), log), cfg.Oracle)

		agg := summary.New(db, summary.PolicyFor(cfg.Screening.Escalation))
		scr := screening.New(db, orc, agg, locker, cfg.Screening.QuestionThreshold, log)
		det := detector.New(db, orc, agg, log)
		disp := detector.NewDispatcher(det, cfg.Screening.DetectionWorkers, cfg.Screening.DetectionBacklog,
			chat.StartOnPositive(scr, log), log)

		srv := server.New(server.Deps{
			DB:          db,
			Auth:        authSvc,
			Chat:        chat.New(db, replies, scr, disp, cfg.Chat, log),
			Screening:   scr,
			Detector:    det,
			Narrative:   narrative.New(db, orc, agg, log),
			Summary:     agg,
			CORSOrigins: cfg.Server.CORSOrigins,
			Log:         log,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Println("Press Ctrl+C to stop")
		serveErr := srv.Serve(ctx, fmt.Sprintf("%s:%d", cfg.Server.Host, port), 10*time.Second)

		drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := disp.Shutdown(drainCtx); err != nil {
			log.Warn("pending detections abandoned", "error", err)
		}
		return serveErr
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- analyze command ---

var (
	analyzeEmail string
	analyzeFile  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a narrative PHQ-9 assessment for a user",
	Long:  "Scores all nine PHQ-9 symptoms at once from a narrative read from --file, or stdin when --file is '-'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(cmd.Context(), db, analyzeEmail)
		if err != nil {
			return err
		}

		var text []byte
		if analyzeFile == "-" {
			text, err = io.ReadAll(os.Stdin)
		} else {
			text, err = os.ReadFile(analyzeFile)
		}
		if err != nil {
			return fmt.Errorf("reading narrative: %w", err)
		}

		orc := oracle.New(llm.CreateProvider(providerOptions(true), log), cfg.Oracle)
		agg := summary.New(db, summary.PolicyFor(cfg.Screening.Escalation))
		res, err := narrative.New(db, orc, agg, log).Analyze(cmd.Context(), u.ID, string(text))
		if err != nil {
			return err
		}

		fmt.Printf("Assessment [%d] for %s\n\n", res.AssessmentID, u.Email)
		for _, s := range res.Symptoms {
			mark := " "
			if s.Present {
				mark = "x"
			}
			fmt.Printf("  [%s] %d. %-14s %3.0f%%\n", mark, s.Number, s.Key, s.Confidence*100)
		}
		fmt.Printf("\nSymptoms present: %d/9\n", res.TotalScore)
		fmt.Printf("Severity: %s\n", res.Severity)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeEmail, "email", "", "User email")
	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "Narrative text file ('-' for stdin)")
	analyzeCmd.MarkFlagRequired("email")
	analyzeCmd.MarkFlagRequired("file")
}

// --- summary command ---

var summaryEmail string

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a user's risk alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(cmd.Context(), db, summaryEmail)
		if err != nil {
			return err
		}
		agg := summary.New(db, summary.PolicyFor(cfg.Screening.Escalation))
		alert, err := agg.RiskAlert(cmd.Context(), u.ID)
		if err != nil {
			return err
		}

		fmt.Printf("User: %s\n", u.Email)
		fmt.Printf("Risk level: %s\n", alert.RiskLevel)
		fmt.Printf("Requires attention: %t\n", alert.RequiresAttention)
		if alert.PHQ9Score != nil {
			fmt.Printf("Latest PHQ-9 score: %d\n", *alert.PHQ9Score)
		}
		fmt.Printf("High-risk detections: %d\n", alert.HighRiskDetections)
		fmt.Printf("\n%s\n", alert.Message)
		return nil
	},
}

func init() {
	summaryCmd.Flags().StringVar(&summaryEmail, "email", "", "User email")
	summaryCmd.MarkFlagRequired("email")
}

// --- report command ---

var (
	reportEmail string
	reportOut   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write a user's screening report as HTML",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		u, err := lookupUser(cmd.Context(), db, reportEmail)
		if err != nil {
			return err
		}
		d, err := report.Collect(cmd.Context(), db, u.ID)
		if err != nil {
			return err
		}
		if reportOut == "" {
			fmt.Print(report.Markdown(d))
			return nil
		}
		page, err := report.HTML(d)
		if err != nil {
			return err
		}
		if err := os.WriteFile(reportOut, page, 0o600); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("Report written to %s\n", reportOut)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportEmail, "email", "", "User email")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "HTML output file (markdown to stdout when empty)")
	reportCmd.MarkFlagRequired("email")
}

// --- user command ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userPassword string

var userAddCmd = &cobra.Command{
	Use:   "add [email]",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		password := userPassword
		if password == "" {
			fmt.Print("Password: ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			password = strings.TrimSpace(line)
		}

		// Registration does not sign tokens; any non-empty secret will do.
		svc, err := auth.New(db, "cli", time.Minute)
		if err != nil {
			return err
		}
		u, err := svc.Register(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("Added user [%d]: %s\n", u.ID, u.Email)
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (prompted when empty)")
	userCmd.AddCommand(userAddCmd)
}

func providerOptions(jsonMode bool) llm.Options {
	return llm.Options{
		Provider:    cfg.Oracle.Provider,
		Model:       cfg.Oracle.Model,
		OllamaURL:   cfg.Oracle.OllamaURL,
		OpenAIModel: cfg.Oracle.OpenAIModel,
		APIKeyEnv:   cfg.Oracle.APIKeyEnv,
		RetryMax:    cfg.Oracle.RetryMax,
		JSON:        jsonMode,
	}
}

func lookupUser(ctx context.Context, db *database.DB, email string) (*database.User, error) {
	u, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found", email)
	}
	return u, nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "mindcheck.db")
	return database.Open(dbPath)
}
