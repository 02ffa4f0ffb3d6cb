package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"preconsult/internal/app"
	"preconsult/internal/config"
	"preconsult/internal/logging"
	"preconsult/internal/questions"
	"preconsult/internal/tui"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Set up in PersistentPreRunE
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "preconsult",
	Short: "Pre-consultation intake assistant",
	Long: `preconsult walks a patient through a short intake before a doctor's
visit: consent, name, date of birth, gender and a few screening questions.

Run "preconsult serve" for the HTTP API or "preconsult chat" for the
terminal version.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the intake HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Serve(cmd.Context())
	},
}

var (
	chatDB      string
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run the intake in the terminal",
	Long: `Runs the conversation in a full-screen terminal UI. Progress is saved
to a local sqlite file, so an interrupted intake resumes where it stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localConfig()
		if err != nil {
			return err
		}
		// the terminal owns stdout
		a, err := app.New(cmd.Context(), local, zap.NewNop())
		if err != nil {
			return err
		}
		defer a.Close()

		// the UI starts the conversation so the restore shows on screen
		return tui.Run(cmd.Context(), a.Manager.Get(chatSession))
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the saved terminal session",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), local, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		a.ResetSession(cmd.Context(), chatSession)
		fmt.Fprintf(cmd.OutOrStdout(), "Session %q cleared.\n", chatSession)
		return nil
	},
}

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Print a sample of screening questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		bank := cfg.Questions
		if len(bank) == 0 {
			bank = questions.DefaultQuestions
		}
		selected, err := questions.NewBank(bank, cfg.Conversation.Seed).SelectQuestions(cmd.Context(), cfg.Conversation.QuestionCount)
		if err != nil {
			return err
		}
		for i, q := range selected {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, q)
		}
		return nil
	},
}

// localConfig points storage at the chat sqlite file unless a database is
// already configured.
func localConfig() (config.Config, error) {
	local := cfg
	if local.Storage.Driver != "memory" {
		return local, nil
	}
	path := chatDB
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return local, err
		}
		path = filepath.Join(dir, "preconsult", "preconsult.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return local, fmt.Errorf("failed to create data directory: %w", err)
	}
	local.Storage.Driver = "sqlite"
	local.Storage.DSN = path
	return local, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PRECONSULT_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	for _, cmd := range []*cobra.Command{chatCmd, resetCmd} {
		cmd.Flags().StringVar(&chatDB, "db", "", "sqlite file for the terminal session (default: user config dir)")
		cmd.Flags().StringVar(&chatSession, "session", "local", "session id to use")
	}

	rootCmd.AddCommand(serveCmd, chatCmd, resetCmd, questionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
