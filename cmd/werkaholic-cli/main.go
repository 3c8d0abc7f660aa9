// Command werkaholic-cli administers the scanner database: quota, plan,
// history and one-shot classification of image files.
package main

import (
	"fmt"
	"os"

	"github.com/raine/werkaholic-scanner/internal/config"
	"github.com/raine/werkaholic-scanner/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	dbPath       string
	userID       string
	historyLimit int
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "werkaholic-cli",
	Short: "Administer the Werkaholic scanner",
	Long: `Inspect and change the scanner's local state.

Values for --db and --user default to WERKAHOLIC_DB_PATH and WERKAHOLIC_USER_ID
from the environment or config.env.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level)

		config.LoadEnvFile()
		if dbPath == "" {
			dbPath = envOr("WERKAHOLIC_DB_PATH", "werkaholic.db")
		}
		if userID == "" {
			userID = envOr("WERKAHOLIC_USER_ID", "local")
		}
		return nil
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show today's scan quota",
	Args:  cobra.NoArgs,
	RunE:  runQuota,
}

var planCmd = &cobra.Command{
	Use:       "plan free|pro",
	Short:     "Switch the user's plan",
	Long:      `Switch between the free plan (11 scans per day) and the unlimited pro plan. The scan counter is kept.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"free", "pro"},
	RunE:      runPlan,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List accepted scan results, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var classifyCmd = &cobra.Command{
	Use:   "classify IMAGE",
	Short: "Classify an image file and print the listing as JSON",
	Long: `Send a single image to the vision model and print the result.

The result is cached like scans from the service. The daily quota is not charged.`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the scanner database")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "scanner user id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of entries to show")

	rootCmd.AddCommand(quotaCmd, planCmd, historyCmd, classifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore() (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return store, nil
}
