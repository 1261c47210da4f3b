// Package cli implements the selah CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcliao/selah/internal/app"
	"github.com/rcliao/selah/internal/config"
	"github.com/rcliao/selah/internal/logger"
)

var (
	dbPath      string
	storeDriver string
	formatFlag  string
	logLevel    string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "selah",
	Short: "Bible study assistant core",
	Long: "Ask grounded Bible study questions, check references and safety, and manage " +
		"what the assistant remembers. Configured with SELAH_* environment variables.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $SELAH_DB_PATH or ~/.selah/selah.db)")
	RootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Store driver: sqlite, redis or memory (default: $SELAH_STORE_DRIVER)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (default: $SELAH_LOG_LEVEL)")
}

func newLogger(level string) zerolog.Logger {
	return logger.New("selah", logger.Options{Level: level, Console: true})
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Config, zerolog.Logger) {
	boot := newLogger(logLevel)
	cfg, err := config.New(boot)
	if err != nil {
		exitErr("config", err)
	}
	if storeDriver != "" {
		cfg.StoreDriver = storeDriver
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		exitErr("config", err)
	}
	return cfg, newLogger(cfg.LogLevel)
}

func openApp(ctx context.Context) *app.App {
	cfg, log := loadConfig()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		exitErr("init", err)
	}
	return a
}

func textOutput() bool { return formatFlag == "text" }

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func joinArgs(args []string) string { return strings.TrimSpace(strings.Join(args, " ")) }

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
