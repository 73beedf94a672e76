// CLAUDE:SUMMARY CLI entry point for snapwatch: daemon, one-shot scan, settings, jobs, stored pages, MCP stdio and remote verb calls.
// Command snapwatch discovers media on dynamic web pages and downloads it.
//
// Usage:
//
//	snapwatch run -c snapwatch.yaml          # observe configured pages, serve the HTTP API
//	snapwatch scan https://example.com/story # list media found on one page
//	snapwatch settings get | set --download-path Stories
//	snapwatch jobs --limit 20
//	snapwatch pages add|list|remove
//	snapwatch mcp                            # MCP server on stdio
//	snapwatch call downloadAll --page story  # send a verb to a running daemon
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/snapstory/snapwatch"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "snapwatch",
	Short:         "Discover and download media from dynamic web pages",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to snapwatch.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(runCmd, scanCmd, settingsCmd, jobsCmd, pagesCmd, mcpCmd, callCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "snapwatch:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults when it is empty, and builds
// the logger.
func loadConfig() (*snapwatch.Config, *slog.Logger, error) {
	cfg := snapwatch.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = snapwatch.LoadConfigFile(configPath); err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := snapwatch.NewLogger(cfg.Level())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openWatcher creates a Watcher without observing any page.
func openWatcher() (*snapwatch.Watcher, *snapwatch.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	w, err := snapwatch.New(cfg, logger, snapwatch.SinksFromConfig(cfg, os.Stdout, logger)...)
	if err != nil {
		return nil, nil, nil, err
	}
	return w, cfg, logger, nil
}
