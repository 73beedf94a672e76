package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/snapstory/snapwatch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Observe the configured pages and serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		w, cfg, logger, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()

		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if cfg.HTTP.Addr == "" {
			logger.Info("snapwatch: running without http api")
			<-ctx.Done()
			return nil
		}
		return w.Serve(ctx)
	},
}

var scanMode string

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Scan one page and print the media it carries as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()

		recs, err := w.ScanOnce(cmd.Context(), args[0], scanMode)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change download preferences",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current preferences",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		s, err := w.Settings(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var (
	setAutoDownload  bool
	setDownloadPath  string
	setMaxConcurrent int
)

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change preferences; only the flags given are written",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var patch snapwatch.SettingsPatch
		if cmd.Flags().Changed("auto-download") {
			patch.AutoDownload = &setAutoDownload
		}
		if cmd.Flags().Changed("download-path") {
			patch.DownloadPath = &setDownloadPath
		}
		if cmd.Flags().Changed("max-concurrent") {
			patch.MaxConcurrentDownloads = &setMaxConcurrent
		}
		if patch.Empty() {
			return errors.New("nothing to set")
		}

		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.SaveSettings(cmd.Context(), patch); err != nil {
			return err
		}
		s, err := w.Settings(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent host downloads from the job log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		jobs, err := w.Jobs(cmd.Context(), jobsLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, j := range jobs {
			if err := enc.Encode(j); err != nil {
				return err
			}
		}
		return nil
	},
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Manage pages stored for observation",
}

var pageMode string

var pagesAddCmd = &cobra.Command{
	Use:   "add <id> <url>",
	Short: "Store a page; a running daemon picks it up on its next start",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		return w.StorePage(cmd.Context(), snapwatch.PageConfig{ID: args[0], URL: args[1], Mode: pageMode})
	},
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored pages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		pages, err := w.StoredPages(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), pages)
	},
}

var pagesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Retire a stored page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, _, _, err := openWatcher()
		if err != nil {
			return err
		}
		defer w.Stop()
		return w.RemovePage(cmd.Context(), args[0])
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Observe the configured pages and serve MCP tools on stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		// stdout carries the MCP stream; notifications go to stderr
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		w, err := snapwatch.New(cfg, logger, snapwatch.SinksFromConfig(cfg, os.Stderr, logger)...)
		if err != nil {
			return err
		}
		defer w.Stop()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		srv := mcp.NewServer(&mcp.Implementation{Name: "snapwatch", Version: "1.0.0"}, nil)
		w.RegisterMCP(srv)
		return srv.Run(ctx, &mcp.StdioTransport{})
	},
}

var (
	callAddr     string
	callPage     string
	callUser     string
	callPassword string
)

var callCmd = &cobra.Command{
	Use:   "call <verb> [json-payload]",
	Short: "Send a verb to a running snapwatch over HTTP",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := strings.TrimRight(callAddr, "/") + "/api/message"
		if callPage != "" {
			endpoint = strings.TrimRight(callAddr, "/") + "/api/pages/" + url.PathEscape(callPage) + "/message"
		}
		c := snapwatch.NewHTTPCaller(endpoint)
		c.Username = callUser
		c.Password = callPassword
		if c.Password == "" {
			c.Password = os.Getenv("SNAPWATCH_PASSWORD")
		}

		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		}
		body, err := snapwatch.Send(cmd.Context(), c, args[0], payload)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
		return err
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanMode, "mode", snapwatch.ModeAuto, "discovery path: browser, static or auto")

	settingsSetCmd.Flags().BoolVar(&setAutoDownload, "auto-download", false, "download media as soon as it is discovered")
	settingsSetCmd.Flags().StringVar(&setDownloadPath, "download-path", "", "subfolder of the download root")
	settingsSetCmd.Flags().IntVar(&setMaxConcurrent, "max-concurrent", 0, "stored concurrency hint")
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)

	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")

	pagesAddCmd.Flags().StringVar(&pageMode, "mode", snapwatch.ModeAuto, "discovery path: browser, static or auto")
	pagesCmd.AddCommand(pagesAddCmd, pagesListCmd, pagesRemoveCmd)

	callCmd.Flags().StringVar(&callAddr, "addr", "http://127.0.0.1:8787", "snapwatch HTTP base URL")
	callCmd.Flags().StringVar(&callPage, "page", "", "page ID; empty reaches orchestrator verbs only")
	callCmd.Flags().StringVar(&callUser, "user", "", "basic auth user")
	callCmd.Flags().StringVar(&callPassword, "password", "", "basic auth password (default $SNAPWATCH_PASSWORD)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
