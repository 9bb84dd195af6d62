package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livepreview/internal/config"
	"github.com/conneroisu/livepreview/internal/livedoc"
	"github.com/conneroisu/livepreview/internal/logging"
	"github.com/conneroisu/livepreview/internal/session"
)

var serveCmd = &cobra.Command{
	Use:     "serve [root]",
	Aliases: []string{"s"},
	Short:   "Preview a project directory with live updates",
	Long: `Serve a project directory and keep connected pages live.

Every .html and .css file under the root is held as a live document: saving
one pushes the change to the pages that show it. Other changes reload them.

Examples:
  livepreview serve                    # Preview the current directory
  livepreview serve ./site             # Preview ./site
  livepreview serve -p 3000 --open     # Fixed port, open a browser`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "Port to serve the project on (0 picks a free port)")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("transport-port", 8123, "Port pages connect back on")
	serveCmd.Flags().Bool("open", false, "Open the preview in a browser")
	serveCmd.Flags().Bool("no-watch", false, "Don't watch the project for changes")

	addFlagValidation(serveCmd, "port", validatePort)
	addFlagValidation(serveCmd, "transport-port", validatePort)

	cobra.CheckErr(bindFlags(viper.GetViper(), serveCmd.Flags(), map[string]string{
		"port":           "server.port",
		"host":           "server.host",
		"transport-port": "transport.port",
		"open":           "server.open",
	}))
}

func runServe(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		viper.Set("project.root", args[0])
	}
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		viper.Set("watch.enabled", false)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	s, err := session.New(cfg, session.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-runErr:
		return err
	}

	opened, err := openLiveDocuments(ctx, s, cfg, logger)
	if err != nil {
		logger.Warn(ctx, err, "Some documents could not be opened")
	}

	previewURL := s.Registry().BaseURL()
	fmt.Fprintf(cmd.OutOrStdout(), "Previewing %s at %s (%d live documents)\n", cfg.Project.Root, previewURL, opened)
	fmt.Fprintf(cmd.OutOrStdout(), "Status: %s__livepreview/status\n", previewURL)

	if cfg.Server.Open {
		if err := openBrowser(previewURL); err != nil {
			logger.Warn(ctx, err, "Failed to open browser", "url", previewURL)
		}
	}

	err = <-runErr
	fmt.Fprintln(cmd.OutOrStdout(), "Preview stopped")
	return err
}

// openLiveDocuments opens every HTML and CSS file under the project root,
// skipping ignored directories. It returns how many were opened.
func openLiveDocuments(ctx context.Context, s *session.Session, cfg *config.Config, logger logging.Logger) (int, error) {
	ignored := make(map[string]struct{}, len(cfg.Watch.Ignore))
	for _, name := range cfg.Watch.Ignore {
		ignored[name] = struct{}{}
	}

	opened := 0
	err := filepath.WalkDir(cfg.Project.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := ignored[d.Name()]; skip && path != cfg.Project.Root {
				return filepath.SkipDir
			}
			return nil
		}

		var doc livedoc.Document
		switch strings.ToLower(filepath.Ext(path)) {
		case ".html", ".htm":
			text, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			doc = s.NewHTMLDocument(path, string(text))
		case ".css":
			text, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			doc = livedoc.NewCSSDocument(path, string(text))
		default:
			return nil
		}

		if err := s.Open(ctx, doc); err != nil {
			logger.Warn(ctx, err, "Skipping document", "path", path)
			return nil
		}
		opened++
		return nil
	})
	return opened, err
}
