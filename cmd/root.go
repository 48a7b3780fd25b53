package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/agentic-research/taxa/internal/config"
	"github.com/agentic-research/taxa/internal/logx"
	"github.com/agentic-research/taxa/internal/session"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// DefaultManifest is the manifest name looked up in directories and packs.
const DefaultManifest = "manifest.json"

var (
	configPath   string
	mode         string
	cacheSize    int
	fetchTimeout time.Duration
	logLevel     string
	logJSON      bool
	quiet        bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to an HCL config file")
	pf.StringVarP(&mode, "mode", "m", "", "Load mode for path manifests: auto, eager or lazy")
	pf.IntVar(&cacheSize, "cache-size", 0, "Chunk cache bound in entries (0 = unbounded)")
	pf.DurationVar(&fetchTimeout, "timeout", 0, "Per-attempt fetch timeout")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level")
	pf.BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Hide progress bars")
}

var rootCmd = &cobra.Command{
	Use:           "taxa",
	Short:         "Taxa: materialize and inspect very large hierarchical datasets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, then explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath, cfg); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode = mode
	}
	if flags.Changed("cache-size") {
		cfg.CacheSize = cacheSize
	}
	if flags.Changed("timeout") {
		cfg.FetchTimeout = fetchTimeout
	}
	return cfg, cfg.Validate()
}

// source is an opened dataset location.
type source struct {
	fetcher  chunk.Fetcher
	manifest string
	close    func() error
}

// openSource interprets loc as an http(s) URL of a manifest, a SQLite chunk
// pack (*.db), a dataset directory, or a manifest file on disk.
func openSource(loc string) (*source, error) {
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		i := strings.LastIndex(loc, "/")
		base, name := loc[:i], loc[i+1:]
		if name == "" || strings.HasSuffix(base, ":/") {
			base, name = strings.TrimSuffix(loc, "/"), DefaultManifest
		}
		client := &http.Client{Transport: http.DefaultTransport}
		return &source{fetcher: chunk.NewHTTPFetcher(base, client), manifest: name, close: noClose}, nil
	case strings.HasSuffix(loc, ".db"):
		f, err := chunk.OpenSQLiteFetcher(loc)
		if err != nil {
			return nil, err
		}
		return &source{fetcher: f, manifest: DefaultManifest, close: f.Close}, nil
	}

	info, err := os.Stat(loc)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	dir, name := loc, DefaultManifest
	if !info.IsDir() {
		dir, name = filepath.Dir(loc), filepath.Base(loc)
	}
	return &source{fetcher: chunk.NewFSFetcher(osfs.New(dir)), manifest: name, close: noClose}, nil
}

func noClose() error { return nil }

func newLogger() (zerolog.Logger, error) {
	return logx.NewLogger(logx.Options{Level: logLevel, JSON: logJSON, Out: os.Stderr})
}

// openSession builds a session over the dataset at loc. Callers close the
// returned source when done.
func openSession(cmd *cobra.Command, loc string, progress func(session.Progress)) (*session.Session, *source, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	src, err := openSource(loc)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(session.Options{
		Config:   cfg,
		Fetcher:  src.fetcher,
		Progress: progress,
		Logger:   log,
	})
	if err != nil {
		_ = src.close()
		return nil, nil, err
	}
	return s, src, nil
}
