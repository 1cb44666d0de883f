package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pkgforge/soar-dl/internal/app"
	"github.com/pkgforge/soar-dl/internal/domain"
	"github.com/pkgforge/soar-dl/internal/infrastructure"
	"github.com/pkgforge/soar-dl/pkg/logger"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

var (
	configPath string

	githubProjects []string
	gitlabProjects []string
	ghcrImages     []string

	regexPatterns   []string
	globPatterns    []string
	matchKeywords   []string
	excludeKeywords []string
	exactCase       bool

	autoAccept  bool
	output      string
	concurrency int
	ghcrAPI     string

	extract    bool
	extractDir string

	skipExisting   bool
	forceOverwrite bool

	proxyURL     string
	extraHeaders []string
	userAgent    string
	quiet        bool
)

var rootCmd = &cobra.Command{
	Use:   "soar-dl [links...]",
	Short: "Fast release asset downloader for GitHub, GitLab, and GHCR",
	Long: `soar-dl resolves release assets from GitHub, GitLab, and OCI registries,
filters them, and streams them to disk with resume support and optional
archive extraction.`,
	Args: cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && len(githubProjects) == 0 && len(gitlabProjects) == 0 && len(ghcrImages) == 0 {
			cmd.Help()
			os.Exit(exitUsage)
		}
		os.Exit(run(cmd.Context(), args))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent downloads",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runHistory())
	},
}

func init() {
	flags := rootCmd.Flags()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")

	flags.StringSliceVar(&githubProjects, "github", nil, "GitHub project (owner/repo[@tag] or id)")
	flags.StringSliceVar(&gitlabProjects, "gitlab", nil, "GitLab project (namespace/project[@tag] or id)")
	flags.StringSliceVar(&ghcrImages, "ghcr", nil, "GHCR image or blob reference")

	flags.StringArrayVarP(&regexPatterns, "regex", "r", nil, "Regex to select assets")
	flags.StringArrayVarP(&globPatterns, "glob", "g", nil, "Glob to select assets")
	flags.StringArrayVarP(&matchKeywords, "match", "m", nil, "Keywords the asset name must contain (comma = AND, repeat = OR)")
	flags.StringArrayVarP(&excludeKeywords, "exclude", "e", nil, "Keywords the asset name must not contain")
	flags.BoolVar(&exactCase, "exact-case", false, "Use exact case matching for patterns and keywords")

	flags.BoolVarP(&autoAccept, "yes", "y", false, "Skip prompts and download every matching asset")
	flags.StringVarP(&output, "output", "o", "", "Output path ('-' for stdout, trailing '/' for a directory)")
	flags.IntVarP(&concurrency, "concurrency", "c", 1, "Concurrent OCI blob downloads")
	flags.StringVar(&ghcrAPI, "ghcr-api", "", "Override the registry API endpoint")

	flags.BoolVar(&extract, "extract", false, "Extract supported archives after download")
	flags.StringVar(&extractDir, "extract-dir", "", "Directory to extract archives into")

	flags.BoolVar(&skipExisting, "skip-existing", false, "Skip downloads whose target file exists")
	flags.BoolVar(&forceOverwrite, "force-overwrite", false, "Overwrite existing target files")
	rootCmd.MarkFlagsMutuallyExclusive("skip-existing", "force-overwrite")

	flags.StringVar(&proxyURL, "proxy", "", "Proxy URL (http, https, socks5)")
	flags.StringArrayVarP(&extraHeaders, "header", "H", nil, "Extra request header (KEY:VALUE)")
	flags.StringVarP(&userAgent, "user-agent", "A", "", "Override the User-Agent header")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	rootCmd.AddCommand(historyCmd)
}

func run(ctx context.Context, links []string) int {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	applyFlagOverrides(cfg)

	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.OutputPath,
		Quiet:  quiet,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}
	defer log.Sync()

	client, err := infrastructure.NewClient(cfg.HTTP, infrastructure.ParseHeaderFlags(extraHeaders), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	var bus *domain.ProgressBus
	var renderer *progressRenderer
	if !quiet {
		bus = domain.NewProgressBus(cfg.Download.Concurrency)
		renderer = newProgressRenderer(os.Stderr)
		go renderer.consume(bus.Events())
	}

	var prompter domain.Prompter
	if !autoAccept && isTerminal(os.Stdin) {
		prompter = infrastructure.NewSurveyPrompter()
	}

	engine := infrastructure.NewEngine(client, cfg.Download, bus, prompter, log)

	var history domain.HistoryRepository
	if cfg.History.DatabasePath != "" {
		repo, err := infrastructure.NewSQLiteHistoryRepository(cfg.History.DatabasePath)
		if err != nil {
			log.Warn("history database unavailable", zap.Error(err))
		} else {
			history = repo
		}
	}

	manager := app.NewDownloadManager(cfg, client, engine, ghcrAPI, prompter, history, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, execErr := manager.Execute(ctx, app.Intent{
		Links:       links,
		GitHub:      githubProjects,
		GitLab:      gitlabProjects,
		Ghcr:        ghcrImages,
		Filter:      filterPlan(),
		Yes:         autoAccept,
		Output:      output,
		Mode:        overwriteMode(),
		Concurrency: concurrency,
		GhcrAPI:     ghcrAPI,
		Extract:     extract,
		ExtractDir:  extractDir,
	})

	if bus != nil {
		bus.Close()
		renderer.wait()
	}

	return exitCode(summary, execErr, ctx)
}

func exitCode(summary *app.RunSummary, err error, ctx context.Context) int {
	var planErr *domain.PlanError
	switch {
	case errors.As(err, &planErr):
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		return exitUsage
	case errors.Is(err, domain.ErrCancelled) || ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "Cancelled.")
		return exitCancelled
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		return exitFailed
	case summary != nil && summary.Failed > 0:
		return exitFailed
	default:
		return exitOK
	}
}

func applyFlagOverrides(cfg *domain.Config) {
	if userAgent != "" {
		cfg.HTTP.UserAgent = userAgent
	}
	if proxyURL != "" {
		cfg.HTTP.Proxy = proxyURL
	}
	if concurrency > 1 {
		cfg.Download.Concurrency = concurrency
	}
}

func filterPlan() domain.FilterPlan {
	return domain.FilterPlan{
		Regexes:   regexPatterns,
		Globs:     globPatterns,
		Match:     matchKeywords,
		Exclude:   excludeKeywords,
		ExactCase: exactCase,
	}
}

func overwriteMode() domain.OverwriteMode {
	switch {
	case skipExisting:
		return domain.OverwriteSkip
	case forceOverwrite:
		return domain.OverwriteForce
	default:
		return domain.OverwriteResume
	}
}

func runHistory() int {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	if cfg.History.DatabasePath == "" {
		fmt.Fprintln(os.Stderr, "History is disabled (no database path configured).")
		return exitOK
	}

	repo, err := infrastructure.NewSQLiteHistoryRepository(cfg.History.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}

	records, err := repo.Recent(cfg.History.Limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tSIZE\tFINISHED\tPATH")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(rec.Name, 40),
			rec.Status,
			humanize.Bytes(uint64(max64(rec.Bytes, 0))),
			humanize.Time(rec.FinishedAt),
			rec.FilePath)
	}
	w.Flush()
	return exitOK
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitUsage)
	}
}
