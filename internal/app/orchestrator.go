package app

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pkgforge/soar-dl/internal/domain"
	"github.com/pkgforge/soar-dl/internal/infrastructure"
)

// Intent is the structured form of one command-line invocation, handed to
// the orchestrator by the CLI layer.
type Intent struct {
	Links  []string
	GitHub []string
	GitLab []string
	Ghcr   []string

	Filter domain.FilterPlan
	Yes    bool

	Output string
	Mode   domain.OverwriteMode

	Concurrency int
	GhcrAPI     string

	Extract    bool
	ExtractDir string
}

// RunSummary aggregates per-job outcomes for exit-code mapping. Counts
// are synchronized because OCI blob jobs finish concurrently.
type RunSummary struct {
	mu        sync.Mutex
	Succeeded int
	Skipped   int
	Failed    int
}

func (s *RunSummary) add(status domain.JobStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.Failed++
	case status == domain.JobSkipped:
		s.Skipped++
	default:
		s.Succeeded++
	}
}

func (s *RunSummary) fail() {
	s.mu.Lock()
	s.Failed++
	s.mu.Unlock()
}

// DownloadManager binds CLI intent to providers and schedules per-asset
// downloads. Projects run one at a time, grouped by source (--github,
// --gitlab, --ghcr, then positional links) and in the order given within
// each group; a failure in one project is reported and the next project
// proceeds, unless it is a PlanError, which aborts the whole run.
type DownloadManager struct {
	cfg      *domain.Config
	client   *infrastructure.Client
	engine   *infrastructure.Engine
	github   *infrastructure.GitHubProvider
	gitlab   *infrastructure.GitLabProvider
	direct   *infrastructure.DirectProvider
	oci      *infrastructure.OCIProvider
	prompter domain.Prompter
	history  domain.HistoryRepository
	logger   *zap.Logger
}

// NewDownloadManager creates a new download manager. prompter and history
// may be nil.
func NewDownloadManager(
	cfg *domain.Config,
	client *infrastructure.Client,
	engine *infrastructure.Engine,
	ghcrAPI string,
	prompter domain.Prompter,
	history domain.HistoryRepository,
	logger *zap.Logger,
) *DownloadManager {
	return &DownloadManager{
		cfg:      cfg,
		client:   client,
		engine:   engine,
		github:   infrastructure.NewGitHubProvider(client, logger),
		gitlab:   infrastructure.NewGitLabProvider(client, logger),
		direct:   infrastructure.NewDirectProvider(),
		oci:      infrastructure.NewOCIProvider(client, ghcrAPI, logger),
		prompter: prompter,
		history:  history,
		logger:   logger,
	}
}

// Execute runs every project in the intent. The returned error is non-nil
// only for run-aborting conditions (PlanError, cancellation, unusable
// filters); per-project failures are counted in the summary.
func (m *DownloadManager) Execute(ctx context.Context, intent Intent) (*RunSummary, error) {
	filter, err := intent.Filter.Compile()
	if err != nil {
		return nil, &domain.PlanError{Reason: err.Error()}
	}

	output := m.planOutput(intent)
	selector := NewSelector(intent.Yes, m.prompter)
	summary := &RunSummary{}

	refs := m.parseRefs(intent, summary)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return summary, domain.ErrCancelled
		}
		if err := m.processProject(ctx, ref, filter, selector, output, intent, summary); err != nil {
			var planErr *domain.PlanError
			if errors.As(err, &planErr) || errors.Is(err, domain.ErrCancelled) {
				return summary, err
			}
			m.logger.Error("project failed",
				zap.String("kind", string(ref.Kind)),
				zap.String("project", projectLabel(ref)),
				zap.Error(err))
			summary.fail()
		}
	}

	return summary, nil
}

// parseRefs turns the intent's project strings into refs grouped by
// source: --github, --gitlab, --ghcr, then positional links, each group in
// the order given. How flags of different kinds were interleaved on the
// command line is not preserved. An unparsable reference fails that
// project only.
func (m *DownloadManager) parseRefs(intent Intent, summary *RunSummary) []domain.ProjectRef {
	var refs []domain.ProjectRef

	collect := func(inputs []string, parse func(string) (domain.ProjectRef, error)) {
		for _, input := range inputs {
			ref, err := parse(input)
			if err != nil {
				m.logger.Error("invalid project reference", zap.String("input", input), zap.Error(err))
				summary.fail()
				continue
			}
			refs = append(refs, ref)
		}
	}

	collect(intent.GitHub, domain.ParseGitHub)
	collect(intent.GitLab, domain.ParseGitLab)
	collect(intent.Ghcr, domain.ParseOCI)
	collect(intent.Links, domain.DetectRef)

	return refs
}

func (m *DownloadManager) planOutput(intent Intent) domain.OutputPlan {
	plan := domain.ParseOutputPlan(intent.Output, intent.Mode)
	if plan.Kind == domain.SinkFile {
		// An existing directory given without a trailing slash still
		// means a directory sink.
		if info, err := os.Stat(plan.Path); err == nil && info.IsDir() {
			plan.Kind = domain.SinkDir
		}
	}
	return plan
}

func (m *DownloadManager) processProject(
	ctx context.Context,
	ref domain.ProjectRef,
	filter *domain.AssetFilter,
	selector *Selector,
	output domain.OutputPlan,
	intent Intent,
	summary *RunSummary,
) error {
	if ref.Kind == domain.RefOCI {
		return m.processOCI(ctx, ref, output, intent, summary)
	}

	m.logger.Info("resolving project",
		zap.String("kind", string(ref.Kind)),
		zap.String("project", projectLabel(ref)))

	release, err := m.resolve(ctx, ref)
	if err != nil {
		return err
	}

	assets := release.Assets
	if ref.Kind != domain.RefDirect {
		assets = filter.Apply(assets)
	}

	selected, err := selector.Select(assets)
	if err != nil {
		return err
	}

	if len(selected) > 1 && output.Kind == domain.SinkFile {
		return &domain.PlanError{Reason: "multiple assets selected but --output names a single file"}
	}

	for _, asset := range selected {
		if err := ctx.Err(); err != nil {
			return domain.ErrCancelled
		}
		job := domain.NewDownloadJob(asset, output)
		job.Extract = intent.Extract
		job.ExtractDir = intent.ExtractDir
		m.runJob(ctx, job, summary)
	}
	return nil
}

// processOCI walks the manifest and fans blob downloads out under the
// configured concurrency bound. Manifest-addressed references are
// inherently multi-asset and reject single-file sinks at planning time;
// a digest reference names exactly one blob and is exempt.
func (m *DownloadManager) processOCI(
	ctx context.Context,
	ref domain.ProjectRef,
	output domain.OutputPlan,
	intent Intent,
	summary *RunSummary,
) error {
	if output.Kind == domain.SinkFile && !ref.IsDigest {
		return &domain.PlanError{Reason: "OCI image downloads are multi-asset; --output must be a directory or '-'"}
	}

	m.logger.Info("resolving OCI reference",
		zap.String("repository", ref.Repository),
		zap.String("reference", ref.Reference))

	release, err := m.oci.Resolve(ctx, ref, infrastructure.OCIOptions{})
	if err != nil {
		return err
	}

	concurrency := intent.Concurrency
	if concurrency < 1 {
		concurrency = m.cfg.Download.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, asset := range release.Assets {
		asset := asset
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return domain.ErrCancelled
			}
			job := domain.NewDownloadJob(asset, output)
			job.Extract = intent.Extract
			job.ExtractDir = intent.ExtractDir
			m.runJob(groupCtx, job, summary)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.ErrCancelled
	}
	return nil
}

func (m *DownloadManager) resolve(ctx context.Context, ref domain.ProjectRef) (*domain.Release, error) {
	switch ref.Kind {
	case domain.RefGitHub:
		return m.github.Resolve(ctx, ref)
	case domain.RefGitLab:
		return m.gitlab.Resolve(ctx, ref)
	default:
		return m.direct.Resolve(ctx, ref)
	}
}

// runJob executes one job, counts its outcome, and records it in the
// history store. A per-asset failure never propagates.
func (m *DownloadManager) runJob(ctx context.Context, job *domain.DownloadJob, summary *RunSummary) {
	result, err := m.engine.Run(ctx, job)

	switch {
	case err != nil:
		m.logger.Error("download failed",
			zap.String("name", job.Name),
			zap.String("url", job.URL),
			zap.Error(err))
	case result.Status == domain.JobSkipped:
		m.logger.Info("download skipped", zap.String("path", result.Path))
	default:
		m.logger.Info("download completed",
			zap.String("path", result.Path),
			zap.Int64("bytes", result.Bytes))
	}
	summary.add(result.Status, err)

	m.record(job, result, err)
}

// record is best-effort; history failures never fail a download.
func (m *DownloadManager) record(job *domain.DownloadJob, result *infrastructure.Result, jobErr error) {
	if m.history == nil || job.Output.Kind == domain.SinkStdout {
		return
	}
	rec := domain.NewDownloadRecord(job, result.Status, result.Path, result.Bytes, jobErr)
	if err := m.history.Record(rec); err != nil {
		m.logger.Warn("failed to record download history", zap.Error(err))
	}
}

func projectLabel(ref domain.ProjectRef) string {
	switch ref.Kind {
	case domain.RefDirect:
		return ref.URL
	case domain.RefOCI:
		return ref.Registry + "/" + ref.Repository
	default:
		return ref.Project
	}
}
