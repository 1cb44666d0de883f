package domain

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SinkKind is where a download's bytes end up.
type SinkKind string

const (
	SinkFile   SinkKind = "file"
	SinkDir    SinkKind = "dir"
	SinkStdout SinkKind = "stdout"
)

// OverwriteMode is the policy applied when the target file already exists.
type OverwriteMode string

const (
	// OverwriteResume resumes a partial download when a .part file exists
	// and fails on a completed-file collision.
	OverwriteResume OverwriteMode = "resume"
	OverwriteSkip   OverwriteMode = "skip"
	OverwriteForce  OverwriteMode = "force"
	OverwritePrompt OverwriteMode = "prompt"
)

// OutputPlan describes the sink for one run. If a run yields more than one
// asset, Kind must be SinkDir or SinkStdout.
type OutputPlan struct {
	Kind SinkKind
	Path string
	Mode OverwriteMode
}

// ParseOutputPlan interprets an --output argument: "-" is stdout, a
// trailing separator (or an existing directory, decided by the caller)
// is a directory, anything else is a single file. An empty argument means
// the current directory.
func ParseOutputPlan(output string, mode OverwriteMode) OutputPlan {
	switch {
	case output == "-":
		return OutputPlan{Kind: SinkStdout, Mode: mode}
	case output == "":
		return OutputPlan{Kind: SinkDir, Path: ".", Mode: mode}
	case output[len(output)-1] == '/':
		return OutputPlan{Kind: SinkDir, Path: output[:len(output)-1], Mode: mode}
	default:
		return OutputPlan{Kind: SinkFile, Path: output, Mode: mode}
	}
}

// JobStatus is the lifecycle state of a DownloadJob.
type JobStatus string

const (
	JobPlanned    JobStatus = "planned"
	JobStarting   JobStatus = "starting"
	JobResuming   JobStatus = "resuming"
	JobStreaming  JobStatus = "streaming"
	JobFinalizing JobStatus = "finalizing"
	JobDone       JobStatus = "done"
	JobSkipped    JobStatus = "skipped"
	JobFailed     JobStatus = "failed"
)

// DownloadJob is one unit of transfer work, constructed by the
// orchestrator and consumed by the download engine.
type DownloadJob struct {
	ID             string
	URL            string
	Name           string
	Headers        http.Header
	ExpectedSize   int64 // SizeUnknown when not announced
	ExpectedDigest string
	Output         OutputPlan
	Extract        bool
	ExtractDir     string
	CreatedAt      time.Time
}

// NewDownloadJob builds a job for one asset against a sink. Providers set
// Asset.Size to SizeUnknown when the API does not report one.
func NewDownloadJob(asset Asset, output OutputPlan) *DownloadJob {
	return &DownloadJob{
		ID:             uuid.New().String(),
		URL:            asset.DownloadURL,
		Name:           asset.Name,
		Headers:        asset.Headers,
		ExpectedSize:   asset.Size,
		ExpectedDigest: asset.Digest,
		Output:         output,
		CreatedAt:      time.Now(),
	}
}
