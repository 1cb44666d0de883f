package infrastructure

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/pkgforge/soar-dl/internal/domain"
)

// Engine streams one DownloadJob to its sink, handling resume, digest and
// checksum verification, progress emission, and archive extraction.
type Engine struct {
	client   *Client
	cfg      domain.DownloadConfig
	bus      *domain.ProgressBus
	prompter domain.Prompter
	stdout   io.Writer
	logger   *zap.Logger
}

// Result is a job's terminal state.
type Result struct {
	Status domain.JobStatus
	Path   string
	Bytes  int64
}

// NewEngine wires the engine. prompter may be nil when no interactive
// capability is available; bus may be nil to disable progress emission.
func NewEngine(client *Client, cfg domain.DownloadConfig, bus *domain.ProgressBus, prompter domain.Prompter, logger *zap.Logger) *Engine {
	return &Engine{
		client:   client,
		cfg:      cfg,
		bus:      bus,
		prompter: prompter,
		stdout:   os.Stdout,
		logger:   logger,
	}
}

// SetStdout redirects the stdout sink, mainly for tests.
func (e *Engine) SetStdout(w io.Writer) { e.stdout = w }

// resumeMeta holds the validators stored beside a partial download.
type resumeMeta struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Run executes a job to a terminal state. The returned error describes
// the failure when Status is JobFailed.
func (e *Engine) Run(ctx context.Context, job *domain.DownloadJob) (*Result, error) {
	if job.Output.Kind == domain.SinkStdout {
		return e.runStdout(ctx, job)
	}
	return e.runFile(ctx, job)
}

func (e *Engine) runStdout(ctx context.Context, job *domain.DownloadJob) (*Result, error) {
	resp, err := e.client.Stream(ctx, job.URL, job.Headers, 0)
	if err != nil {
		return &Result{Status: domain.JobFailed}, err
	}
	defer resp.Body.Close()

	total := contentTotal(resp, 0)
	verifier, err := newDigestVerifier(job.ExpectedDigest)
	if err != nil {
		return &Result{Status: domain.JobFailed}, err
	}

	var sink io.Writer = e.stdout
	if verifier != nil {
		sink = io.MultiWriter(e.stdout, verifier)
	}

	received, err := e.copyChunks(ctx, job, sink, resp.Body, 0, total)
	if err != nil {
		return &Result{Status: domain.JobFailed, Bytes: received}, err
	}
	if err := verifySize(job, received); err != nil {
		return &Result{Status: domain.JobFailed, Bytes: received}, err
	}
	if verifier != nil && !verifier.Verified() {
		return &Result{Status: domain.JobFailed, Bytes: received}, &domain.DigestMismatchError{
			Name: job.Name, Expected: job.ExpectedDigest,
		}
	}

	e.publish(job, received, total, domain.JobDone)
	return &Result{Status: domain.JobDone, Bytes: received}, nil
}

func (e *Engine) runFile(ctx context.Context, job *domain.DownloadJob) (*Result, error) {
	target, err := e.planTarget(ctx, job)
	if err != nil {
		return &Result{Status: domain.JobFailed}, err
	}

	partPath := target + ".part"
	metaPath := target + ".part.meta"

	proceed, status, err := e.applyExistingPolicy(job, target, partPath, metaPath)
	if err != nil || !proceed {
		e.publish(job, 0, job.ExpectedSize, status)
		return &Result{Status: status, Path: target}, err
	}

	result, err := e.stream(ctx, job, target, partPath, metaPath)
	if err != nil {
		e.publish(job, result.Bytes, job.ExpectedSize, domain.JobFailed)
		return result, err
	}

	if job.Extract {
		if err := e.extract(job, target); err != nil {
			// The download itself finished; extraction failure fails the
			// job but the archive stays on disk.
			result.Status = domain.JobFailed
			return result, err
		}
	}

	e.publish(job, result.Bytes, result.Bytes, domain.JobDone)
	return result, nil
}

// planTarget resolves the final file path, creating directories as
// needed. Jobs without a name borrow one from the server's
// Content-Disposition header or the redirected URL.
func (e *Engine) planTarget(ctx context.Context, job *domain.DownloadJob) (string, error) {
	switch job.Output.Kind {
	case domain.SinkFile:
		if dir := filepath.Dir(job.Output.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		return job.Output.Path, nil
	case domain.SinkDir:
		if err := os.MkdirAll(job.Output.Path, 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", job.Output.Path, err)
		}
		name := job.Name
		if name == "" {
			resolved, err := e.resolveName(ctx, job)
			if err != nil {
				return "", err
			}
			name = resolved
			job.Name = name
		}
		return filepath.Join(job.Output.Path, name), nil
	default:
		return "", &domain.PlanError{Reason: fmt.Sprintf("unsupported sink kind %q", job.Output.Kind)}
	}
}

// resolveName asks the server for a filename when the URL itself has no
// usable basename.
func (e *Engine) resolveName(ctx context.Context, job *domain.DownloadJob) (string, error) {
	resp, err := e.client.Head(ctx, job.URL, job.Headers)
	if err != nil {
		return "", err
	}
	if name := filenameFromDisposition(resp.Header.Get("Content-Disposition")); name != "" {
		return name, nil
	}
	if name := filenameFromURL(resp.Request.URL.String()); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("couldn't derive a filename for %s; provide one explicitly", job.URL)
}

// applyExistingPolicy decides what to do with whatever is already on disk
// for this job: a finished target, a resumable .part file, or both. A
// bare .part file is not a finished download, so Skip and Prompt let it
// resume; Force discards it along with the target.
func (e *Engine) applyExistingPolicy(job *domain.DownloadJob, target, partPath, metaPath string) (proceed bool, status domain.JobStatus, err error) {
	targetExists := fileExists(target)
	partExists := fileExists(partPath)
	if !targetExists && !partExists {
		return true, domain.JobStarting, nil
	}

	switch job.Output.Mode {
	case domain.OverwriteSkip:
		if !targetExists {
			return true, domain.JobResuming, nil
		}
		e.logger.Info("target exists, skipping", zap.String("path", target))
		return false, domain.JobSkipped, nil
	case domain.OverwriteForce:
		if targetExists {
			if err := os.Remove(target); err != nil {
				return false, domain.JobFailed, fmt.Errorf("failed to remove %s: %w", target, err)
			}
		}
		discardPart(partPath, metaPath)
		return true, domain.JobStarting, nil
	case domain.OverwritePrompt:
		if !targetExists {
			return true, domain.JobResuming, nil
		}
		if e.prompter == nil {
			return false, domain.JobFailed, &domain.PlanError{Reason: "overwrite prompt requested but no prompt capability is wired"}
		}
		ok, err := e.prompter.ConfirmOverwrite(target)
		if err != nil {
			return false, domain.JobFailed, err
		}
		if !ok {
			return false, domain.JobSkipped, nil
		}
		if err := os.Remove(target); err != nil {
			return false, domain.JobFailed, fmt.Errorf("failed to remove %s: %w", target, err)
		}
		return true, domain.JobStarting, nil
	default:
		if targetExists && !partExists {
			return false, domain.JobFailed, fmt.Errorf("%s already exists; pass --force-overwrite or --skip-existing", target)
		}
		return true, domain.JobResuming, nil
	}
}

// stream pulls the job's bytes into target, resuming a .part file when
// the server cooperates. A stale validator or an unsatisfiable range
// restarts once from zero.
func (e *Engine) stream(ctx context.Context, job *domain.DownloadJob, target, partPath, metaPath string) (*Result, error) {
	existing := partSize(partPath)
	meta := readResumeMeta(metaPath)

	// A part file larger than the announced size cannot be trusted.
	if job.ExpectedSize != domain.SizeUnknown && existing > job.ExpectedSize {
		discardPart(partPath, metaPath)
		existing = 0
		meta = resumeMeta{}
	}

	restarted := false
	for {
		status := domain.JobStarting
		if existing > 0 {
			status = domain.JobResuming
		}
		e.publish(job, existing, job.ExpectedSize, status)

		headers := cloneHeader(job.Headers)
		if existing > 0 {
			if meta.ETag != "" {
				headers.Set("If-Range", meta.ETag)
			} else if meta.LastModified != "" {
				headers.Set("If-Range", meta.LastModified)
			}
		}

		resp, err := e.client.Stream(ctx, job.URL, headers, existing)
		if err != nil {
			if !restarted && existing > 0 && isRangeNotSatisfiable(err) {
				discardPart(partPath, metaPath)
				existing, meta, restarted = 0, resumeMeta{}, true
				continue
			}
			return &Result{Status: domain.JobFailed, Path: target}, err
		}

		remote := resumeMeta{
			ETag:         resp.Header.Get("Etag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if !restarted && existing > 0 && staleValidators(meta, remote) {
			resp.Body.Close()
			discardPart(partPath, metaPath)
			existing, meta, restarted = 0, resumeMeta{}, true
			continue
		}

		// A 200 means the server ignored the range; pre-existing local
		// bytes must be discarded.
		if existing > 0 && resp.Status == http.StatusOK {
			discardPart(partPath, metaPath)
			existing = 0
		}

		result, err := e.writeBody(ctx, job, resp, target, partPath, metaPath, existing, remote)
		resp.Body.Close()
		return result, err
	}
}

func (e *Engine) writeBody(ctx context.Context, job *domain.DownloadJob, resp *StreamResponse, target, partPath, metaPath string, existing int64, remote resumeMeta) (*Result, error) {
	total := contentTotal(resp, existing)

	verifier, err := newDigestVerifier(job.ExpectedDigest)
	if err != nil {
		return &Result{Status: domain.JobFailed, Path: target}, err
	}
	checksum := e.fetchChecksum(ctx, job)

	// Resumed bytes were written before the hashers existed; replay them.
	if existing > 0 && (verifier != nil || checksum != nil) {
		if err := replayPart(partPath, verifier, checksum); err != nil {
			return &Result{Status: domain.JobFailed, Path: target}, err
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if existing == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return &Result{Status: domain.JobFailed, Path: target}, fmt.Errorf("failed to open %s: %w", partPath, err)
	}

	writeResumeMeta(metaPath, remote)

	var sink io.Writer = file
	if verifier != nil && checksum != nil {
		sink = io.MultiWriter(file, verifier, checksum)
	} else if verifier != nil {
		sink = io.MultiWriter(file, verifier)
	} else if checksum != nil {
		sink = io.MultiWriter(file, checksum)
	}

	received, copyErr := e.copyChunks(ctx, job, sink, resp.Body, existing, total)
	closeErr := file.Close()

	if copyErr != nil {
		// The partial stays on disk; it is still a valid resume base.
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, copyErr
	}
	if closeErr != nil {
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, fmt.Errorf("failed to close %s: %w", partPath, closeErr)
	}

	e.publish(job, received, total, domain.JobFinalizing)

	if err := verifySize(job, received); err != nil {
		var sizeErr *domain.SizeMismatchError
		if errors.As(err, &sizeErr) && sizeErr.Received > sizeErr.Expected {
			discardPart(partPath, metaPath)
		}
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, err
	}
	if verifier != nil && !verifier.Verified() {
		discardPart(partPath, metaPath)
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, &domain.DigestMismatchError{
			Name: job.Name, Expected: job.ExpectedDigest,
		}
	}
	if checksum != nil && checksum.expected != hex.EncodeToString(checksum.Sum(nil)) {
		discardPart(partPath, metaPath)
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, &domain.ChecksumMismatchError{
			Name:     job.Name,
			Expected: checksum.expected,
			Actual:   hex.EncodeToString(checksum.Sum(nil)),
		}
	}

	if err := os.Rename(partPath, target); err != nil {
		return &Result{Status: domain.JobFailed, Path: target, Bytes: received}, fmt.Errorf("failed to finalize %s: %w", target, err)
	}
	os.Remove(metaPath)

	if isELF(target) {
		os.Chmod(target, 0755)
	}

	return &Result{Status: domain.JobDone, Path: target, Bytes: received}, nil
}

// copyChunks is the fixed-buffer transfer loop. Progress events are
// throttled per job; the final byte count is always published by the
// caller's terminal event.
func (e *Engine) copyChunks(ctx context.Context, job *domain.DownloadJob, dst io.Writer, src io.Reader, start, total int64) (int64, error) {
	chunkSize := e.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	buf := make([]byte, chunkSize)

	received := start
	lastEmit := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return received, domain.ErrCancelled
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("failed to write chunk: %w", err)
			}
			received += int64(n)

			if now := time.Now(); now.Sub(lastEmit) >= e.progressInterval() {
				lastEmit = now
				e.publish(job, received, total, domain.JobStreaming)
			}
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return received, domain.ErrCancelled
			}
			return received, &domain.NetworkError{Transient: true, Err: readErr}
		}
	}
}

func (e *Engine) progressInterval() time.Duration {
	if e.cfg.ProgressMin > 0 {
		return e.cfg.ProgressMin
	}
	return 33 * time.Millisecond
}

func (e *Engine) publish(job *domain.DownloadJob, received, total int64, status domain.JobStatus) {
	e.bus.Publish(domain.ProgressEvent{
		JobID:    job.ID,
		Name:     job.Name,
		Received: received,
		Total:    total,
		Status:   status,
	})
}

func (e *Engine) extract(job *domain.DownloadJob, target string) error {
	dir := job.ExtractDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(target), archiveStem(filepath.Base(target)))
	}
	e.logger.Info("extracting archive",
		zap.String("archive", target), zap.String("dir", dir))
	return ExtractArchive(target, dir)
}

// checksumHash is a running BLAKE3 hash plus the sidecar-announced value
// it must land on.
type checksumHash struct {
	hash.Hash
	expected string
}

// fetchChecksum opportunistically pulls a `.b3sum` sibling of the asset
// URL. Absence is not an error; a present sidecar makes verification
// mandatory.
func (e *Engine) fetchChecksum(ctx context.Context, job *domain.DownloadJob) *checksumHash {
	if job.ExpectedDigest != "" || !strings.HasPrefix(job.URL, "http") {
		return nil
	}

	resp, err := e.client.Do(ctx, http.MethodGet, job.URL+".b3sum", job.Headers)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || !isHex(fields[0]) {
		return nil
	}

	e.logger.Debug("found checksum sidecar", zap.String("url", job.URL+".b3sum"))
	h := blake3.New(32, nil)
	return &checksumHash{Hash: h, expected: strings.ToLower(fields[0])}
}

func newDigestVerifier(expected string) (digest.Verifier, error) {
	if expected == "" {
		return nil, nil
	}
	dgst, err := digest.Parse(expected)
	if err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", expected, err)
	}
	return dgst.Verifier(), nil
}

func verifySize(job *domain.DownloadJob, received int64) error {
	if job.ExpectedSize == domain.SizeUnknown || received == job.ExpectedSize {
		return nil
	}
	return &domain.SizeMismatchError{Name: job.Name, Expected: job.ExpectedSize, Received: received}
}

func replayPart(partPath string, verifier digest.Verifier, checksum *checksumHash) error {
	f, err := os.Open(partPath)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", partPath, err)
	}
	defer f.Close()

	var sinks []io.Writer
	if verifier != nil {
		sinks = append(sinks, verifier)
	}
	if checksum != nil {
		sinks = append(sinks, checksum)
	}
	if _, err := io.Copy(io.MultiWriter(sinks...), f); err != nil {
		return fmt.Errorf("failed to rehash %s: %w", partPath, err)
	}
	return nil
}

func partSize(partPath string) int64 {
	info, err := os.Stat(partPath)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

func readResumeMeta(metaPath string) resumeMeta {
	var meta resumeMeta
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return meta
	}
	json.Unmarshal(data, &meta)
	return meta
}

func writeResumeMeta(metaPath string, meta resumeMeta) {
	if meta.ETag == "" && meta.LastModified == "" {
		return
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	os.WriteFile(metaPath, data, 0644)
}

func discardPart(partPath, metaPath string) {
	os.Remove(partPath)
	os.Remove(metaPath)
}

func staleValidators(stored, remote resumeMeta) bool {
	if stored.ETag != "" && remote.ETag != "" && stored.ETag != remote.ETag {
		return true
	}
	if stored.LastModified != "" && remote.LastModified != "" && stored.LastModified != remote.LastModified {
		return true
	}
	return false
}

func isRangeNotSatisfiable(err error) bool {
	var httpErr *domain.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusRequestedRangeNotSatisfiable
}

// contentTotal derives the full body size from Content-Range (206) or
// Content-Length (200), SizeUnknown when neither is usable.
func contentTotal(resp *StreamResponse, existing int64) int64 {
	if resp.Status == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if _, totalStr, ok := strings.Cut(cr, "/"); ok {
				if total, err := strconv.ParseInt(totalStr, 10, 64); err == nil {
					return total
				}
			}
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if length, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return length + existing
		}
	}
	return domain.SizeUnknown
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// archiveStem strips the archive suffix from a filename to name the
// default extraction directory.
func archiveStem(name string) string {
	for _, suffix := range []string{".tar.gz", ".tar.xz", ".tar.zst", ".tar.bz2", ".tgz", ".txz", ".tzst", ".tbz2", ".tar", ".zip", ".gz", ".xz", ".zst", ".bz2"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx]
	}
	return name + ".extracted"
}
