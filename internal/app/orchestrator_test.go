package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgforge/soar-dl/internal/domain"
	"github.com/pkgforge/soar-dl/internal/infrastructure"
	"github.com/pkgforge/soar-dl/pkg/logger"
)

// memoryHistory implements domain.HistoryRepository in memory.
type memoryHistory struct {
	records []*domain.DownloadRecord
}

func (m *memoryHistory) Record(record *domain.DownloadRecord) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memoryHistory) Recent(limit int) ([]*domain.DownloadRecord, error) {
	return m.records, nil
}

func (m *memoryHistory) Count() (int64, error) {
	return int64(len(m.records)), nil
}

func newTestManager(t *testing.T, history domain.HistoryRepository) *DownloadManager {
	t.Helper()
	cfg := domain.DefaultConfig()
	log := logger.NewDefault()

	client, err := infrastructure.NewClient(cfg.HTTP, nil, log)
	require.NoError(t, err)

	engine := infrastructure.NewEngine(client, cfg.Download, nil, nil, log)
	return NewDownloadManager(cfg, client, engine, "", nil, history, log)
}

func fileServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExecute_DirectDownloads(t *testing.T) {
	server := fileServer(t, map[string][]byte{
		"/a.bin": []byte("aaa"),
		"/b.bin": []byte("bbbb"),
	})
	dir := t.TempDir()
	history := &memoryHistory{}
	manager := newTestManager(t, history)

	summary, err := manager.Execute(context.Background(), Intent{
		Links:  []string{server.URL + "/a.bin", server.URL + "/b.bin"},
		Output: dir + "/",
		Mode:   domain.OverwriteResume,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.FileExists(t, filepath.Join(dir, "a.bin"))
	assert.FileExists(t, filepath.Join(dir, "b.bin"))
	assert.Len(t, history.records, 2)
	assert.Equal(t, domain.JobDone, history.records[0].Status)
}

func TestExecute_FailureContinuesToNextProject(t *testing.T) {
	server := fileServer(t, map[string][]byte{
		"/good.bin": []byte("ok"),
	})
	dir := t.TempDir()
	manager := newTestManager(t, nil)

	summary, err := manager.Execute(context.Background(), Intent{
		Links:  []string{server.URL + "/missing.bin", server.URL + "/good.bin"},
		Output: dir + "/",
		Mode:   domain.OverwriteResume,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.FileExists(t, filepath.Join(dir, "good.bin"))
}

func TestExecute_InvalidRefCountsAsFailure(t *testing.T) {
	manager := newTestManager(t, nil)

	summary, err := manager.Execute(context.Background(), Intent{
		GitHub: []string{"not-a-project"},
		Output: t.TempDir() + "/",
		Mode:   domain.OverwriteResume,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
}

func TestExecute_OCIWithFileSinkIsPlanError(t *testing.T) {
	manager := newTestManager(t, nil)

	_, err := manager.Execute(context.Background(), Intent{
		Ghcr:   []string{"ghcr.io/pkgforge/soar:latest"},
		Output: "single-file",
		Mode:   domain.OverwriteResume,
	})

	var planErr *domain.PlanError
	require.True(t, errors.As(err, &planErr))
}

func TestExecute_InvalidFilterIsPlanError(t *testing.T) {
	manager := newTestManager(t, nil)

	_, err := manager.Execute(context.Background(), Intent{
		Links:  []string{"https://example.com/x"},
		Filter: domain.FilterPlan{Regexes: []string{"("}},
	})

	var planErr *domain.PlanError
	require.True(t, errors.As(err, &planErr))
}

func TestExecute_SkipExistingSecondRun(t *testing.T) {
	server := fileServer(t, map[string][]byte{"/a.bin": []byte("aaa")})
	dir := t.TempDir()
	manager := newTestManager(t, nil)

	intent := Intent{
		Links:  []string{server.URL + "/a.bin"},
		Output: dir + "/",
		Mode:   domain.OverwriteSkip,
	}

	summary, err := manager.Execute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	summary, err = manager.Execute(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
}

func TestExecute_CancelledContext(t *testing.T) {
	manager := newTestManager(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.Execute(ctx, Intent{
		Links: []string{"https://example.com/x"},
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestPlanOutput_ExistingDirWithoutSlash(t *testing.T) {
	manager := newTestManager(t, nil)
	dir := t.TempDir()

	plan := manager.planOutput(Intent{Output: dir, Mode: domain.OverwriteResume})
	assert.Equal(t, domain.SinkDir, plan.Kind)
	assert.Equal(t, dir, plan.Path)

	plan = manager.planOutput(Intent{Output: filepath.Join(dir, "newfile"), Mode: domain.OverwriteResume})
	assert.Equal(t, domain.SinkFile, plan.Kind)
}

func TestExecute_StdoutSinkWritesNoHistory(t *testing.T) {
	server := fileServer(t, map[string][]byte{"/a.bin": []byte("aaa")})
	history := &memoryHistory{}
	manager := newTestManager(t, history)

	// Redirect the engine's stdout so test output stays clean.
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer devnull.Close()
	manager.engine.SetStdout(devnull)

	summary, err := manager.Execute(context.Background(), Intent{
		Links:  []string{server.URL + "/a.bin"},
		Output: "-",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, history.records)
}
