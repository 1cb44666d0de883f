package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgforge/soar-dl/internal/domain"
	"github.com/pkgforge/soar-dl/pkg/logger"
)

func newGitLabProvider(t *testing.T, handler http.Handler) *GitLabProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider := NewGitLabProvider(newTestClient(t, testClientConfig()), logger.NewDefault())
	provider.primaryBase = server.URL
	provider.mirrorBase = server.URL
	provider.token = ""
	return provider
}

func gitlabReleaseJSON(tag string, upcoming bool, assetNames ...string) map[string]any {
	links := make([]map[string]any, 0, len(assetNames))
	for _, name := range assetNames {
		links = append(links, map[string]any{
			"name":             name,
			"direct_asset_url": "https://example.com/" + name,
			"link_type":        "other",
		})
	}
	return map[string]any{
		"name":             tag,
		"tag_name":         tag,
		"upcoming_release": upcoming,
		"released_at":      "2024-06-01T12:00:00Z",
		"assets":           map[string]any{"links": links},
	}
}

func TestGitLab_ResolveLatest(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/inkscape%2Finkscape/releases", r.URL.EscapedPath())
		json.NewEncoder(w).Encode([]map[string]any{
			gitlabReleaseJSON("v2.0-rc", true, "rc-asset"),
			gitlabReleaseJSON("v1.4", false, "inkscape-x86_64.AppImage"),
		})
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "inkscape/inkscape"}
	release, err := provider.Resolve(context.Background(), ref)
	require.NoError(t, err)

	// The upcoming release is skipped in favor of the newest stable one.
	assert.Equal(t, "v1.4", release.Tag)
	require.Len(t, release.Assets, 1)
	assert.Equal(t, "inkscape-x86_64.AppImage", release.Assets[0].Name)
	assert.Equal(t, domain.SizeUnknown, release.Assets[0].Size)
}

func TestGitLab_NumericProjectID(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/18817634/releases", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{
			gitlabReleaseJSON("v1.0", false, "tool-linux-amd64"),
		})
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "18817634"}
	release, err := provider.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "v1.0", release.Tag)
}

func TestGitLab_TaggedRelease(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/group%2Fproj/releases/v1.2", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(gitlabReleaseJSON("v1.2", false, "asset"))
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "group/proj", Tag: "v1.2"}
	release, err := provider.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "v1.2", release.Tag)
}

func TestGitLab_TagPrefixFallback(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v4/projects/18817634/releases/v2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			gitlabReleaseJSON("v2.3.1", false, "asset"),
			gitlabReleaseJSON("v1.0.0", false, "old"),
		})
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "18817634", Tag: "v2"}
	release, err := provider.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "v2.3.1", release.Tag)
}

func TestGitLab_NoReleaseFound(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "group/empty"}
	_, err := provider.Resolve(context.Background(), ref)

	var noRelease *domain.NoReleaseError
	require.True(t, errors.As(err, &noRelease))
}

func TestGitLab_EmptyAssetSet(t *testing.T) {
	provider := newGitLabProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			gitlabReleaseJSON("v1.0", false),
		})
	}))

	ref := domain.ProjectRef{Kind: domain.RefGitLab, Project: "group/proj"}
	_, err := provider.Resolve(context.Background(), ref)
	assert.ErrorIs(t, err, domain.ErrEmptyAssetSet)
}

func TestEncodeProject(t *testing.T) {
	assert.Equal(t, "18817634", encodeProject("18817634"))
	assert.Equal(t, "group%2Fsub%2Fproj", encodeProject("group/sub/proj"))
}
