package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pkgforge/soar-dl/internal/domain"
)

const (
	githubPrimaryBase = "https://api.github.com"
	githubMirrorBase  = "https://api.gh.pkgforge.dev"
	githubTokenEnv    = "GITHUB_TOKEN"

	releasesPerPage  = 100
	releasesMaxPages = 5
)

// GitHubProvider resolves GitHub release references into asset lists.
type GitHubProvider struct {
	client      *Client
	primaryBase string
	mirrorBase  string
	token       string
	logger      *zap.Logger
}

// NewGitHubProvider builds a provider against the public GitHub API with
// the pkgforge mirror tried first.
func NewGitHubProvider(client *Client, logger *zap.Logger) *GitHubProvider {
	return &GitHubProvider{
		client:      client,
		primaryBase: githubPrimaryBase,
		mirrorBase:  githubMirrorBase,
		token:       strings.TrimSpace(os.Getenv(githubTokenEnv)),
		logger:      logger,
	}
}

type githubAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	ContentType        string `json:"content_type"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt string        `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

// Resolve fetches the release named by ref (latest when no tag is given)
// and enumerates its assets.
func (p *GitHubProvider) Resolve(ctx context.Context, ref domain.ProjectRef) (*domain.Release, error) {
	apiPath := p.apiPath(ref.Project)

	var release *githubRelease
	var err error
	if ref.Tag != "" {
		release, err = p.fetchTagged(ctx, apiPath, ref.Tag)
	} else {
		release, err = p.fetchLatest(ctx, apiPath)
	}
	if err != nil {
		return nil, err
	}
	if release == nil {
		return nil, &domain.NoReleaseError{Project: ref.Project, Tag: ref.Tag}
	}
	if len(release.Assets) == 0 {
		return nil, domain.ErrEmptyAssetSet
	}

	return release.toDomain(), nil
}

func (p *GitHubProvider) apiPath(project string) string {
	if isAllDigits(project) {
		return "/repositories/" + project
	}
	return "/repos/" + project
}

func (p *GitHubProvider) fetchTagged(ctx context.Context, apiPath, tag string) (*githubRelease, error) {
	var release githubRelease
	err := p.getJSON(ctx, apiPath+"/releases/tags/"+tag, &release)
	if err == nil {
		return &release, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	// No exact tag; fall back to the paginated listing and take the
	// newest release whose tag starts with the requested string.
	releases, err := p.listReleases(ctx, apiPath)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if strings.HasPrefix(releases[i].TagName, tag) {
			return &releases[i], nil
		}
	}
	return nil, nil
}

func (p *GitHubProvider) fetchLatest(ctx context.Context, apiPath string) (*githubRelease, error) {
	var release githubRelease
	err := p.getJSON(ctx, apiPath+"/releases/latest", &release)
	if err == nil {
		return &release, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	releases, err := p.listReleases(ctx, apiPath)
	if err != nil {
		return nil, err
	}
	for i := range releases {
		if !releases[i].Prerelease {
			return &releases[i], nil
		}
	}
	if len(releases) > 0 {
		return &releases[0], nil
	}
	return nil, nil
}

func (p *GitHubProvider) listReleases(ctx context.Context, apiPath string) ([]githubRelease, error) {
	var all []githubRelease
	for page := 1; page <= releasesMaxPages; page++ {
		var batch []githubRelease
		path := fmt.Sprintf("%s/releases?per_page=%d&page=%d", apiPath, releasesPerPage, page)
		if err := p.getJSON(ctx, path, &batch); err != nil {
			if isNotFound(err) {
				break
			}
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < releasesPerPage {
			break
		}
	}
	return all, nil
}

// getJSON tries the mirror host first and falls back to the primary API
// on auth, rate-limit, and server errors. The token only travels to the
// primary host.
func (p *GitHubProvider) getJSON(ctx context.Context, path string, v any) error {
	err := p.client.GetJSON(ctx, p.mirrorBase+path, nil, v)
	if err == nil || !fallbackWorthy(err) {
		return err
	}

	p.logger.Debug("mirror failed, falling back to primary API",
		zap.String("path", path), zap.Error(err))

	headers := make(http.Header)
	if p.token != "" {
		headers.Set("Authorization", "Bearer "+p.token)
	}
	return p.client.GetJSON(ctx, p.primaryBase+path, headers, v)
}

func (r *githubRelease) toDomain() *domain.Release {
	release := &domain.Release{
		Tag:        r.TagName,
		Prerelease: r.Prerelease,
		Assets:     make([]domain.Asset, 0, len(r.Assets)),
	}
	if t, err := time.Parse(time.RFC3339, r.PublishedAt); err == nil {
		release.CreatedAt = t
	}
	for _, a := range r.Assets {
		release.Assets = append(release.Assets, domain.Asset{
			Name:        a.Name,
			DownloadURL: a.BrowserDownloadURL,
			Size:        a.Size,
			ContentType: a.ContentType,
		})
	}
	return release
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isNotFound(err error) bool {
	var httpErr *domain.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

func fallbackWorthy(err error) bool {
	var httpErr *domain.HTTPError
	if errors.As(err, &httpErr) {
		return shouldFallback(httpErr.Status)
	}
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var netErr *domain.NetworkError
	return errors.As(err, &netErr)
}
