package infrastructure

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pkgforge/soar-dl/internal/domain"
)

const (
	gitlabPrimaryBase = "https://gitlab.com"
	gitlabMirrorBase  = "https://api.gl.pkgforge.dev"
	gitlabTokenEnv    = "GITLAB_TOKEN"
)

// GitLabProvider resolves GitLab release references into asset lists.
type GitLabProvider struct {
	client      *Client
	primaryBase string
	mirrorBase  string
	token       string
	logger      *zap.Logger
}

// NewGitLabProvider builds a provider against gitlab.com with the
// pkgforge mirror tried first.
func NewGitLabProvider(client *Client, logger *zap.Logger) *GitLabProvider {
	return &GitLabProvider{
		client:      client,
		primaryBase: gitlabPrimaryBase,
		mirrorBase:  gitlabMirrorBase,
		token:       strings.TrimSpace(os.Getenv(gitlabTokenEnv)),
		logger:      logger,
	}
}

type gitlabAsset struct {
	Name           string `json:"name"`
	DirectAssetURL string `json:"direct_asset_url"`
	LinkType       string `json:"link_type"`
}

type gitlabRelease struct {
	Name            string `json:"name"`
	TagName         string `json:"tag_name"`
	UpcomingRelease bool   `json:"upcoming_release"`
	ReleasedAt      string `json:"released_at"`
	Assets          struct {
		Links []gitlabAsset `json:"links"`
	} `json:"assets"`
}

// Resolve fetches the project's releases, picks the one named by ref (the
// newest non-upcoming release when no tag is given), and flattens its
// asset links.
func (p *GitLabProvider) Resolve(ctx context.Context, ref domain.ProjectRef) (*domain.Release, error) {
	apiPath := "/api/v4/projects/" + encodeProject(ref.Project) + "/releases"

	var release *gitlabRelease
	if ref.Tag != "" {
		// Exact tag lookup first; fall back to a prefix match over the
		// listing when the tag does not name a release directly.
		var tagged gitlabRelease
		err := p.getJSON(ctx, apiPath+"/"+url.PathEscape(ref.Tag), &tagged)
		switch {
		case err == nil:
			release = &tagged
		case !isNotFound(err):
			return nil, err
		}
	}

	if release == nil {
		releases, err := p.listReleases(ctx, apiPath)
		if err != nil {
			return nil, err
		}
		release = pickGitlabRelease(releases, ref.Tag)
	}

	if release == nil {
		return nil, &domain.NoReleaseError{Project: ref.Project, Tag: ref.Tag}
	}
	if len(release.Assets.Links) == 0 {
		return nil, domain.ErrEmptyAssetSet
	}

	return release.toDomain(), nil
}

func (p *GitLabProvider) listReleases(ctx context.Context, apiPath string) ([]gitlabRelease, error) {
	var releases []gitlabRelease
	if err := p.getJSON(ctx, apiPath, &releases); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return releases, nil
}

func pickGitlabRelease(releases []gitlabRelease, tag string) *gitlabRelease {
	if tag != "" {
		for i := range releases {
			if strings.HasPrefix(releases[i].TagName, tag) {
				return &releases[i]
			}
		}
		return nil
	}
	for i := range releases {
		if !releases[i].UpcomingRelease {
			return &releases[i]
		}
	}
	if len(releases) > 0 {
		return &releases[0]
	}
	return nil
}

func (p *GitLabProvider) getJSON(ctx context.Context, path string, v any) error {
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

func (r *gitlabRelease) toDomain() *domain.Release {
	release := &domain.Release{
		Tag:        r.TagName,
		Prerelease: r.UpcomingRelease,
		Assets:     make([]domain.Asset, 0, len(r.Assets.Links)),
	}
	if t, err := time.Parse(time.RFC3339, r.ReleasedAt); err == nil {
		release.CreatedAt = t
	}
	for _, link := range r.Assets.Links {
		release.Assets = append(release.Assets, domain.Asset{
			Name:        link.Name,
			DownloadURL: link.DirectAssetURL,
			Size:        domain.SizeUnknown,
			ContentType: link.LinkType,
		})
	}
	return release
}

// encodeProject percent-encodes a namespace/project path as a single path
// parameter; numeric project ids pass through unchanged.
func encodeProject(project string) string {
	if isAllDigits(project) {
		return project
	}
	return url.PathEscape(project)
}
