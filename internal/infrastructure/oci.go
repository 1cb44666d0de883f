package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/pkgforge/soar-dl/internal/domain"
)

const (
	dockerManifestMediaType     = "application/vnd.docker.distribution.manifest.v2+json"
	dockerManifestListMediaType = "application/vnd.docker.distribution.manifest.list.v2+json"

	layerTitleAnnotation = "org.opencontainers.image.title"

	defaultTokenTTL = 5 * time.Minute
	tokenSlack      = 30 * time.Second
)

var manifestAccept = strings.Join([]string{
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
	dockerManifestListMediaType,
	dockerManifestMediaType,
}, ", ")

// OCIProvider walks a registry's index/manifest tree and yields blob
// descriptors as downloadable assets.
type OCIProvider struct {
	client      *Client
	apiOverride string
	logger      *zap.Logger

	// Bearer tokens keyed by registry/repository. The lock is held while a
	// token is looked up or refreshed, including the challenge and token
	// requests of a refresh, never across manifest or blob transfers.
	mu     sync.Mutex
	tokens map[string]bearerToken
}

type bearerToken struct {
	value   string
	expires time.Time
}

// OCIOptions adjusts a single resolution.
type OCIOptions struct {
	// IncludeConfig also downloads the image config blob.
	IncludeConfig bool
}

// NewOCIProvider builds a provider. apiOverride, when non-empty, replaces
// the default `https://<registry>/v2` endpoint.
func NewOCIProvider(client *Client, apiOverride string, logger *zap.Logger) *OCIProvider {
	return &OCIProvider{
		client:      client,
		apiOverride: strings.TrimSuffix(apiOverride, "/"),
		logger:      logger,
		tokens:      make(map[string]bearerToken),
	}
}

// manifestDocument is the union of an OCI/Docker index and manifest; the
// populated fields decide which one arrived.
type manifestDocument struct {
	MediaType string               `json:"mediaType"`
	Manifests []ocispec.Descriptor `json:"manifests"`
	Config    *ocispec.Descriptor  `json:"config"`
	Layers    []ocispec.Descriptor `json:"layers"`
}

// Resolve fetches the manifest named by ref, descending through a
// multi-arch index when needed, and returns one asset per blob. A digest
// reference skips manifest traversal and addresses a single blob.
func (p *OCIProvider) Resolve(ctx context.Context, ref domain.ProjectRef, opts OCIOptions) (*domain.Release, error) {
	token, err := p.token(ctx, ref)
	if err != nil {
		return nil, err
	}
	headers := p.blobHeaders(token)

	if ref.IsDigest {
		name := ref.Repository
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		return &domain.Release{
			Tag: ref.Reference,
			Assets: []domain.Asset{{
				Name:        name,
				DownloadURL: p.blobURL(ref, ref.Reference),
				Size:        domain.SizeUnknown,
				Digest:      ref.Reference,
				Headers:     headers,
			}},
		}, nil
	}

	doc, err := p.fetchManifest(ctx, ref, ref.Reference, token)
	if err != nil {
		return nil, err
	}

	if len(doc.Manifests) > 0 {
		selected, err := selectPlatformManifest(doc.Manifests)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("selected platform manifest",
			zap.String("digest", selected.Digest.String()),
			zap.String("arch", hostArch()))
		doc, err = p.fetchManifest(ctx, ref, selected.Digest.String(), token)
		if err != nil {
			return nil, err
		}
	}

	var descriptors []ocispec.Descriptor
	if opts.IncludeConfig && doc.Config != nil {
		descriptors = append(descriptors, *doc.Config)
	}
	descriptors = append(descriptors, doc.Layers...)
	if len(descriptors) == 0 {
		return nil, domain.ErrEmptyAssetSet
	}

	assets := make([]domain.Asset, 0, len(descriptors))
	for _, desc := range descriptors {
		assets = append(assets, domain.Asset{
			Name:        layerFilename(desc),
			DownloadURL: p.blobURL(ref, desc.Digest.String()),
			Size:        desc.Size,
			ContentType: desc.MediaType,
			Digest:      desc.Digest.String(),
			Headers:     headers,
		})
	}

	return &domain.Release{Tag: ref.Reference, Assets: assets}, nil
}

func (p *OCIProvider) fetchManifest(ctx context.Context, ref domain.ProjectRef, reference, token string) (*manifestDocument, error) {
	headers := make(http.Header)
	headers.Set("Accept", manifestAccept)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	var doc manifestDocument
	if err := p.client.GetJSON(ctx, p.manifestURL(ref, reference), headers, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *OCIProvider) base(ref domain.ProjectRef) string {
	if p.apiOverride != "" {
		return p.apiOverride
	}
	return "https://" + ref.Registry + "/v2"
}

func (p *OCIProvider) manifestURL(ref domain.ProjectRef, reference string) string {
	return fmt.Sprintf("%s/%s/manifests/%s", p.base(ref), ref.Repository, reference)
}

func (p *OCIProvider) blobURL(ref domain.ProjectRef, dgst string) string {
	return fmt.Sprintf("%s/%s/blobs/%s", p.base(ref), ref.Repository, dgst)
}

func (p *OCIProvider) blobHeaders(token string) http.Header {
	if token == "" {
		return nil
	}
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)
	return headers
}

// token returns a bearer token for the repository, negotiating one via
// the registry's Www-Authenticate challenge on first use and refreshing
// it transparently once it expires.
func (p *OCIProvider) token(ctx context.Context, ref domain.ProjectRef) (string, error) {
	key := ref.Registry + "/" + ref.Repository

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.tokens[key]; ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	resp, err := p.client.Head(ctx, p.manifestURL(ref, ref.Reference), http.Header{"Accept": []string{manifestAccept}})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		// Anonymous access is good enough.
		return "", nil
	}

	challenge := resp.Header.Get("Www-Authenticate")
	realm, service, scope := parseBearerChallenge(challenge)
	if realm == "" {
		return "", &domain.AuthError{Status: resp.StatusCode, URL: p.manifestURL(ref, ref.Reference)}
	}
	if scope == "" {
		scope = "repository:" + ref.Repository + ":pull"
	}

	tokenURL := realm + "?" + url.Values{"service": {service}, "scope": {scope}}.Encode()

	var grant struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.client.GetJSON(ctx, tokenURL, nil, &grant); err != nil {
		return "", err
	}

	value := grant.Token
	if value == "" {
		value = grant.AccessToken
	}
	if value == "" {
		return "", &domain.AuthError{Status: http.StatusUnauthorized, URL: tokenURL}
	}

	ttl := defaultTokenTTL
	if grant.ExpiresIn > 0 {
		ttl = time.Duration(grant.ExpiresIn) * time.Second
	}
	if ttl > tokenSlack {
		ttl -= tokenSlack
	}
	p.tokens[key] = bearerToken{value: value, expires: time.Now().Add(ttl)}

	p.logger.Debug("negotiated registry token",
		zap.String("repository", key), zap.Duration("ttl", ttl))

	return value, nil
}

// parseBearerChallenge extracts realm, service, and scope from a
// `Bearer k="v",...` challenge header.
func parseBearerChallenge(header string) (realm, service, scope string) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return "", "", ""
	}
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			realm = value
		case "service":
			service = value
		case "scope":
			scope = value
		}
	}
	return realm, service, scope
}

// selectPlatformManifest picks the linux descriptor matching the host
// architecture. Among multiple matches the one without a variant wins,
// then descriptor order.
func selectPlatformManifest(manifests []ocispec.Descriptor) (ocispec.Descriptor, error) {
	arch := hostArch()

	var matches []ocispec.Descriptor
	for _, desc := range manifests {
		if desc.Platform == nil {
			continue
		}
		if desc.Platform.OS == "linux" && canonicalArch(desc.Platform.Architecture) == arch {
			matches = append(matches, desc)
		}
	}
	if len(matches) == 0 {
		return ocispec.Descriptor{}, domain.ErrNoMatchingPlatform
	}
	for _, desc := range matches {
		if desc.Platform.Variant == "" {
			return desc, nil
		}
	}
	return matches[0], nil
}

func hostArch() string {
	return canonicalArch(runtime.GOARCH)
}

func canonicalArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// layerFilename derives a local filename for a blob from its title
// annotation, falling back to the digest hex.
func layerFilename(desc ocispec.Descriptor) string {
	if title := desc.Annotations[layerTitleAnnotation]; title != "" {
		return title
	}
	return digestHex(desc.Digest) + ".blob"
}

func digestHex(dgst digest.Digest) string {
	if dgst.Validate() == nil {
		return dgst.Encoded()
	}
	return strings.ReplaceAll(dgst.String(), ":", "-")
}
