package infrastructure

import (
	"context"

	"github.com/pkgforge/soar-dl/internal/domain"
)

// DirectProvider turns a plain URL into a single-asset release. The asset
// name may be empty when the URL path has no usable basename; the download
// engine then falls back to the response's Content-Disposition header.
type DirectProvider struct{}

// NewDirectProvider builds the trivial resolver.
func NewDirectProvider() *DirectProvider { return &DirectProvider{} }

// Resolve never performs network I/O.
func (p *DirectProvider) Resolve(_ context.Context, ref domain.ProjectRef) (*domain.Release, error) {
	return &domain.Release{
		Assets: []domain.Asset{{
			Name:        filenameFromURL(ref.URL),
			DownloadURL: ref.URL,
			Size:        domain.SizeUnknown,
		}},
	}, nil
}
