package domain

import (
	"net/http"
	"time"
)

// SizeUnknown marks an asset or job whose byte count was not reported.
const SizeUnknown int64 = -1

// Asset is a single downloadable artifact within a Release. Name uniquely
// identifies the asset within its release.
type Asset struct {
	Name        string
	DownloadURL string
	Size        int64 // SizeUnknown when the provider does not report one
	ContentType string

	// Digest is "algorithm:hex" when the provider announces one (OCI
	// descriptors always do), empty otherwise.
	Digest string

	// Headers carries request headers the asset's URL requires, such as a
	// registry bearer token.
	Headers http.Header
}

// Release groups the assets published under one tag.
type Release struct {
	Tag        string
	Prerelease bool
	CreatedAt  time.Time
	Assets     []Asset
}
