package domain

import (
	"regexp"
	"strings"
)

// RefKind identifies which provider resolves a ProjectRef.
type RefKind string

const (
	RefDirect RefKind = "direct"
	RefGitHub RefKind = "github"
	RefGitLab RefKind = "gitlab"
	RefOCI    RefKind = "oci"
)

// ProjectRef is a parsed, immutable project reference. Only the fields
// relevant to its Kind are populated.
type ProjectRef struct {
	Kind RefKind

	// Direct downloads.
	URL string

	// Release providers. Project is "owner/repo", "namespace/.../project",
	// or a numeric project id; Tag is the optional release tag.
	Project string
	Tag     string

	// OCI references.
	Registry   string
	Repository string
	Reference  string
	IsDigest   bool
}

var (
	githubHostedRe = regexp.MustCompile(`^(?i)(?:https?://)?(?:github(?:\.com)?[:/])([^/@]+/[^/@]+)(?:@([^/\s]*)?)?$`)
	gitlabHostedRe = regexp.MustCompile(`^(?i)(?:https?://)?(?:gitlab(?:\.com)?[:/])([^/@]+/[^/@]+)(?:@([^/\s]*)?)?$`)
)

// ParseGitHub parses a --github argument: `identifier[@tag]` where the
// identifier is either a numeric project id or `owner/repo`.
func ParseGitHub(input string) (ProjectRef, error) {
	project, tag := splitTag(input)
	if project == "" {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty project"}
	}
	if isNumeric(project) {
		return ProjectRef{Kind: RefGitHub, Project: project, Tag: tag}, nil
	}
	owner, repo, ok := strings.Cut(project, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "must be 'owner/repo' or a numeric project id"}
	}
	return ProjectRef{Kind: RefGitHub, Project: project, Tag: tag}, nil
}

// ParseGitLab parses a --gitlab argument. The namespace may itself contain
// slashes; everything before the last segment is the namespace.
func ParseGitLab(input string) (ProjectRef, error) {
	project, tag := splitTag(input)
	if project == "" {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty project"}
	}
	if isNumeric(project) {
		return ProjectRef{Kind: RefGitLab, Project: project, Tag: tag}, nil
	}
	for _, segment := range strings.Split(project, "/") {
		if segment == "" {
			return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty path segment"}
		}
	}
	return ProjectRef{Kind: RefGitLab, Project: project, Tag: tag}, nil
}

// ParseOCI parses a --ghcr argument:
// `registry/repository[:tag|@digest]`. The reference defaults to "latest".
func ParseOCI(input string) (ProjectRef, error) {
	registry, rest, ok := strings.Cut(input, "/")
	if !ok || registry == "" || rest == "" {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "must be 'registry/repository[:tag|@digest]'"}
	}

	ref := ProjectRef{Kind: RefOCI, Registry: registry}

	if repo, dig, ok := strings.Cut(rest, "@"); ok {
		if repo == "" || dig == "" {
			return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty repository or digest"}
		}
		ref.Repository = repo
		ref.Reference = dig
		ref.IsDigest = true
		return ref, nil
	}

	// The tag separator is the first ':' after the final path segment
	// starts; repository paths themselves never contain ':'.
	if repo, tag, ok := strings.Cut(rest, ":"); ok {
		if repo == "" || tag == "" {
			return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty repository or tag"}
		}
		ref.Repository = repo
		ref.Reference = tag
		return ref, nil
	}

	ref.Repository = rest
	ref.Reference = "latest"
	return ref, nil
}

// DetectRef classifies a positional link. Hosted GitHub/GitLab release URLs
// and ghcr.io references are routed to the matching provider; anything
// else is a direct download.
func DetectRef(input string) (ProjectRef, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "empty reference"}
	}
	if strings.HasPrefix(trimmed, "ghcr.io/") {
		return ParseOCI(trimmed)
	}
	if m := githubHostedRe.FindStringSubmatch(trimmed); m != nil {
		return ParseGitHub(joinTag(m[1], m[2]))
	}
	if m := gitlabHostedRe.FindStringSubmatch(trimmed); m != nil {
		return ParseGitLab(joinTag(m[1], m[2]))
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return ProjectRef{}, &InvalidRefError{Input: input, Reason: "not an http(s) URL or a recognized project reference"}
	}
	return ProjectRef{Kind: RefDirect, URL: trimmed}, nil
}

func splitTag(input string) (project, tag string) {
	project, tag, _ = strings.Cut(input, "@")
	return strings.TrimSpace(project), strings.TrimSpace(tag)
}

func joinTag(project, tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return project
	}
	return project + "@" + tag
}

// A '/'-free all-digit identifier is treated as a numeric project id.
func isNumeric(s string) bool {
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
