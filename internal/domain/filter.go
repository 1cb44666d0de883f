package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// FilterPlan holds the raw filter predicates collected from the command
// line. Categories combine with AND; an empty category is a no-op.
type FilterPlan struct {
	Regexes   []string
	Globs     []string
	Match     []string // each entry is a comma-separated keyword group
	Exclude   []string // comma-separated tokens, flattened
	ExactCase bool
}

// IsEmpty reports whether the plan filters nothing.
func (p FilterPlan) IsEmpty() bool {
	return len(p.Regexes) == 0 && len(p.Globs) == 0 && len(p.Match) == 0 && len(p.Exclude) == 0
}

// AssetFilter is a compiled FilterPlan.
type AssetFilter struct {
	regexes   []*regexp.Regexp
	globs     []glob.Glob
	groups    [][]string
	exclude   []string
	exactCase bool
}

// Compile compiles the plan's regex and glob patterns. Patterns compile
// case-insensitively unless ExactCase is set.
func (p FilterPlan) Compile() (*AssetFilter, error) {
	f := &AssetFilter{exactCase: p.ExactCase}

	for _, pattern := range p.Regexes {
		if !p.ExactCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		f.regexes = append(f.regexes, re)
	}

	for _, pattern := range p.Globs {
		compilable := pattern
		if !p.ExactCase {
			compilable = strings.ToLower(pattern)
		}
		g, err := glob.Compile(compilable)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}

	for _, group := range p.Match {
		tokens := splitTokens(group, p.ExactCase)
		if len(tokens) > 0 {
			f.groups = append(f.groups, tokens)
		}
	}

	for _, entry := range p.Exclude {
		f.exclude = append(f.exclude, splitTokens(entry, p.ExactCase)...)
	}

	return f, nil
}

// Apply returns the surviving subset of assets in input order.
func (f *AssetFilter) Apply(assets []Asset) []Asset {
	survivors := make([]Asset, 0, len(assets))
	for _, asset := range assets {
		if f.matches(asset.Name) {
			survivors = append(survivors, asset)
		}
	}
	return survivors
}

func (f *AssetFilter) matches(name string) bool {
	folded := name
	if !f.exactCase {
		folded = strings.ToLower(name)
	}

	if len(f.regexes) > 0 && !anyRegexMatch(f.regexes, name) {
		return false
	}
	if len(f.globs) > 0 && !anyGlobMatch(f.globs, folded) {
		return false
	}
	if len(f.groups) > 0 && !anyGroupMatch(f.groups, folded) {
		return false
	}
	for _, token := range f.exclude {
		if strings.Contains(folded, token) {
			return false
		}
	}
	return true
}

func anyRegexMatch(regexes []*regexp.Regexp, name string) bool {
	for _, re := range regexes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func anyGlobMatch(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// A group matches when the name contains every token in it; the name must
// satisfy at least one group.
func anyGroupMatch(groups [][]string, name string) bool {
	for _, group := range groups {
		if containsAll(name, group) {
			return true
		}
	}
	return false
}

func containsAll(name string, tokens []string) bool {
	for _, token := range tokens {
		if !strings.Contains(name, token) {
			return false
		}
	}
	return true
}

func splitTokens(csv string, exactCase bool) []string {
	var tokens []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !exactCase {
			part = strings.ToLower(part)
		}
		tokens = append(tokens, part)
	}
	return tokens
}
