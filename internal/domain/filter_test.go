package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedAssets(names ...string) []Asset {
	assets := make([]Asset, len(names))
	for i, name := range names {
		assets[i] = Asset{Name: name, DownloadURL: "https://example.com/" + name}
	}
	return assets
}

func names(assets []Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.Name
	}
	return out
}

func TestFilter_EmptyPlanIsIdentity(t *testing.T) {
	assets := namedAssets("b.zip", "a.tar.gz", "c.AppImage")

	f, err := FilterPlan{}.Compile()
	require.NoError(t, err)

	assert.Equal(t, names(assets), names(f.Apply(assets)))
}

func TestFilter_Regex(t *testing.T) {
	assets := namedAssets("soar-x86_64-linux", "soar-aarch64-linux", "soar.b3sum")

	f, err := FilterPlan{Regexes: []string{".*x86_64"}}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"soar-x86_64-linux"}, names(f.Apply(assets)))
}

func TestFilter_RegexDisjunctive(t *testing.T) {
	assets := namedAssets("a-linux", "b-darwin", "c-windows")

	f, err := FilterPlan{Regexes: []string{"linux$", "darwin$"}}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"a-linux", "b-darwin"}, names(f.Apply(assets)))
}

func TestFilter_RegexCaseFolding(t *testing.T) {
	assets := namedAssets("Soar-X86_64-Linux")

	folded, err := FilterPlan{Regexes: []string{"x86_64"}}.Compile()
	require.NoError(t, err)
	assert.Len(t, folded.Apply(assets), 1)

	exact, err := FilterPlan{Regexes: []string{"x86_64"}, ExactCase: true}.Compile()
	require.NoError(t, err)
	assert.Empty(t, exact.Apply(assets))
}

func TestFilter_Glob(t *testing.T) {
	assets := namedAssets("soar-linux.tar.gz", "soar-linux.zip", "README.md")

	f, err := FilterPlan{Globs: []string{"*.tar.gz", "*.zip"}}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"soar-linux.tar.gz", "soar-linux.zip"}, names(f.Apply(assets)))
}

func TestFilter_MatchGroups(t *testing.T) {
	assets := namedAssets("tool-linux-amd64", "tool-linux-arm64", "tool-darwin-amd64")

	// AND within a group, OR across groups.
	f, err := FilterPlan{Match: []string{"linux,amd64", "darwin,amd64"}}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"tool-linux-amd64", "tool-darwin-amd64"}, names(f.Apply(assets)))
}

func TestFilter_Exclude(t *testing.T) {
	assets := namedAssets("soar-x86_64", "soar-x86_64.tar", "soar-x86_64.b3sum")

	f, err := FilterPlan{Exclude: []string{"tar,b3sum"}}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"soar-x86_64"}, names(f.Apply(assets)))
}

func TestFilter_CategoriesCombineWithAnd(t *testing.T) {
	assets := namedAssets("app-linux-amd64.tar.gz", "app-linux-amd64.zip", "app-darwin-amd64.tar.gz")

	f, err := FilterPlan{
		Regexes: []string{"linux"},
		Globs:   []string{"*.tar.gz"},
		Match:   []string{"amd64"},
	}.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"app-linux-amd64.tar.gz"}, names(f.Apply(assets)))
}

func TestFilter_InvalidRegex(t *testing.T) {
	_, err := FilterPlan{Regexes: []string{"("}}.Compile()
	assert.Error(t, err)
}

func TestFilter_InvalidGlob(t *testing.T) {
	_, err := FilterPlan{Globs: []string{"[unclosed"}}.Compile()
	assert.Error(t, err)
}
