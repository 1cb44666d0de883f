package infrastructure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilenameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/soar-x86_64.tar.gz": "soar-x86_64.tar.gz",
		"https://example.com/file?query=1":            "file",
		"https://example.com/":                        "",
		"https://example.com":                         "",
	}
	for input, want := range cases {
		assert.Equal(t, want, filenameFromURL(input), "input %s", input)
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "report.pdf",
		filenameFromDisposition(`attachment; filename="report.pdf"`))
	assert.Equal(t, "raw.bin",
		filenameFromDisposition(`attachment; filename=raw.bin`))
	assert.Empty(t, filenameFromDisposition("inline"))
	assert.Empty(t, filenameFromDisposition(""))
}

func TestIsELF(t *testing.T) {
	dir := t.TempDir()

	elf := filepath.Join(dir, "binary")
	require.NoError(t, os.WriteFile(elf, append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 16)...), 0644))
	assert.True(t, isELF(elf))

	text := filepath.Join(dir, "text")
	require.NoError(t, os.WriteFile(text, []byte("#!/bin/sh\n"), 0644))
	assert.False(t, isELF(text))

	assert.False(t, isELF(filepath.Join(dir, "missing")))
}
