package infrastructure

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// filenameFromURL derives a filename from the final path segment of a URL.
func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	p := rawURL
	if err == nil {
		p = parsed.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// filenameFromDisposition extracts filename= from a Content-Disposition
// header value.
func filenameFromDisposition(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if value, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// isELF reports whether the file starts with the ELF magic bytes.
func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return bytes.Equal(magic, elfMagic)
}
