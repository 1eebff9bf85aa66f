// Package zip bundles artifacts into a single archive for download.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Entry is one file of the archive.
type Entry struct {
	Name     string
	Modified time.Time
	Data     []byte
}

// Write streams entries to w as a zip archive. Duplicate names get a numeric
// suffix so no entry shadows another.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	used := make(map[string]int, len(entries))
	for _, entry := range entries {
		name := uniqueName(used, cleanName(entry.Name))
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: entry.Modified}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", name, err)
		}
		if _, err := fw.Write(entry.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: close: %w", err)
	}
	return nil
}

func cleanName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return "artifact"
	}
	return name
}

func uniqueName(used map[string]int, name string) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n+1, ext)
}
